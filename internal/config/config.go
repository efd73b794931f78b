package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every runtime setting of the service.
type Config struct {
	Env      string `envconfig:"APP_ENV" default:"development" validate:"oneof=development production test"`
	Port     string `envconfig:"PORT" default:"8083" validate:"required"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"9083"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// DBDSN empty selects the in-memory store.
	DBDSN         string `envconfig:"DB_DSN"`
	DBMaxOpen     int    `envconfig:"DB_MAX_OPEN_CONNS" default:"20" validate:"gt=0"`
	RunMigrations bool   `envconfig:"DB_MIGRATE" default:"true"`

	// AMQPURL empty keeps the broadcast bus in-process and audit publishing noop.
	AMQPURL         string `envconfig:"AMQP_URL"`
	BusExchange     string `envconfig:"BUS_EXCHANGE" default:"realtime.groups" validate:"required"`
	AuditExchange   string `envconfig:"AUDIT_EXCHANGE" default:"chat.audit" validate:"required"`
	AuditRoutingKey string `envconfig:"AUDIT_ROUTING_KEY" default:"audit.chat" validate:"required"`

	JWTSecret      string        `envconfig:"JWT_SECRET" validate:"required,min=16"`
	JWTTTL         time.Duration `envconfig:"JWT_TTL" default:"24h" validate:"gt=0"`
	AllowedOrigins []string      `envconfig:"WS_ALLOWED_ORIGINS"`

	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `envconfig:"SERVICE_NAME" default:"marketplace-chat"`

	ClientQueueSize   int           `envconfig:"WS_CLIENT_QUEUE" default:"256" validate:"gt=0"`
	PresenceInterval  time.Duration `envconfig:"PRESENCE_INTERVAL" default:"60s" validate:"gt=0"`
	PresenceIdleAfter time.Duration `envconfig:"PRESENCE_IDLE_AFTER" default:"5m" validate:"gt=0"`

	DebugRoutes bool `envconfig:"DEBUG_ROUTES" default:"false"`

	// SeedUsers populates the in-memory store: "alice,bob,admin:staff".
	SeedUsers []string `envconfig:"DEV_SEED_USERS"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// HTTPAddr is the gin listen address.
func (c *Config) HTTPAddr() string {
	return ":" + c.Port
}

// GRPCAddr is the health server listen address; empty disables it.
func (c *Config) GRPCAddr() string {
	if c.GRPCPort == "" {
		return ""
	}
	return ":" + c.GRPCPort
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
