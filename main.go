package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"marketplace-chat/internal/auth"
	"marketplace-chat/internal/config"
	"marketplace-chat/internal/db"
	grpcserver "marketplace-chat/internal/grpc"
	"marketplace-chat/internal/handlers"
	"marketplace-chat/internal/messaging"
	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/presence"
	"marketplace-chat/internal/rabbitmq"
	"marketplace-chat/internal/repositories"
	"marketplace-chat/internal/telemetry"
	"marketplace-chat/internal/workers"
	"marketplace-chat/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.IsProduction())
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	store, database, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if database != nil {
		defer database.Close()
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AuditExchange, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, logger, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Env)
	logger.Info("audit publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)

	supervisor := workers.NewSupervisor(logger)

	local := ws.NewLocalBus(ws.NewRegistry(), logger)
	var bus ws.Bus = local
	if cfg.AMQPURL != "" {
		cluster := rabbitmq.NewBus(cfg.AMQPURL, cfg.BusExchange, local, logger)
		supervisor.Add(cluster)
		bus = cluster
	}

	messages := messaging.NewService(store, bus, logger)
	supervisor.Add(newPresenceSweeper(cfg, store, local, logger))

	var health *grpcserver.HealthServer
	if addr := cfg.GRPCAddr(); addr != "" {
		health = grpcserver.NewHealthServer(addr, logger, observability.GRPCServerMetricsUnaryInterceptor())
		supervisor.Add(health)
	}

	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.JWTTTL)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	handlers.RegisterRoutes(router,
		middleware.AuthMiddleware(tokens),
		handlers.NewConversationHandler(store, messages),
		handlers.NewStaffHandler(messages),
	)

	deps := ws.Deps{
		Auth:           tokens,
		Store:          store,
		Messages:       messages,
		Bus:            bus,
		Audit:          audit,
		Log:            logger,
		QueueSize:      cfg.ClientQueueSize,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	router.GET("/ws/chat/:username", ws.NewChatWebSocketHandler(deps).Handle)
	router.GET("/ws/notifications", ws.NewNotificationWebSocketHandler(deps).Handle)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pingers := map[string]handlers.Pinger{}
	if database != nil {
		pingers["database"] = func(c *gin.Context) error { return database.PingContext(c.Request.Context()) }
	}
	handlers.RegisterHealthRoutes(router, pingers)
	handlers.RegisterDebugRoutes(router, audit, cfg.DebugRoutes)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		supervisor.Run(ctx)
	}()
	stopWorkers := func() {
		stop()
		supervisor.Stop()
		<-supervisorDone
	}

	if health != nil {
		health.SetServing(true)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			stopWorkers()
			return fmt.Errorf("http server: %w", err)
		}
	}

	if health != nil {
		health.SetServing(false)
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	stopWorkers()
	return nil
}

// newPresenceSweeper announces only to this process's connections. Every
// replica sweeps the shared users table, so going through the cluster bus
// would hand each partner one copy per replica.
func newPresenceSweeper(cfg *config.Config, store repositories.Store, local *ws.LocalBus, logger *zap.Logger) *presence.Sweeper {
	announcer := messaging.NewService(store, local, logger)
	return presence.NewSweeper(store.Users, announcer, cfg.PresenceInterval, cfg.PresenceIdleAfter, logger)
}

// openStore picks Postgres when a DSN is configured and the in-memory store
// otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.Store, *sqlx.DB, error) {
	if cfg.DBDSN == "" {
		mem := repositories.NewMemoryStore()
		seedUsers(mem, cfg.SeedUsers)
		logger.Info("using in-memory store", zap.Int("seeded_users", len(cfg.SeedUsers)))
		return mem.Store(), nil, nil
	}

	database, err := db.Connect(ctx, cfg.DBDSN, cfg.DBMaxOpen, cfg.RunMigrations, logger)
	if err != nil {
		return repositories.Store{}, nil, err
	}
	logger.Info("connected to postgres")
	return repositories.NewSQLStore(database), database, nil
}

// seedUsers accepts "name" or "name:staff" entries.
func seedUsers(mem *repositories.MemoryStore, entries []string) {
	for _, entry := range entries {
		name, role, _ := strings.Cut(strings.TrimSpace(entry), ":")
		if name == "" {
			continue
		}
		mem.AddUser(name, role == "staff")
	}
}
