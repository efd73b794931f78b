package presence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/repositories"
)

// Broadcaster announces a user's presence to its conversation partners.
type Broadcaster interface {
	BroadcastPresence(ctx context.Context, user models.User, online bool, lastSeen *time.Time) (int, error)
}

// Sweeper periodically announces users who just went quiet. A user whose
// last_seen falls in [now-idleAfter-interval, now-idleAfter) is reported
// offline exactly once, because consecutive windows do not overlap.
type Sweeper struct {
	users       repositories.UserRepository
	broadcaster Broadcaster
	interval    time.Duration
	idleAfter   time.Duration
	log         *zap.Logger
	now         func() time.Time
}

func NewSweeper(users repositories.UserRepository, broadcaster Broadcaster, interval, idleAfter time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{
		users:       users,
		broadcaster: broadcaster,
		interval:    interval,
		idleAfter:   idleAfter,
		log:         log.Named("presence"),
		now:         time.Now,
	}
}

func (s *Sweeper) Name() string { return "presence-sweeper" }

// Window returns the last_seen range inspected by a cycle running at now.
func (s *Sweeper) Window(now time.Time) (from, to time.Time) {
	to = now.Add(-s.idleAfter)
	return to.Add(-s.interval), to
}

// RunOnce performs a single cycle and returns the number of offline events
// published.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) (int, error) {
	from, to := s.Window(now)
	idle, err := s.users.RecentlyIdleUsers(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("recently idle users: %w", err)
	}

	published := 0
	for _, user := range idle {
		n, err := s.broadcaster.BroadcastPresence(ctx, user, false, user.LastSeen)
		if err != nil {
			s.log.Warn("offline broadcast failed", zap.String("username", user.Username), zap.Error(err))
			continue
		}
		published += n
	}
	if len(idle) > 0 {
		s.log.Info("broadcast offline status", zap.Int("users", len(idle)), zap.Int("events", published))
	}
	return published, nil
}

// Run ticks every interval until ctx is cancelled. A failed cycle is logged
// and the loop carries on.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("presence sweep started",
		zap.Duration("interval", s.interval),
		zap.Duration("idle_after", s.idleAfter),
	)
	for {
		s.cycle(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) cycle(ctx context.Context) {
	n, err := s.RunOnce(ctx, s.now())
	if err != nil {
		observability.IncPresenceSweep("error")
		s.log.Error("presence sweep failed", zap.Error(err))
		return
	}
	observability.IncPresenceSweep("ok")
	observability.AddPresenceOffline(n)
}
