package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const restartDelay = 200 * time.Millisecond

var ErrWorkerPanic = errors.New("worker panicked")

// Worker is a long-running background job. Run returns nil when the work is
// finished for good; an error asks the supervisor for a restart.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// Supervisor runs workers in their own goroutines, restarts them after a
// crash or panic and waits for all of them on shutdown.
type Supervisor struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *zap.Logger
	workers []Worker
}

func NewSupervisor(log *zap.Logger) *Supervisor {
	return &Supervisor{log: log.Named("supervisor")}
}

func (s *Supervisor) Add(workers ...Worker) *Supervisor {
	s.workers = append(s.workers, workers...)
	return s
}

// Run blocks until every worker has returned. Cancelling ctx or calling Stop
// ends supervision.
func (s *Supervisor) Run(ctx context.Context) {
	supervisedCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	for _, worker := range s.workers {
		s.start(supervisedCtx, worker)
	}
	s.wg.Wait()
}

// Stop cancels the workers; Run returns once they are gone.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Supervisor) start(ctx context.Context, worker Worker) {
	s.wg.Add(1)
	name := worker.Name()

	go func() {
		defer s.wg.Done()

		for {
			if ctx.Err() != nil {
				s.log.Info("worker stopping", zap.String("worker", name))
				return
			}

			err := runGuarded(ctx, worker)
			if err == nil {
				s.log.Info("worker finished", zap.String("worker", name))
				return
			}
			if ctx.Err() != nil {
				s.log.Info("worker stopped", zap.String("worker", name))
				return
			}

			s.log.Warn("worker crashed, restarting", zap.String("worker", name), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartDelay):
			}
		}
	}()
}

func runGuarded(ctx context.Context, worker Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()
	return worker.Run(ctx)
}
