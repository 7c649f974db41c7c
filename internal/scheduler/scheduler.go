package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ubuygold/gpugate/internal/aggregator"
)

// HealthProber is the part of the aggregator the health sweep needs.
type HealthProber interface {
	Health(ctx context.Context) aggregator.Health
}

// Scheduler runs the periodic backend health sweep. It only observes and logs; routing
// is never changed by what it sees.
type Scheduler struct {
	prober  HealthProber
	c       *cron.Cron
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	last map[string]string
}

func NewScheduler(prober HealthProber, timeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		prober:  prober,
		c:       cron.New(),
		timeout: timeout,
		logger:  logger.With("component", "scheduler"),
		last:    make(map[string]string),
	}
}

// Start schedules the sweep with a cron spec such as "@every 1m" and starts the cron loop.
func (s *Scheduler) Start(spec string) error {
	if _, err := s.c.AddFunc(spec, s.Sweep); err != nil {
		return fmt.Errorf("error scheduling health sweep %q: %w", spec, err)
	}
	s.c.Start()
	s.logger.Info("Health sweep scheduled", "spec", spec)
	return nil
}

// Stop stops the cron loop and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// Sweep probes every backend once and logs state transitions.
func (s *Scheduler) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	h := s.prober.Health(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	for backend, state := range h.Backends {
		prev, known := s.last[backend]
		s.last[backend] = state
		if known && prev == state {
			continue
		}
		switch {
		case state == aggregator.BackendOffline:
			s.logger.Warn("Backend went offline", "backend", backend, "first_sweep", !known)
		case known:
			s.logger.Info("Backend back online", "backend", backend)
		default:
			s.logger.Debug("Backend online", "backend", backend)
		}
	}
}

// States returns the backend states seen by the last sweep.
func (s *Scheduler) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}
