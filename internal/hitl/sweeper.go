package hitl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/rendis/steward/internal/ids"
	"github.com/rendis/steward/pkg/schema"
)

// DefaultSweepSchedule checks for expired approvals once a minute.
const DefaultSweepSchedule = "@every 1m"

// Sweeper expires overdue approvals on a cron schedule.
type Sweeper struct {
	queue    *Queue
	schedule string
	clock    ids.Clock
	logger   *slog.Logger
	onExpire func(context.Context, *schema.HitlRequest)

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewSweeper creates a sweeper. An empty schedule uses DefaultSweepSchedule.
func NewSweeper(q *Queue, schedule string, clock ids.Clock, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{queue: q, schedule: schedule, clock: clock.OrDefault(), logger: logger}
}

// OnExpire registers fn to run for every request a sweep expires. Call it
// before Start.
func (s *Sweeper) OnExpire(fn func(context.Context, *schema.HitlRequest)) {
	s.onExpire = fn
}

// SweepOnce expires overdue approvals now and returns how many changed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	expired, err := s.queue.Expire(ctx, s.clock())
	if s.onExpire != nil {
		for _, req := range expired {
			s.onExpire(ctx, req)
		}
	}
	return len(expired), err
}

// Start schedules the sweep. It fails on an invalid schedule or when
// already started.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.SweepOnce(sweepCtx); err != nil {
			s.logger.Error("hitl sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("parse sweep schedule %q: %w", s.schedule, err)
	}

	c.Start()
	s.cron = c
	s.cancel = cancel
	s.logger.Info("hitl sweeper started", slog.String("schedule", s.schedule))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cancel()
	s.cron = nil
	s.cancel = nil
	s.logger.Info("hitl sweeper stopped")
}
