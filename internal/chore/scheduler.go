package chore

import (
	"context"
	"io"
	"log"
	"time"
)

// Job is run by the Scheduler at every boundary. at is the boundary instant
// (or the start time for the initial run).
type Job func(ctx context.Context, at time.Time) error

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	// RunOnStart runs the job once immediately before waiting for the first boundary
	RunOnStart bool

	// Logger for scheduler activity (default: discard)
	Logger *log.Logger

	// Now and After replace the clock in tests (default: time.Now, time.After)
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

// Scheduler runs a job at every logical-day boundary, rescheduling itself
// for the next one after each run.
type Scheduler struct {
	calc   Calculator
	job    Job
	config SchedulerConfig
	logger *log.Logger
}

// NewScheduler creates a scheduler. A nil config uses the defaults.
func NewScheduler(calc Calculator, job Job, config *SchedulerConfig) *Scheduler {
	var cfg SchedulerConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	return &Scheduler{calc: calc, job: job, config: cfg, logger: cfg.Logger}
}

// Run blocks until ctx is done. Job errors are logged and do not stop
// the schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.config.RunOnStart {
		s.run(ctx, s.config.Now())
	}

	for {
		now := s.config.Now()
		next := s.calc.NextBoundary(now)
		s.logger.Printf("next run at %s", next.Format(time.RFC3339))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.config.After(next.Sub(now)):
		}
		s.run(ctx, next)
	}
}

func (s *Scheduler) run(ctx context.Context, at time.Time) {
	if err := s.job(ctx, at); err != nil {
		s.logger.Printf("job failed: %v", err)
	}
}
