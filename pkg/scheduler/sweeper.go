package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/zapflow/zapflow/pkg/persistence"
)

// Advancer resumes a session whose delay elapsed.
type Advancer interface {
	Advance(ctx context.Context, sessionID string) error
}

// DefaultSweepInterval is how often due jobs are polled.
const DefaultSweepInterval = 5 * time.Second

// Sweeper polls for due delay jobs and resumes their sessions. Each job is
// claimed (scheduled -> done) before Advance runs, so concurrent sweepers
// across processes deliver a job at most once.
type Sweeper struct {
	persistence persistence.Persistence
	advancer    Advancer
	interval    time.Duration
	logger      *slog.Logger
}

func NewSweeper(logger *slog.Logger, p persistence.Persistence, advancer Advancer, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	return &Sweeper{
		persistence: p,
		advancer:    advancer,
		interval:    interval,
		logger:      logger.With("module", "sweeper"),
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.InfoContext(ctx, "Delay sweeper started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Delay sweeper stopped")

			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep claims and delivers every job due at call time.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	jobs, err := s.persistence.DelayJobs().DueDelayJobs(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list due delay jobs", "error", err)

		return
	}

	for _, job := range jobs {
		claimed, err := s.persistence.DelayJobs().ClaimDelayJob(ctx, job.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to claim delay job",
				"job_id", job.ID, "error", err)

			continue
		}

		if !claimed {
			continue
		}

		err = s.advancer.Advance(ctx, job.SessionID)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to resume session from delay job",
				"job_id", job.ID, "session_id", job.SessionID, "error", err)
		}
	}
}
