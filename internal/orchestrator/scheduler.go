package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs the orchestrator on a fixed interval inside the process.
// Deployments that rely on an external cron leave it disabled.
type Scheduler struct {
	orch     *Orchestrator
	interval time.Duration
	logger   *zap.Logger
}

func NewScheduler(orch *Orchestrator, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{orch: orch, interval: interval, logger: logger}
}

// Start blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			summary := s.orch.Run(ctx, 0)
			if summary.Skipped {
				s.logger.Info("scheduled run skipped, lock held elsewhere")
			}
		}
	}
}
