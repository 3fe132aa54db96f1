package reconciler

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the periodic audit.
type SchedulerConfig struct {
	Auditor  *Auditor
	Interval time.Duration
	Logger   *slog.Logger
}

// Scheduler executes audits on a fixed cadence.
type Scheduler struct {
	auditor  *Auditor
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		auditor:  cfg.Auditor,
		interval: interval,
		logger:   logger,
	}
}

// Start runs an audit every interval until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.auditor == nil {
		return
	}
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := s.auditor.Run(ctx, AuditOptions{}); err != nil && ctx.Err() == nil {
				s.logger.Error("audit scheduler run failed", slog.String("error", err.Error()))
			}
			timer.Reset(s.interval)
		}
	}
}
