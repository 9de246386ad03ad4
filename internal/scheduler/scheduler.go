// Package scheduler runs periodic maintenance jobs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"gogenie/internal/metrics"
	"gogenie/internal/usage"

	"github.com/robfig/cron/v3"
)

// pruneSchedule runs the usage prune at 03:00 on the first of every month.
const pruneSchedule = "0 3 1 * *"

// Pruner deletes usage counters of periods older than a period key.
type Pruner interface {
	PruneUsageBefore(ctx context.Context, period string) (int64, error)
}

type Scheduler struct {
	pruner    Pruner
	retention int
	now       func() time.Time
	logger    *slog.Logger
	c         *cron.Cron
}

// NewScheduler creates a scheduler that keeps retentionMonths full periods
// before the current one. A retention below 1 keeps one.
func NewScheduler(pruner Pruner, retentionMonths int, logger *slog.Logger) *Scheduler {
	if retentionMonths < 1 {
		retentionMonths = 1
	}
	return &Scheduler{
		pruner:    pruner,
		retention: retentionMonths,
		now:       time.Now,
		logger:    logger.With("component", "scheduler"),
		c:         cron.New(cron.WithLocation(time.UTC)),
	}
}

func (s *Scheduler) Start() error {
	_, err := s.c.AddFunc(pruneSchedule, func() {
		if _, err := s.PruneExpired(context.Background()); err != nil {
			s.logger.Error("Error pruning usage counters", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.c.Start()
	return nil
}

// Stop stops the cron and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// Cutoff is the oldest period key that is kept.
func (s *Scheduler) Cutoff() string {
	now := s.now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return usage.PeriodKey(first.AddDate(0, -s.retention, 0))
}

// PruneExpired deletes counters older than the retention window.
func (s *Scheduler) PruneExpired(ctx context.Context) (int64, error) {
	cutoff := s.Cutoff()
	s.logger.Info("Running monthly job: pruning usage counters", "before", cutoff)
	n, err := s.pruner.PruneUsageBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	metrics.UsagePruned.Add(float64(n))
	s.logger.Info("Pruned usage counters", "rows", n)
	return n, nil
}
