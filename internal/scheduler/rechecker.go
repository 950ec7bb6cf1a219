package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Run drives RunSweep from an internal ticker: an immediate pass, then one
// per tick. It stops when ctx is cancelled. With no interval configured the
// sweep is left to the external trigger and Run returns at once.
func (s *Scheduler) Run(ctx context.Context) {
	if s.cfg.Interval == 0 {
		s.Logger.Info("internal_ticker_disabled")
		return
	}
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("internal_ticker_stopped")
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	sum, err := s.RunSweep(ctx, s.Now())
	if err != nil {
		s.Logger.Warn("sweep_failed", zap.Error(err))
		return
	}
	failed := 0
	for _, r := range sum.Results {
		if r.Error != "" {
			failed++
		}
	}
	s.Logger.Info("sweep_done",
		zap.Int("checked", sum.CheckedCount),
		zap.Int("errors", failed),
		zap.Duration("took", time.Since(start)),
	)
}
