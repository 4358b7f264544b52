package service

import (
	"context"
	"time"

	"github.com/diagnosis/smartregister/pkg/clock"
	"github.com/diagnosis/smartregister/pkg/logger"
	"github.com/diagnosis/smartregister/services/registration/internal/repository"
)

// Sweeper deletes pending OTP rows that expired more than retention ago, and
// verified rows no session has committed within retention of verifying.
// Correctness never depends on it.
type Sweeper struct {
	store     repository.RecordStore
	clock     clock.Clock
	interval  time.Duration
	retention time.Duration
}

func NewSweeper(store repository.RecordStore, clk clock.Clock, interval, retention time.Duration) *Sweeper {
	return &Sweeper{store: store, clock: clk, interval: interval, retention: retention}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.retention)
	n, err := s.store.DeletePending(ctx, "", repository.PendingFilter{ExpiredBefore: cutoff})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.InfoContext(ctx, "Swept expired OTPs", "deleted", n)
	}
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				logger.WarnContext(ctx, "OTP sweep failed", "error", err)
			}
		}
	}
}
