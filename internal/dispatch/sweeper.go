package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LeaseSweeper recovers records stuck in processing after a worker crash.
// A claim stamps claimed_at; once the lease expires the record goes back to
// retry_scheduled (or failed when the attempt budget is spent) with
// attempts incremented, so a crashed send counts against the budget.
type LeaseSweeper struct {
	store    Store
	interval time.Duration
	lease    time.Duration

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLeaseSweeper creates a lease sweeper.
func NewLeaseSweeper(store Store, interval, lease time.Duration) *LeaseSweeper {
	return &LeaseSweeper{
		store:    store,
		interval: interval,
		lease:    lease,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweeper loop.
func (s *LeaseSweeper) Start(ctx context.Context) {
	slog.Info("starting lease sweeper", "interval", s.interval, "lease", s.lease)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop gracefully stops the sweeper.
func (s *LeaseSweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	slog.Info("lease sweeper stopped")
}

func (s *LeaseSweeper) sweep(ctx context.Context) {
	reclaimed, err := s.store.ReclaimStuck(ctx, s.now(), s.lease)
	if err != nil {
		slog.Error("failed to reclaim stuck records", "error", err)
		return
	}
	if reclaimed > 0 {
		stuckReclaimed.Add(float64(reclaimed))
		slog.Warn("stuck processing records reclaimed", "count", reclaimed, "lease", s.lease)
	}
}
