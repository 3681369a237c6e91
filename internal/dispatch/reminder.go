package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ReminderScheduler periodically re-arms sent records whose next reminder
// offset has elapsed. It runs independently of the worker pool: armed
// records surface through the regular selector in their own priority class.
type ReminderScheduler struct {
	store    Store
	interval time.Duration

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReminderScheduler creates a reminder scheduler.
func NewReminderScheduler(store Store, interval time.Duration) *ReminderScheduler {
	return &ReminderScheduler{
		store:    store,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scheduler loop.
func (s *ReminderScheduler) Start(ctx context.Context) {
	slog.Info("starting reminder scheduler", "interval", s.interval)

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

// Stop gracefully stops the scheduler.
func (s *ReminderScheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	slog.Info("reminder scheduler stopped")
}

func (s *ReminderScheduler) sweep(ctx context.Context) {
	armed, err := s.store.ArmDueReminders(ctx, s.now())
	if err != nil {
		slog.Error("failed to arm due reminders", "error", err)
		return
	}
	if armed > 0 {
		remindersArmed.Add(float64(armed))
		slog.Info("reminders armed", "count", armed)
	}
}
