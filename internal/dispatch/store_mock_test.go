package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/invitehq/courier/internal/domain"
)

// memStore is an in-memory Store with the same conditional-update semantics
// as the PostgreSQL implementation.
type memStore struct {
	mu      sync.Mutex
	records map[string]*domain.DispatchRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*domain.DispatchRecord)}
}

func (m *memStore) put(rec *domain.DispatchRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	if cp.DeliveryStatus == nil {
		cp.DeliveryStatus = domain.DeliveryStatus{}
	}
	m.records[rec.ID] = &cp
}

func (m *memStore) get(id string) *domain.DispatchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	if rec == nil {
		return nil
	}
	cp := *rec
	cp.DeliveryStatus = make(domain.DeliveryStatus, len(rec.DeliveryStatus))
	for ch, out := range rec.DeliveryStatus {
		cp.DeliveryStatus[ch] = out
	}
	return &cp
}

func (m *memStore) Enqueue(_ context.Context, rec *domain.DispatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.InvitationID == rec.InvitationID {
			rec.ID = existing.ID
			break
		}
	}
	cp := *rec
	cp.Status = domain.StatusPending
	cp.Attempts = 0
	cp.DeliveryStatus = domain.DeliveryStatus{}
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.records[cp.ID] = &cp
	return nil
}

func (m *memStore) GetRecord(_ context.Context, id string) (*domain.DispatchRecord, error) {
	rec := m.get(id)
	if rec == nil {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func (m *memStore) PickBatch(_ context.Context, now time.Time, limit int) ([]*domain.DispatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.DispatchRecord
	for _, rec := range m.records {
		if rec.Eligible(now) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if pi, pj := statusRank(out[i].Status), statusRank(out[j].Status); pi != pj {
			return pi < pj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func statusRank(s domain.Status) int {
	switch s {
	case domain.StatusRetryScheduled:
		return 0
	case domain.StatusReminderDue:
		return 1
	default:
		return 2
	}
}

func (m *memStore) Claim(_ context.Context, id string, now time.Time) (*domain.DispatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if !rec.Eligible(now) {
		return nil, ErrNotClaimable
	}
	rec.Status = domain.StatusProcessing
	rec.ClaimedAt = &now
	if rec.TriggeredAt == nil {
		rec.TriggeredAt = &now
	}
	cp := *rec
	cp.DeliveryStatus = make(domain.DeliveryStatus, len(rec.DeliveryStatus))
	for ch, out := range rec.DeliveryStatus {
		cp.DeliveryStatus[ch] = out
	}
	return &cp, nil
}

func (m *memStore) MergeChannelStatus(_ context.Context, id string, ch domain.Channel, outcome domain.ChannelOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.DeliveryStatus == nil {
		rec.DeliveryStatus = domain.DeliveryStatus{}
	}
	rec.DeliveryStatus[ch] = outcome
	return nil
}

func (m *memStore) CompleteRecord(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.Status != domain.StatusProcessing {
		return ErrNotProcessing
	}
	rec.Status = domain.StatusSent
	rec.CompletedAt = &now
	rec.LastError = ""
	rec.NextAttemptAt = nil
	rec.ClaimedAt = nil
	if rec.ReminderEpisode {
		rec.ReminderCount++
		rec.ReminderEpisode = false
	}
	if rec.DeliveryStatus.Sent(domain.ChannelEmail) {
		rec.EmailSent = true
		rec.EmailSentAt = &now
	}
	return nil
}

func (m *memStore) ScheduleRetry(_ context.Context, id string, nextAttemptAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.Status != domain.StatusProcessing {
		return ErrNotProcessing
	}
	rec.Status = domain.StatusRetryScheduled
	rec.Attempts++
	rec.NextAttemptAt = &nextAttemptAt
	rec.LastError = lastError
	rec.ClaimedAt = nil
	return nil
}

func (m *memStore) FailRecord(_ context.Context, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.Status != domain.StatusProcessing {
		return ErrNotProcessing
	}
	rec.Status = domain.StatusFailed
	rec.Attempts++
	rec.LastError = lastError
	rec.ClaimedAt = nil
	return nil
}

func (m *memStore) Cancel(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if domain.Terminal(rec.Status) {
		return ErrNotCancellable
	}
	rec.Status = domain.StatusCancelled
	rec.CancelReason = reason
	return nil
}

func (m *memStore) ForceRetry(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	rec.Status = domain.StatusPending
	rec.Attempts = 0
	rec.NextAttemptAt = nil
	rec.SendAfter = now
	rec.ExpiresAt = nil
	rec.LastError = ""
	rec.ClaimedAt = nil
	return nil
}

func (m *memStore) Pause(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if !domain.Claimable(rec.Status) {
		return ErrNotPausable
	}
	rec.Status = domain.StatusPaused
	return nil
}

func (m *memStore) Resume(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.Status != domain.StatusPaused {
		return ErrNotPaused
	}
	rec.Status = domain.StatusPending
	return nil
}

func (m *memStore) ArmDueReminders(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var armed int64
	for _, rec := range m.records {
		due := rec.NextReminderAt()
		if due == nil || due.After(now) || rec.Expired(now) {
			continue
		}
		rec.Status = domain.StatusReminderDue
		rec.ReminderEpisode = true
		rec.LastReminderAt = &now
		rec.NextAttemptAt = nil
		armed++
	}
	return armed, nil
}

func (m *memStore) ReclaimStuck(_ context.Context, now time.Time, lease time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-lease)
	var reclaimed int64
	for _, rec := range m.records {
		if rec.Status != domain.StatusProcessing || rec.ClaimedAt == nil || rec.ClaimedAt.After(cutoff) {
			continue
		}
		rec.Attempts++
		rec.ClaimedAt = nil
		rec.LastError = "processing lease expired"
		if rec.Attempts >= rec.MaxAttempts {
			rec.Status = domain.StatusFailed
		} else {
			rec.Status = domain.StatusRetryScheduled
			rec.NextAttemptAt = &now
		}
		reclaimed++
	}
	return reclaimed, nil
}

func (m *memStore) DeleteOldTerminal(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, rec := range m.records {
		if domain.Terminal(rec.Status) && rec.UpdatedAt.Before(olderThan) {
			delete(m.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memStore) Stats(_ context.Context, recentFailures int) (*QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &QueueStats{
		CountByStatus:  make(map[domain.Status]int64),
		ChannelUsage:   make(map[domain.Channel]int64),
		RecentFailures: []FailureSample{},
	}
	var attempts int
	for _, rec := range m.records {
		stats.CountByStatus[rec.Status]++
		attempts += rec.Attempts
		for _, ch := range rec.DeliveryMethods {
			stats.ChannelUsage[ch]++
		}
		if rec.Status == domain.StatusFailed && len(stats.RecentFailures) < recentFailures {
			stats.RecentFailures = append(stats.RecentFailures, FailureSample{
				ID:           rec.ID,
				InvitationID: rec.InvitationID,
				Attempts:     rec.Attempts,
				LastError:    rec.LastError,
				FailedAt:     rec.UpdatedAt,
			})
		}
	}
	if len(m.records) > 0 {
		stats.AvgAttempts = float64(attempts) / float64(len(m.records))
	}
	return stats, nil
}
