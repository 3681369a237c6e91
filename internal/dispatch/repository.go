// Package dispatch implements the durable invitation delivery queue: record
// selection, claiming, outcome handling, retries, reminders and the admin
// surface over a single Postgres-backed store.
package dispatch

import (
	"context"
	"time"

	"github.com/invitehq/courier/internal/domain"
)

// Store defines data access for dispatch records. All worker coordination
// goes through it; the claim is the only operation requiring atomicity and
// must be a single conditional write.
type Store interface {
	// Enqueue inserts the record, or resets the existing record for the
	// same invitation back to pending with cleared delivery state.
	Enqueue(ctx context.Context, rec *domain.DispatchRecord) error

	GetRecord(ctx context.Context, id string) (*domain.DispatchRecord, error)

	// PickBatch returns up to limit eligible records ordered by priority
	// class (retry_scheduled, reminder_due, pending) then creation time.
	// Selection is a plain read; callers must still win a Claim.
	PickBatch(ctx context.Context, now time.Time, limit int) ([]*domain.DispatchRecord, error)

	// Claim atomically moves an eligible record to processing and stamps
	// claimed_at. Returns ErrNotClaimable when another worker won or the
	// record is no longer eligible.
	Claim(ctx context.Context, id string, now time.Time) (*domain.DispatchRecord, error)

	// MergeChannelStatus merges one channel outcome into the per-channel
	// status map. Entries are only ever added or overwritten per key.
	MergeChannelStatus(ctx context.Context, id string, ch domain.Channel, outcome domain.ChannelOutcome) error

	// CompleteRecord finishes the current episode: processing -> sent,
	// stamps completed_at, clears last_error, advances the reminder
	// counter for reminder episodes and mirrors the legacy email fields.
	CompleteRecord(ctx context.Context, id string, now time.Time) error

	// ScheduleRetry moves processing -> retry_scheduled, increments
	// attempts and records when the next attempt becomes due.
	ScheduleRetry(ctx context.Context, id string, nextAttemptAt time.Time, lastError string) error

	// FailRecord moves processing -> failed and increments attempts.
	FailRecord(ctx context.Context, id string, lastError string) error

	Cancel(ctx context.Context, id, reason string) error

	// ForceRetry is the admin override: attempts back to zero, status
	// pending, immediate send_after, expiry cleared.
	ForceRetry(ctx context.Context, id string, now time.Time) error

	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error

	// ArmDueReminders moves sent records whose next reminder offset has
	// elapsed to reminder_due. Returns the number of records armed.
	ArmDueReminders(ctx context.Context, now time.Time) (int64, error)

	// ReclaimStuck returns records parked in processing beyond the lease
	// to retry_scheduled (or failed once the attempt budget is spent),
	// incrementing attempts. Returns the number of records reclaimed.
	ReclaimStuck(ctx context.Context, now time.Time, lease time.Duration) (int64, error)

	// DeleteOldTerminal removes sent/failed/cancelled records last touched
	// before the cutoff. Operator-triggered only.
	DeleteOldTerminal(ctx context.Context, olderThan time.Time) (int64, error)

	Stats(ctx context.Context, recentFailures int) (*QueueStats, error)
}

// QueueStats is the aggregate view served by the admin surface.
type QueueStats struct {
	CountByStatus  map[domain.Status]int64  `json:"count_by_status"`
	AvgAttempts    float64                  `json:"avg_attempts"`
	ChannelUsage   map[domain.Channel]int64 `json:"channel_usage"`
	RecentFailures []FailureSample          `json:"recent_failures"`
}

// FailureSample is one recent failure with its reason.
type FailureSample struct {
	ID           string    `json:"id"`
	InvitationID string    `json:"invitation_id"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error"`
	FailedAt     time.Time `json:"failed_at"`
}
