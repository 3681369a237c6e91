// Package domain contains the core dispatch record model and its rules.
package domain

import (
	"time"
)

// Channel is a delivery mechanism for an outbound notification.
type Channel string

// Supported channels.
const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelChat  Channel = "chat"
)

// KnownChannel reports whether ch is one of the supported channels.
func KnownChannel(ch Channel) bool {
	switch ch {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelChat:
		return true
	}
	return false
}

// Status is the lifecycle state of a dispatch record. The status column
// doubles as the claim lock: only a conditional update from an eligible
// status may set StatusProcessing.
type Status string

// Record statuses.
const (
	StatusPending        Status = "pending"
	StatusProcessing     Status = "processing"
	StatusSent           Status = "sent"
	StatusFailed         Status = "failed"
	StatusRetryScheduled Status = "retry_scheduled"
	StatusReminderDue    Status = "reminder_due"
	StatusCancelled      Status = "cancelled"
	StatusPaused         Status = "paused"
)

// ClaimableStatuses are the statuses a worker may claim from, in selection
// priority order: retries first, then reminders, then fresh records.
var ClaimableStatuses = []Status{StatusRetryScheduled, StatusReminderDue, StatusPending}

// Claimable reports whether s is a status that a claim may start from.
func Claimable(s Status) bool {
	return s == StatusPending || s == StatusRetryScheduled || s == StatusReminderDue
}

// Terminal reports whether s ends the current delivery episode. A sent
// record may still be reopened by the reminder scheduler.
func Terminal(s Status) bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// transitions lists the legal status transitions for the automatic path.
// Admin overrides (enqueue reset, force-retry) bypass this table on purpose.
var transitions = map[Status][]Status{
	StatusPending:        {StatusProcessing, StatusCancelled, StatusPaused},
	StatusRetryScheduled: {StatusProcessing, StatusCancelled, StatusPaused},
	StatusReminderDue:    {StatusProcessing, StatusCancelled, StatusPaused},
	StatusProcessing:     {StatusSent, StatusRetryScheduled, StatusFailed, StatusCancelled},
	StatusSent:           {StatusReminderDue},
	StatusPaused:         {StatusPending, StatusCancelled},
	StatusFailed:         {},
	StatusCancelled:      {},
}

// CanTransition reports whether from -> to is a legal automatic transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ChannelResult is the per-channel outcome of a delivery attempt.
type ChannelResult string

// Channel results.
const (
	ChannelResultSent   ChannelResult = "sent"
	ChannelResultFailed ChannelResult = "failed"
)

// ChannelOutcome records the latest outcome for one channel. Entries are
// merged by channel key and never removed.
type ChannelOutcome struct {
	Status            ChannelResult `json:"status"`
	Timestamp         time.Time     `json:"timestamp"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	Error             string        `json:"error,omitempty"`
}

// DeliveryStatus maps a channel to its most recent outcome.
type DeliveryStatus map[Channel]ChannelOutcome

// Sent reports whether the channel has a recorded successful send.
func (d DeliveryStatus) Sent(ch Channel) bool {
	out, ok := d[ch]
	return ok && out.Status == ChannelResultSent
}

// DispatchRecord is one outbound notification opportunity, 1:1 with the
// invitation it decorates.
type DispatchRecord struct {
	ID           string
	InvitationID string
	Status       Status

	DeliveryMethods []Channel
	DeliveryStatus  DeliveryStatus
	Recipients      map[Channel]string

	Attempts      int
	MaxAttempts   int
	NextAttemptAt *time.Time
	SendAfter     time.Time
	ExpiresAt     *time.Time

	Template     string
	TemplateData map[string]any

	ReminderSchedule []time.Duration
	ReminderCount    int
	LastReminderAt   *time.Time
	// ReminderEpisode is set while the record is going through a reopened
	// delivery cycle; the worker resends every channel in that case.
	ReminderEpisode bool

	LastError    string
	CancelReason string

	TriggeredBy string
	TriggeredAt *time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time

	// Legacy mirror for single-channel email consumers.
	EmailSent   bool
	EmailSentAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the record is past its expiry at now. Expired
// records are silently excluded from selection, whatever their status.
func (r *DispatchRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Eligible reports whether the record may be picked for processing at now.
func (r *DispatchRecord) Eligible(now time.Time) bool {
	if !Claimable(r.Status) {
		return false
	}
	if r.SendAfter.After(now) {
		return false
	}
	if r.Expired(now) {
		return false
	}
	if r.Attempts >= r.MaxAttempts {
		return false
	}
	if r.Status == StatusRetryScheduled && r.NextAttemptAt != nil && r.NextAttemptAt.After(now) {
		return false
	}
	return true
}

// RemindersExhausted reports whether every configured reminder has fired.
func (r *DispatchRecord) RemindersExhausted() bool {
	return r.ReminderCount >= len(r.ReminderSchedule)
}

// NextReminderAt returns when the next reminder becomes due, or nil when
// no reminder is pending. Offsets are relative to the latest completion.
func (r *DispatchRecord) NextReminderAt() *time.Time {
	if r.Status != StatusSent || r.CompletedAt == nil || r.RemindersExhausted() {
		return nil
	}
	due := r.CompletedAt.Add(r.ReminderSchedule[r.ReminderCount])
	return &due
}
