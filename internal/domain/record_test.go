package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{"pending to processing", StatusPending, StatusProcessing, true},
		{"retry_scheduled to processing", StatusRetryScheduled, StatusProcessing, true},
		{"reminder_due to processing", StatusReminderDue, StatusProcessing, true},
		{"processing to sent", StatusProcessing, StatusSent, true},
		{"processing to retry_scheduled", StatusProcessing, StatusRetryScheduled, true},
		{"processing to failed", StatusProcessing, StatusFailed, true},
		{"processing to cancelled", StatusProcessing, StatusCancelled, true},
		{"sent to reminder_due", StatusSent, StatusReminderDue, true},
		{"pending to paused", StatusPending, StatusPaused, true},
		{"paused to pending", StatusPaused, StatusPending, true},
		{"paused to cancelled", StatusPaused, StatusCancelled, true},

		{"sent to processing", StatusSent, StatusProcessing, false},
		{"failed to processing", StatusFailed, StatusProcessing, false},
		{"cancelled to anything", StatusCancelled, StatusPending, false},
		{"pending to sent skips claim", StatusPending, StatusSent, false},
		{"paused to processing", StatusPaused, StatusProcessing, false},
		{"processing to reminder_due", StatusProcessing, StatusReminderDue, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestClaimable(t *testing.T) {
	assert.True(t, Claimable(StatusPending))
	assert.True(t, Claimable(StatusRetryScheduled))
	assert.True(t, Claimable(StatusReminderDue))

	assert.False(t, Claimable(StatusProcessing))
	assert.False(t, Claimable(StatusSent))
	assert.False(t, Claimable(StatusFailed))
	assert.False(t, Claimable(StatusCancelled))
	assert.False(t, Claimable(StatusPaused))
}

func TestEligible(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	base := func() *DispatchRecord {
		return &DispatchRecord{
			Status:      StatusPending,
			SendAfter:   past,
			Attempts:    0,
			MaxAttempts: 3,
		}
	}

	t.Run("pending record is eligible", func(t *testing.T) {
		assert.True(t, base().Eligible(now))
	})

	t.Run("send_after in the future", func(t *testing.T) {
		r := base()
		r.SendAfter = future
		assert.False(t, r.Eligible(now))
	})

	t.Run("expired record is excluded regardless of status", func(t *testing.T) {
		r := base()
		r.ExpiresAt = &past
		assert.False(t, r.Eligible(now))

		r.Status = StatusRetryScheduled
		assert.False(t, r.Eligible(now))
	})

	t.Run("attempt budget exhausted", func(t *testing.T) {
		r := base()
		r.Attempts = 3
		assert.False(t, r.Eligible(now))
	})

	t.Run("retry not yet due", func(t *testing.T) {
		r := base()
		r.Status = StatusRetryScheduled
		r.NextAttemptAt = &future
		assert.False(t, r.Eligible(now))

		r.NextAttemptAt = &past
		assert.True(t, r.Eligible(now))
	})

	t.Run("processing is never eligible", func(t *testing.T) {
		r := base()
		r.Status = StatusProcessing
		assert.False(t, r.Eligible(now))
	})
}

func TestNextReminderAt(t *testing.T) {
	now := time.Now()
	completed := now.Add(-time.Hour)

	r := &DispatchRecord{
		Status:           StatusSent,
		CompletedAt:      &completed,
		ReminderSchedule: []time.Duration{72 * time.Hour, 168 * time.Hour},
	}

	due := r.NextReminderAt()
	assert.NotNil(t, due)
	assert.Equal(t, completed.Add(72*time.Hour), *due)

	r.ReminderCount = 1
	due = r.NextReminderAt()
	assert.NotNil(t, due)
	assert.Equal(t, completed.Add(168*time.Hour), *due)

	r.ReminderCount = 2
	assert.True(t, r.RemindersExhausted())
	assert.Nil(t, r.NextReminderAt())

	r.ReminderCount = 0
	r.Status = StatusPending
	assert.Nil(t, r.NextReminderAt())
}

func TestDeliveryStatusSent(t *testing.T) {
	ds := DeliveryStatus{
		ChannelEmail: {Status: ChannelResultSent, Timestamp: time.Now()},
		ChannelSMS:   {Status: ChannelResultFailed, Error: "invalid number"},
	}

	assert.True(t, ds.Sent(ChannelEmail))
	assert.False(t, ds.Sent(ChannelSMS))
	assert.False(t, ds.Sent(ChannelPush))
}

func TestRoleHasPermission(t *testing.T) {
	assert.True(t, RoleAdmin.HasPermission(RoleWorker))
	assert.True(t, RoleAdmin.HasPermission(RoleAdmin))
	assert.True(t, RoleWorker.HasPermission(RoleWorker))
	assert.False(t, RoleWorker.HasPermission(RoleAdmin))
	assert.False(t, Role("").HasPermission(RoleWorker))
}
