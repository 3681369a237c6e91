package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/invitehq/courier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(store Store) *Service {
	svc := NewService(store)
	svc.now = fixedNow
	return svc
}

func validEnqueueInput() EnqueueInput {
	return EnqueueInput{
		InvitationID: "d2b7c6ab-3f61-4b27-9a84-0a1f5a2c9d11",
		Template:     "invitation_approved",
		Methods:      []domain.Channel{domain.ChannelEmail},
		Recipients: map[domain.Channel]string{
			domain.ChannelEmail: "casey@example.com",
		},
		TriggeredBy: "admin@example.com",
	}
}

func TestEnqueue_Defaults(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	rec, err := svc.Enqueue(context.Background(), validEnqueueInput())
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Equal(t, 3, rec.MaxAttempts)
	assert.Equal(t, 0, rec.Attempts)
	assert.Equal(t, fixedNow(), rec.SendAfter)
	assert.NotNil(t, rec.DeliveryStatus)
}

func TestEnqueue_DelayShiftsSendAfter(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	input := validEnqueueInput()
	input.Delay = 10 * time.Minute
	input.MaxAttempts = 5

	rec, err := svc.Enqueue(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, fixedNow().Add(10*time.Minute), rec.SendAfter)
	assert.Equal(t, 5, rec.MaxAttempts)
}

func TestEnqueue_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*EnqueueInput)
		wantErr string
	}{
		{
			name:    "missing invitation id",
			mutate:  func(in *EnqueueInput) { in.InvitationID = "" },
			wantErr: "invitation id is required",
		},
		{
			name:    "missing template",
			mutate:  func(in *EnqueueInput) { in.Template = "" },
			wantErr: "template is required",
		},
		{
			name:    "no methods",
			mutate:  func(in *EnqueueInput) { in.Methods = nil },
			wantErr: "at least one delivery method",
		},
		{
			name:    "unknown channel",
			mutate:  func(in *EnqueueInput) { in.Methods = []domain.Channel{"carrier_pigeon"} },
			wantErr: "unknown delivery channel",
		},
		{
			name:    "missing recipient for requested channel",
			mutate:  func(in *EnqueueInput) { in.Recipients = nil },
			wantErr: "missing recipient",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(newMemStore())
			input := validEnqueueInput()
			tt.mutate(&input)

			_, err := svc.Enqueue(context.Background(), input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnqueue_SameInvitationResetsRecord(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	first, err := svc.Enqueue(context.Background(), validEnqueueInput())
	require.NoError(t, err)

	// Simulate a failed run on the first record.
	got := store.get(first.ID)
	got.Status = domain.StatusFailed
	got.Attempts = 3
	got.LastError = "550 no mailbox"
	store.put(got)

	second, err := svc.Enqueue(context.Background(), validEnqueueInput())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got = store.get(first.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.LastError)
	assert.Empty(t, got.DeliveryStatus)
}

func TestCancel_RequiresReason(t *testing.T) {
	svc := newTestService(newMemStore())
	err := svc.Cancel(context.Background(), "r1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reason is required")
}

func TestCancel_TerminalRecordConflicts(t *testing.T) {
	store := newMemStore()
	rec := processingRecord("r1", domain.ChannelEmail)
	rec.Status = domain.StatusSent
	store.put(rec)

	svc := newTestService(store)
	err := svc.Cancel(context.Background(), "r1", "superseded")
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestForceRetry_ResetsAnyState(t *testing.T) {
	store := newMemStore()
	rec := processingRecord("r1", domain.ChannelEmail)
	rec.Status = domain.StatusCancelled
	rec.Attempts = 3
	rec.LastError = "cancelled"
	store.put(rec)

	svc := newTestService(store)
	require.NoError(t, svc.ForceRetry(context.Background(), "r1"))

	got := store.get("r1")
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.LastError)
}

func TestPauseResume(t *testing.T) {
	store := newMemStore()
	rec := processingRecord("r1", domain.ChannelEmail)
	rec.Status = domain.StatusPending
	store.put(rec)

	svc := newTestService(store)
	require.NoError(t, svc.Pause(context.Background(), "r1"))
	assert.Equal(t, domain.StatusPaused, store.get("r1").Status)

	// Pausing a processing record is rejected; the claim owns it.
	busy := processingRecord("r2", domain.ChannelEmail)
	store.put(busy)
	assert.ErrorIs(t, svc.Pause(context.Background(), "r2"), ErrNotPausable)

	require.NoError(t, svc.Resume(context.Background(), "r1"))
	assert.Equal(t, domain.StatusPending, store.get("r1").Status)

	assert.ErrorIs(t, svc.Resume(context.Background(), "r1"), ErrNotPaused)
}

func TestPickBatch_LimitClamp(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	for i := 0; i < 3; i++ {
		rec := processingRecord(string(rune('a'+i)), domain.ChannelEmail)
		rec.Status = domain.StatusPending
		rec.SendAfter = fixedNow().Add(-time.Minute)
		rec.CreatedAt = fixedNow().Add(time.Duration(i) * time.Second)
		store.put(rec)
	}

	// Zero and oversized limits fall back to the default.
	items, err := svc.PickBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, items, 3)

	items, err = svc.PickBatch(context.Background(), 1000)
	require.NoError(t, err)
	assert.Len(t, items, 3)

	items, err = svc.PickBatch(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestPickBatch_PriorityOrder(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	mk := func(id string, status domain.Status, createdOffset time.Duration) {
		rec := processingRecord(id, domain.ChannelEmail)
		rec.Status = status
		rec.SendAfter = fixedNow().Add(-time.Hour)
		rec.CreatedAt = fixedNow().Add(createdOffset)
		store.put(rec)
	}

	mk("p-new", domain.StatusPending, -1*time.Minute)
	mk("p-old", domain.StatusPending, -2*time.Hour)
	mk("rem", domain.StatusReminderDue, -1*time.Minute)
	mk("ret", domain.StatusRetryScheduled, -1*time.Minute)

	items, err := svc.PickBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 4)

	assert.Equal(t, "ret", items[0].ID)
	assert.Equal(t, "rem", items[1].ID)
	assert.Equal(t, "p-old", items[2].ID)
	assert.Equal(t, "p-new", items[3].ID)
}

func TestClaim_NotClaimable(t *testing.T) {
	store := newMemStore()
	store.put(processingRecord("r1", domain.ChannelEmail))

	svc := newTestService(store)
	_, err := svc.Claim(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrNotClaimable)

	_, err = svc.Claim(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestPurgeTerminal(t *testing.T) {
	store := newMemStore()

	old := processingRecord("old", domain.ChannelEmail)
	old.Status = domain.StatusFailed
	old.UpdatedAt = fixedNow().Add(-72 * time.Hour)
	store.put(old)

	fresh := processingRecord("fresh", domain.ChannelEmail)
	fresh.Status = domain.StatusFailed
	fresh.UpdatedAt = fixedNow().Add(-time.Hour)
	store.put(fresh)

	active := processingRecord("active", domain.ChannelEmail)
	active.UpdatedAt = fixedNow().Add(-72 * time.Hour)
	store.put(active)

	svc := newTestService(store)
	deleted, err := svc.PurgeTerminal(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Nil(t, store.get("old"))
	assert.NotNil(t, store.get("fresh"))
	assert.NotNil(t, store.get("active"))
}

func TestStats_DefaultsRecentFailures(t *testing.T) {
	store := newMemStore()
	failed := processingRecord("r1", domain.ChannelEmail)
	failed.Status = domain.StatusFailed
	failed.LastError = "550 no mailbox"
	store.put(failed)

	svc := newTestService(store)
	stats, err := svc.Stats(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CountByStatus[domain.StatusFailed])
	require.Len(t, stats.RecentFailures, 1)
	assert.Equal(t, "r1", stats.RecentFailures[0].ID)
}
