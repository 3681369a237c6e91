//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	dispatchpostgres "github.com/invitehq/courier/internal/dispatch/postgres"
	"github.com/invitehq/courier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseSweep_ReclaimsStuckProcessing(t *testing.T) {
	resetQueue(t)

	rec := enqueueDispatch(t, enqueueBody())
	claimDispatch(t, rec.ID)

	store := dispatchpostgres.NewRepository(testDB)

	// Lease still valid: nothing reclaimed.
	reclaimed, err := store.ReclaimStuck(context.Background(), time.Now().UTC(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), reclaimed)

	backdateColumn(t, rec.ID, "claimed_at", time.Hour)

	reclaimed, err = store.ReclaimStuck(context.Background(), time.Now().UTC(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reclaimed)

	got := getDispatch(t, rec.ID)
	assert.Equal(t, domain.StatusRetryScheduled, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.ClaimedAt)
	assert.Contains(t, got.LastError, "lease")

	// Immediately claimable again: the sweep sets next_attempt_at to now.
	claimed := claimDispatch(t, rec.ID)
	assert.Equal(t, domain.StatusProcessing, claimed.Status)
}

func TestLeaseSweep_ExhaustedBudgetFails(t *testing.T) {
	resetQueue(t)

	body := enqueueBody()
	body["max_attempts"] = 1
	rec := enqueueDispatch(t, body)
	claimDispatch(t, rec.ID)

	backdateColumn(t, rec.ID, "claimed_at", time.Hour)

	store := dispatchpostgres.NewRepository(testDB)
	reclaimed, err := store.ReclaimStuck(context.Background(), time.Now().UTC(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reclaimed)

	got := getDispatch(t, rec.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
}
