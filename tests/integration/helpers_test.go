//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/invitehq/courier/internal/dispatch"
	"github.com/invitehq/courier/internal/testutil"
	"github.com/stretchr/testify/require"
)

// resetQueue truncates the dispatch table so tests start clean.
func resetQueue(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec(context.Background(), "TRUNCATE dispatch_records")
	require.NoError(t, err)
}

func enqueueBody() map[string]any {
	return map[string]any{
		"invitation_id": uuid.NewString(),
		"template":      "invitation_approved",
		"methods":       []string{"email"},
		"recipients":    map[string]string{"email": "casey@example.com"},
		"template_data": map[string]any{"organization": "Acme"},
	}
}

// enqueueDispatch creates a record through the admin API and returns it.
func enqueueDispatch(t *testing.T, body map[string]any) dispatch.RecordResponse {
	t.Helper()

	resp, err := adminClient().POST("/api/v1/dispatches", body)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode, testutil.ReadBody(t, resp))

	var rec dispatch.RecordResponse
	testutil.DecodeData(t, resp, &rec)
	return rec
}

// claimDispatch claims a record through the worker API.
func claimDispatch(t *testing.T, id string) dispatch.RecordResponse {
	t.Helper()

	resp, err := workerClient().POST("/api/v1/queue/"+id+"/claim", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, testutil.ReadBody(t, resp))

	var rec dispatch.RecordResponse
	testutil.DecodeData(t, resp, &rec)
	return rec
}

// getDispatch fetches a record through the admin API.
func getDispatch(t *testing.T, id string) dispatch.RecordResponse {
	t.Helper()

	resp, err := adminClient().GET("/api/v1/dispatches/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec dispatch.RecordResponse
	testutil.DecodeData(t, resp, &rec)
	return rec
}

// reportSuccess reports a channel success through the worker API.
func reportSuccess(t *testing.T, id, channel, providerID string) {
	t.Helper()

	resp, err := workerClient().POST("/api/v1/queue/"+id+"/success", map[string]string{
		"channel":             channel,
		"provider_message_id": providerID,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, testutil.ReadBody(t, resp))
}

// reportFailure reports a channel failure through the worker API.
func reportFailure(t *testing.T, id, channel, msg string, retryable bool) {
	t.Helper()

	resp, err := workerClient().POST("/api/v1/queue/"+id+"/failure", map[string]any{
		"channel":   channel,
		"error":     msg,
		"retryable": retryable,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, testutil.ReadBody(t, resp))
}

// backdateColumn shifts a timestamp column on a record, used to simulate
// elapsed time without sleeping.
func backdateColumn(t *testing.T, id, column string, by time.Duration) {
	t.Helper()
	_, err := testDB.Exec(context.Background(),
		"UPDATE dispatch_records SET "+column+" = "+column+" - make_interval(secs => $1) WHERE id = $2",
		by.Seconds(), id,
	)
	require.NoError(t, err)
}

// setColumn sets a column on a record directly.
func setColumn(t *testing.T, id, column string, value any) {
	t.Helper()
	_, err := testDB.Exec(context.Background(),
		"UPDATE dispatch_records SET "+column+" = $1 WHERE id = $2",
		value, id,
	)
	require.NoError(t, err)
}
