package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhitford/duraq/internal/api"
	"github.com/mwhitford/duraq/internal/queue/store/sqlite"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := sqlite.Open(":memory:", sqlite.WithBackoffBase(50*time.Millisecond))
	require.NoError(t, err)
	srv := httptest.NewServer(api.Handler(st, time.Hour))
	t.Cleanup(func() {
		srv.Close()
		st.Close()
	})
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func enqueueOne(t *testing.T, srv *httptest.Server, queueName string, req map[string]any) int64 {
	t.Helper()
	resp := postJSON(t, fmt.Sprintf("%s/v1/queues/%s/messages", srv.URL, queueName), req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		ID int64 `json:"id"`
	}
	decode(t, resp, &out)
	return out.ID
}

func claimOne(t *testing.T, srv *httptest.Server, queueName string) (map[string]any, int) {
	t.Helper()
	resp := postJSON(t, fmt.Sprintf("%s/v1/queues/%s:claim", srv.URL, queueName),
		map[string]string{"claimant_id": "test-worker"})
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil, resp.StatusCode
	}
	var out map[string]any
	decode(t, resp, &out)
	return out, resp.StatusCode
}

func TestEnqueueClaimCompleteRoundTrip(t *testing.T) {
	srv := testServer(t)

	id := enqueueOne(t, srv, "orders", map[string]any{
		"type": "ProcessOrder",
		"body": map[string]string{"order_id": "ORD-1"},
	})
	require.NotZero(t, id)

	msg, code := claimOne(t, srv, "orders")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(id), msg["id"])
	assert.Equal(t, "processing", msg["status"])
	assert.Equal(t, "test-worker", msg["claimant_id"])

	resp := postJSON(t, fmt.Sprintf("%s/v1/messages/%d:complete", srv.URL, id),
		map[string]any{"success": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Outcome string `json:"outcome"`
	}
	decode(t, resp, &out)
	assert.Equal(t, "completed", out.Outcome)
}

func TestClaimEmptyReturnsNoContent(t *testing.T) {
	srv := testServer(t)
	_, code := claimOne(t, srv, "nothing")
	assert.Equal(t, http.StatusNoContent, code)
}

func TestEnqueueRejectsMissingBody(t *testing.T) {
	srv := testServer(t)
	resp := postJSON(t, srv.URL+"/v1/queues/orders/messages", map[string]any{"type": "T"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnqueueRejectsMissingType(t *testing.T) {
	srv := testServer(t)
	resp := postJSON(t, srv.URL+"/v1/queues/orders/messages",
		map[string]any{"body": map[string]string{"k": "v"}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnqueueRejectsBadQueueName(t *testing.T) {
	srv := testServer(t)
	resp := postJSON(t, srv.URL+"/v1/queues/bad%20name/messages", map[string]any{
		"type": "T",
		"body": map[string]string{"k": "v"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDoubleCompleteConflicts(t *testing.T) {
	srv := testServer(t)

	id := enqueueOne(t, srv, "q", map[string]any{
		"type": "T",
		"body": map[string]string{"k": "v"},
	})
	_, code := claimOne(t, srv, "q")
	require.Equal(t, http.StatusOK, code)

	url := fmt.Sprintf("%s/v1/messages/%d:complete", srv.URL, id)
	resp := postJSON(t, url, map[string]any{"success": true})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, url, map[string]any{"success": true})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCompleteUnknownMessageNotFound(t *testing.T) {
	srv := testServer(t)
	resp := postJSON(t, srv.URL+"/v1/messages/424242:complete", map[string]any{"success": true})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFailureRetryAndDeadLetterOverHTTP(t *testing.T) {
	srv := testServer(t)

	id := enqueueOne(t, srv, "emails", map[string]any{
		"type":        "SendEmail",
		"body":        map[string]string{"to": "a@b.c"},
		"max_retries": 1,
	})

	// attempt 1 fails → retried with backoff
	_, code := claimOne(t, srv, "emails")
	require.Equal(t, http.StatusOK, code)
	resp := postJSON(t, fmt.Sprintf("%s/v1/messages/%d:complete", srv.URL, id),
		map[string]any{"success": false, "error": "smtp down"})
	var out struct {
		Outcome string `json:"outcome"`
	}
	decode(t, resp, &out)
	assert.Equal(t, "retried", out.Outcome)

	// backoff in effect
	_, code = claimOne(t, srv, "emails")
	assert.Equal(t, http.StatusNoContent, code)

	time.Sleep(120 * time.Millisecond)

	// attempt 2 fails → dead-lettered
	msg, code := claimOne(t, srv, "emails")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), msg["retry_count"])
	resp = postJSON(t, fmt.Sprintf("%s/v1/messages/%d:complete", srv.URL, id),
		map[string]any{"success": false, "error": "smtp down"})
	decode(t, resp, &out)
	assert.Equal(t, "dead_lettered", out.Outcome)

	// listed in the archive
	listResp, err := http.Get(srv.URL + "/v1/queues/emails/dead-letters")
	require.NoError(t, err)
	var records []map[string]any
	decode(t, listResp, &records)
	require.Len(t, records, 1)
	assert.Equal(t, float64(id), records[0]["message_id"])
	assert.Equal(t, "max retries exceeded", records[0]["reason"])

	// redrive puts a fresh message back
	redriveResp := postJSON(t,
		fmt.Sprintf("%s/v1/dead-letters/%v:redrive", srv.URL, int64(records[0]["id"].(float64))),
		map[string]string{})
	require.Equal(t, http.StatusCreated, redriveResp.StatusCode)
	var redriven struct {
		ID int64 `json:"id"`
	}
	decode(t, redriveResp, &redriven)
	assert.NotEqual(t, id, redriven.ID)
}

func TestStatsEndpoint(t *testing.T) {
	srv := testServer(t)

	first := enqueueOne(t, srv, "q", map[string]any{"type": "T", "body": map[string]string{"k": "v"}})
	enqueueOne(t, srv, "q", map[string]any{"type": "T", "body": map[string]string{"k": "v"}})

	// the oldest message gets claimed first
	msg, code := claimOne(t, srv, "q")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(first), msg["id"])
	resp := postJSON(t, fmt.Sprintf("%s/v1/messages/%d:complete", srv.URL, first),
		map[string]any{"success": true})
	resp.Body.Close()

	statsResp, err := http.Get(srv.URL + "/v1/queues/q/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, statsResp.StatusCode)
	var st struct {
		Queue                   string           `json:"queue"`
		StatusCounts            map[string]int64 `json:"status_counts"`
		OldestPendingAgeSeconds float64          `json:"oldest_pending_age_seconds"`
		WindowSeconds           float64          `json:"window_seconds"`
	}
	decode(t, statsResp, &st)
	assert.Equal(t, "q", st.Queue)
	assert.Equal(t, int64(1), st.StatusCounts["pending"])
	assert.Equal(t, int64(1), st.StatusCounts["completed"])
	assert.Equal(t, 3600.0, st.WindowSeconds)
}

func TestStatsWindowOverride(t *testing.T) {
	srv := testServer(t)
	enqueueOne(t, srv, "q", map[string]any{"type": "T", "body": map[string]string{"k": "v"}})

	resp, err := http.Get(srv.URL + "/v1/queues/q/stats?window_seconds=60")
	require.NoError(t, err)
	var st struct {
		WindowSeconds float64 `json:"window_seconds"`
	}
	decode(t, resp, &st)
	assert.Equal(t, 60.0, st.WindowSeconds)

	bad, err := http.Get(srv.URL + "/v1/queues/q/stats?window_seconds=-1")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := testServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
