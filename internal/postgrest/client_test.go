package postgrest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(server *httptest.Server, maxRetries int) *Client {
	return NewClient(ClientOptions{
		BaseURL:    server.URL,
		Token:      "token_123",
		HTTPClient: server.Client(),
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func TestFolderIDsSendsExpectedRequest(t *testing.T) {
	var capturedAuth, capturedPath, capturedSelect, capturedCorrelation string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		capturedPath = r.URL.Path
		capturedSelect = r.URL.Query().Get("select")
		capturedCorrelation = r.Header.Get("X-Correlation-Id")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"folder_id":"f1"},{"folder_id":"f2"}]`))
	}))
	defer server.Close()

	ids, err := newTestClient(server, -1).FolderIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, ids)
	assert.Equal(t, "Bearer token_123", capturedAuth)
	assert.Equal(t, "/folders", capturedPath)
	assert.Equal(t, "folder_id", capturedSelect)
	assert.NotEmpty(t, capturedCorrelation)
}

func TestFolderIDsReturnsHTTPErrorOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"PGRST301","message":"JWT expired"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server, -1).FolderIDs(context.Background())
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, "PGRST301", httpErr.Code)
	assert.Equal(t, "JWT expired", httpErr.Message)
}

func TestFolderIDsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(ClientOptions{BaseURL: url, MaxRetries: -1})
	_, err := client.FolderIDs(context.Background())
	require.Error(t, err)
}

func TestUpsertNoteSendsMergeRequest(t *testing.T) {
	var capturedPrefer, capturedConflict, capturedContentType, capturedMethod string
	var capturedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedMethod = r.Method
		capturedPrefer = r.Header.Get("Prefer")
		capturedConflict = r.URL.Query().Get("on_conflict")
		capturedContentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	order := int64(2)
	excerpt := "E"
	result, err := newTestClient(server, -1).UpsertNote(context.Background(), NotePayload{
		NoteID:        "jop1",
		Title:         "T",
		Body:          "B",
		ParentID:      "f1",
		OrderID:       &order,
		Tags:          []string{"work"},
		IsTodo:        json.RawMessage(`false`),
		TodoDue:       json.RawMessage(`false`),
		TodoCompleted: json.RawMessage(`false`),
		LinkExcerpt:   &excerpt,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, result)
	assert.Equal(t, http.MethodPost, capturedMethod)
	assert.Equal(t, "resolution=merge-duplicates", capturedPrefer)
	assert.Equal(t, "note_id", capturedConflict)
	assert.Equal(t, "application/json", capturedContentType)
	assert.Equal(t, "jop1", capturedBody["note_id"])
	assert.Equal(t, float64(2), capturedBody["order_id"])
	assert.Equal(t, "E", capturedBody["link_excerpt"])
	assert.Contains(t, capturedBody, "link_byline")
	assert.Nil(t, capturedBody["link_byline"])
	assert.NotContains(t, capturedBody, "created_time")
	assert.Equal(t, false, capturedBody["is_todo"])
}

func TestUpsertNoteStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   Result
	}{
		{http.StatusOK, ResultUpdated},
		{http.StatusCreated, ResultCreated},
		{http.StatusNoContent, ResultCreated},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		result, err := newTestClient(server, -1).UpsertNote(context.Background(), NotePayload{NoteID: "n"})
		server.Close()
		require.NoError(t, err)
		assert.Equal(t, tc.want, result, "status %d", tc.status)
	}
}

func TestUpsertNoteRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result, err := newTestClient(server, 2).UpsertNote(context.Background(), NotePayload{NoteID: "n"})
	require.NoError(t, err)
	assert.Equal(t, ResultUpdated, result)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestUpsertNoteReturnsErrorOnPermanentFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"PGRST204","message":"Could not find the 'link_byline' column"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server, 2).UpsertNote(context.Background(), NotePayload{NoteID: "n"})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Contains(t, err.Error(), "PGRST204")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx responses must not be retried")
}

func TestUpsertNoteGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(server, 2).UpsertNote(context.Background(), NotePayload{NoteID: "n"})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetryWaitHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, HTTPClient: server.Client(), MaxRetries: 3, MaxDelay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.FolderIDs(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "expected deadline error, got %v", err)
}

func TestRetryDelayBackoff(t *testing.T) {
	client := NewClient(ClientOptions{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	assert.Equal(t, 100*time.Millisecond, client.retryDelay(1, ""))
	assert.Equal(t, 200*time.Millisecond, client.retryDelay(2, ""))
	assert.Equal(t, 400*time.Millisecond, client.retryDelay(3, ""))
	assert.Equal(t, time.Second, client.retryDelay(6, ""))
	assert.Equal(t, time.Second, client.retryDelay(1, "30"))
	assert.Equal(t, 100*time.Millisecond, client.retryDelay(1, "soon"))
}
