package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Result string

const (
	ResultCreated Result = "created"
	ResultUpdated Result = "updated"
)

// HTTPError is returned for any non-2xx response from the API.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: http %d %s: %s", e.Method, e.Path, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// NotePayload is the body of a notes upsert.
type NotePayload struct {
	NoteID          string          `json:"note_id"`
	Title           string          `json:"title"`
	Body            string          `json:"body"`
	ParentID        string          `json:"parent_id"`
	CreatedTime     json.RawMessage `json:"created_time,omitempty"`
	OrderID         *int64          `json:"order_id"`
	Tags            []string        `json:"tags"`
	IsTodo          json.RawMessage `json:"is_todo"`
	TodoDue         json.RawMessage `json:"todo_due"`
	TodoCompleted   json.RawMessage `json:"todo_completed"`
	LinkTextContent *string         `json:"link_text_content"`
	LinkExcerpt     *string         `json:"link_excerpt"`
	LinkByline      *string         `json:"link_byline"`
}

type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
	// MaxRetries bounds retries of transport errors, 429 and 5xx responses.
	// Zero selects the default; a negative value disables retries.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3000"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	switch {
	case maxRetries < 0:
		maxRetries = 0
	case maxRetries == 0:
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// FolderIDs returns the ids of the folders whose notes may be synced.
func (c *Client) FolderIDs(ctx context.Context) ([]string, error) {
	var folders []struct {
		FolderID string `json:"folder_id"`
	}
	if _, err := c.doJSON(ctx, http.MethodGet, "/folders?select=folder_id", nil, nil, &folders); err != nil {
		return nil, fmt.Errorf("fetch folders: %w", err)
	}
	ids := make([]string, 0, len(folders))
	for _, folder := range folders {
		ids = append(ids, folder.FolderID)
	}
	return ids, nil
}

// UpsertNote creates or merges a note keyed by note_id. The API answers 200
// when an existing row was merged and another 2xx status when a row was
// inserted.
func (c *Client) UpsertNote(ctx context.Context, payload NotePayload) (Result, error) {
	headers := map[string]string{
		"Prefer": "resolution=merge-duplicates",
	}
	status, err := c.doJSON(ctx, http.MethodPost, "/notes?on_conflict=note_id", headers, payload, nil)
	if err != nil {
		return "", fmt.Errorf("upsert note %s: %w", payload.NoteID, err)
	}
	if status == http.StatusOK {
		return ResultUpdated, nil
	}
	return ResultCreated, nil
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) (int, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return 0, err
		}
	}
	correlationID := uuid.NewString()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return 0, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return 0, waitErr
				}
				continue
			}
			return 0, err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return resp.StatusCode, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return resp.StatusCode, nil
			}
			return resp.StatusCode, json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return 0, waitErr
			}
			continue
		}

		httpErr := &HTTPError{
			Method:     method,
			Path:       requestPath,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(payloadBytes)),
		}
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(payloadBytes, &errPayload) == nil {
			httpErr.Code = errPayload.Code
			if strings.TrimSpace(errPayload.Message) != "" {
				httpErr.Message = errPayload.Message
			}
		}
		return resp.StatusCode, httpErr
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
