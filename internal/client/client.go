// Package client submits conversations to the hallucheck API and polls jobs
// until they finish.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"hallucheck-backend/internal/analysis"
)

// DefaultInterval is the fixed delay between polls.
const DefaultInterval = 2 * time.Second

const (
	statusCompleted = "completed"
	statusFailed    = "failed"

	maxErrorBody = 4 << 10
)

// ErrJobFailed is returned by Wait when the job ends in the failed state.
var ErrJobFailed = errors.New("job failed")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Submitted is the response to a submission.
type Submitted struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// Status is the poll representation of a job.
type Status struct {
	ID           string           `json:"id"`
	Status       string           `json:"status"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	ErrorCode    string           `json:"errorCode,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	Result       *analysis.Result `json:"result,omitempty"`
}

// Terminal reports whether the job can no longer change.
func (s Status) Terminal() bool {
	return s.Status == statusCompleted || s.Status == statusFailed
}

// Options configures a Client. Zero values fall back to HALLUCHECK_* env vars
// and then to defaults.
type Options struct {
	BaseURL    string
	Token      string
	GuestID    string
	Interval   time.Duration
	HTTPClient *http.Client
}

// Client talks to /api/v1/jobs.
type Client struct {
	baseURL    string
	token      string
	guestID    string
	interval   time.Duration
	httpClient *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a client.
func New(opts Options) *Client {
	base := firstNonEmpty(opts.BaseURL, os.Getenv("HALLUCHECK_URL"), "http://localhost:8080")
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		token:      firstNonEmpty(opts.Token, os.Getenv("HALLUCHECK_TOKEN")),
		guestID:    firstNonEmpty(opts.GuestID, os.Getenv("HALLUCHECK_GUEST_ID")),
		interval:   interval,
		httpClient: httpClient,
		sleep:      sleepContext,
	}
}

// Submit uploads a raw conversation. The server validates it; a rejected
// conversation comes back as an *APIError with status 400.
func (c *Client) Submit(ctx context.Context, fileName string, raw []byte) (Submitted, error) {
	path := "/api/v1/jobs"
	if fileName != "" {
		path += "?fileName=" + url.QueryEscape(fileName)
	}
	var out Submitted
	if err := c.do(ctx, http.MethodPost, path, raw, &out); err != nil {
		return Submitted{}, err
	}
	return out, nil
}

// Status fetches the current state of a job.
func (c *Client) Status(ctx context.Context, jobID string) (Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return Status{}, err
	}
	return out, nil
}

// Wait polls at a fixed interval until the job is terminal. A failed job is
// returned together with ErrJobFailed. Rate-limited polls are retried; any
// other error stops the wait. onPoll, if set, sees every observed status.
func (c *Client) Wait(ctx context.Context, jobID string, onPoll func(Status)) (Status, error) {
	for {
		st, err := c.Status(ctx, jobID)
		var apiErr *APIError
		switch {
		case err == nil:
			if onPoll != nil {
				onPoll(st)
			}
			if st.Status == statusFailed {
				return st, fmt.Errorf("%w: %s", ErrJobFailed, st.ErrorMessage)
			}
			if st.Terminal() {
				return st, nil
			}
		case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests:
		default:
			return Status{}, err
		}

		if err := c.sleep(ctx, c.interval); err != nil {
			return Status{}, err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.guestID != "":
		req.Header.Set("X-Guest-Id", c.guestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Code != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
