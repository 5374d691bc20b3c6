package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"maestro/internal/config"
	"maestro/internal/faults"
)

const (
	defaultMediaTimeout  = 120 * time.Second
	defaultPollInterval  = 5 * time.Second
	defaultMediaDeadline = 10 * time.Minute
)

// taskClient talks to an async generation API: a submit call returns a task
// id, then status polling until the task resolves.
type taskClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string

	pollInterval time.Duration
	maxWait      time.Duration
}

// TaskOption customizes a submit-then-poll backend.
type TaskOption func(*taskClient)

// WithPollInterval overrides the status polling cadence, for tests.
func WithPollInterval(interval time.Duration) TaskOption {
	return func(c *taskClient) {
		c.pollInterval = interval
	}
}

// WithMaxWait overrides how long a task may stay unresolved.
func WithMaxWait(maxWait time.Duration) TaskOption {
	return func(c *taskClient) {
		c.maxWait = maxWait
	}
}

func newTaskClient(cfg config.Provider, opts ...TaskOption) *taskClient {
	timeout := defaultMediaTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = cfg.Timeout()
	}
	client := &taskClient{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		pollInterval: defaultPollInterval,
		maxWait:      defaultMediaDeadline,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func (c *taskClient) post(ctx context.Context, endpoint string, body, result any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.doRequest(req, result)
}

func (c *taskClient) get(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.doRequest(req, result)
}

func (c *taskClient) doRequest(req *http.Request, result any) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter,
		}
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type taskStatus struct {
	ID       string  `json:"id"`
	TaskID   string  `json:"task_id"`
	Status   string  `json:"status"`
	MediaURL string  `json:"media_url"`
	AudioURL string  `json:"audio_url"`
	VideoURL string  `json:"video_url"`
	Duration float64 `json:"duration"`
	Error    string  `json:"error"`
}

func (s taskStatus) url() string {
	for _, candidate := range []string{s.MediaURL, s.AudioURL, s.VideoURL} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

// pollTask polls the status endpoint until the task resolves or the wait
// budget is exhausted.
func (c *taskClient) pollTask(ctx context.Context, op, statusPath string) (*taskStatus, error) {
	deadline := time.Now().Add(c.maxWait)
	for time.Now().Before(deadline) {
		var status taskStatus
		if err := c.get(ctx, statusPath, &status); err != nil {
			return nil, classifyMediaError(op, err)
		}
		switch strings.ToLower(status.Status) {
		case "completed", "success", "succeeded":
			if status.url() == "" {
				return nil, faults.Wrap(faults.ErrProvider, "", op, "completed task has no media url", nil)
			}
			return &status, nil
		case "failed", "error":
			return nil, faults.Wrap(faults.ErrProvider, "", op, "task failed: "+status.Error, nil)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
	return nil, faults.Wrap(faults.ErrTimeout, "", op, fmt.Sprintf("task unresolved after %s", c.maxWait), nil)
}

func classifyMediaError(op string, err error) error {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
			return faults.Wrap(faults.ErrConfiguration, "", op, "rejected credentials", err)
		case statusErr.StatusCode >= http.StatusBadRequest && statusErr.StatusCode < http.StatusInternalServerError &&
			statusErr.StatusCode != http.StatusRequestTimeout && statusErr.StatusCode != http.StatusTooManyRequests:
			return faults.Wrap(faults.ErrProvider, "", op, "rejected request", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.ErrTimeout, "", op, "request timed out", err)
	}
	return faults.Wrap(faults.ErrTransient, "", op, "request failed", err)
}
