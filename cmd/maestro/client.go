package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"maestro/internal/api"
)

// apiClient talks to the daemon's control API over HTTP.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(addr, token string) *apiClient {
	base := strings.TrimSpace(addr)
	if base == "" {
		base = "127.0.0.1:7805"
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

type createJobResponse struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
	Stage   string `json:"stage"`
	Status  string `json:"status"`
}

func (c *apiClient) CreateJob(req api.CreateJobRequest) (createJobResponse, error) {
	var out createJobResponse
	err := c.do(http.MethodPost, "/api/jobs", req, &out)
	return out, err
}

func (c *apiClient) GetStatus(jobID string) (*api.JobStatus, error) {
	var out api.JobStatus
	if err := c.do(http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) ListJobs(statuses []string) ([]*api.JobStatus, error) {
	path := "/api/jobs"
	if len(statuses) > 0 {
		query := url.Values{}
		for _, status := range statuses {
			query.Add("status", status)
		}
		path += "?" + query.Encode()
	}
	var out struct {
		Jobs []*api.JobStatus `json:"jobs"`
	}
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *apiClient) SelectCandidate(jobID, candidateID string) error {
	body := map[string]string{"candidate_id": candidateID}
	return c.do(http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/select", body, nil)
}

func (c *apiClient) CancelJob(jobID string) error {
	return c.do(http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", struct{}{}, nil)
}

type tickResponse struct {
	Stage      string `json:"stage"`
	StopReason string `json:"stop_reason"`
}

func (c *apiClient) TickJob(jobID string) (tickResponse, error) {
	var out tickResponse
	err := c.do(http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/tick", struct{}{}, &out)
	return out, err
}

func (c *apiClient) RetryJob(jobID string) error {
	return c.do(http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/retry", struct{}{}, nil)
}

func (c *apiClient) ClearQueue(statuses []string) (int, error) {
	body := map[string][]string{"statuses": statuses}
	var out struct {
		Cleared int `json:"cleared"`
	}
	if err := c.do(http.MethodPost, "/api/queue/clear", body, &out); err != nil {
		return 0, err
	}
	return out.Cleared, nil
}

func (c *apiClient) Health() (map[string]int, error) {
	var out map[string]int
	if err := c.do(http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("connect to daemon at %s: connection refused; is maestrod running?", c.base)
		}
		return fmt.Errorf("call daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
