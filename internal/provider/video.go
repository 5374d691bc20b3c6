package provider

import (
	"context"
	"encoding/json"
	"strings"

	"maestro/internal/config"
	"maestro/internal/faults"
	"maestro/internal/statedoc"
)

// VideoClient renders visual candidates through an async generation API,
// using the same submit-then-poll shape as the audio backend.
type VideoClient struct {
	name   string
	client *taskClient
}

// NewVideoClient constructs a video backend from provider configuration.
func NewVideoClient(name string, cfg config.Provider, opts ...TaskOption) *VideoClient {
	return &VideoClient{name: name, client: newTaskClient(cfg, opts...)}
}

func (c *VideoClient) Name() string { return c.name }

type renderVideoRequest struct {
	Prompt   string  `json:"prompt"`
	AudioURL string  `json:"audio_url,omitempty"`
	Style    string  `json:"style,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Seed     int     `json:"seed,omitempty"`
}

// Generate submits a video render and polls to completion.
func (c *VideoClient) Generate(ctx context.Context, req Request) (*Result, error) {
	const op = "video generate"
	if strings.TrimSpace(c.client.apiKey) == "" {
		return nil, faults.Wrap(faults.ErrConfiguration, "", op, "api key required", nil)
	}
	videoReq := renderVideoRequest{
		Prompt:   statedoc.GetString(req.Payload, "prompt"),
		AudioURL: statedoc.GetString(req.Payload, "audio_url"),
		Style:    statedoc.GetString(req.Payload, "style"),
	}
	if videoReq.Prompt == "" {
		return nil, faults.Wrap(faults.ErrValidation, "", op, "request carries no prompt", nil)
	}
	if duration, ok := statedoc.GetFloat(req.Payload, "duration"); ok {
		videoReq.Duration = duration
	}
	if seed, ok := statedoc.GetFloat(req.Payload, "variant_seed"); ok {
		videoReq.Seed = int(seed)
	}

	var submitted generateTrackResponse
	if err := c.client.post(ctx, "/v1/video/render", videoReq, &submitted); err != nil {
		return nil, classifyMediaError(op, err)
	}
	if submitted.TaskID == "" {
		return nil, faults.Wrap(faults.ErrProvider, "", op, "submit returned no task id", nil)
	}

	status, err := c.client.pollTask(ctx, op, "/v1/video/status/"+submitted.TaskID)
	if err != nil {
		return nil, err
	}

	content, err := json.Marshal(map[string]any{
		"task_id":  submitted.TaskID,
		"duration": status.Duration,
	})
	if err != nil {
		return nil, faults.Wrap(faults.ErrProvider, "", op, "encode content", err)
	}
	return &Result{ContentJSON: string(content), MediaRef: status.url()}, nil
}
