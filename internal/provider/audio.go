package provider

import (
	"context"
	"encoding/json"
	"strings"

	"maestro/internal/config"
	"maestro/internal/faults"
	"maestro/internal/statedoc"
)

// AudioClient renders audio tracks through an async generation API. A submit
// call returns a task id; the client then polls until the track resolves.
type AudioClient struct {
	name   string
	client *taskClient
}

// NewAudioClient constructs an audio backend from provider configuration.
func NewAudioClient(name string, cfg config.Provider, opts ...TaskOption) *AudioClient {
	return &AudioClient{name: name, client: newTaskClient(cfg, opts...)}
}

func (c *AudioClient) Name() string { return c.name }

type generateTrackRequest struct {
	Prompt       string `json:"prompt"`
	Lyrics       string `json:"lyrics,omitempty"`
	Style        string `json:"style,omitempty"`
	Title        string `json:"title,omitempty"`
	Instrumental bool   `json:"make_instrumental,omitempty"`
	Seed         int    `json:"seed,omitempty"`
}

type generateTrackResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// Generate submits a track render and polls to completion. MediaRef in the
// result is the provider-hosted audio URL; the composer stage copies it into
// durable storage later.
func (c *AudioClient) Generate(ctx context.Context, req Request) (*Result, error) {
	const op = "audio generate"
	if strings.TrimSpace(c.client.apiKey) == "" {
		return nil, faults.Wrap(faults.ErrConfiguration, "", op, "api key required", nil)
	}
	trackReq := generateTrackRequest{
		Prompt: statedoc.GetString(req.Payload, "prompt"),
		Lyrics: statedoc.GetString(req.Payload, "lyrics"),
		Style:  statedoc.GetString(req.Payload, "style"),
		Title:  statedoc.GetString(req.Payload, "title"),
	}
	if trackReq.Prompt == "" && trackReq.Lyrics == "" {
		return nil, faults.Wrap(faults.ErrValidation, "", op, "request carries neither prompt nor lyrics", nil)
	}
	if seed, ok := statedoc.GetFloat(req.Payload, "variant_seed"); ok {
		trackReq.Seed = int(seed)
	}
	if instrumental, ok := statedoc.Get(req.Payload, "instrumental").(bool); ok {
		trackReq.Instrumental = instrumental
	}

	var submitted generateTrackResponse
	if err := c.client.post(ctx, "/v1/music/generate", trackReq, &submitted); err != nil {
		return nil, classifyMediaError(op, err)
	}
	if submitted.TaskID == "" {
		return nil, faults.Wrap(faults.ErrProvider, "", op, "submit returned no task id", nil)
	}

	status, err := c.client.pollTask(ctx, op, "/v1/music/status/"+submitted.TaskID)
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
