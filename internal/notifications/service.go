package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"maestro/internal/config"
)

const userAgent = "Maestro-Go/0.1.0"

// Service defines the notification surface exposed to the workflow manager.
type Service interface {
	NotifyJobCompleted(ctx context.Context, jobID, title, mediaRef string) error
	NotifyJobFailed(ctx context.Context, jobID, code, message string) error
	NotifyActionRequired(ctx context.Context, jobID, actionType string) error
	NotifyError(ctx context.Context, err error, contextLabel string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := cfg.Notifications.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:  topic,
		client:    &http.Client{Timeout: timeout},
		jobEvents: cfg.Notifications.JobEvents,
		errors:    cfg.Notifications.Errors,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint  string
	client    *http.Client
	jobEvents bool
	errors    bool
}

func (n *ntfyService) NotifyJobCompleted(ctx context.Context, jobID, title, mediaRef string) error {
	if !n.jobEvents {
		return nil
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = jobID
	}
	message := fmt.Sprintf("Ready to publish: %s", title)
	if mediaRef = strings.TrimSpace(mediaRef); mediaRef != "" {
		message = fmt.Sprintf("%s\nMedia: %s", message, mediaRef)
	}
	data := payload{
		title:    "Maestro - Complete",
		message:  message,
		tags:     []string{"maestro", "job", "completed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyJobFailed(ctx context.Context, jobID, code, message string) error {
	if !n.jobEvents {
		return nil
	}
	detail := strings.TrimSpace(message)
	if detail == "" {
		detail = "no detail recorded"
	}
	if code = strings.TrimSpace(code); code == "" {
		code = "unknown"
	}
	data := payload{
		title:    "Maestro - Job Failed",
		message:  fmt.Sprintf("Job %s failed (%s): %s", jobID, code, detail),
		tags:     []string{"maestro", "job", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyActionRequired(ctx context.Context, jobID, actionType string) error {
	if !n.jobEvents {
		return nil
	}
	actionType = strings.TrimSpace(actionType)
	if actionType == "" {
		actionType = "decision"
	}
	data := payload{
		title:   "Maestro - Selection Needed",
		message: fmt.Sprintf("Job %s is waiting on %s\nReview the candidates and pick one", jobID, actionType),
		tags:    []string{"maestro", "job", "review"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	if !n.errors {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "Maestro - Error",
		message:  builder.String(),
		tags:     []string{"maestro", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Maestro - Test",
		message:  "Notification system test",
		tags:     []string{"maestro", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyJobCompleted(context.Context, string, string, string) error { return nil }
func (noopService) NotifyJobFailed(context.Context, string, string, string) error    { return nil }
func (noopService) NotifyActionRequired(context.Context, string, string) error       { return nil }
func (noopService) NotifyError(context.Context, error, string) error                 { return nil }
func (noopService) TestNotification(context.Context) error                           { return nil }
