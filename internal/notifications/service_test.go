package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"maestro/internal/config"
	"maestro/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(cfg)
	if err := svc.NotifyJobCompleted(context.Background(), "job-1", "Neon Rain", ""); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsJobEvents(t *testing.T) {
	var captured struct {
		title    string
		tags     string
		priority string
		body     string
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		captured.title = r.Header.Get("Title")
		captured.tags = r.Header.Get("Tags")
		captured.priority = r.Header.Get("Priority")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		captured.body = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	svc := notifications.NewService(cfg)

	if err := svc.NotifyJobCompleted(context.Background(), "job-1", "Neon Rain", "file:///final.mp4"); err != nil {
		t.Fatalf("NotifyJobCompleted: %v", err)
	}
	if captured.title != "Maestro - Complete" {
		t.Fatalf("unexpected title %q", captured.title)
	}
	if !strings.Contains(captured.body, "Neon Rain") || !strings.Contains(captured.body, "file:///final.mp4") {
		t.Fatalf("unexpected message %q", captured.body)
	}
	if captured.priority != "high" {
		t.Fatalf("expected high priority, got %q", captured.priority)
	}

	if err := svc.NotifyActionRequired(context.Background(), "job-1", "select_lyrics"); err != nil {
		t.Fatalf("NotifyActionRequired: %v", err)
	}
	if captured.tags != "maestro,job,review" {
		t.Fatalf("unexpected tags %q", captured.tags)
	}
	if !strings.Contains(captured.body, "select_lyrics") {
		t.Fatalf("unexpected message %q", captured.body)
	}

	if err := svc.NotifyJobFailed(context.Background(), "job-1", "candidates_exhausted", "every audio attempt failed"); err != nil {
		t.Fatalf("NotifyJobFailed: %v", err)
	}
	if !strings.Contains(captured.body, "candidates_exhausted") {
		t.Fatalf("unexpected message %q", captured.body)
	}
}

func TestNtfyServiceHonorsEventGates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected call for suppressed event: %s", r.URL.String())
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.JobEvents = false
	cfg.Notifications.Errors = false
	svc := notifications.NewService(cfg)

	ctx := context.Background()
	if err := svc.NotifyJobCompleted(ctx, "job-1", "Neon Rain", ""); err != nil {
		t.Fatalf("NotifyJobCompleted: %v", err)
	}
	if err := svc.NotifyError(ctx, io.ErrUnexpectedEOF, "compose"); err != nil {
		t.Fatalf("NotifyError: %v", err)
	}
}
