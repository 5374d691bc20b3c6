package blob_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"maestro/internal/blob"
	"maestro/internal/config"
	"maestro/internal/faults"
)

func TestLocalPutAndSign(t *testing.T) {
	dir := t.TempDir()
	store, err := blob.NewLocal(dir)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()

	url, err := store.Put(ctx, "jobs/job-1/final.mp3", strings.NewReader("audio bytes"), "audio/mpeg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(url, "file://") {
		t.Fatalf("unexpected url %q", url)
	}

	data, err := os.ReadFile(filepath.Join(dir, "jobs", "job-1", "final.mp3"))
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(data) != "audio bytes" {
		t.Fatalf("unexpected content %q", data)
	}

	signed, err := store.SignedURL(ctx, "jobs/job-1/final.mp3", time.Minute)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if signed != url {
		t.Fatalf("expected %q, got %q", url, signed)
	}
}

func TestLocalSignMissingObject(t *testing.T) {
	store, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	_, err = store.SignedURL(context.Background(), "missing/key", time.Minute)
	if !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLocalRejectsTraversal(t *testing.T) {
	store, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	_, err = store.Put(context.Background(), "../escape", strings.NewReader("x"), "")
	if !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected validation fault, got %v", err)
	}
}

func TestLocalDeleteIdempotent(t *testing.T) {
	store, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Put(ctx, "a/b", strings.NewReader("x"), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, "a/b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "a/b"); err != nil {
		t.Fatalf("Delete repeat: %v", err)
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := blob.Open(config.Storage{Backend: "ftp"})
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected configuration fault, got %v", err)
	}
}

func TestOpenS3RequiresCredentials(t *testing.T) {
	_, err := blob.Open(config.Storage{Backend: "s3", Bucket: "media"})
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected configuration fault, got %v", err)
	}
}
