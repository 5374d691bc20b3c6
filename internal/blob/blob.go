// Package blob stores rendered media and exposes time-limited access URLs.
// The local backend serves development and tests; the s3 backend covers both
// AWS S3 and R2-style endpoints.
package blob

import (
	"context"
	"io"
	"time"

	"maestro/internal/config"
	"maestro/internal/faults"
)

// Store is the durable media store the compose and publish stages write to.
type Store interface {
	// Put uploads an object and returns a stable reference URL.
	Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	// SignedURL returns a time-limited URL for reading an object.
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}

// Open builds the store named by the storage configuration.
func Open(cfg config.Storage) (Store, error) {
	switch cfg.Backend {
	case "local":
		return NewLocal(cfg.LocalDir)
	case "s3":
		return NewS3(cfg)
	default:
		return nil, faults.Wrap(faults.ErrConfiguration, "", "blob open", "unknown storage backend "+cfg.Backend, nil)
	}
}
