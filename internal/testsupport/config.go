package testsupport

import (
	"path/filepath"
	"testing"

	"maestro/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(base, "data")
	cfg.LogDir = filepath.Join(base, "logs")
	cfg.Storage.Backend = "local"
	cfg.Storage.LocalDir = filepath.Join(base, "blobs")
	cfg.API.Bind = "127.0.0.1:0"
	cfg.Workflow.JobPollInterval = 1
	cfg.Workflow.RunPollInterval = 1

	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithHITL enables human selection on fan-in groups for the test config.
func WithHITL() ConfigOption {
	return func(cfg *config.Config) {
		cfg.Candidates.HITL = true
	}
}

// WithProvider registers a provider entry on the test config.
func WithProvider(key string, provider config.Provider) ConfigOption {
	return func(cfg *config.Config) {
		if cfg.Providers == nil {
			cfg.Providers = map[string]config.Provider{}
		}
		cfg.Providers[key] = provider
	}
}

// WithWorkers overrides the provider-run worker count.
func WithWorkers(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workflow.WorkerCount = n
	}
}
