package config

import (
	"os"
	"path/filepath"
)

// Default returns a configuration populated with built-in defaults.
func Default() *Config {
	base := defaultBaseDir()
	return &Config{
		DataDir:   filepath.Join(base, "maestro"),
		LogDir:    filepath.Join(base, "maestro", "logs"),
		LogLevel:  "info",
		LogFormat: "console",
		API: API{
			Bind: "127.0.0.1:7805",
		},
		Workflow: Workflow{
			JobPollInterval:    2,
			RunPollInterval:    1,
			ErrorRetryInterval: 5,
			SweepInterval:      15,
			HeartbeatInterval:  10,
			LeaseTimeout:       120,
			WorkerCount:        4,
			MaxTries:           5,
			MaxGroupAttempts:   3,
		},
		Candidates: Candidates{
			LyricsCount: 3,
			AudioCount:  2,
			VideoCount:  2,
		},
		Providers: map[string]Provider{},
		Storage: Storage{
			Backend:        "local",
			LocalDir:       filepath.Join(base, "maestro", "blobs"),
			Region:         "auto",
			SignTTLSeconds: 3600,
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			JobEvents:      true,
			Errors:         true,
		},
	}
}

// applyFallbacks fills any zero values left after unmarshalling with defaults.
func (c *Config) applyFallbacks() {
	def := Default()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.DataDir, "logs")
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	if c.API.Bind == "" {
		c.API.Bind = def.API.Bind
	}
	if c.Workflow.JobPollInterval <= 0 {
		c.Workflow.JobPollInterval = def.Workflow.JobPollInterval
	}
	if c.Workflow.RunPollInterval <= 0 {
		c.Workflow.RunPollInterval = def.Workflow.RunPollInterval
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = def.Workflow.ErrorRetryInterval
	}
	if c.Workflow.SweepInterval <= 0 {
		c.Workflow.SweepInterval = def.Workflow.SweepInterval
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		c.Workflow.HeartbeatInterval = def.Workflow.HeartbeatInterval
	}
	if c.Workflow.LeaseTimeout <= 0 {
		c.Workflow.LeaseTimeout = def.Workflow.LeaseTimeout
	}
	if c.Workflow.WorkerCount <= 0 {
		c.Workflow.WorkerCount = def.Workflow.WorkerCount
	}
	if c.Workflow.MaxTries <= 0 {
		c.Workflow.MaxTries = def.Workflow.MaxTries
	}
	if c.Workflow.MaxGroupAttempts <= 0 {
		c.Workflow.MaxGroupAttempts = def.Workflow.MaxGroupAttempts
	}
	if c.Candidates.LyricsCount <= 0 {
		c.Candidates.LyricsCount = def.Candidates.LyricsCount
	}
	if c.Candidates.AudioCount <= 0 {
		c.Candidates.AudioCount = def.Candidates.AudioCount
	}
	if c.Candidates.VideoCount <= 0 {
		c.Candidates.VideoCount = def.Candidates.VideoCount
	}
	if c.Providers == nil {
		c.Providers = map[string]Provider{}
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = def.Storage.Backend
	}
	if c.Storage.LocalDir == "" {
		c.Storage.LocalDir = filepath.Join(c.DataDir, "blobs")
	}
	if c.Storage.Region == "" {
		c.Storage.Region = def.Storage.Region
	}
	if c.Storage.SignTTLSeconds <= 0 {
		c.Storage.SignTTLSeconds = def.Storage.SignTTLSeconds
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = def.Notifications.RequestTimeout
	}
}

func defaultBaseDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share")
}
