package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// API contains the control API bind address and optional bearer token.
type API struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Workflow contains daemon timing, lease, and retry settings.
type Workflow struct {
	JobPollInterval    int `toml:"job_poll_interval"`
	RunPollInterval    int `toml:"run_poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	SweepInterval      int `toml:"sweep_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	LeaseTimeout       int `toml:"lease_timeout"`
	WorkerCount        int `toml:"worker_count"`
	MaxTries           int `toml:"max_tries"`
	MaxGroupAttempts   int `toml:"max_group_attempts"`
}

// Candidates contains fan-out sizing and selection mode defaults.
type Candidates struct {
	LyricsCount int  `toml:"lyrics_count"`
	AudioCount  int  `toml:"audio_count"`
	VideoCount  int  `toml:"video_count"`
	HITL        bool `toml:"hitl"`
}

// Provider contains connection settings for one generation backend.
type Provider struct {
	Name           string `toml:"name"`
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Storage contains blob store settings. Backend is "local" or "s3"; the s3
// backend also covers R2-style endpoints.
type Storage struct {
	Backend         string `toml:"backend"`
	LocalDir        string `toml:"local_dir"`
	Bucket          string `toml:"bucket"`
	Endpoint        string `toml:"endpoint"`
	Region          string `toml:"region"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	PublicURL       string `toml:"public_url"`
	SignTTLSeconds  int    `toml:"sign_ttl_seconds"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	JobEvents      bool   `toml:"job_events"`
	Errors         bool   `toml:"errors"`
}

// Config is the root configuration for the daemon and CLI.
type Config struct {
	DataDir   string `toml:"data_dir"`
	LogDir    string `toml:"log_dir"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	API           API                 `toml:"api"`
	Workflow      Workflow            `toml:"workflow"`
	Candidates    Candidates          `toml:"candidates"`
	Providers     map[string]Provider `toml:"providers"`
	Storage       Storage             `toml:"storage"`
	Notifications Notifications       `toml:"notifications"`
}

// ProvidersFor returns the provider keys routed to a role such as "lyrics",
// "audio", or "video". A key matches when it equals the role or extends it
// with an underscore suffix ("audio_alt"), so several backends can share one
// role. Keys come back sorted for deterministic round-robin assignment.
func (c *Config) ProvidersFor(role string) []string {
	var keys []string
	for key := range c.Providers {
		if key == role || strings.HasPrefix(key, role+"_") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "maestro.toml"
	}
	return filepath.Join(home, ".config", "maestro", "config.toml")
}

// Load reads configuration from path, falling back to defaults for any value
// the file omits. A missing file yields the defaults with ok=false.
func Load(path string) (*Config, bool, error) {
	cfg := Default()

	resolved := strings.TrimSpace(path)
	if resolved == "" {
		resolved = DefaultConfigPath()
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg.applyFallbacks()
			return cfg, false, nil
		}
		return nil, false, fmt.Errorf("read config %s: %w", resolved, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, false, fmt.Errorf("parse config %s: %w", resolved, err)
	}
	cfg.applyFallbacks()
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// EnsureDirectories creates the data and log directories if needed.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	if c.Storage.Backend == "local" && strings.TrimSpace(c.Storage.LocalDir) != "" {
		if err := os.MkdirAll(c.Storage.LocalDir, 0o755); err != nil {
			return fmt.Errorf("create blob directory %s: %w", c.Storage.LocalDir, err)
		}
	}
	return nil
}

// DatabasePath returns the engine database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "maestro.db")
}

// LockFilePath returns the daemon lock file location.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.DataDir, "maestrod.lock")
}

// WriteSample writes the embedded sample configuration to path.
func WriteSample(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure config directory: %w", err)
		}
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}
