// Package daemon wires the engine's components together, enforces
// single-instance execution, and exposes the control API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"maestro/internal/api"
	"maestro/internal/blob"
	"maestro/internal/candidates"
	"maestro/internal/config"
	"maestro/internal/graph"
	"maestro/internal/lease"
	"maestro/internal/logging"
	"maestro/internal/metrics"
	"maestro/internal/notifications"
	"maestro/internal/provider"
	"maestro/internal/runner"
	"maestro/internal/store"
	"maestro/internal/workflow"
)

// Daemon owns the store, the background loops, and the control API.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	blobs    blob.Store
	registry *provider.Registry
	metrics  *metrics.Metrics
	notifier notifications.Service
	service  *api.Service
	manager  *workflow.Manager
	server   *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a daemon with fully wired dependencies.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	blobs, err := blob.Open(cfg.Storage)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	registry := buildRegistry(cfg, logger)
	m := metrics.New()
	notifier := notifications.NewService(cfg)

	leases := lease.NewManager(st, logger,
		cfg.Workflow.Heartbeat(), cfg.Workflow.Lease(), cfg.Workflow.MaxTries)
	leases.SetReclaimObserver(m.ObserveLeaseReclaims)
	ctrl := candidates.NewController(st, logger, cfg).WithMetrics(m)
	engine := graph.NewEngine(st, ctrl, leases, cfg, logger)
	pool := runner.NewPool(st, registry, blobs, cfg, logger, runner.WithMetrics(m))
	manager := workflow.New(st, engine, leases, pool, notifier, m, cfg, logger)
	service := api.NewService(st, engine, ctrl, leases, cfg, logger)

	lockPath := cfg.LockFilePath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "daemon"),
		store:    st,
		blobs:    blobs,
		registry: registry,
		metrics:  m,
		notifier: notifier,
		service:  service,
		manager:  manager,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.server = newAPIServer(cfg, d, logger)
	return d, nil
}

// buildRegistry instantiates one backend client per configured provider key.
// The key's prefix up to the first underscore selects the client type, so
// "audio_alt" registers a second audio backend under its own name.
func buildRegistry(cfg *config.Config, logger *slog.Logger) *provider.Registry {
	registry := provider.NewRegistry()
	for key, pcfg := range cfg.Providers {
		role, _, _ := strings.Cut(key, "_")
		switch role {
		case "lyrics":
			registry.Register(provider.NewLyricsClient(key, pcfg))
		case "audio":
			registry.Register(provider.NewAudioClient(key, pcfg))
		case "video":
			registry.Register(provider.NewVideoClient(key, pcfg))
		default:
			logging.WithComponent(logger, "daemon").Warn("ignoring provider with unknown role",
				logging.String("provider", key))
		}
	}
	return registry
}

// Start acquires the daemon lock and launches the background loops and the
// control API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another maestro daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.manager.Run(runCtx)
	}()

	if err := d.server.start(runCtx); err != nil {
		cancel()
		d.wg.Wait()
		_ = d.lock.Unlock()
		return err
	}

	d.running.Store(true)
	d.logger.Info("maestro daemon started",
		logging.String("lock", d.lockPath),
		logging.String("database", d.cfg.DatabasePath()),
		logging.Any("providers", d.registry.Names()))
	return nil
}

// Stop halts background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	d.server.stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock failed", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("maestro daemon stopped")
}

// Close stops the daemon and releases the store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Service exposes the job operations, for in-process callers such as tests.
func (d *Daemon) Service() *api.Service {
	return d.service
}

// APIAddr returns the bound control API address, or "" before Start.
func (d *Daemon) APIAddr() string {
	return d.server.addr()
}

// Health returns aggregate job diagnostics.
func (d *Daemon) Health(ctx context.Context) (store.HealthSummary, error) {
	return d.store.Health(ctx)
}

// TestNotification sends a test message through the configured notifier.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}
