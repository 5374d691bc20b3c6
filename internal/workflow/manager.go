// Package workflow hosts the long-running loops of the daemon: the job
// poller that claims and ticks jobs under heartbeats, the provider-run worker
// pool, the lease sweeper, and the health sampler. All coordination happens
// through the store; the loops share no state beyond it.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"maestro/internal/config"
	"maestro/internal/faults"
	"maestro/internal/graph"
	"maestro/internal/lease"
	"maestro/internal/logging"
	"maestro/internal/metrics"
	"maestro/internal/notifications"
	"maestro/internal/runner"
	"maestro/internal/statedoc"
	"maestro/internal/store"
)

// JobKind is the only job kind the current graph drives.
const JobKind = "song"

// claimBatch bounds how many jobs one poll claims. Ticks are short; a small
// batch keeps leases fresh without starving other daemon instances.
const claimBatch = 4

// Manager owns the daemon's background loops.
type Manager struct {
	store    *store.Store
	engine   *graph.Engine
	leases   *lease.Manager
	pool     *runner.Pool
	notifier notifications.Service
	metrics  *metrics.Metrics
	cfg      *config.Config
	logger   *slog.Logger
}

// New wires a manager from already-constructed components.
func New(st *store.Store, engine *graph.Engine, leases *lease.Manager, pool *runner.Pool, notifier notifications.Service, m *metrics.Metrics, cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	return &Manager{
		store:    st,
		engine:   engine,
		leases:   leases,
		pool:     pool,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "workflow"),
	}
}

// Run starts every loop and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.pollLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.pool.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.leases.Run(ctx, m.cfg.Workflow.Sweep())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.healthLoop(ctx)
	}()

	wg.Wait()
}

func (m *Manager) pollLoop(ctx context.Context) {
	logger := logging.WithContext(ctx, m.logger)
	ticker := time.NewTicker(m.cfg.Workflow.JobPoll())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.PollOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("job poll failed", logging.Error(err))
			}
		}
	}
}

// PollOnce claims one batch of runnable jobs and ticks each under a
// heartbeat. It returns the number of jobs processed.
func (m *Manager) PollOnce(ctx context.Context) (int, error) {
	jobs, err := m.leases.Claim(ctx, JobKind, claimBatch)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		m.runJob(ctx, job)
	}
	return len(jobs), nil
}

// runJob executes one tick with lease renewal. A lost lease cancels the tick
// so two daemons never advance the same job concurrently.
func (m *Manager) runJob(ctx context.Context, job *store.Job) {
	logger := logging.WithContext(ctx, m.logger)

	tickCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop, lost := m.leases.StartHeartbeat(tickCtx, job.ID)
	defer stop()
	go func() {
		select {
		case <-lost:
			cancel()
		case <-tickCtx.Done():
		}
	}()

	started := time.Now()
	res, err := m.engine.Tick(tickCtx, job, graph.TriggerPoll)
	if err != nil {
		m.metrics.ObserveTick("error", time.Since(started))
		m.disposeTickError(ctx, job, err)
		return
	}
	m.metrics.ObserveTick(string(res.StopReason), time.Since(started))

	switch res.StopReason {
	case graph.StopDone:
		m.notifyCompleted(ctx, job.ID)
	case graph.StopFailed:
		m.notifyFailed(ctx, job.ID)
	case graph.StopActionRequired:
		m.notifyActionRequired(ctx, job.ID)
	}
	logger.Info("tick finished",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("stage", string(res.Stage)),
		logging.String("stop_reason", string(res.StopReason)),
		logging.Duration("elapsed", time.Since(started)))
}

// disposeTickError applies the retry policy: permanent faults fail the job,
// everything else is rescheduled with backoff until the attempt budget runs
// out.
func (m *Manager) disposeTickError(ctx context.Context, job *store.Job, cause error) {
	logger := logging.WithContext(ctx, m.logger)
	if errors.Is(cause, context.Canceled) && ctx.Err() != nil {
		// Shutdown or lost lease; the sweeper recovers the job.
		return
	}

	code := faults.Code(cause)
	if faults.Dispose(cause) == faults.DispositionFail {
		logger.Error("tick failed permanently",
			logging.String(logging.FieldJobID, job.ID),
			logging.String("code", code),
			logging.Error(cause))
		if err := m.store.FailJob(ctx, job.ID, code, cause.Error()); err != nil {
			logger.Warn("record permanent failure failed", logging.Error(err))
			return
		}
		m.notifyFailed(ctx, job.ID)
		return
	}

	logger.Warn("tick failed, rescheduling",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("code", code),
		logging.Int("attempt", job.AttemptCount),
		logging.Error(cause))
	if err := m.leases.Reschedule(ctx, job, code, cause.Error()); err != nil {
		logger.Warn("reschedule failed", logging.Error(err))
	}
}

func (m *Manager) notifyCompleted(ctx context.Context, jobID string) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return
	}
	computed, err := statedoc.FromJSON(job.ComputedJSON)
	if err != nil {
		return
	}
	title := statedoc.GetString(computed, "plan.title")
	mediaRef := statedoc.GetString(computed, "final.media_ref")
	if err := m.notifier.NotifyJobCompleted(ctx, job.ID, title, mediaRef); err != nil {
		m.logger.Warn("completion notification failed", logging.Error(err))
	}
}

func (m *Manager) notifyFailed(ctx context.Context, jobID string) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return
	}
	if err := m.notifier.NotifyJobFailed(ctx, job.ID, job.ErrorCode, job.ErrorMessage); err != nil {
		m.logger.Warn("failure notification failed", logging.Error(err))
	}
}

func (m *Manager) notifyActionRequired(ctx context.Context, jobID string) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return
	}
	action, ok := job.DecodeRequiredAction()
	if !ok {
		return
	}
	if err := m.notifier.NotifyActionRequired(ctx, job.ID, action.Type); err != nil {
		m.logger.Warn("action notification failed", logging.Error(err))
	}
}

func (m *Manager) healthLoop(ctx context.Context) {
	logger := logging.WithContext(ctx, m.logger)
	ticker := time.NewTicker(m.cfg.Workflow.Sweep())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health, err := m.store.Health(ctx)
			if err != nil {
				logger.Warn("health sample failed", logging.Error(err))
				continue
			}
			depth, err := m.store.RunQueueDepth(ctx)
			if err != nil {
				logger.Warn("queue depth sample failed", logging.Error(err))
				continue
			}
			m.metrics.SetHealth(health, depth)
		}
	}
}
