// Package lease keeps claimed work alive and recovers work whose owner died.
// It layers the heartbeat loop and the sweeper on top of the store's
// row-scoped claims; no worker identity exists outside the lease column.
package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"maestro/internal/logging"
	"maestro/internal/store"
)

// Manager renews job leases for active workers, applies the retry policy on
// failed ticks, and periodically requeues jobs and provider runs whose lease
// or claim lapsed.
type Manager struct {
	store             *store.Store
	logger            *slog.Logger
	heartbeatInterval time.Duration
	leaseTimeout      time.Duration
	maxTries          int
	onReclaim         func(count int)
}

// ErrCodeMaxTries is the stable error code recorded when a job spends its
// full attempt budget.
const ErrCodeMaxTries = "max_tries"

// NewManager creates a lease manager.
func NewManager(st *store.Store, logger *slog.Logger, heartbeatInterval, leaseTimeout time.Duration, maxTries int) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		store:             st,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		leaseTimeout:      leaseTimeout,
		maxTries:          maxTries,
	}
}

// SetReclaimObserver registers a callback invoked with the number of jobs
// each sweep requeued after their lease expired.
func (m *Manager) SetReclaimObserver(fn func(count int)) {
	m.onReclaim = fn
}

// Claim atomically claims up to limit runnable jobs of a kind under fresh
// leases.
func (m *Manager) Claim(ctx context.Context, kind string, limit int) ([]*store.Job, error) {
	return m.store.ClaimNextJobs(ctx, kind, limit, m.leaseTimeout)
}

// Reschedule returns a failed attempt to the queue with exponential backoff.
// A job that has spent its attempt budget fails permanently instead.
func (m *Manager) Reschedule(ctx context.Context, job *store.Job, code, message string) error {
	if m.maxTries > 0 && job.AttemptCount >= m.maxTries {
		logger := logging.WithContext(ctx, logging.WithComponent(m.logger, "lease"))
		logger.Warn("attempt budget spent, failing job",
			logging.String(logging.FieldJobID, job.ID),
			logging.Int("attempts", job.AttemptCount))
		return m.store.FailJob(ctx, job.ID, ErrCodeMaxTries, message)
	}
	return m.store.RescheduleJob(ctx, job.ID, job.AttemptCount, code, message)
}

// CompleteWithSanityCheck marks a job succeeded after the supplied check
// passes. A failing check converts the completion into a permanent integrity
// failure, so a job can never report success with missing output.
func (m *Manager) CompleteWithSanityCheck(ctx context.Context, job *store.Job, check func(*store.Job) error) error {
	if check != nil {
		if err := check(job); err != nil {
			return m.store.FailJob(ctx, job.ID, "integrity", err.Error())
		}
	}
	return m.store.CompleteJob(ctx, job.ID)
}

// StartHeartbeat runs a renewal loop for one claimed job until ctx is
// cancelled or the lease is lost. The returned stop function cancels the loop
// and waits for it to exit; callers must invoke it when the job finishes.
// lost is closed if a renewal discovers the job no longer runs under this
// lease, signalling the worker to abort its tick.
func (m *Manager) StartHeartbeat(ctx context.Context, jobID string) (stop func(), lost <-chan struct{}) {
	loopCtx, cancel := context.WithCancel(ctx)
	lostCh := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.heartbeatInterval)
		defer ticker.Stop()

		logger := logging.WithContext(loopCtx, logging.WithComponent(m.logger, "lease-heartbeat"))
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				alive, err := m.store.UpdateJobHeartbeat(loopCtx, jobID, m.leaseTimeout)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					logger.Warn("heartbeat update failed", logging.Error(err))
					continue
				}
				if !alive {
					logger.Warn("lease lost", logging.String(logging.FieldJobID, jobID))
					close(lostCh)
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}, lostCh
}

// Sweep requeues jobs with expired leases and abandons provider runs stuck
// in running beyond the lease timeout. Both recoveries are idempotent.
func (m *Manager) Sweep(ctx context.Context) error {
	logger := logging.WithContext(ctx, logging.WithComponent(m.logger, "lease-sweeper"))

	reclaimed, err := m.store.ReclaimExpiredLeases(ctx)
	if err != nil {
		return err
	}
	if len(reclaimed) > 0 {
		logger.Info("requeued jobs with expired leases", logging.Int("count", len(reclaimed)))
		if m.onReclaim != nil {
			m.onReclaim(len(reclaimed))
		}
	}

	abandoned, err := m.store.AbandonStaleRuns(ctx, m.leaseTimeout)
	if err != nil {
		return err
	}
	if abandoned > 0 {
		logger.Info("abandoned stale provider runs", logging.Int("count", abandoned))
	}
	return nil
}

// Run executes Sweep on a fixed interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, logging.WithComponent(m.logger, "lease-sweeper"))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("lease sweep failed", logging.Error(err))
			}
		}
	}
}
