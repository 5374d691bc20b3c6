// Package runner drains the provider-run queue. A pool of workers claims runs
// one at a time, executes them against the registered backends or the built-in
// operations, and writes results back through the store's single-writer
// guards, so a worker that died mid-call can never corrupt a resolved row.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"maestro/internal/blob"
	"maestro/internal/config"
	"maestro/internal/faults"
	"maestro/internal/logging"
	"maestro/internal/metrics"
	"maestro/internal/provider"
	"maestro/internal/statedoc"
	"maestro/internal/store"
)

// Notify wakes a job after one of its runs resolved, so the next tick does
// not wait out the poll interval. Failures are swallowed; notification is an
// optimization, never a correctness requirement.
type Notify func(ctx context.Context, jobID string)

// Pool claims and executes provider runs with a fixed number of workers.
type Pool struct {
	store    *store.Store
	registry *provider.Registry
	blobs    blob.Store
	logger   *slog.Logger
	notify   Notify

	workers      int
	pollInterval time.Duration
	httpClient   *http.Client
	metrics      *metrics.Metrics
}

// Option customizes pool construction.
type Option func(*Pool)

// WithNotify installs the wake-up callback invoked after a run resolves.
func WithNotify(notify Notify) Option {
	return func(p *Pool) { p.notify = notify }
}

// WithHTTPClient overrides the client used to fetch provider-hosted media.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Pool) { p.httpClient = client }
}

// WithMetrics attaches the daemon's instrument set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// NewPool builds a worker pool from daemon configuration.
func NewPool(st *store.Store, registry *provider.Registry, blobs blob.Store, cfg *config.Config, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = logging.NewNop()
	}
	pool := &Pool{
		store:        st,
		registry:     registry,
		blobs:        blobs,
		logger:       logging.WithComponent(logger, "runner"),
		workers:      cfg.Workflow.WorkerCount,
		pollInterval: cfg.Workflow.RunPoll(),
		httpClient:   &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(pool)
	}
	if pool.notify == nil {
		pool.notify = func(ctx context.Context, jobID string) {
			if err := st.NudgeJob(ctx, jobID); err != nil {
				pool.logger.Warn("nudge after run failed", logging.Error(err))
			}
		}
	}
	return pool
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, worker int) {
	logger := logging.WithContext(ctx, p.logger)
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.ProcessNext(ctx)
		if err != nil {
			logger.Warn("run processing failed",
				logging.Int("worker", worker),
				logging.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval):
		}
	}
}

// ProcessNext claims and executes one run. It reports false when the queue is
// drained. Execution errors are absorbed into the run row; the returned error
// covers only store failures.
func (p *Pool) ProcessNext(ctx context.Context) (bool, error) {
	run, err := p.store.ClaimNextRun(ctx)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, nil
	}
	p.execute(ctx, run)
	return true, nil
}

// execute runs one claimed row to a terminal state. A panic in a backend is
// contained here and recorded as a failed run.
func (p *Pool) execute(ctx context.Context, run *store.ProviderRun) {
	logger := logging.WithContext(ctx, p.logger)
	started := time.Now()
	defer func() {
		if p.metrics == nil {
			return
		}
		if final, err := p.store.GetRun(ctx, run.ID); err == nil && final != nil && final.Status.Terminal() {
			p.metrics.ObserveRun(final.Meta.RunType, final.Status, time.Since(started))
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("run panicked",
				logging.Int64("run_id", run.ID),
				logging.String("detail", fmt.Sprint(r)),
				logging.String("stack", string(debug.Stack())))
			p.failRun(ctx, run, faults.Wrap(faults.ErrProvider, "", "run", fmt.Sprintf("panic: %v", r), nil))
		}
	}()

	switch {
	case run.Meta.IsCandidateRun():
		p.executeCandidateRun(ctx, run)
	case run.Meta.RunType == store.RunTypeAlignLyrics:
		p.executeOp(ctx, run, p.alignLyricsOp)
	case run.Meta.RunType == store.RunTypeComposeMedia:
		p.executeOp(ctx, run, p.composeMediaOp)
	default:
		p.failRun(ctx, run, faults.Wrap(faults.ErrIntegrity, "", "run", "unknown run type "+run.Meta.RunType, nil))
	}
}

func (p *Pool) executeCandidateRun(ctx context.Context, run *store.ProviderRun) {
	logger := logging.WithContext(ctx, p.logger)

	cand, err := p.store.GetCandidate(ctx, run.Meta.CandidateID)
	if err != nil {
		logger.Warn("load candidate failed", logging.Error(err))
		return
	}
	if cand == nil {
		p.failRun(ctx, run, faults.Wrap(faults.ErrIntegrity, "", "run", "candidate row missing", nil))
		return
	}
	// A slot resolved by selection or the sweeper never runs again.
	started, err := p.store.SetCandidateRunning(ctx, cand.ID)
	if err != nil {
		logger.Warn("mark candidate running failed", logging.Error(err))
		return
	}
	if !started && cand.Status != store.CandidateRunning {
		p.abandonRun(ctx, run, "candidate already resolved")
		return
	}

	prov, err := p.registry.Lookup(run.Provider)
	if err != nil {
		p.resolveCandidateFailure(ctx, run, cand.ID, err)
		return
	}
	payload, err := statedoc.FromJSON(run.RequestJSON)
	if err != nil {
		p.resolveCandidateFailure(ctx, run, cand.ID, faults.Wrap(faults.ErrIntegrity, "", "run", "decode request", err))
		return
	}

	result, err := prov.Generate(ctx, provider.Request{
		JobID:   run.JobID,
		RunType: run.Meta.RunType,
		Payload: payload,
	})
	if err != nil {
		p.resolveCandidateFailure(ctx, run, cand.ID, err)
		return
	}

	// Candidate first: if the worker dies between the two writes the run is
	// swept as stale while the group still converges.
	applied, err := p.store.ResolveCandidate(ctx, cand.ID, store.CandidateSucceeded,
		result.ContentJSON, result.ScoreJSON, result.MediaRef)
	if err != nil {
		logger.Warn("resolve candidate failed", logging.Error(err))
		return
	}
	if !applied {
		p.abandonRun(ctx, run, "candidate resolved while generating")
		return
	}
	p.succeedRun(ctx, run, statedoc.Doc{
		"content_json": result.ContentJSON,
		"media_ref":    result.MediaRef,
		"score_json":   result.ScoreJSON,
	})
	logger.Info("candidate run resolved",
		logging.String(logging.FieldJobID, run.JobID),
		logging.String("candidate_id", cand.ID),
		logging.String("provider", run.Provider))
	p.notify(ctx, run.JobID)
}

// executeOp runs a built-in operation. Ops patch the computed document with a
// deterministic result before resolving the run, so a replay after a crash
// rewrites the identical document.
func (p *Pool) executeOp(ctx context.Context, run *store.ProviderRun, op func(ctx context.Context, run *store.ProviderRun, payload statedoc.Doc) (statedoc.Doc, error)) {
	payload, err := statedoc.FromJSON(run.RequestJSON)
	if err != nil {
		p.failRun(ctx, run, faults.Wrap(faults.ErrIntegrity, "", "run", "decode request", err))
		return
	}
	patch, err := op(ctx, run, payload)
	if err != nil {
		p.failRun(ctx, run, err)
		return
	}
	if _, err := p.store.PatchComputed(ctx, run.JobID, patch); err != nil {
		p.failRun(ctx, run, err)
		return
	}
	p.succeedRun(ctx, run, patch)
	p.notify(ctx, run.JobID)
}

func (p *Pool) succeedRun(ctx context.Context, run *store.ProviderRun, response statedoc.Doc) {
	encoded, err := statedoc.ToJSON(response)
	if err != nil {
		encoded = "{}"
	}
	applied, err := p.store.SetRunResult(ctx, run.ID, store.RunSucceeded, encoded)
	if err != nil {
		logging.WithContext(ctx, p.logger).Warn("record run result failed", logging.Error(err))
		return
	}
	if !applied {
		logging.WithContext(ctx, p.logger).Warn("late run result dropped", logging.Int64("run_id", run.ID))
	}
}

func (p *Pool) failRun(ctx context.Context, run *store.ProviderRun, cause error) {
	response, encodeErr := statedoc.ToJSON(statedoc.Doc{
		"error": cause.Error(),
		"code":  faults.Code(cause),
	})
	if encodeErr != nil {
		response = "{}"
	}
	if _, err := p.store.SetRunResult(ctx, run.ID, store.RunFailed, response); err != nil {
		logging.WithContext(ctx, p.logger).Warn("record run failure failed", logging.Error(err))
	}
}

func (p *Pool) abandonRun(ctx context.Context, run *store.ProviderRun, reason string) {
	response, err := statedoc.ToJSON(statedoc.Doc{"reason": reason})
	if err != nil {
		response = "{}"
	}
	if _, err := p.store.SetRunResult(ctx, run.ID, store.RunAbandoned, response); err != nil {
		logging.WithContext(ctx, p.logger).Warn("abandon run failed", logging.Error(err))
	}
}

func (p *Pool) resolveCandidateFailure(ctx context.Context, run *store.ProviderRun, candidateID string, cause error) {
	logger := logging.WithContext(ctx, p.logger)
	logger.Warn("candidate run failed",
		logging.String(logging.FieldJobID, run.JobID),
		logging.String("candidate_id", candidateID),
		logging.String("code", faults.Code(cause)),
		logging.Error(cause))

	if _, err := p.store.ResolveCandidate(ctx, candidateID, store.CandidateFailed, "", "", ""); err != nil {
		logger.Warn("resolve candidate failed", logging.Error(err))
	}
	p.failRun(ctx, run, cause)
	p.notify(ctx, run.JobID)
}
