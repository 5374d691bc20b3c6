// Package graph drives jobs through the stage graph. The engine executes one
// tick at a time: it runs node functions and advances the stage until a node
// reports that the job is waiting on parallel work, paused on a human
// decision, finished, or failed. Every advance commits the node's output and
// the stage move in a single compare-and-swap write, so a crashed tick can be
// replayed from the stored stage without losing or duplicating work.
package graph

import (
	"context"
	"log/slog"
	"time"

	"maestro/internal/candidates"
	"maestro/internal/config"
	"maestro/internal/faults"
	"maestro/internal/lease"
	"maestro/internal/logging"
	"maestro/internal/statedoc"
	"maestro/internal/store"
)

// StopReason explains why a tick returned control to the caller.
type StopReason string

const (
	// StopWaiting means the job is blocked on outstanding provider runs.
	StopWaiting StopReason = "waiting_parallel"
	// StopActionRequired means the job paused for a human decision.
	StopActionRequired StopReason = "action_required"
	// StopDone means the job reached the final stage and succeeded.
	StopDone StopReason = "done"
	// StopFailed means the job failed permanently during this tick.
	StopFailed StopReason = "failed"
)

// Trigger values recorded with each tick for diagnostics.
const (
	TriggerPoll        = "poll"
	TriggerRunFinished = "run_finished"
	TriggerSelection   = "selection"
	TriggerManual      = "manual"
)

// Result reports where a tick stopped.
type Result struct {
	Stage      Stage
	StopReason StopReason
}

// A single tick never needs more advances than the graph has stages; hitting
// this bound means the transition table has a cycle without a stop.
const maxStepsPerTick = 32

// Engine executes ticks against claimed jobs.
type Engine struct {
	store      *store.Store
	candidates *candidates.Controller
	leases     *lease.Manager
	cfg        *config.Config
	logger     *slog.Logger
	waitDelay  time.Duration
}

// NewEngine builds the stage engine.
func NewEngine(st *store.Store, ctrl *candidates.Controller, leases *lease.Manager, cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		store:      st,
		candidates: ctrl,
		leases:     leases,
		cfg:        cfg,
		logger:     logging.WithComponent(logger, "graph"),
		waitDelay:  cfg.Workflow.RunPoll(),
	}
}

// Tick runs the job forward from its stored stage until it stops. The caller
// must hold the job's lease. Terminal jobs are never mutated; a tick against
// one reports the stored outcome and returns. Node errors are returned
// unhandled so the caller can apply the retry disposition.
func (e *Engine) Tick(ctx context.Context, job *store.Job, trigger string) (Result, error) {
	if job == nil {
		return Result{}, faults.Wrap(faults.ErrNotFound, "", "tick", "job is nil", nil)
	}
	logger := logging.WithContext(ctx, e.logger)

	if job.Status.Terminal() {
		reason := StopDone
		if job.Status != store.JobSucceeded {
			reason = StopFailed
		}
		return Result{Stage: Stage(job.Stage), StopReason: reason}, nil
	}
	if job.HasRequiredAction() {
		return Result{Stage: Stage(job.Stage), StopReason: StopActionRequired}, nil
	}

	current := job
	for steps := 0; steps < maxStepsPerTick; steps++ {
		stage := Stage(current.Stage)
		if !Known(stage) {
			return Result{}, faults.Wrap(faults.ErrIntegrity, current.Stage, "tick", "unknown stage", nil)
		}

		out, err := e.step(ctx, current, stage)
		if err != nil {
			return Result{Stage: stage}, err
		}

		switch out.kind {
		case advanceOutcome:
			if !CanTransition(stage, out.next) {
				return Result{}, faults.Wrap(faults.ErrIntegrity, string(stage), "tick",
					"illegal transition to "+string(out.next), nil)
			}
			patch := statedoc.Merge(out.patch, tickMeta(out.next, "", trigger))
			if _, err := e.store.PatchComputedAndStage(ctx, current.ID, patch, string(out.next), Progress(out.next)); err != nil {
				return Result{Stage: stage}, err
			}
			logger.Info("stage advanced",
				logging.String(logging.FieldJobID, current.ID),
				logging.String("from", string(stage)),
				logging.String("to", string(out.next)))
			current, err = e.reload(ctx, current.ID)
			if err != nil {
				return Result{Stage: out.next}, err
			}

		case waitOutcome:
			patch := statedoc.Merge(out.patch, tickMeta(stage, StopWaiting, trigger))
			if _, err := e.store.PatchComputed(ctx, current.ID, patch); err != nil {
				return Result{Stage: stage}, err
			}
			if err := e.store.RequeueJob(ctx, current.ID, e.waitDelay); err != nil {
				return Result{Stage: stage}, err
			}
			return Result{Stage: stage, StopReason: StopWaiting}, nil

		case pauseOutcome:
			patch := statedoc.Merge(out.patch, tickMeta(stage, StopActionRequired, trigger))
			if _, err := e.store.PatchComputed(ctx, current.ID, patch); err != nil {
				return Result{Stage: stage}, err
			}
			if err := e.store.PauseJob(ctx, current.ID, *out.action); err != nil {
				return Result{Stage: stage}, err
			}
			logger.Info("job paused for decision",
				logging.String(logging.FieldJobID, current.ID),
				logging.String("action", out.action.Type))
			return Result{Stage: stage, StopReason: StopActionRequired}, nil

		case doneOutcome:
			patch := statedoc.Merge(out.patch, tickMeta(stage, StopDone, trigger))
			if _, err := e.store.PatchComputed(ctx, current.ID, patch); err != nil {
				return Result{Stage: stage}, err
			}
			current, err = e.reload(ctx, current.ID)
			if err != nil {
				return Result{Stage: stage}, err
			}
			if err := e.leases.CompleteWithSanityCheck(ctx, current, finalMediaRecorded); err != nil {
				return Result{Stage: stage}, err
			}
			logger.Info("job finished", logging.String(logging.FieldJobID, current.ID))
			return Result{Stage: stage, StopReason: StopDone}, nil

		case failOutcome:
			if err := e.store.FailJob(ctx, current.ID, out.failCode, out.failMessage); err != nil {
				return Result{Stage: stage}, err
			}
			logger.Warn("job failed",
				logging.String(logging.FieldJobID, current.ID),
				logging.String("code", out.failCode),
				logging.String("detail", out.failMessage))
			return Result{Stage: stage, StopReason: StopFailed}, nil
		}
	}
	return Result{}, faults.Wrap(faults.ErrIntegrity, job.Stage, "tick", "stage loop did not stop", nil)
}

func (e *Engine) reload(ctx context.Context, jobID string) (*store.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, faults.Wrap(faults.ErrIntegrity, "", "tick", "job vanished mid-tick", nil)
	}
	return job, nil
}

// finalMediaRecorded is the completion check: a job may only succeed with a
// composed output recorded in the computed document.
func finalMediaRecorded(job *store.Job) error {
	computed, err := statedoc.FromJSON(job.ComputedJSON)
	if err != nil {
		return err
	}
	if statedoc.GetString(computed, "final.media_ref") == "" {
		return faults.Wrap(faults.ErrIntegrity, job.Stage, "complete", "no final media recorded", nil)
	}
	return nil
}

func tickMeta(stage Stage, reason StopReason, trigger string) statedoc.Doc {
	return statedoc.Doc{
		"graph": statedoc.Doc{
			"stage":        string(stage),
			"stop_reason":  string(reason),
			"last_trigger": trigger,
			"last_tick_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
}

type outcomeKind int

const (
	advanceOutcome outcomeKind = iota
	waitOutcome
	pauseOutcome
	doneOutcome
	failOutcome
)

// outcome is what a node function hands back to the tick loop.
type outcome struct {
	kind        outcomeKind
	next        Stage
	patch       statedoc.Doc
	action      *store.RequiredAction
	failCode    string
	failMessage string
}

func advance(next Stage, patch statedoc.Doc) outcome {
	return outcome{kind: advanceOutcome, next: next, patch: patch}
}

func wait(patch statedoc.Doc) outcome {
	return outcome{kind: waitOutcome, patch: patch}
}

func pause(action *store.RequiredAction, patch statedoc.Doc) outcome {
	return outcome{kind: pauseOutcome, action: action, patch: patch}
}

func done(patch statedoc.Doc) outcome {
	return outcome{kind: doneOutcome, patch: patch}
}

func failed(code, message string) outcome {
	return outcome{kind: failOutcome, failCode: code, failMessage: message}
}
