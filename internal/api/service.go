// Package api implements the job-facing operations shared by the HTTP server
// and the command line client: idempotent submission, status and candidate
// views, human selection, cancellation, and externally triggered ticks.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"maestro/internal/candidates"
	"maestro/internal/config"
	"maestro/internal/faults"
	"maestro/internal/graph"
	"maestro/internal/lease"
	"maestro/internal/logging"
	"maestro/internal/statedoc"
	"maestro/internal/store"
)

// JobKind is the kind assigned to submitted jobs.
const JobKind = "song"

// Service exposes the job operations.
type Service struct {
	store    *store.Store
	engine   *graph.Engine
	ctrl     *candidates.Controller
	leases   *lease.Manager
	cfg      *config.Config
	logger   *slog.Logger
	validate *validator.Validate
}

// NewService wires a service from already-constructed components.
func NewService(st *store.Store, engine *graph.Engine, ctrl *candidates.Controller, leases *lease.Manager, cfg *config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		store:    st,
		engine:   engine,
		ctrl:     ctrl,
		leases:   leases,
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "api"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// CreateJobRequest is one job submission. Either a brief to generate from or
// an audio URL to build on must be supplied.
type CreateJobRequest struct {
	Title           string  `json:"title,omitempty" validate:"max=200"`
	Brief           string  `json:"brief,omitempty" validate:"required_without=AudioURL,max=4000"`
	Style           string  `json:"style,omitempty" validate:"max=200"`
	Language        string  `json:"language,omitempty" validate:"max=16"`
	AudioURL        string  `json:"audio_url,omitempty" validate:"omitempty,uri"`
	Lyrics          string  `json:"lyrics,omitempty" validate:"max=20000"`
	DurationSeconds float64 `json:"duration_seconds,omitempty" validate:"omitempty,gt=0,lte=600"`
	// Selection overrides the daemon default for candidate selection. "hitl"
	// pauses every fan-in for a human choice, "autopilot" promotes the best
	// score automatically, empty uses the configured default.
	Selection string `json:"selection,omitempty" validate:"omitempty,oneof=hitl autopilot"`
}

// CreateJob validates and submits a job. Resubmitting an identical request
// returns the already-created job with created=false.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*store.Job, bool, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, false, faults.Wrap(faults.ErrValidation, "", "create job", validationDetail(err), err)
	}

	inputJSON, err := json.Marshal(req)
	if err != nil {
		return nil, false, fmt.Errorf("encode job input: %w", err)
	}
	job := &store.Job{
		ID:          uuid.NewString(),
		Kind:        JobKind,
		Stage:       string(graph.StageIntent),
		Status:      store.JobQueued,
		Progress:    graph.Progress(graph.StageIntent),
		InputJSON:   string(inputJSON),
		RequestHash: requestHash(req),
	}
	inserted, created, err := s.store.InsertJob(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info("job submitted",
			logging.String(logging.FieldJobID, inserted.ID),
			logging.String("title", req.Title))
	}
	return inserted, created, nil
}

// requestHash canonicalizes a submission for idempotent inserts. Marshaling
// the struct fixes the field order, so equal requests always hash equal.
func requestHash(req CreateJobRequest) string {
	encoded, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

func validationDetail(err error) string {
	var invalid []string
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			invalid = append(invalid, fe.Field())
		}
	}
	if len(invalid) == 0 {
		return "invalid request"
	}
	return "invalid fields: " + strings.Join(invalid, ", ")
}

// CandidateView is the selection-facing shape of one candidate.
type CandidateView struct {
	ID           string  `json:"id"`
	VariantIndex int     `json:"variant_index"`
	Provider     string  `json:"provider"`
	Status       string  `json:"status"`
	Score        float64 `json:"score"`
	MediaRef     string  `json:"media_ref,omitempty"`
	Preview      string  `json:"preview,omitempty"`
}

// JobStatus is the external view of one job.
type JobStatus struct {
	ID             string                `json:"id"`
	Kind           string                `json:"kind"`
	Stage          string                `json:"stage"`
	Status         string                `json:"status"`
	Progress       int                   `json:"progress"`
	Title          string                `json:"title,omitempty"`
	ErrorCode      string                `json:"error_code,omitempty"`
	ErrorMessage   string                `json:"error_message,omitempty"`
	RequiredAction *store.RequiredAction `json:"required_action,omitempty"`
	Candidates     []CandidateView       `json:"candidates,omitempty"`
	FinalMediaRef  string                `json:"final_media_ref,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// previewLimit bounds how much candidate content a status view inlines.
const previewLimit = 280

// GetStatus returns the external view of a job, including the pending
// selection's candidates when the job is paused.
func (s *Service) GetStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, faults.Wrap(faults.ErrNotFound, "", "get status", "job "+jobID+" not found", nil)
	}

	status := &JobStatus{
		ID:           job.ID,
		Kind:         job.Kind,
		Stage:        job.Stage,
		Status:       string(job.Status),
		Progress:     job.Progress,
		ErrorCode:    job.ErrorCode,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if computed, err := statedoc.FromJSON(job.ComputedJSON); err == nil {
		status.Title = statedoc.GetString(computed, "plan.title")
		status.FinalMediaRef = statedoc.GetString(computed, "final.media_ref")
	}
	if action, ok := job.DecodeRequiredAction(); ok {
		status.RequiredAction = &action
		rows, err := s.store.CandidatesByGroup(ctx, job.ID, action.CandidateType, action.GroupID)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			status.Candidates = append(status.Candidates, candidateView(row))
		}
	}
	return status, nil
}

func candidateView(row *store.Candidate) CandidateView {
	view := CandidateView{
		ID:           row.ID,
		VariantIndex: row.VariantIndex,
		Provider:     row.Provider,
		Status:       string(row.Status),
		Score:        row.ScoreOverall(),
		MediaRef:     row.MediaRef,
	}
	if preview := strings.TrimSpace(row.ContentJSON); preview != "" {
		if len(preview) > previewLimit {
			preview = preview[:previewLimit] + "..."
		}
		view.Preview = preview
	}
	return view
}

// ListJobs returns the external view of jobs filtered by status names.
func (s *Service) ListJobs(ctx context.Context, statuses ...string) ([]*JobStatus, error) {
	filters := make([]store.JobStatus, 0, len(statuses))
	for _, status := range statuses {
		filters = append(filters, store.JobStatus(status))
	}
	jobs, err := s.store.ListJobs(ctx, filters...)
	if err != nil {
		return nil, err
	}
	views := make([]*JobStatus, 0, len(jobs))
	for _, job := range jobs {
		view, err := s.GetStatus(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// SelectCandidate applies a human selection on a paused job and wakes it, so
// the resumed tick does not wait out the poll interval.
func (s *Service) SelectCandidate(ctx context.Context, jobID, candidateID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return faults.Wrap(faults.ErrNotFound, "", "select candidate", "job "+jobID+" not found", nil)
	}
	if !job.HasRequiredAction() {
		return faults.Wrap(faults.ErrValidation, job.Stage, "select candidate", "job has no pending selection", nil)
	}
	if err := s.ctrl.Choose(ctx, jobID, candidateID); err != nil {
		return err
	}
	if err := s.store.NudgeJob(ctx, jobID); err != nil {
		s.logger.Warn("nudge after selection failed", logging.Error(err))
	}
	s.logger.Info("candidate selected",
		logging.String(logging.FieldJobID, jobID),
		logging.String("candidate_id", candidateID))
	return nil
}

// CancelJob cancels a queued or running job. Terminal jobs are refused.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return faults.Wrap(faults.ErrNotFound, "", "cancel job", "job "+jobID+" not found", nil)
	}
	cancelled, err := s.store.CancelJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !cancelled {
		return faults.Wrap(faults.ErrValidation, job.Stage, "cancel job",
			fmt.Sprintf("job is already %s", job.Status), nil)
	}
	s.logger.Info("job cancelled", logging.String(logging.FieldJobID, jobID))
	return nil
}

// RetryJob requeues a failed job with a fresh attempt budget. The computed
// document is kept, so replayed nodes skip work that already produced its
// side effect.
func (s *Service) RetryJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return faults.Wrap(faults.ErrNotFound, "", "retry job", "job "+jobID+" not found", nil)
	}
	retried, err := s.store.RetryJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !retried {
		return faults.Wrap(faults.ErrValidation, job.Stage, "retry job",
			fmt.Sprintf("only failed jobs can be retried, job is %s", job.Status), nil)
	}
	s.logger.Info("job requeued for retry", logging.String(logging.FieldJobID, jobID))
	return nil
}

// ClearJobs deletes terminal jobs and their candidates and runs. With no
// statuses it clears every terminal status; a non-terminal status is refused.
func (s *Service) ClearJobs(ctx context.Context, statuses ...string) (int, error) {
	targets := make([]store.JobStatus, 0, len(statuses))
	if len(statuses) == 0 {
		targets = append(targets, store.JobSucceeded, store.JobFailed, store.JobCancelled)
	}
	for _, raw := range statuses {
		status := store.JobStatus(raw)
		if !status.Terminal() {
			return 0, faults.Wrap(faults.ErrValidation, "", "clear jobs",
				fmt.Sprintf("cannot clear jobs in non-terminal status %q", raw), nil)
		}
		targets = append(targets, status)
	}
	cleared, err := s.store.ClearJobs(ctx, targets...)
	if err != nil {
		return 0, err
	}
	if cleared > 0 {
		s.logger.Info("cleared jobs", logging.Int("count", cleared))
	}
	return cleared, nil
}

// TickJob forces one immediate tick of a queued job and reports where it
// stopped. Tick errors are disposed with the same retry policy the background
// poller applies.
func (s *Service) TickJob(ctx context.Context, jobID string) (graph.Result, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return graph.Result{}, err
	}
	if job == nil {
		return graph.Result{}, faults.Wrap(faults.ErrNotFound, "", "tick job", "job "+jobID+" not found", nil)
	}
	if job.Status.Terminal() || job.HasRequiredAction() {
		// Terminal and paused jobs report their stored state without a claim.
		return s.engine.Tick(ctx, job, graph.TriggerManual)
	}

	if err := s.store.NudgeJob(ctx, jobID); err != nil {
		return graph.Result{}, err
	}
	claimed, err := s.store.ClaimJob(ctx, jobID, s.cfg.Workflow.Lease())
	if err != nil {
		return graph.Result{}, err
	}
	if claimed == nil {
		return graph.Result{}, faults.Wrap(faults.ErrValidation, job.Stage, "tick job", "job is not claimable", nil)
	}

	res, err := s.engine.Tick(ctx, claimed, graph.TriggerManual)
	if err != nil {
		if faults.Dispose(err) == faults.DispositionFail {
			if failErr := s.store.FailJob(ctx, jobID, faults.Code(err), err.Error()); failErr != nil {
				s.logger.Warn("record permanent failure failed", logging.Error(failErr))
			}
		} else if resErr := s.leases.Reschedule(ctx, claimed, faults.Code(err), err.Error()); resErr != nil {
			s.logger.Warn("reschedule failed", logging.Error(resErr))
		}
		return graph.Result{}, err
	}
	return res, nil
}
