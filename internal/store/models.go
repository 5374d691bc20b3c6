package store

import (
	"encoding/json"
	"strings"
	"time"
)

// JobStatus represents the lifecycle of a job row.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether a job can no longer be mutated by the engine.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// CandidateStatus represents the lifecycle of one fan-out attempt.
type CandidateStatus string

const (
	CandidateQueued    CandidateStatus = "queued"
	CandidateRunning   CandidateStatus = "running"
	CandidateSucceeded CandidateStatus = "succeeded"
	CandidateFailed    CandidateStatus = "failed"
	CandidateChosen    CandidateStatus = "chosen"
	CandidateDiscarded CandidateStatus = "discarded"
	CandidateAbandoned CandidateStatus = "abandoned"
)

// Terminal reports whether the candidate has reached a final state. A group is
// terminal only when every member is.
func (s CandidateStatus) Terminal() bool {
	switch s {
	case CandidateSucceeded, CandidateFailed, CandidateChosen, CandidateDiscarded, CandidateAbandoned:
		return true
	default:
		return false
	}
}

// RunStatus represents the lifecycle of a provider run.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunAbandoned RunStatus = "abandoned"
)

// Terminal reports whether the run has resolved. Terminal runs are never
// mutated again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunAbandoned:
		return true
	default:
		return false
	}
}

// Job is the durable root record for one workflow execution.
type Job struct {
	ID                 string
	Kind               string
	Stage              string
	Status             JobStatus
	Progress           int
	InputJSON          string
	ComputedJSON       string
	ComputedRev        int64
	RequiredActionJSON string
	ErrorCode          string
	ErrorMessage       string
	AttemptCount       int
	NextRunAt          time.Time
	LeaseExpiresAt     *time.Time
	RequestHash        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasRequiredAction reports whether the job is paused on a human decision.
func (j *Job) HasRequiredAction() bool {
	return strings.TrimSpace(j.RequiredActionJSON) != ""
}

// RequiredAction describes a pending human decision on a paused job.
type RequiredAction struct {
	Type          string `json:"type"`
	CandidateType string `json:"candidate_type,omitempty"`
	GroupID       string `json:"group_id,omitempty"`
	MinSelect     int    `json:"min_select,omitempty"`
	MaxSelect     int    `json:"max_select,omitempty"`
}

// DecodeRequiredAction parses the pending action, if any.
func (j *Job) DecodeRequiredAction() (RequiredAction, bool) {
	var action RequiredAction
	if !j.HasRequiredAction() {
		return action, false
	}
	if err := json.Unmarshal([]byte(j.RequiredActionJSON), &action); err != nil {
		return RequiredAction{}, false
	}
	return action, true
}

// Candidate is one parallel attempt within a fan-out group.
type Candidate struct {
	ID            string
	JobID         string
	CandidateType string
	GroupID       string
	VariantIndex  int
	Attempt       int
	Status        CandidateStatus
	Provider      string
	ContentJSON   string
	ScoreJSON     string
	MediaRef      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ScoreOverall returns score.overall, treating a missing or unparseable score
// as 0.0 so selection stays deterministic.
func (c *Candidate) ScoreOverall() float64 {
	if strings.TrimSpace(c.ScoreJSON) == "" {
		return 0
	}
	var score struct {
		Overall float64 `json:"overall"`
	}
	if err := json.Unmarshal([]byte(c.ScoreJSON), &score); err != nil {
		return 0
	}
	return score.Overall
}

// RunMeta carries the routing metadata attached to a provider run.
type RunMeta struct {
	RunType      string `json:"run_type"`
	CandidateID  string `json:"candidate_id,omitempty"`
	GroupID      string `json:"group_id,omitempty"`
	VariantIndex int    `json:"variant_index,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
}

const candidateRunSuffix = "_candidate"

// Run types for work that is not a fan-out candidate.
const (
	RunTypeAlignLyrics  = "align_lyrics"
	RunTypeComposeMedia = "compose_media"
)

// IsCandidateRun reports whether the run belongs to a fan-out candidate.
func (m RunMeta) IsCandidateRun() bool {
	return strings.HasSuffix(m.RunType, candidateRunSuffix)
}

// CandidateType returns the candidate type encoded in a candidate run type.
func (m RunMeta) CandidateType() string {
	return strings.TrimSuffix(m.RunType, candidateRunSuffix)
}

// CandidateRunType builds the run type for a candidate of the given type.
func CandidateRunType(candidateType string) string {
	return candidateType + candidateRunSuffix
}

// ProviderRun is one pending or resolved provider invocation.
type ProviderRun struct {
	ID             int64
	JobID          string
	Provider       string
	IdempotencyKey string
	Status         RunStatus
	RequestJSON    string
	ResponseJSON   string
	Meta           RunMeta
	ClaimedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HealthSummary aggregates job counts per key lifecycle state.
type HealthSummary struct {
	Total     int
	Queued    int
	Running   int
	Paused    int
	Succeeded int
	Failed    int
}
