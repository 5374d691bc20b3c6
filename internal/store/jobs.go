package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"maestro/internal/statedoc"
)

// ErrComputedConflict is returned when a compare-and-swap update of the
// computed document keeps losing against concurrent writers.
var ErrComputedConflict = errors.New("computed document conflict")

const computedCASAttempts = 5

const jobColumns = "id, kind, stage, status, progress, input_json, computed_json, computed_rev, required_action_json, error_code, error_message, attempt_count, next_run_at, lease_expires_at, request_hash, created_at, updated_at"

// InsertJob persists a new job. When another job with the same request hash
// already exists, that job is returned instead and inserted=false.
func (s *Store) InsertJob(ctx context.Context, job *Job) (*Job, bool, error) {
	if job == nil {
		return nil, false, errors.New("job is nil")
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	if job.ComputedJSON == "" {
		job.ComputedJSON = "{}"
	}

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            id, kind, stage, status, progress, input_json, computed_json, computed_rev,
            required_action_json, error_code, error_message, attempt_count,
            next_run_at, lease_expires_at, request_hash, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (request_hash) DO NOTHING`,
		job.ID,
		job.Kind,
		job.Stage,
		job.Status,
		job.Progress,
		job.InputJSON,
		job.ComputedJSON,
		job.ComputedRev,
		nullableString(job.RequiredActionJSON),
		nullableString(job.ErrorCode),
		nullableString(job.ErrorMessage),
		job.AttemptCount,
		formatTime(job.NextRunAt),
		nullableTime(job.LeaseExpiresAt),
		nullableString(job.RequestHash),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		existing, err := s.FindJobByRequestHash(ctx, job.RequestHash)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, errors.New("insert job: conflict with no matching request hash")
		}
		return existing, false, nil
	}
	return job, true, nil
}

// GetJob fetches a job by identifier, or nil when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// FindJobByRequestHash returns the job created for a request hash, if any.
func (s *Store) FindJobByRequestHash(ctx context.Context, hash string) (*Job, error) {
	if hash == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE request_hash = ?`, hash)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find job by request hash: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs filtered by status set, oldest first. With no
// statuses, all jobs are returned.
func (s *Store) ListJobs(ctx context.Context, statuses ...JobStatus) ([]*Job, error) {
	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ensureContext(ctx), baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ensureContext(ctx), baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// PatchComputed merges patch into the job's computed document under a
// compare-and-swap on computed_rev, retrying a bounded number of times when a
// concurrent writer wins the race. It returns the merged document.
func (s *Store) PatchComputed(ctx context.Context, jobID string, patch statedoc.Doc) (statedoc.Doc, error) {
	return s.patchComputedAnd(ctx, jobID, patch, nil)
}

// PatchComputedAndStage merges patch and moves the job to a new stage and
// progress value in the same update, so a node's output and its stage
// transition commit together.
func (s *Store) PatchComputedAndStage(ctx context.Context, jobID string, patch statedoc.Doc, stage string, progress int) (statedoc.Doc, error) {
	return s.patchComputedAnd(ctx, jobID, patch, func(set *jobFieldSet) {
		set.stage = &stage
		set.progress = &progress
	})
}

type jobFieldSet struct {
	stage          *string
	progress       *int
	requiredAction *string
}

func (s *Store) patchComputedAnd(ctx context.Context, jobID string, patch statedoc.Doc, extra func(*jobFieldSet)) (statedoc.Doc, error) {
	ctx = ensureContext(ctx)
	for attempt := 0; attempt < computedCASAttempts; attempt++ {
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, fmt.Errorf("patch computed: job %s not found", jobID)
		}

		base, err := statedoc.FromJSON(job.ComputedJSON)
		if err != nil {
			return nil, err
		}
		merged := statedoc.Merge(base, patch)
		encoded, err := statedoc.ToJSON(merged)
		if err != nil {
			return nil, err
		}

		set := jobFieldSet{}
		if extra != nil {
			extra(&set)
		}
		query := `UPDATE jobs SET computed_json = ?, computed_rev = computed_rev + 1, updated_at = ?`
		args := []any{encoded, formatTime(time.Now().UTC())}
		if set.stage != nil {
			query += `, stage = ?`
			args = append(args, *set.stage)
		}
		if set.progress != nil {
			query += `, progress = ?`
			args = append(args, *set.progress)
		}
		if set.requiredAction != nil {
			query += `, required_action_json = ?`
			args = append(args, nullableString(*set.requiredAction))
		}
		query += ` WHERE id = ? AND computed_rev = ?`
		args = append(args, jobID, job.ComputedRev)

		res, err := s.execWithRetry(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("patch computed: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if affected == 1 {
			return merged, nil
		}
		// Lost the CAS race; reload and retry.
	}
	return nil, fmt.Errorf("%w: job %s", ErrComputedConflict, jobID)
}

// ClaimJob claims one specific runnable job, returning nil when it is not
// currently claimable. Used by externally triggered ticks.
func (s *Store) ClaimJob(ctx context.Context, jobID string, leaseTimeout time.Duration) (*Job, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	var job *Job
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`UPDATE jobs SET status = ?, attempt_count = attempt_count + 1,
                lease_expires_at = ?, updated_at = ?
             WHERE id = ? AND status = ? AND next_run_at <= ? AND required_action_json IS NULL
             RETURNING `+jobColumns,
			JobRunning,
			formatTime(now.Add(leaseTimeout)),
			formatTime(now),
			jobID,
			JobQueued,
			formatTime(now),
		)
		scanned, scanErr := scanJob(row)
		if errors.Is(scanErr, sql.ErrNoRows) {
			job = nil
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		job = scanned
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// PauseJob records a pending human decision and releases the lease. The job
// stays in running status but is invisible to claimers and the sweeper until
// the action is resolved.
func (s *Store) PauseJob(ctx context.Context, jobID string, action RequiredAction) error {
	encoded, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode required action: %w", err)
	}
	_, err = s.execWithRetry(
		ctx,
		`UPDATE jobs SET required_action_json = ?, lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		string(encoded),
		formatTime(time.Now().UTC()),
		jobID,
		JobRunning,
	)
	if err != nil {
		return fmt.Errorf("pause job: %w", err)
	}
	return nil
}

// SetRequiredAction pauses the job on a pending human decision.
func (s *Store) SetRequiredAction(ctx context.Context, jobID string, action RequiredAction) error {
	encoded, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode required action: %w", err)
	}
	_, err = s.execWithRetry(
		ctx,
		`UPDATE jobs SET required_action_json = ?, updated_at = ? WHERE id = ?`,
		string(encoded),
		formatTime(time.Now().UTC()),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("set required action: %w", err)
	}
	return nil
}

// CompleteJob marks a job succeeded and releases its lease.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, progress = 100, error_code = NULL, error_message = NULL,
            lease_expires_at = NULL, updated_at = ? WHERE id = ?`,
		JobSucceeded,
		formatTime(time.Now().UTC()),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailJob marks a job permanently failed with a stable error code.
func (s *Store) FailJob(ctx context.Context, jobID, code, message string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, error_code = ?, error_message = ?,
            lease_expires_at = NULL, updated_at = ? WHERE id = ?`,
		JobFailed,
		nullableString(code),
		nullableString(message),
		formatTime(time.Now().UTC()),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// CancelJob marks a job cancelled. Terminal jobs are left untouched.
func (s *Store) CancelJob(ctx context.Context, jobID string) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND status IN (?, ?)`,
		JobCancelled,
		formatTime(time.Now().UTC()),
		jobID,
		JobQueued,
		JobRunning,
	)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// RetryJob returns a failed job to the queue with a fresh attempt budget and
// cleared error state. Jobs in any other status are left untouched.
func (s *Store) RetryJob(ctx context.Context, jobID string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, error_code = NULL, error_message = NULL,
             attempt_count = 0, next_run_at = ?, lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		JobQueued,
		formatTime(now),
		formatTime(now),
		jobID,
		JobFailed,
	)
	if err != nil {
		return false, fmt.Errorf("retry job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClearJobs deletes jobs in the given statuses. Candidates and provider runs
// cascade with the job rows.
func (s *Store) ClearJobs(ctx context.Context, statuses ...JobStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = status
	}
	res, err := s.execWithRetry(
		ctx,
		fmt.Sprintf(`DELETE FROM jobs WHERE status IN (%s)`, strings.Join(placeholders, ", ")),
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("clear jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

// RequeueJob returns a running job to the queue without counting an attempt,
// used when a tick stopped on waiting_parallel or action_required.
func (s *Store) RequeueJob(ctx context.Context, jobID string, delay time.Duration) error {
	now := time.Now().UTC()
	_, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, next_run_at = ?, lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		JobQueued,
		formatTime(now.Add(delay)),
		formatTime(now),
		jobID,
		JobRunning,
	)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

// NudgeJob makes a queued job immediately runnable, so an external event such
// as a finished provider run or a human selection does not wait out the poll
// interval.
func (s *Store) NudgeJob(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	_, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET next_run_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		formatTime(now),
		formatTime(now),
		jobID,
		JobQueued,
	)
	if err != nil {
		return fmt.Errorf("nudge job: %w", err)
	}
	return nil
}

// JobStats returns a count of jobs grouped by status.
func (s *Store) JobStats(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates job state for diagnostic output. Paused counts jobs with
// a pending required action regardless of queue status.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.JobStats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case JobQueued:
			health.Queued += count
		case JobRunning:
			health.Running += count
		case JobSucceeded:
			health.Succeeded += count
		case JobFailed:
			health.Failed += count
		}
	}
	var paused int
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(1) FROM jobs WHERE required_action_json IS NOT NULL AND status NOT IN (?, ?, ?)`,
		JobSucceeded, JobFailed, JobCancelled,
	)
	if err := row.Scan(&paused); err != nil {
		return HealthSummary{}, fmt.Errorf("count paused jobs: %w", err)
	}
	health.Paused = paused
	return health, nil
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id           string
		kind         string
		stage        string
		statusStr    string
		progress     int
		inputJSON    string
		computed     string
		computedRev  int64
		action       sql.NullString
		errorCode    sql.NullString
		errorMessage sql.NullString
		attemptCount int
		nextRunRaw   sql.NullString
		leaseRaw     sql.NullString
		requestHash  sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&kind,
		&stage,
		&statusStr,
		&progress,
		&inputJSON,
		&computed,
		&computedRev,
		&action,
		&errorCode,
		&errorMessage,
		&attemptCount,
		&nextRunRaw,
		&leaseRaw,
		&requestHash,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:                 id,
		Kind:               kind,
		Stage:              stage,
		Status:             JobStatus(statusStr),
		Progress:           progress,
		InputJSON:          inputJSON,
		ComputedJSON:       computed,
		ComputedRev:        computedRev,
		RequiredActionJSON: action.String,
		ErrorCode:          errorCode.String,
		ErrorMessage:       errorMessage.String,
		AttemptCount:       attemptCount,
		RequestHash:        requestHash.String,
	}
	if t, err := parseTimeString(nextRunRaw.String); err == nil {
		job.NextRunAt = t
	}
	if leaseRaw.Valid {
		if t, err := parseTimeString(leaseRaw.String); err == nil {
			job.LeaseExpiresAt = &t
		}
	}
	if t, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = t
	}
	if t, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = t
	}
	return job, nil
}
