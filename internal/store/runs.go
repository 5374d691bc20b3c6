package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const runColumns = "id, job_id, provider, idempotency_key, status, request_json, response_json, meta_json, claimed_at, finished_at, created_at, updated_at"

// EnqueueRun inserts a provider run keyed by its idempotency key. When a run
// with the same key already exists the existing row is returned and
// enqueued=false, so repeating a fan-out after a crash never doubles work.
func (s *Store) EnqueueRun(ctx context.Context, run *ProviderRun) (*ProviderRun, bool, error) {
	if run == nil {
		return nil, false, errors.New("run is nil")
	}
	if run.IdempotencyKey == "" {
		return nil, false, errors.New("run idempotency key is empty")
	}
	metaJSON, err := json.Marshal(run.Meta)
	if err != nil {
		return nil, false, fmt.Errorf("encode run meta: %w", err)
	}
	now := time.Now().UTC()

	res, err := s.execWithRetry(ctx,
		`INSERT INTO provider_runs (
            job_id, provider, idempotency_key, status, request_json, response_json,
            meta_json, claimed_at, finished_at, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, NULL, ?, NULL, NULL, ?, ?)
        ON CONFLICT (idempotency_key) DO NOTHING`,
		run.JobID,
		run.Provider,
		run.IdempotencyKey,
		RunCreated,
		nullableString(run.RequestJSON),
		string(metaJSON),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	existing, err := s.RunByIdempotencyKey(ctx, run.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("enqueue run: key %s missing after insert", run.IdempotencyKey)
	}
	return existing, affected > 0, nil
}

// RunByIdempotencyKey fetches a run by its idempotency key, or nil.
func (s *Store) RunByIdempotencyKey(ctx context.Context, key string) (*ProviderRun, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+runColumns+` FROM provider_runs WHERE idempotency_key = ?`, key)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("run by idempotency key: %w", err)
	}
	return run, nil
}

// GetRun fetches a run by identifier, or nil when absent.
func (s *Store) GetRun(ctx context.Context, id int64) (*ProviderRun, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+runColumns+` FROM provider_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ClaimNextRun atomically claims the oldest created run, or returns nil when
// the queue is drained. The conditional update is the claim; at most one
// worker ever sees a given row transition to running.
func (s *Store) ClaimNextRun(ctx context.Context) (*ProviderRun, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	var run *ProviderRun
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`UPDATE provider_runs SET status = ?, claimed_at = ?, updated_at = ?
             WHERE id = (
                 SELECT id FROM provider_runs
                 WHERE status = ?
                 ORDER BY created_at, id LIMIT 1
             )
             RETURNING `+runColumns,
			RunRunning,
			formatTime(now),
			formatTime(now),
			RunCreated,
		)
		scanned, scanErr := scanRun(row)
		if errors.Is(scanErr, sql.ErrNoRows) {
			run = nil
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		run = scanned
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	return run, nil
}

// SetRunResult resolves a running run. A false return means the row already
// left the running state, so the caller's result must be dropped.
func (s *Store) SetRunResult(ctx context.Context, id int64, status RunStatus, responseJSON string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("set run result: %s is not a terminal status", status)
	}
	now := time.Now().UTC()
	res, err := s.execWithRetry(ctx,
		`UPDATE provider_runs SET status = ?, response_json = ?, finished_at = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		status,
		nullableString(responseJSON),
		formatTime(now),
		formatTime(now),
		id,
		RunRunning,
	)
	if err != nil {
		return false, fmt.Errorf("set run result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// AbandonStaleRuns resolves runs stuck in running longer than maxAge as
// abandoned, typically after a worker crash mid-call. Returns the count.
func (s *Store) AbandonStaleRuns(ctx context.Context, maxAge time.Duration) (int, error) {
	now := time.Now().UTC()
	res, err := s.execWithRetry(ctx,
		`UPDATE provider_runs SET status = ?, finished_at = ?, updated_at = ?
         WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at <= ?`,
		RunAbandoned,
		formatTime(now),
		formatTime(now),
		RunRunning,
		formatTime(now.Add(-maxAge)),
	)
	if err != nil {
		return 0, fmt.Errorf("abandon stale runs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

// RunsForJob returns every provider run attached to a job, oldest first.
func (s *Store) RunsForJob(ctx context.Context, jobID string) ([]*ProviderRun, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+runColumns+` FROM provider_runs WHERE job_id = ? ORDER BY created_at, id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("runs for job: %w", err)
	}
	defer rows.Close()

	var runs []*ProviderRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunQueueDepth reports how many runs are waiting for a worker overall.
func (s *Store) RunQueueDepth(ctx context.Context) (int, error) {
	var count int
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(1) FROM provider_runs WHERE status = ?`, RunCreated)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("run queue depth: %w", err)
	}
	return count, nil
}

// PendingRunCount reports how many runs for a job are still unresolved.
func (s *Store) PendingRunCount(ctx context.Context, jobID string) (int, error) {
	var count int
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(1) FROM provider_runs WHERE job_id = ? AND status IN (?, ?)`,
		jobID, RunCreated, RunRunning,
	)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("pending run count: %w", err)
	}
	return count, nil
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (*ProviderRun, error) {
	var (
		id         int64
		jobID      string
		provider   string
		key        string
		statusStr  string
		request    sql.NullString
		response   sql.NullString
		metaJSON   string
		claimedRaw sql.NullString
		finishRaw  sql.NullString
		createdRaw sql.NullString
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(
		&id, &jobID, &provider, &key, &statusStr,
		&request, &response, &metaJSON,
		&claimedRaw, &finishRaw, &createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}

	run := &ProviderRun{
		ID:             id,
		JobID:          jobID,
		Provider:       provider,
		IdempotencyKey: key,
		Status:         RunStatus(statusStr),
		RequestJSON:    request.String,
		ResponseJSON:   response.String,
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &run.Meta); err != nil {
			return nil, fmt.Errorf("decode run meta: %w", err)
		}
	}
	if claimedRaw.Valid {
		if t, err := parseTimeString(claimedRaw.String); err == nil {
			run.ClaimedAt = &t
		}
	}
	if finishRaw.Valid {
		if t, err := parseTimeString(finishRaw.String); err == nil {
			run.FinishedAt = &t
		}
	}
	if t, err := parseTimeString(createdRaw.String); err == nil {
		run.CreatedAt = t
	}
	if t, err := parseTimeString(updatedRaw.String); err == nil {
		run.UpdatedAt = t
	}
	return run, nil
}
