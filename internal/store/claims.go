package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ClaimNextJobs atomically claims up to limit runnable jobs of the given
// kind, oldest first, marking each running with a fresh lease. The single
// conditional update keeps two pollers from ever claiming the same row.
func (s *Store) ClaimNextJobs(ctx context.Context, kind string, limit int, leaseTimeout time.Duration) ([]*Job, error) {
	ctx = ensureContext(ctx)
	var claimed []*Job
	for len(claimed) < limit {
		job, err := s.claimOneJob(ctx, kind, leaseTimeout)
		if err != nil {
			return claimed, err
		}
		if job == nil {
			break
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (s *Store) claimOneJob(ctx context.Context, kind string, leaseTimeout time.Duration) (*Job, error) {
	now := time.Now().UTC()
	var job *Job
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`UPDATE jobs SET status = ?, attempt_count = attempt_count + 1,
                lease_expires_at = ?, updated_at = ?
             WHERE id = (
                 SELECT id FROM jobs
                 WHERE kind = ? AND status = ? AND next_run_at <= ?
                   AND required_action_json IS NULL
                 ORDER BY created_at LIMIT 1
             )
             RETURNING `+jobColumns,
			JobRunning,
			formatTime(now.Add(leaseTimeout)),
			formatTime(now),
			kind,
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

// RescheduleJob returns a failed attempt to the queue with exponential
// backoff, capped at one minute. The attempt count set during claim is kept
// so the backoff and the max-tries check both see it.
func (s *Store) RescheduleJob(ctx context.Context, jobID string, attempt int, errorCode, errorMessage string) error {
	now := time.Now().UTC()
	_, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, next_run_at = ?, error_code = ?, error_message = ?,
            lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		JobQueued,
		formatTime(now.Add(RetryBackoff(attempt))),
		nullableString(errorCode),
		nullableString(errorMessage),
		formatTime(now),
		jobID,
		JobRunning,
	)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// RetryBackoff computes the delay before attempt N runs again:
// 5s, 10s, 20s, 40s, then a flat 60s ceiling.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := 5 * time.Second << (attempt - 1)
	if attempt > 5 || delay > time.Minute {
		return time.Minute
	}
	return delay
}

// UpdateJobHeartbeat extends the lease on a running job. Returns false when
// the job is no longer running, which tells the worker its lease was lost.
func (s *Store) UpdateJobHeartbeat(ctx context.Context, jobID string, leaseTimeout time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET lease_expires_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		formatTime(now.Add(leaseTimeout)),
		formatTime(now),
		jobID,
		JobRunning,
	)
	if err != nil {
		return false, fmt.Errorf("update heartbeat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ReclaimExpiredLeases requeues running jobs whose lease lapsed, typically
// after a worker crash. Returns the ids of reclaimed jobs.
func (s *Store) ReclaimExpiredLeases(ctx context.Context) ([]string, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()

	var reclaimed []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM jobs WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
			JobRunning,
			formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("find expired leases: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			reclaimed = append(reclaimed, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(reclaimed) == 0 {
			return nil
		}

		placeholders := makePlaceholders(len(reclaimed))
		args := []any{JobQueued, formatTime(now), formatTime(now)}
		for _, id := range reclaimed {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, next_run_at = ?, lease_expires_at = NULL, updated_at = ?
             WHERE id IN (`+placeholders+`)`,
			args...,
		); err != nil {
			return fmt.Errorf("requeue expired jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}
