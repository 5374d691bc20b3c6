package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"maestro/internal/statedoc"
)

const candidateColumns = "id, job_id, candidate_type, group_id, variant_index, attempt, status, provider, content_json, score_json, media_ref, created_at, updated_at"

// ErrCandidateNotSelectable is returned when a selection targets a candidate
// that did not succeed or does not belong to the pending group.
var ErrCandidateNotSelectable = errors.New("candidate not selectable")

// InsertCandidates writes a batch of candidate rows in one transaction. Rows
// that already exist for the same (job, type, group, variant) slot are left
// untouched, so re-running a fan-out after a crash creates nothing new.
func (s *Store) InsertCandidates(ctx context.Context, candidates []*Candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.withTx(ensureContext(ctx), func(tx *sql.Tx) error {
		for _, cand := range candidates {
			cand.CreatedAt = now
			cand.UpdatedAt = now
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO candidates (
                    id, job_id, candidate_type, group_id, variant_index, attempt,
                    status, provider, content_json, score_json, media_ref, created_at, updated_at
                ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                ON CONFLICT (job_id, candidate_type, group_id, variant_index) DO NOTHING`,
				cand.ID,
				cand.JobID,
				cand.CandidateType,
				cand.GroupID,
				cand.VariantIndex,
				cand.Attempt,
				cand.Status,
				cand.Provider,
				nullableString(cand.ContentJSON),
				nullableString(cand.ScoreJSON),
				nullableString(cand.MediaRef),
				formatTime(now),
				formatTime(now),
			); err != nil {
				return fmt.Errorf("insert candidate %s: %w", cand.ID, err)
			}
		}
		return nil
	})
}

// GetCandidate fetches a candidate by identifier, or nil when absent.
func (s *Store) GetCandidate(ctx context.Context, id string) (*Candidate, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+candidateColumns+` FROM candidates WHERE id = ?`, id)
	cand, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get candidate: %w", err)
	}
	return cand, nil
}

// CandidatesByGroup returns every member of one fan-out group ordered by
// variant index, the order selection uses for tie-breaking.
func (s *Store) CandidatesByGroup(ctx context.Context, jobID, candidateType, groupID string) ([]*Candidate, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+candidateColumns+` FROM candidates
         WHERE job_id = ? AND candidate_type = ? AND group_id = ?
         ORDER BY variant_index`,
		jobID, candidateType, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("candidates by group: %w", err)
	}
	defer rows.Close()

	var candidates []*Candidate
	for rows.Next() {
		cand, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, cand)
	}
	return candidates, rows.Err()
}

// CandidatesByJob returns every candidate row attached to a job.
func (s *Store) CandidatesByJob(ctx context.Context, jobID string) ([]*Candidate, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+candidateColumns+` FROM candidates
         WHERE job_id = ?
         ORDER BY candidate_type, group_id, variant_index`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("candidates by job: %w", err)
	}
	defer rows.Close()

	var candidates []*Candidate
	for rows.Next() {
		cand, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, cand)
	}
	return candidates, rows.Err()
}

// SetCandidateRunning moves a queued candidate to running. Terminal rows are
// left untouched so a late worker cannot resurrect an abandoned attempt.
func (s *Store) SetCandidateRunning(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE candidates SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		CandidateRunning,
		formatTime(time.Now().UTC()),
		id,
		CandidateQueued,
	)
	if err != nil {
		return false, fmt.Errorf("set candidate running: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ResolveCandidate records the outcome of one candidate attempt. Only
// non-terminal rows accept a result; a false return means the attempt was
// already resolved or abandoned and the caller must discard its output.
func (s *Store) ResolveCandidate(ctx context.Context, id string, status CandidateStatus, contentJSON, scoreJSON, mediaRef string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("resolve candidate: %s is not a terminal status", status)
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE candidates SET status = ?,
            content_json = COALESCE(?, content_json),
            score_json = COALESCE(?, score_json),
            media_ref = COALESCE(?, media_ref),
            updated_at = ?
         WHERE id = ? AND status IN (?, ?)`,
		status,
		nullableString(contentJSON),
		nullableString(scoreJSON),
		nullableString(mediaRef),
		formatTime(time.Now().UTC()),
		id,
		CandidateQueued,
		CandidateRunning,
	)
	if err != nil {
		return false, fmt.Errorf("resolve candidate: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// AbandonGroup marks every unresolved member of a group abandoned, used when
// selection closes a group while siblings are still in flight.
func (s *Store) AbandonGroup(ctx context.Context, jobID, candidateType, groupID string) error {
	_, err := s.execWithRetry(ctx,
		`UPDATE candidates SET status = ?, updated_at = ?
         WHERE job_id = ? AND candidate_type = ? AND group_id = ? AND status IN (?, ?)`,
		CandidateAbandoned,
		formatTime(time.Now().UTC()),
		jobID,
		candidateType,
		groupID,
		CandidateQueued,
		CandidateRunning,
	)
	if err != nil {
		return fmt.Errorf("abandon group: %w", err)
	}
	return nil
}

// ChooseCandidate promotes one succeeded candidate of a group in a single
// transaction: the winner becomes chosen, succeeded siblings become
// discarded, unresolved siblings are abandoned, and the promote callback's
// patch is merged into the computed document with the pending action cleared.
// The job row must currently carry a required action naming the same group.
func (s *Store) ChooseCandidate(ctx context.Context, jobID, candidateID string, promote func(winner *Candidate, computed statedoc.Doc) (statedoc.Doc, error)) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
		job, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("choose candidate: job %s not found", jobID)
		}
		if err != nil {
			return fmt.Errorf("choose candidate: %w", err)
		}
		action, ok := job.DecodeRequiredAction()
		if !ok {
			return fmt.Errorf("%w: job %s has no pending selection", ErrCandidateNotSelectable, jobID)
		}

		row = tx.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE id = ?`, candidateID)
		winner, err := scanCandidate(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: candidate %s not found", ErrCandidateNotSelectable, candidateID)
		}
		if err != nil {
			return fmt.Errorf("choose candidate: %w", err)
		}
		if winner.JobID != jobID ||
			winner.CandidateType != action.CandidateType ||
			winner.GroupID != action.GroupID {
			return fmt.Errorf("%w: candidate %s is not part of the pending group", ErrCandidateNotSelectable, candidateID)
		}
		if winner.Status != CandidateSucceeded {
			return fmt.Errorf("%w: candidate %s is %s", ErrCandidateNotSelectable, candidateID, winner.Status)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE candidates SET status = ?, updated_at = ? WHERE id = ?`,
			CandidateChosen, formatTime(now), candidateID,
		); err != nil {
			return fmt.Errorf("promote winner: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE candidates SET status = ?, updated_at = ?
             WHERE job_id = ? AND candidate_type = ? AND group_id = ? AND id != ? AND status = ?`,
			CandidateDiscarded, formatTime(now),
			jobID, action.CandidateType, action.GroupID, candidateID, CandidateSucceeded,
		); err != nil {
			return fmt.Errorf("discard siblings: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE candidates SET status = ?, updated_at = ?
             WHERE job_id = ? AND candidate_type = ? AND group_id = ? AND status IN (?, ?)`,
			CandidateAbandoned, formatTime(now),
			jobID, action.CandidateType, action.GroupID, CandidateQueued, CandidateRunning,
		); err != nil {
			return fmt.Errorf("abandon unresolved siblings: %w", err)
		}

		computed, err := statedoc.FromJSON(job.ComputedJSON)
		if err != nil {
			return err
		}
		patch, err := promote(winner, computed)
		if err != nil {
			return err
		}
		merged := statedoc.Merge(computed, patch)
		encoded, err := statedoc.ToJSON(merged)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET computed_json = ?, computed_rev = computed_rev + 1,
                required_action_json = NULL, status = ?, next_run_at = ?, updated_at = ?
             WHERE id = ? AND computed_rev = ?`,
			encoded, JobQueued, formatTime(now), formatTime(now),
			jobID, job.ComputedRev,
		)
		if err != nil {
			return fmt.Errorf("apply selection: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: job %s", ErrComputedConflict, jobID)
		}
		return nil
	})
}

// PromoteCandidate applies an automatic selection: the winner becomes chosen,
// succeeded siblings are discarded, unresolved siblings abandoned, and the
// promote patch is merged into the computed document, all in one transaction.
// Unlike ChooseCandidate it requires no pending action and leaves the job's
// status and schedule untouched, since the engine promotes mid-tick.
func (s *Store) PromoteCandidate(ctx context.Context, jobID, candidateID string, promote func(winner *Candidate, computed statedoc.Doc) (statedoc.Doc, error)) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
		job, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("promote candidate: job %s not found", jobID)
		}
		if err != nil {
			return fmt.Errorf("promote candidate: %w", err)
		}

		row = tx.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE id = ?`, candidateID)
		winner, err := scanCandidate(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: candidate %s not found", ErrCandidateNotSelectable, candidateID)
		}
		if err != nil {
			return fmt.Errorf("promote candidate: %w", err)
		}
		if winner.JobID != jobID {
			return fmt.Errorf("%w: candidate %s belongs to another job", ErrCandidateNotSelectable, candidateID)
		}
		if winner.Status != CandidateSucceeded {
			return fmt.Errorf("%w: candidate %s is %s", ErrCandidateNotSelectable, candidateID, winner.Status)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE candidates SET status = ?, updated_at = ? WHERE id = ?`,
			CandidateChosen, formatTime(now), candidateID,
		); err != nil {
			return fmt.Errorf("promote winner: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE candidates SET status = ?, updated_at = ?
             WHERE job_id = ? AND candidate_type = ? AND group_id = ? AND id != ? AND status = ?`,
			CandidateDiscarded, formatTime(now),
			jobID, winner.CandidateType, winner.GroupID, candidateID, CandidateSucceeded,
		); err != nil {
			return fmt.Errorf("discard siblings: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE candidates SET status = ?, updated_at = ?
             WHERE job_id = ? AND candidate_type = ? AND group_id = ? AND status IN (?, ?)`,
			CandidateAbandoned, formatTime(now),
			jobID, winner.CandidateType, winner.GroupID, CandidateQueued, CandidateRunning,
		); err != nil {
			return fmt.Errorf("abandon unresolved siblings: %w", err)
		}

		computed, err := statedoc.FromJSON(job.ComputedJSON)
		if err != nil {
			return err
		}
		patch, err := promote(winner, computed)
		if err != nil {
			return err
		}
		merged := statedoc.Merge(computed, patch)
		encoded, err := statedoc.ToJSON(merged)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET computed_json = ?, computed_rev = computed_rev + 1, updated_at = ?
             WHERE id = ? AND computed_rev = ?`,
			encoded, formatTime(now), jobID, job.ComputedRev,
		)
		if err != nil {
			return fmt.Errorf("apply promotion: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: job %s", ErrComputedConflict, jobID)
		}
		return nil
	})
}

func scanCandidate(scanner interface{ Scan(dest ...any) error }) (*Candidate, error) {
	var (
		id           string
		jobID        string
		candType     string
		groupID      string
		variantIndex int
		attempt      int
		statusStr    string
		provider     string
		content      sql.NullString
		score        sql.NullString
		mediaRef     sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)
	if err := scanner.Scan(
		&id, &jobID, &candType, &groupID, &variantIndex, &attempt,
		&statusStr, &provider, &content, &score, &mediaRef,
		&createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}

	cand := &Candidate{
		ID:            id,
		JobID:         jobID,
		CandidateType: candType,
		GroupID:       groupID,
		VariantIndex:  variantIndex,
		Attempt:       attempt,
		Status:        CandidateStatus(statusStr),
		Provider:      provider,
		ContentJSON:   content.String,
		ScoreJSON:     score.String,
		MediaRef:      mediaRef.String,
	}
	if t, err := parseTimeString(createdRaw.String); err == nil {
		cand.CreatedAt = t
	}
	if t, err := parseTimeString(updatedRaw.String); err == nil {
		cand.UpdatedAt = t
	}
	return cand, nil
}
