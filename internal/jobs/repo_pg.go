package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hallucheck-backend/internal/analysis"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const jobColumns = `id, owner_id, status, created_at, updated_at, started_at, completed_at,
       error_code, error_message, file_name, file_size_bytes, storage_key,
       turn_count, assistant_turn_count, provider, model, claimed_by, claimed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// Create inserts a new job.
func (r *PGRepo) Create(ctx context.Context, job Job) error {
	const query = `
INSERT INTO jobs (
	id, owner_id, status, created_at, updated_at, started_at, completed_at,
	error_code, error_message, file_name, file_size_bytes, storage_key,
	turn_count, assistant_turn_count, provider, model, claimed_by, claimed_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err := r.DB.ExecContext(ctx, query,
		job.ID,
		job.OwnerID,
		job.Status,
		job.CreatedAt,
		job.UpdatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.ErrorCode,
		job.ErrorMessage,
		job.FileName,
		job.FileSizeBytes,
		job.StorageKey,
		job.TurnCount,
		job.AssistantTurnCount,
		job.Provider,
		job.Model,
		job.ClaimedBy,
		job.ClaimedAt,
	)
	return err
}

// GetByID returns a job with its result, if it has one.
func (r *PGRepo) GetByID(ctx context.Context, jobID string) (Job, error) {
	const query = `
SELECT j.id, j.owner_id, j.status, j.created_at, j.updated_at, j.started_at, j.completed_at,
       j.error_code, j.error_message, j.file_name, j.file_size_bytes, j.storage_key,
       j.turn_count, j.assistant_turn_count, j.provider, j.model, j.claimed_by, j.claimed_at,
       r.summary, r.hallucination_rate, r.average_confidence, r.flagged_turns, r.issue_breakdown
FROM jobs j
LEFT JOIN analysis_results r ON r.job_id = j.id
WHERE j.id = $1
LIMIT 1`
	var (
		summary           sql.NullString
		hallucinationRate sql.NullFloat64
		averageConfidence sql.NullFloat64
		flaggedTurns      []byte
		issueBreakdown    []byte
	)
	row := r.DB.QueryRowContext(ctx, query, jobID)
	job, err := scanJob(row, &summary, &hallucinationRate, &averageConfidence, &flaggedTurns, &issueBreakdown)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	if !summary.Valid {
		return job, nil
	}

	res := analysis.Result{
		Summary:           summary.String,
		HallucinationRate: hallucinationRate.Float64,
		AverageConfidence: averageConfidence.Float64,
		FlaggedTurns:      []analysis.FlaggedTurn{},
	}
	if len(flaggedTurns) > 0 {
		if err := json.Unmarshal(flaggedTurns, &res.FlaggedTurns); err != nil {
			return Job{}, fmt.Errorf("decode flagged_turns: %w", err)
		}
	}
	if len(issueBreakdown) > 0 {
		if err := json.Unmarshal(issueBreakdown, &res.IssueBreakdown); err != nil {
			return Job{}, fmt.Errorf("decode issue_breakdown: %w", err)
		}
	}
	job.Result = &res
	return job, nil
}

// MarkProcessing moves a pending job to processing.
func (r *PGRepo) MarkProcessing(ctx context.Context, jobID string, at time.Time) error {
	const query = `
UPDATE jobs
SET status = $2, started_at = $3, updated_at = $3
WHERE id = $1 AND status = $4`
	res, err := r.DB.ExecContext(ctx, query, jobID, StatusProcessing, at, StatusPending)
	if err != nil {
		return err
	}
	return r.checkAffected(ctx, res, jobID, false)
}

// Claim records workerID on an unclaimed processing job.
func (r *PGRepo) Claim(ctx context.Context, jobID, workerID string, at time.Time) error {
	const query = `
UPDATE jobs
SET claimed_by = $2, claimed_at = $3, updated_at = $3
WHERE id = $1 AND status = $4 AND claimed_by IS NULL`
	res, err := r.DB.ExecContext(ctx, query, jobID, workerID, at, StatusProcessing)
	if err != nil {
		return err
	}
	return r.checkAffected(ctx, res, jobID, true)
}

// Complete marks the job completed and inserts its result in one transaction.
func (r *PGRepo) Complete(ctx context.Context, jobID string, res analysis.Result, at time.Time) (Job, error) {
	flagged := res.FlaggedTurns
	if flagged == nil {
		flagged = []analysis.FlaggedTurn{}
	}
	flaggedPayload, err := json.Marshal(flagged)
	if err != nil {
		return Job{}, err
	}
	breakdownPayload, err := json.Marshal(res.IssueBreakdown)
	if err != nil {
		return Job{}, err
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
UPDATE jobs
SET status = $2, completed_at = $3, updated_at = $3
WHERE id = $1 AND status = $4
RETURNING `+jobColumns, jobID, StatusCompleted, at, StatusProcessing)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = tx.Rollback()
			return Job{}, r.missReason(ctx, jobID, false)
		}
		return Job{}, err
	}

	const insert = `
INSERT INTO analysis_results (
	job_id, summary, hallucination_rate, average_confidence, flagged_turns, issue_breakdown, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.ExecContext(ctx, insert,
		jobID,
		res.Summary,
		res.HallucinationRate,
		res.AverageConfidence,
		flaggedPayload,
		breakdownPayload,
		at,
	); err != nil {
		return Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, err
	}

	res.FlaggedTurns = flagged
	job.Result = &res
	return job, nil
}

// Fail marks a pending or processing job failed.
func (r *PGRepo) Fail(ctx context.Context, jobID, code, message string, at time.Time) (Job, error) {
	row := r.DB.QueryRowContext(ctx, `
UPDATE jobs
SET status = $2, error_code = $3, error_message = $4, completed_at = $5, updated_at = $5
WHERE id = $1 AND status IN ($6, $7)
RETURNING `+jobColumns, jobID, StatusFailed, code, message, at, StatusPending, StatusProcessing)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, r.missReason(ctx, jobID, false)
		}
		return Job{}, err
	}
	return job, nil
}

// ListByOwner returns the owner's jobs newest first.
func (r *PGRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE owner_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`
	return r.list(ctx, query, ownerID, limit, offset)
}

// ListStale returns processing jobs claimed before claimedBefore, plus
// unclaimed ones started before queuedBefore, oldest first.
func (r *PGRepo) ListStale(ctx context.Context, claimedBefore, queuedBefore time.Time, limit int) ([]Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE status = $1
  AND ((claimed_at IS NOT NULL AND claimed_at < $2)
    OR (claimed_at IS NULL AND started_at < $3))
ORDER BY COALESCE(claimed_at, started_at) ASC
LIMIT $4`
	return r.list(ctx, query, StatusProcessing, claimedBefore, queuedBefore, limit)
}

func (r *PGRepo) list(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *PGRepo) checkAffected(ctx context.Context, res sql.Result, jobID string, claim bool) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return r.missReason(ctx, jobID, claim)
	}
	return nil
}

// missReason explains why a conditional update matched no row.
func (r *PGRepo) missReason(ctx context.Context, jobID string, claim bool) error {
	var status string
	var claimedBy sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT status, claimed_by FROM jobs WHERE id = $1`, jobID).Scan(&status, &claimedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if claim && status == StatusProcessing && claimedBy.Valid {
		return ErrAlreadyClaimed
	}
	return ErrInvalidTransition
}

func scanJob(row rowScanner, extra ...any) (Job, error) {
	var job Job
	var (
		startedAt    sql.NullTime
		completedAt  sql.NullTime
		errorCode    sql.NullString
		errorMessage sql.NullString
		claimedBy    sql.NullString
		claimedAt    sql.NullTime
	)
	dest := []any{
		&job.ID,
		&job.OwnerID,
		&job.Status,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&completedAt,
		&errorCode,
		&errorMessage,
		&job.FileName,
		&job.FileSizeBytes,
		&job.StorageKey,
		&job.TurnCount,
		&job.AssistantTurnCount,
		&job.Provider,
		&job.Model,
		&claimedBy,
		&claimedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Job{}, err
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if errorCode.Valid {
		job.ErrorCode = &errorCode.String
	}
	if errorMessage.Valid {
		job.ErrorMessage = &errorMessage.String
	}
	if claimedBy.Valid {
		job.ClaimedBy = &claimedBy.String
	}
	if claimedAt.Valid {
		job.ClaimedAt = &claimedAt.Time
	}
	return job, nil
}

var _ Repo = (*PGRepo)(nil)
