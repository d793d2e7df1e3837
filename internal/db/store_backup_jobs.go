package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Backup Job Methods

const backupJobColumns = `
	id, user_id, kind, status, progress, message, payload,
	result_backup_id, error_message, created_at, started_at, completed_at, updated_at`

// CreateBackupJob inserts a new job.
func (db *DB) CreateBackupJob(ctx context.Context, job *models.BackupJob) error {
	payloadBytes, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	_, err = db.Pool.Exec(ctx, `
		INSERT INTO backup_jobs (
			id, user_id, kind, status, progress, message, payload,
			result_backup_id, error_message, created_at, started_at, completed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, job.ID, job.UserID, string(job.Kind), string(job.Status), job.Progress, job.Message, payloadBytes,
		job.ResultBackupID, job.ErrorMessage, job.CreatedAt, job.StartedAt, job.CompletedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create backup job: %w", err)
	}
	return nil
}

// GetBackupJob returns a job by ID.
func (db *DB) GetBackupJob(ctx context.Context, id uuid.UUID) (*models.BackupJob, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+backupJobColumns+` FROM backup_jobs WHERE id = $1`, id)
	job, err := db.scanBackupJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get backup job: %w", err)
	}
	return job, nil
}

// GetActiveBackupJob returns the newest queued or processing job for a user, or nil.
func (db *DB) GetActiveBackupJob(ctx context.Context, userID uuid.UUID) (*models.BackupJob, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+backupJobColumns+`
		FROM backup_jobs
		WHERE user_id = $1 AND status IN ('queued', 'processing')
		ORDER BY created_at DESC
		LIMIT 1
	`, userID)
	job, err := db.scanBackupJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active backup job: %w", err)
	}
	return job, nil
}

// ListBackupJobsByUser returns a user's jobs, newest first.
func (db *DB) ListBackupJobsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.BackupJob, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+backupJobColumns+`
		FROM backup_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list backup jobs by user: %w", err)
	}
	defer rows.Close()

	return db.scanBackupJobs(rows)
}

// UpdateBackupJob applies a partial update to a non-terminal job. A lower
// progress than stored is ignored unless cancellation was requested.
func (db *DB) UpdateBackupJob(ctx context.Context, id uuid.UUID, change models.JobChange) (*models.BackupJob, error) {
	patch, err := change.Payload.JSON()
	if err != nil {
		return nil, fmt.Errorf("marshal payload patch: %w", err)
	}

	var status *string
	if change.Status != nil {
		s := string(*change.Status)
		status = &s
	}

	row := db.Pool.QueryRow(ctx, `
		UPDATE backup_jobs SET
			status = COALESCE($2::varchar, status),
			progress = CASE
				WHEN $3::int IS NULL THEN progress
				WHEN $3::int < progress
					AND NOT COALESCE((payload->>'cancel_requested')::boolean, false) THEN progress
				ELSE $3::int
			END,
			message = COALESCE($4::text, message),
			result_backup_id = COALESCE($5::uuid, result_backup_id),
			error_message = COALESCE($6::text, error_message),
			payload = payload || $7::jsonb,
			started_at = CASE
				WHEN $2::varchar = 'processing' AND started_at IS NULL THEN $8
				ELSE started_at
			END,
			completed_at = CASE
				WHEN $2::varchar IN ('completed', 'failed') THEN $8
				ELSE completed_at
			END,
			updated_at = $8
		WHERE id = $1 AND status IN ('queued', 'processing')
		RETURNING `+backupJobColumns,
		id, status, change.Progress, change.Message, change.ResultBackupID, change.ErrorMessage, patch, change.At)

	job, err := db.scanBackupJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.backupJobMiss(ctx, id)
		}
		return nil, fmt.Errorf("update backup job: %w", err)
	}
	return job, nil
}

// MergeBackupJobPayload shallow-merges patch into the payload of a non-terminal job.
func (db *DB) MergeBackupJobPayload(ctx context.Context, id uuid.UUID, patch models.PayloadPatch, at time.Time) error {
	data, err := patch.JSON()
	if err != nil {
		return fmt.Errorf("marshal payload patch: %w", err)
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE backup_jobs
		SET payload = payload || $2::jsonb, updated_at = $3
		WHERE id = $1 AND status IN ('queued', 'processing')
	`, id, data, at)
	if err != nil {
		return fmt.Errorf("merge backup job payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.backupJobMiss(ctx, id)
	}
	return nil
}

// FailStaleBackupJob fails a job that is still queued and was created before
// staleBefore. It returns false when the job already moved on.
func (db *DB) FailStaleBackupJob(ctx context.Context, id uuid.UUID, staleBefore time.Time, message string, patch models.PayloadPatch, at time.Time) (bool, error) {
	data, err := patch.JSON()
	if err != nil {
		return false, fmt.Errorf("marshal payload patch: %w", err)
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE backup_jobs
		SET status = 'failed',
			message = $3,
			error_message = $3,
			payload = payload || $4::jsonb,
			completed_at = $5,
			updated_at = $5
		WHERE id = $1 AND status = 'queued' AND created_at < $2
	`, id, staleBefore, message, data, at)
	if err != nil {
		return false, fmt.Errorf("fail stale backup job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListStaleQueuedJobs returns queued jobs created before staleBefore.
func (db *DB) ListStaleQueuedJobs(ctx context.Context, staleBefore time.Time, limit int) ([]*models.BackupJob, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+backupJobColumns+`
		FROM backup_jobs
		WHERE status = 'queued' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale queued jobs: %w", err)
	}
	defer rows.Close()

	return db.scanBackupJobs(rows)
}

// ListDispatchableJobs returns non-terminal jobs without a live lease, oldest first.
func (db *DB) ListDispatchableJobs(ctx context.Context, now time.Time, limit int) ([]*models.BackupJob, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+backupJobColumns+`
		FROM backup_jobs
		WHERE status IN ('queued', 'processing')
		  AND (lease_expires_at IS NULL OR lease_expires_at < $1)
		ORDER BY created_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatchable jobs: %w", err)
	}
	defer rows.Close()

	return db.scanBackupJobs(rows)
}

// ClaimBackupJob takes the dispatch lease on a job. It returns false when the
// job is terminal or another worker holds a live lease.
func (db *DB) ClaimBackupJob(ctx context.Context, id uuid.UUID, now, leaseUntil time.Time) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE backup_jobs
		SET lease_expires_at = $3
		WHERE id = $1
		  AND status IN ('queued', 'processing')
		  AND (lease_expires_at IS NULL OR lease_expires_at < $2)
	`, id, now, leaseUntil)
	if err != nil {
		return false, fmt.Errorf("claim backup job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExtendBackupJobLeases pushes the lease of running jobs forward.
func (db *DB) ExtendBackupJobLeases(ctx context.Context, ids []uuid.UUID, leaseUntil time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.Pool.Exec(ctx, `
		UPDATE backup_jobs
		SET lease_expires_at = $2
		WHERE id = ANY($1::uuid[]) AND status IN ('queued', 'processing')
	`, uuidStrings(ids), leaseUntil)
	if err != nil {
		return fmt.Errorf("extend backup job leases: %w", err)
	}
	return nil
}

// ReleaseBackupJob drops the dispatch lease of a job.
func (db *DB) ReleaseBackupJob(ctx context.Context, id uuid.UUID) error {
	_, err := db.Pool.Exec(ctx, `UPDATE backup_jobs SET lease_expires_at = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("release backup job: %w", err)
	}
	return nil
}

// backupJobMiss explains why a guarded update touched no rows.
func (db *DB) backupJobMiss(ctx context.Context, id uuid.UUID) error {
	var status string
	err := db.Pool.QueryRow(ctx, `SELECT status FROM backup_jobs WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrNotFound
		}
		return fmt.Errorf("get backup job status: %w", err)
	}
	if models.JobStatus(status).IsTerminal() {
		return models.ErrJobTerminal
	}
	return fmt.Errorf("backup job %s was not updated", id)
}

func (db *DB) scanBackupJob(row pgx.Row) (*models.BackupJob, error) {
	var job models.BackupJob
	var kind, status string
	var payload []byte

	err := row.Scan(
		&job.ID, &job.UserID, &kind, &status, &job.Progress, &job.Message, &payload,
		&job.ResultBackupID, &job.ErrorMessage, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Kind = models.JobKind(kind)
	job.Status = models.JobStatus(status)
	job.Payload, err = models.DecodeJobPayload(payload)
	if err != nil {
		db.logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("failed to parse job payload")
	}

	return &job, nil
}

func (db *DB) scanBackupJobs(rows pgx.Rows) ([]*models.BackupJob, error) {
	var jobs []*models.BackupJob
	for rows.Next() {
		job, err := db.scanBackupJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup jobs: %w", err)
	}
	return jobs, nil
}
