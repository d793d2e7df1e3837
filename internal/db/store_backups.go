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

// Backup Methods

const backupColumns = `id, user_id, kind, source_job_id, archive_path, payload, created_at, updated_at`

// CreateBackup inserts a new backup.
func (db *DB) CreateBackup(ctx context.Context, backup *models.Backup) error {
	payload, err := backup.Payload.JSON()
	if err != nil {
		return fmt.Errorf("marshal backup payload: %w", err)
	}

	_, err = db.Pool.Exec(ctx, `
		INSERT INTO backups (id, user_id, kind, source_job_id, archive_path, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, backup.ID, backup.UserID, string(backup.Kind), backup.SourceJobID, backup.ArchivePath,
		payload, backup.CreatedAt, backup.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	return nil
}

// GetBackup returns a backup by ID.
func (db *DB) GetBackup(ctx context.Context, id uuid.UUID) (*models.Backup, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+backupColumns+` FROM backups WHERE id = $1`, id)
	backup, err := scanBackup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get backup: %w", err)
	}
	return backup, nil
}

// GetBackupBySourceJob returns the backup produced by a job.
func (db *DB) GetBackupBySourceJob(ctx context.Context, jobID uuid.UUID) (*models.Backup, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+backupColumns+` FROM backups WHERE source_job_id = $1`, jobID)
	backup, err := scanBackup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get backup by source job: %w", err)
	}
	return backup, nil
}

// ListBackupsByUser returns all backups owned by a user, newest first.
func (db *DB) ListBackupsByUser(ctx context.Context, userID uuid.UUID) ([]*models.Backup, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+backupColumns+`
		FROM backups
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list backups by user: %w", err)
	}
	defer rows.Close()

	return scanBackups(rows)
}

// UpdateBackupPayload replaces the payload of a backup.
func (db *DB) UpdateBackupPayload(ctx context.Context, id uuid.UUID, payload models.BackupPayload, at time.Time) error {
	data, err := payload.JSON()
	if err != nil {
		return fmt.Errorf("marshal backup payload: %w", err)
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE backups SET payload = $2, updated_at = $3 WHERE id = $1
	`, id, data, at)
	if err != nil {
		return fmt.Errorf("update backup payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// UpdateBackupStorage writes the storage breakdown into the backup payload.
func (db *DB) UpdateBackupStorage(ctx context.Context, id uuid.UUID, breakdown models.StorageBreakdown) error {
	data, err := json.Marshal(breakdown)
	if err != nil {
		return fmt.Errorf("marshal storage breakdown: %w", err)
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE backups
		SET payload = jsonb_set(payload, '{storage}', $2::jsonb, true), updated_at = $3
		WHERE id = $1
	`, id, data, breakdown.CalculatedAt)
	if err != nil {
		return fmt.Errorf("update backup storage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteBackup deletes a backup. Its media rows are removed by cascade.
func (db *DB) DeleteBackup(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM backups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete backup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ClaimBackup moves a guest backup and its media rows to userID and marks
// it as account-retained.
func (db *DB) ClaimBackup(ctx context.Context, id, userID uuid.UUID, at time.Time) error {
	retention, err := json.Marshal(models.Retention{Mode: models.RetentionAccount})
	if err != nil {
		return fmt.Errorf("marshal retention: %w", err)
	}

	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE backups
			SET user_id = $2,
				payload = jsonb_set(payload, '{retention}', $3::jsonb, true),
				updated_at = $4
			WHERE id = $1
		`, id, userID, retention, at)
		if err != nil {
			return fmt.Errorf("claim backup: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrNotFound
		}

		if _, err := tx.Exec(ctx, `UPDATE media_files SET user_id = $2 WHERE backup_id = $1`, id, userID); err != nil {
			return fmt.Errorf("claim backup media: %w", err)
		}
		return nil
	})
}

// ListExpiredGuestBackups returns guest backups whose retention expired before now.
func (db *DB) ListExpiredGuestBackups(ctx context.Context, now time.Time, limit int) ([]*models.Backup, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+backupColumns+`
		FROM backups
		WHERE payload->'retention'->>'mode' = 'guest'
		  AND (payload->'retention'->>'expires_at')::timestamptz < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired guest backups: %w", err)
	}
	defer rows.Close()

	return scanBackups(rows)
}

// ListPathsReferencedElsewhere returns the subset of paths attached to any
// backup other than backupID, either as a media row or as its archive.
func (db *DB) ListPathsReferencedElsewhere(ctx context.Context, backupID uuid.UUID, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT storage_path FROM media_files
		WHERE backup_id <> $1 AND storage_path = ANY($2::text[])
		UNION
		SELECT archive_path FROM backups
		WHERE id <> $1 AND archive_path = ANY($2::text[])
	`, backupID, paths)
	if err != nil {
		return nil, fmt.Errorf("list shared paths: %w", err)
	}
	defer rows.Close()

	var shared []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scan shared path: %w", err)
		}
		shared = append(shared, path)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shared paths: %w", err)
	}
	return shared, nil
}

func scanBackup(row pgx.Row) (*models.Backup, error) {
	var b models.Backup
	var kind string
	var payload []byte

	if err := row.Scan(&b.ID, &b.UserID, &kind, &b.SourceJobID, &b.ArchivePath, &payload, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}

	b.Kind = models.BackupKind(kind)
	p, err := models.DecodeBackupPayload(payload)
	if err != nil {
		return nil, err
	}
	b.Payload = p
	return &b, nil
}

func scanBackups(rows pgx.Rows) ([]*models.Backup, error) {
	var backups []*models.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backups: %w", err)
	}
	return backups, nil
}
