package db

import (
	"context"
	"fmt"

	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Media File Methods

const mediaFileColumns = `id, user_id, backup_id, storage_path, file_name, size_bytes, mime_type, category, source_item_id, created_at`

// MediaFileExists reports whether path is already attached to the backup.
func (db *DB) MediaFileExists(ctx context.Context, backupID uuid.UUID, storagePath string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM media_files WHERE backup_id = $1 AND storage_path = $2)
	`, backupID, storagePath).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check media file: %w", err)
	}
	return exists, nil
}

// CreateMediaFile inserts a media record. It returns false when the
// (backup, path) pair already exists.
func (db *DB) CreateMediaFile(ctx context.Context, m *models.MediaFile) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO media_files (
			id, user_id, backup_id, storage_path, file_name, size_bytes, mime_type, category, source_item_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (backup_id, storage_path) DO NOTHING
	`, m.ID, m.UserID, m.BackupID, m.StoragePath, m.FileName, m.SizeBytes, m.MimeType,
		string(m.Category), m.SourceItemID, m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("create media file: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListMediaFilesByBackup returns the media records of a backup.
func (db *DB) ListMediaFilesByBackup(ctx context.Context, backupID uuid.UUID) ([]*models.MediaFile, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+mediaFileColumns+`
		FROM media_files
		WHERE backup_id = $1
		ORDER BY created_at, storage_path
	`, backupID)
	if err != nil {
		return nil, fmt.Errorf("list media files by backup: %w", err)
	}
	defer rows.Close()

	return scanMediaFiles(rows)
}

// ListMediaFilesByUser returns every media record owned by a user.
func (db *DB) ListMediaFilesByUser(ctx context.Context, userID uuid.UUID) ([]*models.MediaFile, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+mediaFileColumns+`
		FROM media_files
		WHERE user_id = $1
		ORDER BY backup_id, storage_path
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list media files by user: %w", err)
	}
	defer rows.Close()

	return scanMediaFiles(rows)
}

func scanMediaFiles(rows pgx.Rows) ([]*models.MediaFile, error) {
	var files []*models.MediaFile
	for rows.Next() {
		var m models.MediaFile
		var category string
		if err := rows.Scan(
			&m.ID, &m.UserID, &m.BackupID, &m.StoragePath, &m.FileName, &m.SizeBytes,
			&m.MimeType, &category, &m.SourceItemID, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan media file: %w", err)
		}
		m.Category = models.MediaCategory(category)
		files = append(files, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media files: %w", err)
	}
	return files, nil
}
