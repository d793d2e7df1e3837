package models

import (
	"time"

	"github.com/google/uuid"
)

// MediaCategory classifies a stored object attached to a backup.
type MediaCategory string

const (
	MediaCategoryPostMedia MediaCategory = "post_media"
	MediaCategoryAvatar    MediaCategory = "avatar"
	MediaCategoryBanner    MediaCategory = "banner"
	MediaCategoryArchive   MediaCategory = "archive"
)

// MediaFile associates a stored object with a backup. The same storage path
// may be attached to many backups.
type MediaFile struct {
	ID           uuid.UUID     `json:"id"`
	UserID       uuid.UUID     `json:"user_id"`
	BackupID     uuid.UUID     `json:"backup_id"`
	StoragePath  string        `json:"storage_path"`
	FileName     string        `json:"file_name"`
	SizeBytes    int64         `json:"size_bytes"`
	MimeType     string        `json:"mime_type"`
	Category     MediaCategory `json:"category"`
	SourceItemID *string       `json:"source_item_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// NewMediaFile creates a media record for a stored object.
func NewMediaFile(userID, backupID uuid.UUID, storagePath string, category MediaCategory, now time.Time) *MediaFile {
	return &MediaFile{
		ID:          uuid.New(),
		UserID:      userID,
		BackupID:    backupID,
		StoragePath: storagePath,
		Category:    category,
		CreatedAt:   now,
	}
}
