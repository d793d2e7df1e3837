package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BackupKind is the source a backup was produced from.
type BackupKind string

const (
	// BackupKindArchive is a backup imported from an uploaded export.
	BackupKindArchive BackupKind = "archive"
	// BackupKindSnapshot is a backup captured by a snapshot scrape.
	BackupKindSnapshot BackupKind = "snapshot"
)

// RetentionMode controls how long a backup is kept.
type RetentionMode string

const (
	// RetentionAccount keeps the backup for as long as the account exists.
	RetentionAccount RetentionMode = "account"
	// RetentionGuest expires the backup unless it is claimed.
	RetentionGuest RetentionMode = "guest"
)

// Backup is the durable artefact produced by a job.
type Backup struct {
	ID          uuid.UUID     `json:"id"`
	UserID      uuid.UUID     `json:"user_id"`
	Kind        BackupKind    `json:"kind"`
	SourceJobID *uuid.UUID    `json:"source_job_id,omitempty"`
	ArchivePath *string       `json:"archive_path,omitempty"`
	Payload     BackupPayload `json:"payload"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// NewBackup creates a backup owned by userID.
func NewBackup(userID uuid.UUID, kind BackupKind, now time.Time) *Backup {
	return &Backup{
		ID:        uuid.New(),
		UserID:    userID,
		Kind:      kind,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsGuest returns true if the backup expires unless claimed.
func (b *Backup) IsGuest() bool {
	return b.Payload.Retention != nil && b.Payload.Retention.Mode == RetentionGuest
}

// BackupPayload is the captured data plus bookkeeping, stored as JSONB.
type BackupPayload struct {
	Profile   *Profile          `json:"profile,omitempty"`
	Timeline  []Post            `json:"timeline,omitempty"`
	Replies   []Post            `json:"replies,omitempty"`
	Followers []Account         `json:"followers,omitempty"`
	Following []Account         `json:"following,omitempty"`
	Stats     map[string]any    `json:"stats,omitempty"`
	Scrape    *ScrapeMeta       `json:"scrape,omitempty"`
	Storage   *StorageBreakdown `json:"storage,omitempty"`
	Retention *Retention        `json:"retention,omitempty"`
	Archive   *ArchiveInfo      `json:"archive,omitempty"`
}

// JSON encodes the payload.
func (p BackupPayload) JSON() ([]byte, error) {
	return json.Marshal(p)
}

// DecodeBackupPayload decodes a stored backup payload.
func DecodeBackupPayload(data []byte) (BackupPayload, error) {
	var p BackupPayload
	if len(data) == 0 || string(data) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode backup payload: %w", err)
	}
	return p, nil
}

// Profile is the captured account profile.
type Profile struct {
	Handle         string    `json:"handle"`
	DisplayName    string    `json:"display_name,omitempty"`
	Bio            string    `json:"bio,omitempty"`
	FollowersCount int       `json:"followers_count,omitempty"`
	FollowingCount int       `json:"following_count,omitempty"`
	PostsCount     int       `json:"posts_count,omitempty"`
	Avatar         *MediaRef `json:"avatar,omitempty"`
	Banner         *MediaRef `json:"banner,omitempty"`
}

// Post is a captured timeline item or reply.
type Post struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	URL       string     `json:"url,omitempty"`
	ReplyToID string     `json:"reply_to_id,omitempty"`
	Likes     int        `json:"likes,omitempty"`
	Reposts   int        `json:"reposts,omitempty"`
	Replies   int        `json:"replies,omitempty"`
	Media     []MediaRef `json:"media,omitempty"`
}

// Account is an entry of the captured social graph.
type Account struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Media kinds reported by the provider.
const (
	MediaKindPhoto       = "photo"
	MediaKindVideo       = "video"
	MediaKindAnimatedGIF = "animated_gif"
)

// MediaRef points at one media attachment. Once persisted, URL points at the
// stored copy and OriginalURL keeps the source.
type MediaRef struct {
	Kind        string `json:"kind,omitempty"`
	URL         string `json:"url"`
	OriginalURL string `json:"original_url,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
}

// ScrapeMeta records how a snapshot was captured.
type ScrapeMeta struct {
	Provider               string    `json:"provider"`
	TimelineRunID          string    `json:"timeline_run_id,omitempty"`
	SocialRunID            string    `json:"social_run_id,omitempty"`
	CostUSD                float64   `json:"cost_usd"`
	Partial                bool      `json:"partial"`
	PartialReasons         []string  `json:"partial_reasons,omitempty"`
	RequestedTimelineItems int       `json:"requested_timeline_items,omitempty"`
	PlannedTimelineItems   int       `json:"planned_timeline_items"`
	PlannedSocialItems     int       `json:"planned_social_items"`
	TimelineCount          int       `json:"timeline_count"`
	SocialCount            int       `json:"social_count"`
	ScrapedAt              time.Time `json:"scraped_at"`
}

// StorageBreakdown is the per-backup byte accounting.
type StorageBreakdown struct {
	PayloadBytes int64     `json:"payload_bytes"`
	MediaBytes   int64     `json:"media_bytes"`
	ArchiveBytes int64     `json:"archive_bytes"`
	TotalBytes   int64     `json:"total_bytes"`
	CalculatedAt time.Time `json:"calculated_at"`
}

// Retention is the retention marker of a backup.
type Retention struct {
	Mode      RetentionMode `json:"mode"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
}

// ArchiveInfo describes the uploaded export behind an archive backup.
type ArchiveInfo struct {
	FileName          string `json:"file_name"`
	UploadedSizeBytes int64  `json:"uploaded_size_bytes"`
}
