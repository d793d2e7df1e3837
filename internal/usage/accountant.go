// Package usage computes storage byte totals for backups and users without
// counting objects shared between backups more than once.
package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Store defines the database operations needed by the accountant.
type Store interface {
	GetBackup(ctx context.Context, id uuid.UUID) (*models.Backup, error)
	ListBackupsByUser(ctx context.Context, userID uuid.UUID) ([]*models.Backup, error)
	ListMediaFilesByBackup(ctx context.Context, backupID uuid.UUID) ([]*models.MediaFile, error)
	ListMediaFilesByUser(ctx context.Context, userID uuid.UUID) ([]*models.MediaFile, error)
	UpdateBackupStorage(ctx context.Context, id uuid.UUID, breakdown models.StorageBreakdown) error
}

// ObjectKind tags a stored object for accounting.
type ObjectKind string

const (
	ObjectMedia   ObjectKind = "media"
	ObjectArchive ObjectKind = "archive"
)

// IsArchivePath reports whether path names an uploaded export.
func IsArchivePath(path string) bool {
	p := strings.ToLower(path)
	return strings.Contains(p, "/archives/") || strings.HasSuffix(p, ".zip")
}

// PayloadBytes returns the size of the canonical JSON encoding of p with the
// storage breakdown and every stats.*_bytes key removed.
func PayloadBytes(p models.BackupPayload) (int64, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("encode backup payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return 0, fmt.Errorf("decode backup payload: %w", err)
	}

	delete(doc, "storage")
	if stats, ok := doc["stats"].(map[string]any); ok {
		for key := range stats {
			if strings.HasSuffix(key, "_bytes") {
				delete(stats, key)
			}
		}
	}

	// encoding/json writes map keys sorted, so equal payloads measure equal.
	canonical, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("encode canonical payload: %w", err)
	}
	return int64(len(canonical)), nil
}

func isArchiveRow(b *models.Backup, m *models.MediaFile) bool {
	if b.ArchivePath != nil && m.StoragePath == *b.ArchivePath {
		return true
	}
	return m.Category == models.MediaCategoryArchive || IsArchivePath(m.StoragePath)
}

// BackupBreakdown computes the storage breakdown of one backup from its
// payload and media rows. CalculatedAt is left for the caller to set.
func BackupBreakdown(b *models.Backup, media []*models.MediaFile) (models.StorageBreakdown, error) {
	payloadBytes, err := PayloadBytes(b.Payload)
	if err != nil {
		return models.StorageBreakdown{}, err
	}

	var mediaBytes, archiveRowBytes int64
	for _, m := range media {
		if isArchiveRow(b, m) {
			archiveRowBytes += m.SizeBytes
			continue
		}
		mediaBytes += m.SizeBytes
	}

	archiveBytes := archiveRowBytes
	if b.Payload.Archive != nil && b.Payload.Archive.UploadedSizeBytes > 0 {
		archiveBytes = b.Payload.Archive.UploadedSizeBytes
	}

	return models.StorageBreakdown{
		PayloadBytes: payloadBytes,
		MediaBytes:   mediaBytes,
		ArchiveBytes: archiveBytes,
		TotalBytes:   payloadBytes + mediaBytes + archiveBytes,
	}, nil
}

// BackupUsage is the per-backup part of a UserSummary.
type BackupUsage struct {
	BackupID     uuid.UUID `json:"backup_id"`
	PayloadBytes int64     `json:"payload_bytes"`
	Objects      int       `json:"objects"`
}

// UserSummary is the deduplicated storage usage of one user.
type UserSummary struct {
	UserID         uuid.UUID     `json:"user_id"`
	PayloadBytes   int64         `json:"payload_bytes"`
	MediaBytes     int64         `json:"media_bytes"`
	ArchiveBytes   int64         `json:"archive_bytes"`
	TotalBytes     int64         `json:"total_bytes"`
	MediaObjects   int           `json:"media_objects"`
	ArchiveObjects int           `json:"archive_objects"`
	Backups        []BackupUsage `json:"backups"`
}

type objectEntry struct {
	size int64
	kind ObjectKind
}

// Accountant computes and records storage usage.
type Accountant struct {
	store  Store
	clock  clock.Clock
	logger zerolog.Logger
}

// NewAccountant creates a new Accountant. A nil clock uses the wall clock.
func NewAccountant(store Store, clk clock.Clock, logger zerolog.Logger) *Accountant {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Accountant{
		store:  store,
		clock:  clk,
		logger: logger.With().Str("component", "usage_accountant").Logger(),
	}
}

// UserSummary totals the user's storage. Every storage path counts once, at
// its largest recorded size, and as an archive if any reference says so.
func (a *Accountant) UserSummary(ctx context.Context, userID uuid.UUID) (*UserSummary, error) {
	backups, err := a.store.ListBackupsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	media, err := a.store.ListMediaFilesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list media files: %w", err)
	}

	summary := &UserSummary{UserID: userID, Backups: make([]BackupUsage, 0, len(backups))}
	objects := make(map[string]*objectEntry)
	record := func(path string, size int64, kind ObjectKind) {
		entry, ok := objects[path]
		if !ok {
			objects[path] = &objectEntry{size: size, kind: kind}
			return
		}
		if size > entry.size {
			entry.size = size
		}
		if kind == ObjectArchive {
			entry.kind = ObjectArchive
		}
	}

	counts := make(map[uuid.UUID]int, len(backups))
	for _, b := range backups {
		if b.ArchivePath != nil && *b.ArchivePath != "" {
			var size int64
			if b.Payload.Archive != nil {
				size = b.Payload.Archive.UploadedSizeBytes
			}
			record(*b.ArchivePath, size, ObjectArchive)
		}
	}

	for _, m := range media {
		// Archive paths recorded above keep their kind through record.
		kind := ObjectMedia
		if m.Category == models.MediaCategoryArchive || IsArchivePath(m.StoragePath) {
			kind = ObjectArchive
		}
		record(m.StoragePath, m.SizeBytes, kind)
		counts[m.BackupID]++
	}

	for _, b := range backups {
		payloadBytes, err := PayloadBytes(b.Payload)
		if err != nil {
			return nil, fmt.Errorf("measure backup %s: %w", b.ID, err)
		}
		summary.PayloadBytes += payloadBytes
		summary.Backups = append(summary.Backups, BackupUsage{
			BackupID:     b.ID,
			PayloadBytes: payloadBytes,
			Objects:      counts[b.ID],
		})
	}

	for _, entry := range objects {
		switch entry.kind {
		case ObjectArchive:
			summary.ArchiveBytes += entry.size
			summary.ArchiveObjects++
		default:
			summary.MediaBytes += entry.size
			summary.MediaObjects++
		}
	}

	summary.TotalBytes = summary.PayloadBytes + summary.MediaBytes + summary.ArchiveBytes
	return summary, nil
}

// Recalculate recomputes a backup's storage breakdown and stores it. Running it
// again without underlying changes yields the same totals.
func (a *Accountant) Recalculate(ctx context.Context, backupID uuid.UUID) (models.StorageBreakdown, error) {
	backup, err := a.store.GetBackup(ctx, backupID)
	if err != nil {
		return models.StorageBreakdown{}, fmt.Errorf("get backup: %w", err)
	}
	media, err := a.store.ListMediaFilesByBackup(ctx, backupID)
	if err != nil {
		return models.StorageBreakdown{}, fmt.Errorf("list media files: %w", err)
	}

	breakdown, err := BackupBreakdown(backup, media)
	if err != nil {
		return models.StorageBreakdown{}, err
	}
	breakdown.CalculatedAt = a.clock.Now().UTC()

	if err := a.store.UpdateBackupStorage(ctx, backupID, breakdown); err != nil {
		return models.StorageBreakdown{}, fmt.Errorf("update backup storage: %w", err)
	}

	a.logger.Debug().
		Str("backup_id", backupID.String()).
		Int64("payload_bytes", breakdown.PayloadBytes).
		Int64("media_bytes", breakdown.MediaBytes).
		Int64("archive_bytes", breakdown.ArchiveBytes).
		Int64("total_bytes", breakdown.TotalBytes).
		Msg("storage recalculated")
	return breakdown, nil
}
