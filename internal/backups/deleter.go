// Package backups deletes backups together with the stored objects they own
// exclusively, and hands guest backups over to accounts.
package backups

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MacJediWizard/snapvault/internal/metrics"
	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DeleteBatchSize is the number of object keys removed per store call.
const DeleteBatchSize = 100

const expiredGuestBatch = 50

// ErrForbidden is returned when the caller does not own the backup.
var ErrForbidden = errors.New("backup belongs to another user")

// Store defines the database operations needed to delete backups.
type Store interface {
	GetBackup(ctx context.Context, id uuid.UUID) (*models.Backup, error)
	ListMediaFilesByBackup(ctx context.Context, backupID uuid.UUID) ([]*models.MediaFile, error)
	ListPathsReferencedElsewhere(ctx context.Context, backupID uuid.UUID, paths []string) ([]string, error)
	DeleteBackup(ctx context.Context, id uuid.UUID) error
	ListExpiredGuestBackups(ctx context.Context, now time.Time, limit int) ([]*models.Backup, error)
}

// ObjectDeleter removes stored objects. It returns the keys it failed to remove.
type ObjectDeleter interface {
	DeleteMany(ctx context.Context, keys []string) ([]string, error)
}

// DeleteResult reports what a deletion did. Object cleanup is best effort, so
// failures are counted here instead of being returned as errors.
type DeleteResult struct {
	BackupID      uuid.UUID `json:"backup_id"`
	Candidates    int       `json:"candidates"`
	Shared        int       `json:"shared"`
	Deleted       int       `json:"deleted"`
	Failed        int       `json:"failed"`
	Batches       int       `json:"batches"`
	FailedBatches int       `json:"failed_batches"`
}

// Deleter deletes backups and their exclusively owned objects.
type Deleter struct {
	store   Store
	objects ObjectDeleter
	metrics *metrics.PrometheusMetrics
	logger  zerolog.Logger
}

// NewDeleter creates a new Deleter. m may be nil.
func NewDeleter(store Store, objects ObjectDeleter, m *metrics.PrometheusMetrics, logger zerolog.Logger) *Deleter {
	return &Deleter{
		store:   store,
		objects: objects,
		metrics: m,
		logger:  logger.With().Str("component", "backup_deleter").Logger(),
	}
}

// DeleteBackup deletes the backup row and then the objects no other backup
// references. When expectedOwner is set and does not match, ErrForbidden is
// returned and nothing is deleted.
func (d *Deleter) DeleteBackup(ctx context.Context, backupID uuid.UUID, expectedOwner *uuid.UUID) (DeleteResult, error) {
	result := DeleteResult{BackupID: backupID}

	backup, err := d.store.GetBackup(ctx, backupID)
	if err != nil {
		return result, fmt.Errorf("get backup: %w", err)
	}
	if expectedOwner != nil && backup.UserID != *expectedOwner {
		return result, ErrForbidden
	}

	media, err := d.store.ListMediaFilesByBackup(ctx, backupID)
	if err != nil {
		return result, fmt.Errorf("list media files: %w", err)
	}

	candidates := candidatePaths(backup, media)
	result.Candidates = len(candidates)

	var shared []string
	if len(candidates) > 0 {
		shared, err = d.store.ListPathsReferencedElsewhere(ctx, backupID, candidates)
		if err != nil {
			return result, fmt.Errorf("find shared paths: %w", err)
		}
	}
	exclusive := subtract(candidates, shared)
	result.Shared = len(candidates) - len(exclusive)

	logger := d.logger.With().
		Str("backup_id", backupID.String()).
		Str("user_id", backup.UserID.String()).
		Logger()

	// The row goes first so no reader sees a backup whose objects are vanishing.
	if err := d.store.DeleteBackup(ctx, backupID); err != nil {
		return result, fmt.Errorf("delete backup: %w", err)
	}

	for start := 0; start < len(exclusive); start += DeleteBatchSize {
		end := start + DeleteBatchSize
		if end > len(exclusive) {
			end = len(exclusive)
		}
		batch := exclusive[start:end]
		result.Batches++

		failed, err := d.objects.DeleteMany(ctx, batch)
		if err != nil {
			result.FailedBatches++
			result.Failed += len(batch)
			logger.Warn().Err(err).Int("batch", result.Batches).Int("keys", len(batch)).Msg("object batch delete failed")
			continue
		}
		if len(failed) > 0 {
			logger.Warn().Strs("keys", failed).Msg("some objects could not be deleted")
		}
		result.Failed += len(failed)
		result.Deleted += len(batch) - len(failed)
	}

	d.metrics.RecordCleanup(metrics.CleanupDeleted, result.Deleted)
	d.metrics.RecordCleanup(metrics.CleanupFailed, result.Failed)
	d.metrics.RecordCleanup(metrics.CleanupShared, result.Shared)

	logger.Info().
		Int("candidates", result.Candidates).
		Int("shared", result.Shared).
		Int("deleted", result.Deleted).
		Int("failed", result.Failed).
		Msg("backup deleted")
	return result, nil
}

// PurgeExpiredGuests deletes guest backups whose retention ended before now.
func (d *Deleter) PurgeExpiredGuests(ctx context.Context, now time.Time) (int, error) {
	expired, err := d.store.ListExpiredGuestBackups(ctx, now, expiredGuestBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired guest backups: %w", err)
	}

	purged := 0
	for _, b := range expired {
		if _, err := d.DeleteBackup(ctx, b.ID, nil); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			d.logger.Error().Err(err).Str("backup_id", b.ID.String()).Msg("failed to purge expired guest backup")
			continue
		}
		purged++
	}
	return purged, nil
}

func candidatePaths(b *models.Backup, media []*models.MediaFile) []string {
	set := make(map[string]struct{}, len(media)+1)
	for _, m := range media {
		if m.StoragePath != "" {
			set[m.StoragePath] = struct{}{}
		}
	}
	if b.ArchivePath != nil && *b.ArchivePath != "" {
		set[*b.ArchivePath] = struct{}{}
	}

	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func subtract(paths, remove []string) []string {
	if len(remove) == 0 {
		return paths
	}
	skip := make(map[string]struct{}, len(remove))
	for _, p := range remove {
		skip[p] = struct{}{}
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := skip[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}
