package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/snapvault/internal/backups"
	"github.com/MacJediWizard/snapvault/internal/config"
	"github.com/MacJediWizard/snapvault/internal/jobs"
	"github.com/MacJediWizard/snapvault/internal/metrics"
	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/MacJediWizard/snapvault/internal/notifications"
	"github.com/MacJediWizard/snapvault/internal/storage"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

const terminalWriteTimeout = 2 * time.Minute

// Job messages shown to users.
const (
	MessageImporting  = "Importing archive"
	MessageFinalizing = "Finishing up"
	MessageCompleted  = "Archive imported"
	MessageNotFound   = "Archive upload not found"
)

// importError is a failure with its failure code.
type importError struct {
	code string
	msg  string
}

func (e *importError) Error() string { return e.msg }

// Ledger is the part of the job ledger the importer drives.
type Ledger interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.BackupJob, error)
	UpdateJob(ctx context.Context, id uuid.UUID, u models.JobUpdate) (*models.BackupJob, error)
	MergePayload(ctx context.Context, id uuid.UUID, patch models.PayloadPatch) error
	IsCancellationRequested(ctx context.Context, id uuid.UUID) (bool, error)
	FailJob(ctx context.Context, id uuid.UUID, failureCode, message string) error
}

// BackupStore defines the backup operations the importer needs.
type BackupStore interface {
	CreateBackup(ctx context.Context, b *models.Backup) error
	GetBackupBySourceJob(ctx context.Context, jobID uuid.UUID) (*models.Backup, error)
	CreateMediaFile(ctx context.Context, m *models.MediaFile) (bool, error)
}

// ObjectStore is the part of the object store the importer reads and cleans.
type ObjectStore interface {
	Head(ctx context.Context, key string) (*storage.ObjectInfo, error)
	DeleteMany(ctx context.Context, keys []string) ([]string, error)
}

// UsageRecalculator recomputes a backup's storage breakdown.
type UsageRecalculator interface {
	Recalculate(ctx context.Context, backupID uuid.UUID) (models.StorageBreakdown, error)
}

// BackupDeleter deletes a backup and its exclusively owned objects.
type BackupDeleter interface {
	DeleteBackup(ctx context.Context, backupID uuid.UUID, expectedOwner *uuid.UUID) (backups.DeleteResult, error)
}

// ImporterDeps are the collaborators of an Importer. Metrics may be nil.
type ImporterDeps struct {
	Ledger   Ledger
	Backups  BackupStore
	Objects  ObjectStore
	Usage    UsageRecalculator
	Deleter  BackupDeleter
	Notifier notifications.Notifier
	Metrics  *metrics.PrometheusMetrics
	Clock    clock.Clock
}

// Importer runs archive_upload jobs. It implements jobs.Handler.
type Importer struct {
	deps   ImporterDeps
	limits config.ArchiveLimits
	clock  clock.Clock
	logger zerolog.Logger
}

// NewImporter creates an archive importer.
func NewImporter(deps ImporterDeps, limits config.ArchiveLimits, logger zerolog.Logger) *Importer {
	clk := deps.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Importer{
		deps:   deps,
		limits: limits,
		clock:  clk,
		logger: logger.With().Str("component", "archive_importer").Logger(),
	}
}

var _ jobs.Handler = (*Importer)(nil)

// Run imports the uploaded archive of one job.
func (im *Importer) Run(ctx context.Context, jobID uuid.UUID) error {
	job, err := im.deps.Ledger.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.IsTerminal() {
		return nil
	}

	r := &importRun{
		im:      im,
		job:     job,
		started: im.clock.Now(),
		logger: im.logger.With().
			Str("job_id", job.ID.String()).
			Str("user_id", job.UserID.String()).
			Logger(),
	}
	if job.Payload.Archive == nil {
		return r.fail(ctx, errors.New("archive upload is missing from the job"))
	}
	r.upload = *job.Payload.Archive
	return r.execute(ctx)
}

type importRun struct {
	im      *Importer
	job     *models.BackupJob
	upload  models.ArchiveUpload
	started time.Time
	logger  zerolog.Logger

	size   int64
	backup *models.Backup
}

func (r *importRun) execute(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"verify", r.verify},
		{"save", r.save},
		{"finalize", r.finalize},
	}

	for _, step := range steps {
		if r.cancelRequested(ctx) {
			return r.cancel(ctx)
		}
		err := step.fn(ctx)
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, models.ErrJobTerminal):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}
		r.logger.Error().Err(err).Str("step", step.name).Msg("archive import step failed")
		return r.fail(ctx, err)
	}
	return nil
}

func (r *importRun) cancelRequested(ctx context.Context) bool {
	requested, err := r.im.deps.Ledger.IsCancellationRequested(ctx, r.job.ID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to check cancellation flag")
		return false
	}
	return requested
}

func (r *importRun) verify(ctx context.Context) error {
	if _, err := r.im.deps.Ledger.UpdateJob(ctx, r.job.ID, models.JobUpdate{
		Status:   models.StatusPtr(models.JobStatusProcessing),
		Progress: models.ProgressPtr(10),
		Message:  models.StringPtr(MessageImporting),
		Payload:  models.PayloadPatch{models.PayloadKeyLifecycleState: models.LifecycleImporting},
	}); err != nil {
		return fmt.Errorf("enter importing: %w", err)
	}

	existing, err := r.im.deps.Backups.GetBackupBySourceJob(ctx, r.job.ID)
	switch {
	case err == nil:
		r.backup = existing
		if existing.Payload.Archive != nil {
			r.size = existing.Payload.Archive.UploadedSizeBytes
		}
		return nil
	case !errors.Is(err, models.ErrNotFound):
		return fmt.Errorf("find backup for job: %w", err)
	}

	info, err := r.im.deps.Objects.Head(ctx, r.upload.StoragePath)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return &importError{code: models.FailureArchiveMissing, msg: MessageNotFound}
	}
	if err != nil {
		return fmt.Errorf("head archive: %w", err)
	}

	if info.Size > r.im.limits.MaxBytes {
		if _, err := r.im.deps.Objects.DeleteMany(ctx, []string{r.upload.StoragePath}); err != nil {
			r.logger.Warn().Err(err).Str("storage_path", r.upload.StoragePath).Msg("failed to delete oversized archive")
		}
		tooLarge := &TooLargeError{SizeBytes: info.Size, MaxBytes: r.im.limits.MaxBytes}
		return &importError{code: models.FailureArchiveTooLarge, msg: tooLarge.Error()}
	}
	r.size = info.Size
	return nil
}

func (r *importRun) save(ctx context.Context) error {
	if r.backup == nil {
		now := r.im.clock.Now().UTC()
		b := models.NewBackup(r.job.UserID, models.BackupKindArchive, now)
		jobID := r.job.ID
		path := r.upload.StoragePath
		b.SourceJobID = &jobID
		b.ArchivePath = &path
		b.Payload = models.BackupPayload{
			Archive: &models.ArchiveInfo{
				FileName:          r.upload.FileName,
				UploadedSizeBytes: r.size,
			},
			Storage:   &models.StorageBreakdown{CalculatedAt: now},
			Retention: &models.Retention{Mode: models.RetentionAccount},
		}
		if err := r.im.deps.Backups.CreateBackup(ctx, b); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
		r.backup = b

		if err := r.im.deps.Ledger.MergePayload(ctx, r.job.ID, models.PayloadPatch{
			models.PayloadKeyPartialBackupID: b.ID,
		}); err != nil {
			return fmt.Errorf("record partial backup: %w", err)
		}
	}

	row := models.NewMediaFile(r.job.UserID, r.backup.ID, r.upload.StoragePath, models.MediaCategoryArchive, r.im.clock.Now().UTC())
	row.FileName = r.upload.FileName
	row.SizeBytes = r.size
	row.MimeType = contentTypeZip
	if _, err := r.im.deps.Backups.CreateMediaFile(ctx, row); err != nil {
		return fmt.Errorf("record archive object: %w", err)
	}

	if breakdown, err := r.im.deps.Usage.Recalculate(ctx, r.backup.ID); err != nil {
		r.logger.Warn().Err(err).Str("backup_id", r.backup.ID.String()).Msg("failed to calculate backup storage")
	} else {
		r.backup.Payload.Storage = &breakdown
	}

	_, err := r.im.deps.Ledger.UpdateJob(ctx, r.job.ID, models.JobUpdate{Progress: models.ProgressPtr(80)})
	return err
}

func (r *importRun) finalize(ctx context.Context) error {
	if _, err := r.im.deps.Ledger.UpdateJob(ctx, r.job.ID, models.JobUpdate{
		Progress: models.ProgressPtr(95),
		Message:  models.StringPtr(MessageFinalizing),
		Payload:  models.PayloadPatch{models.PayloadKeyLifecycleState: models.LifecycleFinalizing},
	}); err != nil {
		return fmt.Errorf("enter finalizing: %w", err)
	}

	job, err := r.im.deps.Ledger.GetJob(ctx, r.job.ID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	if !job.Payload.NotificationSent {
		if err := r.im.deps.Ledger.MergePayload(ctx, r.job.ID, models.PayloadPatch{
			models.PayloadKeyNotificationSent: true,
		}); err != nil {
			return fmt.Errorf("mark notification sent: %w", err)
		}
		data := notifications.ReadyDataFor(r.upload.NotifyEmail, r.backup, 0, r.im.clock.Now())
		if err := r.im.deps.Notifier.NotifyBackupReady(ctx, data); err != nil {
			r.logger.Warn().Err(err).Msg("failed to send backup ready notification")
		}
	}

	tctx, cancel := terminalContext(ctx)
	defer cancel()
	backupID := r.backup.ID
	if _, err := r.im.deps.Ledger.UpdateJob(tctx, r.job.ID, models.JobUpdate{
		Status:         models.StatusPtr(models.JobStatusCompleted),
		Progress:       models.ProgressPtr(100),
		Message:        models.StringPtr(MessageCompleted),
		ResultBackupID: &backupID,
		Payload:        models.PayloadPatch{models.PayloadKeyLifecycleState: models.LifecycleCompleted},
	}); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	r.im.deps.Metrics.RecordJob(string(models.JobKindArchiveUpload), metrics.OutcomeCompleted, r.im.clock.Now().Sub(r.started))
	r.logger.Info().
		Str("backup_id", backupID.String()).
		Int64("size_bytes", r.size).
		Msg("archive imported")
	return nil
}

// cancel deletes whatever the import produced, including the uploaded
// archive, and marks the job cancelled.
func (r *importRun) cancel(ctx context.Context) error {
	tctx, done := terminalContext(ctx)
	defer done()

	if _, err := r.im.deps.Ledger.UpdateJob(tctx, r.job.ID, models.JobUpdate{
		Message: models.StringPtr(jobs.CancellingMessage),
		Payload: models.PayloadPatch{models.PayloadKeyLifecycleState: models.LifecycleCleanup},
	}); err != nil {
		if errors.Is(err, models.ErrJobTerminal) {
			return nil
		}
		r.logger.Warn().Err(err).Msg("failed to enter cleanup")
	}

	patch := models.PayloadPatch{
		models.PayloadKeyLifecycleState: models.LifecycleCancelled,
		models.PayloadKeyFailureCode:    models.FailureCancelled,
	}

	backup := r.backup
	if backup == nil {
		if existing, err := r.im.deps.Backups.GetBackupBySourceJob(tctx, r.job.ID); err == nil {
			backup = existing
		}
	}
	if backup != nil {
		patch[models.PayloadKeyPartialBackupID] = backup.ID
		owner := r.job.UserID
		if _, err := r.im.deps.Deleter.DeleteBackup(tctx, backup.ID, &owner); err != nil && !errors.Is(err, models.ErrNotFound) {
			r.logger.Warn().Err(err).Str("backup_id", backup.ID.String()).Msg("failed to delete partial backup")
		}
	} else if _, err := r.im.deps.Objects.DeleteMany(tctx, []string{r.upload.StoragePath}); err != nil {
		r.logger.Warn().Err(err).Str("storage_path", r.upload.StoragePath).Msg("failed to delete uploaded archive")
	}

	if _, err := r.im.deps.Ledger.UpdateJob(tctx, r.job.ID, models.JobUpdate{
		Status:       models.StatusPtr(models.JobStatusFailed),
		Message:      models.StringPtr(jobs.CancelledMessage),
		ErrorMessage: models.StringPtr(jobs.CancelledMessage),
		Payload:      patch,
	}); err != nil && !errors.Is(err, models.ErrJobTerminal) {
		return fmt.Errorf("mark job cancelled: %w", err)
	}

	r.im.deps.Metrics.RecordJob(string(models.JobKindArchiveUpload), metrics.OutcomeCancelled, r.im.clock.Now().Sub(r.started))
	r.logger.Info().Msg("archive import cancelled")
	return nil
}

func (r *importRun) fail(ctx context.Context, err error) error {
	tctx, done := terminalContext(ctx)
	defer done()

	code := models.FailureInternal
	var ie *importError
	if errors.As(err, &ie) {
		code = ie.code
	}
	if ferr := r.im.deps.Ledger.FailJob(tctx, r.job.ID, code, err.Error()); ferr != nil {
		return ferr
	}
	r.im.deps.Metrics.RecordJob(string(models.JobKindArchiveUpload), metrics.OutcomeFailed, r.im.clock.Now().Sub(r.started))
	return nil
}

func terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
}
