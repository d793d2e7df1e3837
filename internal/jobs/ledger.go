// Package jobs tracks backup jobs from creation to a terminal state and
// dispatches them to their handlers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

const (
	// DefaultStaleAfter is how long a job may stay queued before a reader fails it.
	DefaultStaleAfter = 5 * time.Minute

	// CancelledMessage is the user-facing message of a cancelled job.
	CancelledMessage = "Cancelled"
	// CancellingMessage is shown while a cancellation is being processed.
	CancellingMessage = "Cancelling..."
	// QueueTimeoutMessage tells the user the job was never started and can be retried.
	QueueTimeoutMessage = "Backup did not start in time and was stopped. Please try again."

	staleSweepBatch = 100
)

// ActiveJobError is returned when the user already has a queued or running job.
type ActiveJobError struct {
	Job *models.BackupJob
}

func (e *ActiveJobError) Error() string {
	return fmt.Sprintf("a backup job is already %s (job %s)", e.Job.Status, e.Job.ID)
}

// JobStore defines the persistence operations the ledger needs.
type JobStore interface {
	CreateBackupJob(ctx context.Context, job *models.BackupJob) error
	GetBackupJob(ctx context.Context, id uuid.UUID) (*models.BackupJob, error)
	GetActiveBackupJob(ctx context.Context, userID uuid.UUID) (*models.BackupJob, error)
	UpdateBackupJob(ctx context.Context, id uuid.UUID, change models.JobChange) (*models.BackupJob, error)
	MergeBackupJobPayload(ctx context.Context, id uuid.UUID, patch models.PayloadPatch, at time.Time) error
	FailStaleBackupJob(ctx context.Context, id uuid.UUID, staleBefore time.Time, message string, patch models.PayloadPatch, at time.Time) (bool, error)
	ListStaleQueuedJobs(ctx context.Context, staleBefore time.Time, limit int) ([]*models.BackupJob, error)
}

// LedgerOptions configures a Ledger.
type LedgerOptions struct {
	// StaleAfter defaults to DefaultStaleAfter.
	StaleAfter time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Ledger is the durable state machine for backup jobs.
type Ledger struct {
	store      JobStore
	staleAfter time.Duration
	clock      clock.Clock
	logger     zerolog.Logger
}

// NewLedger creates a new job ledger.
func NewLedger(store JobStore, opts LedgerOptions, logger zerolog.Logger) *Ledger {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Ledger{
		store:      store,
		staleAfter: opts.StaleAfter,
		clock:      opts.Clock,
		logger:     logger.With().Str("component", "job_ledger").Logger(),
	}
}

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time {
	return l.clock.Now().UTC()
}

// CreateJob inserts a queued job. Single-flight is checked by callers with FindActiveJob.
func (l *Ledger) CreateJob(ctx context.Context, userID uuid.UUID, kind models.JobKind, payload models.PayloadPatch, message string) (*models.BackupJob, error) {
	job := models.NewBackupJob(userID, kind, message, l.Now())
	if len(payload) > 0 {
		merged, err := job.Payload.Apply(payload)
		if err != nil {
			return nil, fmt.Errorf("build job payload: %w", err)
		}
		merged.SchemaVersion = models.PayloadSchemaVersion
		job.Payload = merged
	}

	if err := l.store.CreateBackupJob(ctx, job); err != nil {
		return nil, err
	}

	l.logger.Info().
		Str("job_id", job.ID.String()).
		Str("user_id", userID.String()).
		Str("kind", string(kind)).
		Msg("backup job created")
	return job, nil
}

// GetJob returns a job, failing it first if it went stale in the queue.
func (l *Ledger) GetJob(ctx context.Context, id uuid.UUID) (*models.BackupJob, error) {
	job, err := l.store.GetBackupJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !l.isStale(job) {
		return job, nil
	}
	if _, err := l.failStale(ctx, job); err != nil {
		return nil, err
	}
	return l.store.GetBackupJob(ctx, id)
}

// GetJobForUser returns a job only if userID owns it.
func (l *Ledger) GetJobForUser(ctx context.Context, id, userID uuid.UUID) (*models.BackupJob, error) {
	job, err := l.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, models.ErrNotFound
	}
	return job, nil
}

// FindActiveJob returns the user's queued or processing job, or nil. A job
// that sat queued past the stale timeout is failed and the lookup retried once.
func (l *Ledger) FindActiveJob(ctx context.Context, userID uuid.UUID) (*models.BackupJob, error) {
	for attempt := 0; attempt < 2; attempt++ {
		job, err := l.store.GetActiveBackupJob(ctx, userID)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, nil
		}
		if !l.isStale(job) {
			return job, nil
		}
		if _, err := l.failStale(ctx, job); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// UpdateJob applies a partial update. Progress is clamped to [0,100] and
// rounded; updates to terminal jobs return models.ErrJobTerminal.
func (l *Ledger) UpdateJob(ctx context.Context, id uuid.UUID, u models.JobUpdate) (*models.BackupJob, error) {
	change := models.JobChange{
		Status:         u.Status,
		Message:        u.Message,
		ResultBackupID: u.ResultBackupID,
		ErrorMessage:   u.ErrorMessage,
		Payload:        u.Payload,
		At:             l.Now(),
	}
	if u.Progress != nil && !math.IsNaN(*u.Progress) {
		p := int(math.Round(math.Max(0, math.Min(100, *u.Progress))))
		change.Progress = &p
	}

	job, err := l.store.UpdateBackupJob(ctx, id, change)
	if err != nil {
		return nil, err
	}

	if change.Status != nil {
		l.logger.Debug().
			Str("job_id", id.String()).
			Str("status", string(*change.Status)).
			Int("progress", job.Progress).
			Msg("job status updated")
	}
	return job, nil
}

// FailJob moves a job to failed with the given failure code. Jobs that are
// already terminal are left as they are.
func (l *Ledger) FailJob(ctx context.Context, id uuid.UUID, failureCode, message string) error {
	_, err := l.UpdateJob(ctx, id, models.JobUpdate{
		Status:       models.StatusPtr(models.JobStatusFailed),
		Message:      models.StringPtr(message),
		ErrorMessage: models.StringPtr(message),
		Payload: models.PayloadPatch{
			models.PayloadKeyFailureCode:    failureCode,
			models.PayloadKeyLifecycleState: models.LifecycleFailed,
		},
	})
	if err != nil && !errors.Is(err, models.ErrJobTerminal) {
		return fmt.Errorf("fail job: %w", err)
	}
	if err == nil {
		l.logger.Warn().
			Str("job_id", id.String()).
			Str("failure_code", failureCode).
			Str("message", message).
			Msg("job failed")
	}
	return nil
}

// MergePayload shallow-merges patch into the job payload.
func (l *Ledger) MergePayload(ctx context.Context, id uuid.UUID, patch models.PayloadPatch) error {
	return l.store.MergeBackupJobPayload(ctx, id, patch, l.Now())
}

// RequestCancellation flags a job for cancellation. A queued job is moved to
// processing so the next worker to pick it up runs the cancellation path.
// Terminal jobs are returned unchanged.
func (l *Ledger) RequestCancellation(ctx context.Context, id uuid.UUID, reason string) (*models.BackupJob, error) {
	job, err := l.store.GetBackupJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return job, nil
	}

	update := models.JobUpdate{
		Payload: models.PayloadPatch{
			models.PayloadKeyCancelRequested:   true,
			models.PayloadKeyCancelReason:      reason,
			models.PayloadKeyCancelRequestedAt: l.Now(),
		},
	}
	if job.Status == models.JobStatusQueued {
		update.Status = models.StatusPtr(models.JobStatusProcessing)
		update.Message = models.StringPtr(CancellingMessage)
	}

	updated, err := l.UpdateJob(ctx, id, update)
	if err != nil {
		if errors.Is(err, models.ErrJobTerminal) {
			return l.store.GetBackupJob(ctx, id)
		}
		return nil, fmt.Errorf("request cancellation: %w", err)
	}

	l.logger.Info().
		Str("job_id", id.String()).
		Str("reason", reason).
		Msg("job cancellation requested")
	return updated, nil
}

// IsCancellationRequested reports whether the job carries the cancellation flag.
func (l *Ledger) IsCancellationRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	job, err := l.store.GetBackupJob(ctx, id)
	if err != nil {
		return false, err
	}
	return job.Payload.CancelRequested, nil
}

// SweepStaleJobs fails every job that stayed queued past the stale timeout.
func (l *Ledger) SweepStaleJobs(ctx context.Context) (int, error) {
	jobs, err := l.store.ListStaleQueuedJobs(ctx, l.Now().Add(-l.staleAfter), staleSweepBatch)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, job := range jobs {
		ok, err := l.failStale(ctx, job)
		if err != nil {
			l.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to sweep stale job")
			continue
		}
		if ok {
			swept++
		}
	}
	return swept, nil
}

func (l *Ledger) isStale(job *models.BackupJob) bool {
	return job.Status == models.JobStatusQueued && l.Now().Sub(job.CreatedAt) > l.staleAfter
}

func (l *Ledger) failStale(ctx context.Context, job *models.BackupJob) (bool, error) {
	now := l.Now()
	patch := models.PayloadPatch{
		models.PayloadKeyQueueTimeout:   true,
		models.PayloadKeyFailureCode:    models.FailureQueueTimeout,
		models.PayloadKeyLifecycleState: models.LifecycleFailed,
	}

	ok, err := l.store.FailStaleBackupJob(ctx, job.ID, now.Add(-l.staleAfter), QueueTimeoutMessage, patch, now)
	if err != nil {
		return false, fmt.Errorf("fail stale job: %w", err)
	}
	if ok {
		l.logger.Warn().
			Str("job_id", job.ID.String()).
			Str("user_id", job.UserID.String()).
			Dur("queued_for", now.Sub(job.CreatedAt)).
			Msg("stale queued job failed")
	}
	return ok, nil
}
