package models

import (
	"time"

	"github.com/google/uuid"
)

// JobKind defines what a backup job produces its backup from.
type JobKind string

const (
	// JobKindArchiveUpload imports a user-uploaded data export.
	JobKindArchiveUpload JobKind = "archive_upload"
	// JobKindSnapshotScrape captures a live snapshot through the scraping provider.
	JobKindSnapshotScrape JobKind = "snapshot_scrape"
)

// JobStatus defines the status of a backup job.
type JobStatus string

const (
	// JobStatusQueued indicates the job is waiting for a worker.
	JobStatusQueued JobStatus = "queued"
	// JobStatusProcessing indicates a worker is running the job.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates the job produced its backup.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed or was cancelled.
	JobStatusFailed JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// LifecycleState is the fine-grained phase recorded in the job payload.
type LifecycleState string

const (
	LifecycleQueued     LifecycleState = "queued"
	LifecycleImporting  LifecycleState = "importing"
	LifecyclePreparing  LifecycleState = "preparing"
	LifecycleScraping   LifecycleState = "scraping"
	LifecycleSaving     LifecycleState = "saving"
	LifecycleMedia      LifecycleState = "media"
	LifecycleFinalizing LifecycleState = "finalizing"
	LifecycleCleanup    LifecycleState = "cleanup"
	LifecycleCompleted  LifecycleState = "completed"
	LifecycleCancelled  LifecycleState = "cancelled"
	LifecycleFailed     LifecycleState = "failed"
)

// Failure codes stored in the payload of failed jobs.
const (
	FailureProviderNotConfigured = "provider_not_configured"
	FailureBudgetExceeded        = "budget_exceeded"
	FailureProviderError         = "provider_error"
	FailureQueueTimeout          = "queue_timeout"
	FailureArchiveMissing        = "archive_missing"
	FailureArchiveTooLarge       = "archive_too_large"
	FailureCancelled             = "cancelled"
	FailureInternal              = "internal"
)

// BackupJob is one durable record of background work producing a backup.
type BackupJob struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	Kind           JobKind    `json:"kind"`
	Status         JobStatus  `json:"status"`
	Progress       int        `json:"progress"`
	Message        string     `json:"message"`
	Payload        JobPayload `json:"payload"`
	ResultBackupID *uuid.UUID `json:"result_backup_id,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewBackupJob creates a queued job for the given user.
func NewBackupJob(userID uuid.UUID, kind JobKind, message string, now time.Time) *BackupJob {
	return &BackupJob{
		ID:       uuid.New(),
		UserID:   userID,
		Kind:     kind,
		Status:   JobStatusQueued,
		Progress: 0,
		Message:  message,
		Payload: JobPayload{
			SchemaVersion:  PayloadSchemaVersion,
			LifecycleState: LifecycleQueued,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsTerminal returns true if the job reached completed or failed.
func (j *BackupJob) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// IsActive returns true if the job counts against the per-user single-flight rule.
func (j *BackupJob) IsActive() bool {
	return j.Status == JobStatusQueued || j.Status == JobStatusProcessing
}

// IsCancelled distinguishes a user cancellation from a genuine failure.
func (j *BackupJob) IsCancelled() bool {
	return j.Status == JobStatusFailed && j.Payload.LifecycleState == LifecycleCancelled
}

// JobUpdate is a partial update of a job. Nil fields are left unchanged.
type JobUpdate struct {
	Status         *JobStatus
	Progress       *float64
	Message        *string
	ResultBackupID *uuid.UUID
	ErrorMessage   *string
	Payload        PayloadPatch
}

// JobChange is a normalized JobUpdate as applied by a store.
type JobChange struct {
	Status         *JobStatus
	Progress       *int
	Message        *string
	ResultBackupID *uuid.UUID
	ErrorMessage   *string
	Payload        PayloadPatch
	At             time.Time
}

// StatusPtr returns a pointer to s.
func StatusPtr(s JobStatus) *JobStatus { return &s }

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// ProgressPtr returns a pointer to p.
func ProgressPtr(p float64) *float64 { return &p }
