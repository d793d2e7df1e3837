// Package archive accepts uploaded data exports and imports them as backups.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/MacJediWizard/snapvault/internal/config"
	"github.com/MacJediWizard/snapvault/internal/jobs"
	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

const (
	// QueuedMessage is the message of a freshly created import job.
	QueuedMessage = "Waiting to start"

	contentTypeZip = "application/zip"
)

// ErrInvalidUpload is returned for upload descriptors that do not point at
// one of the user's archive keys.
var ErrInvalidUpload = errors.New("invalid archive upload")

// TooLargeError is returned when an archive exceeds the configured cap.
type TooLargeError struct {
	SizeBytes int64
	MaxBytes  int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("Archive of %s exceeds the %s limit",
		humanize.IBytes(uint64(e.SizeBytes)), humanize.IBytes(uint64(e.MaxBytes)))
}

// ServiceLedger is the part of the job ledger used to create import jobs.
type ServiceLedger interface {
	FindActiveJob(ctx context.Context, userID uuid.UUID) (*models.BackupJob, error)
	CreateJob(ctx context.Context, userID uuid.UUID, kind models.JobKind, payload models.PayloadPatch, message string) (*models.BackupJob, error)
}

// Presigner creates signed upload URLs.
type Presigner interface {
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
}

// Enqueuer hands jobs to the dispatcher.
type Enqueuer interface {
	Enqueue(job *models.BackupJob)
}

// UploadTicket is what a client needs to upload an archive.
type UploadTicket struct {
	UploadURL   string    `json:"upload_url"`
	StoragePath string    `json:"storage_path"`
	FileName    string    `json:"file_name"`
	MaxBytes    int64     `json:"max_bytes"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Service hands out upload URLs and starts import jobs.
type Service struct {
	ledger     ServiceLedger
	objects    Presigner
	dispatcher Enqueuer
	limits     config.ArchiveLimits
	clock      clock.Clock
	logger     zerolog.Logger
}

// NewService creates an archive service.
func NewService(ledger ServiceLedger, objects Presigner, dispatcher Enqueuer, limits config.ArchiveLimits, clk clock.Clock, logger zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Service{
		ledger:     ledger,
		objects:    objects,
		dispatcher: dispatcher,
		limits:     limits,
		clock:      clk,
		logger:     logger.With().Str("component", "archive_service").Logger(),
	}
}

// ArchivePrefix is the key prefix of a user's uploaded archives.
func ArchivePrefix(userID uuid.UUID) string {
	return userID.String() + "/archives/"
}

// PrepareUpload reserves a storage key and returns a signed PUT URL for it.
// No job exists until StartImport is called.
func (s *Service) PrepareUpload(ctx context.Context, userID uuid.UUID, fileName string, declaredBytes int64) (*UploadTicket, error) {
	if declaredBytes > s.limits.MaxBytes {
		return nil, &TooLargeError{SizeBytes: declaredBytes, MaxBytes: s.limits.MaxBytes}
	}
	if err := s.checkActive(ctx, userID); err != nil {
		return nil, err
	}

	key := ArchivePrefix(userID) + uuid.NewString() + ".zip"
	url, err := s.objects.PresignPut(ctx, key, contentTypeZip, s.limits.UploadURLTTL)
	if err != nil {
		return nil, fmt.Errorf("presign archive upload: %w", err)
	}

	ticket := &UploadTicket{
		UploadURL:   url,
		StoragePath: key,
		FileName:    cleanFileName(fileName),
		MaxBytes:    s.limits.MaxBytes,
		ExpiresAt:   s.clock.Now().UTC().Add(s.limits.UploadURLTTL),
	}
	s.logger.Info().
		Str("user_id", userID.String()).
		Str("storage_path", key).
		Msg("archive upload prepared")
	return ticket, nil
}

// StartImport creates the archive_upload job for a finished upload and hands
// it to the dispatcher.
func (s *Service) StartImport(ctx context.Context, userID uuid.UUID, upload models.ArchiveUpload) (*models.BackupJob, error) {
	if !strings.HasPrefix(upload.StoragePath, ArchivePrefix(userID)) || !strings.HasSuffix(upload.StoragePath, ".zip") {
		return nil, fmt.Errorf("%w: %q is not an archive key of this user", ErrInvalidUpload, upload.StoragePath)
	}
	if upload.DeclaredBytes > s.limits.MaxBytes {
		return nil, &TooLargeError{SizeBytes: upload.DeclaredBytes, MaxBytes: s.limits.MaxBytes}
	}
	upload.FileName = cleanFileName(upload.FileName)

	if err := s.checkActive(ctx, userID); err != nil {
		return nil, err
	}

	job, err := s.ledger.CreateJob(ctx, userID, models.JobKindArchiveUpload, models.PayloadPatch{
		models.PayloadKeyArchive: upload,
	}, QueuedMessage)
	if err != nil {
		return nil, fmt.Errorf("create archive job: %w", err)
	}

	s.dispatcher.Enqueue(job)
	s.logger.Info().
		Str("job_id", job.ID.String()).
		Str("user_id", userID.String()).
		Str("storage_path", upload.StoragePath).
		Msg("archive import requested")
	return job, nil
}

func (s *Service) checkActive(ctx context.Context, userID uuid.UUID) error {
	active, err := s.ledger.FindActiveJob(ctx, userID)
	if err != nil {
		return fmt.Errorf("find active job: %w", err)
	}
	if active != nil {
		return &jobs.ActiveJobError{Job: active}
	}
	return nil
}

func cleanFileName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "archive.zip"
	}
	return name
}
