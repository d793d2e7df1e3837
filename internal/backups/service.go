package backups

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

var (
	// ErrNotGuest is returned when claiming a backup that already belongs to an account.
	ErrNotGuest = errors.New("backup is not a guest backup")
	// ErrClaimExpired is returned when claiming a guest backup past its retention.
	ErrClaimExpired = errors.New("guest backup has expired")
)

// ServiceStore defines the database operations needed by the Service.
type ServiceStore interface {
	GetBackup(ctx context.Context, id uuid.UUID) (*models.Backup, error)
	ClaimBackup(ctx context.Context, id, userID uuid.UUID, at time.Time) error
	MediaFileExists(ctx context.Context, backupID uuid.UUID, storagePath string) (bool, error)
}

// URLSigner issues time-limited download URLs.
type URLSigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Service hands guest backups over to accounts and issues media URLs.
type Service struct {
	store  ServiceStore
	signer URLSigner
	clock  clock.Clock
	logger zerolog.Logger
}

// NewService creates a new Service. A nil clock uses the wall clock.
func NewService(store ServiceStore, signer URLSigner, clk clock.Clock, logger zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Service{
		store:  store,
		signer: signer,
		clock:  clk,
		logger: logger.With().Str("component", "backup_service").Logger(),
	}
}

// Claim moves a guest backup and its media to userID and keeps it for as
// long as the account exists.
func (s *Service) Claim(ctx context.Context, backupID, userID uuid.UUID) (*models.Backup, error) {
	backup, err := s.store.GetBackup(ctx, backupID)
	if err != nil {
		return nil, fmt.Errorf("get backup: %w", err)
	}
	if !backup.IsGuest() {
		return nil, ErrNotGuest
	}

	now := s.clock.Now().UTC()
	if exp := backup.Payload.Retention.ExpiresAt; exp != nil && exp.Before(now) {
		return nil, ErrClaimExpired
	}

	if err := s.store.ClaimBackup(ctx, backupID, userID, now); err != nil {
		return nil, fmt.Errorf("claim backup: %w", err)
	}

	s.logger.Info().
		Str("backup_id", backupID.String()).
		Str("from_user_id", backup.UserID.String()).
		Str("to_user_id", userID.String()).
		Msg("guest backup claimed")

	return s.store.GetBackup(ctx, backupID)
}

// MediaURL returns a signed download URL for an object attached to a backup
// owned by userID.
func (s *Service) MediaURL(ctx context.Context, userID, backupID uuid.UUID, path string, ttl time.Duration) (string, error) {
	backup, err := s.store.GetBackup(ctx, backupID)
	if err != nil {
		return "", fmt.Errorf("get backup: %w", err)
	}
	if backup.UserID != userID {
		return "", ErrForbidden
	}

	attached := backup.ArchivePath != nil && *backup.ArchivePath == path
	if !attached {
		attached, err = s.store.MediaFileExists(ctx, backupID, path)
		if err != nil {
			return "", fmt.Errorf("check media file: %w", err)
		}
	}
	if !attached {
		return "", models.ErrNotFound
	}

	url, err := s.signer.PresignGet(ctx, path, ttl)
	if err != nil {
		return "", fmt.Errorf("sign media url: %w", err)
	}
	return url, nil
}
