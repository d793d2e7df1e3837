// Package testutil provides in-memory stores mirroring the PostgreSQL and
// S3 semantics for package tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/google/uuid"
)

type jobRecord struct {
	job   *models.BackupJob
	lease *time.Time
}

// Store is an in-memory implementation of the job, backup and media stores.
type Store struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*jobRecord
	backups map[uuid.UUID]*models.Backup
	media   map[uuid.UUID]*models.MediaFile

	// Err, when set, is returned by every method whose name is a key.
	Err map[string]error
	// Calls counts invocations per method name.
	Calls map[string]int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		jobs:    make(map[uuid.UUID]*jobRecord),
		backups: make(map[uuid.UUID]*models.Backup),
		media:   make(map[uuid.UUID]*models.MediaFile),
		Err:     make(map[string]error),
		Calls:   make(map[string]int),
	}
}

// enter locks the store and records the call. On error the lock is released.
func (s *Store) enter(method string) error {
	s.mu.Lock()
	s.Calls[method]++
	if err := s.Err[method]; err != nil {
		s.mu.Unlock()
		return err
	}
	return nil
}

// SetErr makes method fail with err. A nil err clears the failure.
func (s *Store) SetErr(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.Err, method)
		return
	}
	s.Err[method] = err
}

// CallCount returns how often method was invoked.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls[method]
}

func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("testutil: clone: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("testutil: clone: %v", err))
	}
	return out
}

// Jobs

func (s *Store) CreateBackupJob(_ context.Context, job *models.BackupJob) error {
	if err := s.enter("CreateBackupJob"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("duplicate job %s", job.ID)
	}
	s.jobs[job.ID] = &jobRecord{job: clone(job)}
	return nil
}

func (s *Store) GetBackupJob(_ context.Context, id uuid.UUID) (*models.BackupJob, error) {
	if err := s.enter("GetBackupJob"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return clone(rec.job), nil
}

func (s *Store) GetActiveBackupJob(_ context.Context, userID uuid.UUID) (*models.BackupJob, error) {
	if err := s.enter("GetActiveBackupJob"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var newest *models.BackupJob
	for _, rec := range s.jobs {
		if rec.job.UserID != userID || !rec.job.IsActive() {
			continue
		}
		if newest == nil || rec.job.CreatedAt.After(newest.CreatedAt) {
			newest = rec.job
		}
	}
	if newest == nil {
		return nil, nil
	}
	return clone(newest), nil
}

func (s *Store) UpdateBackupJob(_ context.Context, id uuid.UUID, change models.JobChange) (*models.BackupJob, error) {
	if err := s.enter("UpdateBackupJob"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	job := rec.job
	if job.IsTerminal() {
		return nil, models.ErrJobTerminal
	}

	if change.Progress != nil {
		if *change.Progress >= job.Progress || job.Payload.CancelRequested {
			job.Progress = *change.Progress
		}
	}
	if change.Status != nil {
		job.Status = *change.Status
		switch *change.Status {
		case models.JobStatusProcessing:
			if job.StartedAt == nil {
				at := change.At
				job.StartedAt = &at
			}
		case models.JobStatusCompleted, models.JobStatusFailed:
			at := change.At
			job.CompletedAt = &at
		}
	}
	if change.Message != nil {
		job.Message = *change.Message
	}
	if change.ResultBackupID != nil {
		id := *change.ResultBackupID
		job.ResultBackupID = &id
	}
	if change.ErrorMessage != nil {
		msg := *change.ErrorMessage
		job.ErrorMessage = &msg
	}
	if len(change.Payload) > 0 {
		merged, err := job.Payload.Apply(change.Payload)
		if err != nil {
			return nil, err
		}
		job.Payload = merged
	}
	job.UpdatedAt = change.At
	return clone(job), nil
}

func (s *Store) MergeBackupJobPayload(_ context.Context, id uuid.UUID, patch models.PayloadPatch, at time.Time) error {
	if err := s.enter("MergeBackupJobPayload"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return models.ErrNotFound
	}
	if rec.job.IsTerminal() {
		return models.ErrJobTerminal
	}
	merged, err := rec.job.Payload.Apply(patch)
	if err != nil {
		return err
	}
	rec.job.Payload = merged
	rec.job.UpdatedAt = at
	return nil
}

func (s *Store) FailStaleBackupJob(_ context.Context, id uuid.UUID, staleBefore time.Time, message string, patch models.PayloadPatch, at time.Time) (bool, error) {
	if err := s.enter("FailStaleBackupJob"); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || rec.job.Status != models.JobStatusQueued || !rec.job.CreatedAt.Before(staleBefore) {
		return false, nil
	}
	merged, err := rec.job.Payload.Apply(patch)
	if err != nil {
		return false, err
	}
	rec.job.Status = models.JobStatusFailed
	rec.job.Message = message
	rec.job.ErrorMessage = &message
	rec.job.Payload = merged
	rec.job.CompletedAt = &at
	rec.job.UpdatedAt = at
	return true, nil
}

func (s *Store) ListStaleQueuedJobs(_ context.Context, staleBefore time.Time, limit int) ([]*models.BackupJob, error) {
	if err := s.enter("ListStaleQueuedJobs"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.sortedJobs(limit, func(rec *jobRecord) bool {
		return rec.job.Status == models.JobStatusQueued && rec.job.CreatedAt.Before(staleBefore)
	}), nil
}

func (s *Store) ListDispatchableJobs(_ context.Context, now time.Time, limit int) ([]*models.BackupJob, error) {
	if err := s.enter("ListDispatchableJobs"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.sortedJobs(limit, func(rec *jobRecord) bool {
		return rec.job.IsActive() && (rec.lease == nil || rec.lease.Before(now))
	}), nil
}

func (s *Store) ClaimBackupJob(_ context.Context, id uuid.UUID, now, leaseUntil time.Time) (bool, error) {
	if err := s.enter("ClaimBackupJob"); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || !rec.job.IsActive() || (rec.lease != nil && !rec.lease.Before(now)) {
		return false, nil
	}
	rec.lease = &leaseUntil
	return true, nil
}

func (s *Store) ExtendBackupJobLeases(_ context.Context, ids []uuid.UUID, leaseUntil time.Time) error {
	if err := s.enter("ExtendBackupJobLeases"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	for _, id := range ids {
		if rec, ok := s.jobs[id]; ok && rec.job.IsActive() {
			until := leaseUntil
			rec.lease = &until
		}
	}
	return nil
}

func (s *Store) ReleaseBackupJob(_ context.Context, id uuid.UUID) error {
	if err := s.enter("ReleaseBackupJob"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if rec, ok := s.jobs[id]; ok {
		rec.lease = nil
	}
	return nil
}

func (s *Store) sortedJobs(limit int, keep func(*jobRecord) bool) []*models.BackupJob {
	var out []*models.BackupJob
	for _, rec := range s.jobs {
		if keep(rec) {
			out = append(out, clone(rec.job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Backups

func (s *Store) CreateBackup(_ context.Context, b *models.Backup) error {
	if err := s.enter("CreateBackup"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if b.SourceJobID != nil {
		for _, existing := range s.backups {
			if existing.SourceJobID != nil && *existing.SourceJobID == *b.SourceJobID {
				return fmt.Errorf("duplicate source_job_id %s", *b.SourceJobID)
			}
		}
	}
	s.backups[b.ID] = clone(b)
	return nil
}

func (s *Store) GetBackup(_ context.Context, id uuid.UUID) (*models.Backup, error) {
	if err := s.enter("GetBackup"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	b, ok := s.backups[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return clone(b), nil
}

func (s *Store) GetBackupBySourceJob(_ context.Context, jobID uuid.UUID) (*models.Backup, error) {
	if err := s.enter("GetBackupBySourceJob"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	for _, b := range s.backups {
		if b.SourceJobID != nil && *b.SourceJobID == jobID {
			return clone(b), nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *Store) ListBackupsByUser(_ context.Context, userID uuid.UUID) ([]*models.Backup, error) {
	if err := s.enter("ListBackupsByUser"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []*models.Backup
	for _, b := range s.backups {
		if b.UserID == userID {
			out = append(out, clone(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateBackupPayload(_ context.Context, id uuid.UUID, payload models.BackupPayload, at time.Time) error {
	if err := s.enter("UpdateBackupPayload"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	b, ok := s.backups[id]
	if !ok {
		return models.ErrNotFound
	}
	b.Payload = *clone(&payload)
	b.UpdatedAt = at
	return nil
}

func (s *Store) UpdateBackupStorage(_ context.Context, id uuid.UUID, breakdown models.StorageBreakdown) error {
	if err := s.enter("UpdateBackupStorage"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	b, ok := s.backups[id]
	if !ok {
		return models.ErrNotFound
	}
	b.Payload.Storage = clone(&breakdown)
	b.UpdatedAt = breakdown.CalculatedAt
	return nil
}

func (s *Store) DeleteBackup(_ context.Context, id uuid.UUID) error {
	if err := s.enter("DeleteBackup"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.backups[id]; !ok {
		return models.ErrNotFound
	}
	delete(s.backups, id)
	for mid, m := range s.media {
		if m.BackupID == id {
			delete(s.media, mid)
		}
	}
	return nil
}

func (s *Store) ClaimBackup(_ context.Context, id, userID uuid.UUID, at time.Time) error {
	if err := s.enter("ClaimBackup"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	b, ok := s.backups[id]
	if !ok {
		return models.ErrNotFound
	}
	b.UserID = userID
	b.Payload.Retention = &models.Retention{Mode: models.RetentionAccount}
	b.UpdatedAt = at
	for _, m := range s.media {
		if m.BackupID == id {
			m.UserID = userID
		}
	}
	return nil
}

func (s *Store) ListExpiredGuestBackups(_ context.Context, now time.Time, limit int) ([]*models.Backup, error) {
	if err := s.enter("ListExpiredGuestBackups"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []*models.Backup
	for _, b := range s.backups {
		r := b.Payload.Retention
		if r != nil && r.Mode == models.RetentionGuest && r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			out = append(out, clone(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListPathsReferencedElsewhere(_ context.Context, backupID uuid.UUID, paths []string) ([]string, error) {
	if err := s.enter("ListPathsReferencedElsewhere"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(paths))
	for _, p := range paths {
		wanted[p] = true
	}
	found := make(map[string]bool)
	for _, m := range s.media {
		if m.BackupID != backupID && wanted[m.StoragePath] {
			found[m.StoragePath] = true
		}
	}
	for _, b := range s.backups {
		if b.ID != backupID && b.ArchivePath != nil && wanted[*b.ArchivePath] {
			found[*b.ArchivePath] = true
		}
	}
	out := make([]string, 0, len(found))
	for p := range found {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Media files

func (s *Store) MediaFileExists(_ context.Context, backupID uuid.UUID, storagePath string) (bool, error) {
	if err := s.enter("MediaFileExists"); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	for _, m := range s.media {
		if m.BackupID == backupID && m.StoragePath == storagePath {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CreateMediaFile(_ context.Context, m *models.MediaFile) (bool, error) {
	if err := s.enter("CreateMediaFile"); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	if _, ok := s.backups[m.BackupID]; !ok {
		return false, fmt.Errorf("backup %s does not exist", m.BackupID)
	}
	for _, existing := range s.media {
		if existing.BackupID == m.BackupID && existing.StoragePath == m.StoragePath {
			return false, nil
		}
	}
	s.media[m.ID] = clone(m)
	return true, nil
}

func (s *Store) ListMediaFilesByBackup(_ context.Context, backupID uuid.UUID) ([]*models.MediaFile, error) {
	if err := s.enter("ListMediaFilesByBackup"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.sortedMedia(func(m *models.MediaFile) bool { return m.BackupID == backupID }), nil
}

func (s *Store) ListMediaFilesByUser(_ context.Context, userID uuid.UUID) ([]*models.MediaFile, error) {
	if err := s.enter("ListMediaFilesByUser"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.sortedMedia(func(m *models.MediaFile) bool { return m.UserID == userID }), nil
}

func (s *Store) sortedMedia(keep func(*models.MediaFile) bool) []*models.MediaFile {
	var out []*models.MediaFile
	for _, m := range s.media {
		if keep(m) {
			out = append(out, clone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BackupID != out[j].BackupID {
			return out[i].BackupID.String() < out[j].BackupID.String()
		}
		return out[i].StoragePath < out[j].StoragePath
	})
	return out
}
