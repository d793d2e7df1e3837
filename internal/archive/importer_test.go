package archive

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/MacJediWizard/snapvault/internal/backups"
	"github.com/MacJediWizard/snapvault/internal/jobs"
	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/MacJediWizard/snapvault/internal/notifications"
	"github.com/MacJediWizard/snapvault/internal/testutil"
	"github.com/MacJediWizard/snapvault/internal/usage"
	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notifications.BackupReadyData
}

func (n *fakeNotifier) NotifyBackupReady(_ context.Context, data notifications.BackupReadyData) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, data)
	return nil
}

type importerEnv struct {
	ctx      context.Context
	store    *testutil.Store
	objects  *testutil.Objects
	ledger   *jobs.Ledger
	notifier *fakeNotifier
	importer *Importer
	userID   uuid.UUID
	key      string
}

func newImporterEnv(t *testing.T) *importerEnv {
	t.Helper()
	clk := testclock.NewClock(t0)
	store := testutil.NewStore()
	objects := testutil.NewObjects()
	ledger := jobs.NewLedger(store, jobs.LedgerOptions{Clock: clk}, zerolog.Nop())
	notifier := &fakeNotifier{}
	userID := uuid.New()

	importer := NewImporter(ImporterDeps{
		Ledger:   ledger,
		Backups:  store,
		Objects:  objects,
		Usage:    usage.NewAccountant(store, clk, zerolog.Nop()),
		Deleter:  backups.NewDeleter(store, objects, nil, zerolog.Nop()),
		Notifier: notifier,
		Clock:    clk,
	}, testLimits, zerolog.Nop())

	return &importerEnv{
		ctx:      context.Background(),
		store:    store,
		objects:  objects,
		ledger:   ledger,
		notifier: notifier,
		importer: importer,
		userID:   userID,
		key:      ArchivePrefix(userID) + "upload.zip",
	}
}

func (e *importerEnv) createJob(t *testing.T) *models.BackupJob {
	t.Helper()
	job, err := e.ledger.CreateJob(e.ctx, e.userID, models.JobKindArchiveUpload, models.PayloadPatch{
		models.PayloadKeyArchive: models.ArchiveUpload{
			FileName:    "export.zip",
			StoragePath: e.key,
			NotifyEmail: "owner@example.com",
		},
	}, QueuedMessage)
	require.NoError(t, err)
	return job
}

func (e *importerEnv) job(t *testing.T, id uuid.UUID) *models.BackupJob {
	t.Helper()
	job, err := e.ledger.GetJob(e.ctx, id)
	require.NoError(t, err)
	return job
}

func (e *importerEnv) userBackups(t *testing.T) []*models.Backup {
	t.Helper()
	list, err := e.store.ListBackupsByUser(e.ctx, e.userID)
	require.NoError(t, err)
	return list
}

func TestImporter_Success(t *testing.T) {
	e := newImporterEnv(t)
	e.objects.Seed(e.key, bytes.Repeat([]byte("z"), 300))
	job := e.createJob(t)

	require.NoError(t, e.importer.Run(e.ctx, job.ID))

	got := e.job(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, MessageCompleted, got.Message)
	assert.Equal(t, models.LifecycleCompleted, got.Payload.LifecycleState)
	assert.True(t, got.Payload.NotificationSent)
	require.NotNil(t, got.ResultBackupID)

	b, err := e.store.GetBackup(e.ctx, *got.ResultBackupID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupKindArchive, b.Kind)
	require.NotNil(t, b.ArchivePath)
	assert.Equal(t, e.key, *b.ArchivePath)
	require.NotNil(t, b.Payload.Archive)
	assert.Equal(t, "export.zip", b.Payload.Archive.FileName)
	assert.Equal(t, int64(300), b.Payload.Archive.UploadedSizeBytes)
	require.NotNil(t, b.Payload.Storage)
	assert.Equal(t, int64(300), b.Payload.Storage.ArchiveBytes)
	assert.Equal(t, int64(0), b.Payload.Storage.MediaBytes)

	rows, err := e.store.ListMediaFilesByBackup(e.ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.MediaCategoryArchive, rows[0].Category)
	assert.Equal(t, int64(300), rows[0].SizeBytes)

	require.Len(t, e.notifier.sent, 1)
	assert.Equal(t, "owner@example.com", e.notifier.sent[0].To)
	assert.Equal(t, models.BackupKindArchive, e.notifier.sent[0].Kind)

	require.NoError(t, e.importer.Run(e.ctx, job.ID), "terminal jobs are ignored")
	assert.Len(t, e.notifier.sent, 1)
}

func TestImporter_Failures(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		code    string
		message string
	}{
		{"upload missing", -1, models.FailureArchiveMissing, MessageNotFound},
		{"over the cap", 2048, models.FailureArchiveTooLarge, "Archive of 2.0 KiB exceeds the 1.0 KiB limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newImporterEnv(t)
			if tt.size >= 0 {
				e.objects.Seed(e.key, make([]byte, tt.size))
			}
			job := e.createJob(t)

			require.NoError(t, e.importer.Run(e.ctx, job.ID))

			got := e.job(t, job.ID)
			assert.Equal(t, models.JobStatusFailed, got.Status)
			assert.Equal(t, tt.code, got.Payload.FailureCode)
			require.NotNil(t, got.ErrorMessage)
			assert.Equal(t, tt.message, *got.ErrorMessage)
			assert.False(t, e.objects.Has(e.key))
			assert.Empty(t, e.userBackups(t))
			assert.Empty(t, e.notifier.sent)
		})
	}
}

func TestImporter_ResumesSavedBackup(t *testing.T) {
	e := newImporterEnv(t)
	e.objects.Seed(e.key, make([]byte, 100))
	job := e.createJob(t)

	earlier := models.NewBackup(e.userID, models.BackupKindArchive, t0)
	jobID := job.ID
	earlier.SourceJobID = &jobID
	earlier.ArchivePath = &e.key
	earlier.Payload.Archive = &models.ArchiveInfo{FileName: "export.zip", UploadedSizeBytes: 100}
	require.NoError(t, e.store.CreateBackup(e.ctx, earlier))

	require.NoError(t, e.importer.Run(e.ctx, job.ID))

	got := e.job(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, earlier.ID, *got.ResultBackupID)
	assert.Len(t, e.userBackups(t), 1)

	rows, err := e.store.ListMediaFilesByBackup(e.ctx, earlier.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestImporter_CancelBeforeStart(t *testing.T) {
	e := newImporterEnv(t)
	e.objects.Seed(e.key, make([]byte, 100))
	job := e.createJob(t)

	_, err := e.ledger.RequestCancellation(e.ctx, job.ID, "user")
	require.NoError(t, err)
	require.NoError(t, e.importer.Run(e.ctx, job.ID))

	got := e.job(t, job.ID)
	assert.True(t, got.IsCancelled())
	assert.Equal(t, jobs.CancelledMessage, got.Message)
	assert.Equal(t, models.FailureCancelled, got.Payload.FailureCode)
	assert.False(t, e.objects.Has(e.key), "uploaded archive removed")
	assert.Empty(t, e.userBackups(t))
}

func TestImporter_CancelDeletesPartialBackup(t *testing.T) {
	e := newImporterEnv(t)
	e.objects.Seed(e.key, make([]byte, 100))
	job := e.createJob(t)

	partial := models.NewBackup(e.userID, models.BackupKindArchive, t0)
	jobID := job.ID
	partial.SourceJobID = &jobID
	partial.ArchivePath = &e.key
	require.NoError(t, e.store.CreateBackup(e.ctx, partial))
	_, err := e.ledger.RequestCancellation(e.ctx, job.ID, "user")
	require.NoError(t, err)

	require.NoError(t, e.importer.Run(e.ctx, job.ID))

	got := e.job(t, job.ID)
	assert.True(t, got.IsCancelled())
	require.NotNil(t, got.Payload.PartialBackupID)
	assert.Equal(t, partial.ID, *got.Payload.PartialBackupID)
	_, err = e.store.GetBackup(e.ctx, partial.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Empty(t, e.userBackups(t))
	assert.False(t, e.objects.Has(e.key))
}
