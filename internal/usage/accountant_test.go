package usage

import (
	"context"
	"testing"
	"time"

	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/MacJediWizard/snapvault/internal/testutil"
	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

func snapshotBackup(userID uuid.UUID) *models.Backup {
	b := models.NewBackup(userID, models.BackupKindSnapshot, t0)
	b.Payload = models.BackupPayload{
		Profile:  &models.Profile{Handle: "alice", DisplayName: "Alice"},
		Timeline: []models.Post{{ID: "1", Text: "hello"}, {ID: "2", Text: "world"}},
		Stats:    map[string]any{"posts": 2},
	}
	return b
}

func mediaRow(b *models.Backup, path string, size int64, category models.MediaCategory) *models.MediaFile {
	m := models.NewMediaFile(b.UserID, b.ID, path, category, t0)
	m.SizeBytes = size
	return m
}

func TestIsArchivePath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"u1/archives/abc.zip", true},
		{"u1/archives/abc", true},
		{"u1/media/export.ZIP", true},
		{"u1/media/abc.jpg", false},
		{"archives.jpg", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, IsArchivePath(tt.path))
		})
	}
}

func TestPayloadBytes_StripsAccounting(t *testing.T) {
	b := snapshotBackup(uuid.New())

	base, err := PayloadBytes(b.Payload)
	require.NoError(t, err)
	assert.Positive(t, base)

	b.Payload.Storage = &models.StorageBreakdown{PayloadBytes: 123456, TotalBytes: 999999, CalculatedAt: t0}
	b.Payload.Stats["media_bytes"] = 42
	b.Payload.Stats["archive_bytes"] = 7

	withAccounting, err := PayloadBytes(b.Payload)
	require.NoError(t, err)
	assert.Equal(t, base, withAccounting)

	b.Payload.Stats["replies"] = 3
	grown, err := PayloadBytes(b.Payload)
	require.NoError(t, err)
	assert.Greater(t, grown, base)
}

func TestBackupBreakdown(t *testing.T) {
	userID := uuid.New()

	t.Run("media and archive rows are separated", func(t *testing.T) {
		b := snapshotBackup(userID)
		archivePath := userID.String() + "/archives/x.zip"
		b.ArchivePath = &archivePath

		rows := []*models.MediaFile{
			mediaRow(b, userID.String()+"/media/a.jpg", 100, models.MediaCategoryPostMedia),
			mediaRow(b, userID.String()+"/media/b.mp4", 250, models.MediaCategoryPostMedia),
			mediaRow(b, archivePath, 5000, models.MediaCategoryArchive),
		}

		got, err := BackupBreakdown(b, rows)
		require.NoError(t, err)
		assert.Equal(t, int64(350), got.MediaBytes)
		assert.Equal(t, int64(5000), got.ArchiveBytes)
		assert.Equal(t, got.PayloadBytes+350+5000, got.TotalBytes)
	})

	t.Run("uploaded size wins over rows", func(t *testing.T) {
		b := models.NewBackup(userID, models.BackupKindArchive, t0)
		b.Payload.Archive = &models.ArchiveInfo{FileName: "export.zip", UploadedSizeBytes: 8000}
		rows := []*models.MediaFile{mediaRow(b, userID.String()+"/archives/y.zip", 7999, models.MediaCategoryArchive)}

		got, err := BackupBreakdown(b, rows)
		require.NoError(t, err)
		assert.Equal(t, int64(8000), got.ArchiveBytes)
		assert.Zero(t, got.MediaBytes)
	})

	t.Run("idempotent after storing its own result", func(t *testing.T) {
		b := snapshotBackup(userID)
		rows := []*models.MediaFile{mediaRow(b, userID.String()+"/media/a.jpg", 100, models.MediaCategoryPostMedia)}

		first, err := BackupBreakdown(b, rows)
		require.NoError(t, err)
		b.Payload.Storage = &first

		second, err := BackupBreakdown(b, rows)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestAccountant_UserSummary(t *testing.T) {
	store := testutil.NewStore()
	ctx := context.Background()
	acct := NewAccountant(store, testclock.NewClock(t0), zerolog.Nop())
	userID := uuid.New()

	a := snapshotBackup(userID)
	b := snapshotBackup(userID)
	b.CreatedAt = t0.Add(time.Hour)
	require.NoError(t, store.CreateBackup(ctx, a))
	require.NoError(t, store.CreateBackup(ctx, b))

	shared := userID.String() + "/media/shared.jpg"
	for _, m := range []*models.MediaFile{
		mediaRow(a, shared, 1000, models.MediaCategoryPostMedia),
		mediaRow(b, shared, 1000, models.MediaCategoryPostMedia),
		mediaRow(a, userID.String()+"/media/only-a.jpg", 300, models.MediaCategoryPostMedia),
	} {
		inserted, err := store.CreateMediaFile(ctx, m)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	archive := models.NewBackup(userID, models.BackupKindArchive, t0.Add(2*time.Hour))
	archivePath := userID.String() + "/archives/export.zip"
	archive.ArchivePath = &archivePath
	archive.Payload.Archive = &models.ArchiveInfo{FileName: "export.zip", UploadedSizeBytes: 9000}
	require.NoError(t, store.CreateBackup(ctx, archive))
	_, err := store.CreateMediaFile(ctx, mediaRow(archive, archivePath, 9000, models.MediaCategoryArchive))
	require.NoError(t, err)

	summary, err := acct.UserSummary(ctx, userID)
	require.NoError(t, err)

	payloadA, err := PayloadBytes(a.Payload)
	require.NoError(t, err)
	payloadArchive, err := PayloadBytes(archive.Payload)
	require.NoError(t, err)

	assert.Equal(t, int64(1300), summary.MediaBytes, "shared object counted once")
	assert.Equal(t, 2, summary.MediaObjects)
	assert.Equal(t, int64(9000), summary.ArchiveBytes)
	assert.Equal(t, 1, summary.ArchiveObjects)
	assert.Equal(t, 2*payloadA+payloadArchive, summary.PayloadBytes)
	assert.Equal(t, summary.PayloadBytes+1300+9000, summary.TotalBytes)
	require.Len(t, summary.Backups, 3)

	objects := map[uuid.UUID]int{}
	for _, u := range summary.Backups {
		objects[u.BackupID] = u.Objects
	}
	assert.Equal(t, 2, objects[a.ID])
	assert.Equal(t, 1, objects[b.ID])
	assert.Equal(t, 1, objects[archive.ID])
}

func TestAccountant_UserSummaryArchiveWins(t *testing.T) {
	store := testutil.NewStore()
	ctx := context.Background()
	acct := NewAccountant(store, nil, zerolog.Nop())
	userID := uuid.New()

	a := snapshotBackup(userID)
	path := userID.String() + "/media/bundle.zip"
	a.ArchivePath = &path
	require.NoError(t, store.CreateBackup(ctx, a))
	b := snapshotBackup(userID)
	require.NoError(t, store.CreateBackup(ctx, b))
	_, err := store.CreateMediaFile(ctx, mediaRow(b, path, 400, models.MediaCategoryPostMedia))
	require.NoError(t, err)

	summary, err := acct.UserSummary(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, summary.MediaBytes)
	assert.Equal(t, int64(400), summary.ArchiveBytes)
	assert.Equal(t, 1, summary.ArchiveObjects)
}

func TestAccountant_Recalculate(t *testing.T) {
	store := testutil.NewStore()
	ctx := context.Background()
	clk := testclock.NewClock(t0)
	acct := NewAccountant(store, clk, zerolog.Nop())
	userID := uuid.New()

	b := snapshotBackup(userID)
	require.NoError(t, store.CreateBackup(ctx, b))
	_, err := store.CreateMediaFile(ctx, mediaRow(b, userID.String()+"/media/a.jpg", 512, models.MediaCategoryPostMedia))
	require.NoError(t, err)

	first, err := acct.Recalculate(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(512), first.MediaBytes)
	assert.Equal(t, t0, first.CalculatedAt)

	clk.Advance(time.Minute)
	second, err := acct.Recalculate(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, first.TotalBytes, second.TotalBytes)
	assert.Equal(t, first.PayloadBytes, second.PayloadBytes)

	stored, err := store.GetBackup(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Payload.Storage)
	assert.Equal(t, second.TotalBytes, stored.Payload.Storage.TotalBytes)

	_, err = acct.Recalculate(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}
