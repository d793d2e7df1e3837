// Package media copies externally hosted media into owned object storage and
// rewrites the references to point at the stored copies.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"
	"sync/atomic"

	"github.com/MacJediWizard/snapvault/internal/config"
	"github.com/MacJediWizard/snapvault/internal/metrics"
	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/MacJediWizard/snapvault/internal/storage"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWorkers is used when no worker count is configured.
	DefaultWorkers = 6
	// MaxWorkers caps the worker count.
	MaxWorkers = 16

	// cancelCheckEvery is how many items a worker starts between cancellation checks.
	cancelCheckEvery = 3
)

// ObjectStore is the part of the object store the pipeline writes to.
type ObjectStore interface {
	Head(ctx context.Context, key string) (*storage.ObjectInfo, error)
	Put(ctx context.Context, key string, body io.Reader, contentType string) (int64, error)
}

// RecordStore records stored objects against backups.
type RecordStore interface {
	MediaFileExists(ctx context.Context, backupID uuid.UUID, storagePath string) (bool, error)
	CreateMediaFile(ctx context.Context, m *models.MediaFile) (bool, error)
}

// Item is one media reference to materialize. Ref is rewritten in place.
type Item struct {
	ParentID string
	Ref      *models.MediaRef
	Category models.MediaCategory
}

// Target identifies the owner of the stored media.
type Target struct {
	UserID   uuid.UUID
	BackupID uuid.UUID
}

// Result summarizes a pipeline run.
type Result struct {
	Total     int
	Processed int
	Uploaded  int
	Reused    int
	Skipped   int
	Errors    int
	Bytes     int64
	Cancelled bool
}

// Summary converts the result to the form stored in the job payload.
func (r Result) Summary() models.MediaSummary {
	return models.MediaSummary{
		Total:     r.Total,
		Processed: r.Processed,
		Uploaded:  r.Uploaded,
		Reused:    r.Reused,
		Skipped:   r.Skipped,
		Errors:    r.Errors,
		Bytes:     r.Bytes,
		Cancelled: r.Cancelled,
	}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeReused
	outcomeUploaded
)

// Pipeline materializes media references with a bounded worker pool.
type Pipeline struct {
	objects      ObjectStore
	records      RecordStore
	fetcher      Fetcher
	workers      int
	publicPrefix string
	clock        clock.Clock
	metrics      *metrics.PrometheusMetrics
	logger       zerolog.Logger
}

// NewPipeline creates a media pipeline. m may be nil.
func NewPipeline(objects ObjectStore, records RecordStore, fetcher Fetcher, limits config.MediaLimits, m *metrics.PrometheusMetrics, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		objects:      objects,
		records:      records,
		fetcher:      fetcher,
		workers:      clampWorkers(limits.Workers),
		publicPrefix: limits.PublicURLPrefix,
		clock:        clock.WallClock,
		metrics:      m,
		logger:       logger.With().Str("component", "media_pipeline").Logger(),
	}
}

func clampWorkers(n int) int {
	switch {
	case n <= 0:
		return DefaultWorkers
	case n > MaxWorkers:
		return MaxWorkers
	default:
		return n
	}
}

// ObjectKey returns the content-addressed storage key for a source URL.
func ObjectKey(userID uuid.UUID, sourceURL, kind string) string {
	return fmt.Sprintf("%s/media/%016x%s", userID, xxhash.Sum64String(sourceURL), extensionFor(kind, sourceURL))
}

func extensionFor(kind, sourceURL string) string {
	switch kind {
	case models.MediaKindPhoto:
		return ".jpg"
	case models.MediaKindVideo, models.MediaKindAnimatedGIF:
		return ".mp4"
	}
	if u, err := url.Parse(sourceURL); err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		if len(ext) > 1 && len(ext) <= 5 {
			return ext
		}
	}
	return ".bin"
}

func mimeFor(kind, key, responseType string) string {
	switch kind {
	case models.MediaKindPhoto:
		return "image/jpeg"
	case models.MediaKindVideo, models.MediaKindAnimatedGIF:
		return "video/mp4"
	}
	if responseType != "" {
		if mt, _, err := mime.ParseMediaType(responseType); err == nil {
			return mt
		}
	}
	if mt := mime.TypeByExtension(path.Ext(key)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

// sourceURL prefers the original URL so a re-run addresses the same object.
func sourceURL(ref *models.MediaRef) string {
	if ref == nil {
		return ""
	}
	if ref.OriginalURL != "" {
		return ref.OriginalURL
	}
	return ref.URL
}

// Run processes items until done or until shouldCancel reports true. Each
// worker checks shouldCancel before its first item and then every few items.
// Failures of single items are counted, never returned.
func (p *Pipeline) Run(ctx context.Context, target Target, items []Item, shouldCancel func() bool) Result {
	result := Result{Total: len(items)}
	if len(items) == 0 {
		return result
	}

	workers := p.workers
	if workers > len(items) {
		workers = len(items)
	}

	logger := p.logger.With().
		Str("user_id", target.UserID.String()).
		Str("backup_id", target.BackupID.String()).
		Logger()

	var (
		cursor    atomic.Int64
		processed atomic.Int64
		uploaded  atomic.Int64
		reused    atomic.Int64
		skipped   atomic.Int64
		failed    atomic.Int64
		bytes     atomic.Int64
		cancelled atomic.Bool
	)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			started := 0
			for {
				if cancelled.Load() {
					return nil
				}
				if ctx.Err() != nil {
					cancelled.Store(true)
					return nil
				}
				if started%cancelCheckEvery == 0 && shouldCancel != nil && shouldCancel() {
					cancelled.Store(true)
					return nil
				}

				i := int(cursor.Add(1)) - 1
				if i >= len(items) {
					return nil
				}
				started++

				out, n, err := p.process(ctx, target, items[i])
				processed.Add(1)
				if err != nil {
					failed.Add(1)
					logger.Warn().Err(err).Str("parent_id", items[i].ParentID).Msg("media item failed")
					continue
				}
				switch out {
				case outcomeSkipped:
					skipped.Add(1)
				case outcomeReused:
					reused.Add(1)
				case outcomeUploaded:
					uploaded.Add(1)
					bytes.Add(n)
				}
			}
		})
	}
	_ = g.Wait()

	result.Processed = int(processed.Load())
	result.Uploaded = int(uploaded.Load())
	result.Reused = int(reused.Load())
	result.Skipped = int(skipped.Load())
	result.Errors = int(failed.Load())
	result.Bytes = bytes.Load()
	result.Cancelled = cancelled.Load()

	p.metrics.RecordMedia(metrics.MediaUploaded, result.Uploaded)
	p.metrics.RecordMedia(metrics.MediaReused, result.Reused)
	p.metrics.RecordMedia(metrics.MediaSkipped, result.Skipped)
	p.metrics.RecordMedia(metrics.MediaError, result.Errors)

	logger.Info().
		Int("workers", workers).
		Int("total", result.Total).
		Int("processed", result.Processed).
		Int("uploaded", result.Uploaded).
		Int("reused", result.Reused).
		Int("skipped", result.Skipped).
		Int("errors", result.Errors).
		Int64("bytes", result.Bytes).
		Bool("cancelled", result.Cancelled).
		Msg("media pipeline finished")
	return result
}

func (p *Pipeline) process(ctx context.Context, target Target, item Item) (outcome, int64, error) {
	src := sourceURL(item.Ref)
	if src == "" {
		return outcomeSkipped, 0, nil
	}

	key := ObjectKey(target.UserID, src, item.Ref.Kind)
	out := outcomeReused

	var size int64
	var contentType string
	info, err := p.objects.Head(ctx, key)
	switch {
	case err == nil:
		size = info.Size
		contentType = info.ContentType
	case errors.Is(err, storage.ErrObjectNotFound):
		body, respType, err := p.fetcher.Fetch(ctx, src)
		if err != nil {
			return 0, 0, err
		}
		contentType = mimeFor(item.Ref.Kind, key, respType)
		size, err = p.objects.Put(ctx, key, body, contentType)
		body.Close()
		if err != nil {
			return 0, 0, fmt.Errorf("store media: %w", err)
		}
		out = outcomeUploaded
	default:
		return 0, 0, fmt.Errorf("head media: %w", err)
	}

	if err := p.record(ctx, target, item, key, size, mimeFor(item.Ref.Kind, key, contentType)); err != nil {
		return 0, 0, err
	}

	item.Ref.OriginalURL = src
	item.Ref.StoragePath = key
	item.Ref.URL = p.publicPrefix + key
	return out, size, nil
}

func (p *Pipeline) record(ctx context.Context, target Target, item Item, key string, size int64, mimeType string) error {
	exists, err := p.records.MediaFileExists(ctx, target.BackupID, key)
	if err != nil {
		return fmt.Errorf("check media record: %w", err)
	}
	if exists {
		return nil
	}

	category := item.Category
	if category == "" {
		category = models.MediaCategoryPostMedia
	}
	m := models.NewMediaFile(target.UserID, target.BackupID, key, category, p.clock.Now().UTC())
	m.FileName = path.Base(key)
	m.SizeBytes = size
	m.MimeType = mimeType
	if item.ParentID != "" {
		parent := item.ParentID
		m.SourceItemID = &parent
	}
	if _, err := p.records.CreateMediaFile(ctx, m); err != nil {
		return fmt.Errorf("create media record: %w", err)
	}
	return nil
}
