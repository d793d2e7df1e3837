package scrape

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/MacJediWizard/snapvault/internal/metrics"
	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/MacJediWizard/snapvault/internal/provider"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Throttle thresholds for live progress writes.
const (
	minWriteSpacing   = 500 * time.Millisecond
	maxWriteInterval  = 1500 * time.Millisecond
	timelineCountStep = 10
	socialCountStep   = 50
	costStepUSD       = 0.01
)

// Progress band of the scraping phase.
const (
	scrapeProgressStart = 10.0
	scrapeProgressEnd   = 60.0
)

// ProgressWriter persists progress snapshots.
type ProgressWriter interface {
	UpdateJob(ctx context.Context, id uuid.UUID, u models.JobUpdate) (*models.BackupJob, error)
}

// progressSync keeps the latest provider progress in memory and writes it to
// the ledger at a bounded rate. Phase changes and new run ids are always
// written because cancellation needs the run ids.
type progressSync struct {
	ctx     context.Context
	writer  ProgressWriter
	jobID   uuid.UUID
	planned int
	clock   clock.Clock
	metrics *metrics.PrometheusMetrics
	logger  zerolog.Logger

	mu        sync.Mutex
	current   provider.Progress
	persisted provider.Progress
	lastWrite time.Time
	written   bool
}

func newProgressSync(ctx context.Context, writer ProgressWriter, jobID uuid.UUID, planned int, clk clock.Clock, m *metrics.PrometheusMetrics, logger zerolog.Logger) *progressSync {
	return &progressSync{
		ctx:     ctx,
		writer:  writer,
		jobID:   jobID,
		planned: planned,
		clock:   clk,
		metrics: m,
		logger:  logger,
	}
}

// Update records p and writes it if the throttle allows.
func (s *progressSync) Update(p provider.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = p
	now := s.clock.Now()
	if !s.due(p, now) {
		return
	}
	s.write(now)
}

// Flush writes the latest snapshot if it was not persisted yet.
func (s *progressSync) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written && s.current == s.persisted {
		return
	}
	s.write(s.clock.Now())
}

// RunIDs returns the latest run ids seen.
func (s *progressSync) RunIDs() models.ProviderRuns {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.ProviderRuns{
		TimelineRunID: s.current.TimelineRunID,
		SocialRunID:   s.current.SocialRunID,
	}
}

func (s *progressSync) due(p provider.Progress, now time.Time) bool {
	last := s.persisted
	if !s.written || p.Phase != last.Phase {
		return true
	}
	if p.TimelineRunID != last.TimelineRunID || p.SocialRunID != last.SocialRunID {
		return true
	}

	elapsed := now.Sub(s.lastWrite)
	if elapsed < minWriteSpacing {
		return false
	}
	switch {
	case abs(p.TimelineCount-last.TimelineCount) >= timelineCountStep:
		return true
	case abs(p.SocialCount-last.SocialCount) >= socialCountStep:
		return true
	case math.Abs(p.CostUSD-last.CostUSD) >= costStepUSD-1e-9:
		return true
	}
	return elapsed > maxWriteInterval
}

func (s *progressSync) write(now time.Time) {
	p := s.current
	update := models.JobUpdate{
		Progress: models.ProgressPtr(s.percent(p)),
		Payload: models.PayloadPatch{
			models.PayloadKeyLive: models.LiveMetrics{
				Phase:         p.Phase,
				TimelineCount: p.TimelineCount,
				SocialCount:   p.SocialCount,
				CostUSD:       p.CostUSD,
				UpdatedAt:     now.UTC(),
			},
			models.PayloadKeyRuns: models.ProviderRuns{
				TimelineRunID: p.TimelineRunID,
				SocialRunID:   p.SocialRunID,
			},
		},
	}

	// A failed write still resets the throttle.
	s.persisted = p
	s.lastWrite = now
	s.written = true
	s.metrics.RecordProgressWrite()

	if _, err := s.writer.UpdateJob(s.ctx, s.jobID, update); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist scrape progress")
	}
}

func (s *progressSync) percent(p provider.Progress) float64 {
	if s.planned <= 0 {
		return scrapeProgressStart
	}
	fetched := float64(p.TimelineCount + p.SocialCount)
	frac := math.Min(1, fetched/float64(s.planned))
	return scrapeProgressStart + frac*(scrapeProgressEnd-scrapeProgressStart)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
