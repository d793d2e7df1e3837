package scrape

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/MacJediWizard/snapvault/internal/provider"
	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu      sync.Mutex
	updates []models.JobUpdate
}

func (w *recordingWriter) UpdateJob(_ context.Context, _ uuid.UUID, u models.JobUpdate) (*models.BackupJob, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.updates = append(w.updates, u)
	return &models.BackupJob{}, nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.updates)
}

func (w *recordingWriter) last() models.JobUpdate {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.updates[len(w.updates)-1]
}

func TestProgressSync_Throttle(t *testing.T) {
	clk := testclock.NewClock(t0)
	w := &recordingWriter{}
	s := newProgressSync(context.Background(), w, uuid.New(), 100, clk, nil, zerolog.Nop())

	timeline := provider.Progress{Phase: provider.PhaseTimeline, TimelineRunID: "run-t", CostUSD: 0.05}
	steps := []struct {
		name    string
		advance time.Duration
		update  func(p *provider.Progress)
		writes  int
	}{
		{"first snapshot is written", 0, func(p *provider.Progress) {}, 1},
		{"too soon", 100 * time.Millisecond, func(p *provider.Progress) { p.TimelineCount = 50 }, 1},
		{"count threshold after spacing", 500 * time.Millisecond, func(p *provider.Progress) { p.TimelineCount = 55 }, 2},
		{"spacing not reached", 200 * time.Millisecond, func(p *provider.Progress) { p.TimelineCount = 56 }, 2},
		{"below thresholds", 400 * time.Millisecond, func(p *provider.Progress) { p.TimelineCount = 60 }, 2},
		{"max interval elapsed", time.Second, func(p *provider.Progress) { p.TimelineCount = 61 }, 3},
		{"new run id is forced", 100 * time.Millisecond, func(p *provider.Progress) {
			p.Phase = provider.PhaseSocial
			p.SocialRunID = "run-s"
		}, 4},
		{"cost below a cent", 600 * time.Millisecond, func(p *provider.Progress) {
			p.SocialCount = 49
			p.CostUSD = 0.059
		}, 4},
		{"cost reaches a cent", 600 * time.Millisecond, func(p *provider.Progress) { p.CostUSD = 0.06 }, 5},
		{"small change held back", 100 * time.Millisecond, func(p *provider.Progress) { p.SocialCount = 52 }, 5},
	}

	for _, step := range steps {
		clk.Advance(step.advance)
		step.update(&timeline)
		s.Update(timeline)
		require.Equal(t, step.writes, w.count(), step.name)
	}

	s.Flush()
	require.Equal(t, 6, w.count())
	s.Flush()
	assert.Equal(t, 6, w.count(), "nothing new to flush")

	last := w.last()
	live, ok := last.Payload[models.PayloadKeyLive].(models.LiveMetrics)
	require.True(t, ok)
	assert.Equal(t, provider.PhaseSocial, live.Phase)
	assert.Equal(t, 61, live.TimelineCount)
	assert.Equal(t, 52, live.SocialCount)
	runs, ok := last.Payload[models.PayloadKeyRuns].(models.ProviderRuns)
	require.True(t, ok)
	assert.Equal(t, []string{"run-t", "run-s"}, runs.IDs())
	require.NotNil(t, last.Progress)
	assert.InDelta(t, 60.0, *last.Progress, 1e-9)

	assert.Equal(t, models.ProviderRuns{TimelineRunID: "run-t", SocialRunID: "run-s"}, s.RunIDs())
}

func TestProgressSync_Percent(t *testing.T) {
	s := newProgressSync(context.Background(), &recordingWriter{}, uuid.New(), 200, testclock.NewClock(t0), nil, zerolog.Nop())
	tests := []struct {
		name string
		p    provider.Progress
		want float64
	}{
		{"nothing fetched", provider.Progress{}, 10},
		{"half", provider.Progress{TimelineCount: 60, SocialCount: 40}, 35},
		{"everything", provider.Progress{TimelineCount: 150, SocialCount: 50}, 60},
		{"over plan is clamped", provider.Progress{TimelineCount: 500}, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, s.percent(tt.p), 1e-9)
		})
	}

	unplanned := newProgressSync(context.Background(), &recordingWriter{}, uuid.New(), 0, testclock.NewClock(t0), nil, zerolog.Nop())
	assert.InDelta(t, 10.0, unplanned.percent(provider.Progress{TimelineCount: 5}), 1e-9)
}
