// Package maintenance runs periodic housekeeping: failing jobs that never
// started and purging expired guest backups.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MacJediWizard/snapvault/internal/metrics"
	"github.com/juju/clock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	staleSweepSchedule = "* * * * *"
	guestPurgeSchedule = "@hourly"

	runTimeout = 5 * time.Minute
)

// StaleSweeper fails jobs that stayed queued too long.
type StaleSweeper interface {
	SweepStaleJobs(ctx context.Context) (int, error)
}

// GuestPurger deletes guest backups whose retention ended.
type GuestPurger interface {
	PurgeExpiredGuests(ctx context.Context, now time.Time) (int, error)
}

// Scheduler runs the housekeeping tasks on a cron schedule.
type Scheduler struct {
	sweeper StaleSweeper
	purger  GuestPurger
	clock   clock.Clock
	metrics *metrics.PrometheusMetrics
	cron    *cron.Cron
	logger  zerolog.Logger
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a maintenance scheduler. m may be nil.
func NewScheduler(sweeper StaleSweeper, purger GuestPurger, clk clock.Clock, m *metrics.PrometheusMetrics, logger zerolog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Scheduler{
		sweeper: sweeper,
		purger:  purger,
		clock:   clk,
		metrics: m,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		logger:  logger.With().Str("component", "maintenance").Logger(),
	}
}

// Start schedules the stale sweep every minute and the guest purge hourly.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("maintenance scheduler already running")
	}

	if _, err := s.cron.AddFunc(staleSweepSchedule, s.runSweep); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(guestPurgeSchedule, s.runPurge); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().Msg("maintenance scheduler started")
	return nil
}

// Stop stops the scheduler. The returned context is done once running tasks finish.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping maintenance scheduler")
	return s.cron.Stop()
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	failed, err := s.sweeper.SweepStaleJobs(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("stale job sweep failed")
		return
	}
	s.metrics.RecordStaleJobs(failed)
	if failed > 0 {
		s.logger.Info().Int("failed_jobs", failed).Msg("stale jobs failed")
	}
}

func (s *Scheduler) runPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	purged, err := s.purger.PurgeExpiredGuests(ctx, s.clock.Now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Msg("guest backup purge failed")
		return
	}
	s.logger.Info().Int("purged_backups", purged).Msg("guest backup purge completed")
}

// RunNow runs every task once.
func (s *Scheduler) RunNow() {
	s.runSweep()
	s.runPurge()
}
