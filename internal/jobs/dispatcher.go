package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Messages stored on jobs the dispatcher has to fail itself.
const (
	UnexpectedFailureMessage = "Backup failed unexpectedly. Please try again."
	TimedOutMessage          = "Backup took too long and was stopped."
	NoHandlerMessage         = "This kind of backup is not supported."
)

// DispatchStore defines the lease operations the dispatcher needs.
type DispatchStore interface {
	ListDispatchableJobs(ctx context.Context, now time.Time, limit int) ([]*models.BackupJob, error)
	ClaimBackupJob(ctx context.Context, id uuid.UUID, now, leaseUntil time.Time) (bool, error)
	ExtendBackupJobLeases(ctx context.Context, ids []uuid.UUID, leaseUntil time.Time) error
	ReleaseBackupJob(ctx context.Context, id uuid.UUID) error
}

// JobFailer fails jobs whose handler returned an error or panicked.
type JobFailer interface {
	FailJob(ctx context.Context, id uuid.UUID, failureCode, message string) error
}

// Handler runs one job to a terminal state. Failures the handler recorded
// itself are reported by returning nil; a returned error fails the job
// as an internal error.
type Handler interface {
	Run(ctx context.Context, jobID uuid.UUID) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, jobID uuid.UUID) error

// Run calls f(ctx, jobID).
func (f HandlerFunc) Run(ctx context.Context, jobID uuid.UUID) error {
	return f(ctx, jobID)
}

// DispatcherConfig holds configuration for the dispatcher.
type DispatcherConfig struct {
	// Workers is the number of jobs run concurrently.
	Workers int
	// PollInterval is how often the store is scanned for unclaimed jobs.
	PollInterval time.Duration
	// LeaseDuration is how long a claim survives without a heartbeat.
	LeaseDuration time.Duration
	// MaxJobDuration is the maximum time a job can run before it is failed.
	MaxJobDuration time.Duration
	// BatchSize bounds each poll.
	BatchSize int
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// DefaultDispatcherConfig returns a DispatcherConfig with sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:        4,
		PollInterval:   5 * time.Second,
		LeaseDuration:  2 * time.Minute,
		MaxJobDuration: 2 * time.Hour,
		BatchSize:      20,
	}
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	def := DefaultDispatcherConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = def.LeaseDuration
	}
	if c.MaxJobDuration <= 0 {
		c.MaxJobDuration = def.MaxJobDuration
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	return c
}

type dispatchItem struct {
	id   uuid.UUID
	kind models.JobKind
}

// Dispatcher runs queued and orphaned jobs on a bounded worker pool. A job is
// claimed with a lease before it runs and the lease is renewed while it runs,
// so a job abandoned by a crashed process is picked up again once its lease
// expires.
type Dispatcher struct {
	store  DispatchStore
	failer JobFailer
	config DispatcherConfig
	logger zerolog.Logger

	mu       sync.Mutex
	handlers map[models.JobKind]Handler
	tracked  map[uuid.UUID]bool // queued or running; true once claimed
	running  bool
	work     chan dispatchItem
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	beat     sync.WaitGroup
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(store DispatchStore, failer JobFailer, config DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		failer:   failer,
		config:   config.withDefaults(),
		logger:   logger.With().Str("component", "job_dispatcher").Logger(),
		handlers: make(map[models.JobKind]Handler),
		tracked:  make(map[uuid.UUID]bool),
	}
}

// RegisterHandler registers the handler for a job kind.
func (d *Dispatcher) RegisterHandler(kind models.JobKind, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = handler
	d.logger.Info().Str("kind", string(kind)).Msg("registered job handler")
}

// Enqueue hands a job to the worker pool without waiting. When the pool is
// busy or stopped the job is left for the next poll.
func (d *Dispatcher) Enqueue(job *models.BackupJob) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || !job.IsActive() {
		return
	}
	if _, ok := d.tracked[job.ID]; ok {
		return
	}
	select {
	case d.work <- dispatchItem{id: job.ID, kind: job.Kind}:
		d.tracked[job.ID] = false
	default:
		d.logger.Debug().Str("job_id", job.ID.String()).Msg("worker pool busy, job left for next poll")
	}
}

// InFlight returns the number of jobs currently running.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, running := range d.tracked {
		if running {
			n++
		}
	}
	return n
}

// Start begins dispatching jobs.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	d.stopCh = make(chan struct{})
	d.work = make(chan dispatchItem, d.config.BatchSize)
	d.tracked = make(map[uuid.UUID]bool)

	d.logger.Info().
		Int("workers", d.config.Workers).
		Dur("poll_interval", d.config.PollInterval).
		Dur("lease", d.config.LeaseDuration).
		Msg("starting job dispatcher")

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(runCtx, i)
	}

	d.wg.Add(1)
	go d.poller(runCtx)
	d.beat.Add(1)
	go d.heartbeat(runCtx)
	return nil
}

// Stop stops polling and waits for running jobs. If ctx expires first the
// running jobs are cancelled; their leases are left to expire so another
// process resumes them.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stopCh)
	cancel := d.cancel
	d.mu.Unlock()

	d.logger.Info().Msg("stopping job dispatcher")

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		d.beat.Wait()
		d.logger.Info().Msg("job dispatcher stopped")
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		d.beat.Wait()
		d.logger.Warn().Msg("job dispatcher stopped before running jobs finished")
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(ctx context.Context, workerID int) {
	defer d.wg.Done()

	logger := d.logger.With().Int("worker_id", workerID).Logger()
	logger.Debug().Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case item := <-d.work:
			d.process(ctx, item, logger)
		}
	}
}

// process owns the only tracked entry for item.id, so it always removes it.
func (d *Dispatcher) process(ctx context.Context, item dispatchItem, logger zerolog.Logger) {
	defer d.untrack(item.id)

	logger = logger.With().
		Str("job_id", item.id.String()).
		Str("kind", string(item.kind)).
		Logger()

	now := d.config.Clock.Now().UTC()
	claimed, err := d.store.ClaimBackupJob(ctx, item.id, now, now.Add(d.config.LeaseDuration))
	if err != nil {
		logger.Error().Err(err).Msg("failed to claim job")
		return
	}
	if !claimed {
		logger.Debug().Msg("job already claimed or finished")
		return
	}
	d.markRunning(item.id)

	d.mu.Lock()
	handler, exists := d.handlers[item.kind]
	d.mu.Unlock()

	if !exists {
		logger.Error().Msg("no handler registered for job kind")
		d.fail(ctx, item.id, NoHandlerMessage, logger)
		d.release(ctx, item.id, logger)
		return
	}

	logger.Info().Msg("processing job")
	start := d.config.Clock.Now()

	jobCtx, cancel := context.WithTimeout(ctx, d.config.MaxJobDuration)
	err = runHandler(jobCtx, handler, item.id)
	timedOut := errors.Is(jobCtx.Err(), context.DeadlineExceeded)
	cancel()

	if ctx.Err() != nil {
		logger.Warn().Msg("job interrupted by shutdown, leaving lease to expire")
		return
	}

	switch {
	case timedOut:
		logger.Error().Err(err).Dur("max_duration", d.config.MaxJobDuration).Msg("job exceeded maximum duration")
		d.fail(ctx, item.id, TimedOutMessage, logger)
	case err != nil:
		logger.Error().Err(err).Msg("job handler failed")
		d.fail(ctx, item.id, UnexpectedFailureMessage, logger)
	default:
		logger.Info().Dur("duration", d.config.Clock.Now().Sub(start)).Msg("job finished")
	}

	d.release(ctx, item.id, logger)
}

func runHandler(ctx context.Context, handler Handler, id uuid.UUID) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Run(ctx, id)
}

func (d *Dispatcher) fail(ctx context.Context, id uuid.UUID, message string, logger zerolog.Logger) {
	if d.failer == nil {
		return
	}
	if err := d.failer.FailJob(ctx, id, models.FailureInternal, message); err != nil {
		logger.Error().Err(err).Msg("failed to mark job as failed")
	}
}

func (d *Dispatcher) release(ctx context.Context, id uuid.UUID, logger zerolog.Logger) {
	if err := d.store.ReleaseBackupJob(ctx, id); err != nil {
		logger.Error().Err(err).Msg("failed to release job lease")
	}
}

func (d *Dispatcher) markRunning(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracked[id] = true
}

func (d *Dispatcher) untrack(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tracked, id)
}

func (d *Dispatcher) runningIDs() []uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []uuid.UUID
	for id, running := range d.tracked {
		if running {
			ids = append(ids, id)
		}
	}
	return ids
}

// poller picks up jobs that were never enqueued in this process: jobs
// created elsewhere and jobs orphaned by a crash.
func (d *Dispatcher) poller(ctx context.Context) {
	defer d.wg.Done()

	logger := d.logger.With().Str("processor", "poll").Logger()
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	d.poll(ctx, logger)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.poll(ctx, logger)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context, logger zerolog.Logger) {
	jobs, err := d.store.ListDispatchableJobs(ctx, d.config.Clock.Now().UTC(), d.config.BatchSize)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list dispatchable jobs")
		return
	}
	for _, job := range jobs {
		d.Enqueue(job)
	}
}

// heartbeat renews the leases of running jobs until the run context is
// cancelled, which happens only after every worker has returned.
func (d *Dispatcher) heartbeat(ctx context.Context) {
	defer d.beat.Done()

	logger := d.logger.With().Str("processor", "heartbeat").Logger()
	ticker := time.NewTicker(d.config.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids := d.runningIDs()
			if len(ids) == 0 {
				continue
			}
			until := d.config.Clock.Now().UTC().Add(d.config.LeaseDuration)
			if err := d.store.ExtendBackupJobLeases(ctx, ids, until); err != nil {
				logger.Error().Err(err).Int("jobs", len(ids)).Msg("failed to extend job leases")
			}
		}
	}
}
