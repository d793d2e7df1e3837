package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/snapvault/internal/backups"
	"github.com/MacJediWizard/snapvault/internal/config"
	"github.com/MacJediWizard/snapvault/internal/jobs"
	"github.com/MacJediWizard/snapvault/internal/media"
	"github.com/MacJediWizard/snapvault/internal/metrics"
	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/MacJediWizard/snapvault/internal/notifications"
	"github.com/MacJediWizard/snapvault/internal/pricing"
	"github.com/MacJediWizard/snapvault/internal/provider"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// terminalWriteTimeout bounds cleanup and terminal writes that outlive the job context.
const terminalWriteTimeout = 2 * time.Minute

// Job messages shown to users.
const (
	MessagePreparing  = "Preparing snapshot"
	MessageScraping   = "Capturing account data"
	MessageSaving     = "Saving backup"
	MessageMedia      = "Saving media"
	MessageFinalizing = "Finishing up"
	MessageCompleted  = "Backup complete"
	MessagePartial    = "Backup complete (partial)"
)

var errCancelled = errors.New("snapshot cancelled")

// Ledger is the part of the job ledger the orchestrator drives.
type Ledger interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.BackupJob, error)
	UpdateJob(ctx context.Context, id uuid.UUID, u models.JobUpdate) (*models.BackupJob, error)
	MergePayload(ctx context.Context, id uuid.UUID, patch models.PayloadPatch) error
	IsCancellationRequested(ctx context.Context, id uuid.UUID) (bool, error)
	FailJob(ctx context.Context, id uuid.UUID, failureCode, message string) error
}

// BackupStore defines the backup operations the orchestrator needs.
type BackupStore interface {
	CreateBackup(ctx context.Context, b *models.Backup) error
	GetBackupBySourceJob(ctx context.Context, jobID uuid.UUID) (*models.Backup, error)
	UpdateBackupPayload(ctx context.Context, id uuid.UUID, payload models.BackupPayload, at time.Time) error
}

// MediaRunner materializes media references.
type MediaRunner interface {
	Run(ctx context.Context, target media.Target, items []media.Item, shouldCancel func() bool) media.Result
}

// UsageRecalculator recomputes a backup's storage breakdown.
type UsageRecalculator interface {
	Recalculate(ctx context.Context, backupID uuid.UUID) (models.StorageBreakdown, error)
}

// BackupDeleter deletes a backup and its exclusively owned objects.
type BackupDeleter interface {
	DeleteBackup(ctx context.Context, backupID uuid.UUID, expectedOwner *uuid.UUID) (backups.DeleteResult, error)
}

// Deps are the collaborators of an Orchestrator. Metrics may be nil.
type Deps struct {
	Ledger   Ledger
	Backups  BackupStore
	Provider provider.Provider
	Media    MediaRunner
	Usage    UsageRecalculator
	Deleter  BackupDeleter
	Notifier notifications.Notifier
	Metrics  *metrics.PrometheusMetrics
	Clock    clock.Clock
}

// Orchestrator runs snapshot_scrape jobs. It implements jobs.Handler.
type Orchestrator struct {
	deps      Deps
	planner   *Planner
	retention config.RetentionLimits
	clock     clock.Clock
	logger    zerolog.Logger
}

// NewOrchestrator creates a snapshot orchestrator.
func NewOrchestrator(deps Deps, limits config.Limits, logger zerolog.Logger) *Orchestrator {
	clk := deps.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Orchestrator{
		deps:      deps,
		planner:   NewPlanner(pricing.NewEstimator(limits.Pricing), limits.Snapshot),
		retention: limits.Retention,
		clock:     clk,
		logger:    logger.With().Str("component", "snapshot_orchestrator").Logger(),
	}
}

var _ jobs.Handler = (*Orchestrator)(nil)

// Run drives one snapshot job to a terminal state. Failures are recorded on
// the job; an error is returned only when the job could not be failed.
func (o *Orchestrator) Run(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.deps.Ledger.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.IsTerminal() {
		return nil
	}

	r := &snapshotRun{
		o:       o,
		job:     job,
		started: o.clock.Now(),
		logger: o.logger.With().
			Str("job_id", job.ID.String()).
			Str("user_id", job.UserID.String()).
			Logger(),
	}
	if job.Payload.Snapshot == nil {
		return r.fail(ctx, errors.New("snapshot request is missing from the job"))
	}
	r.request = *job.Payload.Snapshot
	return r.execute(ctx)
}

// snapshotRun is the state of one Run call.
type snapshotRun struct {
	o       *Orchestrator
	job     *models.BackupJob
	request models.SnapshotRequest
	plan    Plan
	started time.Time
	logger  zerolog.Logger

	result *provider.Result
	runs   models.ProviderRuns
	backup *models.Backup
	media  media.Result
}

func (r *snapshotRun) execute(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"prepare", r.prepare},
		{"scrape", r.scrape},
		{"save", r.save},
		{"media", r.saveMedia},
		{"finalize", r.finalize},
	}

	for _, step := range steps {
		if r.cancelRequested(ctx) {
			return r.cancel(ctx)
		}
		err := step.fn(ctx)
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, errCancelled), errors.Is(err, provider.ErrCancelled):
			return r.cancel(ctx)
		case errors.Is(err, models.ErrJobTerminal):
			r.logger.Warn().Str("step", step.name).Msg("job reached a terminal state elsewhere, stopping")
			return nil
		case ctx.Err() != nil:
			// Shutdown or timeout; the dispatcher decides what happens to the job.
			return ctx.Err()
		}
		r.logger.Error().Err(err).Str("step", step.name).Msg("snapshot step failed")
		return r.fail(ctx, err)
	}
	return nil
}

func (r *snapshotRun) phase(ctx context.Context, state models.LifecycleState, progress float64, message string) error {
	_, err := r.o.deps.Ledger.UpdateJob(ctx, r.job.ID, models.JobUpdate{
		Status:   models.StatusPtr(models.JobStatusProcessing),
		Progress: models.ProgressPtr(progress),
		Message:  models.StringPtr(message),
		Payload:  models.PayloadPatch{models.PayloadKeyLifecycleState: state},
	})
	if err != nil {
		return fmt.Errorf("enter %s: %w", state, err)
	}
	r.logger.Debug().Str("lifecycle_state", string(state)).Msg("snapshot phase")
	return nil
}

func (r *snapshotRun) cancelRequested(ctx context.Context) bool {
	requested, err := r.o.deps.Ledger.IsCancellationRequested(ctx, r.job.ID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to check cancellation flag")
		return false
	}
	return requested
}

func (r *snapshotRun) prepare(ctx context.Context) error {
	if err := r.phase(ctx, models.LifecyclePreparing, 5, MessagePreparing); err != nil {
		return err
	}
	plan, err := r.o.planner.Plan(r.request)
	if err != nil {
		return err
	}
	r.plan = plan
	if err := r.o.deps.Provider.Validate(r.providerRequest()); err != nil {
		return err
	}

	r.logger.Info().
		Str("handle", r.request.Handle).
		Float64("budget_usd", plan.BudgetUSD).
		Int("timeline_items", plan.TimelineItems).
		Str("timeline_limit", plan.TimelineLimit).
		Int("social_items", plan.SocialItems).
		Float64("estimated_cost_usd", plan.TotalCostUSD()).
		Msg("snapshot planned")

	return r.o.deps.Ledger.MergePayload(ctx, r.job.ID, models.PayloadPatch{
		models.PayloadKeyEstimatedTimelineCostUSD: plan.TimelineCostUSD,
		models.PayloadKeyEstimatedSocialCostUSD:   plan.SocialCostUSD,
		models.PayloadKeyPlannedTimelineItems:     plan.TimelineItems,
		models.PayloadKeyPlannedSocialItems:       plan.SocialItems,
	})
}

func (r *snapshotRun) providerRequest() provider.Request {
	return provider.Request{
		Handle:         r.request.Handle,
		TimelineItems:  r.plan.TimelineItems,
		IncludeReplies: r.request.IncludeReplies,
		SocialItems:    r.plan.SocialItems,
	}
}

// existingBackup returns the backup an earlier attempt of this job saved.
func (r *snapshotRun) existingBackup(ctx context.Context) (*models.Backup, error) {
	b, err := r.o.deps.Backups.GetBackupBySourceJob(ctx, r.job.ID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find backup for job: %w", err)
	}
	return b, nil
}

func (r *snapshotRun) scrape(ctx context.Context) error {
	existing, err := r.existingBackup(ctx)
	if err != nil {
		return err
	}
	if existing != nil {
		r.backup = existing
		r.logger.Info().Str("backup_id", existing.ID.String()).Msg("backup already saved by an earlier attempt, skipping scrape")
		return nil
	}

	if err := r.phase(ctx, models.LifecycleScraping, scrapeProgressStart, MessageScraping); err != nil {
		return err
	}

	syncer := newProgressSync(ctx, r.o.deps.Ledger, r.job.ID, r.plan.TimelineItems+r.plan.SocialItems, r.o.clock, r.o.deps.Metrics, r.logger)
	result, err := r.o.deps.Provider.ScrapeAll(ctx, r.providerRequest(), provider.Options{
		ShouldCancel: func() bool { return r.cancelRequested(ctx) },
		OnProgress:   syncer.Update,
	})
	syncer.Flush()

	r.runs = syncer.RunIDs()
	if result != nil {
		if result.TimelineRunID != "" {
			r.runs.TimelineRunID = result.TimelineRunID
		}
		if result.SocialRunID != "" {
			r.runs.SocialRunID = result.SocialRunID
		}
		r.o.deps.Metrics.RecordProviderCost(result.CostUSD)
	}
	if err != nil {
		return err
	}
	r.result = result
	return nil
}

func (r *snapshotRun) save(ctx context.Context) error {
	if r.backup != nil {
		return nil
	}
	if err := r.phase(ctx, models.LifecycleSaving, scrapeProgressEnd, MessageSaving); err != nil {
		return err
	}

	now := r.o.clock.Now().UTC()
	res := r.result
	social := len(res.Followers) + len(res.Following)

	b := models.NewBackup(r.job.UserID, models.BackupKindSnapshot, now)
	jobID := r.job.ID
	b.SourceJobID = &jobID
	b.Payload = models.BackupPayload{
		Profile:   res.Profile,
		Timeline:  res.Timeline,
		Replies:   res.Replies,
		Followers: res.Followers,
		Following: res.Following,
		Stats: map[string]any{
			"posts":     len(res.Timeline),
			"replies":   len(res.Replies),
			"followers": len(res.Followers),
			"following": len(res.Following),
		},
		Scrape:    r.scrapeMeta(now, social),
		Storage:   &models.StorageBreakdown{CalculatedAt: now},
		Retention: r.retention(now),
	}

	if err := r.o.deps.Backups.CreateBackup(ctx, b); err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	r.backup = b

	if err := r.o.deps.Ledger.MergePayload(ctx, r.job.ID, models.PayloadPatch{
		models.PayloadKeyPartialBackupID: b.ID,
	}); err != nil {
		return fmt.Errorf("record partial backup: %w", err)
	}

	r.logger.Info().
		Str("backup_id", b.ID.String()).
		Int("timeline", len(res.Timeline)).
		Int("social", social).
		Bool("partial", b.Payload.Scrape.Partial).
		Msg("snapshot backup saved")
	return nil
}

func (r *snapshotRun) scrapeMeta(now time.Time, social int) *models.ScrapeMeta {
	res := r.result
	reasons := PartialReasons(r.plan, res.Profile, len(res.Timeline)+len(res.Replies), social)
	return &models.ScrapeMeta{
		Provider:               r.o.deps.Provider.Name(),
		TimelineRunID:          res.TimelineRunID,
		SocialRunID:            res.SocialRunID,
		CostUSD:                pricing.RoundCents(res.CostUSD),
		Partial:                len(reasons) > 0,
		PartialReasons:         reasons,
		RequestedTimelineItems: r.plan.RequestedTimelineItems,
		PlannedTimelineItems:   r.plan.TimelineItems,
		PlannedSocialItems:     r.plan.SocialItems,
		TimelineCount:          len(res.Timeline) + len(res.Replies),
		SocialCount:            social,
		ScrapedAt:              now,
	}
}

func (r *snapshotRun) retention(now time.Time) *models.Retention {
	if !r.request.Guest {
		return &models.Retention{Mode: models.RetentionAccount}
	}
	expires := now.Add(r.o.retention.GuestTTL)
	return &models.Retention{Mode: models.RetentionGuest, ExpiresAt: &expires}
}

// mediaItems collects the media references of the backup. The items point
// into b's payload so the pipeline rewrites it in place.
func (r *snapshotRun) mediaItems(b *models.Backup) []media.Item {
	var items []media.Item
	if r.request.IncludeMedia {
		for _, posts := range [][]models.Post{b.Payload.Timeline, b.Payload.Replies} {
			for i := range posts {
				for j := range posts[i].Media {
					items = append(items, media.Item{
						ParentID: posts[i].ID,
						Ref:      &posts[i].Media[j],
						Category: models.MediaCategoryPostMedia,
					})
				}
			}
		}
	}
	if r.request.IncludeProfileMedia && b.Payload.Profile != nil {
		if ref := b.Payload.Profile.Avatar; ref != nil {
			items = append(items, media.Item{ParentID: "profile", Ref: ref, Category: models.MediaCategoryAvatar})
		}
		if ref := b.Payload.Profile.Banner; ref != nil {
			items = append(items, media.Item{ParentID: "profile", Ref: ref, Category: models.MediaCategoryBanner})
		}
	}
	return items
}

func (r *snapshotRun) saveMedia(ctx context.Context) error {
	if err := r.phase(ctx, models.LifecycleMedia, 65, MessageMedia); err != nil {
		return err
	}
	b := r.backup

	items := r.mediaItems(b)
	if len(items) > 0 {
		r.media = r.o.deps.Media.Run(ctx, media.Target{UserID: b.UserID, BackupID: b.ID}, items, func() bool {
			return r.cancelRequested(ctx)
		})

		summary := r.media.Summary()
		if err := r.o.deps.Ledger.MergePayload(ctx, r.job.ID, models.PayloadPatch{
			models.PayloadKeyMedia: summary,
		}); err != nil {
			r.logger.Warn().Err(err).Msg("failed to record media summary")
		}
		if r.media.Cancelled {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errCancelled
		}

		if err := r.o.deps.Backups.UpdateBackupPayload(ctx, b.ID, b.Payload, r.o.clock.Now().UTC()); err != nil {
			return fmt.Errorf("update backup media references: %w", err)
		}
	}

	breakdown, err := r.o.deps.Usage.Recalculate(ctx, b.ID)
	if err != nil {
		r.logger.Warn().Err(err).Str("backup_id", b.ID.String()).Msg("failed to calculate backup storage")
	} else {
		b.Payload.Storage = &breakdown
	}

	_, err = r.o.deps.Ledger.UpdateJob(ctx, r.job.ID, models.JobUpdate{Progress: models.ProgressPtr(90)})
	return err
}

func (r *snapshotRun) finalize(ctx context.Context) error {
	if err := r.phase(ctx, models.LifecycleFinalizing, 95, MessageFinalizing); err != nil {
		return err
	}
	b := r.backup

	job, err := r.o.deps.Ledger.GetJob(ctx, r.job.ID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	if !job.Payload.NotificationSent {
		// The flag goes first so a retry never sends twice.
		if err := r.o.deps.Ledger.MergePayload(ctx, r.job.ID, models.PayloadPatch{
			models.PayloadKeyNotificationSent: true,
		}); err != nil {
			return fmt.Errorf("mark notification sent: %w", err)
		}
		data := notifications.ReadyDataFor(r.request.NotifyEmail, b, r.media.Uploaded+r.media.Reused, r.o.clock.Now())
		if err := r.o.deps.Notifier.NotifyBackupReady(ctx, data); err != nil {
			r.logger.Warn().Err(err).Msg("failed to send backup ready notification")
		}
	}

	message := MessageCompleted
	if b.Payload.Scrape != nil && b.Payload.Scrape.Partial {
		message = MessagePartial
	}

	tctx, cancel := terminalContext(ctx)
	defer cancel()
	backupID := b.ID
	if _, err := r.o.deps.Ledger.UpdateJob(tctx, r.job.ID, models.JobUpdate{
		Status:         models.StatusPtr(models.JobStatusCompleted),
		Progress:       models.ProgressPtr(100),
		Message:        models.StringPtr(message),
		ResultBackupID: &backupID,
		Payload:        models.PayloadPatch{models.PayloadKeyLifecycleState: models.LifecycleCompleted},
	}); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	r.o.deps.Metrics.RecordJob(string(models.JobKindSnapshotScrape), metrics.OutcomeCompleted, r.o.clock.Now().Sub(r.started))
	r.logger.Info().
		Str("backup_id", b.ID.String()).
		Dur("duration", r.o.clock.Now().Sub(r.started)).
		Msg("snapshot job completed")
	return nil
}

// cancel undoes the run: provider runs are aborted and the partial backup is
// deleted before the job is marked cancelled.
func (r *snapshotRun) cancel(ctx context.Context) error {
	tctx, done := terminalContext(ctx)
	defer done()

	r.logger.Info().Msg("cancelling snapshot job")
	if _, err := r.o.deps.Ledger.UpdateJob(tctx, r.job.ID, models.JobUpdate{
		Message: models.StringPtr(jobs.CancellingMessage),
		Payload: models.PayloadPatch{models.PayloadKeyLifecycleState: models.LifecycleCleanup},
	}); err != nil {
		if errors.Is(err, models.ErrJobTerminal) {
			return nil
		}
		r.logger.Warn().Err(err).Msg("failed to enter cleanup")
	}

	job, err := r.o.deps.Ledger.GetJob(tctx, r.job.ID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to reload job for cleanup")
		job = r.job
	}

	runs := r.runs
	if stored := job.Payload.Runs; stored != nil {
		if runs.TimelineRunID == "" {
			runs.TimelineRunID = stored.TimelineRunID
		}
		if runs.SocialRunID == "" {
			runs.SocialRunID = stored.SocialRunID
		}
	}
	for _, runID := range runs.IDs() {
		if err := r.o.deps.Provider.AbortRun(tctx, runID); err != nil {
			r.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to abort provider run")
		}
	}

	patch := models.PayloadPatch{
		models.PayloadKeyLifecycleState: models.LifecycleCancelled,
		models.PayloadKeyFailureCode:    models.FailureCancelled,
		models.PayloadKeyRuns:           nil,
	}
	// The id stays on the job as a record of what cleanup removed.
	if deleted := r.deletePartialBackup(tctx, job); deleted != nil {
		patch[models.PayloadKeyPartialBackupID] = *deleted
	}

	if _, err := r.o.deps.Ledger.UpdateJob(tctx, r.job.ID, models.JobUpdate{
		Status:       models.StatusPtr(models.JobStatusFailed),
		Message:      models.StringPtr(jobs.CancelledMessage),
		ErrorMessage: models.StringPtr(jobs.CancelledMessage),
		Payload:      patch,
	}); err != nil && !errors.Is(err, models.ErrJobTerminal) {
		return fmt.Errorf("mark job cancelled: %w", err)
	}

	r.o.deps.Metrics.RecordJob(string(models.JobKindSnapshotScrape), metrics.OutcomeCancelled, r.o.clock.Now().Sub(r.started))
	r.logger.Info().Strs("aborted_runs", runs.IDs()).Msg("snapshot job cancelled")
	return nil
}

// deletePartialBackup removes the backup this job saved, if any, and returns
// its id.
func (r *snapshotRun) deletePartialBackup(ctx context.Context, job *models.BackupJob) *uuid.UUID {
	var backupID *uuid.UUID
	switch {
	case r.backup != nil:
		backupID = &r.backup.ID
	case job.Payload.PartialBackupID != nil:
		backupID = job.Payload.PartialBackupID
	default:
		existing, err := r.existingBackup(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Msg("failed to look up partial backup")
			return nil
		}
		if existing == nil {
			return nil
		}
		backupID = &existing.ID
	}

	owner := job.UserID
	result, err := r.o.deps.Deleter.DeleteBackup(ctx, *backupID, &owner)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			r.logger.Warn().Err(err).Str("backup_id", backupID.String()).Msg("failed to delete partial backup")
		}
		return backupID
	}
	r.logger.Info().
		Str("backup_id", backupID.String()).
		Int("objects_deleted", result.Deleted).
		Int("objects_failed", result.Failed).
		Msg("partial backup deleted")
	return backupID
}

// fail records err on the job. A saved backup is kept.
func (r *snapshotRun) fail(ctx context.Context, err error) error {
	tctx, done := terminalContext(ctx)
	defer done()

	code := failureCode(err)
	if ferr := r.o.deps.Ledger.FailJob(tctx, r.job.ID, code, err.Error()); ferr != nil {
		return ferr
	}
	r.o.deps.Metrics.RecordJob(string(models.JobKindSnapshotScrape), metrics.OutcomeFailed, r.o.clock.Now().Sub(r.started))
	return nil
}

func failureCode(err error) string {
	var budget *BudgetExceededError
	var perr *provider.Error
	switch {
	case errors.Is(err, provider.ErrNotConfigured):
		return models.FailureProviderNotConfigured
	case errors.As(err, &budget):
		return models.FailureBudgetExceeded
	case errors.As(err, &perr):
		return models.FailureProviderError
	default:
		return models.FailureInternal
	}
}

func terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
}
