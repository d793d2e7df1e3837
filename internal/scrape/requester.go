package scrape

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/MacJediWizard/snapvault/internal/config"
	"github.com/MacJediWizard/snapvault/internal/jobs"
	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueuedMessage is the message of a freshly created snapshot job.
const QueuedMessage = "Waiting to start"

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)

// ValidationError describes an invalid snapshot request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// RequestLedger is the part of the job ledger used to create and cancel jobs.
type RequestLedger interface {
	FindActiveJob(ctx context.Context, userID uuid.UUID) (*models.BackupJob, error)
	CreateJob(ctx context.Context, userID uuid.UUID, kind models.JobKind, payload models.PayloadPatch, message string) (*models.BackupJob, error)
	GetJobForUser(ctx context.Context, id, userID uuid.UUID) (*models.BackupJob, error)
	RequestCancellation(ctx context.Context, id uuid.UUID, reason string) (*models.BackupJob, error)
}

// Enqueuer hands jobs to the dispatcher.
type Enqueuer interface {
	Enqueue(job *models.BackupJob)
}

// Requester creates and cancels snapshot jobs on behalf of users.
type Requester struct {
	ledger     RequestLedger
	dispatcher Enqueuer
	limits     config.SnapshotLimits
	logger     zerolog.Logger
}

// NewRequester creates a Requester.
func NewRequester(ledger RequestLedger, dispatcher Enqueuer, limits config.SnapshotLimits, logger zerolog.Logger) *Requester {
	return &Requester{
		ledger:     ledger,
		dispatcher: dispatcher,
		limits:     limits,
		logger:     logger.With().Str("component", "snapshot_requester").Logger(),
	}
}

// Validate normalizes req and checks it.
func (r *Requester) Validate(req *models.SnapshotRequest) error {
	req.Handle = strings.TrimPrefix(strings.TrimSpace(req.Handle), "@")
	if !handlePattern.MatchString(req.Handle) {
		return &ValidationError{Field: "handle", Message: "must be 1-15 letters, digits or underscores"}
	}
	if req.TimelineItems < 0 {
		return &ValidationError{Field: "timeline_items", Message: "must not be negative"}
	}
	if req.SocialItems < 0 {
		return &ValidationError{Field: "social_items", Message: "must not be negative"}
	}
	if req.IncludeSocial && req.SocialItems > 0 && req.SocialItems < r.limits.MinViableSocialItems {
		return &ValidationError{
			Field:   "social_items",
			Message: fmt.Sprintf("must be at least %d", r.limits.MinViableSocialItems),
		}
	}
	if req.PerRunBudgetUSD < 0 {
		return &ValidationError{Field: "per_run_budget_usd", Message: "must not be negative"}
	}
	if req.MonthlyRemainingUSD != nil && *req.MonthlyRemainingUSD < 0 {
		return &ValidationError{Field: "monthly_remaining_usd", Message: "must not be negative"}
	}
	return nil
}

// RequestSnapshot creates a snapshot job unless the user already has an
// active one, and hands it to the dispatcher.
func (r *Requester) RequestSnapshot(ctx context.Context, userID uuid.UUID, req models.SnapshotRequest) (*models.BackupJob, error) {
	if err := r.Validate(&req); err != nil {
		return nil, err
	}

	active, err := r.ledger.FindActiveJob(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	if active != nil {
		return nil, &jobs.ActiveJobError{Job: active}
	}

	job, err := r.ledger.CreateJob(ctx, userID, models.JobKindSnapshotScrape, models.PayloadPatch{
		models.PayloadKeySnapshot: req,
	}, QueuedMessage)
	if err != nil {
		return nil, fmt.Errorf("create snapshot job: %w", err)
	}

	r.dispatcher.Enqueue(job)
	r.logger.Info().
		Str("job_id", job.ID.String()).
		Str("user_id", userID.String()).
		Str("handle", req.Handle).
		Msg("snapshot requested")
	return job, nil
}

// Cancel flags the user's job for cancellation and wakes the dispatcher so a
// queued job runs its cancellation path right away.
func (r *Requester) Cancel(ctx context.Context, userID, jobID uuid.UUID, reason string) (*models.BackupJob, error) {
	if _, err := r.ledger.GetJobForUser(ctx, jobID, userID); err != nil {
		return nil, err
	}
	job, err := r.ledger.RequestCancellation(ctx, jobID, reason)
	if err != nil {
		return nil, err
	}
	if !job.IsTerminal() {
		r.dispatcher.Enqueue(job)
	}
	return job, nil
}
