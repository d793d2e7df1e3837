// Package scrape runs snapshot scrape jobs: it sizes the request against the
// budget, drives the scraping provider, saves the backup and its media, and
// handles cancellation.
package scrape

import (
	"fmt"

	"github.com/MacJediWizard/snapvault/internal/config"
	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/MacJediWizard/snapvault/internal/pricing"
)

// Which bound decided a planned item count.
const (
	limitRequested = "requested"
	limitCeiling   = "ceiling"
	limitBudget    = "budget"
)

// Partial reasons recorded on snapshot backups.
const (
	ReasonTimelineIncomplete     = "timeline_incomplete"
	ReasonTimelineCeilingReached = "timeline_ceiling_reached"
	ReasonTimelineBudgetCapped   = "timeline_budget_capped"
	ReasonSocialIncomplete       = "social_incomplete"
	ReasonSocialCeilingReached   = "social_ceiling_reached"
	ReasonSocialBudgetCapped     = "social_budget_capped"
)

// BudgetExceededError is returned when the cheapest viable request on an
// axis costs more than the budget left for it.
type BudgetExceededError struct {
	Axis       pricing.Axis
	BudgetUSD  float64
	MinCostUSD float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("Budget of $%.2f does not cover the minimum %s request ($%.2f)", e.BudgetUSD, e.Axis, e.MinCostUSD)
}

// Plan is the sized request for one snapshot scrape.
type Plan struct {
	BudgetUSD float64

	RequestedTimelineItems int
	TimelineItems          int
	TimelineLimit          string
	TimelineCostUSD        float64

	SocialItems   int
	SocialLimit   string
	SocialCostUSD float64
}

// TotalCostUSD is the estimated cost of the whole plan.
func (p Plan) TotalCostUSD() float64 {
	return pricing.RoundCents(p.TimelineCostUSD + p.SocialCostUSD)
}

// Planner sizes snapshot requests.
type Planner struct {
	estimator *pricing.Estimator
	limits    config.SnapshotLimits
}

// NewPlanner creates a planner.
func NewPlanner(estimator *pricing.Estimator, limits config.SnapshotLimits) *Planner {
	return &Planner{estimator: estimator, limits: limits}
}

// EffectiveBudget is the smaller of the per-run ceiling (optionally lowered by
// the request) and the remaining monthly allowance.
func (p *Planner) EffectiveBudget(req models.SnapshotRequest) float64 {
	budget := p.limits.PerRunBudgetUSD
	if req.PerRunBudgetUSD > 0 && req.PerRunBudgetUSD < budget {
		budget = req.PerRunBudgetUSD
	}
	if req.MonthlyRemainingUSD != nil && *req.MonthlyRemainingUSD < budget {
		budget = *req.MonthlyRemainingUSD
	}
	if budget < 0 {
		budget = 0
	}
	return pricing.RoundCents(budget)
}

// Plan sizes the timeline request and then the social request against what
// the timeline leaves of the budget. Nothing is charged when it fails.
func (p *Planner) Plan(req models.SnapshotRequest) (Plan, error) {
	plan := Plan{BudgetUSD: p.EffectiveBudget(req)}

	ceiling := p.limits.FreeTierTimelineCeiling
	requested := req.TimelineItems
	if requested <= 0 {
		requested = ceiling
	}
	plan.RequestedTimelineItems = requested

	affordable := p.estimator.MaxItemsForBudget(pricing.AxisTimeline, plan.BudgetUSD)
	if affordable < 1 {
		return plan, &BudgetExceededError{
			Axis:       pricing.AxisTimeline,
			BudgetUSD:  plan.BudgetUSD,
			MinCostUSD: p.estimator.EstimateCost(pricing.AxisTimeline, 1),
		}
	}
	plan.TimelineItems, plan.TimelineLimit = smallest(requested, ceiling, affordable)
	plan.TimelineCostUSD = p.estimator.EstimateCost(pricing.AxisTimeline, plan.TimelineItems)

	if !req.IncludeSocial {
		return plan, nil
	}

	remaining := pricing.RoundCents(plan.BudgetUSD - plan.TimelineCostUSD)
	socialRequested := req.SocialItems
	if socialRequested <= 0 {
		socialRequested = p.limits.SocialItemCeiling
	}
	affordable = p.estimator.MaxItemsForBudget(pricing.AxisSocial, remaining)
	minimum := p.limits.MinViableSocialItems
	if minimum < 1 {
		minimum = 1
	}
	if affordable < minimum {
		return plan, &BudgetExceededError{
			Axis:       pricing.AxisSocial,
			BudgetUSD:  remaining,
			MinCostUSD: p.estimator.EstimateCost(pricing.AxisSocial, minimum),
		}
	}
	plan.SocialItems, plan.SocialLimit = smallest(socialRequested, p.limits.SocialItemCeiling, affordable)
	plan.SocialCostUSD = p.estimator.EstimateCost(pricing.AxisSocial, plan.SocialItems)
	return plan, nil
}

// smallest returns the binding bound. A request that matches the ceiling is
// bound by the ceiling, and the budget only binds below both.
func smallest(requested, ceiling, affordable int) (int, string) {
	n, limit := requested, limitRequested
	if ceiling > 0 && ceiling <= n {
		n, limit = ceiling, limitCeiling
	}
	if affordable < n {
		n, limit = affordable, limitBudget
	}
	return n, limit
}

// PartialReasons compares what was captured with what was planned and what
// the profile says exists.
func PartialReasons(plan Plan, profile *models.Profile, timeline, social int) []string {
	var reasons []string
	var postsTotal, socialTotal int
	if profile != nil {
		postsTotal = profile.PostsCount
		socialTotal = profile.FollowersCount + profile.FollowingCount
	}

	if plan.TimelineItems > 0 {
		reasons = appendReason(reasons, plan.TimelineItems, plan.TimelineLimit, postsTotal, timeline,
			ReasonTimelineIncomplete, ReasonTimelineCeilingReached, ReasonTimelineBudgetCapped)
	}
	if plan.SocialItems > 0 {
		reasons = appendReason(reasons, plan.SocialItems, plan.SocialLimit, socialTotal, social,
			ReasonSocialIncomplete, ReasonSocialCeilingReached, ReasonSocialBudgetCapped)
	}
	return reasons
}

func appendReason(reasons []string, planned int, limit string, available, got int, incomplete, ceiling, budget string) []string {
	if available <= got {
		return reasons
	}
	if got < planned {
		return append(reasons, incomplete)
	}
	switch limit {
	case limitCeiling:
		return append(reasons, ceiling)
	case limitBudget:
		return append(reasons, budget)
	}
	return reasons
}
