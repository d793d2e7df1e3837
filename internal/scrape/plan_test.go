package scrape

import (
	"errors"
	"testing"

	"github.com/MacJediWizard/snapvault/internal/config"
	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/MacJediWizard/snapvault/internal/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlanner() *Planner {
	limits := config.DefaultLimits()
	return NewPlanner(pricing.NewEstimator(limits.Pricing), limits.Snapshot)
}

func usd(v float64) *float64 { return &v }

func TestPlanner_EffectiveBudget(t *testing.T) {
	p := newTestPlanner()
	tests := []struct {
		name string
		req  models.SnapshotRequest
		want float64
	}{
		{"config ceiling", models.SnapshotRequest{}, 1.00},
		{"lower per-run budget", models.SnapshotRequest{PerRunBudgetUSD: 0.25}, 0.25},
		{"per-run budget above ceiling", models.SnapshotRequest{PerRunBudgetUSD: 5}, 1.00},
		{"monthly allowance lower", models.SnapshotRequest{MonthlyRemainingUSD: usd(0.40)}, 0.40},
		{"monthly allowance higher", models.SnapshotRequest{MonthlyRemainingUSD: usd(30)}, 1.00},
		{"negative allowance", models.SnapshotRequest{MonthlyRemainingUSD: usd(-2)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, p.EffectiveBudget(tt.req), 1e-9)
		})
	}
}

func TestPlanner_Plan(t *testing.T) {
	p := newTestPlanner()
	tests := []struct {
		name          string
		req           models.SnapshotRequest
		timeline      int
		timelineLimit string
		social        int
		socialLimit   string
	}{
		{
			name:          "dollar budget is capped by the free tier ceiling",
			req:           models.SnapshotRequest{PerRunBudgetUSD: 1.00, TimelineItems: 5000},
			timeline:      800,
			timelineLimit: limitCeiling,
		},
		{
			name:          "default request uses the ceiling",
			req:           models.SnapshotRequest{},
			timeline:      800,
			timelineLimit: limitCeiling,
		},
		{
			name:          "small request",
			req:           models.SnapshotRequest{TimelineItems: 100},
			timeline:      100,
			timelineLimit: limitRequested,
		},
		{
			name:          "budget caps the timeline",
			req:           models.SnapshotRequest{PerRunBudgetUSD: 0.10},
			timeline:      250,
			timelineLimit: limitBudget,
		},
		{
			name:          "monthly allowance caps the timeline",
			req:           models.SnapshotRequest{MonthlyRemainingUSD: usd(0.05)},
			timeline:      125,
			timelineLimit: limitBudget,
		},
		{
			name:          "social sized from the remaining budget",
			req:           models.SnapshotRequest{IncludeSocial: true},
			timeline:      800,
			timelineLimit: limitCeiling,
			social:        2000,
			socialLimit:   limitCeiling,
		},
		{
			name:          "social budget capped",
			req:           models.SnapshotRequest{IncludeSocial: true, PerRunBudgetUSD: 0.40},
			timeline:      800,
			timelineLimit: limitCeiling,
			social:        360,
			socialLimit:   limitBudget,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := p.Plan(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.timeline, plan.TimelineItems)
			assert.Equal(t, tt.timelineLimit, plan.TimelineLimit)
			assert.Equal(t, tt.social, plan.SocialItems)
			assert.Equal(t, tt.socialLimit, plan.SocialLimit)
			assert.LessOrEqual(t, plan.TotalCostUSD(), plan.BudgetUSD+1e-9)
		})
	}
}

func TestPlanner_DollarScenarioCost(t *testing.T) {
	plan, err := newTestPlanner().Plan(models.SnapshotRequest{PerRunBudgetUSD: 1.00, TimelineItems: 5000})
	require.NoError(t, err)
	assert.InDelta(t, 0.32, plan.TimelineCostUSD, 1e-9)
	assert.LessOrEqual(t, plan.TimelineCostUSD, 1.00)
}

func TestPlanner_BudgetExceeded(t *testing.T) {
	p := newTestPlanner()

	t.Run("timeline", func(t *testing.T) {
		_, err := p.Plan(models.SnapshotRequest{MonthlyRemainingUSD: usd(0.01)})
		var budgetErr *BudgetExceededError
		require.True(t, errors.As(err, &budgetErr))
		assert.Equal(t, pricing.AxisTimeline, budgetErr.Axis)
		assert.InDelta(t, 0.01, budgetErr.BudgetUSD, 1e-9)
		assert.InDelta(t, 0.02, budgetErr.MinCostUSD, 1e-9)
		assert.Contains(t, err.Error(), "$0.01")
	})

	t.Run("social below minimum viable request", func(t *testing.T) {
		_, err := p.Plan(models.SnapshotRequest{IncludeSocial: true, PerRunBudgetUSD: 0.33})
		var budgetErr *BudgetExceededError
		require.True(t, errors.As(err, &budgetErr))
		assert.Equal(t, pricing.AxisSocial, budgetErr.Axis)
	})
}

func TestPlanner_DefaultRequestFlagsCeiling(t *testing.T) {
	plan, err := newTestPlanner().Plan(models.SnapshotRequest{PerRunBudgetUSD: 1, IncludeSocial: true})
	require.NoError(t, err)
	require.Equal(t, 800, plan.TimelineItems)

	profile := &models.Profile{PostsCount: 10000, FollowersCount: 5000}
	got := PartialReasons(plan, profile, plan.TimelineItems, plan.SocialItems)
	assert.Equal(t, []string{ReasonTimelineCeilingReached, ReasonSocialCeilingReached}, got)
}

func TestPartialReasons(t *testing.T) {
	plan := Plan{TimelineItems: 800, TimelineLimit: limitCeiling, SocialItems: 500, SocialLimit: limitBudget}
	tests := []struct {
		name     string
		profile  *models.Profile
		timeline int
		social   int
		want     []string
	}{
		{
			name:     "everything captured",
			profile:  &models.Profile{PostsCount: 120, FollowersCount: 30, FollowingCount: 20},
			timeline: 120,
			social:   50,
		},
		{
			name:     "limits reached",
			profile:  &models.Profile{PostsCount: 5000, FollowersCount: 900, FollowingCount: 100},
			timeline: 800,
			social:   500,
			want:     []string{ReasonTimelineCeilingReached, ReasonSocialBudgetCapped},
		},
		{
			name:     "provider returned less",
			profile:  &models.Profile{PostsCount: 5000, FollowersCount: 900},
			timeline: 300,
			social:   10,
			want:     []string{ReasonTimelineIncomplete, ReasonSocialIncomplete},
		},
		{
			name:     "unknown profile totals",
			timeline: 10,
			social:   0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PartialReasons(plan, tt.profile, tt.timeline, tt.social))
		})
	}
}
