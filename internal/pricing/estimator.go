// Package pricing sizes scrape requests against a linear price model.
package pricing

import (
	"math"

	"github.com/MacJediWizard/snapvault/internal/config"
)

// Axis selects one of the independently priced scrape axes.
type Axis string

const (
	// AxisTimeline prices posts and replies.
	AxisTimeline Axis = "timeline"
	// AxisSocial prices followers and following.
	AxisSocial Axis = "social"
)

// Unbounded is returned by MaxItemsForBudget when items beyond the included
// count are free.
const Unbounded = math.MaxInt32

// epsilon absorbs float noise before ceil/floor at cent and item boundaries.
const epsilon = 1e-9

// Estimator provides cost estimation for scrape requests.
type Estimator struct {
	pricing config.Pricing
}

// NewEstimator creates an estimator for the given price tables.
func NewEstimator(pricing config.Pricing) *Estimator {
	return &Estimator{pricing: pricing}
}

func (e *Estimator) axis(a Axis) config.PriceAxis {
	if a == AxisSocial {
		return e.pricing.Social
	}
	return e.pricing.Timeline
}

// EstimateCost returns the cost in USD of requesting items on the axis,
// rounded up to the cent.
func (e *Estimator) EstimateCost(a Axis, items int) float64 {
	if items <= 0 {
		return 0
	}
	p := e.axis(a)
	cost := p.BaseUSD
	if extra := items - p.IncludedItems; extra > 0 {
		cost += float64(extra) * p.PerItemUSD
	}
	if cost <= 0 {
		return 0
	}
	return CeilCents(cost)
}

// MaxItemsForBudget returns the largest item count whose cost does not
// exceed budgetUSD. It returns 0 when the budget does not cover the base
// price and Unbounded when extra items are free.
func (e *Estimator) MaxItemsForBudget(a Axis, budgetUSD float64) int {
	p := e.axis(a)
	budget := RoundCents(budgetUSD)
	if budget < 0 {
		budget = 0
	}
	if p.BaseUSD > 0 && budget+epsilon < p.BaseUSD {
		return 0
	}
	if p.PerItemUSD <= 0 {
		return Unbounded
	}

	extra := math.Floor((budget-p.BaseUSD)/p.PerItemUSD + epsilon)
	if extra < 0 {
		extra = 0
	}
	total := float64(p.IncludedItems) + extra
	if total >= Unbounded {
		return Unbounded
	}
	return int(total)
}

// RoundCents rounds an amount to two decimal places.
func RoundCents(usd float64) float64 {
	return math.Round(usd*100) / 100
}

// CeilCents rounds an amount up to the next cent.
func CeilCents(usd float64) float64 {
	return math.Ceil(usd*100-epsilon) / 100
}
