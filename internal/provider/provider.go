// Package provider defines the scraping provider contract and its Apify
// implementation.
package provider

import (
	"context"
	"errors"

	"github.com/MacJediWizard/snapvault/internal/models"
)

var (
	// ErrCancelled is returned when ShouldCancel stopped a scrape.
	ErrCancelled = errors.New("scrape cancelled by caller")
	// ErrNotConfigured is returned by Validate when credentials are missing.
	ErrNotConfigured = errors.New("scraping provider is not configured")
)

// Scrape phases reported in Progress.
const (
	PhaseTimeline = "timeline"
	PhaseSocial   = "social"
)

// Request sizes one scrape. Zero item counts skip the axis.
type Request struct {
	Handle         string
	TimelineItems  int
	IncludeReplies bool
	SocialItems    int
}

// Progress is reported while a scrape runs.
type Progress struct {
	Phase         string
	TimelineCount int
	SocialCount   int
	TimelineRunID string
	SocialRunID   string
	CostUSD       float64
}

// Options carries the callbacks of a scrape. Both are optional.
type Options struct {
	ShouldCancel func() bool
	OnProgress   func(Progress)
}

func (o Options) cancelled() bool {
	return o.ShouldCancel != nil && o.ShouldCancel()
}

func (o Options) progress(p Progress) {
	if o.OnProgress != nil {
		o.OnProgress(p)
	}
}

// Result is everything one scrape captured.
type Result struct {
	Profile       *models.Profile
	Timeline      []models.Post
	Replies       []models.Post
	Followers     []models.Account
	Following     []models.Account
	TimelineRunID string
	SocialRunID   string
	CostUSD       float64
}

// Error is a failure reported by the provider.
type Error struct {
	RunID   string
	Status  string
	Message string
}

func (e *Error) Error() string {
	if e.RunID == "" {
		return "provider: " + e.Message
	}
	return "provider run " + e.RunID + " " + e.Status + ": " + e.Message
}

// Provider scrapes a public account.
type Provider interface {
	Name() string
	Validate(req Request) error
	ScrapeAll(ctx context.Context, req Request, opts Options) (*Result, error)
	AbortRun(ctx context.Context, runID string) error
}
