package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PriceAxis is a linear price model: a base price per query covering
// IncludedItems, plus PerItemUSD for every item beyond that.
type PriceAxis struct {
	BaseUSD       float64 `yaml:"base_usd"`
	IncludedItems int     `yaml:"included_items"`
	PerItemUSD    float64 `yaml:"per_item_usd"`
}

// Pricing holds the two independently priced scrape axes.
type Pricing struct {
	Timeline PriceAxis `yaml:"timeline"`
	Social   PriceAxis `yaml:"social"`
}

// SnapshotLimits bounds what a single snapshot scrape may fetch.
type SnapshotLimits struct {
	PerRunBudgetUSD         float64 `yaml:"per_run_budget_usd"`
	FreeTierTimelineCeiling int     `yaml:"free_tier_timeline_ceiling"`
	SocialItemCeiling       int     `yaml:"social_item_ceiling"`
	MinViableSocialItems    int     `yaml:"min_viable_social_items"`
}

// MediaLimits configures the media pipeline.
type MediaLimits struct {
	Workers         int    `yaml:"workers"`
	PublicURLPrefix string `yaml:"public_url_prefix"`
	MaxObjectBytes  int64  `yaml:"max_object_bytes"`
}

// ArchiveLimits configures archive uploads.
type ArchiveLimits struct {
	MaxBytes     int64         `yaml:"max_bytes"`
	UploadURLTTL time.Duration `yaml:"upload_url_ttl"`
}

// RetentionLimits configures guest backups.
type RetentionLimits struct {
	GuestTTL time.Duration `yaml:"guest_ttl"`
}

// JobLimits configures the job ledger and dispatcher.
type JobLimits struct {
	StaleQueueTimeout time.Duration `yaml:"stale_queue_timeout"`
	MaxJobDuration    time.Duration `yaml:"max_job_duration"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// Limits is the static per-feature configuration injected into the pipeline.
type Limits struct {
	Pricing   Pricing         `yaml:"pricing"`
	Snapshot  SnapshotLimits  `yaml:"snapshot"`
	Media     MediaLimits     `yaml:"media"`
	Archive   ArchiveLimits   `yaml:"archive"`
	Retention RetentionLimits `yaml:"retention"`
	Jobs      JobLimits       `yaml:"jobs"`
}

// DefaultLimits returns the limits used when no limits file is configured.
func DefaultLimits() Limits {
	return Limits{
		Pricing: Pricing{
			Timeline: PriceAxis{BaseUSD: 0.016, IncludedItems: 40, PerItemUSD: 0.0004},
			Social:   PriceAxis{BaseUSD: 0.016, IncludedItems: 40, PerItemUSD: 0.0002},
		},
		Snapshot: SnapshotLimits{
			PerRunBudgetUSD:         1.00,
			FreeTierTimelineCeiling: 800,
			SocialItemCeiling:       2000,
			MinViableSocialItems:    100,
		},
		Media: MediaLimits{
			Workers:         6,
			PublicURLPrefix: "/media/",
			MaxObjectBytes:  512 << 20,
		},
		Archive: ArchiveLimits{
			MaxBytes:     4 << 30,
			UploadURLTTL: time.Hour,
		},
		Retention: RetentionLimits{
			GuestTTL: 7 * 24 * time.Hour,
		},
		Jobs: JobLimits{
			StaleQueueTimeout: 5 * time.Minute,
			MaxJobDuration:    2 * time.Hour,
			PollInterval:      5 * time.Second,
		},
	}
}

// Validate checks that the limits are usable.
func (l *Limits) Validate() error {
	for name, axis := range map[string]PriceAxis{"timeline": l.Pricing.Timeline, "social": l.Pricing.Social} {
		if axis.BaseUSD < 0 || axis.PerItemUSD < 0 || axis.IncludedItems < 0 {
			return fmt.Errorf("pricing.%s: prices and included_items must not be negative", name)
		}
	}
	if l.Snapshot.PerRunBudgetUSD <= 0 {
		return errors.New("snapshot.per_run_budget_usd must be positive")
	}
	if l.Snapshot.FreeTierTimelineCeiling <= 0 {
		return errors.New("snapshot.free_tier_timeline_ceiling must be positive")
	}
	if l.Snapshot.MinViableSocialItems > l.Snapshot.SocialItemCeiling {
		return errors.New("snapshot.min_viable_social_items exceeds social_item_ceiling")
	}
	if l.Archive.MaxBytes <= 0 {
		return errors.New("archive.max_bytes must be positive")
	}
	if l.Jobs.StaleQueueTimeout <= 0 {
		return errors.New("jobs.stale_queue_timeout must be positive")
	}
	return nil
}

// LoadLimits reads limits from the given YAML file on top of DefaultLimits.
// An empty path returns the defaults.
func LoadLimits(path string) (*Limits, error) {
	limits := DefaultLimits()
	if path == "" {
		return &limits, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read limits file: %w", err)
	}

	if err := yaml.Unmarshal(data, &limits); err != nil {
		return nil, fmt.Errorf("parse limits file: %w", err)
	}

	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid limits file: %w", err)
	}

	return &limits, nil
}
