package models

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PayloadSchemaVersion is the current job payload layout.
const PayloadSchemaVersion = 1

// Payload keys accepted by PayloadPatch.
const (
	PayloadKeySchemaVersion            = "schema_version"
	PayloadKeyLifecycleState           = "lifecycle_state"
	PayloadKeySnapshot                 = "snapshot"
	PayloadKeyArchive                  = "archive"
	PayloadKeyLive                     = "live"
	PayloadKeyRuns                     = "runs"
	PayloadKeyEstimatedTimelineCostUSD = "estimated_timeline_cost_usd"
	PayloadKeyEstimatedSocialCostUSD   = "estimated_social_cost_usd"
	PayloadKeyPlannedTimelineItems     = "planned_timeline_items"
	PayloadKeyPlannedSocialItems       = "planned_social_items"
	PayloadKeyCancelRequested          = "cancel_requested"
	PayloadKeyCancelReason             = "cancel_reason"
	PayloadKeyCancelRequestedAt        = "cancel_requested_at"
	PayloadKeyPartialBackupID          = "partial_backup_id"
	PayloadKeyNotificationSent         = "notification_sent"
	PayloadKeyQueueTimeout             = "queue_timeout"
	PayloadKeyFailureCode              = "failure_code"
	PayloadKeyMedia                    = "media"
)

// JobPayload is the structured, versioned job payload stored as JSONB.
type JobPayload struct {
	SchemaVersion            int              `json:"schema_version"`
	LifecycleState           LifecycleState   `json:"lifecycle_state,omitempty"`
	Snapshot                 *SnapshotRequest `json:"snapshot,omitempty"`
	Archive                  *ArchiveUpload   `json:"archive,omitempty"`
	Live                     *LiveMetrics     `json:"live,omitempty"`
	Runs                     *ProviderRuns    `json:"runs,omitempty"`
	EstimatedTimelineCostUSD float64          `json:"estimated_timeline_cost_usd,omitempty"`
	EstimatedSocialCostUSD   float64          `json:"estimated_social_cost_usd,omitempty"`
	PlannedTimelineItems     int              `json:"planned_timeline_items,omitempty"`
	PlannedSocialItems       int              `json:"planned_social_items,omitempty"`
	CancelRequested          bool             `json:"cancel_requested,omitempty"`
	CancelReason             string           `json:"cancel_reason,omitempty"`
	CancelRequestedAt        *time.Time       `json:"cancel_requested_at,omitempty"`
	PartialBackupID          *uuid.UUID       `json:"partial_backup_id,omitempty"`
	NotificationSent         bool             `json:"notification_sent,omitempty"`
	QueueTimeout             bool             `json:"queue_timeout,omitempty"`
	FailureCode              string           `json:"failure_code,omitempty"`
	Media                    *MediaSummary    `json:"media,omitempty"`
}

// SnapshotRequest is what the user asked a snapshot scrape to capture.
type SnapshotRequest struct {
	Handle              string   `json:"handle"`
	TimelineItems       int      `json:"timeline_items,omitempty"`
	IncludeReplies      bool     `json:"include_replies,omitempty"`
	IncludeSocial       bool     `json:"include_social,omitempty"`
	SocialItems         int      `json:"social_items,omitempty"`
	IncludeProfileMedia bool     `json:"include_profile_media,omitempty"`
	IncludeMedia        bool     `json:"include_media,omitempty"`
	PerRunBudgetUSD     float64  `json:"per_run_budget_usd,omitempty"`
	MonthlyRemainingUSD *float64 `json:"monthly_remaining_usd,omitempty"`
	Guest               bool     `json:"guest,omitempty"`
	NotifyEmail         string   `json:"notify_email,omitempty"`
}

// ArchiveUpload describes an export uploaded through a signed URL.
type ArchiveUpload struct {
	FileName      string `json:"file_name"`
	StoragePath   string `json:"storage_path"`
	DeclaredBytes int64  `json:"declared_bytes,omitempty"`
	NotifyEmail   string `json:"notify_email,omitempty"`
}

// LiveMetrics is the last progress snapshot persisted for a running scrape.
type LiveMetrics struct {
	Phase         string    `json:"phase"`
	TimelineCount int       `json:"timeline_count"`
	SocialCount   int       `json:"social_count"`
	CostUSD       float64   `json:"cost_usd"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ProviderRuns holds external run ids so they can be aborted on cancel.
type ProviderRuns struct {
	TimelineRunID string `json:"timeline_run_id,omitempty"`
	SocialRunID   string `json:"social_run_id,omitempty"`
}

// IDs returns the non-empty run ids.
func (r *ProviderRuns) IDs() []string {
	if r == nil {
		return nil
	}
	var ids []string
	for _, id := range []string{r.TimelineRunID, r.SocialRunID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// MediaSummary is the outcome of the media pipeline for a job.
type MediaSummary struct {
	Total     int   `json:"total"`
	Processed int   `json:"processed"`
	Uploaded  int   `json:"uploaded"`
	Reused    int   `json:"reused"`
	Skipped   int   `json:"skipped"`
	Errors    int   `json:"errors"`
	Bytes     int64 `json:"bytes"`
	Cancelled bool  `json:"cancelled,omitempty"`
}

// PayloadPatch is a shallow update: every key replaces the stored key, other keys are kept.
type PayloadPatch map[string]any

// With returns a copy of p with key set to value.
func (p PayloadPatch) With(key string, value any) PayloadPatch {
	out := make(PayloadPatch, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out[key] = value
	return out
}

// JSON encodes the patch. A nil patch encodes as an empty object.
func (p PayloadPatch) JSON() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(p))
}

// PayloadDecodeError lists payload keys that could not be decoded.
type PayloadDecodeError struct {
	Keys []string
}

func (e *PayloadDecodeError) Error() string {
	return fmt.Sprintf("malformed payload keys: %s", strings.Join(e.Keys, ", "))
}

func (p *JobPayload) fields() map[string]any {
	return map[string]any{
		PayloadKeySchemaVersion:            &p.SchemaVersion,
		PayloadKeyLifecycleState:           &p.LifecycleState,
		PayloadKeySnapshot:                 &p.Snapshot,
		PayloadKeyArchive:                  &p.Archive,
		PayloadKeyLive:                     &p.Live,
		PayloadKeyRuns:                     &p.Runs,
		PayloadKeyEstimatedTimelineCostUSD: &p.EstimatedTimelineCostUSD,
		PayloadKeyEstimatedSocialCostUSD:   &p.EstimatedSocialCostUSD,
		PayloadKeyPlannedTimelineItems:     &p.PlannedTimelineItems,
		PayloadKeyPlannedSocialItems:       &p.PlannedSocialItems,
		PayloadKeyCancelRequested:          &p.CancelRequested,
		PayloadKeyCancelReason:             &p.CancelReason,
		PayloadKeyCancelRequestedAt:        &p.CancelRequestedAt,
		PayloadKeyPartialBackupID:          &p.PartialBackupID,
		PayloadKeyNotificationSent:         &p.NotificationSent,
		PayloadKeyQueueTimeout:             &p.QueueTimeout,
		PayloadKeyFailureCode:              &p.FailureCode,
		PayloadKeyMedia:                    &p.Media,
	}
}

// DecodeJobPayload decodes a stored payload key by key. A key that fails to
// decode keeps its zero value and is reported in a *PayloadDecodeError; the
// returned payload is usable either way. Payloads written before versioning
// are read as version 1.
func DecodeJobPayload(data []byte) (JobPayload, error) {
	p := JobPayload{SchemaVersion: PayloadSchemaVersion}
	if len(data) == 0 || string(data) == "null" {
		return p, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return p, fmt.Errorf("decode job payload: %w", err)
	}

	var bad []string
	for key, target := range p.fields() {
		value, ok := raw[key]
		if !ok {
			continue
		}
		dst := reflect.ValueOf(target).Elem()
		tmp := reflect.New(dst.Type())
		if err := json.Unmarshal(value, tmp.Interface()); err != nil {
			bad = append(bad, key)
			continue
		}
		dst.Set(tmp.Elem())
	}

	if p.SchemaVersion == 0 {
		p.SchemaVersion = PayloadSchemaVersion
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return p, &PayloadDecodeError{Keys: bad}
	}
	return p, nil
}

// Apply returns the payload obtained by shallow-merging patch into p.
func (p JobPayload) Apply(patch PayloadPatch) (JobPayload, error) {
	base, err := json.Marshal(p)
	if err != nil {
		return p, fmt.Errorf("encode job payload: %w", err)
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return p, fmt.Errorf("decode job payload: %w", err)
	}
	for key, value := range patch {
		encoded, err := json.Marshal(value)
		if err != nil {
			return p, fmt.Errorf("encode payload key %s: %w", key, err)
		}
		merged[key] = encoded
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return p, fmt.Errorf("encode merged payload: %w", err)
	}
	return DecodeJobPayload(out)
}
