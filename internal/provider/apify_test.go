package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/snapvault/internal/config"
	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRun struct {
	id           string
	dataset      string
	items        []map[string]any
	succeedAfter int
	final        string
	message      string
	cost         float64
	polls        int
}

type fakeApify struct {
	mu      sync.Mutex
	actors  map[string]*fakeRun
	runs    map[string]*fakeRun
	aborted []string
}

func newFakeApify(t *testing.T, runs map[string]*fakeRun) (*fakeApify, *httptest.Server) {
	t.Helper()
	f := &fakeApify{actors: runs, runs: make(map[string]*fakeRun)}
	for _, r := range runs {
		f.runs[r.id] = r
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/acts/{actor}/runs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		run, ok := f.actors[r.PathValue("actor")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]any{"error": map[string]any{"message": "actor not found"}})
			return
		}
		writeJSON(w, runBody(run, "READY"))
	})
	mux.HandleFunc("GET /v2/actor-runs/{run}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		run, ok := f.runs[r.PathValue("run")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		run.polls++
		status := "RUNNING"
		if run.polls >= run.succeedAfter {
			status = run.final
		}
		writeJSON(w, runBody(run, status))
	})
	mux.HandleFunc("POST /v2/actor-runs/{run}/abort", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PathValue("run")
		if _, ok := f.runs[id]; !ok {
			http.NotFound(w, r)
			return
		}
		f.aborted = append(f.aborted, id)
		writeJSON(w, map[string]any{"data": map[string]any{"id": id, "status": "ABORTING"}})
	})
	mux.HandleFunc("GET /v2/datasets/{ds}/items", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var items []map[string]any
		for _, run := range f.runs {
			if run.dataset == r.PathValue("ds") {
				items = run.items
			}
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if offset > len(items) {
			offset = len(items)
		}
		end := offset + limit
		if end > len(items) {
			end = len(items)
		}
		writeJSON(w, append([]map[string]any{}, items[offset:end]...))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeApify) abortedRuns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.aborted...)
}

func runBody(r *fakeRun, status string) map[string]any {
	return map[string]any{"data": map[string]any{
		"id":               r.id,
		"defaultDatasetId": r.dataset,
		"status":           status,
		"statusMessage":    r.message,
		"usageTotalUsd":    r.cost,
	}}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestApify(baseURL string) *Apify {
	a := NewApify(config.ApifyConfig{
		Token:         "token",
		BaseURL:       baseURL,
		TimelineActor: "acme/timeline",
		SocialActor:   "acme/social",
	}, zerolog.Nop())
	a.pollInterval = 5 * time.Millisecond
	a.pageSize = 2
	return a
}

func timelineItems() []map[string]any {
	return []map[string]any{
		{
			"id":        "1",
			"text":      "hello",
			"createdAt": "Fri Jan 02 15:04:05 +0000 2026",
			"likeCount": 3,
			"author": map[string]any{
				"userName":       "Example",
				"name":           "Example Account",
				"description":    "bio",
				"followers":      1200,
				"following":      80,
				"statusesCount":  5000,
				"profilePicture": "https://pbs.example/avatar.jpg",
				"coverPicture":   "https://pbs.example/banner.jpg",
			},
			"extendedEntities": map[string]any{"media": []map[string]any{
				{"type": "photo", "media_url_https": "https://pbs.example/1.jpg"},
			}},
		},
		{"id": "2", "text": "a reply", "inReplyToId": "99"},
		{"id": "1", "text": "duplicate"},
		{
			"id":       "3",
			"fullText": "video post",
			"media": []map[string]any{{
				"type": "video",
				"video_info": map[string]any{"variants": []map[string]any{
					{"content_type": "video/mp4", "bitrate": 256, "url": "https://video.example/low.mp4"},
					{"content_type": "video/mp4", "bitrate": 2176, "url": "https://video.example/high.mp4"},
					{"content_type": "application/x-mpegURL", "url": "https://video.example/x.m3u8"},
				}},
			}},
		},
	}
}

func socialItems() []map[string]any {
	return []map[string]any{
		{"type": "follower", "id": "a", "userName": "alice"},
		{"type": "following", "id": "b", "userName": "bob"},
		{"type": "follower", "id": "a", "userName": "alice"},
		{"type": "following", "id": "a", "userName": "alice"},
	}
}

func TestApify_Validate(t *testing.T) {
	both := Request{TimelineItems: 10, SocialItems: 10}
	timelineOnly := Request{TimelineItems: 10}

	tests := []struct {
		name    string
		cfg     config.ApifyConfig
		req     Request
		missing []string
		present []string
	}{
		{
			name:    "nothing configured",
			cfg:     config.ApifyConfig{},
			req:     both,
			missing: []string{"APIFY_TOKEN", "APIFY_TIMELINE_ACTOR", "APIFY_SOCIAL_ACTOR"},
		},
		{
			name: "timeline only needs no social actor",
			cfg:  config.ApifyConfig{Token: "token", TimelineActor: "acme/timeline"},
			req:  timelineOnly,
		},
		{
			name:    "social requested without its actor",
			cfg:     config.ApifyConfig{Token: "token", TimelineActor: "acme/timeline"},
			req:     both,
			missing: []string{"APIFY_SOCIAL_ACTOR"},
			present: []string{"APIFY_TOKEN", "APIFY_TIMELINE_ACTOR"},
		},
		{
			name:    "token always required",
			cfg:     config.ApifyConfig{TimelineActor: "acme/timeline"},
			req:     timelineOnly,
			missing: []string{"APIFY_TOKEN"},
			present: []string{"APIFY_SOCIAL_ACTOR"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.BaseURL = "http://localhost"
			err := NewApify(tt.cfg, zerolog.Nop()).Validate(tt.req)
			if len(tt.missing) == 0 {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrNotConfigured)
			for _, m := range tt.missing {
				assert.Contains(t, err.Error(), m)
			}
			for _, p := range tt.present {
				assert.NotContains(t, err.Error(), p)
			}
		})
	}

	assert.NoError(t, newTestApify("http://localhost").Validate(both))
}

func TestApify_ScrapeAll(t *testing.T) {
	_, server := newFakeApify(t, map[string]*fakeRun{
		"acme~timeline": {id: "run-t", dataset: "ds-t", items: timelineItems(), succeedAfter: 2, final: runSucceeded, cost: 0.10},
		"acme~social":   {id: "run-s", dataset: "ds-s", items: socialItems(), succeedAfter: 1, final: runSucceeded, cost: 0.05},
	})
	a := newTestApify(server.URL)

	var mu sync.Mutex
	var updates []Progress
	opts := Options{OnProgress: func(p Progress) {
		mu.Lock()
		updates = append(updates, p)
		mu.Unlock()
	}}

	result, err := a.ScrapeAll(context.Background(), Request{Handle: "@example", TimelineItems: 10, IncludeReplies: true, SocialItems: 10}, opts)
	require.NoError(t, err)

	assert.Equal(t, "run-t", result.TimelineRunID)
	assert.Equal(t, "run-s", result.SocialRunID)
	assert.InDelta(t, 0.15, result.CostUSD, 1e-9)

	require.Len(t, result.Timeline, 2)
	assert.Equal(t, "hello", result.Timeline[0].Text)
	require.NotNil(t, result.Timeline[0].CreatedAt)
	assert.Equal(t, time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC), *result.Timeline[0].CreatedAt)
	assert.Equal(t, []models.MediaRef{{Kind: models.MediaKindPhoto, URL: "https://pbs.example/1.jpg"}}, result.Timeline[0].Media)
	assert.Equal(t, "video post", result.Timeline[1].Text)
	assert.Equal(t, "https://video.example/high.mp4", result.Timeline[1].Media[0].URL)

	require.Len(t, result.Replies, 1)
	assert.Equal(t, "99", result.Replies[0].ReplyToID)

	require.NotNil(t, result.Profile)
	assert.Equal(t, "Example", result.Profile.Handle)
	assert.Equal(t, 5000, result.Profile.PostsCount)
	require.NotNil(t, result.Profile.Avatar)
	assert.Equal(t, "https://pbs.example/avatar.jpg", result.Profile.Avatar.URL)

	assert.Len(t, result.Followers, 1)
	assert.Len(t, result.Following, 2)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, updates)
	first, last := updates[0], updates[len(updates)-1]
	assert.Equal(t, PhaseTimeline, first.Phase)
	assert.Equal(t, "run-t", first.TimelineRunID)
	assert.Equal(t, PhaseSocial, last.Phase)
	assert.Equal(t, 4, last.TimelineCount)
	assert.Equal(t, 4, last.SocialCount)
	assert.InDelta(t, 0.15, last.CostUSD, 1e-9)
}

func TestApify_RepliesDroppedUnlessRequested(t *testing.T) {
	_, server := newFakeApify(t, map[string]*fakeRun{
		"acme~timeline": {id: "run-t", dataset: "ds-t", items: timelineItems(), succeedAfter: 1, final: runSucceeded},
	})

	result, err := newTestApify(server.URL).ScrapeAll(context.Background(), Request{Handle: "example", TimelineItems: 10}, Options{})
	require.NoError(t, err)
	assert.Len(t, result.Timeline, 2)
	assert.Empty(t, result.Replies)
	assert.Empty(t, result.SocialRunID)
}

func TestApify_StopsAtLimit(t *testing.T) {
	f, server := newFakeApify(t, map[string]*fakeRun{
		"acme~timeline": {id: "run-t", dataset: "ds-t", items: timelineItems(), succeedAfter: 1000, final: runSucceeded},
	})

	result, err := newTestApify(server.URL).ScrapeAll(context.Background(), Request{Handle: "example", TimelineItems: 2}, Options{})
	require.NoError(t, err)
	assert.Len(t, result.Timeline, 1, "the second item is a reply")
	assert.Equal(t, []string{"run-t"}, f.abortedRuns(), "a run still going is aborted once the limit is reached")
}

func TestApify_Cancellation(t *testing.T) {
	f, server := newFakeApify(t, map[string]*fakeRun{
		"acme~timeline": {id: "run-t", dataset: "ds-t", items: timelineItems(), succeedAfter: 1000, final: runSucceeded},
	})

	calls := 0
	opts := Options{ShouldCancel: func() bool {
		calls++
		return calls > 1
	}}

	result, err := newTestApify(server.URL).ScrapeAll(context.Background(), Request{Handle: "example", TimelineItems: 100}, opts)
	require.ErrorIs(t, err, ErrCancelled)
	assert.True(t, IsCancelled(err))
	assert.Equal(t, "run-t", result.TimelineRunID)
	assert.Equal(t, []string{"run-t"}, f.abortedRuns())
}

func TestApify_FailedRun(t *testing.T) {
	_, server := newFakeApify(t, map[string]*fakeRun{
		"acme~timeline": {id: "run-t", dataset: "ds-t", succeedAfter: 1, final: runFailed, message: "account is private", cost: 0.02},
	})

	result, err := newTestApify(server.URL).ScrapeAll(context.Background(), Request{Handle: "example", TimelineItems: 10}, Options{})
	require.Error(t, err)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "run-t", perr.RunID)
	assert.Equal(t, runFailed, perr.Status)
	assert.Contains(t, err.Error(), "account is private")
	assert.InDelta(t, 0.02, result.CostUSD, 1e-9)
}

func TestApify_StartFailure(t *testing.T) {
	_, server := newFakeApify(t, map[string]*fakeRun{})

	_, err := newTestApify(server.URL).ScrapeAll(context.Background(), Request{Handle: "example", TimelineItems: 10}, Options{})
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, perr.Message, "actor not found")
}

func TestApify_AbortRun(t *testing.T) {
	f, server := newFakeApify(t, map[string]*fakeRun{
		"acme~timeline": {id: "run-t", dataset: "ds-t"},
	})
	a := newTestApify(server.URL)
	ctx := context.Background()

	require.NoError(t, a.AbortRun(ctx, "run-t"))
	assert.NoError(t, a.AbortRun(ctx, "gone"), "unknown runs are ignored")
	assert.NoError(t, a.AbortRun(ctx, ""))
	assert.Equal(t, []string{"run-t"}, f.abortedRuns())
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		ok   bool
		want time.Time
	}{
		{"2026-03-01T10:00:00Z", true, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"Sun Mar 01 12:00:00 +0200 2026", true, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"yesterday", false, time.Time{}},
		{"", false, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseTime(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.True(t, tt.want.Equal(got))
		})
	}
}
