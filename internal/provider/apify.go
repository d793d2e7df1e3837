package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MacJediWizard/snapvault/internal/config"
	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/imroc/req/v3"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultPageSize     = 500
	abortTimeout        = 15 * time.Second
)

// Apify run states.
const (
	runSucceeded = "SUCCEEDED"
	runFailed    = "FAILED"
	runAborted   = "ABORTED"
	runTimedOut  = "TIMED-OUT"
)

// Apify scrapes through Apify actors: one actor run per requested axis.
type Apify struct {
	client       *req.Client
	cfg          config.ApifyConfig
	pollInterval time.Duration
	pageSize     int
	clock        clock.Clock
	logger       zerolog.Logger
}

// NewApify creates an Apify provider.
func NewApify(cfg config.ApifyConfig, logger zerolog.Logger) *Apify {
	client := req.C().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(60 * time.Second).
		SetUserAgent("snapvault/1.0").
		SetCommonBearerAuthToken(cfg.Token)

	return &Apify{
		client:       client,
		cfg:          cfg,
		pollInterval: defaultPollInterval,
		pageSize:     defaultPageSize,
		clock:        clock.WallClock,
		logger:       logger.With().Str("component", "apify").Logger(),
	}
}

// Name returns the provider name recorded in scrape metadata.
func (a *Apify) Name() string {
	return "apify"
}

// Validate checks the token and the actor of each axis r asks for.
func (a *Apify) Validate(r Request) error {
	var missing []string
	if a.cfg.Token == "" {
		missing = append(missing, "APIFY_TOKEN")
	}
	if r.TimelineItems > 0 && a.cfg.TimelineActor == "" {
		missing = append(missing, "APIFY_TIMELINE_ACTOR")
	}
	if r.SocialItems > 0 && a.cfg.SocialActor == "" {
		missing = append(missing, "APIFY_SOCIAL_ACTOR")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrNotConfigured, strings.Join(missing, ", "))
	}
	return nil
}

// run is the state of one actor run as last observed.
type run struct {
	ID        string
	DatasetID string
	Status    string
	Message   string
	CostUSD   float64
}

func (r run) terminal() bool {
	switch r.Status {
	case runSucceeded, runFailed, runAborted, runTimedOut:
		return true
	}
	return false
}

// ScrapeAll runs the timeline actor and then the social actor. On error the
// returned Result still carries the run ids and cost observed so far.
func (a *Apify) ScrapeAll(ctx context.Context, r Request, opts Options) (*Result, error) {
	handle := strings.TrimPrefix(strings.TrimSpace(r.Handle), "@")
	result := &Result{Profile: &models.Profile{Handle: handle}}
	progress := Progress{}

	logger := a.logger.With().Str("handle", handle).Logger()

	if r.TimelineItems > 0 {
		input := map[string]any{
			"twitterHandles": []string{handle},
			"maxItems":       r.TimelineItems,
			"includeReplies": r.IncludeReplies,
			"sort":           "Latest",
		}
		items, err := a.collect(ctx, a.cfg.TimelineActor, input, r.TimelineItems, opts, func(rn run, n int) {
			result.TimelineRunID = rn.ID
			progress.Phase = PhaseTimeline
			progress.TimelineRunID = rn.ID
			progress.TimelineCount = n
			progress.CostUSD = rn.CostUSD
			opts.progress(progress)
		})
		result.CostUSD = progress.CostUSD
		if err != nil {
			return result, err
		}
		a.parseTimeline(result, items, r.IncludeReplies)
		logger.Info().
			Str("run_id", result.TimelineRunID).
			Int("timeline", len(result.Timeline)).
			Int("replies", len(result.Replies)).
			Msg("timeline scrape finished")
	}

	if r.SocialItems > 0 {
		timelineCost := result.CostUSD
		input := map[string]any{
			"handle":       handle,
			"maxItems":     r.SocialItems,
			"getFollowers": true,
			"getFollowing": true,
		}
		items, err := a.collect(ctx, a.cfg.SocialActor, input, r.SocialItems, opts, func(rn run, n int) {
			result.SocialRunID = rn.ID
			progress.Phase = PhaseSocial
			progress.SocialRunID = rn.ID
			progress.SocialCount = n
			progress.CostUSD = timelineCost + rn.CostUSD
			opts.progress(progress)
		})
		result.CostUSD = progress.CostUSD
		if err != nil {
			return result, err
		}
		parseSocial(result, items)
		logger.Info().
			Str("run_id", result.SocialRunID).
			Int("followers", len(result.Followers)).
			Int("following", len(result.Following)).
			Msg("social scrape finished")
	}

	return result, nil
}

// collect starts an actor run and drains its dataset until the run ends or
// limit items arrived. report is called after every poll.
func (a *Apify) collect(ctx context.Context, actor string, input map[string]any, limit int, opts Options, report func(run, int)) ([]gjson.Result, error) {
	if opts.cancelled() {
		return nil, ErrCancelled
	}

	current, err := a.startRun(ctx, actor, input)
	if err != nil {
		return nil, err
	}
	report(current, 0)

	var items []gjson.Result
	for {
		if opts.cancelled() {
			a.abortQuietly(ctx, current.ID)
			return items, ErrCancelled
		}

		current, err = a.getRun(ctx, current.ID)
		if err != nil {
			return items, err
		}

		// Drain after reading the status so a finished run is read completely.
		for len(items) < limit {
			want := limit - len(items)
			if want > a.pageSize {
				want = a.pageSize
			}
			page, err := a.datasetPage(ctx, current.DatasetID, len(items), want)
			if err != nil {
				return items, err
			}
			items = append(items, page...)
			if len(page) < want {
				break
			}
		}
		report(current, len(items))

		if len(items) >= limit {
			if !current.terminal() {
				a.abortQuietly(ctx, current.ID)
			}
			return items[:limit], nil
		}
		if current.terminal() {
			if current.Status != runSucceeded {
				return items, &Error{RunID: current.ID, Status: current.Status, Message: current.Message}
			}
			return items, nil
		}

		select {
		case <-ctx.Done():
			return items, ctx.Err()
		case <-a.clock.After(a.pollInterval):
		}
	}
}

func (a *Apify) startRun(ctx context.Context, actor string, input map[string]any) (run, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParam("actor", strings.ReplaceAll(actor, "/", "~")).
		SetBodyJsonMarshal(input).
		Post("/v2/acts/{actor}/runs")
	if err != nil {
		return run{}, fmt.Errorf("start actor run: %w", err)
	}
	if !resp.IsSuccessState() {
		return run{}, &Error{Message: fmt.Sprintf("start actor %s: status %d: %s", actor, resp.StatusCode, errorMessage(resp.Bytes()))}
	}
	return parseRun(resp.Bytes()), nil
}

func (a *Apify) getRun(ctx context.Context, runID string) (run, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParam("run", runID).
		Get("/v2/actor-runs/{run}")
	if err != nil {
		return run{}, fmt.Errorf("get actor run: %w", err)
	}
	if !resp.IsSuccessState() {
		return run{}, &Error{RunID: runID, Message: fmt.Sprintf("get run: status %d: %s", resp.StatusCode, errorMessage(resp.Bytes()))}
	}
	return parseRun(resp.Bytes()), nil
}

func (a *Apify) datasetPage(ctx context.Context, datasetID string, offset, limit int) ([]gjson.Result, error) {
	if datasetID == "" {
		return nil, nil
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParam("dataset", datasetID).
		SetQueryParam("offset", fmt.Sprint(offset)).
		SetQueryParam("limit", fmt.Sprint(limit)).
		SetQueryParam("clean", "true").
		SetQueryParam("format", "json").
		Get("/v2/datasets/{dataset}/items")
	if err != nil {
		return nil, fmt.Errorf("get dataset items: %w", err)
	}
	if !resp.IsSuccessState() {
		return nil, &Error{Message: fmt.Sprintf("get dataset %s: status %d", datasetID, resp.StatusCode)}
	}
	body := resp.Bytes()
	if !gjson.ValidBytes(body) {
		return nil, &Error{Message: fmt.Sprintf("dataset %s returned invalid JSON", datasetID)}
	}
	return gjson.ParseBytes(body).Array(), nil
}

// AbortRun aborts a provider run. Runs that no longer exist are ignored.
func (a *Apify) AbortRun(ctx context.Context, runID string) error {
	if runID == "" {
		return nil
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParam("run", runID).
		Post("/v2/actor-runs/{run}/abort")
	if err != nil {
		return fmt.Errorf("abort actor run: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if !resp.IsSuccessState() {
		return &Error{RunID: runID, Message: fmt.Sprintf("abort: status %d: %s", resp.StatusCode, errorMessage(resp.Bytes()))}
	}
	return nil
}

func (a *Apify) abortQuietly(ctx context.Context, runID string) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if err := a.AbortRun(abortCtx, runID); err != nil {
		a.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to abort actor run")
	}
}

func parseRun(body []byte) run {
	values := gjson.GetManyBytes(body, "data.id", "data.defaultDatasetId", "data.status", "data.statusMessage", "data.usageTotalUsd")
	return run{
		ID:        values[0].String(),
		DatasetID: values[1].String(),
		Status:    values[2].String(),
		Message:   values[3].String(),
		CostUSD:   values[4].Float(),
	}
}

func errorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message").String(); msg != "" {
		return msg
	}
	return strings.TrimSpace(string(body))
}

func (a *Apify) parseTimeline(result *Result, items []gjson.Result, includeReplies bool) {
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		post := parsePost(item)
		if post.ID == "" || seen[post.ID] {
			continue
		}
		seen[post.ID] = true

		if author := item.Get("author"); author.Exists() && result.Profile.DisplayName == "" {
			applyAuthor(result.Profile, author)
		}

		if post.ReplyToID != "" || item.Get("isReply").Bool() {
			if includeReplies {
				result.Replies = append(result.Replies, post)
			}
			continue
		}
		result.Timeline = append(result.Timeline, post)
	}
}

func parsePost(item gjson.Result) models.Post {
	post := models.Post{
		ID:        item.Get("id").String(),
		Text:      firstString(item, "fullText", "text"),
		URL:       firstString(item, "url", "twitterUrl"),
		ReplyToID: item.Get("inReplyToId").String(),
		Likes:     int(item.Get("likeCount").Int()),
		Reposts:   int(item.Get("retweetCount").Int()),
		Replies:   int(item.Get("replyCount").Int()),
	}
	if created, ok := parseTime(item.Get("createdAt").String()); ok {
		post.CreatedAt = &created
	}

	media := item.Get("extendedEntities.media")
	if !media.Exists() {
		media = item.Get("media")
	}
	media.ForEach(func(_, m gjson.Result) bool {
		ref := models.MediaRef{Kind: m.Get("type").String()}
		if ref.Kind == models.MediaKindVideo || ref.Kind == models.MediaKindAnimatedGIF {
			ref.URL = bestVariant(m)
		}
		if ref.URL == "" {
			ref.URL = firstString(m, "media_url_https", "url")
		}
		if ref.URL != "" {
			post.Media = append(post.Media, ref)
		}
		return true
	})
	return post
}

// bestVariant picks the highest bitrate mp4 of a video entity.
func bestVariant(m gjson.Result) string {
	var url string
	var best int64 = -1
	m.Get("video_info.variants").ForEach(func(_, v gjson.Result) bool {
		if v.Get("content_type").String() != "video/mp4" {
			return true
		}
		if rate := v.Get("bitrate").Int(); rate > best {
			best = rate
			url = v.Get("url").String()
		}
		return true
	})
	return url
}

func applyAuthor(p *models.Profile, author gjson.Result) {
	if handle := author.Get("userName").String(); handle != "" {
		p.Handle = handle
	}
	p.DisplayName = author.Get("name").String()
	p.Bio = author.Get("description").String()
	p.FollowersCount = int(author.Get("followers").Int())
	p.FollowingCount = int(author.Get("following").Int())
	p.PostsCount = int(author.Get("statusesCount").Int())
	if avatar := author.Get("profilePicture").String(); avatar != "" {
		p.Avatar = &models.MediaRef{Kind: models.MediaKindPhoto, URL: avatar}
	}
	if banner := author.Get("coverPicture").String(); banner != "" {
		p.Banner = &models.MediaRef{Kind: models.MediaKindPhoto, URL: banner}
	}
}

func parseSocial(result *Result, items []gjson.Result) {
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		account := models.Account{
			ID:          item.Get("id").String(),
			Handle:      item.Get("userName").String(),
			DisplayName: item.Get("name").String(),
			AvatarURL:   item.Get("profilePicture").String(),
		}
		relation := item.Get("type").String()
		if account.ID == "" || seen[relation+":"+account.ID] {
			continue
		}
		seen[relation+":"+account.ID] = true

		switch relation {
		case "follower":
			result.Followers = append(result.Followers, account)
		case "following":
			result.Following = append(result.Following, account)
		}
	}
}

func firstString(item gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := item.Get(p).String(); s != "" {
			return s
		}
	}
	return ""
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, time.RubyDate} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

var _ Provider = (*Apify)(nil)

// IsCancelled reports whether err is a provider cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
