// Package scraper polls public account timelines through the syndication timeline embed.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"socialrelay/pkg/relay"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"github.com/goccy/go-json"
	"github.com/juju/clock"
)

// DefaultBaseURL is the syndication timeline endpoint.
const DefaultBaseURL = "https://cdn.syndication.twimg.com/timeline/profile"

const (
	embedDomain  = "htmledit.squarefree.com"
	tweetLimit   = 20
	maxBodyBytes = 4 << 20
)

// timelinePayload is the JSON object wrapped by the JSONP callback.
type timelinePayload struct {
	Body    string `json:"body"`
	Headers struct {
		Status int `json:"status"`
	} `json:"headers"`
}

// Timeline fetches and parses account timelines.
type Timeline struct {
	client  *http.Client
	clock   clock.Clock
	logger  *slog.Logger
	baseURL string
}

// New creates a new timeline scraper. Results are stamped with clk, which should
// be the scheduler's clock.
func New(client *http.Client, clk clock.Clock, logger *slog.Logger) *Timeline {
	return &Timeline{
		client:  client,
		clock:   clk,
		logger:  logger,
		baseURL: DefaultBaseURL,
	}
}

// PollTimeline fetches the newest posts of an account.
// sinceID, when set, asks the embed for posts after that id only.
// A non-200 upstream status is a Failure result, not an error.
func (t *Timeline) PollTimeline(ctx context.Context, handle, sinceID string) (*relay.PollResult, error) {
	var result *relay.PollResult

	err := retry.Do(
		func() error {
			var err error
			result, err = t.fetch(ctx, handle, sinceID)
			return err
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Info("Retrying timeline fetch after error", "handle", handle, "attempt", n, "error", err)
		}),
		retry.RetryIf(relay.IsTransient),
	)
	if err != nil {
		return nil, fmt.Errorf("poll timeline %s: %w", handle, err)
	}
	return result, nil
}

func (t *Timeline) timelineURL(handle, sinceID string, now time.Time) string {
	q := url.Values{}
	q.Set("callback", "__twttr.callbacks.tl_i0_profile_"+handle+"_old")
	q.Set("dnt", "true")
	q.Set("domain", embedDomain)
	q.Set("lang", "en")
	q.Set("tweet_limit", strconv.Itoa(tweetLimit))
	q.Set("screen_name", handle)
	q.Set("suppress_response_codes", "true")
	q.Set("t", strconv.FormatInt(now.Unix(), 10))
	q.Set("tz", "GMT-0300")
	q.Set("with_replies", "false")
	if sinceID != "" {
		q.Set("min_position", sinceID)
	}
	return t.baseURL + "?" + q.Encode()
}

func (t *Timeline) fetch(ctx context.Context, handle, sinceID string) (*relay.PollResult, error) {
	start := t.clock.Now()
	pageURL := t.timelineURL(handle, sinceID, start)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://"+embedDomain+"/")

	resp, err := t.client.Do(req)
	duration := t.clock.Now().Sub(start)
	if err != nil {
		t.logger.Warn("Timeline request failed", "handle", handle, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, &relay.UpstreamError{Op: "fetch timeline", Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			t.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	t.logger.Debug("Timeline request completed",
		"handle", handle,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &relay.UpstreamError{Op: "fetch timeline", StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	if resp.StatusCode != http.StatusOK {
		return &relay.PollResult{Outcome: relay.OutcomeFailure, PolledAt: t.clock.Now(), StatusCode: resp.StatusCode}, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &relay.UpstreamError{Op: "read timeline", Err: err}
	}

	result, err := parseTimeline(raw, t.clock.Now())
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	return result, nil
}

// unwrapJSONP strips `callback(` and `);` from a JSONP response.
func unwrapJSONP(raw []byte) ([]byte, error) {
	open := bytes.IndexByte(raw, '(')
	if open < 0 {
		return nil, errors.New("missing JSONP callback")
	}
	body := bytes.TrimSpace(raw[open+1:])
	body = bytes.TrimSuffix(body, []byte(";"))
	body = bytes.TrimSuffix(body, []byte(")"))
	return body, nil
}

func parseTimeline(raw []byte, now time.Time) (*relay.PollResult, error) {
	body, err := unwrapJSONP(raw)
	if err != nil {
		return nil, &relay.MalformedPayloadError{Source: "timeline", Err: err}
	}

	var payload timelinePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &relay.MalformedPayloadError{Source: "timeline", Err: err}
	}

	if payload.Headers.Status != http.StatusOK {
		return &relay.PollResult{Outcome: relay.OutcomeFailure, PolledAt: now, StatusCode: payload.Headers.Status}, nil
	}
	if payload.Body == "\n" {
		return &relay.PollResult{Outcome: relay.OutcomeNoNewData, PolledAt: now, StatusCode: http.StatusOK}, nil
	}

	posts, err := parsePosts(strings.NewReader(payload.Body))
	if err != nil {
		return nil, &relay.MalformedPayloadError{Source: "timeline", Err: err}
	}

	return &relay.PollResult{
		Outcome:    relay.OutcomeSuccess,
		PolledAt:   now,
		StatusCode: http.StatusOK,
		Posts:      posts,
	}, nil
}

func parsePosts(body io.Reader) ([]relay.Post, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	var posts []relay.Post
	var parseErr error
	doc.Find(".timeline-Tweet[data-click-to-open-target]").EachWithBreak(func(i int, s *goquery.Selection) bool {
		target, _ := s.Attr("data-click-to-open-target")
		target = strings.TrimSuffix(target, "/")
		id := target[strings.LastIndex(target, "/")+1:]
		if id == "" {
			parseErr = fmt.Errorf("post %d: empty id in %q", i, target)
			return false
		}

		datetime, ok := s.Find("time[datetime]").First().Attr("datetime")
		if !ok {
			parseErr = fmt.Errorf("post %s: missing datetime", id)
			return false
		}
		if idx := strings.Index(datetime, "+"); idx >= 0 {
			datetime = datetime[:idx]
		}
		published, err := time.Parse("2006-01-02T15:04:05", strings.TrimSuffix(datetime, "Z"))
		if err != nil {
			parseErr = fmt.Errorf("post %s: %w", id, err)
			return false
		}

		kind := relay.OwnPost
		if s.HasClass("timeline-Tweet--isRetweet") {
			kind = relay.Repost
		}

		posts = append(posts, relay.Post{ID: id, PublishedAt: published.UTC(), Kind: kind})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	sort.SliceStable(posts, func(i, j int) bool {
		return relay.CompareIDs(posts[i].ID, posts[j].ID) > 0
	})
	return posts, nil
}
