package scraper

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"socialrelay/pkg/relay"

	"github.com/goccy/go-json"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
)

const timelineHTML = `<div class="timeline-TweetList">
<div class="timeline-Tweet" data-click-to-open-target="https://twitter.com/gopher/status/1790000000000000005">
  <a class="timeline-Tweet-timestamp"><time datetime="2026-03-01T12:00:00+0000">Mar 1</time></a>
</div>
<div class="timeline-Tweet timeline-Tweet--isRetweet" data-click-to-open-target="https://twitter.com/other/status/1790000000000000004">
  <a class="timeline-Tweet-timestamp"><time datetime="2026-02-28T08:30:00+0000">Feb 28</time></a>
</div>
<div class="timeline-Tweet" data-click-to-open-target="https://twitter.com/gopher/status/1790000000000000003">
  <a class="timeline-Tweet-timestamp"><time datetime="2026-02-20T10:00:00+0000">Feb 20</time></a>
</div>
<div class="timeline-Tweet">promoted, no target</div>
</div>`

var polledAt = time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)

func jsonp(t *testing.T, status int, body string) string {
	t.Helper()
	payload := map[string]any{
		"headers": map[string]any{"status": status},
		"body":    body,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return "__twttr.callbacks.tl_i0_profile_gopher_old(" + string(data) + ");"
}

func TestParseTimeline(t *testing.T) {
	result, err := parseTimeline([]byte(jsonp(t, 200, timelineHTML)), polledAt)
	if err != nil {
		t.Fatalf("parseTimeline() error = %v", err)
	}
	if result.Outcome != relay.OutcomeSuccess {
		t.Fatalf("Outcome = %v, want success", result.Outcome)
	}
	if len(result.Posts) != 3 {
		t.Fatalf("got %d posts, want 3", len(result.Posts))
	}

	want := []struct {
		id   string
		kind relay.PostKind
	}{
		{"1790000000000000005", relay.OwnPost},
		{"1790000000000000004", relay.Repost},
		{"1790000000000000003", relay.OwnPost},
	}
	for i, w := range want {
		if result.Posts[i].ID != w.id || result.Posts[i].Kind != w.kind {
			t.Errorf("post %d = %+v, want id %s kind %v", i, result.Posts[i], w.id, w.kind)
		}
	}

	wantTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !result.Posts[0].PublishedAt.Equal(wantTime) {
		t.Errorf("PublishedAt = %v, want %v", result.Posts[0].PublishedAt, wantTime)
	}
}

func TestParseTimelineOutcomes(t *testing.T) {
	tests := []struct {
		name          string
		raw           string
		wantOutcome   relay.Outcome
		wantStatus    int
		wantMalformed bool
	}{
		{name: "no new data", raw: jsonp(t, 200, "\n"), wantOutcome: relay.OutcomeNoNewData, wantStatus: 200},
		{name: "upstream failure", raw: jsonp(t, 404, ""), wantOutcome: relay.OutcomeFailure, wantStatus: 404},
		{name: "empty timeline", raw: jsonp(t, 200, "<div></div>"), wantOutcome: relay.OutcomeSuccess, wantStatus: 200},
		{name: "not jsonp", raw: "<html>blocked</html>", wantMalformed: true},
		{name: "bad json", raw: "cb({not json});", wantMalformed: true},
		{
			name:          "bad datetime",
			raw:           jsonp(t, 200, `<div class="timeline-Tweet" data-click-to-open-target="https://twitter.com/a/status/1"><time datetime="yesterday"></time></div>`),
			wantMalformed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseTimeline([]byte(tt.raw), polledAt)
			if tt.wantMalformed {
				if !relay.IsMalformed(err) {
					t.Errorf("parseTimeline() error = %v, want malformed payload", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTimeline() error = %v", err)
			}
			if result.Outcome != tt.wantOutcome || result.StatusCode != tt.wantStatus {
				t.Errorf("parseTimeline() = %v/%d, want %v/%d", result.Outcome, result.StatusCode, tt.wantOutcome, tt.wantStatus)
			}
		})
	}
}

func TestUnwrapJSONP(t *testing.T) {
	got, err := unwrapJSONP([]byte("cb({\"a\":1});\n"))
	if err != nil {
		t.Fatalf("unwrapJSONP() error = %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("unwrapJSONP() = %s", got)
	}
}

func TestPollTimeline(t *testing.T) {
	var gotQuery map[string]string
	var gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"screen_name":  r.URL.Query().Get("screen_name"),
			"min_position": r.URL.Query().Get("min_position"),
			"with_replies": r.URL.Query().Get("with_replies"),
		}
		gotReferer = r.Header.Get("Referer")
		io.WriteString(w, jsonp(t, 200, timelineHTML))
	}))
	defer srv.Close()

	tl := New(srv.Client(), testclock.NewClock(polledAt), slog.New(slog.NewTextHandler(io.Discard, nil)))
	tl.baseURL = srv.URL

	result, err := tl.PollTimeline(context.Background(), "gopher", "1790000000000000001")
	if err != nil {
		t.Fatalf("PollTimeline() error = %v", err)
	}
	if !result.PolledAt.Equal(polledAt) {
		t.Errorf("PolledAt = %v, want the injected clock's %v", result.PolledAt, polledAt)
	}
	if len(result.Posts) != 3 {
		t.Errorf("got %d posts, want 3", len(result.Posts))
	}
	if gotQuery["screen_name"] != "gopher" || gotQuery["min_position"] != "1790000000000000001" || gotQuery["with_replies"] != "false" {
		t.Errorf("query = %v", gotQuery)
	}
	if gotReferer != "https://htmledit.squarefree.com/" {
		t.Errorf("Referer = %q", gotReferer)
	}
}

func TestPollTimelineHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tl := New(srv.Client(), testclock.NewClock(polledAt), slog.New(slog.NewTextHandler(io.Discard, nil)))
	tl.baseURL = srv.URL

	result, err := tl.PollTimeline(context.Background(), "gopher", "")
	if err != nil {
		t.Fatalf("PollTimeline() error = %v", err)
	}
	if result.Outcome != relay.OutcomeFailure || result.StatusCode != http.StatusForbidden {
		t.Errorf("PollTimeline() = %v/%d, want failure/403", result.Outcome, result.StatusCode)
	}
	if !result.PolledAt.Equal(polledAt) {
		t.Errorf("PolledAt = %v, want %v", result.PolledAt, polledAt)
	}
}

// TestPollLiveTimeline hits the real syndication endpoint.
func TestPollLiveTimeline(t *testing.T) {
	if testing.Short() || os.Getenv("SOCIALRELAY_LIVE_TESTS") == "" {
		t.Skip("skipping integration test (set SOCIALRELAY_LIVE_TESTS)")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	tl := New(&http.Client{Timeout: 15 * time.Second}, clock.WallClock, logger)

	result, err := tl.PollTimeline(context.Background(), "golang", "")
	if err != nil {
		t.Fatalf("PollTimeline() error = %v", err)
	}
	t.Logf("Outcome %v status %d posts %d", result.Outcome, result.StatusCode, len(result.Posts))
}
