package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"socialrelay/discord"
	"socialrelay/pkg/relay"

	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDiscord struct {
	mu          sync.Mutex
	hooks       []discord.Webhook
	listErr     error
	createErr   error
	executeErrs []error // consumed in order; nil entries mean success
	nextID      string
	lists       int
	creates     int
	executes    []string // webhook ids
}

func (f *fakeDiscord) ChannelWebhooks(context.Context, string) ([]discord.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]discord.Webhook(nil), f.hooks...), nil
}

func (f *fakeDiscord) CreateWebhook(_ context.Context, channelID, name string) (*discord.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return nil, f.createErr
	}
	hook := discord.Webhook{ID: f.nextID, Token: "tok", ChannelID: channelID, Name: name, Type: discord.WebhookTypeIncoming}
	// Discord lists the new webhook from now on.
	f.hooks = append(f.hooks, hook)
	return &hook, nil
}

func (f *fakeDiscord) ExecuteWebhook(_ context.Context, webhookID, _ string, _ *relay.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executes = append(f.executes, webhookID)
	if len(f.executeErrs) == 0 {
		return nil
	}
	err := f.executeErrs[0]
	f.executeErrs = f.executeErrs[1:]
	return err
}

func (f *fakeDiscord) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists + f.creates + len(f.executes)
}

type memoryStore struct {
	mu   sync.Mutex
	rows map[string]relay.CachedWebhook
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: map[string]relay.CachedWebhook{}}
}

func (s *memoryStore) GetCachedWebhook(_ context.Context, channelID string) (*relay.CachedWebhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[channelID]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *memoryStore) UpsertCachedWebhook(_ context.Context, w *relay.CachedWebhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[w.ChannelID] = *w
	return nil
}

func (s *memoryStore) row(channelID string) relay.CachedWebhook {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[channelID]
}

var (
	t0  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg = &relay.Message{Content: "https://twitter.com/gopher/status/1"}

	errNotFound   = &discord.APIError{StatusCode: http.StatusNotFound, Code: discord.CodeUnknownWebhook, Message: "Unknown Webhook"}
	errNoChannel  = &discord.APIError{StatusCode: http.StatusNotFound, Code: discord.CodeUnknownChannel, Message: "Unknown Channel"}
	errForbidden  = &discord.APIError{StatusCode: http.StatusForbidden, Code: discord.CodeMissingPermission, Message: "Missing Permissions"}
	errBadRequest = &discord.APIError{StatusCode: http.StatusBadRequest, Code: 50006, Message: "Cannot send an empty message"}
)

func newManager(d *fakeDiscord, store *memoryStore, clk *testclock.Clock) *Manager {
	return New(d, store, clk, "Relay", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSendCreatesThenReusesWebhook(t *testing.T) {
	d := &fakeDiscord{nextID: "7"}
	store := newMemoryStore()
	m := newManager(d, store, testclock.NewClock(t0))

	if !m.Send(context.Background(), "42", msg) {
		t.Fatal("first Send() = false, want true")
	}
	row := store.row("42")
	if row.WebhookID != "7" || row.WebhookToken != "tok" || row.State != relay.WebhookSuccess {
		t.Errorf("row after first send = %+v", row)
	}
	if !row.LastSuccessAt.Equal(t0) {
		t.Errorf("LastSuccessAt = %v, want %v", row.LastSuccessAt, t0)
	}
	if d.lists != 1 || d.creates != 1 {
		t.Errorf("discovery calls: lists=%d creates=%d, want 1/1", d.lists, d.creates)
	}

	if !m.Send(context.Background(), "42", msg) {
		t.Fatal("second Send() = false, want true")
	}
	if d.lists != 1 || d.creates != 1 {
		t.Errorf("second send ran discovery: lists=%d creates=%d", d.lists, d.creates)
	}
	if len(d.executes) != 2 || d.executes[1] != "7" {
		t.Errorf("executes = %v", d.executes)
	}
}

func TestSendReusesExistingIncomingWebhook(t *testing.T) {
	d := &fakeDiscord{hooks: []discord.Webhook{
		{ID: "1", Type: 2, Name: "channel follower"},
		{ID: "2", Type: discord.WebhookTypeIncoming, Name: "someone else's, no token"},
		{ID: "3", Type: discord.WebhookTypeIncoming, Token: "t3"},
	}}
	store := newMemoryStore()
	m := newManager(d, store, testclock.NewClock(t0))

	if !m.Send(context.Background(), "42", msg) {
		t.Fatal("Send() = false, want true")
	}
	if d.creates != 0 {
		t.Errorf("created %d webhooks, want reuse", d.creates)
	}
	if got := store.row("42").WebhookID; got != "3" {
		t.Errorf("WebhookID = %q, want 3", got)
	}
}

func TestMissingPermissionCooldown(t *testing.T) {
	d := &fakeDiscord{listErr: errForbidden, nextID: "7"}
	store := newMemoryStore()
	clk := testclock.NewClock(t0)
	m := newManager(d, store, clk)

	if m.Send(context.Background(), "42", msg) {
		t.Fatal("Send() = true with missing permission")
	}
	if got := store.row("42").State; got != relay.WebhookMissingPermission {
		t.Fatalf("State = %q, want missing_permission", got)
	}

	calls := d.calls()
	clk.Advance(10 * time.Minute)
	if m.Send(context.Background(), "42", msg) {
		t.Error("Send() at T+10m = true, want false")
	}
	if d.calls() != calls {
		t.Errorf("Send() at T+10m contacted Discord (%d calls, want %d)", d.calls(), calls)
	}

	d.mu.Lock()
	d.listErr = nil
	d.mu.Unlock()
	clk.Advance(6 * time.Minute)
	if !m.Send(context.Background(), "42", msg) {
		t.Error("Send() at T+16m = false, want discovery to be retried")
	}
	if d.lists != 2 {
		t.Errorf("lists = %d, want 2", d.lists)
	}
}

func TestUnknownChannelIsPermanent(t *testing.T) {
	d := &fakeDiscord{listErr: errNoChannel}
	store := newMemoryStore()
	clk := testclock.NewClock(t0)
	m := newManager(d, store, clk)

	if m.Send(context.Background(), "42", msg) {
		t.Fatal("Send() = true for unknown channel")
	}
	if got := store.row("42").State; got != relay.WebhookUnknownChannel {
		t.Fatalf("State = %q, want unknown_channel", got)
	}

	calls := d.calls()
	clk.Advance(30 * 24 * time.Hour)
	if m.Send(context.Background(), "42", msg) {
		t.Error("Send() = true a month later")
	}
	if d.calls() != calls {
		t.Error("unknown channel was contacted again")
	}
}

func TestNotFoundRediscoversOnce(t *testing.T) {
	d := &fakeDiscord{nextID: "8", executeErrs: []error{errNotFound, nil}}
	store := newMemoryStore()
	store.rows["42"] = relay.CachedWebhook{ChannelID: "42", WebhookID: "7", WebhookToken: "old", State: relay.WebhookSuccess, UpdatedAt: t0.Add(-time.Hour)}
	m := newManager(d, store, testclock.NewClock(t0))

	if !m.Send(context.Background(), "42", msg) {
		t.Fatal("Send() = false, want delivery through the rediscovered webhook")
	}
	if len(d.executes) != 2 || d.executes[0] != "7" || d.executes[1] != "8" {
		t.Errorf("executes = %v, want [7 8]", d.executes)
	}
	row := store.row("42")
	if row.State != relay.WebhookSuccess || row.WebhookID != "8" {
		t.Errorf("row = %+v", row)
	}
}

func TestNotFoundEscalatesToPhase2(t *testing.T) {
	d := &fakeDiscord{
		hooks:       []discord.Webhook{{ID: "7", Type: discord.WebhookTypeIncoming, Token: "tok"}},
		executeErrs: []error{errNotFound, errNotFound},
	}
	store := newMemoryStore()
	store.rows["42"] = relay.CachedWebhook{ChannelID: "42", WebhookID: "7", WebhookToken: "tok", State: relay.WebhookSuccess}
	clk := testclock.NewClock(t0)
	m := newManager(d, store, clk)

	if m.Send(context.Background(), "42", msg) {
		t.Fatal("Send() = true after two 404s")
	}
	if len(d.executes) != 2 {
		t.Errorf("executes = %d, want exactly one rediscovery attempt", len(d.executes))
	}
	if got := store.row("42").State; got != relay.WebhookUnknownWebhookPhase2 {
		t.Fatalf("State = %q, want unknown_webhook_phase_2", got)
	}

	calls := d.calls()
	clk.Advance(5 * time.Minute)
	if m.Send(context.Background(), "42", msg) || d.calls() != calls {
		t.Error("phase 2 did not hold the cooldown")
	}
}

func TestPhase1NotFoundGoesToPhase2(t *testing.T) {
	d := &fakeDiscord{
		hooks:       []discord.Webhook{{ID: "7", Type: discord.WebhookTypeIncoming, Token: "tok"}},
		executeErrs: []error{errNotFound},
	}
	store := newMemoryStore()
	store.rows["42"] = relay.CachedWebhook{ChannelID: "42", WebhookID: "7", WebhookToken: "tok", State: relay.WebhookUnknownWebhookPhase1}
	m := newManager(d, store, testclock.NewClock(t0))

	if m.Send(context.Background(), "42", msg) {
		t.Fatal("Send() = true")
	}
	if len(d.executes) != 1 {
		t.Errorf("executes = %d, want 1 (no second rediscovery)", len(d.executes))
	}
	if got := store.row("42").State; got != relay.WebhookUnknownWebhookPhase2 {
		t.Errorf("State = %q, want unknown_webhook_phase_2", got)
	}
}

func TestOtherDeliveryErrorIsNotRetried(t *testing.T) {
	d := &fakeDiscord{executeErrs: []error{errBadRequest}}
	store := newMemoryStore()
	store.rows["42"] = relay.CachedWebhook{ChannelID: "42", WebhookID: "7", WebhookToken: "tok", State: relay.WebhookSuccess, LastSuccessAt: t0.Add(-time.Hour)}
	m := newManager(d, store, testclock.NewClock(t0))

	if m.Send(context.Background(), "42", msg) {
		t.Fatal("Send() = true")
	}
	if len(d.executes) != 1 || d.lists != 0 {
		t.Errorf("executes=%d lists=%d, want 1/0", len(d.executes), d.lists)
	}
	if row := store.row("42"); row.State != relay.WebhookSuccess || !row.LastSuccessAt.Equal(t0.Add(-time.Hour)) {
		t.Errorf("row changed on plain failure: %+v", row)
	}
}

func TestConcurrentSendsCreateOneWebhook(t *testing.T) {
	d := &fakeDiscord{nextID: "7"}
	store := newMemoryStore()
	m := newManager(d, store, testclock.NewClock(t0))

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Send(context.Background(), "42", msg)
		}()
	}
	wg.Wait()

	if d.creates != 1 {
		t.Errorf("created %d webhooks, want 1", d.creates)
	}
	if len(d.executes) != 10 {
		t.Errorf("executes = %d, want 10", len(d.executes))
	}
}

func TestServerErrorPostsOnce(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/webhooks/7/tok" {
			posts.Add(1)
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemoryStore()
	store.rows["42"] = relay.CachedWebhook{ChannelID: "42", WebhookID: "7", WebhookToken: "tok", State: relay.WebhookSuccess}
	m := New(discord.NewClient("bot-token", srv.URL, logger), store, testclock.NewClock(t0), "Relay", logger)

	if m.Send(context.Background(), "42", msg) {
		t.Fatal("Send() = true on 502")
	}
	if got := posts.Load(); got != 1 {
		t.Errorf("execute POSTs = %d, want 1", got)
	}
	if row := store.row("42"); row.State != relay.WebhookSuccess {
		t.Errorf("State = %q, want unchanged success", row.State)
	}
}
