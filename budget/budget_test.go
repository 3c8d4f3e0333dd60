package budget

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"socialrelay/pkg/relay"

	"github.com/juju/clock/testclock"
)

const callback = "https://relay.example/api/v1/callbacks/twitch"

type fakePool struct {
	name      string
	subs      []relay.Subscription
	maxCost   int
	listCalls int
	created   []string
	deleted   []string
	listErr   error
	createErr error
}

func (p *fakePool) Name() string { return p.name }

func (p *fakePool) ListSubscriptions(context.Context) (*relay.SubscriptionPage, error) {
	p.listCalls++
	if p.listErr != nil {
		return nil, p.listErr
	}
	page := &relay.SubscriptionPage{MaxTotalCost: p.maxCost}
	for _, s := range p.subs {
		page.Subscriptions = append(page.Subscriptions, s)
		if s.Status == statusEnabled {
			page.TotalCost++
		}
	}
	return page, nil
}

func (p *fakePool) CreateSubscription(_ context.Context, accountID, cb, _ string) error {
	if p.createErr != nil {
		return p.createErr
	}
	p.created = append(p.created, accountID)
	p.subs = append(p.subs, relay.Subscription{ID: "new-" + accountID, AccountID: accountID, Status: statusEnabled, Callback: cb})
	return nil
}

func (p *fakePool) DeleteSubscription(_ context.Context, id string) error {
	p.deleted = append(p.deleted, id)
	p.subs = slices.DeleteFunc(p.subs, func(s relay.Subscription) bool { return s.ID == id })
	return nil
}

func enabled(id, account string) relay.Subscription {
	return relay.Subscription{ID: id, AccountID: account, Status: statusEnabled, Callback: callback}
}

func newAllocator(t *testing.T, clk *testclock.Clock, pools ...*fakePool) *Allocator {
	t.Helper()
	ps := make([]Pool, len(pools))
	for i, p := range pools {
		ps[i] = p
	}
	return New(ps, nil, Config{Callback: callback, Secret: "shh"}, clk, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestReconcileRespectsCeiling(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	p1 := &fakePool{name: "p1", maxCost: 2, subs: []relay.Subscription{enabled("s1", "a")}}
	p2 := &fakePool{name: "p2", maxCost: 2, subs: []relay.Subscription{enabled("s2", "z")}}
	a := newAllocator(t, clk, p1, p2)

	if err := a.Reconcile(context.Background(), []string{"a", "b", "c", "d", "e"}); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	// z is untracked and frees one slot in p2.
	if !slices.Equal(p2.deleted, []string{"s2"}) {
		t.Errorf("p2 deleted = %v, want [s2]", p2.deleted)
	}
	if !slices.Equal(p1.created, []string{"b"}) {
		t.Errorf("p1 created = %v, want [b]", p1.created)
	}
	if !slices.Equal(p2.created, []string{"c", "d"}) {
		t.Errorf("p2 created = %v, want [c d]", p2.created)
	}
	for _, p := range []*fakePool{p1, p2} {
		if len(p.subs) > p.maxCost {
			t.Errorf("pool %s holds %d subscriptions over max %d", p.name, len(p.subs), p.maxCost)
		}
	}
	// e was starved, so the same set is tried again.
	if a.converged != nil {
		t.Errorf("converged set remembered after a starved cycle")
	}
}

func TestReconcileNoChurn(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	p1 := &fakePool{name: "p1", maxCost: 10}
	a := newAllocator(t, clk, p1)
	desired := []string{"a", "b"}

	if err := a.Reconcile(context.Background(), desired); err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}
	if err := a.Reconcile(context.Background(), []string{"b", "a"}); err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}
	if p1.listCalls != 1 {
		t.Errorf("ListSubscriptions called %d times, want 1", p1.listCalls)
	}
	if len(p1.created) != 2 || len(p1.deleted) != 0 {
		t.Errorf("created %v deleted %v", p1.created, p1.deleted)
	}

	if err := a.Reconcile(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("third Reconcile() error = %v", err)
	}
	if !slices.Equal(p1.deleted, []string{"new-b"}) {
		t.Errorf("deleted = %v, want [new-b]", p1.deleted)
	}
}

func TestReconcilePendingGrace(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(now)
	p1 := &fakePool{name: "p1", maxCost: 10, subs: []relay.Subscription{
		{ID: "young", AccountID: "a", Status: "webhook_callback_verification_pending", Callback: callback, CreatedAt: now.Add(-5 * time.Minute)},
		{ID: "old", AccountID: "b", Status: "webhook_callback_verification_failed", Callback: callback, CreatedAt: now.Add(-16 * time.Minute)},
		{ID: "moved", AccountID: "c", Status: statusEnabled, Callback: "https://old.example/cb"},
	}}
	a := newAllocator(t, clk, p1)

	if err := a.Reconcile(context.Background(), []string{"a", "b", "c"}); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !slices.Equal(p1.deleted, []string{"old", "moved"}) {
		t.Errorf("deleted = %v, want [old moved]", p1.deleted)
	}
	// The young pending subscription still covers a.
	if !slices.Equal(p1.created, []string{"b", "c"}) {
		t.Errorf("created = %v, want [b c]", p1.created)
	}
}

func TestReconcileZeroCostStopsScanning(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	p1 := &fakePool{name: "p1", maxCost: 10}
	p2 := &fakePool{name: "p2", maxCost: 10, subs: []relay.Subscription{enabled("s9", "a")}}
	a := newAllocator(t, clk, p1, p2)

	if err := a.Reconcile(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if p2.listCalls != 0 {
		t.Errorf("p2 listed %d times after an empty p1", p2.listCalls)
	}
	if !slices.Equal(p1.created, []string{"a"}) {
		t.Errorf("p1 created = %v, want [a]", p1.created)
	}
}

func TestReconcileErrorRetriesNextCycle(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	p1 := &fakePool{name: "p1", maxCost: 10, createErr: errors.New("boom")}
	a := newAllocator(t, clk, p1)

	if err := a.Reconcile(context.Background(), []string{"a"}); err == nil {
		t.Fatal("Reconcile() error = nil, want create failure")
	}
	p1.createErr = nil
	if err := a.Reconcile(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if p1.listCalls != 2 || !slices.Equal(p1.created, []string{"a"}) {
		t.Errorf("listCalls = %d created = %v", p1.listCalls, p1.created)
	}
}

func TestReconcileListErrorAborts(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	p1 := &fakePool{name: "p1", maxCost: 10, listErr: &relay.UpstreamError{Op: "list", StatusCode: 503}}
	p2 := &fakePool{name: "p2", maxCost: 10}
	a := newAllocator(t, clk, p1, p2)

	err := a.Reconcile(context.Background(), []string{"a"})
	if !relay.IsTransient(err) {
		t.Fatalf("Reconcile() error = %v, want transient upstream error", err)
	}
	if p2.listCalls != 0 || len(p2.created) != 0 {
		t.Errorf("cycle continued after list failure")
	}
}

type staticTracked []string

func (s staticTracked) ListTrackedAccounts(_ context.Context, source relay.SourceKind) ([]string, error) {
	if source != relay.SourceTwitch {
		return nil, errors.New("wrong source")
	}
	return s, nil
}

func TestRunOnceReadsTrackedAccounts(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	p1 := &fakePool{name: "p1", maxCost: 10}
	a := New([]Pool{p1}, staticTracked{"x", "y"}, Config{Callback: callback}, clk, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !slices.Equal(p1.created, []string{"x", "y"}) {
		t.Errorf("created = %v", p1.created)
	}
}
