// Package budget keeps one push subscription per tracked broadcaster across several
// credential pools, each with its own cost ceiling.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"socialrelay/metrics"
	"socialrelay/pkg/relay"

	"github.com/juju/clock"
)

// PendingGrace is how long a subscription may stay out of the enabled state before it is deleted.
const PendingGrace = 15 * time.Minute

const statusEnabled = "enabled"

// Pool is one set of platform credentials with a subscription budget.
type Pool interface {
	Name() string
	ListSubscriptions(ctx context.Context) (*relay.SubscriptionPage, error)
	CreateSubscription(ctx context.Context, accountID, callback, secret string) error
	DeleteSubscription(ctx context.Context, id string) error
}

// TrackedSource lists the accounts that should hold a subscription.
type TrackedSource interface {
	ListTrackedAccounts(ctx context.Context, source relay.SourceKind) ([]string, error)
}

// Config configures an Allocator.
type Config struct {
	Callback string
	Secret   string
	Interval time.Duration
}

// Allocator reconciles the subscriptions held across pools with the desired account set.
type Allocator struct {
	clock    clock.Clock
	tracked  TrackedSource
	logger   *slog.Logger
	callback string
	secret   string
	pools    []Pool
	// converged is the last desired set that was fully reconciled.
	converged map[string]struct{}
	interval  time.Duration
	mu        sync.Mutex
}

// New creates an allocator. Pools are tried in the given order when creating subscriptions.
func New(pools []Pool, tracked TrackedSource, cfg Config, clk clock.Clock, logger *slog.Logger) *Allocator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Allocator{
		clock:    clk,
		tracked:  tracked,
		logger:   logger,
		callback: cfg.Callback,
		secret:   cfg.Secret,
		pools:    pools,
		interval: cfg.Interval,
	}
}

type poolCost struct {
	pool    Pool
	current int
	max     int
}

// Reconcile brings the subscriptions in line with desired. Errors abort the cycle without
// rollback; the next cycle starts from what the platform reports.
func (a *Allocator) Reconcile(ctx context.Context, desired []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	want := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		want[id] = struct{}{}
	}
	if a.converged != nil && sameSet(want, a.converged) {
		a.logger.Debug("Tracked accounts unchanged, skipping reconcile", "accounts", len(want))
		return nil
	}

	a.logger.Info("Reconciling subscriptions", "accounts", len(want), "pools", len(a.pools))
	now := a.clock.Now()
	covered := make(map[string]struct{})
	var costs []*poolCost

	for _, p := range a.pools {
		page, err := p.ListSubscriptions(ctx)
		if err != nil {
			return fmt.Errorf("list subscriptions in pool %s: %w", p.Name(), err)
		}
		pc := &poolCost{pool: p, current: page.TotalCost, max: page.MaxTotalCost}
		costs = append(costs, pc)

		for _, sub := range page.Subscriptions {
			reason := a.deleteReason(sub, want, now)
			if reason == "" {
				covered[sub.AccountID] = struct{}{}
				continue
			}
			a.logger.Info("Deleting subscription", "pool", p.Name(), "subscription_id", sub.ID, "account_id", sub.AccountID, "status", sub.Status, "reason", reason)
			if err := p.DeleteSubscription(ctx, sub.ID); err != nil {
				return fmt.Errorf("delete subscription in pool %s: %w", p.Name(), err)
			}
			metrics.SubscriptionChanges.WithLabelValues("deleted").Inc()
			if sub.Status == statusEnabled {
				pc.current--
			}
		}

		a.logger.Info("Pool scanned", "pool", p.Name(), "total_cost", pc.current, "max_total_cost", pc.max)
		// An empty pool means later pools are almost certainly empty as well.
		if page.TotalCost == 0 {
			break
		}
	}

	skipped := 0
	for _, id := range desired {
		if _, ok := covered[id]; ok {
			continue
		}
		pc := firstWithRoom(costs)
		if pc == nil {
			skipped++
			a.logger.Error("Skipping account", "account_id", id, "error", relay.ErrBudgetExhausted)
			metrics.SubscriptionChanges.WithLabelValues("skipped").Inc()
			continue
		}
		if err := pc.pool.CreateSubscription(ctx, id, a.callback, a.secret); err != nil {
			return fmt.Errorf("create subscription in pool %s: %w", pc.pool.Name(), err)
		}
		pc.current++
		covered[id] = struct{}{}
		metrics.SubscriptionChanges.WithLabelValues("created").Inc()
		a.logger.Info("Subscription created", "pool", pc.pool.Name(), "account_id", id)
	}

	for _, pc := range costs {
		metrics.SubscriptionCost.WithLabelValues(pc.pool.Name()).Set(float64(pc.current))
		metrics.SubscriptionMaxCost.WithLabelValues(pc.pool.Name()).Set(float64(pc.max))
	}

	if skipped > 0 {
		a.logger.Warn("Reconcile finished with accounts over budget", "skipped", skipped)
		return nil
	}
	a.converged = want
	a.logger.Info("Reconcile finished", "accounts", len(want))
	return nil
}

func (a *Allocator) deleteReason(sub relay.Subscription, want map[string]struct{}, now time.Time) string {
	if _, ok := want[sub.AccountID]; !ok {
		return "untracked"
	}
	if sub.Callback != a.callback {
		return "callback_mismatch"
	}
	if sub.Status != statusEnabled && now.Sub(sub.CreatedAt) > PendingGrace {
		return "stale_" + sub.Status
	}
	return ""
}

func firstWithRoom(costs []*poolCost) *poolCost {
	for _, pc := range costs {
		if pc.current < pc.max {
			return pc
		}
	}
	return nil
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Serve reconciles against the tracked Twitch accounts until ctx is cancelled.
func (a *Allocator) Serve(ctx context.Context) error {
	a.logger.Info("Subscription allocator started", "interval", a.interval, "pools", len(a.pools))
	for {
		if err := a.RunOnce(ctx); err != nil {
			a.logger.Error("Reconcile failed", "error", err)
		}
		select {
		case <-ctx.Done():
			a.logger.Info("Subscription allocator stopped")
			return ctx.Err()
		case <-a.clock.After(a.interval):
		}
	}
}

// RunOnce reads the tracked accounts and reconciles once.
func (a *Allocator) RunOnce(ctx context.Context) error {
	ids, err := a.tracked.ListTrackedAccounts(ctx, relay.SourceTwitch)
	if err != nil {
		return fmt.Errorf("list tracked accounts: %w", err)
	}
	return a.Reconcile(ctx, ids)
}

// String describes the allocator for the supervisor's logs.
func (a *Allocator) String() string {
	return "budget-allocator(" + strconv.Itoa(len(a.pools)) + " pools)"
}
