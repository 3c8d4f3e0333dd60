package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"socialrelay/pkg/relay"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"
)

const (
	syncConcurrency = 4
	// maxSyncFailures stops initial checks within one Sync once upstream looks
	// broken; the remaining accounts are added unchecked and picked up one per cycle.
	maxSyncFailures = 100
)

// Sync makes the tracked set equal to accounts. Removed handles stop polling and new
// ones are added with an initial check.
func (s *Scheduler) Sync(ctx context.Context, accounts []relay.Account) {
	wanted := make(map[string]relay.Account, len(accounts))
	for _, a := range accounts {
		wanted[a.Handle] = a
	}

	s.mu.Lock()
	var removed []string
	for handle := range s.accounts {
		if _, ok := wanted[handle]; !ok {
			delete(s.accounts, handle)
			removed = append(removed, handle)
		}
	}
	var added []relay.Account
	for _, a := range accounts {
		if _, ok := s.accounts[a.Handle]; !ok {
			added = append(added, a)
		}
	}
	first := !s.loaded
	s.loaded = true
	s.mu.Unlock()

	if len(removed) == 0 && len(added) == 0 {
		return
	}
	s.logger.Info("Syncing polled accounts", "added", len(added), "removed", len(removed), "first_load", first)

	var failures atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)
	for _, a := range added {
		g.Go(func() error {
			check := failures.Load() < maxSyncFailures
			res := s.AddAccount(gctx, a, check)
			if check && (res == nil || res.Outcome == relay.OutcomeFailure) {
				if failures.Add(1) == maxSyncFailures {
					s.logger.Warn("Too many failed initial checks, adding remaining accounts unchecked", "failures", maxSyncFailures)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("Polled accounts synced", "added", len(added), "removed", len(removed), "failed_checks", failures.Load())
}

// TrackedStore lists tracked account ids.
type TrackedStore interface {
	ListTrackedAccounts(ctx context.Context, source relay.SourceKind) ([]string, error)
}

// Resolver turns account ids into handles.
type Resolver interface {
	Resolve(ctx context.Context, ids []string) ([]relay.Account, error)
}

// AccountSync periodically reloads the tracked Twitter accounts into a Scheduler.
type AccountSync struct {
	scheduler *Scheduler
	store     TrackedStore
	resolver  Resolver
	clock     clock.Clock
	logger    *slog.Logger
	interval  time.Duration
}

// NewAccountSync creates the reload loop.
func NewAccountSync(scheduler *Scheduler, store TrackedStore, resolver Resolver, clk clock.Clock, interval time.Duration, logger *slog.Logger) *AccountSync {
	if interval <= 0 {
		interval = time.Minute
	}
	return &AccountSync{
		scheduler: scheduler,
		store:     store,
		resolver:  resolver,
		clock:     clk,
		logger:    logger,
		interval:  interval,
	}
}

// RunOnce loads the tracked ids, resolves their handles and syncs the scheduler.
func (a *AccountSync) RunOnce(ctx context.Context) error {
	ids, err := a.store.ListTrackedAccounts(ctx, relay.SourceTwitter)
	if err != nil {
		return fmt.Errorf("list tracked accounts: %w", err)
	}
	accounts, err := a.resolver.Resolve(ctx, ids)
	if err != nil {
		return fmt.Errorf("resolve handles: %w", err)
	}
	a.scheduler.Sync(ctx, accounts)
	return nil
}

// Serve reloads accounts until ctx is cancelled.
func (a *AccountSync) Serve(ctx context.Context) error {
	for {
		if err := a.RunOnce(ctx); err != nil {
			a.logger.Error("Account sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.clock.After(a.interval):
		}
	}
}

func (a *AccountSync) String() string {
	return "poll-account-sync"
}
