// Package poll schedules timeline checks for accounts that cannot push updates.
//
// Each account is polled at an interval chosen from how recently it posted. New own
// posts past the account's watermark are published as activities; reposts are skipped.
package poll

import (
	"cmp"
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"socialrelay/metrics"
	"socialrelay/pkg/relay"

	"github.com/juju/clock"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultInterval is how often Serve runs a cycle.
	DefaultInterval = 5 * time.Second
	// DefaultCheckTimeout bounds a single timeline check.
	DefaultCheckTimeout = 15 * time.Second
	// DefaultConcurrency is the number of checks that may run at once.
	DefaultConcurrency = 8

	statsEvery = time.Minute
)

// Timeline fetches an account's recent posts.
type Timeline interface {
	PollTimeline(ctx context.Context, handle, sinceID string) (*relay.PollResult, error)
}

// Publisher receives new activities.
type Publisher interface {
	Publish(ctx context.Context, a relay.Activity)
}

// Config tunes a Scheduler. Zero values use the defaults.
type Config struct {
	Interval     time.Duration
	CheckTimeout time.Duration
	Concurrency  int
}

type account struct {
	dueAt    time.Time
	last     *relay.PollResult
	info     relay.Account
	lastSeen string
	gen      uint64
	seeded   bool
	inFlight bool
}

// snapshot is what a check needs, copied out under the lock.
type snapshot struct {
	info     relay.Account
	lastSeen string
	gen      uint64
}

// Scheduler decides which accounts are due and checks them concurrently.
type Scheduler struct {
	timeline  Timeline
	publisher Publisher
	clock     clock.Clock
	logger    *slog.Logger
	sem       *semaphore.Weighted
	jitter    func() time.Duration
	pick      func(n int) int
	accounts  map[string]*account
	cfg       Config
	gen       uint64
	mu        sync.Mutex
	loaded    bool
}

// New creates a scheduler.
func New(timeline Timeline, publisher Publisher, clk clock.Clock, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Scheduler{
		timeline:  timeline,
		publisher: publisher,
		clock:     clk,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		jitter:    randomJitter,
		pick:      rand.IntN,
		accounts:  make(map[string]*account),
		cfg:       cfg,
	}
}

// AddAccount starts polling an account. If the handle is already tracked its last
// result is returned unchanged. With check set, the account is checked once before
// returning, which seeds its watermark.
func (s *Scheduler) AddAccount(ctx context.Context, info relay.Account, check bool) *relay.PollResult {
	s.mu.Lock()
	if existing, ok := s.accounts[info.Handle]; ok {
		last := existing.last
		s.mu.Unlock()
		return last
	}
	s.gen++
	acc := &account{info: info, gen: s.gen, inFlight: check}
	s.accounts[info.Handle] = acc
	snap := snapshot{info: info, gen: acc.gen}
	s.mu.Unlock()

	s.logger.Debug("Account added", "handle", info.Handle, "account_id", info.ID, "check", check)
	if !check {
		return nil
	}
	return s.check(ctx, snap)
}

// RemoveAccount stops polling a handle. A check already running for it is discarded.
func (s *Scheduler) RemoveAccount(handle string) {
	s.mu.Lock()
	delete(s.accounts, handle)
	s.mu.Unlock()
	s.logger.Debug("Account removed", "handle", handle)
}

// Last returns the stored result for a handle.
func (s *Scheduler) Last(handle string) (*relay.PollResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[handle]
	if !ok {
		return nil, false
	}
	return acc.last, true
}

// RunCycle checks every due account plus at most one account that has never
// produced a result, and waits for those checks to finish.
func (s *Scheduler) RunCycle(ctx context.Context) {
	due := s.collectDue()
	if len(due) == 0 {
		return
	}
	s.logger.Debug("Polling cycle", "due", len(due))

	var wg sync.WaitGroup
	for _, snap := range due {
		wg.Add(1)
		go func(snap snapshot) {
			defer wg.Done()
			s.check(ctx, snap)
		}(snap)
	}
	wg.Wait()
}

func (s *Scheduler) collectDue() []snapshot {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []snapshot
	var broken []*account
	for _, acc := range s.accounts {
		if acc.inFlight {
			continue
		}
		if acc.last == nil {
			broken = append(broken, acc)
			continue
		}
		if !now.Before(acc.dueAt) {
			acc.inFlight = true
			due = append(due, snapshot{info: acc.info, lastSeen: acc.lastSeen, gen: acc.gen})
		}
	}
	// Accounts without any result are retried one per cycle.
	if len(broken) > 0 {
		slices.SortFunc(broken, func(a, b *account) int { return cmp.Compare(a.gen, b.gen) })
		acc := broken[s.pick(len(broken))]
		acc.inFlight = true
		due = append(due, snapshot{info: acc.info, lastSeen: acc.lastSeen, gen: acc.gen})
	}
	return due
}

// release clears the in-flight mark of a check that never ran.
func (s *Scheduler) release(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.accounts[snap.info.Handle]; ok && acc.gen == snap.gen {
		acc.inFlight = false
	}
}

// check polls one account and writes the result back. It returns the account's
// stored result afterwards, or nil if the account was removed meanwhile.
// Every check holds one permit of s.sem while it runs.
func (s *Scheduler) check(ctx context.Context, snap snapshot) *relay.PollResult {
	handle := snap.info.Handle
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.release(snap)
		last, _ := s.Last(handle)
		return last
	}
	defer s.sem.Release(1)

	checkCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
	defer cancel()

	start := s.clock.Now()
	res, err := s.timeline.PollTimeline(checkCtx, handle, snap.lastSeen)
	metrics.PollCheckDuration.Observe(s.clock.Now().Sub(start).Seconds())
	if err != nil {
		metrics.PollChecks.WithLabelValues("error").Inc()
		s.logger.Warn("Timeline check failed", "handle", handle, "account_id", snap.info.ID, "error", err)
		s.release(snap)
		last, _ := s.Last(handle)
		return last
	}
	metrics.PollChecks.WithLabelValues(res.Outcome.String()).Inc()

	fresh, last, ok := s.store(snap, res)
	if !ok {
		s.logger.Debug("Discarding result for account no longer tracked", "handle", handle)
		return nil
	}

	// Oldest first so channels see posts in order.
	for i := len(fresh) - 1; i >= 0; i-- {
		s.logger.Info("New post", "handle", handle, "account_id", snap.info.ID, "post_id", fresh[i].ID)
		metrics.ActivitiesPublished.WithLabelValues(string(relay.SourceTwitter)).Inc()
		s.publisher.Publish(ctx, relay.Activity{
			Source:        relay.SourceTwitter,
			AccountID:     snap.info.ID,
			AccountHandle: handle,
			PostID:        fresh[i].ID,
		})
	}
	return last
}

// store applies a result to the account's state and returns the own posts that
// are new. ok is false when the account was removed or re-added during the check.
func (s *Scheduler) store(snap snapshot, res *relay.PollResult) (fresh []relay.Post, last *relay.PollResult, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, found := s.accounts[snap.info.Handle]
	if !found || acc.gen != snap.gen {
		return nil, nil, false
	}
	acc.inFlight = false

	switch res.Outcome {
	case relay.OutcomeNoNewData:
		if acc.last != nil {
			kept := *acc.last
			kept.PolledAt = res.PolledAt
			acc.last = &kept
		} else {
			acc.last = res
		}
	case relay.OutcomeFailure:
		acc.last = res
	default:
		acc.last = res
		fresh = newOwnPosts(res.Posts, acc.lastSeen)
		if len(fresh) > 0 {
			acc.lastSeen = fresh[0].ID
		}
		if !acc.seeded {
			acc.seeded = true
			fresh = nil
		}
	}
	acc.dueAt = nextDue(acc.last, s.jitter)
	return fresh, acc.last, true
}

// newOwnPosts returns the own posts newer than watermark, newest first.
func newOwnPosts(posts []relay.Post, watermark string) []relay.Post {
	var fresh []relay.Post
	for _, p := range posts {
		if watermark != "" && relay.CompareIDs(p.ID, watermark) <= 0 {
			break
		}
		if p.Kind == relay.Repost {
			continue
		}
		fresh = append(fresh, p)
	}
	return fresh
}

// Stats counts tracked accounts per polling bucket.
func (s *Scheduler) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := map[string]int{
		BucketUnchecked: 0,
		BucketFailed:    0,
		BucketEmpty:     0,
		Bucket1m:        0,
		Bucket2m:        0,
		Bucket5m:        0,
		Bucket15m:       0,
	}
	for _, acc := range s.accounts {
		stats[bucketOf(acc.last)]++
	}
	return stats
}

func (s *Scheduler) logStats() {
	stats := s.Stats()
	args := make([]any, 0, len(stats)*2)
	total := 0
	for bucket, n := range stats {
		metrics.PolledAccounts.WithLabelValues(bucket).Set(float64(n))
		args = append(args, bucket, n)
		total += n
	}
	s.logger.Info("Polling stats", append(args, "total", total)...)
}

// Serve runs polling cycles until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.logger.Info("Polling scheduler started", "interval", s.cfg.Interval, "concurrency", s.cfg.Concurrency)
	lastStats := s.clock.Now()
	for {
		s.RunCycle(ctx)
		if now := s.clock.Now(); now.Sub(lastStats) >= statsEvery {
			s.logStats()
			lastStats = now
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Polling scheduler stopped")
			return ctx.Err()
		case <-s.clock.After(s.cfg.Interval):
		}
	}
}

func (s *Scheduler) String() string {
	return "poll-scheduler"
}
