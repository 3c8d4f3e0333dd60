package poll

import (
	"math/rand/v2"
	"time"

	"socialrelay/pkg/relay"
)

const (
	failureBackoff = 24 * time.Hour
	emptyInterval  = 15 * time.Minute
	maxJitter      = 15 * time.Second
)

// Bucket names used by Stats and the polled-accounts gauge.
const (
	BucketUnchecked = "unchecked"
	BucketFailed    = "failed"
	BucketEmpty     = "empty"
	Bucket1m        = "1m"
	Bucket2m        = "2m"
	Bucket5m        = "5m"
	Bucket15m       = "15m"
)

// activityInterval picks the base polling interval from the age of the newest post.
func activityInterval(age time.Duration) (time.Duration, string) {
	const day = 24 * time.Hour
	switch {
	case age <= 3*day:
		return time.Minute, Bucket1m
	case age <= 7*day:
		return 2 * time.Minute, Bucket2m
	case age <= 14*day:
		return 5 * time.Minute, Bucket5m
	default:
		return 15 * time.Minute, Bucket15m
	}
}

// bucketOf classifies a stored result.
func bucketOf(r *relay.PollResult) string {
	if r == nil {
		return BucketUnchecked
	}
	if r.Outcome == relay.OutcomeFailure {
		return BucketFailed
	}
	newest, ok := r.Newest()
	if !ok {
		return BucketEmpty
	}
	_, bucket := activityInterval(r.PolledAt.Sub(newest.PublishedAt))
	return bucket
}

// nextDue computes when an account with result r should be polled again.
func nextDue(r *relay.PollResult, jitter func() time.Duration) time.Time {
	if r.Outcome == relay.OutcomeFailure {
		return r.PolledAt.Add(failureBackoff)
	}
	newest, ok := r.Newest()
	if !ok {
		return r.PolledAt.Add(emptyInterval + jitter())
	}
	interval, _ := activityInterval(r.PolledAt.Sub(newest.PublishedAt))
	return r.PolledAt.Add(interval + jitter())
}

// randomJitter returns a uniform offset in [-15s, 15s].
func randomJitter() time.Duration {
	return time.Duration(rand.Int64N(int64(2*maxJitter)+1)) - maxJitter
}
