package scheduler

import (
	"time"

	"golang.org/x/time/rate"
)

// perMinute converts a requests-per-minute ceiling into a rate.Limit
// (tokens per second). A zero ceiling yields a bucket that never refills.
func perMinute(rpm float64) rate.Limit {
	return rate.Limit(rpm / 60.0)
}

// newBucket builds a full token bucket for the given config. rate.Limiter
// gives exactly the contract we need: continuous refill capped at the burst,
// Allow consumes one token with no side effects on failure, and Tokens
// exposes the current level for stats.
func newBucket(c ServiceConfig) *rate.Limiter {
	return rate.NewLimiter(perMinute(c.MaxRequestsPerMinute), c.BurstSize)
}

// nextTokenDelay reports how long until the bucket can admit one more
// request. ok is false when it never will (zero rate or zero burst); the
// queue then only drains via completions freeing concurrency slots.
func nextTokenDelay(l *rate.Limiter) (time.Duration, bool) {
	now := time.Now()
	r := l.ReserveN(now, 1)
	if !r.OK() {
		return 0, false
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	if d >= rate.InfDuration {
		// Zero-rate bucket: the reservation is "OK" but its delay is
		// infinite. No refill is ever coming.
		return 0, false
	}
	return d, true
}
