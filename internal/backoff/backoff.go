// Package backoff computes reconnect delays shared by both bridge links.
package backoff

import "time"

// ComputeDelay returns min(base * 2^attempt, max).
// attempt starts at 1 for the first retry; values below 1 are treated as 1.
// No jitter is added so delays stay predictable.
func ComputeDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	// Anything past 62 doublings overflows int64 nanoseconds.
	if attempt >= 62 {
		return max
	}
	d := base << uint(attempt)
	if d <= 0 || d/base != time.Duration(1)<<uint(attempt) || d > max {
		return max
	}
	return d
}

// Policy bundles the reconnect settings for one link.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int // 0 means unlimited
}

// DefaultPolicy matches the production defaults: 2s base, 30s cap, 10 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Base:        2 * time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 10,
	}
}

// Next returns the delay before the given reconnect attempt and whether
// the attempt is permitted at all.
func (p Policy) Next(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	return ComputeDelay(attempt, p.Base, p.Max), true
}
