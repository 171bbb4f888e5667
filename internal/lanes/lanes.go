// Package lanes holds the recovery decision functions the worker consults
// when a pipeline stage fails: merge-conflict classification, CI triage,
// watchdog/stall handling, context compaction, parent verification, and
// the PR-evidence gate. Each lane is pure — it reads a snapshot of the
// failure and returns an action plus the side effects to perform. The
// worker owns all I/O.
package lanes

import (
	"math/rand"
	"time"
)

// Backoff returns the exponential delay for attempt (1-based): base,
// 2*base, 4*base, ... capped at max. Non-positive max means uncapped.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift > 30 {
		shift = 30
	}
	d := base << shift
	if max > 0 && d > max {
		d = max
	}
	return d
}

// Jitter widens d by a uniform factor in [1-pct, 1+pct]. The seed makes
// the jitter reproducible: the same (d, pct, seed) always yields the same
// delay, so recorded schedules can be replayed.
func Jitter(d time.Duration, pct float64, seed int64) time.Duration {
	if d <= 0 || pct <= 0 {
		return d
	}
	rng := rand.New(rand.NewSource(seed))
	f := 1 + pct*(2*rng.Float64()-1)
	return time.Duration(float64(d) * f)
}
