package wlock

import (
	"time"

	metrics "github.com/armon/go-metrics"
	hclog "github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"
)

// Option customizes a Lock beyond the spec's positional constructor
// arguments, mirrored from SemaphoreOptions' overridable defaults.
type Option func(*Lock)

// WithLogger overrides the default hclog logger.
func WithLogger(l hclog.Logger) Option {
	return func(lock *Lock) {
		if l != nil {
			lock.logger = l.Named("wlock")
		}
	}
}

// WithMetrics attaches an armon/go-metrics sink for state-transition
// counters. Nil disables emission (the default).
func WithMetrics(m *metrics.Metrics) Option {
	return func(lock *Lock) { lock.metrics = m }
}

// WithWatchWait overrides the blocking-query wait time used by both the
// eligibility watcher and the hold-monitor watcher.
func WithWatchWait(d time.Duration) Option {
	return func(lock *Lock) {
		if d > 0 {
			lock.watchWait = d
		}
	}
}

// WithRateLimiter overrides the watcher rate limiting parameters.
func WithRateLimiter(limit rate.Limit, burst, initBurst int) Option {
	return func(lock *Lock) {
		lock.rateLimit = limit
		lock.rateLimitBurst = burst
		lock.rateLimitInitBurst = initBurst
	}
}
