package runner

import (
	"log/slog"
	"time"
)

// Option configures a Runner.
type Option func(*Runner)

// WithConcurrency caps simultaneously executing attempts across all machines.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithScheduleInterval sets the lease reclaim cadence.
func WithScheduleInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.scheduleInterval = d
		}
	}
}

// WithLockDuration sets how long a claim is held before it may be reclaimed.
func WithLockDuration(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.lockDuration = d
		}
	}
}

// WithPollInterval sets the discovery cadence of Run.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithIdleBackoff caps the sleep between passes that found no work.
func WithIdleBackoff(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.idleBackoffMax = d
		}
	}
}

// WithOwner sets the token written to lock_owner.
func WithOwner(owner string) Option {
	return func(r *Runner) {
		if owner != "" {
			r.owner = owner
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithFailureSink(sink FailureSink) Option {
	return func(r *Runner) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}
