// Package throttle rate-limits repeated attempts of the same operation.
package throttle

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultMaxDelay caps the delay between throttled runs.
const DefaultMaxDelay = 60 * time.Second

// Throttler runs tasks immediately for the first two attempts after a reset.
// Later attempts are delayed with exponential backoff and jitter, and only the
// most recent request survives the delay. Task executions never overlap.
type Throttler struct {
	mu          sync.Mutex
	execMu      sync.Mutex
	log         *slog.Logger
	maxDelay    time.Duration
	enabled     bool
	runAttempts int
	generation  uint64
	pending     *time.Timer
	cooldownGen uint64
	cooldown    *time.Timer
}

// Option configures a Throttler.
type Option func(t *Throttler)

// WithMaxDelay sets the cap on delays and the idle time after which the
// attempt counter resets.
func WithMaxDelay(d time.Duration) Option {
	return func(t *Throttler) {
		if d > 0 {
			t.maxDelay = d
		}
	}
}

// WithThrottlingDisabled makes every call run immediately.
func WithThrottlingDisabled() Option {
	return func(t *Throttler) {
		t.enabled = false
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(t *Throttler) {
		if log != nil {
			t.log = log
		}
	}
}

// New returns a fresh Throttler.
func New(opts ...Option) *Throttler {
	t := &Throttler{
		log:         slog.Default(),
		maxDelay:    DefaultMaxDelay,
		enabled:     true,
		runAttempts: -1,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With(slog.String("worker", "throttler"))
	return t
}

// RunThrottled runs task now or schedules it, depending on how many attempts
// have been made since the last reset. A scheduled task replaces any task
// still waiting for its delay.
func (t *Throttler) RunThrottled(task func()) {
	if !t.enabled {
		t.run(task)
		return
	}

	t.mu.Lock()
	t.runAttempts++
	attempt := t.runAttempts
	t.restartCooldown()
	t.stopPending()
	if attempt <= 1 {
		t.mu.Unlock()
		t.log.Debug("running immediately", slog.Int("attempt", attempt))
		t.run(task)
		return
	}

	delay := t.delayFor(attempt)
	gen := t.generation
	t.pending = time.AfterFunc(delay, func() { t.fire(gen, task) })
	t.mu.Unlock()
	t.log.Debug("run delayed", slog.Int("attempt", attempt), slog.Duration("delay", delay))
}

// CancelThrottledRun drops the scheduled task, if any, without running it.
// The attempt counter is unchanged.
func (t *Throttler) CancelThrottledRun() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopPending()
}

// Close cancels the scheduled task and the cooldown.
func (t *Throttler) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopPending()
	t.cooldownGen++
	if t.cooldown != nil {
		t.cooldown.Stop()
		t.cooldown = nil
	}
}

func (t *Throttler) run(task func()) {
	t.execMu.Lock()
	defer t.execMu.Unlock()
	task()
}

func (t *Throttler) fire(gen uint64, task func()) {
	t.execMu.Lock()
	defer t.execMu.Unlock()

	t.mu.Lock()
	stale := gen != t.generation
	if !stale {
		t.pending = nil
	}
	t.mu.Unlock()
	if stale {
		return
	}
	task()
}

// stopPending must be called with mu held.
func (t *Throttler) stopPending() {
	t.generation++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

// restartCooldown must be called with mu held.
func (t *Throttler) restartCooldown() {
	if t.cooldown != nil {
		t.cooldown.Stop()
	}
	t.cooldownGen++
	gen := t.cooldownGen
	t.cooldown = time.AfterFunc(t.maxDelay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if gen != t.cooldownGen {
			return
		}
		t.runAttempts = -1
		t.cooldown = nil
		t.log.Debug("attempts reset")
	})
}

// delayFor returns min(maxDelay, 2^(attempt-1) seconds), jittered uniformly
// into its upper half.
func (t *Throttler) delayFor(attempt int) time.Duration {
	d := t.maxDelay
	if attempt-1 < 31 {
		if backoff := time.Duration(1<<(attempt-1)) * time.Second; backoff < d {
			d = backoff
		}
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(d-half+1)
}
