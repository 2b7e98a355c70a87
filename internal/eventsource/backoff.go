package eventsource

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// backoff handles exponential backoff with jitter
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if max < initial {
		max = initial
	}
	return &backoff{initial: initial, max: max, current: initial}
}

// next returns a duration in [current/2, current] and doubles current up to max
func (b *backoff) next() time.Duration {
	half := b.current / 2
	d := half + rand.N(b.current-half+1)

	if b.current < b.max {
		b.current *= 2
		if b.current > b.max {
			b.current = b.max
		}
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.initial
}

// wait waits for the next backoff time, or until ctx is done
func (b *backoff) wait(ctx context.Context) {
	t := time.NewTimer(b.next())
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
