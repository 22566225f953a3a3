// Package schedule runs periodic tasks against an injectable clock.
package schedule

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Clock abstracts time so tests can drive it
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock
func RealClock() Clock {
	return realClock{}
}

// Handle controls a running periodic task
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop cancels the task and waits for the loop to exit. A run in progress
// sees its context cancelled.
func (h *Handle) Stop() {
	h.once.Do(h.cancel)
	<-h.done
}

// Done is closed once the loop has exited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Every runs task once per interval until ctx is cancelled or the handle is
// stopped. Each wait is extended by a random amount in [0, jitter). The
// first run happens after the first wait; runs never overlap.
func Every(ctx context.Context, clock Clock, interval, jitter time.Duration, task func(context.Context)) *Handle {
	if clock == nil {
		clock = RealClock()
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-clock.After(interval + randomJitter(jitter)):
			}
			if ctx.Err() != nil {
				return
			}
			task(ctx)
		}
	}()

	return h
}

// Backoff returns the delay before retry number attempt (1-based), growing
// by factor and capped at max. A factor of 1 yields a fixed delay.
func Backoff(base time.Duration, factor float64, max time.Duration, attempt int) time.Duration {
	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= factor
		if max > 0 && delay >= float64(max) {
			return max
		}
	}
	if max > 0 && time.Duration(delay) > max {
		return max
	}
	return time.Duration(delay)
}

func randomJitter(jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(jitter)))
}
