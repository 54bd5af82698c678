package session

import (
	"errors"
	"sync"
	"time"
)

// ErrMaxAttempts indicates the reconnect budget is exhausted; the session
// stays terminally disconnected until an explicit Connect call.
var ErrMaxAttempts = errors.New("reconnect attempts exhausted")

const (
	// DefaultMaxAttempts bounds automatic reconnection.
	DefaultMaxAttempts = 5

	// DefaultBaseDelay is multiplied by the attempt number: linear
	// backoff, not exponential.
	DefaultBaseDelay = time.Second
)

// reconnector schedules deferred, cancellable reconnect attempts with
// linear backoff. Only one attempt may be in flight at a time.
type reconnector struct {
	mu       sync.Mutex
	attempts int
	max      int
	base     time.Duration
	timer    *time.Timer

	// afterFunc is a test seam; defaults to time.AfterFunc.
	afterFunc func(time.Duration, func()) *time.Timer
}

func newReconnector(max int, base time.Duration) *reconnector {
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	if base <= 0 {
		base = DefaultBaseDelay
	}
	return &reconnector{
		max:       max,
		base:      base,
		afterFunc: time.AfterFunc,
	}
}

// schedule arms the reconnect timer for the next attempt and returns the
// chosen delay. It returns ErrMaxAttempts once the budget is spent and is
// a no-op while a timer is already pending.
func (r *reconnector) schedule(connect func()) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		return 0, nil
	}
	if r.attempts >= r.max {
		return 0, ErrMaxAttempts
	}

	r.attempts++
	delay := time.Duration(r.attempts) * r.base
	r.timer = r.afterFunc(delay, func() {
		r.mu.Lock()
		r.timer = nil
		r.mu.Unlock()
		connect()
	})
	return delay, nil
}

// reset zeroes the attempt counter. Called on every successful open.
func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
}

// cancel stops any pending reconnect timer.
func (r *reconnector) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// exhausted reports whether the budget is spent.
func (r *reconnector) exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts >= r.max
}

// attemptCount returns the current attempt counter.
func (r *reconnector) attemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}
