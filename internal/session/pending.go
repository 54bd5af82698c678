package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"kestrel.gg/kestrel/internal/protocol"
)

var (
	// ErrTimeout is returned when no response arrives before the deadline.
	ErrTimeout = errors.New("file operation timed out")

	// ErrClosed is returned for requests outstanding when the session is
	// explicitly closed.
	ErrClosed = errors.New("session closed")
)

// correlatorResult is what a waiting caller receives: a response or a
// terminal error, never both.
type correlatorResult struct {
	resp protocol.FileOperationResponse
	err  error
}

// Correlator maps outbound request identifiers to awaiting callers for
// operations that require an async reply over the streaming channel.
//
// An entry resolves exactly once: the first of response, timeout, caller
// cancellation, or correlator close wins; the rest are no-ops. Responses
// with no live matching entry are silently dropped - a late reply after a
// timeout is expected behavior, not protocol corruption.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]chan correlatorResult
	timers  map[string]*time.Timer
	timeout time.Duration
	closed  bool
}

// NewCorrelator creates a correlator with the given per-request deadline.
func NewCorrelator(timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Correlator{
		pending: make(map[string]chan correlatorResult),
		timers:  make(map[string]*time.Timer),
		timeout: timeout,
	}
}

// Issue registers a pending entry for op, sends it via send, and blocks
// the calling goroutine (only) until response, deadline, or cancellation.
// A zero RequestID is filled with a fresh UUID.
func (c *Correlator) Issue(ctx context.Context, op protocol.FileOperation, send func(protocol.Envelope) error) (protocol.FileOperationResponse, error) {
	if op.RequestID == "" {
		op.RequestID = uuid.NewString()
	}

	ch := make(chan correlatorResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.FileOperationResponse{}, ErrClosed
	}
	c.pending[op.RequestID] = ch
	c.timers[op.RequestID] = time.AfterFunc(c.timeout, func() {
		c.settle(op.RequestID, correlatorResult{err: ErrTimeout})
	})
	c.mu.Unlock()

	if err := send(op); err != nil {
		// Entry may already have settled (unlikely); settle is a no-op then.
		c.settle(op.RequestID, correlatorResult{err: err})
		res := <-ch
		return protocol.FileOperationResponse{}, res.err
	}

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		c.settle(op.RequestID, correlatorResult{err: ctx.Err()})
		res := <-ch
		return res.resp, res.err
	}
}

// Resolve fulfills the pending entry matching resp.RequestID. It reports
// whether a live entry was matched; unmatched responses must be dropped
// silently by the caller.
func (c *Correlator) Resolve(resp protocol.FileOperationResponse) bool {
	return c.settle(resp.RequestID, correlatorResult{resp: resp})
}

// settle removes the entry and delivers the result. First caller wins.
func (c *Correlator) settle(requestID string, res correlatorResult) bool {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, requestID)
	if t := c.timers[requestID]; t != nil {
		t.Stop()
		delete(c.timers, requestID)
	}
	c.mu.Unlock()

	ch <- res
	return true
}

// Close fails every outstanding request with err (defaulting to ErrClosed)
// and rejects future issues.
func (c *Correlator) Close(err error) {
	if err == nil {
		err = ErrClosed
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	entries := c.pending
	timers := c.timers
	c.pending = make(map[string]chan correlatorResult)
	c.timers = make(map[string]*time.Timer)
	c.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, ch := range entries {
		ch <- correlatorResult{err: err}
	}
}

// Outstanding returns the number of in-flight requests.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
