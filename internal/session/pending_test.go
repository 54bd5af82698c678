package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel.gg/kestrel/internal/protocol"
)

// captureSend records sent envelopes so tests can resolve them.
type captureSend struct {
	mu   sync.Mutex
	ops  []protocol.FileOperation
	fail error
}

func (c *captureSend) send(e protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.ops = append(c.ops, e.(protocol.FileOperation))
	return nil
}

func (c *captureSend) last() protocol.FileOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ops[len(c.ops)-1]
}

func TestCorrelatorResolve(t *testing.T) {
	c := NewCorrelator(time.Second)
	snd := &captureSend{}

	done := make(chan struct{})
	var resp protocol.FileOperationResponse
	var issueErr error
	go func() {
		defer close(done)
		resp, issueErr = c.Issue(context.Background(), protocol.FileOperation{
			Op:       protocol.FileOpRead,
			ServerID: "srv-1",
			Path:     "server.properties",
		}, snd.send)
	}()

	// Wait for the request to hit the wire, then answer it.
	require.Eventually(t, func() bool { return c.Outstanding() == 1 }, time.Second, time.Millisecond)
	sent := snd.last()
	require.NotEmpty(t, sent.RequestID, "blank request IDs are filled in")

	ok := c.Resolve(protocol.FileOperationResponse{
		RequestID: sent.RequestID,
		Success:   true,
		Data:      json.RawMessage(`"bW90ZA=="`),
	})
	assert.True(t, ok)

	<-done
	require.NoError(t, issueErr)
	assert.True(t, resp.Success)
	assert.Equal(t, 0, c.Outstanding())
}

func TestCorrelatorFirstResolutionWins(t *testing.T) {
	c := NewCorrelator(time.Second)
	snd := &captureSend{}

	done := make(chan error, 1)
	go func() {
		_, err := c.Issue(context.Background(), protocol.FileOperation{
			RequestID: "req-1",
			Op:        protocol.FileOpDelete,
			ServerID:  "srv-1",
			Path:      "old.log",
		}, snd.send)
		done <- err
	}()

	require.Eventually(t, func() bool { return c.Outstanding() == 1 }, time.Second, time.Millisecond)

	assert.True(t, c.Resolve(protocol.FileOperationResponse{RequestID: "req-1", Success: true}))
	assert.False(t, c.Resolve(protocol.FileOperationResponse{RequestID: "req-1", Success: false}),
		"second resolution of the same id is a no-op")

	require.NoError(t, <-done)
}

func TestCorrelatorUnmatchedResponseDropped(t *testing.T) {
	c := NewCorrelator(time.Second)
	assert.False(t, c.Resolve(protocol.FileOperationResponse{RequestID: "never-issued"}))
}

func TestCorrelatorTimeout(t *testing.T) {
	c := NewCorrelator(10 * time.Millisecond)
	snd := &captureSend{}

	_, err := c.Issue(context.Background(), protocol.FileOperation{
		RequestID: "req-slow",
		Op:        protocol.FileOpList,
		ServerID:  "srv-1",
		Path:      "/",
	}, snd.send)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, c.Outstanding())

	// A reply arriving after the deadline finds no live entry.
	assert.False(t, c.Resolve(protocol.FileOperationResponse{RequestID: "req-slow", Success: true}))
}

func TestCorrelatorContextCancel(t *testing.T) {
	c := NewCorrelator(time.Minute)
	snd := &captureSend{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Issue(ctx, protocol.FileOperation{
			RequestID: "req-ctx",
			Op:        protocol.FileOpRead,
			ServerID:  "srv-1",
			Path:      "logs/latest.log",
		}, snd.send)
		done <- err
	}()

	require.Eventually(t, func() bool { return c.Outstanding() == 1 }, time.Second, time.Millisecond)
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, c.Outstanding())
}

func TestCorrelatorSendFailure(t *testing.T) {
	sendErr := errors.New("socket gone")
	c := NewCorrelator(time.Minute)
	snd := &captureSend{fail: sendErr}

	_, err := c.Issue(context.Background(), protocol.FileOperation{
		RequestID: "req-fail",
		Op:        protocol.FileOpWrite,
		ServerID:  "srv-1",
		Path:      "eula.txt",
	}, snd.send)
	require.ErrorIs(t, err, sendErr)
	assert.Equal(t, 0, c.Outstanding())
}

func TestCorrelatorCloseFailsOutstanding(t *testing.T) {
	c := NewCorrelator(time.Minute)
	snd := &captureSend{}

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Issue(context.Background(), protocol.FileOperation{
				Op:       protocol.FileOpRead,
				ServerID: "srv-1",
				Path:     "world/level.dat",
			}, snd.send)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return c.Outstanding() == n }, time.Second, time.Millisecond)
	c.Close(ErrClosed)

	for i := 0; i < n; i++ {
		require.ErrorIs(t, <-errs, ErrClosed)
	}

	// New issues are rejected after close.
	_, err := c.Issue(context.Background(), protocol.FileOperation{
		Op: protocol.FileOpRead, ServerID: "srv-1", Path: "x",
	}, snd.send)
	require.ErrorIs(t, err, ErrClosed)
}
