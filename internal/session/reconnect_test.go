package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTimers replaces the reconnector's clock: delays are recorded and
// callbacks fire only when the test says so.
type fakeTimers struct {
	delays    []time.Duration
	callbacks []func()
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) *time.Timer {
	f.delays = append(f.delays, d)
	f.callbacks = append(f.callbacks, fn)
	// A stopped real timer so Stop/cancel paths have something to act on.
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

func (f *fakeTimers) fire(i int) { f.callbacks[i]() }

func TestReconnectorLinearBackoff(t *testing.T) {
	ft := &fakeTimers{}
	r := newReconnector(5, time.Second)
	r.afterFunc = ft.afterFunc

	for i := 0; i < 5; i++ {
		delay, err := r.schedule(func() {})
		require.NoError(t, err)
		assert.Equal(t, time.Duration(i+1)*time.Second, delay)
		ft.fire(i) // timer elapses, attempt runs and fails
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second,
	}, ft.delays)
}

func TestReconnectorBudgetExhausted(t *testing.T) {
	ft := &fakeTimers{}
	r := newReconnector(2, 100*time.Millisecond)
	r.afterFunc = ft.afterFunc

	for i := 0; i < 2; i++ {
		_, err := r.schedule(func() {})
		require.NoError(t, err)
		ft.fire(i)
	}

	require.True(t, r.exhausted())
	_, err := r.schedule(func() {})
	require.ErrorIs(t, err, ErrMaxAttempts)

	// Still exhausted on repeat attempts: no further timers are armed.
	_, err = r.schedule(func() {})
	require.ErrorIs(t, err, ErrMaxAttempts)
	assert.Len(t, ft.delays, 2)
}

func TestReconnectorResetRestoresBudget(t *testing.T) {
	ft := &fakeTimers{}
	r := newReconnector(2, time.Second)
	r.afterFunc = ft.afterFunc

	_, err := r.schedule(func() {})
	require.NoError(t, err)
	ft.fire(0)
	_, err = r.schedule(func() {})
	require.NoError(t, err)
	ft.fire(1)
	require.True(t, r.exhausted())

	// A successful open resets the counter; backoff starts over at 1x.
	r.reset()
	require.False(t, r.exhausted())

	delay, err := r.schedule(func() {})
	require.NoError(t, err)
	assert.Equal(t, time.Second, delay)
}

func TestReconnectorSingleInFlight(t *testing.T) {
	ft := &fakeTimers{}
	r := newReconnector(5, time.Second)
	r.afterFunc = ft.afterFunc

	_, err := r.schedule(func() {})
	require.NoError(t, err)

	// While a timer is pending, further schedules are absorbed.
	delay, err := r.schedule(func() {})
	require.NoError(t, err)
	assert.Zero(t, delay)
	assert.Len(t, ft.delays, 1)
	assert.Equal(t, 1, r.attemptCount())
}

func TestReconnectorCancel(t *testing.T) {
	fired := false
	r := newReconnector(5, time.Millisecond)
	_, err := r.schedule(func() { fired = true })
	require.NoError(t, err)

	r.cancel()
	time.Sleep(20 * time.Millisecond)
	assert.False(t, fired, "cancelled timer must not fire")

	// Cancel leaves the reconnector usable.
	_, err = r.schedule(func() {})
	require.NoError(t, err)
	r.cancel()
}

func TestReconnectorDefaults(t *testing.T) {
	r := newReconnector(0, 0)
	assert.Equal(t, DefaultMaxAttempts, r.max)
	assert.Equal(t, DefaultBaseDelay, r.base)
}
