// Package state holds the panel's view of server lifecycle state.
//
// The tracker is driven exclusively by validated server_state_update
// messages; issuing a control command never advances it. The node agent is
// the source of truth - the tracker's job is ordering and idempotent
// application, not validation of business legality. The store persists the
// last accepted state per server so the view survives a panel restart.
package state

import (
	"sync"

	"kestrel.gg/kestrel/internal/events"
	"kestrel.gg/kestrel/internal/metrics"
	"kestrel.gg/kestrel/internal/protocol"
)

// ServerStatus is the last accepted lifecycle state for one server.
type ServerStatus struct {
	ServerID  string               `json:"serverId"`
	State     protocol.ServerState `json:"state"`
	Timestamp int64                `json:"timestamp"`
	Reason    string               `json:"reason,omitempty"`
	Ports     map[string]int       `json:"portBindings,omitempty"`
	ExitCode  *int                 `json:"exitCode,omitempty"`
}

// Tracker applies state updates with a per-server monotonic timestamp gate
// and notifies observers exactly once per accepted transition.
type Tracker struct {
	mu      sync.Mutex
	servers map[string]ServerStatus

	hub *events.Hub

	// onApply, when set, is called with the accepted status under the
	// tracker mutex, so invocations are ordered exactly as applies are
	// accepted (persistence hook). It must not call back into the tracker.
	onApply func(ServerStatus)

	staleDropped uint64
}

// NewTracker creates a tracker publishing transitions to hub.
// hub may be nil when no observers are wanted (agent-side bookkeeping).
func NewTracker(hub *events.Hub) *Tracker {
	return &Tracker{
		servers: make(map[string]ServerStatus),
		hub:     hub,
	}
}

// OnApply registers a hook invoked for every accepted update.
func (t *Tracker) OnApply(fn func(ServerStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onApply = fn
}

// Apply validates and applies one state update. It returns false when the
// update is stale (timestamp strictly earlier than the last applied one
// for that server). Stale updates are expected steady-state behavior under
// reconnects, not a fault, so the caller should drop them silently.
func (t *Tracker) Apply(u protocol.ServerStateUpdate) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, known := t.servers[u.ServerID]
	if known && u.Timestamp < prev.Timestamp {
		t.staleDropped++
		return false
	}

	st := ServerStatus{
		ServerID:  u.ServerID,
		State:     u.State,
		Timestamp: u.Timestamp,
		Reason:    u.Reason,
		Ports:     u.Ports,
		ExitCode:  u.ExitCode,
	}
	t.servers[u.ServerID] = st

	gauge := metrics.Get().ServersByState
	if known {
		gauge.WithLabelValues(string(prev.State)).Dec()
	}
	gauge.WithLabelValues(string(st.State)).Inc()

	// Hook and emit stay under the mutex: a concurrent apply for the
	// same server must not persist or publish an older accepted state
	// after a newer one. Publish is non-blocking, so holding the lock
	// across it is safe.
	if t.onApply != nil {
		t.onApply(st)
	}

	if t.hub != nil {
		data := events.ServerStateData{
			ServerID:  st.ServerID,
			State:     string(st.State),
			Timestamp: st.Timestamp,
			Reason:    st.Reason,
			ExitCode:  st.ExitCode,
			Ports:     st.Ports,
		}
		if known {
			data.Previous = string(prev.State)
		}
		t.hub.EmitServerState(data)
	}

	return true
}

// Seed loads statuses without notifying observers. Used at boot to restore
// the persisted view; seeded timestamps participate in the staleness gate.
func (t *Tracker) Seed(statuses []ServerStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range statuses {
		if cur, ok := t.servers[st.ServerID]; ok {
			if st.Timestamp < cur.Timestamp {
				continue
			}
			metrics.Get().ServersByState.WithLabelValues(string(cur.State)).Dec()
		}
		t.servers[st.ServerID] = st
		metrics.Get().ServersByState.WithLabelValues(string(st.State)).Inc()
	}
}

// Get returns the last accepted status for a server.
func (t *Tracker) Get(serverID string) (ServerStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.servers[serverID]
	return st, ok
}

// All returns a snapshot of every tracked server.
func (t *Tracker) All() []ServerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ServerStatus, 0, len(t.servers))
	for _, st := range t.servers {
		out = append(out, st)
	}
	return out
}

// StaleDropped returns how many updates the timestamp gate rejected.
func (t *Tracker) StaleDropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.staleDropped
}

// Forget removes a server from the tracked set (server deleted).
func (t *Tracker) Forget(serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.servers[serverID]; ok {
		metrics.Get().ServersByState.WithLabelValues(string(st.State)).Dec()
	}
	delete(t.servers, serverID)
}
