package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Hub is the central event bus for the panel.
// It provides pub/sub semantics with typed events and non-blocking fan-out.
type Hub struct {
	mu   sync.RWMutex
	subs map[EventType][]chan Event

	// Global subscribers receive all events
	global []chan Event

	// Metrics. Atomic: Publish only holds the read lock, and
	// concurrent publishers are the normal case.
	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[EventType][]chan Event),
	}
}

// Publish sends an event to all subscribers of that event type.
// This is non-blocking - if a subscriber's channel is full, the event is dropped.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.published.Add(1)

	for _, ch := range h.subs[e.Type] {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}

	for _, ch := range h.global {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// PublishAsync sends an event in a goroutine (fire-and-forget).
func (h *Hub) PublishAsync(e Event) {
	go h.Publish(e)
}

// Subscribe returns a channel that receives events of the specified types.
// If no types are specified, subscribes to all events.
// The caller is responsible for draining the channel to avoid drops.
func (h *Hub) Subscribe(bufSize int, types ...EventType) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(types) == 0 {
		h.global = append(h.global, ch)
	} else {
		for _, t := range types {
			h.subs[t] = append(h.subs[t], ch)
		}
	}

	return ch
}

// Unsubscribe removes a channel from all subscriptions.
// The channel is NOT closed by this method.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = removeFromSlice(h.global, ch)

	for t, subs := range h.subs {
		h.subs[t] = removeFromSlice(subs, ch)
	}
}

// Stats returns publish/drop counts for monitoring.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

func removeFromSlice(slice []chan Event, target <-chan Event) []chan Event {
	result := make([]chan Event, 0, len(slice))
	for _, ch := range slice {
		if ch != target {
			result = append(result, ch)
		}
	}
	return result
}

// ──────────────────────────────────────────────────────────────────────────────
// Convenience Methods
// ──────────────────────────────────────────────────────────────────────────────

// EmitServerState publishes a server state transition event.
func (h *Hub) EmitServerState(d ServerStateData) {
	h.Publish(Event{
		Type:   EventServerState,
		Source: "tracker",
		Data:   d,
	})
}

// EmitConsoleOutput publishes a console output chunk.
func (h *Hub) EmitConsoleOutput(d ConsoleOutputData) {
	h.Publish(Event{
		Type:   EventConsoleOutput,
		Source: "nodes",
		Data:   d,
	})
}

// EmitNodeConnected publishes a node connect event.
func (h *Hub) EmitNodeConnected(nodeID, addr string) {
	h.Publish(Event{
		Type:   EventNodeConnected,
		Source: "nodes",
		Data:   NodeData{NodeID: nodeID, Address: addr},
	})
}

// EmitNodeDisconnected publishes a node disconnect event.
func (h *Hub) EmitNodeDisconnected(nodeID string) {
	h.Publish(Event{
		Type:   EventNodeDisconnected,
		Source: "nodes",
		Data:   NodeData{NodeID: nodeID},
	})
}
