// Package events provides a unified pub/sub event bus for the panel.
// Everything the UI channel fans out (state transitions, console output,
// node connectivity, health) flows through this hub.
package events

import "time"

// EventType identifies the category of event.
type EventType string

// Event types for all control-plane sources.
const (
	// Server lifecycle events
	EventServerState EventType = "server.state"

	// Console stream events
	EventConsoleOutput EventType = "console.output"

	// Node connectivity events
	EventNodeConnected    EventType = "node.connected"
	EventNodeDisconnected EventType = "node.disconnected"
	EventNodeHealth       EventType = "node.health"
)

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"` // Component that emitted: "tracker", "nodes", etc.
	Data      interface{} `json:"data"`   // Type-specific payload
}

// ServerStateData is the payload for EventServerState.
type ServerStateData struct {
	ServerID  string         `json:"serverId"`
	State     string         `json:"state"`
	Previous  string         `json:"previous,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Reason    string         `json:"reason,omitempty"`
	ExitCode  *int           `json:"exitCode,omitempty"`
	Ports     map[string]int `json:"portBindings,omitempty"`
}

// ConsoleOutputData is the payload for EventConsoleOutput.
type ConsoleOutputData struct {
	ServerID  string `json:"serverId"`
	Timestamp int64  `json:"timestamp"`
	Stream    string `json:"stream"` // "stdout" | "stderr"
	Data      string `json:"data"`
}

// NodeData is the payload for node connectivity events.
type NodeData struct {
	NodeID  string `json:"nodeId"`
	Address string `json:"address,omitempty"`
	Health  string `json:"health,omitempty"`
}
