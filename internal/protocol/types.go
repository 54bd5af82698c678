// Package protocol defines the JSON message envelopes exchanged over the
// node control channel. One envelope per WebSocket frame, discriminated by
// the `type` field. The set of variants is closed: Decode switches
// exhaustively, so adding a message kind is a compile-checked change.
package protocol

import "time"

// Wire protocol versions. Version 1 encoded console input under a "data"
// key; version 2 renamed it to "input". The version is negotiated in the
// node handshake and both spellings are accepted on decode.
const (
	Version1 = 1
	Version2 = 2

	// CurrentVersion is what this build speaks by default.
	CurrentVersion = Version2
)

// ServerState is the lifecycle state of a server instance as reported by
// the owning node agent.
type ServerState string

const (
	StateStopped    ServerState = "stopped"
	StateInstalling ServerState = "installing"
	StateStarting   ServerState = "starting"
	StateRunning    ServerState = "running"
	StateStopping   ServerState = "stopping"
	StateCrashed    ServerState = "crashed"
	StateSuspended  ServerState = "suspended"
	StateError      ServerState = "error"
)

// Valid reports whether s is a known lifecycle state.
func (s ServerState) Valid() bool {
	switch s {
	case StateStopped, StateInstalling, StateStarting, StateRunning,
		StateStopping, StateCrashed, StateSuspended, StateError:
		return true
	}
	return false
}

// ControlAction is a lifecycle command issued against a server instance.
type ControlAction string

const (
	ActionStart   ControlAction = "start"
	ActionStop    ControlAction = "stop"
	ActionKill    ControlAction = "kill"
	ActionRestart ControlAction = "restart"
	ActionReboot  ControlAction = "reboot"
)

// Valid reports whether a is a known control action.
func (a ControlAction) Valid() bool {
	switch a {
	case ActionStart, ActionStop, ActionKill, ActionRestart, ActionReboot:
		return true
	}
	return false
}

// FileOpType is the kind of a correlated file operation.
type FileOpType string

const (
	FileOpRead       FileOpType = "read"
	FileOpWrite      FileOpType = "write"
	FileOpDelete     FileOpType = "delete"
	FileOpList       FileOpType = "list"
	FileOpCompress   FileOpType = "compress"
	FileOpDecompress FileOpType = "decompress"
)

// TokenType identifies the credential class presented in a node handshake.
type TokenType string

const (
	TokenSecret TokenType = "secret"  // node bootstrap token
	TokenAPIKey TokenType = "api_key" // panel-minted long-lived key
)

// Stream identifies which process stream a console chunk came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Millis converts t to the wire timestamp representation (Unix milliseconds).
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts a wire timestamp back to a time.Time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
