package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the envelope discriminator carried in the `type` field.
type Type string

const (
	TypeServerControl         Type = "server_control"
	TypeConsoleInput          Type = "console_input"
	TypeConsoleOutput         Type = "console_output"
	TypeFileOperation         Type = "file_operation"
	TypeFileOperationResponse Type = "file_operation_response"
	TypeServerStateUpdate     Type = "server_state_update"
	TypeHealthReport          Type = "health_report"
	TypeNodeHandshake         Type = "node_handshake"
	TypeNodeHandshakeResponse Type = "node_handshake_response"
	TypeSubscribe             Type = "subscribe"
	TypeUnsubscribe           Type = "unsubscribe"
)

var (
	// ErrMalformed indicates a frame that could not be parsed at all.
	ErrMalformed = errors.New("malformed envelope")

	// ErrUnknownType indicates a well-formed frame with an unrecognized
	// discriminator. Protocol-level, never fatal to the session.
	ErrUnknownType = errors.New("unknown envelope type")
)

// Envelope is the closed union of all message variants.
// Concrete payload types implement it; dispatch is a type switch.
type Envelope interface {
	EnvelopeType() Type
}

// ServerControl carries a lifecycle command toward a node agent.
type ServerControl struct {
	Action   ControlAction `json:"action"`
	ServerID string        `json:"serverId"`
}

// ConsoleInput carries a line of operator input for a server's stdin.
// On the wire the text lives under "input" (version 2) or "data"
// (version 1); both are accepted when decoding.
type ConsoleInput struct {
	ServerID string `json:"serverId"`
	Input    string `json:"input"`
}

// UnmarshalJSON accepts both the v1 ("data") and v2 ("input") field names.
func (c *ConsoleInput) UnmarshalJSON(b []byte) error {
	var raw struct {
		ServerID string `json:"serverId"`
		Input    string `json:"input"`
		Data     string `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	c.ServerID = raw.ServerID
	c.Input = raw.Input
	if c.Input == "" {
		c.Input = raw.Data
	}
	return nil
}

// ConsoleOutput carries a chunk of server console output.
type ConsoleOutput struct {
	ServerID  string `json:"serverId"`
	Timestamp int64  `json:"timestamp"`
	Data      string `json:"data"`
	Stream    Stream `json:"stream"`
}

// FileOpOptions carries optional parameters for file operations.
type FileOpOptions struct {
	// Destination is the target path for compress/decompress.
	Destination string `json:"destination,omitempty"`

	// CreateDirs makes write create missing parent directories.
	CreateDirs bool `json:"createDirs,omitempty"`
}

// FileOperation is a correlated request toward a node agent. The envelope
// discriminator already says "file_operation", so the operation kind
// travels under "op".
type FileOperation struct {
	RequestID string         `json:"requestId"`
	Op        FileOpType     `json:"op"`
	ServerID  string         `json:"serverId"`
	Path      string         `json:"path"`
	Data      []byte         `json:"data,omitempty"`
	Options   *FileOpOptions `json:"options,omitempty"`
}

// FileOperationResponse answers a FileOperation, echoing its requestId.
type FileOperationResponse struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// FileInfo is one entry in a "list" response payload.
type FileInfo struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Dir      bool   `json:"dir"`
	Mode     string `json:"mode"`
	Modified int64  `json:"modified"`
}

// ServerStateUpdate reports an authoritative lifecycle transition.
// Timestamps are Unix milliseconds and must be non-decreasing per server
// as observed by a single endpoint; stale updates are dropped.
type ServerStateUpdate struct {
	ServerID  string         `json:"serverId"`
	State     ServerState    `json:"state"`
	Timestamp int64          `json:"timestamp"`
	Reason    string         `json:"reason,omitempty"`
	Ports     map[string]int `json:"portBindings,omitempty"`
	ExitCode  *int           `json:"exitCode,omitempty"`
}

// HealthSnapshot is the body of a health report.
type HealthSnapshot struct {
	Status    string  `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSec int64   `json:"uptimeSec"`
	Servers   int     `json:"servers"`
	Running   int     `json:"running"`
	Load1     float64 `json:"load1,omitempty"`
	MemUsed   uint64  `json:"memUsedBytes,omitempty"`
	MemTotal  uint64  `json:"memTotalBytes,omitempty"`
	DiskUsed  uint64  `json:"diskUsedBytes,omitempty"`
	DiskTotal uint64  `json:"diskTotalBytes,omitempty"`
	LastError string  `json:"lastError,omitempty"`
}

// HealthReport is sent periodically by a node agent.
type HealthReport struct {
	NodeID    string         `json:"nodeId"`
	Health    HealthSnapshot `json:"health"`
	Timestamp int64          `json:"timestamp"`
}

// NodeHandshake must precede all other traffic on node-facing channels.
type NodeHandshake struct {
	Token     string    `json:"token"`
	NodeID    string    `json:"nodeId"`
	TokenType TokenType `json:"tokenType"`
	Protocol  int       `json:"protocol,omitempty"` // 0 means Version1
}

// NodeHandshakeResponse answers a NodeHandshake. Failure terminates the
// session. Cert/Key are PEM blocks issued for transport bootstrap.
type NodeHandshakeResponse struct {
	Success        bool   `json:"success"`
	Cert           string `json:"cert,omitempty"`
	Key            string `json:"key,omitempty"`
	BackendAddress string `json:"backendAddress,omitempty"`
	Protocol       int    `json:"protocol,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Subscribe registers interest in one server's events.
// Duplicate subscribes are no-ops on the remote side.
type Subscribe struct {
	ServerID string `json:"serverId"`
}

// Unsubscribe withdraws interest in one server's events.
type Unsubscribe struct {
	ServerID string `json:"serverId"`
}

func (ServerControl) EnvelopeType() Type         { return TypeServerControl }
func (ConsoleInput) EnvelopeType() Type          { return TypeConsoleInput }
func (ConsoleOutput) EnvelopeType() Type         { return TypeConsoleOutput }
func (FileOperation) EnvelopeType() Type         { return TypeFileOperation }
func (FileOperationResponse) EnvelopeType() Type { return TypeFileOperationResponse }
func (ServerStateUpdate) EnvelopeType() Type     { return TypeServerStateUpdate }
func (HealthReport) EnvelopeType() Type          { return TypeHealthReport }
func (NodeHandshake) EnvelopeType() Type         { return TypeNodeHandshake }
func (NodeHandshakeResponse) EnvelopeType() Type { return TypeNodeHandshakeResponse }
func (Subscribe) EnvelopeType() Type             { return TypeSubscribe }
func (Unsubscribe) EnvelopeType() Type           { return TypeUnsubscribe }

// Encode serializes an envelope at the current protocol version.
func Encode(e Envelope) ([]byte, error) {
	return EncodeVersion(e, CurrentVersion)
}

// EncodeVersion serializes an envelope as a single flat JSON object with
// the discriminator merged in. The version only affects the console-input
// field spelling.
func EncodeVersion(e Envelope, version int) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}

	if _, ok := e.(ConsoleInput); ok && version <= Version1 {
		if v, present := m["input"]; present {
			m["data"] = v
			delete(m, "input")
		}
	}

	m["type"], _ = json.Marshal(e.EnvelopeType())
	return json.Marshal(m)
}

// Decode parses a frame into its concrete envelope variant.
func Decode(data []byte) (Envelope, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch head.Type {
	case TypeServerControl:
		return decodeAs[ServerControl](data)
	case TypeConsoleInput:
		return decodeAs[ConsoleInput](data)
	case TypeConsoleOutput:
		return decodeAs[ConsoleOutput](data)
	case TypeFileOperation:
		return decodeAs[FileOperation](data)
	case TypeFileOperationResponse:
		return decodeAs[FileOperationResponse](data)
	case TypeServerStateUpdate:
		return decodeAs[ServerStateUpdate](data)
	case TypeHealthReport:
		return decodeAs[HealthReport](data)
	case TypeNodeHandshake:
		return decodeAs[NodeHandshake](data)
	case TypeNodeHandshakeResponse:
		return decodeAs[NodeHandshakeResponse](data)
	case TypeSubscribe:
		return decodeAs[Subscribe](data)
	case TypeUnsubscribe:
		return decodeAs[Unsubscribe](data)
	case "":
		return nil, fmt.Errorf("%w: missing type field", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

func decodeAs[T Envelope](data []byte) (Envelope, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}
