// Package config provides HCL configuration handling with comment
// preservation for the panel and agent daemons.
package config

import (
	"time"

	"kestrel.gg/kestrel/internal/protocol"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level structure for a kestrel configuration file.
// A single file can carry both a panel and an agent block; each daemon
// reads only its own.
type Config struct {
	// Schema version for backward compatibility. Empty means "1.0".
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	Panel *PanelConfig `hcl:"panel,block" json:"panel,omitempty"`
	Agent *AgentConfig `hcl:"agent,block" json:"agent,omitempty"`

	// Log settings shared by both daemons.
	Log *LogConfig `hcl:"log,block" json:"log,omitempty"`

	// State directory (overrides default /var/lib/kestrel).
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`
}

// PanelConfig configures the management panel daemon.
type PanelConfig struct {
	// Listen is the HTTP bind address, e.g. ":8443" or "127.0.0.1:8080".
	Listen string `hcl:"listen,optional" json:"listen"`

	// MaxConnections caps concurrent HTTP connections. 0 means unlimited.
	MaxConnections int `hcl:"max_connections,optional" json:"max_connections,omitempty"`

	// DBPath is the sqlite database file. Empty means <state_dir>/panel.db.
	DBPath string `hcl:"db_path,optional" json:"db_path,omitempty"`

	// TokenFile stores hashed node credentials. Empty means
	// <state_dir>/node_tokens.json.
	TokenFile string `hcl:"token_file,optional" json:"token_file,omitempty"`

	// CertDir holds certificates minted for nodes during handshake.
	CertDir string `hcl:"cert_dir,optional" json:"cert_dir,omitempty"`

	// Dev relaxes origin checks and rewrites loopback hostnames.
	Dev bool `hcl:"dev,optional" json:"dev,omitempty"`

	// ProbeIntervalSeconds is how often node liveness is probed.
	// 0 disables probing.
	ProbeIntervalSeconds int `hcl:"probe_interval_seconds,optional" json:"probe_interval_seconds,omitempty"`
}

// AgentConfig configures the node agent daemon.
type AgentConfig struct {
	// NodeID identifies this node to the panel.
	NodeID string `hcl:"node_id" json:"node_id"`

	// PanelURL is the panel API base, e.g. "https://panel.example.com".
	PanelURL string `hcl:"panel_url" json:"panel_url"`

	// ChannelURL, when set, overrides the control-channel URL derived
	// from PanelURL.
	ChannelURL string `hcl:"channel_url,optional" json:"channel_url,omitempty"`

	// Token authenticates the node. TokenType selects the credential
	// class: "secret" (bootstrap) or "api_key".
	Token     string `hcl:"token" json:"token"`
	TokenType string `hcl:"token_type,optional" json:"token_type,omitempty"`

	// DataDir is the root under which server instance directories live.
	// Empty means <state_dir>/servers.
	DataDir string `hcl:"data_dir,optional" json:"data_dir,omitempty"`

	// TemplateFile points at the YAML server template catalog.
	TemplateFile string `hcl:"template_file,optional" json:"template_file,omitempty"`

	// Reconnect tuning. Zero values take the built-in defaults
	// (5 attempts, 1000ms base delay).
	MaxReconnectAttempts  int `hcl:"max_reconnect_attempts,optional" json:"max_reconnect_attempts,omitempty"`
	ReconnectBaseDelayMS  int `hcl:"reconnect_base_delay_ms,optional" json:"reconnect_base_delay_ms,omitempty"`
	RequestTimeoutSeconds int `hcl:"request_timeout_seconds,optional" json:"request_timeout_seconds,omitempty"`

	// HealthIntervalSeconds is the health report cadence. 0 means 30s.
	HealthIntervalSeconds int `hcl:"health_interval_seconds,optional" json:"health_interval_seconds,omitempty"`

	// Dev rewrites localhost panel URLs to 127.0.0.1 before dialing.
	Dev bool `hcl:"dev,optional" json:"dev,omitempty"`

	Servers []ServerConfig `hcl:"server,block" json:"servers,omitempty"`
}

// ServerConfig declares one managed game-server instance.
type ServerConfig struct {
	ID   string `hcl:"id,label" json:"id"`
	Name string `hcl:"name,optional" json:"name,omitempty"`

	// Template names an entry in the template catalog. When set, the
	// template supplies defaults for command, install and ports.
	Template string `hcl:"template,optional" json:"template,omitempty"`

	// Command is the start command line. Overrides the template's.
	Command string `hcl:"command,optional" json:"command,omitempty"`

	// WorkDir overrides the default <data_dir>/<id> instance directory.
	WorkDir string `hcl:"work_dir,optional" json:"work_dir,omitempty"`

	Env map[string]string `hcl:"env,optional" json:"env,omitempty"`

	// Ports maps a binding name ("game", "query", "rcon") to a port.
	Ports map[string]int `hcl:"ports,optional" json:"ports,omitempty"`

	// AutoStart launches the server when the agent comes up.
	AutoStart bool `hcl:"auto_start,optional" json:"auto_start,omitempty"`

	// StopCommand is written to stdin on graceful stop ("stop" for
	// minecraft-likes). Empty means SIGTERM.
	StopCommand string `hcl:"stop_command,optional" json:"stop_command,omitempty"`

	// StopTimeoutSeconds bounds graceful stop before escalation to kill.
	// 0 means 30s.
	StopTimeoutSeconds int `hcl:"stop_timeout_seconds,optional" json:"stop_timeout_seconds,omitempty"`
}

// LogConfig configures structured logging for either daemon.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `hcl:"level,optional" json:"level,omitempty"`

	// JSON switches the console handler to JSON lines.
	JSON bool `hcl:"json,optional" json:"json,omitempty"`

	// File, when set, appends logs there in addition to stderr.
	File string `hcl:"file,optional" json:"file,omitempty"`
}

// ReconnectBaseDelay returns the configured backoff unit.
func (a *AgentConfig) ReconnectBaseDelay() time.Duration {
	if a.ReconnectBaseDelayMS <= 0 {
		return 0
	}
	return time.Duration(a.ReconnectBaseDelayMS) * time.Millisecond
}

// RequestTimeout returns the configured correlated-request deadline.
func (a *AgentConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// HealthInterval returns the health report cadence.
func (a *AgentConfig) HealthInterval() time.Duration {
	if a.HealthIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.HealthIntervalSeconds) * time.Second
}

// CredentialType maps the configured token_type string onto the protocol
// constant, defaulting to the bootstrap secret.
func (a *AgentConfig) CredentialType() protocol.TokenType {
	if a.TokenType == string(protocol.TokenAPIKey) {
		return protocol.TokenAPIKey
	}
	return protocol.TokenSecret
}

// StopTimeout returns the graceful-stop bound for one server.
func (s *ServerConfig) StopTimeout() time.Duration {
	if s.StopTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.StopTimeoutSeconds) * time.Second
}

// Default returns a minimal panel-only configuration.
func Default() *Config {
	return &Config{
		SchemaVersion: CurrentSchemaVersion,
		Panel: &PanelConfig{
			Listen: ":8090",
		},
		Log: &LogConfig{Level: "info"},
	}
}
