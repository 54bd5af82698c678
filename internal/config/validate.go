package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field    string
	Message  string
	Severity string // "error" (default), "warning"
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors reports whether any entry has error severity.
func (e ValidationErrors) HasErrors() bool {
	for _, err := range e {
		if err.Severity != "warning" {
			return true
		}
	}
	return false
}

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// Validate checks the entire configuration.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Panel == nil && c.Agent == nil {
		errs = append(errs, ValidationError{
			Field:   "config",
			Message: "neither panel nor agent block is present; nothing to run",
		})
	}
	if c.Panel != nil {
		errs = append(errs, c.Panel.validate()...)
	}
	if c.Agent != nil {
		errs = append(errs, c.Agent.validate()...)
	}
	if c.Log != nil {
		switch c.Log.Level {
		case "", "debug", "info", "warn", "error":
		default:
			errs = append(errs, ValidationError{
				Field:   "log.level",
				Message: fmt.Sprintf("unknown level %q", c.Log.Level),
			})
		}
	}
	return errs
}

func (p *PanelConfig) validate() ValidationErrors {
	var errs ValidationErrors

	if p.Listen != "" {
		if _, _, err := net.SplitHostPort(p.Listen); err != nil {
			errs = append(errs, ValidationError{
				Field:   "panel.listen",
				Message: fmt.Sprintf("invalid listen address %q: %v", p.Listen, err),
			})
		}
	}
	if p.MaxConnections < 0 {
		errs = append(errs, ValidationError{
			Field:   "panel.max_connections",
			Message: "must not be negative",
		})
	}
	return errs
}

func (a *AgentConfig) validate() ValidationErrors {
	var errs ValidationErrors

	if a.NodeID == "" {
		errs = append(errs, ValidationError{Field: "agent.node_id", Message: "required"})
	} else if !idPattern.MatchString(a.NodeID) {
		errs = append(errs, ValidationError{
			Field:   "agent.node_id",
			Message: fmt.Sprintf("invalid node id %q: lowercase letters, digits, - and _ only", a.NodeID),
		})
	}

	if a.PanelURL == "" && a.ChannelURL == "" {
		errs = append(errs, ValidationError{
			Field:   "agent.panel_url",
			Message: "panel_url or channel_url is required",
		})
	}
	for field, raw := range map[string]string{
		"agent.panel_url":   a.PanelURL,
		"agent.channel_url": a.ChannelURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("invalid URL %q", raw),
			})
		}
	}

	if a.Token == "" {
		errs = append(errs, ValidationError{
			Field:    "agent.token",
			Message:  "no token configured; set it here or via the environment",
			Severity: "warning",
		})
	}
	switch a.TokenType {
	case "", "secret", "api_key":
	default:
		errs = append(errs, ValidationError{
			Field:   "agent.token_type",
			Message: fmt.Sprintf("unknown token type %q (want secret or api_key)", a.TokenType),
		})
	}

	if a.MaxReconnectAttempts < 0 {
		errs = append(errs, ValidationError{
			Field:   "agent.max_reconnect_attempts",
			Message: "must not be negative",
		})
	}
	if a.ReconnectBaseDelayMS < 0 {
		errs = append(errs, ValidationError{
			Field:   "agent.reconnect_base_delay_ms",
			Message: "must not be negative",
		})
	}

	seen := make(map[string]bool)
	for _, srv := range a.Servers {
		errs = append(errs, srv.validate(seen)...)
	}
	return errs
}

func (s *ServerConfig) validate(seen map[string]bool) ValidationErrors {
	var errs ValidationErrors
	field := fmt.Sprintf("agent.server.%s", s.ID)

	if !idPattern.MatchString(s.ID) {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid server id %q", s.ID),
		})
	}
	if seen[s.ID] {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: "duplicate server id",
		})
	}
	seen[s.ID] = true

	if s.Command == "" && s.Template == "" {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: "needs a command or a template",
		})
	}
	for name, port := range s.Ports {
		if port < 1 || port > 65535 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s.ports.%s", field, name),
				Message: fmt.Sprintf("port %d out of range", port),
			})
		}
	}
	return errs
}
