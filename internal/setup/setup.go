// Package setup is the first-run wizard: it interviews the operator and
// writes an initial HCL config for the panel, the agent, or both.
package setup

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"

	"kestrel.gg/kestrel/internal/brand"
	"kestrel.gg/kestrel/internal/config"
	"kestrel.gg/kestrel/internal/logging"
)

// Answers collects everything the wizard asks.
type Answers struct {
	Role string // "panel", "agent", "both"

	// Panel
	Listen string
	Dev    bool

	// Agent
	NodeID   string
	PanelURL string
	Token    string

	// First server (optional)
	AddServer bool
	ServerID  string
	Template  string
	AutoStart bool
}

// Wizard drives the interactive first-run flow.
type Wizard struct {
	configPath string
	logger     *logging.Logger
}

func NewWizard(configPath string) *Wizard {
	if configPath == "" {
		configPath = brand.ConfigFilePath()
	}
	return &Wizard{
		configPath: configPath,
		logger:     logging.WithComponent("setup"),
	}
}

// ConfigPath returns where the wizard will write.
func (w *Wizard) ConfigPath() string { return w.configPath }

// NeedsSetup reports whether no config exists yet.
func (w *Wizard) NeedsSetup() bool {
	_, err := os.Stat(w.configPath)
	return os.IsNotExist(err)
}

// Run interviews the operator and writes the config file.
func (w *Wizard) Run() error {
	ans := Answers{
		Role:      "both",
		Listen:    ":8090",
		AutoStart: true,
	}
	if host, err := os.Hostname(); err == nil {
		ans.NodeID = sanitizeID(host)
	}

	if err := w.form(&ans).Run(); err != nil {
		return err
	}

	cfg := BuildConfig(ans)
	if errs := cfg.Validate(); errs.HasErrors() {
		return fmt.Errorf("answers produce an invalid config: %s", errs.Error())
	}
	if err := w.Write(cfg); err != nil {
		return err
	}

	w.logger.Info("config written", "path", w.configPath)
	return nil
}

func (w *Wizard) form(ans *Answers) *huh.Form {
	templates := config.BuiltinTemplates()
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)

	templateOpts := make([]huh.Option[string], 0, len(names))
	for _, name := range names {
		templateOpts = append(templateOpts, huh.NewOption(templates[name].DisplayName, name))
	}

	wantsPanel := func() bool { return ans.Role != "agent" }
	wantsAgent := func() bool { return ans.Role != "panel" }

	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("What should this machine run?").
				Options(
					huh.NewOption("Panel and agent (single box)", "both"),
					huh.NewOption("Panel only", "panel"),
					huh.NewOption("Agent only", "agent"),
				).
				Value(&ans.Role),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Panel listen address").
				Description("host:port, e.g. :8090").
				Value(&ans.Listen).
				Validate(validateListen),
			huh.NewConfirm().
				Title("Development mode?").
				Description("Relaxes websocket origin checks. Never in production.").
				Value(&ans.Dev),
		).WithHideFunc(func() bool { return !wantsPanel() }),
		huh.NewGroup(
			huh.NewInput().
				Title("Node ID").
				Description("Identifies this node to the panel.").
				Value(&ans.NodeID).
				Validate(validateNodeID),
			huh.NewInput().
				Title("Panel URL").
				Description("e.g. https://panel.example.com").
				Value(&ans.PanelURL),
			huh.NewInput().
				Title("Node token").
				Description("Mint one on the panel: kestrel token mint --node <id>").
				EchoMode(huh.EchoModePassword).
				Value(&ans.Token),
			huh.NewConfirm().
				Title("Add a first game server?").
				Value(&ans.AddServer),
		).WithHideFunc(func() bool { return !wantsAgent() }),
		huh.NewGroup(
			huh.NewInput().
				Title("Server ID").
				Description("Lowercase letters, digits, - and _").
				Value(&ans.ServerID).
				Validate(validateNodeID),
			huh.NewSelect[string]().
				Title("Server template").
				Options(templateOpts...).
				Value(&ans.Template),
			huh.NewConfirm().
				Title("Start it when the agent boots?").
				Value(&ans.AutoStart),
		).WithHideFunc(func() bool { return !wantsAgent() || !ans.AddServer }),
	).WithTheme(huh.ThemeBase16())
}

// BuildConfig turns answers into a config tree.
func BuildConfig(ans Answers) *config.Config {
	cfg := &config.Config{
		SchemaVersion: config.CurrentSchemaVersion,
		Log:           &config.LogConfig{Level: "info"},
	}

	if ans.Role != "agent" {
		cfg.Panel = &config.PanelConfig{
			Listen: ans.Listen,
			Dev:    ans.Dev,
		}
	}
	if ans.Role != "panel" {
		agent := &config.AgentConfig{
			NodeID:   ans.NodeID,
			PanelURL: ans.PanelURL,
			Token:    ans.Token,
		}
		if ans.Role == "both" && agent.PanelURL == "" {
			listen := ans.Listen
			if strings.HasPrefix(listen, ":") {
				listen = "127.0.0.1" + listen
			}
			agent.PanelURL = "http://" + listen
		}
		if ans.AddServer && ans.ServerID != "" {
			agent.Servers = []config.ServerConfig{{
				ID:        ans.ServerID,
				Template:  ans.Template,
				AutoStart: ans.AutoStart,
			}}
		}
		cfg.Agent = agent
	}
	return cfg
}

// Write renders the config as HCL and writes it, creating the directory.
func (w *Wizard) Write(cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(w.configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	tmp := w.configPath + ".tmp"
	if err := os.WriteFile(tmp, config.Generate(cfg), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return os.Rename(tmp, w.configPath)
}

func validateListen(s string) error {
	if s == "" {
		return fmt.Errorf("listen address required")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("must be host:port")
	}
	return nil
}

func validateNodeID(s string) error {
	if s == "" {
		return fmt.Errorf("required")
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("only lowercase letters, digits, - and _")
		}
	}
	return nil
}

// sanitizeID lowercases and strips a hostname into a valid ID.
func sanitizeID(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == '.':
			b.WriteRune('-')
		}
	}
	out := b.String()
	if out == "" {
		out = "node-1"
	}
	return out
}
