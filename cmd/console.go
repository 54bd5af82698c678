package cmd

import (
	"fmt"

	"kestrel.gg/kestrel/internal/tui"
)

// RunConsole opens the interactive console against a panel. With no
// explicit URL it falls back to the panel address in the local config.
func RunConsole(panelURL, configFile string) error {
	if panelURL == "" {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return fmt.Errorf("no --panel URL given and no local config: %w", err)
		}
		switch {
		case cfg.Agent != nil && cfg.Agent.PanelURL != "":
			panelURL = cfg.Agent.PanelURL
		case cfg.Panel != nil:
			listen := cfg.Panel.Listen
			if len(listen) > 0 && listen[0] == ':' {
				listen = "127.0.0.1" + listen
			}
			panelURL = "http://" + listen
		default:
			return fmt.Errorf("no --panel URL given and the config names no panel")
		}
	}
	return tui.Run(panelURL)
}
