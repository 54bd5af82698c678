package cmd

import (
	"fmt"

	"kestrel.gg/kestrel/internal/agent"
)

// RunAgent starts the node agent and blocks until shutdown.
func RunAgent(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if cfg.Agent == nil {
		return fmt.Errorf("configuration has no agent block")
	}

	a, err := agent.New(cfg.Agent)
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()
	return a.Run(ctx)
}
