package cmd

import (
	"fmt"

	"kestrel.gg/kestrel/internal/panel"
)

// RunPanel starts the management panel and blocks until shutdown.
func RunPanel(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if cfg.Panel == nil {
		return fmt.Errorf("configuration has no panel block")
	}

	srv, err := panel.New(cfg.Panel)
	if err != nil {
		return fmt.Errorf("failed to start panel: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()
	return srv.Start(ctx)
}
