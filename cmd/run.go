package cmd

import (
	"fmt"
	"time"

	"kestrel.gg/kestrel/internal/agent"
	"kestrel.gg/kestrel/internal/panel"
)

// RunAll starts every role the config declares in one process: the
// single-box mode the setup wizard produces by default.
func RunAll(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if cfg.Panel == nil && cfg.Agent == nil {
		return fmt.Errorf("configuration declares neither a panel nor an agent block")
	}

	ctx, stop := signalContext()
	defer stop()

	errCh := make(chan error, 2)

	if cfg.Panel != nil {
		srv, err := panel.New(cfg.Panel)
		if err != nil {
			return fmt.Errorf("failed to start panel: %w", err)
		}
		go func() { errCh <- srv.Start(ctx) }()
	}

	if cfg.Agent != nil {
		a, err := agent.New(cfg.Agent)
		if err != nil {
			return fmt.Errorf("failed to start agent: %w", err)
		}
		if cfg.Panel != nil {
			// Colocated: let the panel's listener come up before the
			// agent's first dial so the log isn't a retry storm.
			time.Sleep(200 * time.Millisecond)
		}
		go func() { errCh <- a.Run(ctx) }()
	}

	select {
	case err := <-errCh:
		stop()
		return err
	case <-ctx.Done():
		// Give the components a moment to wind down.
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			return nil
		}
	}
}
