// Package cmd holds the subcommand implementations behind the kestrel
// binary's dispatch in main.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"kestrel.gg/kestrel/internal/config"
	"kestrel.gg/kestrel/internal/logging"
)

// loadConfig loads the config (explicit path, env var, or default
// locations) and applies its logging settings globally.
func loadConfig(configFile string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load("")
	}
	if err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, fmt.Errorf("invalid configuration:\n%s", errs.Error())
	}
	for _, e := range cfg.Validate() {
		if e.Severity == "warning" {
			fmt.Fprintf(os.Stderr, "warning: %s: %s\n", e.Field, e.Message)
		}
	}

	applyLogConfig(cfg.Log)
	return cfg, nil
}

func applyLogConfig(lc *config.LogConfig) {
	logCfg := logging.DefaultConfig()
	if lc != nil {
		switch lc.Level {
		case "debug":
			logCfg.Level = logging.LevelDebug
		case "warn":
			logCfg.Level = logging.LevelWarn
		case "error":
			logCfg.Level = logging.LevelError
		}
		logCfg.JSON = lc.JSON
		if lc.File != "" {
			if f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				logCfg.Output = teeWriter{os.Stderr, f}
			}
		}
	}
	logging.SetDefault(logging.New(logCfg))
}

type teeWriter [2]*os.File

func (t teeWriter) Write(p []byte) (int, error) {
	t[1].Write(p)
	return t[0].Write(p)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
