package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"kestrel.gg/kestrel/internal/brand"
)

// LoadFile loads a config file, dispatching on extension. Files without
// a recognized extension are tried as HCL first, then JSON.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".hcl":
		return LoadHCL(data, path)
	case ".json":
		return LoadJSON(data)
	default:
		cfg, err := LoadHCL(data, path)
		if err != nil {
			return LoadJSON(data)
		}
		return cfg, nil
	}
}

// LoadHCL decodes config from HCL bytes.
func LoadHCL(data []byte, filename string) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadJSON decodes config from JSON bytes. JSON is accepted so generated
// or API-supplied configs do not have to round-trip through HCL.
func LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Load finds and loads the configuration: explicit path if given,
// otherwise $KESTREL_CONFIG, otherwise the branded default location.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(brand.ConfigEnvPrefix + "_CONFIG")
	}
	if path == "" {
		path = brand.ConfigFilePath()
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = CurrentSchemaVersion
	}
	if cfg.StateDir == "" {
		cfg.StateDir = brand.GetStateDir()
	}
	if cfg.Panel != nil {
		if cfg.Panel.Listen == "" {
			cfg.Panel.Listen = ":8090"
		}
		if cfg.Panel.DBPath == "" {
			cfg.Panel.DBPath = filepath.Join(cfg.StateDir, "panel.db")
		}
		if cfg.Panel.TokenFile == "" {
			cfg.Panel.TokenFile = filepath.Join(cfg.StateDir, "node_tokens.json")
		}
		if cfg.Panel.CertDir == "" {
			cfg.Panel.CertDir = filepath.Join(cfg.StateDir, "certs")
		}
	}
	if cfg.Agent != nil {
		if cfg.Agent.DataDir == "" {
			cfg.Agent.DataDir = filepath.Join(cfg.StateDir, "servers")
		}
	}
}

// applyEnvOverrides lets secrets stay out of the config file. Only the
// handful of operationally useful knobs are overridable.
func applyEnvOverrides(cfg *Config) {
	if cfg.Agent != nil {
		if v := os.Getenv(brand.ConfigEnvPrefix + "_NODE_TOKEN"); v != "" {
			cfg.Agent.Token = v
		}
		if v := os.Getenv(brand.ConfigEnvPrefix + "_PANEL_URL"); v != "" {
			cfg.Agent.PanelURL = v
		}
	}
	if cfg.Panel != nil {
		if v := os.Getenv(brand.ConfigEnvPrefix + "_LISTEN"); v != "" {
			cfg.Panel.Listen = v
		}
	}
	if v := os.Getenv(brand.ConfigEnvPrefix + "_LOG_LEVEL"); v != "" {
		if cfg.Log == nil {
			cfg.Log = &LogConfig{}
		}
		cfg.Log.Level = v
	}
}
