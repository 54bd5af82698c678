package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// ConfigFile represents an HCL configuration file with preserved source,
// allowing round-trip editing without destroying comments and formatting.
type ConfigFile struct {
	Path     string
	Config   *Config
	hclFile  *hclwrite.File
	original []byte
}

// LoadConfigFile loads an HCL config file, preserving the original source.
func LoadConfigFile(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadConfigFromBytes(path, data)
}

// LoadConfigFromBytes parses config twice: once with hclwrite for
// comment-preserving edits, once into the Go struct for reading.
func LoadConfigFromBytes(filename string, data []byte) (*ConfigFile, error) {
	hclFile, diags := hclwrite.ParseConfig(data, filename, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL for writing: %s", diags.Error())
	}

	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	applyDefaults(&cfg)

	return &ConfigFile{
		Path:     filename,
		Config:   &cfg,
		hclFile:  hclFile,
		original: data,
	}, nil
}

// Save writes the preserved source back to disk, keeping a .bak of the
// previous contents.
func (cf *ConfigFile) Save() error {
	return cf.SaveTo(cf.Path)
}

// SaveTo writes the config to a specific path.
func (cf *ConfigFile) SaveTo(path string) error {
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, cf.hclFile.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Bytes returns the current serialized form.
func (cf *ConfigFile) Bytes() []byte {
	return cf.hclFile.Bytes()
}

// SetPanelAttr updates one attribute of the panel block in the preserved
// source, creating the block if absent.
func (cf *ConfigFile) SetPanelAttr(name string, val cty.Value) {
	setBlockAttr(cf.hclFile.Body(), "panel", nil, name, val)
}

// SetAgentAttr updates one attribute of the agent block.
func (cf *ConfigFile) SetAgentAttr(name string, val cty.Value) {
	setBlockAttr(cf.hclFile.Body(), "agent", nil, name, val)
}

func setBlockAttr(body *hclwrite.Body, typeName string, labels []string, attr string, val cty.Value) {
	block := body.FirstMatchingBlock(typeName, labels)
	if block == nil {
		block = body.AppendNewBlock(typeName, labels)
	}
	block.Body().SetAttributeValue(attr, val)
}

// Generate renders a Config into fresh HCL source. Used by the setup
// wizard and `kestrel token` when no file exists yet; loses nothing
// because there is no prior file to preserve.
func Generate(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	root := f.Body()

	root.SetAttributeValue("schema_version", cty.StringVal(cfg.SchemaVersion))
	if cfg.StateDir != "" {
		root.SetAttributeValue("state_dir", cty.StringVal(cfg.StateDir))
	}
	root.AppendNewline()

	if cfg.Log != nil {
		b := root.AppendNewBlock("log", nil).Body()
		if cfg.Log.Level != "" {
			b.SetAttributeValue("level", cty.StringVal(cfg.Log.Level))
		}
		if cfg.Log.JSON {
			b.SetAttributeValue("json", cty.True)
		}
		if cfg.Log.File != "" {
			b.SetAttributeValue("file", cty.StringVal(cfg.Log.File))
		}
		root.AppendNewline()
	}

	if cfg.Panel != nil {
		b := root.AppendNewBlock("panel", nil).Body()
		b.SetAttributeValue("listen", cty.StringVal(cfg.Panel.Listen))
		if cfg.Panel.MaxConnections > 0 {
			b.SetAttributeValue("max_connections", cty.NumberIntVal(int64(cfg.Panel.MaxConnections)))
		}
		if cfg.Panel.DBPath != "" {
			b.SetAttributeValue("db_path", cty.StringVal(cfg.Panel.DBPath))
		}
		if cfg.Panel.TokenFile != "" {
			b.SetAttributeValue("token_file", cty.StringVal(cfg.Panel.TokenFile))
		}
		if cfg.Panel.Dev {
			b.SetAttributeValue("dev", cty.True)
		}
		root.AppendNewline()
	}

	if cfg.Agent != nil {
		b := root.AppendNewBlock("agent", nil).Body()
		b.SetAttributeValue("node_id", cty.StringVal(cfg.Agent.NodeID))
		b.SetAttributeValue("panel_url", cty.StringVal(cfg.Agent.PanelURL))
		b.SetAttributeValue("token", cty.StringVal(cfg.Agent.Token))
		if cfg.Agent.TokenType != "" {
			b.SetAttributeValue("token_type", cty.StringVal(cfg.Agent.TokenType))
		}
		if cfg.Agent.ChannelURL != "" {
			b.SetAttributeValue("channel_url", cty.StringVal(cfg.Agent.ChannelURL))
		}
		if cfg.Agent.DataDir != "" {
			b.SetAttributeValue("data_dir", cty.StringVal(cfg.Agent.DataDir))
		}
		if cfg.Agent.Dev {
			b.SetAttributeValue("dev", cty.True)
		}

		for _, srv := range cfg.Agent.Servers {
			b.AppendNewline()
			sb := b.AppendNewBlock("server", []string{srv.ID}).Body()
			if srv.Name != "" {
				sb.SetAttributeValue("name", cty.StringVal(srv.Name))
			}
			if srv.Template != "" {
				sb.SetAttributeValue("template", cty.StringVal(srv.Template))
			}
			if srv.Command != "" {
				sb.SetAttributeValue("command", cty.StringVal(srv.Command))
			}
			if len(srv.Ports) > 0 {
				sb.SetAttributeValue("ports", portsValue(srv.Ports))
			}
			if srv.AutoStart {
				sb.SetAttributeValue("auto_start", cty.True)
			}
			if srv.StopCommand != "" {
				sb.SetAttributeValue("stop_command", cty.StringVal(srv.StopCommand))
			}
		}
	}

	return hclwrite.Format(f.Bytes())
}

func portsValue(ports map[string]int) cty.Value {
	vals := make(map[string]cty.Value, len(ports))
	keys := make([]string, 0, len(ports))
	for k := range ports {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals[k] = cty.NumberIntVal(int64(ports[k]))
	}
	return cty.MapVal(vals)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}
