package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

const commentedHCL = `# Managed by ops. Keep the listen port in sync with the LB.
panel {
  listen = "127.0.0.1:8090"
}
`

func TestConfigFileRoundTripPreservesComments(t *testing.T) {
	cf, err := LoadConfigFromBytes("kestrel.hcl", []byte(commentedHCL))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8090", cf.Config.Panel.Listen)

	cf.SetPanelAttr("max_connections", cty.NumberIntVal(256))

	out := string(cf.Bytes())
	assert.Contains(t, out, "# Managed by ops.", "comments must survive edits")
	assert.Contains(t, out, "max_connections")
}

func TestConfigFileSaveCreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kestrel.hcl")
	require.NoError(t, os.WriteFile(path, []byte(commentedHCL), 0o600))

	cf, err := LoadConfigFile(path)
	require.NoError(t, err)
	cf.SetPanelAttr("dev", cty.True)
	require.NoError(t, cf.Save())

	backup, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Equal(t, commentedHCL, string(backup))

	// Saved file reloads cleanly.
	reloaded, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.True(t, reloaded.Config.Panel.Dev)
}

func TestGenerateRoundTrips(t *testing.T) {
	cfg := &Config{
		SchemaVersion: CurrentSchemaVersion,
		Log:           &LogConfig{Level: "info"},
		Agent: &AgentConfig{
			NodeID:   "node-1",
			PanelURL: "https://panel.example.com",
			Token:    "tok",
			Servers: []ServerConfig{
				{
					ID:        "survival",
					Template:  "minecraft-vanilla",
					AutoStart: true,
					Ports:     map[string]int{"game": 25565},
				},
			},
		},
	}

	out := Generate(cfg)
	parsed, err := LoadHCL(out, "generated.hcl")
	require.NoError(t, err)

	require.NotNil(t, parsed.Agent)
	assert.Equal(t, "node-1", parsed.Agent.NodeID)
	require.Len(t, parsed.Agent.Servers, 1)
	assert.Equal(t, "survival", parsed.Agent.Servers[0].ID)
	assert.True(t, parsed.Agent.Servers[0].AutoStart)
	assert.Equal(t, 25565, parsed.Agent.Servers[0].Ports["game"])
}

func TestDiff(t *testing.T) {
	before := Default()
	after := Default()
	after.Panel.Listen = ":9000"

	out, err := DiffConfigs(before, after)
	require.NoError(t, err)
	assert.Contains(t, out, `-  listen = ":8090"`)
	assert.Contains(t, out, `+  listen = ":9000"`)

	// Identical configs diff to nothing.
	out, err = DiffConfigs(before, before)
	require.NoError(t, err)
	assert.Empty(t, out)
}
