package setup

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel.gg/kestrel/internal/config"
)

func TestBuildConfigBoth(t *testing.T) {
	cfg := BuildConfig(Answers{
		Role:      "both",
		Listen:    ":8090",
		NodeID:    "node-1",
		Token:     "kn_deadbeef",
		AddServer: true,
		ServerID:  "survival",
		Template:  "minecraft-vanilla",
		AutoStart: true,
	})

	require.NotNil(t, cfg.Panel)
	require.NotNil(t, cfg.Agent)
	assert.Equal(t, ":8090", cfg.Panel.Listen)

	// A colocated agent defaults to the local panel.
	assert.Equal(t, "http://127.0.0.1:8090", cfg.Agent.PanelURL)

	require.Len(t, cfg.Agent.Servers, 1)
	srv := cfg.Agent.Servers[0]
	assert.Equal(t, "survival", srv.ID)
	assert.Equal(t, "minecraft-vanilla", srv.Template)
	assert.True(t, srv.AutoStart)

	errs := cfg.Validate()
	assert.False(t, errs.HasErrors(), errs.Error())
}

func TestBuildConfigPanelOnly(t *testing.T) {
	cfg := BuildConfig(Answers{Role: "panel", Listen: ":8090"})
	require.NotNil(t, cfg.Panel)
	assert.Nil(t, cfg.Agent)
}

func TestBuildConfigAgentOnly(t *testing.T) {
	cfg := BuildConfig(Answers{
		Role:     "agent",
		NodeID:   "node-1",
		PanelURL: "https://panel.example.com",
		Token:    "kn_deadbeef",
	})
	assert.Nil(t, cfg.Panel)
	require.NotNil(t, cfg.Agent)
	assert.Equal(t, "https://panel.example.com", cfg.Agent.PanelURL)
}

func TestWizardWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.hcl")
	w := NewWizard(path)
	assert.True(t, w.NeedsSetup())

	cfg := BuildConfig(Answers{
		Role:      "both",
		Listen:    ":8090",
		NodeID:    "node-1",
		Token:     "kn_deadbeef",
		AddServer: true,
		ServerID:  "survival",
		Template:  "minecraft-vanilla",
	})
	require.NoError(t, w.Write(cfg))
	assert.False(t, w.NeedsSetup())

	loaded, err := config.LoadFile(path)
	require.NoError(t, err)
	require.NotNil(t, loaded.Agent)
	assert.Equal(t, "node-1", loaded.Agent.NodeID)
	require.Len(t, loaded.Agent.Servers, 1)
	assert.Equal(t, "survival", loaded.Agent.Servers[0].ID)
}

func TestValidators(t *testing.T) {
	assert.NoError(t, validateListen(":8090"))
	assert.NoError(t, validateListen("127.0.0.1:8090"))
	assert.Error(t, validateListen(""))
	assert.Error(t, validateListen("8090"))

	assert.NoError(t, validateNodeID("node-1"))
	assert.Error(t, validateNodeID(""))
	assert.Error(t, validateNodeID("Node One"))
}

func TestSanitizeID(t *testing.T) {
	assert.Equal(t, "mc-host-01", sanitizeID("MC-Host-01"))
	assert.Equal(t, "host-example-com", sanitizeID("host.example.com"))
	assert.Equal(t, "node-1", sanitizeID("???"))
}
