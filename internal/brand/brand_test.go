package brand

import (
	"strings"
	"testing"
)

func TestBrandLoaded(t *testing.T) {
	if Name == "" {
		t.Fatal("brand name not loaded from brand.json")
	}
	if LowerName != strings.ToLower(Name) {
		t.Errorf("lowerName %q does not match name %q", LowerName, Name)
	}
	if ConfigFileName == "" || DefaultConfigDir == "" {
		t.Error("config defaults missing")
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent("1.2.3")
	if !strings.HasPrefix(ua, Name+"/") {
		t.Errorf("unexpected user agent: %s", ua)
	}
	if UserAgent("") != Name+"/dev" {
		t.Errorf("empty version should fall back to dev")
	}
}

func TestGetStateDirEnvOverride(t *testing.T) {
	t.Setenv(ConfigEnvPrefix+"_STATE_DIR", "/tmp/kestrel-test-state")
	if got := GetStateDir(); got != "/tmp/kestrel-test-state" {
		t.Errorf("GetStateDir = %q, want env override", got)
	}
}
