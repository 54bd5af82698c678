package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestConsoleHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf})

	logger.Info("node connected", "node", "n1")

	out := buf.String()
	if !strings.Contains(out, "[info]") {
		t.Errorf("missing level tag: %q", out)
	}
	if !strings.Contains(out, "node connected") {
		t.Errorf("missing message: %q", out)
	}
	if !strings.Contains(out, "node=n1") {
		t.Errorf("missing attribute: %q", out)
	}
}

func TestComponentPromotedToHeader(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf}).WithComponent("session")

	logger.Warn("reconnect scheduled", "attempt", 2)

	out := buf.String()
	if !strings.Contains(out, "session: reconnect scheduled") {
		t.Errorf("component not promoted: %q", out)
	}
	if strings.Contains(out, "component=") {
		t.Errorf("component should not appear as key=value: %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})

	logger.Info("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged below warn level: %q", buf.String())
	}

	logger.SetLevel(LevelDebug)
	logger.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("debug not logged after SetLevel")
	}
}

func TestValuesWithSpacesAreQuoted(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf})

	logger.Info("state change", "reason", "exit code 137")
	if !strings.Contains(buf.String(), `reason="exit code 137"`) {
		t.Errorf("value not quoted: %q", buf.String())
	}
}
