package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel.gg/kestrel/internal/protocol"
)

func TestLocalRuntimeEcho(t *testing.T) {
	rt := NewLocalRuntime()
	proc, err := rt.Start(context.Background(), InstanceSpec{
		ID:      "echo",
		Command: "echo ready; echo oops >&2",
		Dir:     t.TempDir(),
	})
	require.NoError(t, err)

	var stdout, stderr string
	for chunk := range proc.Output() {
		switch chunk.Stream {
		case protocol.StreamStdout:
			stdout += string(chunk.Data)
		case protocol.StreamStderr:
			stderr += string(chunk.Data)
		}
	}
	assert.Equal(t, "ready\n", stdout)
	assert.Equal(t, "oops\n", stderr)

	select {
	case res := <-proc.Done():
		assert.Equal(t, 0, res.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("process never exited")
	}
}

func TestLocalRuntimeExitCode(t *testing.T) {
	rt := NewLocalRuntime()
	proc, err := rt.Start(context.Background(), InstanceSpec{
		ID:      "fail",
		Command: "exit 7",
		Dir:     t.TempDir(),
	})
	require.NoError(t, err)

	for range proc.Output() {
	}
	res := <-proc.Done()
	assert.Equal(t, 7, res.Code)
}

func TestLocalRuntimeStdin(t *testing.T) {
	rt := NewLocalRuntime()
	proc, err := rt.Start(context.Background(), InstanceSpec{
		ID:      "cat",
		Command: "read line; echo got $line",
		Dir:     t.TempDir(),
	})
	require.NoError(t, err)

	require.NoError(t, proc.WriteInput([]byte("stop\n")))

	var out string
	for chunk := range proc.Output() {
		out += string(chunk.Data)
	}
	assert.Equal(t, "got stop\n", out)
}

func TestLocalRuntimeEnv(t *testing.T) {
	rt := NewLocalRuntime()
	proc, err := rt.Start(context.Background(), InstanceSpec{
		ID:      "env",
		Command: "echo $KESTREL_TEST_VAR",
		Dir:     t.TempDir(),
		Env:     map[string]string{"KESTREL_TEST_VAR": "42"},
	})
	require.NoError(t, err)

	var out string
	for chunk := range proc.Output() {
		out += string(chunk.Data)
	}
	assert.Equal(t, "42\n", out)
}

func TestLocalRuntimeEmptyCommand(t *testing.T) {
	rt := NewLocalRuntime()
	_, err := rt.Start(context.Background(), InstanceSpec{ID: "x", Dir: t.TempDir()})
	assert.Error(t, err)
}
