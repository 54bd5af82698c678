package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel.gg/kestrel/internal/protocol"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadServerState(t *testing.T) {
	s := openTempStore(t)

	code := 1
	st := ServerStatus{
		ServerID:  "s1",
		State:     protocol.StateCrashed,
		Timestamp: 12345,
		Reason:    "exited unexpectedly",
		Ports:     map[string]int{"game": 25565},
		ExitCode:  &code,
	}
	require.NoError(t, s.SaveServerState(st))

	loaded, err := s.LoadServerStates()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, st.ServerID, loaded[0].ServerID)
	assert.Equal(t, protocol.StateCrashed, loaded[0].State)
	assert.Equal(t, int64(12345), loaded[0].Timestamp)
	assert.Equal(t, 25565, loaded[0].Ports["game"])
	require.NotNil(t, loaded[0].ExitCode)
	assert.Equal(t, 1, *loaded[0].ExitCode)
}

func TestSaveServerStateUpserts(t *testing.T) {
	s := openTempStore(t)

	require.NoError(t, s.SaveServerState(ServerStatus{
		ServerID: "s1", State: protocol.StateStarting, Timestamp: 1}))
	require.NoError(t, s.SaveServerState(ServerStatus{
		ServerID: "s1", State: protocol.StateRunning, Timestamp: 2}))

	loaded, err := s.LoadServerStates()
	require.NoError(t, err)
	require.Len(t, loaded, 1, "upsert must not duplicate rows")
	assert.Equal(t, protocol.StateRunning, loaded[0].State)
}

func TestTransitionHistory(t *testing.T) {
	s := openTempStore(t)

	for i, st := range []protocol.ServerState{
		protocol.StateInstalling, protocol.StateStopped, protocol.StateStarting,
	} {
		require.NoError(t, s.SaveServerState(ServerStatus{
			ServerID: "s1", State: st, Timestamp: int64(i + 1)}))
	}

	hist, err := s.Transitions("s1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, protocol.StateInstalling, hist[0].State, "oldest first")
	assert.Equal(t, protocol.StateStarting, hist[2].State)

	limited, err := s.Transitions("s1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, protocol.StateStopped, limited[0].State)
}

func TestNodeRegistry(t *testing.T) {
	s := openTempStore(t)

	seen := time.Now().Truncate(time.Millisecond)
	require.NoError(t, s.TouchNode("n1", "10.0.0.5:8443", seen))
	require.NoError(t, s.SetNodeHealth("n1", "healthy", seen.Add(time.Second)))

	nodes, err := s.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].NodeID)
	assert.Equal(t, "10.0.0.5:8443", nodes[0].Address)
	assert.Equal(t, "healthy", nodes[0].Health)
	assert.True(t, nodes[0].LastSeen.After(seen))
}

func TestTrackerPersistenceIntegration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")

	s, err := Open(path)
	require.NoError(t, err)

	tr := NewTracker(nil)
	tr.OnApply(func(st ServerStatus) { _ = s.SaveServerState(st) })
	tr.Apply(protocol.ServerStateUpdate{ServerID: "s1", State: protocol.StateRunning, Timestamp: 77})
	require.NoError(t, s.Close())

	// Reopen and seed a fresh tracker; the view survives the restart.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	loaded, err := s2.LoadServerStates()
	require.NoError(t, err)

	tr2 := NewTracker(nil)
	tr2.Seed(loaded)
	got, ok := tr2.Get("s1")
	require.True(t, ok)
	assert.Equal(t, protocol.StateRunning, got.State)
	assert.Equal(t, int64(77), got.Timestamp)
}
