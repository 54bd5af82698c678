package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel.gg/kestrel/internal/auth"
	"kestrel.gg/kestrel/internal/events"
	"kestrel.gg/kestrel/internal/protocol"
	"kestrel.gg/kestrel/internal/state"
)

type nodeFixture struct {
	manager *NodeManager
	tracker *state.Tracker
	hub     *events.Hub
	tokens  *auth.Store
	srv     *httptest.Server
	token   string
}

func newNodeFixture(t *testing.T) *nodeFixture {
	t.Helper()

	tokens, err := auth.NewStore(filepath.Join(t.TempDir(), "tokens.json"))
	require.NoError(t, err)
	token, err := tokens.Mint("node-1", protocol.TokenSecret)
	require.NoError(t, err)

	hub := events.NewHub()
	tracker := state.NewTracker(hub)
	manager := NewNodeManager(tokens, auth.NewCertIssuer(t.TempDir()), tracker, nil, hub, false)

	srv := httptest.NewServer(http.HandlerFunc(manager.HandleWS))
	t.Cleanup(srv.Close)

	return &nodeFixture{
		manager: manager,
		tracker: tracker,
		hub:     hub,
		tokens:  tokens,
		srv:     srv,
		token:   token,
	}
}

func (f *nodeFixture) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	if token != "" {
		u += "?token=" + token
	}
	return u
}

// dialNode connects and completes the handshake as an agent would.
func (f *nodeFixture) dialNode(t *testing.T) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(f.token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	writeEnvelope(t, conn, protocol.NodeHandshake{
		Token:     f.token,
		NodeID:    "node-1",
		TokenType: protocol.TokenSecret,
		Protocol:  protocol.CurrentVersion,
	})
	env := readEnvelope(t, conn)
	resp, ok := env.(protocol.NodeHandshakeResponse)
	require.True(t, ok)
	require.True(t, resp.Success, "handshake rejected: %s", resp.Error)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNodeWSRequiresToken(t *testing.T) {
	f := newNodeFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNodeHandshakeTokenMismatch(t *testing.T) {
	f := newNodeFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(f.token), nil)
	require.NoError(t, err)
	defer conn.Close()

	writeEnvelope(t, conn, protocol.NodeHandshake{
		Token:     "something-else",
		NodeID:    "node-1",
		TokenType: protocol.TokenSecret,
	})
	env := readEnvelope(t, conn)
	resp, ok := env.(protocol.NodeHandshakeResponse)
	require.True(t, ok)
	assert.False(t, resp.Success)
}

func TestNodeHandshakeBadCredentials(t *testing.T) {
	f := newNodeFixture(t)

	// Valid-looking but unminted token: passes the query/frame match,
	// fails verification.
	bogus := "kn_" + strings.Repeat("ab", 32)
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(bogus), nil)
	require.NoError(t, err)
	defer conn.Close()

	writeEnvelope(t, conn, protocol.NodeHandshake{
		Token:     bogus,
		NodeID:    "node-1",
		TokenType: protocol.TokenSecret,
	})
	env := readEnvelope(t, conn)
	resp, ok := env.(protocol.NodeHandshakeResponse)
	require.True(t, ok)
	assert.False(t, resp.Success)
	assert.Empty(t, f.manager.Nodes())
}

func TestNodeHandshakeVersionNegotiation(t *testing.T) {
	f := newNodeFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(f.token), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Protocol omitted means version 1.
	writeEnvelope(t, conn, protocol.NodeHandshake{
		Token:     f.token,
		NodeID:    "node-1",
		TokenType: protocol.TokenSecret,
	})
	env := readEnvelope(t, conn)
	resp, ok := env.(protocol.NodeHandshakeResponse)
	require.True(t, ok)
	require.True(t, resp.Success)
	assert.Equal(t, protocol.Version1, resp.Protocol)
}

func TestNodeHandshakeIssuesTransportMaterial(t *testing.T) {
	f := newNodeFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(f.token), nil)
	require.NoError(t, err)
	defer conn.Close()

	writeEnvelope(t, conn, protocol.NodeHandshake{
		Token:     f.token,
		NodeID:    "node-1",
		TokenType: protocol.TokenSecret,
		Protocol:  protocol.CurrentVersion,
	})
	env := readEnvelope(t, conn)
	resp, ok := env.(protocol.NodeHandshakeResponse)
	require.True(t, ok)
	require.True(t, resp.Success)
	assert.Contains(t, resp.Cert, "BEGIN CERTIFICATE")
	assert.Contains(t, resp.Key, "BEGIN EC PRIVATE KEY")
	assert.NotEmpty(t, resp.BackendAddress)
}

func TestNodeStateUpdateReachesTracker(t *testing.T) {
	f := newNodeFixture(t)
	conn := f.dialNode(t)

	writeEnvelope(t, conn, protocol.ServerStateUpdate{
		ServerID:  "srv-a",
		State:     protocol.StateRunning,
		Timestamp: 2000,
	})
	waitFor(t, func() bool {
		st, ok := f.tracker.Get("srv-a")
		return ok && st.State == protocol.StateRunning
	}, "state update never reached tracker")

	// A stale update is silently dropped.
	writeEnvelope(t, conn, protocol.ServerStateUpdate{
		ServerID:  "srv-a",
		State:     protocol.StateStopped,
		Timestamp: 1000,
	})
	waitFor(t, func() bool { return f.tracker.StaleDropped() == 1 }, "stale update not dropped")

	st, ok := f.tracker.Get("srv-a")
	require.True(t, ok)
	assert.Equal(t, protocol.StateRunning, st.State)
}

func TestNodeConsoleOutputReachesHub(t *testing.T) {
	f := newNodeFixture(t)
	ch := f.hub.Subscribe(8, events.EventConsoleOutput)
	conn := f.dialNode(t)

	writeEnvelope(t, conn, protocol.ConsoleOutput{
		ServerID:  "srv-a",
		Timestamp: 1234,
		Stream:    protocol.StreamStdout,
		Data:      "Done (3.2s)! For help, type \"help\"\n",
	})

	select {
	case ev := <-ch:
		data, ok := ev.Data.(events.ConsoleOutputData)
		require.True(t, ok)
		assert.Equal(t, "srv-a", data.ServerID)
		assert.Equal(t, "stdout", data.Stream)
		assert.Contains(t, data.Data, "Done (3.2s)")
	case <-time.After(5 * time.Second):
		t.Fatal("console output never reached the hub")
	}
}

func TestNodeControlRoutesToOwner(t *testing.T) {
	f := newNodeFixture(t)
	conn := f.dialNode(t)

	// Ownership is learned from state updates.
	writeEnvelope(t, conn, protocol.ServerStateUpdate{
		ServerID:  "srv-a",
		State:     protocol.StateStopped,
		Timestamp: 1000,
	})
	waitFor(t, func() bool {
		_, ok := f.tracker.Get("srv-a")
		return ok
	}, "state update never applied")

	require.NoError(t, f.manager.Control("srv-a", protocol.ActionStart))

	env := readEnvelope(t, conn)
	ctl, ok := env.(protocol.ServerControl)
	require.True(t, ok)
	assert.Equal(t, protocol.ActionStart, ctl.Action)
	assert.Equal(t, "srv-a", ctl.ServerID)
}

func TestNodeControlUnknownServer(t *testing.T) {
	f := newNodeFixture(t)
	f.dialNode(t)

	err := f.manager.Control("nobody-home", protocol.ActionStart)
	require.ErrorIs(t, err, ErrNoNode)
}

func TestNodeConsoleInputRoundTrip(t *testing.T) {
	f := newNodeFixture(t)
	conn := f.dialNode(t)

	writeEnvelope(t, conn, protocol.ServerStateUpdate{
		ServerID:  "srv-a",
		State:     protocol.StateRunning,
		Timestamp: 1000,
	})
	waitFor(t, func() bool {
		_, ok := f.tracker.Get("srv-a")
		return ok
	}, "state update never applied")

	require.NoError(t, f.manager.SendConsoleInput("srv-a", "say hello"))

	env := readEnvelope(t, conn)
	in, ok := env.(protocol.ConsoleInput)
	require.True(t, ok)
	assert.Equal(t, "say hello", in.Input)
}

func TestNodeFileOpRoundTrip(t *testing.T) {
	f := newNodeFixture(t)
	conn := f.dialNode(t)

	writeEnvelope(t, conn, protocol.ServerStateUpdate{
		ServerID:  "srv-a",
		State:     protocol.StateRunning,
		Timestamp: 1000,
	})
	waitFor(t, func() bool {
		_, ok := f.tracker.Get("srv-a")
		return ok
	}, "state update never applied")

	// Agent side: answer the file operation, echoing its requestId.
	done := make(chan struct{})
	go func() {
		defer close(done)
		env := readEnvelope(t, conn)
		op, ok := env.(protocol.FileOperation)
		if !ok {
			return
		}
		payload, _ := json.Marshal(map[string]string{"content": "bW90ZA=="})
		writeEnvelope(t, conn, protocol.FileOperationResponse{
			RequestID: op.RequestID,
			Success:   true,
			Data:      payload,
		})
	}()

	resp, err := f.manager.FileOp(context.Background(), protocol.FileOperation{
		Op:       protocol.FileOpRead,
		ServerID: "srv-a",
		Path:     "motd.txt",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Contains(t, string(resp.Data), "bW90ZA==")
	<-done
}

func TestNodeReconnectSupersedes(t *testing.T) {
	f := newNodeFixture(t)
	old := f.dialNode(t)
	_ = f.dialNode(t)

	// The stale connection is closed by the panel.
	old.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := old.ReadMessage()
	require.Error(t, err)

	waitFor(t, func() bool { return len(f.manager.Nodes()) == 1 }, "expected a single node")
	nodes := f.manager.Nodes()
	assert.Equal(t, "node-1", nodes[0].NodeID)
}
