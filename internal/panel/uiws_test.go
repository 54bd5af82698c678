package panel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel.gg/kestrel/internal/events"
	"kestrel.gg/kestrel/internal/protocol"
	"kestrel.gg/kestrel/internal/state"
)

type uiFixture struct {
	*nodeFixture
	ui    *UIManager
	uiSrv *httptest.Server
}

func newUIFixture(t *testing.T) *uiFixture {
	t.Helper()

	nf := newNodeFixture(t)
	ui := NewUIManager(nf.hub, nf.tracker, nf.manager)
	t.Cleanup(ui.Close)

	srv := httptest.NewServer(http.HandlerFunc(ui.HandleWS))
	t.Cleanup(srv.Close)

	return &uiFixture{nodeFixture: nf, ui: ui, uiSrv: srv}
}

func (f *uiFixture) dialUI(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.uiSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestUISubscriptionFiltering(t *testing.T) {
	f := newUIFixture(t)
	conn := f.dialUI(t)

	writeEnvelope(t, conn, protocol.Subscribe{ServerID: "srv-a"})

	// Give the subscription time to land before publishing.
	time.Sleep(20 * time.Millisecond)

	f.hub.EmitServerState(events.ServerStateData{
		ServerID: "srv-b", State: "running", Timestamp: 1000,
	})
	f.hub.EmitServerState(events.ServerStateData{
		ServerID: "srv-a", State: "starting", Timestamp: 2000,
	})

	// Only srv-a arrives; the srv-b event was filtered out.
	env := readEnvelope(t, conn)
	upd, ok := env.(protocol.ServerStateUpdate)
	require.True(t, ok)
	assert.Equal(t, "srv-a", upd.ServerID)
	assert.Equal(t, protocol.StateStarting, upd.State)
}

func TestUISubscribeReplaysSnapshot(t *testing.T) {
	f := newUIFixture(t)

	f.tracker.Seed([]state.ServerStatus{{
		ServerID:  "srv-a",
		State:     protocol.StateRunning,
		Timestamp: 5000,
	}})

	conn := f.dialUI(t)
	writeEnvelope(t, conn, protocol.Subscribe{ServerID: "srv-a"})

	// The last known state arrives without waiting for a transition.
	env := readEnvelope(t, conn)
	upd, ok := env.(protocol.ServerStateUpdate)
	require.True(t, ok)
	assert.Equal(t, "srv-a", upd.ServerID)
	assert.Equal(t, protocol.StateRunning, upd.State)
	assert.Equal(t, int64(5000), upd.Timestamp)
}

func TestUIUnsubscribeStopsDelivery(t *testing.T) {
	f := newUIFixture(t)
	conn := f.dialUI(t)

	writeEnvelope(t, conn, protocol.Subscribe{ServerID: "srv-a"})
	time.Sleep(20 * time.Millisecond)
	writeEnvelope(t, conn, protocol.Unsubscribe{ServerID: "srv-a"})
	time.Sleep(20 * time.Millisecond)

	f.hub.EmitServerState(events.ServerStateData{
		ServerID: "srv-a", State: "running", Timestamp: 1000,
	})

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no frame after unsubscribe")
}

func TestUIConsoleOutputFanout(t *testing.T) {
	f := newUIFixture(t)
	conn := f.dialUI(t)

	writeEnvelope(t, conn, protocol.Subscribe{ServerID: "srv-a"})
	time.Sleep(20 * time.Millisecond)

	f.hub.EmitConsoleOutput(events.ConsoleOutputData{
		ServerID:  "srv-a",
		Timestamp: 1234,
		Stream:    "stderr",
		Data:      "[WARN] Can't keep up!\n",
	})

	env := readEnvelope(t, conn)
	out, ok := env.(protocol.ConsoleOutput)
	require.True(t, ok)
	assert.Equal(t, protocol.StreamStderr, out.Stream)
	assert.Contains(t, out.Data, "Can't keep up")
}

// End to end: a UI client drives a connected agent through the panel.
func TestUIControlReachesAgent(t *testing.T) {
	f := newUIFixture(t)
	agent := f.dialNode(t)

	writeEnvelope(t, agent, protocol.ServerStateUpdate{
		ServerID:  "srv-a",
		State:     protocol.StateStopped,
		Timestamp: 1000,
	})
	waitFor(t, func() bool {
		_, ok := f.tracker.Get("srv-a")
		return ok
	}, "state update never applied")

	conn := f.dialUI(t)
	writeEnvelope(t, conn, protocol.ServerControl{
		Action:   protocol.ActionStart,
		ServerID: "srv-a",
	})

	env := readEnvelope(t, agent)
	ctl, ok := env.(protocol.ServerControl)
	require.True(t, ok)
	assert.Equal(t, protocol.ActionStart, ctl.Action)
	assert.Equal(t, "srv-a", ctl.ServerID)
}

func TestUIConsoleInputReachesAgent(t *testing.T) {
	f := newUIFixture(t)
	agent := f.dialNode(t)

	writeEnvelope(t, agent, protocol.ServerStateUpdate{
		ServerID:  "srv-a",
		State:     protocol.StateRunning,
		Timestamp: 1000,
	})
	waitFor(t, func() bool {
		_, ok := f.tracker.Get("srv-a")
		return ok
	}, "state update never applied")

	conn := f.dialUI(t)
	writeEnvelope(t, conn, protocol.ConsoleInput{
		ServerID: "srv-a",
		Input:    "whitelist add steve",
	})

	env := readEnvelope(t, agent)
	in, ok := env.(protocol.ConsoleInput)
	require.True(t, ok)
	assert.Equal(t, "whitelist add steve", in.Input)
}

func TestUIMalformedFrameIgnored(t *testing.T) {
	f := newUIFixture(t)
	conn := f.dialUI(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	// The connection survives and keeps serving.
	writeEnvelope(t, conn, protocol.Subscribe{ServerID: "srv-a"})
	time.Sleep(20 * time.Millisecond)
	f.hub.EmitServerState(events.ServerStateData{
		ServerID: "srv-a", State: "running", Timestamp: 1000,
	})

	env := readEnvelope(t, conn)
	_, ok := env.(protocol.ServerStateUpdate)
	assert.True(t, ok)
}
