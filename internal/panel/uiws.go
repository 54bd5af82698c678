package panel

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"kestrel.gg/kestrel/internal/events"
	"kestrel.gg/kestrel/internal/logging"
	"kestrel.gg/kestrel/internal/metrics"
	"kestrel.gg/kestrel/internal/protocol"
	"kestrel.gg/kestrel/internal/state"
)

var uiUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-site WebSocket hijacking guard: same-origin only, with a
	// localhost allowance for development proxies.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}
		host := r.Host
		if strings.HasPrefix(origin, "http://") {
			return origin[len("http://"):] == host
		}
		if strings.HasPrefix(origin, "https://") {
			return origin[len("https://"):] == host
		}
		return false
	},
}

// uiClient is one connected browser or TUI session.
type uiClient struct {
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	servers map[string]bool
}

func (c *uiClient) subscribed(serverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servers[serverID]
}

// UIManager fans server events out to UI sessions. UI channels speak the
// same envelope protocol as node channels: Subscribe, Unsubscribe,
// ConsoleInput and ServerControl inbound; ServerStateUpdate and
// ConsoleOutput outbound, filtered per client by server subscription.
type UIManager struct {
	logger  *logging.Logger
	hub     *events.Hub
	tracker *state.Tracker
	nodes   *NodeManager

	clients    map[*uiClient]bool
	register   chan *uiClient
	unregister chan *uiClient
	mutex      sync.RWMutex

	stopCh chan struct{}
}

func NewUIManager(hub *events.Hub, tracker *state.Tracker, nodes *NodeManager) *UIManager {
	m := &UIManager{
		logger:     logging.WithComponent("uiws"),
		hub:        hub,
		tracker:    tracker,
		nodes:      nodes,
		clients:    make(map[*uiClient]bool),
		register:   make(chan *uiClient),
		unregister: make(chan *uiClient),
		stopCh:     make(chan struct{}),
	}
	go m.run()
	go m.fanout()
	return m
}

func (m *UIManager) run() {
	for {
		select {
		case client := <-m.register:
			m.mutex.Lock()
			m.clients[client] = true
			m.mutex.Unlock()
		case client := <-m.unregister:
			m.mutex.Lock()
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				close(client.send)
				client.conn.Close()

				client.mu.Lock()
				metrics.Get().SubscriptionsNow.Sub(float64(len(client.servers)))
				client.mu.Unlock()
			}
			m.mutex.Unlock()
		case <-m.stopCh:
			return
		}
	}
}

// fanout bridges the event hub to subscribed clients.
func (m *UIManager) fanout() {
	ch := m.hub.Subscribe(256, events.EventServerState, events.EventConsoleOutput)
	defer m.hub.Unsubscribe(ch)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.deliver(ev)
		case <-m.stopCh:
			return
		}
	}
}

func (m *UIManager) deliver(ev events.Event) {
	var serverID string
	var env protocol.Envelope

	switch d := ev.Data.(type) {
	case events.ServerStateData:
		serverID = d.ServerID
		env = protocol.ServerStateUpdate{
			ServerID:  d.ServerID,
			State:     protocol.ServerState(d.State),
			Timestamp: d.Timestamp,
			Reason:    d.Reason,
			Ports:     d.Ports,
			ExitCode:  d.ExitCode,
		}
	case events.ConsoleOutputData:
		serverID = d.ServerID
		env = protocol.ConsoleOutput{
			ServerID:  d.ServerID,
			Timestamp: d.Timestamp,
			Stream:    protocol.Stream(d.Stream),
			Data:      d.Data,
		}
	default:
		return
	}

	frame, err := protocol.Encode(env)
	if err != nil {
		return
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for client := range m.clients {
		if !client.subscribed(serverID) {
			continue
		}
		select {
		case client.send <- frame:
			metrics.Get().MessagesTotal.WithLabelValues(string(env.EnvelopeType()), "out").Inc()
		default:
			// Slow consumer, skip rather than stall the hub.
		}
	}
}

// Close stops the manager's goroutines and disconnects all clients.
func (m *UIManager) Close() {
	close(m.stopCh)

	m.mutex.Lock()
	defer m.mutex.Unlock()
	for client := range m.clients {
		close(client.send)
		client.conn.Close()
		delete(m.clients, client)
	}
}

// HandleWS upgrades a UI session. Unlike the node endpoint there is no
// handshake frame; auth happens at the HTTP layer before upgrade.
func (m *UIManager) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := uiUpgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("ui upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := &uiClient{
		conn:    conn,
		send:    make(chan []byte, 256),
		servers: make(map[string]bool),
	}

	select {
	case m.register <- client:
	case <-m.stopCh:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(m)
}

func (c *uiClient) readPump(m *UIManager) {
	defer func() {
		select {
		case m.unregister <- c:
		case <-m.stopCh:
		}
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			metrics.Get().MalformedFrames.Inc()
			continue
		}
		metrics.Get().MessagesTotal.WithLabelValues(string(env.EnvelopeType()), "in").Inc()

		switch msg := env.(type) {
		case protocol.Subscribe:
			c.mu.Lock()
			if !c.servers[msg.ServerID] {
				c.servers[msg.ServerID] = true
				metrics.Get().SubscriptionsNow.Inc()
			}
			c.mu.Unlock()
			m.sendSnapshot(c, msg.ServerID)

		case protocol.Unsubscribe:
			c.mu.Lock()
			if c.servers[msg.ServerID] {
				delete(c.servers, msg.ServerID)
				metrics.Get().SubscriptionsNow.Dec()
			}
			c.mu.Unlock()

		case protocol.ConsoleInput:
			if err := m.nodes.SendConsoleInput(msg.ServerID, msg.Input); err != nil {
				m.logger.Debug("console input dropped", "server", msg.ServerID, "error", err)
			}

		case protocol.ServerControl:
			if !msg.Action.Valid() {
				continue
			}
			if err := m.nodes.Control(msg.ServerID, msg.Action); err != nil {
				m.logger.Debug("control dropped", "server", msg.ServerID,
					"action", msg.Action, "error", err)
			}

		default:
			m.logger.Debug("ignoring frame from ui client", "type", env.EnvelopeType())
		}
	}
}

// sendSnapshot replays the last known state of a server to a freshly
// subscribed client so it does not wait for the next transition.
func (m *UIManager) sendSnapshot(c *uiClient, serverID string) {
	st, ok := m.tracker.Get(serverID)
	if !ok {
		return
	}
	frame, err := protocol.Encode(protocol.ServerStateUpdate{
		ServerID:  st.ServerID,
		State:     st.State,
		Timestamp: st.Timestamp,
		Reason:    st.Reason,
		Ports:     st.Ports,
		ExitCode:  st.ExitCode,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *uiClient) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
