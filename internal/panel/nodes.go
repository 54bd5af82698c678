// Package panel implements the management daemon: the node-facing and
// UI-facing websocket endpoints, the REST surface, and the wiring
// between them (tracker, store, event hub, metrics).
package panel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kestrel.gg/kestrel/internal/auth"
	"kestrel.gg/kestrel/internal/clock"
	"kestrel.gg/kestrel/internal/events"
	"kestrel.gg/kestrel/internal/logging"
	"kestrel.gg/kestrel/internal/metrics"
	"kestrel.gg/kestrel/internal/protocol"
	"kestrel.gg/kestrel/internal/session"
	"kestrel.gg/kestrel/internal/state"
)

// ErrNoNode is returned when no connected node owns the target server.
var ErrNoNode = errors.New("no connected node for server")

const handshakeDeadline = 10 * time.Second

// nodeConn is one connected agent.
type nodeConn struct {
	nodeID    string
	addr      string
	version   int
	tokenType protocol.TokenType

	conn    *websocket.Conn
	writeMu sync.Mutex

	// pending correlates panel-issued file operations with agent replies.
	pending *session.Correlator
}

func (nc *nodeConn) send(env protocol.Envelope) error {
	data, err := protocol.EncodeVersion(env, nc.version)
	if err != nil {
		return err
	}
	nc.writeMu.Lock()
	defer nc.writeMu.Unlock()
	return nc.conn.WriteMessage(websocket.TextMessage, data)
}

// NodeInfo is the REST representation of a connected node.
type NodeInfo struct {
	NodeID    string `json:"nodeId"`
	Address   string `json:"address"`
	Protocol  int    `json:"protocol"`
	TokenType string `json:"tokenType"`
}

// NodeManager owns every agent control channel on the panel side.
type NodeManager struct {
	logger  *logging.Logger
	tokens  *auth.Store
	certs   *auth.CertIssuer
	tracker *state.Tracker
	store   *state.Store
	hub     *events.Hub
	dev     bool

	fileOpTimeout time.Duration

	mu     sync.RWMutex
	nodes  map[string]*nodeConn
	owners map[string]string // serverID -> nodeID
}

// NewNodeManager wires the node endpoint to its collaborators. store and
// certs may be nil (tests, cert issuance disabled); tracker and hub must
// not be.
func NewNodeManager(tokens *auth.Store, certs *auth.CertIssuer, tracker *state.Tracker, store *state.Store, hub *events.Hub, dev bool) *NodeManager {
	return &NodeManager{
		logger:        logging.WithComponent("nodes"),
		tokens:        tokens,
		certs:         certs,
		tracker:       tracker,
		store:         store,
		hub:           hub,
		dev:           dev,
		fileOpTimeout: 10 * time.Second,
		nodes:         make(map[string]*nodeConn),
		owners:        make(map[string]string),
	}
}

func (m *NodeManager) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// Agents are not browsers; they send no Origin. Anything
			// carrying one is a browser poking the wrong endpoint.
			return r.Header.Get("Origin") == "" || m.dev
		},
	}
}

// HandleWS is the node control channel endpoint. The first frame must be
// a node_handshake matching the token query parameter; everything before
// a successful handshake is untrusted.
func (m *NodeManager) HandleWS(w http.ResponseWriter, r *http.Request) {
	queryToken := r.URL.Query().Get("token")
	if queryToken == "" {
		metrics.Get().HandshakeFailed.WithLabelValues("missing_token").Inc()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	up := m.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("node upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	nc, err := m.handshake(conn, r, queryToken)
	if err != nil {
		m.logger.Warn("node handshake rejected", "remote", r.RemoteAddr, "error", err)
		conn.Close()
		return
	}

	m.register(nc)
	defer m.unregister(nc)

	m.readLoop(nc)
}

func (m *NodeManager) handshake(conn *websocket.Conn, r *http.Request, queryToken string) (*nodeConn, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeDeadline))
	defer conn.SetReadDeadline(time.Time{})

	reject := func(reason, detail string) error {
		metrics.Get().HandshakeFailed.WithLabelValues(reason).Inc()
		frame, _ := protocol.Encode(protocol.NodeHandshakeResponse{
			Success: false,
			Error:   detail,
		})
		conn.WriteMessage(websocket.TextMessage, frame)
		return fmt.Errorf("%s: %s", reason, detail)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		metrics.Get().HandshakeFailed.WithLabelValues("read").Inc()
		return nil, err
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		return nil, reject("malformed", "first frame must be node_handshake")
	}
	hs, ok := env.(protocol.NodeHandshake)
	if !ok {
		return nil, reject("wrong_frame", "first frame must be node_handshake")
	}
	if hs.Token != queryToken {
		return nil, reject("token_mismatch", "handshake token does not match connection token")
	}

	tokenType := hs.TokenType
	if tokenType == "" {
		tokenType = protocol.TokenSecret
	}
	if err := m.tokens.Verify(hs.NodeID, hs.Token, tokenType); err != nil {
		return nil, reject("bad_credentials", "unknown node or bad token")
	}

	version := hs.Protocol
	if version == 0 {
		version = protocol.Version1
	}
	if version > protocol.CurrentVersion {
		version = protocol.CurrentVersion
	}

	accept := protocol.NodeHandshakeResponse{
		Success:        true,
		Protocol:       version,
		BackendAddress: r.Host,
	}
	if m.certs != nil {
		cert, key, certErr := m.certs.Issue(hs.NodeID)
		if certErr != nil {
			m.logger.Warn("cert issuance failed", "node", hs.NodeID, "error", certErr)
		} else {
			accept.Cert = cert
			accept.Key = key
		}
	}
	resp, err := protocol.Encode(accept)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
		return nil, err
	}

	addr := r.RemoteAddr
	if host, _, splitErr := net.SplitHostPort(addr); splitErr == nil {
		addr = host
	}

	return &nodeConn{
		nodeID:    hs.NodeID,
		addr:      addr,
		version:   version,
		tokenType: tokenType,
		conn:      conn,
		pending:   session.NewCorrelator(m.fileOpTimeout),
	}, nil
}

func (m *NodeManager) register(nc *nodeConn) {
	m.mu.Lock()
	if old, ok := m.nodes[nc.nodeID]; ok {
		// A reconnecting node supersedes its stale connection.
		old.conn.Close()
		old.pending.Close(session.ErrClosed)
	}
	m.nodes[nc.nodeID] = nc
	m.mu.Unlock()

	metrics.Get().NodesConnected.Inc()
	m.hub.EmitNodeConnected(nc.nodeID, nc.addr)
	if m.store != nil {
		m.store.TouchNode(nc.nodeID, nc.addr, clock.Now())
	}
	m.logger.Info("node connected", "node", nc.nodeID, "addr", nc.addr, "protocol", nc.version)
}

func (m *NodeManager) unregister(nc *nodeConn) {
	m.mu.Lock()
	if m.nodes[nc.nodeID] == nc {
		delete(m.nodes, nc.nodeID)
	}
	m.mu.Unlock()

	nc.pending.Close(session.ErrClosed)
	nc.conn.Close()

	metrics.Get().NodesConnected.Dec()
	m.hub.EmitNodeDisconnected(nc.nodeID)
	m.logger.Info("node disconnected", "node", nc.nodeID)
}

func (m *NodeManager) readLoop(nc *nodeConn) {
	for {
		_, raw, err := nc.conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			metrics.Get().MalformedFrames.Inc()
			m.logger.Warn("dropping unparseable frame", "node", nc.nodeID, "error", err)
			continue
		}

		metrics.Get().MessagesTotal.WithLabelValues(string(env.EnvelopeType()), "in").Inc()
		m.dispatch(nc, env)
	}
}

func (m *NodeManager) dispatch(nc *nodeConn, env protocol.Envelope) {
	switch msg := env.(type) {
	case protocol.ServerStateUpdate:
		m.mu.Lock()
		m.owners[msg.ServerID] = nc.nodeID
		m.mu.Unlock()

		if m.tracker.Apply(msg) {
			metrics.Get().StateTransitions.WithLabelValues(string(msg.State)).Inc()
		} else {
			metrics.Get().StaleUpdates.Inc()
		}

	case protocol.ConsoleOutput:
		metrics.Get().ConsoleBytes.WithLabelValues("output").Add(float64(len(msg.Data)))
		m.hub.EmitConsoleOutput(events.ConsoleOutputData{
			ServerID:  msg.ServerID,
			Timestamp: msg.Timestamp,
			Stream:    string(msg.Stream),
			Data:      msg.Data,
		})

	case protocol.HealthReport:
		if m.store != nil {
			m.store.SetNodeHealth(nc.nodeID, msg.Health.Status, clock.Now())
		}
		m.hub.Publish(events.Event{
			Type:      events.EventNodeHealth,
			Timestamp: clock.Now(),
			Source:    nc.nodeID,
			Data:      msg.Health,
		})

	case protocol.FileOperationResponse:
		if !nc.pending.Resolve(msg) {
			// Timed out or never ours: drop quietly.
			m.logger.Debug("unmatched file operation response",
				"node", nc.nodeID, "requestId", msg.RequestID)
		}

	default:
		m.logger.Debug("ignoring frame from node",
			"node", nc.nodeID, "type", env.EnvelopeType())
	}
}

// owner returns the connection of the node that owns serverID.
func (m *NodeManager) owner(serverID string) (*nodeConn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodeID, ok := m.owners[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoNode, serverID)
	}
	nc, ok := m.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s (node %s offline)", ErrNoNode, serverID, nodeID)
	}
	return nc, nil
}

// Control sends a lifecycle command to the node owning serverID.
func (m *NodeManager) Control(serverID string, action protocol.ControlAction) error {
	nc, err := m.owner(serverID)
	if err != nil {
		return err
	}
	metrics.Get().MessagesTotal.WithLabelValues(string(protocol.TypeServerControl), "out").Inc()
	return nc.send(protocol.ServerControl{Action: action, ServerID: serverID})
}

// SendConsoleInput forwards operator input to a server's stdin.
func (m *NodeManager) SendConsoleInput(serverID, input string) error {
	nc, err := m.owner(serverID)
	if err != nil {
		return err
	}
	metrics.Get().ConsoleBytes.WithLabelValues("input").Add(float64(len(input)))
	return nc.send(protocol.ConsoleInput{ServerID: serverID, Input: input})
}

// FileOp issues a correlated file operation against a server and waits
// for the agent's reply.
func (m *NodeManager) FileOp(ctx context.Context, op protocol.FileOperation) (protocol.FileOperationResponse, error) {
	nc, err := m.owner(op.ServerID)
	if err != nil {
		return protocol.FileOperationResponse{}, err
	}

	mr := metrics.Get()
	mr.FileOpsOutstanding.Inc()
	defer mr.FileOpsOutstanding.Dec()

	resp, err := nc.pending.Issue(ctx, op, nc.send)
	switch {
	case errors.Is(err, session.ErrTimeout):
		mr.FileOpTimeouts.Inc()
		mr.FileOpsTotal.WithLabelValues(string(op.Op), "timeout").Inc()
	case err != nil:
		mr.FileOpsTotal.WithLabelValues(string(op.Op), "error").Inc()
	case !resp.Success:
		mr.FileOpsTotal.WithLabelValues(string(op.Op), "failed").Inc()
	default:
		mr.FileOpsTotal.WithLabelValues(string(op.Op), "ok").Inc()
	}
	return resp, err
}

// Nodes lists connected agents.
func (m *NodeManager) Nodes() []NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]NodeInfo, 0, len(m.nodes))
	for _, nc := range m.nodes {
		out = append(out, NodeInfo{
			NodeID:    nc.nodeID,
			Address:   nc.addr,
			Protocol:  nc.version,
			TokenType: string(nc.tokenType),
		})
	}
	return out
}

// Addresses maps connected node IDs to their remote addresses, for the
// liveness prober.
func (m *NodeManager) Addresses() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.nodes))
	for id, nc := range m.nodes {
		out[id] = nc.addr
	}
	return out
}
