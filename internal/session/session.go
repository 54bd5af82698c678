// Package session implements the client side of the node control channel:
// a long-lived, authenticated websocket session with linear-backoff
// reconnection, subscription replay, and request correlation for file
// operations.
//
// A Session is an explicit owned value - there is no package-level
// singleton socket - so multiple independent sessions (e.g. two node
// connections in one test) can coexist.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kestrel.gg/kestrel/internal/logging"
	"kestrel.gg/kestrel/internal/metrics"
	"kestrel.gg/kestrel/internal/protocol"
	"kestrel.gg/kestrel/internal/state"
)

var (
	// ErrNotConnected is returned by Send while the socket is down.
	ErrNotConnected = errors.New("session not connected")

	// ErrHandshakeRejected indicates the peer refused our credentials.
	// The session closes and does not retry.
	ErrHandshakeRejected = errors.New("handshake rejected")
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultRequestTimeout   = 10 * time.Second

	pingPeriod = 30 * time.Second
	pongWait   = 75 * time.Second
)

// Callbacks deliver session events to the owner. All callbacks are invoked
// from the session's event-processing goroutine; they must not block for
// long or inbound processing stalls. Any callback may be nil.
type Callbacks struct {
	OnOpen    func()
	OnClose   func(err error)
	OnError   func(err error)
	OnMessage func(env protocol.Envelope)
}

// Config describes how to reach and authenticate against the peer.
type Config struct {
	// ChannelURL, when set, is used directly (scheme-normalized).
	// Otherwise the channel URL is derived from APIBase.
	ChannelURL string
	APIBase    string

	// Dev rewrites localhost hostnames to 127.0.0.1 before dialing.
	Dev bool

	// Token is attached as the `token` query parameter and, when
	// Handshake is set, presented in the node_handshake frame.
	Token     string
	TokenType protocol.TokenType
	NodeID    string

	// Handshake makes Connect perform the node handshake before any
	// other traffic. Required on node-facing channels.
	Handshake bool

	MaxAttempts    int           // reconnect budget, default 5
	BaseDelay      time.Duration // linear backoff unit, default 1s
	RequestTimeout time.Duration // correlated request deadline

	Dialer  *websocket.Dialer
	Logger  *logging.Logger
	Tracker *state.Tracker // optional; receives state updates
}

// Session owns one control-channel socket.
type Session struct {
	cfg Config
	cb  Callbacks
	log *logging.Logger

	mu        sync.Mutex // guards conn, closed, version, bootstrap, pending pointer
	conn      *websocket.Conn
	closed    bool
	version   int
	bootstrap protocol.NodeHandshakeResponse
	pending   *Correlator

	writeMu sync.Mutex // serializes socket writes

	subs *Registry
	rc   *reconnector
}

// New creates a session. It does not dial; call Connect.
func New(cfg Config, cb Callbacks) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.WithComponent("session")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Session{
		cfg:     cfg,
		cb:      cb,
		log:     logger,
		version: protocol.CurrentVersion,
		pending: NewCorrelator(cfg.RequestTimeout),
		subs:    NewRegistry(),
		rc:      newReconnector(cfg.MaxAttempts, cfg.BaseDelay),
	}
}

// Connect dials the control channel, performs the handshake when
// configured, replays the subscription registry, and starts the read
// loop. Calling Connect on an already-open session is a no-op.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	if s.closed {
		// Explicit reconnect after an explicit close: fresh correlator,
		// fresh reconnect budget.
		s.closed = false
		s.pending = NewCorrelator(s.cfg.RequestTimeout)
		s.rc.reset()
	}
	s.mu.Unlock()

	target, err := ChannelURL(s.cfg.ChannelURL, s.cfg.APIBase, s.cfg.Dev)
	if err != nil {
		return err
	}
	target, err = WithToken(target, s.cfg.Token)
	if err != nil {
		return err
	}

	dialer := s.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		}
	}

	conn, _, err := dialer.Dial(target, nil)
	if err != nil {
		return fmt.Errorf("failed to dial control channel: %w", err)
	}

	version := protocol.CurrentVersion
	if s.cfg.Handshake {
		version, err = s.handshake(conn)
		if err != nil {
			conn.Close()
			return err
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.version = version
	s.mu.Unlock()

	s.rc.reset()
	s.log.Info("control channel open", "url", target, "protocol", version)

	if s.cb.OnOpen != nil {
		s.cb.OnOpen()
	}

	// Replay the registry. The remote peer treats duplicate subscribes
	// as no-ops, so a replay racing an application subscribe is safe.
	for _, id := range s.subs.List() {
		if err := s.Send(protocol.Subscribe{ServerID: id}); err != nil {
			s.log.Warn("subscription replay failed", "serverId", id, "error", err)
		}
	}

	go s.readLoop(conn)
	return nil
}

// handshake sends node_handshake and waits for the response, returning
// the negotiated protocol version.
func (s *Session) handshake(conn *websocket.Conn) (int, error) {
	frame, err := protocol.Encode(protocol.NodeHandshake{
		Token:     s.cfg.Token,
		NodeID:    s.cfg.NodeID,
		TokenType: s.cfg.TokenType,
		Protocol:  protocol.CurrentVersion,
	})
	if err != nil {
		return 0, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return 0, fmt.Errorf("failed to send handshake: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(defaultHandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("handshake read failed: %w", err)
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		return 0, fmt.Errorf("handshake response malformed: %w", err)
	}
	resp, ok := env.(protocol.NodeHandshakeResponse)
	if !ok {
		return 0, fmt.Errorf("%w: unexpected %s frame before handshake response",
			ErrHandshakeRejected, env.EnvelopeType())
	}
	if !resp.Success {
		if resp.Error != "" {
			return 0, fmt.Errorf("%w: %s", ErrHandshakeRejected, resp.Error)
		}
		return 0, ErrHandshakeRejected
	}

	s.mu.Lock()
	s.bootstrap = resp
	s.mu.Unlock()

	// Peers predating version negotiation leave Protocol unset.
	version := resp.Protocol
	if version == 0 {
		version = protocol.Version1
	}
	if version > protocol.CurrentVersion {
		version = protocol.CurrentVersion
	}
	return version, nil
}

// Bootstrap returns the transport material (certificate, key, backend
// address) carried by the most recent successful handshake response.
func (s *Session) Bootstrap() protocol.NodeHandshakeResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootstrap
}

// Connected reports whether the socket is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Version returns the negotiated protocol version.
func (s *Session) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Send encodes and writes one envelope. Fire-and-forget: delivery is not
// acknowledged at this layer.
func (s *Session) Send(e protocol.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	version := s.version
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.EncodeVersion(e, version)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Subscribe adds a server to the registry and, when connected, emits the
// subscribe frame. The frame is sent even when the ID was already present.
func (s *Session) Subscribe(serverID string) error {
	s.subs.Add(serverID)
	if !s.Connected() {
		return nil
	}
	return s.Send(protocol.Subscribe{ServerID: serverID})
}

// Unsubscribe removes a server from the registry and, when connected,
// emits the unsubscribe frame.
func (s *Session) Unsubscribe(serverID string) error {
	s.subs.Remove(serverID)
	if !s.Connected() {
		return nil
	}
	return s.Send(protocol.Unsubscribe{ServerID: serverID})
}

// Subscriptions returns the current registry contents.
func (s *Session) Subscriptions() []string {
	return s.subs.List()
}

// Issue sends a correlated file operation and waits for its response,
// deadline, or cancellation. The wait is scoped to the caller; other
// inbound traffic keeps flowing.
func (s *Session) Issue(ctx context.Context, op protocol.FileOperation) (protocol.FileOperationResponse, error) {
	return s.correlator().Issue(ctx, op, s.Send)
}

// Close tears the session down: cancels any pending reconnect timer,
// fails outstanding correlated requests with a cancellation error, and
// closes the socket. A manual close never enters the retry path.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	pending := s.pending
	s.mu.Unlock()

	s.rc.cancel()
	pending.Close(ErrClosed)

	if conn != nil {
		s.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

func (s *Session) correlator() *Correlator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// readLoop processes inbound frames one at a time in arrival order.
func (s *Session) readLoop(conn *websocket.Conn) {
	stopPing := make(chan struct{})
	go s.pingLoop(conn, stopPing)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var readErr error
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := protocol.Decode(raw)
		if err != nil {
			// Protocol-level event: report and keep the session alive.
			s.log.Warn("dropping unparseable frame", "error", err)
			s.reportError(err)
			continue
		}
		s.dispatch(env)
	}

	close(stopPing)
	conn.Close()

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	wasExplicit := s.closed
	s.mu.Unlock()

	if s.cb.OnClose != nil {
		s.cb.OnClose(readErr)
	}
	if !wasExplicit {
		s.scheduleReconnect()
	}
}

// dispatch routes one envelope to the correlator / state machine, then to
// the registered message callback.
func (s *Session) dispatch(env protocol.Envelope) {
	switch m := env.(type) {
	case protocol.FileOperationResponse:
		if !s.correlator().Resolve(m) {
			// Late or unknown ID: expected steady-state, drop quietly.
			s.log.Debug("unmatched file operation response", "requestId", m.RequestID)
		}
	case protocol.ServerStateUpdate:
		if s.cfg.Tracker != nil && !s.cfg.Tracker.Apply(m) {
			s.log.Debug("stale state update ignored",
				"serverId", m.ServerID, "timestamp", m.Timestamp)
		}
	}

	if s.cb.OnMessage != nil {
		s.cb.OnMessage(env)
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// scheduleReconnect arms the next attempt, or surfaces terminal
// disconnection once the budget is spent.
func (s *Session) scheduleReconnect() {
	delay, err := s.rc.schedule(s.tryReconnect)
	if err != nil {
		s.log.Warn("reconnect budget exhausted; staying disconnected")
		metrics.Get().ReconnectsTotal.WithLabelValues("exhausted").Inc()
		s.reportError(ErrMaxAttempts)
		return
	}
	if delay > 0 {
		s.log.Info("reconnect scheduled",
			"attempt", s.rc.attemptCount(), "delay", delay)
	}
}

func (s *Session) tryReconnect() {
	s.mu.Lock()
	wasExplicit := s.closed
	s.mu.Unlock()
	if wasExplicit {
		return
	}

	err := s.Connect()
	if err == nil {
		metrics.Get().ReconnectsTotal.WithLabelValues("ok").Inc()
		return
	}

	metrics.Get().ReconnectsTotal.WithLabelValues("failed").Inc()
	s.reportError(err)
	if errors.Is(err, ErrHandshakeRejected) {
		// Authentication rejection is not a transport fault; retrying
		// with the same credentials cannot succeed.
		return
	}
	s.scheduleReconnect()
}

func (s *Session) reportError(err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}
