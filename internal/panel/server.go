package panel

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"kestrel.gg/kestrel/internal/auth"
	"kestrel.gg/kestrel/internal/config"
	"kestrel.gg/kestrel/internal/events"
	"kestrel.gg/kestrel/internal/health"
	"kestrel.gg/kestrel/internal/logging"
	"kestrel.gg/kestrel/internal/metrics"
	"kestrel.gg/kestrel/internal/protocol"
	"kestrel.gg/kestrel/internal/session"
	"kestrel.gg/kestrel/internal/state"
)

// ErrorResponse is the standard API error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteError sends a JSON error response.
func WriteError(w http.ResponseWriter, code int, message string, details ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := ErrorResponse{Error: message}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	json.NewEncoder(w).Encode(resp)
}

// WriteJSON sends a JSON success response.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Server is the management daemon: it owns the tracker, the persistence
// store, both websocket endpoints and the REST surface.
type Server struct {
	cfg    *config.PanelConfig
	logger *logging.Logger

	hub     *events.Hub
	tracker *state.Tracker
	store   *state.Store
	tokens  *auth.Store
	nodes   *NodeManager
	ui      *UIManager
	checker *health.Checker
	prober  *health.Prober

	httpSrv *http.Server
}

// New assembles a panel server from its config. The store is opened (and
// the tracker seeded from it) unless cfg.DBPath is empty.
func New(cfg *config.PanelConfig) (*Server, error) {
	logger := logging.WithComponent("panel")

	hub := events.NewHub()
	tracker := state.NewTracker(hub)

	var store *state.Store
	if cfg.DBPath != "" {
		var err error
		store, err = state.Open(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		seed, err := store.LoadServerStates()
		if err != nil {
			logger.Warn("could not load persisted server states", "error", err)
		} else {
			tracker.Seed(seed)
		}
		tracker.OnApply(func(st state.ServerStatus) {
			if err := store.SaveServerState(st); err != nil {
				logger.Warn("could not persist server state",
					"server", st.ServerID, "error", err)
			}
		})
	}

	tokens, err := auth.NewStore(cfg.TokenFile)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	var certs *auth.CertIssuer
	if cfg.CertDir != "" {
		certs = auth.NewCertIssuer(cfg.CertDir)
	}

	nodes := NewNodeManager(tokens, certs, tracker, store, hub, cfg.Dev)
	ui := NewUIManager(hub, tracker, nodes)

	checker := health.NewChecker()
	checker.Register("disk", health.CheckDisk)

	probeInterval := time.Duration(cfg.ProbeIntervalSeconds) * time.Second
	prober := health.NewProber(probeInterval, nodes.Addresses, hub)

	return &Server{
		cfg:     cfg,
		logger:  logger,
		hub:     hub,
		tracker: tracker,
		store:   store,
		tokens:  tokens,
		nodes:   nodes,
		ui:      ui,
		checker: checker,
		prober:  prober,
	}, nil
}

// Handler builds the panel's full HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/nodes/ws", s.nodes.HandleWS)
	mux.HandleFunc("/api/ws", s.ui.HandleWS)

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/servers", s.handleServers)
	mux.HandleFunc("/api/servers/", s.handleServer)
	mux.HandleFunc("/api/nodes", s.handleNodes)
	mux.HandleFunc("/api/tokens", s.handleTokens)
	mux.HandleFunc("/api/logs", s.handleLogs)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.checker.Handler())
	mux.HandleFunc("/livez", health.LivenessHandler())
	mux.HandleFunc("/readyz", s.checker.ReadinessHandler())

	return s.metricsMiddleware(mux)
}

// metricsMiddleware records request counts and latency per path.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Websocket endpoints hold the connection open; measuring them
		// as request latency would only distort the histogram.
		if strings.HasSuffix(r.URL.Path, "/ws") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := metricPath(r.URL.Path)
		mr := metrics.Get()
		mr.APIRequests.WithLabelValues(path, strconv.Itoa(rec.code)).Inc()
		mr.APILatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// metricPath collapses per-server paths so label cardinality stays bounded.
func metricPath(p string) string {
	if strings.HasPrefix(p, "/api/servers/") {
		rest := strings.TrimPrefix(p, "/api/servers/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return "/api/servers/{id}/" + rest[i+1:]
		}
		return "/api/servers/{id}"
	}
	return p
}

// StatusInfo is the /api/status body.
type StatusInfo struct {
	Status    string `json:"status"`
	Nodes     int    `json:"nodes"`
	Servers   int    `json:"servers"`
	Running   int    `json:"running"`
	UptimeSec int64  `json:"uptimeSec"`
}

var startedAt = time.Now()

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	running := 0
	all := s.tracker.All()
	for _, st := range all {
		if st.State == protocol.StateRunning {
			running++
		}
	}
	WriteJSON(w, http.StatusOK, StatusInfo{
		Status:    "online",
		Nodes:     len(s.nodes.Nodes()),
		Servers:   len(all),
		Running:   running,
		UptimeSec: int64(time.Since(startedAt).Seconds()),
	})
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	WriteJSON(w, http.StatusOK, s.tracker.All())
}

// handleServer routes /api/servers/{id}/(transitions|command|console|files).
func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/servers/")
	serverID, sub, _ := strings.Cut(rest, "/")
	if serverID == "" {
		WriteError(w, http.StatusNotFound, "server id required")
		return
	}

	switch sub {
	case "":
		s.handleServerGet(w, r, serverID)
	case "transitions":
		s.handleTransitions(w, r, serverID)
	case "command":
		s.handleCommand(w, r, serverID)
	case "console":
		s.handleConsole(w, r, serverID)
	case "files":
		s.handleFiles(w, r, serverID)
	default:
		WriteError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleServerGet(w http.ResponseWriter, r *http.Request, serverID string) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st, ok := s.tracker.Get(serverID)
	if !ok {
		WriteError(w, http.StatusNotFound, "unknown server", serverID)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request, serverID string) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.store == nil {
		WriteError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}

	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	rows, err := s.store.Transitions(serverID, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load transitions", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, rows)
}

// CommandRequest is the /api/servers/{id}/command body.
type CommandRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, serverID string) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	action := protocol.ControlAction(req.Action)
	if !action.Valid() {
		WriteError(w, http.StatusBadRequest, "invalid action", req.Action)
		return
	}

	if err := s.nodes.Control(serverID, action); err != nil {
		if errors.Is(err, ErrNoNode) {
			WriteError(w, http.StatusConflict, "server has no connected node", serverID)
			return
		}
		WriteError(w, http.StatusBadGateway, "failed to reach node", err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// ConsoleRequest is the /api/servers/{id}/console body.
type ConsoleRequest struct {
	Input string `json:"input"`
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request, serverID string) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ConsoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := s.nodes.SendConsoleInput(serverID, req.Input); err != nil {
		if errors.Is(err, ErrNoNode) {
			WriteError(w, http.StatusConflict, "server has no connected node", serverID)
			return
		}
		WriteError(w, http.StatusBadGateway, "failed to reach node", err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// FileRequest is the /api/servers/{id}/files body. RequestID is assigned
// server-side.
type FileRequest struct {
	Op      string                  `json:"op"`
	Path    string                  `json:"path"`
	Data    []byte                  `json:"data,omitempty"`
	Options *protocol.FileOpOptions `json:"options,omitempty"`
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, serverID string) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req FileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	resp, err := s.nodes.FileOp(r.Context(), protocol.FileOperation{
		Op:       protocol.FileOpType(req.Op),
		ServerID: serverID,
		Path:     req.Path,
		Data:     req.Data,
		Options:  req.Options,
	})
	switch {
	case errors.Is(err, ErrNoNode):
		WriteError(w, http.StatusConflict, "server has no connected node", serverID)
	case errors.Is(err, session.ErrTimeout):
		WriteError(w, http.StatusGatewayTimeout, "node did not answer in time")
	case err != nil:
		WriteError(w, http.StatusBadGateway, "failed to reach node", err.Error())
	default:
		WriteJSON(w, http.StatusOK, resp)
	}
}

// NodeView joins live connection info with the persisted node registry.
type NodeView struct {
	NodeID    string `json:"nodeId"`
	Address   string `json:"address,omitempty"`
	Connected bool   `json:"connected"`
	Protocol  int    `json:"protocol,omitempty"`
	Health    string `json:"health,omitempty"`
	LastSeen  string `json:"lastSeen,omitempty"`
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	views := make(map[string]*NodeView)
	if s.store != nil {
		records, err := s.store.Nodes()
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to load nodes", err.Error())
			return
		}
		for _, rec := range records {
			views[rec.NodeID] = &NodeView{
				NodeID:   rec.NodeID,
				Address:  rec.Address,
				Health:   rec.Health,
				LastSeen: rec.LastSeen.UTC().Format(time.RFC3339),
			}
		}
	}
	for _, ni := range s.nodes.Nodes() {
		v, ok := views[ni.NodeID]
		if !ok {
			v = &NodeView{NodeID: ni.NodeID}
			views[ni.NodeID] = v
		}
		v.Connected = true
		v.Address = ni.Address
		v.Protocol = ni.Protocol
	}

	out := make([]NodeView, 0, len(views))
	for _, v := range views {
		out = append(out, *v)
	}
	WriteJSON(w, http.StatusOK, out)
}

// TokenRequest is the /api/tokens body for POST and DELETE.
type TokenRequest struct {
	NodeID    string `json:"nodeId"`
	TokenType string `json:"tokenType,omitempty"`
}

// TokenResponse carries a freshly minted token. This is the only time the
// plaintext token is ever returned.
type TokenResponse struct {
	NodeID    string `json:"nodeId"`
	Token     string `json:"token"`
	TokenType string `json:"tokenType"`
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		// Listing exposes metadata only; the hash stays server-side.
		type tokenInfo struct {
			NodeID    string `json:"nodeId"`
			TokenType string `json:"tokenType"`
			CreatedAt string `json:"createdAt"`
			LastSeen  string `json:"lastSeen,omitempty"`
			Revoked   bool   `json:"revoked,omitempty"`
		}
		tokens := s.tokens.List()
		out := make([]tokenInfo, 0, len(tokens))
		for _, nt := range tokens {
			info := tokenInfo{
				NodeID:    nt.NodeID,
				TokenType: string(nt.Type),
				CreatedAt: nt.CreatedAt.UTC().Format(time.RFC3339),
				Revoked:   nt.Revoked,
			}
			if !nt.LastSeen.IsZero() {
				info.LastSeen = nt.LastSeen.UTC().Format(time.RFC3339)
			}
			out = append(out, info)
		}
		WriteJSON(w, http.StatusOK, out)

	case http.MethodPost:
		req, tokenType, ok := decodeTokenRequest(w, r)
		if !ok {
			return
		}
		token, err := s.tokens.Mint(req.NodeID, tokenType)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to mint token", err.Error())
			return
		}
		WriteJSON(w, http.StatusCreated, TokenResponse{
			NodeID:    req.NodeID,
			Token:     token,
			TokenType: string(tokenType),
		})

	case http.MethodDelete:
		req, tokenType, ok := decodeTokenRequest(w, r)
		if !ok {
			return
		}
		if err := s.tokens.Revoke(req.NodeID, tokenType); err != nil {
			WriteError(w, http.StatusNotFound, "no such token", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})

	default:
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func decodeTokenRequest(w http.ResponseWriter, r *http.Request) (TokenRequest, protocol.TokenType, bool) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return req, "", false
	}
	if req.NodeID == "" {
		WriteError(w, http.StatusBadRequest, "nodeId required")
		return req, "", false
	}
	tokenType := protocol.TokenType(req.TokenType)
	if tokenType == "" {
		tokenType = protocol.TokenSecret
	}
	if tokenType != protocol.TokenSecret && tokenType != protocol.TokenAPIKey {
		WriteError(w, http.StatusBadRequest, "invalid tokenType", req.TokenType)
		return req, "", false
	}
	return req, tokenType, true
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	WriteJSON(w, http.StatusOK, logging.GetAppLogBuffer().GetAll())
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	s.prober.Start()

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(ln)
	}()
	s.logger.Info("panel listening", "addr", s.cfg.Listen)

	select {
	case <-ctx.Done():
		return s.Close()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close shuts everything down: HTTP first so no new traffic arrives, then
// the fan-out machinery, then persistence.
func (s *Server) Close() error {
	var firstErr error

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			firstErr = err
		}
	}

	s.prober.Stop()
	s.ui.Close()

	if s.store != nil {
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Hub exposes the event bus, mainly for tests and embedding.
func (s *Server) Hub() *events.Hub { return s.hub }

// Tracker exposes the state tracker.
func (s *Server) Tracker() *state.Tracker { return s.tracker }

// NodeManager exposes the node endpoint manager.
func (s *Server) NodeManager() *NodeManager { return s.nodes }

// Tokens exposes the node credential store.
func (s *Server) Tokens() *auth.Store { return s.tokens }
