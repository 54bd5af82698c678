package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kestrel.gg/kestrel/internal/clock"
	"kestrel.gg/kestrel/internal/config"
	"kestrel.gg/kestrel/internal/health"
	"kestrel.gg/kestrel/internal/logging"
	"kestrel.gg/kestrel/internal/protocol"
	"kestrel.gg/kestrel/internal/session"
)

// Agent is the node daemon: one control channel to the panel, one
// supervisor for the local servers, one executor for file operations.
type Agent struct {
	cfg    *config.AgentConfig
	logger *logging.Logger

	sess  *session.Session
	sup   *Supervisor
	files *FileService
}

// New assembles an agent from its configuration.
func New(cfg *config.AgentConfig) (*Agent, error) {
	catalog, err := config.LoadTemplates(cfg.TemplateFile)
	if err != nil {
		return nil, err
	}

	resolved := make([]config.ServerConfig, 0, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		r, err := config.Resolve(srv, catalog)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, r)
	}

	sup, err := NewSupervisor(NewLocalRuntime(), cfg.DataDir, resolved, catalog)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:    cfg,
		logger: logging.WithComponent("agent"),
		sup:    sup,
	}
	a.files = NewFileService(sup.InstanceDir)

	a.sess = session.New(session.Config{
		ChannelURL:     cfg.ChannelURL,
		APIBase:        cfg.PanelURL,
		Dev:            cfg.Dev,
		Token:          cfg.Token,
		TokenType:      cfg.CredentialType(),
		NodeID:         cfg.NodeID,
		Handshake:      true,
		MaxAttempts:    cfg.MaxReconnectAttempts,
		BaseDelay:      cfg.ReconnectBaseDelay(),
		RequestTimeout: cfg.RequestTimeout(),
		Logger:         logging.WithComponent("agent.session"),
	}, session.Callbacks{
		OnOpen:    a.onOpen,
		OnClose:   a.onClose,
		OnError:   a.onError,
		OnMessage: a.onMessage,
	})

	return a, nil
}

// Run connects to the panel and serves until ctx is cancelled. The
// initial dial retries indefinitely; once a session has been established,
// drop recovery belongs to the session's own reconnect budget.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.connectWithRetry(ctx); err != nil {
		return err
	}

	a.sup.AutoStart()

	go a.pumpUpdates(ctx)
	go a.pumpConsole(ctx)
	go a.reportHealth(ctx)

	<-ctx.Done()

	a.logger.Info("shutting down")
	a.sup.Close()
	a.sess.Close()
	return nil
}

func (a *Agent) connectWithRetry(ctx context.Context) error {
	base := a.cfg.ReconnectBaseDelay()
	if base <= 0 {
		base = session.DefaultBaseDelay
	}

	for attempt := 1; ; attempt++ {
		err := a.sess.Connect()
		if err == nil {
			return nil
		}
		if errors.Is(err, session.ErrHandshakeRejected) {
			// Bad credentials will not improve on retry.
			return fmt.Errorf("panel rejected this node: %w", err)
		}

		delay := time.Duration(attempt) * base
		if max := time.Duration(session.DefaultMaxAttempts) * base; delay > max {
			delay = max
		}
		a.logger.Warn("panel unreachable, retrying", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// onOpen persists any transport material the panel issued, then sends
// the state of every instance so the panel converges even if it missed
// transitions while the channel was down.
func (a *Agent) onOpen() {
	if err := a.storeBootstrap(a.sess.Bootstrap()); err != nil {
		a.logger.Warn("failed to store transport material", "error", err)
	}
	for _, u := range a.sup.Statuses() {
		if err := a.sess.Send(u); err != nil {
			a.logger.Warn("status burst failed", "server", u.ServerID, "error", err)
			return
		}
	}
}

// storeBootstrap writes the panel-issued certificate and key under the
// data dir for transports that want them. Empty material is a no-op.
func (a *Agent) storeBootstrap(b protocol.NodeHandshakeResponse) error {
	if b.Cert == "" || b.Key == "" {
		return nil
	}
	dir := filepath.Join(a.cfg.DataDir, "transport")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "node.pem"), []byte(b.Cert), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "node.key"), []byte(b.Key), 0600)
}

func (a *Agent) onClose(err error) {
	a.logger.Warn("control channel closed", "error", err)
}

func (a *Agent) onError(err error) {
	if errors.Is(err, session.ErrMaxAttempts) {
		a.logger.Error("reconnect budget exhausted; waiting for operator intervention")
		return
	}
	a.logger.Warn("session error", "error", err)
}

func (a *Agent) onMessage(env protocol.Envelope) {
	switch m := env.(type) {
	case protocol.ServerControl:
		if err := a.sup.Apply(m); err != nil {
			a.logger.Warn("control command failed",
				"action", m.Action, "server", m.ServerID, "error", err)
		}
	case protocol.ConsoleInput:
		if err := a.sup.SendInput(m.ServerID, m.Input); err != nil {
			a.logger.Warn("console input failed", "server", m.ServerID, "error", err)
		}
	case protocol.FileOperation:
		// File ops can block on disk; never stall the read loop.
		go func() {
			resp := a.files.Handle(m)
			if err := a.sess.Send(resp); err != nil {
				a.logger.Warn("file operation response lost",
					"requestId", m.RequestID, "error", err)
			}
		}()
	}
}

func (a *Agent) pumpUpdates(ctx context.Context) {
	for {
		select {
		case u := <-a.sup.Updates():
			if err := a.sess.Send(u); err != nil {
				a.logger.Debug("state update not sent", "server", u.ServerID, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) pumpConsole(ctx context.Context) {
	for {
		select {
		case out := <-a.sup.Console():
			if err := a.sess.Send(out); err != nil {
				// Output while disconnected is dropped; consoles are a
				// live view, not a log store.
				continue
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) reportHealth(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HealthInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := health.Snapshot(a.cfg.DataDir)
			snap.Servers, snap.Running = a.sup.Counts()

			report := protocol.HealthReport{
				NodeID:    a.cfg.NodeID,
				Health:    snap,
				Timestamp: protocol.Millis(clock.Now()),
			}
			if err := a.sess.Send(report); err != nil {
				a.logger.Debug("health report not sent", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
