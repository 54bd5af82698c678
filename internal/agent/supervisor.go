package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"kestrel.gg/kestrel/internal/clock"
	"kestrel.gg/kestrel/internal/config"
	"kestrel.gg/kestrel/internal/logging"
	"kestrel.gg/kestrel/internal/protocol"
)

// Supervisor owns the lifecycle of every server instance on this node.
// It is the authoritative source of state: each transition it emits
// carries a per-server monotonic timestamp, so consumers can discard
// anything that arrives out of order.
type Supervisor struct {
	logger  *logging.Logger
	runtime Runtime
	dataDir string
	catalog map[string]config.Template

	mu        sync.Mutex
	instances map[string]*instance

	updates chan protocol.ServerStateUpdate
	console chan protocol.ConsoleOutput
}

type instance struct {
	cfg    config.ServerConfig
	state  protocol.ServerState
	lastTS int64

	proc    Process
	cancel  context.CancelFunc
	stopper *time.Timer

	// stopRequested distinguishes an operator stop from a crash when
	// the process exits.
	stopRequested bool
	exitCode      *int
	reason        string
}

// NewSupervisor builds the instance table from the configured servers,
// resolving templates. All instances begin stopped.
func NewSupervisor(runtime Runtime, dataDir string, servers []config.ServerConfig, catalog map[string]config.Template) (*Supervisor, error) {
	s := &Supervisor{
		logger:    logging.WithComponent("supervisor"),
		runtime:   runtime,
		dataDir:   dataDir,
		catalog:   catalog,
		instances: make(map[string]*instance),
		updates:   make(chan protocol.ServerStateUpdate, 128),
		console:   make(chan protocol.ConsoleOutput, 512),
	}

	for _, srv := range servers {
		resolved, err := config.Resolve(srv, catalog)
		if err != nil {
			return nil, err
		}
		if _, dup := s.instances[resolved.ID]; dup {
			return nil, fmt.Errorf("duplicate server id %q", resolved.ID)
		}
		s.instances[resolved.ID] = &instance{
			cfg:   resolved,
			state: protocol.StateStopped,
		}
	}
	return s, nil
}

// Updates streams every accepted state transition.
func (s *Supervisor) Updates() <-chan protocol.ServerStateUpdate { return s.updates }

// Console streams server console output.
func (s *Supervisor) Console() <-chan protocol.ConsoleOutput { return s.console }

// Apply executes one control command from the panel.
func (s *Supervisor) Apply(cmd protocol.ServerControl) error {
	switch cmd.Action {
	case protocol.ActionStart:
		return s.Start(cmd.ServerID)
	case protocol.ActionStop:
		return s.Stop(cmd.ServerID)
	case protocol.ActionKill:
		return s.Kill(cmd.ServerID)
	case protocol.ActionRestart, protocol.ActionReboot:
		// reboot is the legacy panel wording for restart.
		return s.Restart(cmd.ServerID)
	default:
		return fmt.Errorf("unknown control action %q", cmd.Action)
	}
}

// Start brings a stopped or crashed server up, running its install
// script first if the instance directory is fresh.
func (s *Supervisor) Start(id string) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown server %q", id)
	}
	switch inst.state {
	case protocol.StateStopped, protocol.StateCrashed, protocol.StateError:
	case protocol.StateSuspended:
		s.mu.Unlock()
		return fmt.Errorf("server %s is suspended", id)
	default:
		s.mu.Unlock()
		return fmt.Errorf("server %s is %s", id, inst.state)
	}

	inst.stopRequested = false
	inst.exitCode = nil
	dir := s.instanceDir(inst)
	needsInstall := s.needsInstall(inst, dir)
	if needsInstall {
		s.setStateLocked(inst, protocol.StateInstalling, "first start", nil)
	} else {
		s.setStateLocked(inst, protocol.StateStarting, "", nil)
	}
	s.mu.Unlock()

	go s.bringUp(inst, dir, needsInstall)
	return nil
}

func (s *Supervisor) bringUp(inst *instance, dir string, install bool) {
	if install {
		if err := s.runInstall(inst, dir); err != nil {
			s.logger.Error("install failed", "server", inst.cfg.ID, "error", err)
			s.setState(inst, protocol.StateError, fmt.Sprintf("install failed: %v", err), nil)
			return
		}
		s.setState(inst, protocol.StateStarting, "", nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	proc, err := s.runtime.Start(ctx, InstanceSpec{
		ID:      inst.cfg.ID,
		Command: inst.cfg.Command,
		Dir:     dir,
		Env:     inst.cfg.Env,
	})
	if err != nil {
		cancel()
		s.setState(inst, protocol.StateError, err.Error(), nil)
		return
	}

	s.mu.Lock()
	inst.proc = proc
	inst.cancel = cancel
	s.setStateLocked(inst, protocol.StateRunning, "", nil)
	s.mu.Unlock()

	go s.pumpConsole(inst.cfg.ID, proc)
	go s.watch(inst, proc)
}

func (s *Supervisor) runInstall(inst *instance, dir string) error {
	tmpl, ok := s.catalog[inst.cfg.Template]
	if !ok || tmpl.InstallScript == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	cmd := exec.Command("sh", "-c", tmpl.InstallScript)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range inst.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(out))
	}
	return os.WriteFile(filepath.Join(dir, ".kestrel_installed"), nil, 0o644)
}

// watch waits for the process to exit and records the outcome.
func (s *Supervisor) watch(inst *instance, proc Process) {
	res := <-proc.Done()

	s.mu.Lock()
	defer s.mu.Unlock()

	if inst.stopper != nil {
		inst.stopper.Stop()
		inst.stopper = nil
	}
	if inst.cancel != nil {
		inst.cancel()
		inst.cancel = nil
	}
	inst.proc = nil

	code := res.Code
	inst.exitCode = &code

	if inst.state == protocol.StateSuspended {
		// Suspension already emitted its transition.
		return
	}
	if inst.stopRequested {
		s.setStateLocked(inst, protocol.StateStopped, "", &code)
		return
	}
	reason := fmt.Sprintf("process exited with code %d", code)
	if res.Err != nil {
		reason = res.Err.Error()
	}
	s.setStateLocked(inst, protocol.StateCrashed, reason, &code)
}

func (s *Supervisor) pumpConsole(id string, proc Process) {
	for chunk := range proc.Output() {
		s.console <- protocol.ConsoleOutput{
			ServerID:  id,
			Timestamp: protocol.Millis(clock.Now()),
			Data:      string(chunk.Data),
			Stream:    chunk.Stream,
		}
	}
}

// Stop shuts a running server down gracefully: the configured stop
// command on stdin when there is one, SIGTERM otherwise, escalating to
// kill after the stop timeout.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("unknown server %q", id)
	}
	if inst.state != protocol.StateRunning && inst.state != protocol.StateStarting {
		return fmt.Errorf("server %s is %s", id, inst.state)
	}

	inst.stopRequested = true
	s.setStateLocked(inst, protocol.StateStopping, "", nil)

	proc := inst.proc
	if proc == nil {
		return nil
	}

	var err error
	if inst.cfg.StopCommand != "" {
		err = proc.WriteInput([]byte(inst.cfg.StopCommand + "\n"))
	} else {
		err = proc.Terminate()
	}
	if err != nil {
		return proc.Kill()
	}

	inst.stopper = time.AfterFunc(inst.cfg.StopTimeout(), func() {
		s.logger.Warn("graceful stop timed out, killing", "server", id)
		proc.Kill()
	})
	return nil
}

// Kill forcibly ends a server.
func (s *Supervisor) Kill(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("unknown server %q", id)
	}
	if inst.proc == nil {
		return fmt.Errorf("server %s is not running", id)
	}
	inst.stopRequested = true
	s.setStateLocked(inst, protocol.StateStopping, "killed by operator", nil)
	return inst.proc.Kill()
}

// Restart stops the server, waits for it to land, and starts it again.
func (s *Supervisor) Restart(id string) error {
	if err := s.Stop(id); err != nil {
		return err
	}
	go func() {
		deadline := time.After(2 * time.Minute)
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				s.mu.Lock()
				inst := s.instances[id]
				settled := inst != nil && inst.state == protocol.StateStopped
				s.mu.Unlock()
				if settled {
					if err := s.Start(id); err != nil {
						s.logger.Error("restart failed", "server", id, "error", err)
					}
					return
				}
			case <-deadline:
				s.logger.Error("restart timed out waiting for stop", "server", id)
				return
			}
		}
	}()
	return nil
}

// Suspend stops a server (if needed) and bars it from starting until
// Resume. Used by the panel for billing holds.
func (s *Supervisor) Suspend(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("unknown server %q", id)
	}
	if inst.proc != nil {
		inst.stopRequested = true
		inst.proc.Kill()
	}
	s.setStateLocked(inst, protocol.StateSuspended, "suspended by panel", nil)
	return nil
}

// Resume lifts a suspension, landing the server back in stopped.
func (s *Supervisor) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("unknown server %q", id)
	}
	if inst.state != protocol.StateSuspended {
		return fmt.Errorf("server %s is not suspended", id)
	}
	s.setStateLocked(inst, protocol.StateStopped, "suspension lifted", nil)
	return nil
}

// SendInput writes operator input to a running server's stdin.
func (s *Supervisor) SendInput(id, input string) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	var proc Process
	if ok {
		proc = inst.proc
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown server %q", id)
	}
	if proc == nil {
		return fmt.Errorf("server %s is not running", id)
	}
	return proc.WriteInput([]byte(input + "\n"))
}

// Statuses snapshots every instance as a state update, for the initial
// burst after (re)connecting to the panel.
func (s *Supervisor) Statuses() []protocol.ServerStateUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.ServerStateUpdate, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, s.updateLocked(inst))
	}
	return out
}

// Counts reports total and running instances for the health snapshot.
func (s *Supervisor) Counts() (total, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		total++
		if inst.state == protocol.StateRunning {
			running++
		}
	}
	return total, running
}

// InstanceDir exposes the on-disk directory of a server, for file ops.
func (s *Supervisor) InstanceDir(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return "", fmt.Errorf("unknown server %q", id)
	}
	return s.instanceDir(inst), nil
}

// AutoStart launches every server configured to start with the agent.
func (s *Supervisor) AutoStart() {
	s.mu.Lock()
	var ids []string
	for id, inst := range s.instances {
		if inst.cfg.AutoStart {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Start(id); err != nil {
			s.logger.Error("autostart failed", "server", id, "error", err)
		}
	}
}

// Close kills everything still running. Transitions still flow to the
// updates channel for the session to drain if it is alive.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.proc != nil {
			inst.stopRequested = true
			inst.proc.Kill()
		}
	}
}

func (s *Supervisor) instanceDir(inst *instance) string {
	if inst.cfg.WorkDir != "" {
		return inst.cfg.WorkDir
	}
	return filepath.Join(s.dataDir, inst.cfg.ID)
}

func (s *Supervisor) needsInstall(inst *instance, dir string) bool {
	tmpl, ok := s.catalog[inst.cfg.Template]
	if !ok || tmpl.InstallScript == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, ".kestrel_installed"))
	return err != nil
}

func (s *Supervisor) setState(inst *instance, state protocol.ServerState, reason string, exitCode *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(inst, state, reason, exitCode)
}

// setStateLocked records a transition and emits it. The timestamp is
// forced strictly past the previous one so a consumer never sees this
// server move backward.
func (s *Supervisor) setStateLocked(inst *instance, state protocol.ServerState, reason string, exitCode *int) {
	ts := protocol.Millis(clock.Now())
	if ts <= inst.lastTS {
		ts = inst.lastTS + 1
	}
	inst.lastTS = ts
	inst.state = state
	inst.reason = reason
	if exitCode != nil {
		inst.exitCode = exitCode
	}

	s.logger.Info("state transition", "server", inst.cfg.ID, "state", state, "reason", reason)

	select {
	case s.updates <- s.updateLocked(inst):
	default:
		s.logger.Warn("update channel full, dropping transition", "server", inst.cfg.ID)
	}
}

func (s *Supervisor) updateLocked(inst *instance) protocol.ServerStateUpdate {
	u := protocol.ServerStateUpdate{
		ServerID:  inst.cfg.ID,
		State:     inst.state,
		Timestamp: inst.lastTS,
		Reason:    inst.reason,
	}
	if len(inst.cfg.Ports) > 0 {
		u.Ports = make(map[string]int, len(inst.cfg.Ports))
		for k, v := range inst.cfg.Ports {
			u.Ports[k] = v
		}
	}
	if inst.state == protocol.StateCrashed || inst.state == protocol.StateStopped {
		u.ExitCode = inst.exitCode
	}
	return u
}
