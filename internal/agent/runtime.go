// Package agent implements the node-side daemon: it supervises game
// server processes, executes file operations, and reports everything the
// panel needs over the control channel.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"kestrel.gg/kestrel/internal/protocol"
)

// OutputChunk is one piece of process console output.
type OutputChunk struct {
	Stream protocol.Stream
	Data   []byte
}

// ExitResult describes how a process ended.
type ExitResult struct {
	Code int
	Err  error
}

// InstanceSpec is everything the runtime needs to launch one server.
type InstanceSpec struct {
	ID      string
	Command string
	Dir     string
	Env     map[string]string
}

// Process is a running server instance.
type Process interface {
	// WriteInput writes to the process's stdin.
	WriteInput(data []byte) error

	// Terminate asks the process to exit (SIGTERM).
	Terminate() error

	// Kill forcibly ends the process group.
	Kill() error

	// Output streams interleaved stdout/stderr chunks. Closed on exit.
	Output() <-chan OutputChunk

	// Done delivers the exit result exactly once.
	Done() <-chan ExitResult
}

// Runtime launches server processes. The local runtime shells out; a
// container runtime would satisfy the same interface.
type Runtime interface {
	Start(ctx context.Context, spec InstanceSpec) (Process, error)
}

// LocalRuntime runs servers as child processes under sh -c.
type LocalRuntime struct{}

// NewLocalRuntime returns the process-based runtime.
func NewLocalRuntime() *LocalRuntime {
	return &LocalRuntime{}
}

// Start launches the instance command in its working directory.
func (r *LocalRuntime) Start(ctx context.Context, spec InstanceSpec) (Process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("server %s has no start command", spec.ID)
	}
	if err := os.MkdirAll(spec.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create instance directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Own process group so Kill can take the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server %s: %w", spec.ID, err)
	}

	p := &localProcess{
		cmd:    cmd,
		stdin:  stdin,
		output: make(chan OutputChunk, 256),
		done:   make(chan ExitResult, 1),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.pump(stdout, protocol.StreamStdout, &readers)
	go p.pump(stderr, protocol.StreamStderr, &readers)

	go func() {
		readers.Wait()
		close(p.output)

		err := cmd.Wait()
		res := ExitResult{Err: err}
		if err == nil {
			res.Code = 0
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			res.Code = exitErr.ExitCode()
			res.Err = nil
		} else {
			res.Code = -1
		}
		p.done <- res
	}()

	return p, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output chan OutputChunk
	done   chan ExitResult

	writeMu sync.Mutex
}

func (p *localProcess) pump(r io.Reader, stream protocol.Stream, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
	for scanner.Scan() {
		line := append([]byte{}, scanner.Bytes()...)
		p.output <- OutputChunk{Stream: stream, Data: append(line, '\n')}
	}
}

func (p *localProcess) WriteInput(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.stdin.Write(data)
	return err
}

func (p *localProcess) Terminate() error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *localProcess) Kill() error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	// Negative pid signals the whole group.
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}

func (p *localProcess) Output() <-chan OutputChunk { return p.output }
func (p *localProcess) Done() <-chan ExitResult    { return p.done }
