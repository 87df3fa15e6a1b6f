// Package backend starts and supervises the language server child process.
package backend

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("goalproxy.backend")

// DefaultCommand starts the Lean server through Lake with let values shown in
// goal displays.
var DefaultCommand = []string{"lake", "serve", "--", "-D", "pp.showLetValues=true"}

// DefaultUnsetEnv lists variables removed from the child environment so that
// Lake chooses the toolchain of the project.
var DefaultUnsetEnv = []string{"LEAN_PATH", "LEAN_SYSROOT"}

// Sentinel errors.
var (
	// ErrNoCommand is returned when the command line is empty.
	ErrNoCommand = errors.New("no backend command")

	// ErrNotRunning is returned when signalling a process that has exited.
	ErrNotRunning = errors.New("backend not running")
)

// State represents the state of the backend process.
type State int32

const (
	// StateRunning indicates the process is running.
	StateRunning State = iota
	// StateExited indicates the process exited on its own or after stdin closed.
	StateExited
	// StateKilled indicates the process was killed by a signal.
	StateKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Config describes how to start the backend.
type Config struct {
	// Command is the program and its arguments.
	Command []string

	// Dir is the working directory; empty means the current one.
	Dir string

	// UnsetEnv names variables removed from the inherited environment.
	UnsetEnv []string

	// Env holds extra KEY=VALUE entries.
	Env []string

	// Stderr receives the child's stderr. When nil, each line is logged.
	Stderr io.Writer
}

// DefaultConfig returns the configuration for `lake serve`.
func DefaultConfig() Config {
	return Config{
		Command:  append([]string(nil), DefaultCommand...),
		UnsetEnv: append([]string(nil), DefaultUnsetEnv...),
	}
}

// Process is a running backend. Stdin and Stdout carry the LSP stream.
type Process struct {
	// ID identifies this backend instance in logs.
	ID string

	Cmd     *exec.Cmd
	Stdin   io.WriteCloser
	Stdout  io.ReadCloser
	Started time.Time

	done     chan struct{}
	state    atomic.Int32
	exitCode atomic.Int32

	mu      sync.RWMutex
	exitErr error

	closeOnce sync.Once
}

// Start launches the backend described by cfg.
func Start(cfg Config) (*Process, error) {
	if len(cfg.Command) == 0 {
		return nil, ErrNoCommand
	}
	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(filterEnv(os.Environ(), cfg.UnsetEnv), cfg.Env...)

	p := &Process{
		ID:   uuid.New().String(),
		Cmd:  cmd,
		done: make(chan struct{}),
	}
	p.exitCode.Store(-1)

	var err error
	if p.Stdin, err = cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	// Wait closes pipes made by StdoutPipe, which would lose frames still
	// buffered when the child exits; the read end here stays with the caller.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		p.Stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	p.Stdout = stdout
	var stderr io.ReadCloser
	if cfg.Stderr != nil {
		cmd.Stderr = cfg.Stderr
	} else if stderr, err = cmd.StderrPipe(); err != nil {
		p.Stdin.Close()
		stdout.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	err = cmd.Start()
	stdoutW.Close()
	if err != nil {
		p.Stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("start %s: %w", cfg.Command[0], err)
	}
	p.Started = time.Now()
	p.state.Store(int32(StateRunning))
	log.Infof("backend %s started: %s (pid %d)", p.ID, strings.Join(cfg.Command, " "), cmd.Process.Pid)

	var drained sync.WaitGroup
	if stderr != nil {
		drained.Add(1)
		go func() {
			defer drained.Done()
			logLines(stderr)
		}()
	}
	go p.wait(&drained)
	return p, nil
}

func logLines(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		log.Info(scanner.Text())
	}
}

// wait reaps the process once stderr has been drained, as exec.Cmd.Wait
// requires.
func (p *Process) wait(drained *sync.WaitGroup) {
	drained.Wait()
	err := p.Cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()

	code := 0
	state := StateExited
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				state = StateKilled
			}
		} else {
			code = -1
		}
	}
	p.exitCode.Store(int32(code))
	p.state.Store(int32(state))
	log.Infof("backend %s %s (code %d)", p.ID, state, code)
	close(p.done)
}

// State returns the current process state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// ExitCode returns the exit code, or -1 while running.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns the error from waiting on the process.
func (p *Process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// PID returns the process id.
func (p *Process) PID() int {
	return p.Cmd.Process.Pid
}

// Signal sends sig to the process.
func (p *Process) Signal(sig os.Signal) error {
	if p.State() != StateRunning {
		return ErrNotRunning
	}
	return p.Cmd.Process.Signal(sig)
}

// Close closes the child's stdin, which a language server treats as the end
// of the session. It does not wait.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.Stdin.Close()
	})
	return err
}

// Stop closes stdin and waits up to grace for the process to exit, then
// sends SIGTERM and, after another grace period, SIGKILL.
func (p *Process) Stop(grace time.Duration) {
	defer p.Stdout.Close()
	p.Close()
	if p.waitFor(grace) {
		return
	}
	log.Warningf("backend %s did not exit, terminating", p.ID)
	_ = p.Signal(syscall.SIGTERM)
	if p.waitFor(grace) {
		return
	}
	log.Warningf("backend %s did not terminate, killing", p.ID)
	_ = p.Signal(syscall.SIGKILL)
	<-p.done
}

func (p *Process) waitFor(d time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(d):
		return false
	}
}

// filterEnv returns environ without the named variables.
func filterEnv(environ, unset []string) []string {
	if len(unset) == 0 {
		return environ
	}
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		drop := false
		for _, u := range unset {
			if name == u {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, kv)
		}
	}
	return out
}
