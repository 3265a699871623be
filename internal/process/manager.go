// Package process manages the lifecycle of one externally launched device
// agent executable.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/matthiaskaw/project-smart-lab/internal/ports"
)

// ErrExecutableNotFound is returned by Start when the configured executable
// path does not exist.
var ErrExecutableNotFound = errors.New("process: executable not found")

// Options tunes process timing. The zero value gets production defaults.
type Options struct {
	// SettleDelay is how long Start waits after spawning so the agent can
	// begin its own connection attempt.
	SettleDelay time.Duration
	// StopTimeout bounds each stage of the graceful-then-forceful stop.
	StopTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.SettleDelay == 0 {
		o.SettleDelay = 500 * time.Millisecond
	}
	if o.StopTimeout == 0 {
		o.StopTimeout = 5 * time.Second
	}
}

// Manager spawns, observes, and stops a single agent process. One manager is
// created per device instance and never shared.
type Manager struct {
	opts Options
	obs  ports.Observability

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

func NewManager(obs ports.Observability, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{opts: opts, obs: obs}
}

// Start launches the executable with the device's unique identifier as its
// sole argument. A process already running under this manager is stopped
// first. Output streams are forwarded line-by-line into the log.
func (m *Manager) Start(executable, deviceID string) error {
	if _, err := os.Stat(executable); err != nil {
		return fmt.Errorf("%w: %s", ErrExecutableNotFound, executable)
	}

	if m.IsRunning() {
		m.obs.LogWarn("agent_already_running_restarting",
			ports.Field{Key: "device_id", Value: deviceID})
		if err := m.Stop(m.opts.StopTimeout); err != nil {
			return err
		}
	}

	cmd := exec.Command(executable, deviceID)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("agent stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent %s: %w", executable, err)
	}

	go m.forwardLines(deviceID, "stdout", stdout)
	go m.forwardLines(deviceID, "stderr", stderr)

	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		if err != nil {
			m.obs.LogWarn("agent_exited",
				ports.Field{Key: "device_id", Value: deviceID},
				ports.Field{Key: "error", Value: err.Error()})
		}
		close(done)
	}()

	m.mu.Lock()
	m.cmd = cmd
	m.done = done
	m.mu.Unlock()

	m.obs.LogInfo("agent_started",
		ports.Field{Key: "device_id", Value: deviceID},
		ports.Field{Key: "pid", Value: cmd.Process.Pid})

	// Give the agent time to begin dialing the channel.
	time.Sleep(m.opts.SettleDelay)
	return nil
}

// Stop attempts a graceful shutdown signal, then force-terminates. Calling it
// on an already-exited or never-started process is a no-op.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	cmd := m.cmd
	done := m.done
	m.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = m.opts.StopTimeout
	}

	select {
	case <-done:
		return nil
	default:
	}

	if err := interrupt(cmd); err != nil {
		m.obs.LogWarn("agent_interrupt_failed",
			ports.Field{Key: "pid", Value: cmd.Process.Pid},
			ports.Field{Key: "error", Value: err.Error()})
	}
	if waitDone(done, timeout) {
		return nil
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.obs.LogWarn("agent_kill_failed",
			ports.Field{Key: "pid", Value: cmd.Process.Pid},
			ports.Field{Key: "error", Value: err.Error()})
	}
	if !waitDone(done, timeout) {
		return fmt.Errorf("agent pid %d did not exit after kill", cmd.Process.Pid)
	}
	return nil
}

// IsRunning reports whether the agent process is alive.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil || m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// PID returns the agent's process id, or 0 if never started.
func (m *Manager) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil || m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}

func (m *Manager) forwardLines(deviceID, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m.obs.LogInfo("agent_output",
			ports.Field{Key: "device_id", Value: deviceID},
			ports.Field{Key: "stream", Value: stream},
			ports.Field{Key: "line", Value: scanner.Text()})
	}
}

func interrupt(cmd *exec.Cmd) error {
	if runtime.GOOS == "windows" {
		// No Interrupt on windows; escalate straight to Kill in Stop.
		return nil
	}
	err := cmd.Process.Signal(os.Interrupt)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
