package measurement

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/matthiaskaw/project-smart-lab/internal/adapters/observability"
	"github.com/matthiaskaw/project-smart-lab/internal/device"
	"github.com/matthiaskaw/project-smart-lab/internal/domain"
	"github.com/matthiaskaw/project-smart-lab/internal/pipe"
	"github.com/matthiaskaw/project-smart-lab/internal/platform"
	"github.com/matthiaskaw/project-smart-lab/internal/process"
)

func agentScript(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets and shell script agents")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 30\n"), 0o755))
	return path
}

func testDeviceOptions(t *testing.T) device.Options {
	return device.Options{
		ConnectTimeout:    2 * time.Second,
		HandshakeAttempts: 10,
		HandshakeDelay:    30 * time.Millisecond,
		ResponseTimeout:   time.Second,
		FinishGrace:       10 * time.Millisecond,
		CancelGrace:       10 * time.Millisecond,
		ParameterCacheTTL: time.Minute,
		BackupDir:         t.TempDir(),
		Channel:           pipe.Options{PrepareGrace: 10 * time.Millisecond},
		Process: process.Options{
			SettleDelay: 10 * time.Millisecond,
			StopTimeout: time.Second,
		},
	}
}

func testDevice(t *testing.T, tag string) (*device.Device, string) {
	t.Helper()
	id := fmt.Sprintf("%s_%d", tag, os.Getpid())
	cfg := &domain.DeviceConfig{
		ID:         id,
		Name:       "test device",
		Executable: agentScript(t),
		Identifier: "dummy",
	}
	tracker := pipe.NewArtifactTracker(t.TempDir(), observability.NewNop())
	d := device.New(cfg, tracker, observability.NewNop(), testDeviceOptions(t))
	t.Cleanup(func() { _ = d.Close() })
	return d, id
}

type agentConn struct {
	r    *bufio.Reader
	cmd  net.Conn
	resp net.Conn
}

func dialAgent(deviceID string) (*agentConn, error) {
	cmdPath := platform.UnixSocketPrefix + "serverToClient_" + deviceID
	respPath := platform.UnixSocketPrefix + "clientToServer_" + deviceID

	var cmdConn net.Conn
	var err error
	for i := 0; i < 100; i++ {
		cmdConn, err = net.Dial("unix", cmdPath)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		return nil, err
	}
	respConn, err := net.Dial("unix", respPath)
	if err != nil {
		cmdConn.Close()
		return nil, err
	}
	return &agentConn{r: bufio.NewReader(cmdConn), cmd: cmdConn, resp: respConn}, nil
}

func (a *agentConn) readCmd() (string, error) {
	line, err := a.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\n"), nil
}

func (a *agentConn) expect(want string) error {
	got, err := a.readCmd()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("agent expected command %q, got %q", want, got)
	}
	return nil
}

func (a *agentConn) reply(line string) error {
	_, err := a.resp.Write([]byte(line + "\n"))
	return err
}

func (a *agentConn) close() {
	a.cmd.Close()
	a.resp.Close()
}

func runAgent(deviceID string, script func(*agentConn) error) <-chan error {
	done := make(chan error, 1)
	go func() {
		a, err := dialAgent(deviceID)
		if err != nil {
			done <- err
			return
		}
		defer a.close()
		done <- script(a)
	}()
	return done
}

func drainUntilFinish(a *agentConn) error {
	for {
		cmd, err := a.readCmd()
		if err != nil || cmd == "FINISH" {
			return nil
		}
	}
}

func TestRunPublishesResult(t *testing.T) {
	d, id := testDevice(t, "meas_run")

	agent := runAgent(id, func(a *agentConn) error {
		if err := a.expect("INITIALIZE"); err != nil {
			return err
		}
		if err := a.reply("OK"); err != nil {
			return err
		}
		if err := a.expect("GETDATA_STRUCTURED"); err != nil {
			return err
		}
		if err := a.reply(`DATA:{"rawData":["1","2"]}`); err != nil {
			return err
		}
		return drainUntilFinish(a)
	})

	m := New(uuid.NewString(), "run", d, nil, observability.NewNop())
	require.NoError(t, m.Run(context.Background()))
	require.NoError(t, <-agent)

	select {
	case res := <-m.Result():
		require.Equal(t, m.ID(), res.MeasurementID)
		require.Equal(t, id, res.DeviceID)
		require.Equal(t, []string{"1", "2"}, res.RawData)
	default:
		t.Fatal("expected a published result")
	}

	// One-shot: nothing further arrives.
	select {
	case <-m.Result():
		t.Fatal("result channel fired twice")
	default:
	}

	require.Equal(t, device.StateClosed, d.State())
}

func TestRunWithParameters(t *testing.T) {
	d, id := testDevice(t, "meas_params")

	agent := runAgent(id, func(a *agentConn) error {
		if err := a.expect("INITIALIZE"); err != nil {
			return err
		}
		if err := a.reply("OK"); err != nil {
			return err
		}
		cmd, err := a.readCmd()
		if err != nil {
			return err
		}
		if !strings.HasPrefix(cmd, "SETPARAMETERS:") {
			return fmt.Errorf("expected SETPARAMETERS, got %q", cmd)
		}
		if err := a.reply("PARAMS_SET"); err != nil {
			return err
		}
		if err := a.expect("GETDATA_STRUCTURED"); err != nil {
			return err
		}
		if err := a.reply(`DATA:{"rawData":["7"]}`); err != nil {
			return err
		}
		return drainUntilFinish(a)
	})

	m := New(uuid.NewString(), "sweep", d, map[string]any{"voltage": 3.3}, observability.NewNop())
	require.NoError(t, m.Run(context.Background()))
	require.NoError(t, <-agent)

	res := <-m.Result()
	require.Equal(t, []string{"7"}, res.RawData)
}

func TestRunErrorPublishesNothing(t *testing.T) {
	cfg := &domain.DeviceConfig{ID: fmt.Sprintf("meas_bad_%d", os.Getpid()), Name: "bad"}
	tracker := pipe.NewArtifactTracker(t.TempDir(), observability.NewNop())
	d := device.New(cfg, tracker, observability.NewNop(), testDeviceOptions(t))

	m := New(uuid.NewString(), "broken", d, nil, observability.NewNop())
	err := m.Run(context.Background())
	require.ErrorIs(t, err, device.ErrConfigurationInvalid)

	select {
	case <-m.Result():
		t.Fatal("failed run must not publish")
	default:
	}
	require.Equal(t, device.StateClosed, d.State())
}

func TestCancelBeforeRunDisposesDevice(t *testing.T) {
	d, _ := testDevice(t, "meas_precancel")
	m := New(uuid.NewString(), "precancel", d, nil, observability.NewNop())

	m.Cancel()
	require.True(t, m.Cancelled())
	require.Equal(t, device.StateClosed, d.State())

	// Running a cancelled measurement fails fast and stays silent.
	err := m.Run(context.Background())
	require.Error(t, err)
	select {
	case <-m.Result():
		t.Fatal("cancelled run must not publish")
	default:
	}
}

func TestCancelDuringRunDisposesDevice(t *testing.T) {
	d, id := testDevice(t, "meas_cancel")

	agent := runAgent(id, func(a *agentConn) error {
		if err := a.expect("INITIALIZE"); err != nil {
			return err
		}
		if err := a.reply("OK"); err != nil {
			return err
		}
		// Swallow GETDATA_STRUCTURED and everything after without replying.
		for {
			if _, err := a.readCmd(); err != nil {
				return nil
			}
		}
	})

	m := New(uuid.NewString(), "cancelled", d, nil, observability.NewNop())
	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(context.Background()) }()

	// Let the run reach the blocking data read, then cancel.
	time.Sleep(300 * time.Millisecond)
	m.Cancel()

	select {
	case err := <-runDone:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	require.NoError(t, <-agent)

	select {
	case <-m.Result():
		t.Fatal("cancelled run must not publish")
	default:
	}
	require.Equal(t, device.StateClosed, d.State())
	require.False(t, d.IsRunning())
}

type recordingSink struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	err       error
}

func (s *recordingSink) MeasurementComplete(id string, raw []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	return s.err
}

func (s *recordingSink) MeasurementFailed(id string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, id)
	return s.err
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed), len(s.failed)
}

func TestDispatcherDeliversCompletions(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, observability.NewNop(), 4)

	d.Submit(Completion{MeasurementID: "m1", RawData: []string{"1"}})
	d.Submit(Completion{MeasurementID: "m2", Err: errors.New("boom")})

	require.Eventually(t, func() bool {
		c, f := sink.counts()
		return c == 1 && f == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestDispatcherSinkFailureIsRecoverable(t *testing.T) {
	sink := &recordingSink{err: errors.New("sink down")}
	d := NewDispatcher(sink, observability.NewNop(), 4)

	d.Submit(Completion{MeasurementID: "m1", RawData: []string{"1"}})
	d.Submit(Completion{MeasurementID: "m2", RawData: []string{"2"}})

	// Both deliveries are attempted despite the sink failing.
	require.Eventually(t, func() bool {
		c, _ := sink.counts()
		return c == 2
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestDispatcherCloseDrainsQueue(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, observability.NewNop(), 16)

	for i := 0; i < 10; i++ {
		d.Submit(Completion{MeasurementID: fmt.Sprintf("m%d", i), RawData: []string{"x"}})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	c, _ := sink.counts()
	require.Equal(t, 10, c)
}

func TestDispatcherSubmitAfterClose(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, observability.NewNop(), 4)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	// Dropped with a warning, never blocks.
	d.Submit(Completion{MeasurementID: "late"})
	c, f := sink.counts()
	require.Zero(t, c)
	require.Zero(t, f)
}
