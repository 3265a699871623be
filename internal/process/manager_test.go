package process

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matthiaskaw/project-smart-lab/internal/adapters/observability"
)

// writeScript drops a tiny shell agent into a temp dir. The ignore-TERM
// variant forces Stop through its kill escalation.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script agents")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testManager(t *testing.T) *Manager {
	return NewManager(observability.NewNop(), Options{
		SettleDelay: 10 * time.Millisecond,
		StopTimeout: time.Second,
	})
}

func TestStartMissingExecutable(t *testing.T) {
	m := testManager(t)
	err := m.Start(filepath.Join(t.TempDir(), "no-such-agent"), "dev1")
	require.ErrorIs(t, err, ErrExecutableNotFound)
	require.False(t, m.IsRunning())
}

func TestStartStopLifecycle(t *testing.T) {
	m := testManager(t)
	script := writeScript(t, "sleep 30")

	require.NoError(t, m.Start(script, "dev1"))
	require.True(t, m.IsRunning())
	require.NotZero(t, m.PID())

	require.NoError(t, m.Stop(time.Second))
	require.False(t, m.IsRunning())
}

func TestStopIsIdempotent(t *testing.T) {
	m := testManager(t)
	script := writeScript(t, "sleep 30")

	require.NoError(t, m.Start(script, "dev1"))
	require.NoError(t, m.Stop(time.Second))
	require.NoError(t, m.Stop(time.Second), "second stop must be a no-op")
	require.NoError(t, m.Stop(time.Second))
}

func TestStopNeverStarted(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Stop(time.Second))
}

func TestStopEscalatesToKill(t *testing.T) {
	m := testManager(t)
	script := writeScript(t, "trap '' INT TERM\nsleep 60")

	require.NoError(t, m.Start(script, "dev1"))
	require.NoError(t, m.Stop(500*time.Millisecond))
	require.False(t, m.IsRunning())
}

func TestStartWhileRunningRestarts(t *testing.T) {
	m := testManager(t)
	script := writeScript(t, "sleep 30")

	require.NoError(t, m.Start(script, "dev1"))
	first := m.PID()

	require.NoError(t, m.Start(script, "dev1"))
	require.True(t, m.IsRunning())
	require.NotEqual(t, first, m.PID(), "restart must spawn a fresh process")

	require.NoError(t, m.Stop(time.Second))
}

func TestAgentExitObserved(t *testing.T) {
	m := testManager(t)
	script := writeScript(t, "exit 0")

	require.NoError(t, m.Start(script, "dev1"))
	require.Eventually(t, func() bool { return !m.IsRunning() },
		2*time.Second, 20*time.Millisecond)
}
