package pipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matthiaskaw/project-smart-lab/internal/adapters/observability"
)

func TestArtifactTrackerRegisterUnregister(t *testing.T) {
	dir := t.TempDir()
	tracker := NewArtifactTracker(dir, observability.NewNop())
	list := filepath.Join(dir, "artifacts.list")

	tracker.Register("/tmp/CoreFxPipe_a")
	tracker.Register("/tmp/CoreFxPipe_b")
	tracker.Register("/tmp/CoreFxPipe_a") // duplicate is a no-op

	data, err := os.ReadFile(list)
	require.NoError(t, err)
	require.Equal(t, "/tmp/CoreFxPipe_a\n/tmp/CoreFxPipe_b\n", string(data))

	tracker.Unregister("/tmp/CoreFxPipe_a")
	data, err = os.ReadFile(list)
	require.NoError(t, err)
	require.Equal(t, "/tmp/CoreFxPipe_b\n", string(data))

	// Removing the last entry deletes the list file itself.
	tracker.Unregister("/tmp/CoreFxPipe_b")
	_, err = os.Stat(list)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestArtifactTrackerSweepStale(t *testing.T) {
	dir := t.TempDir()
	tracker := NewArtifactTracker(dir, observability.NewNop())

	stale := filepath.Join(dir, "stale.sock")
	require.NoError(t, os.WriteFile(stale, nil, 0o644))
	missing := filepath.Join(dir, "already-gone.sock")

	tracker.Register(stale)
	tracker.Register(missing)

	tracker.SweepStale()

	_, err := os.Stat(stale)
	require.ErrorIs(t, err, os.ErrNotExist, "sweep must delete listed artifacts")
	_, err = os.Stat(filepath.Join(dir, "artifacts.list"))
	require.ErrorIs(t, err, os.ErrNotExist, "sweep must clear the list")
}

func TestArtifactTrackerSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "orphan.sock")
	require.NoError(t, os.WriteFile(stale, nil, 0o644))

	NewArtifactTracker(dir, observability.NewNop()).Register(stale)

	// A fresh tracker over the same directory sees the crashed host's entry.
	fresh := NewArtifactTracker(dir, observability.NewNop())
	fresh.SweepStale()

	_, err := os.Stat(stale)
	require.ErrorIs(t, err, os.ErrNotExist)
}
