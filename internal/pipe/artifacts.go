package pipe

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/matthiaskaw/project-smart-lab/internal/ports"
)

const artifactListName = "artifacts.list"

// ArtifactTracker keeps a durable list of channel socket artifacts so that
// leftovers from a crashed host can be removed on the next startup. Every
// operation is best-effort hygiene: failures are logged and swallowed, never
// propagated.
type ArtifactTracker struct {
	mu       sync.Mutex
	listPath string
	obs      ports.Observability
}

// NewArtifactTracker stores the artifact list under dir.
func NewArtifactTracker(dir string, obs ports.Observability) *ArtifactTracker {
	return &ArtifactTracker{
		listPath: filepath.Join(dir, artifactListName),
		obs:      obs,
	}
}

// Register appends path to the durable list.
func (t *ArtifactTracker) Register(path string) {
	if path == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	paths := t.loadLocked()
	for _, p := range paths {
		if p == path {
			return
		}
	}
	t.persistLocked(append(paths, path))
}

// Unregister removes matching entries, deleting the list file once empty.
func (t *ArtifactTracker) Unregister(path string) {
	if path == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	paths := t.loadLocked()
	kept := paths[:0]
	for _, p := range paths {
		if p != path {
			kept = append(kept, p)
		}
	}
	t.persistLocked(kept)
}

// SweepStale deletes every artifact still listed and clears the list. It must
// run once at host startup before anything else touches channels.
func (t *ArtifactTracker) SweepStale() {
	t.mu.Lock()
	defer t.mu.Unlock()

	paths := t.loadLocked()
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			t.obs.LogWarn("artifact_sweep_remove_failed",
				ports.Field{Key: "path", Value: p},
				ports.Field{Key: "error", Value: err.Error()})
			continue
		}
		t.obs.LogInfo("artifact_swept", ports.Field{Key: "path", Value: p})
	}
	t.persistLocked(nil)
}

func (t *ArtifactTracker) loadLocked() []string {
	data, err := os.ReadFile(t.listPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			t.obs.LogWarn("artifact_list_read_failed",
				ports.Field{Key: "error", Value: err.Error()})
		}
		return nil
	}

	var paths []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}

func (t *ArtifactTracker) persistLocked(paths []string) {
	if len(paths) == 0 {
		if err := os.Remove(t.listPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			t.obs.LogWarn("artifact_list_remove_failed",
				ports.Field{Key: "error", Value: err.Error()})
		}
		return
	}

	if err := os.MkdirAll(filepath.Dir(t.listPath), 0o755); err != nil {
		t.obs.LogWarn("artifact_list_dir_failed",
			ports.Field{Key: "error", Value: err.Error()})
		return
	}
	data := strings.Join(paths, "\n") + "\n"
	if err := os.WriteFile(t.listPath, []byte(data), 0o644); err != nil {
		t.obs.LogWarn("artifact_list_write_failed",
			ports.Field{Key: "error", Value: err.Error()})
	}
}
