package device

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/matthiaskaw/project-smart-lab/internal/domain"
)

// BackupWriter persists every breakpoint chunk before it is acknowledged, so
// a crash mid-stream cannot lose data the agent believes was delivered.
type BackupWriter struct {
	dir string
}

func NewBackupWriter(dir string) *BackupWriter {
	return &BackupWriter{dir: dir}
}

// WriteChunk durably stores one chunk under <dir>/<deviceID>/chunk_<seq>.json.
// The file is synced before WriteChunk returns.
func (b *BackupWriter) WriteChunk(deviceID string, chunk *domain.BreakpointChunk) error {
	dir := filepath.Join(b.dir, deviceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("chunk backup dir: %w", err)
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk %d: %w", chunk.SequenceNumber, err)
	}

	path := b.ChunkPath(deviceID, chunk.SequenceNumber)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open chunk backup: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write chunk backup: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync chunk backup: %w", err)
	}
	return f.Close()
}

// ChunkPath is the backup location for one sequence number.
func (b *BackupWriter) ChunkPath(deviceID string, seq int) string {
	return filepath.Join(b.dir, deviceID, fmt.Sprintf("chunk_%06d.json", seq))
}
