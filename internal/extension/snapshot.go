package extension

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tecvoz/porteiro/internal/directory"
)

// SnapshotFile is the name of the local extension snapshot, kept for
// compatibility with existing deployments.
const SnapshotFile = "ramais_config.json"

// SaveSnapshot writes the extension list to dir/ramais_config.json
// atomically. The snapshot is the startup fallback when the directory
// database is unreachable.
func SaveSnapshot(dir string, exts []directory.Extension) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("extension: snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(exts, "", "  ")
	if err != nil {
		return fmt.Errorf("extension: encode snapshot: %w", err)
	}

	final := filepath.Join(dir, SnapshotFile)
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("extension: snapshot temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("extension: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("extension: close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("extension: rename snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the local extension snapshot.
func LoadSnapshot(dir string) ([]directory.Extension, error) {
	data, err := os.ReadFile(filepath.Join(dir, SnapshotFile))
	if err != nil {
		return nil, fmt.Errorf("extension: read snapshot: %w", err)
	}
	var exts []directory.Extension
	if err := json.Unmarshal(data, &exts); err != nil {
		return nil, fmt.Errorf("extension: decode snapshot: %w", err)
	}
	return exts, nil
}
