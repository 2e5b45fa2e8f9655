// Package persistence loads and saves the state snapshot as a single
// JSON file, replaced atomically on every save. The state is small
// (bounded per circle), so a whole-file rewrite is simpler and safer
// than incremental writes.
package persistence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/felund/felund/internal/store"
)

const stateFileName = "state.json"

// ErrSchemaDrift is returned when the on-disk snapshot does not match
// the running version's schema. The wrapped message names the file so
// the operator can migrate or reset it.
var ErrSchemaDrift = errors.New("persistence: state schema mismatch")

// StatePath returns the snapshot location inside dir.
func StatePath(dir string) string {
	return filepath.Join(dir, stateFileName)
}

// Load reads the snapshot in dir. A missing file returns (nil, nil):
// the caller starts from an empty store. Unknown fields or a newer
// snapshot version fail fast with ErrSchemaDrift rather than silently
// dropping data.
func Load(dir string) (*store.Snapshot, error) {
	path := StatePath(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("persistence: read %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var snap store.Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w in %s: %v (delete or migrate the file to start with the current schema)", ErrSchemaDrift, path, err)
	}
	if snap.Version > store.SnapshotVersion {
		return nil, fmt.Errorf("%w in %s: snapshot version %d is newer than this build supports (%d)", ErrSchemaDrift, path, snap.Version, store.SnapshotVersion)
	}
	return &snap, nil
}

// Save writes snap to dir, creating it if needed, via temp file and
// atomic rename so a crash mid-write never corrupts the previous
// snapshot. The file is 0600: it carries circle secrets.
func Save(dir string, snap *store.Snapshot) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("persistence: create dir: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal: %w", err)
	}

	path := StatePath(dir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("persistence: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persistence: rename: %w", err)
	}
	return nil
}
