// Package storage - Session snapshot files.
//
// Snapshots live at sessions/<id>.json under the state directory. They are
// written atomically (temp file + rename) so a crash mid-write never leaves
// a truncated snapshot.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SaveSnapshot writes the JSON snapshot for a session.
func (s *Store) SaveSnapshot(sessionID string, data []byte) error {
	if !validSnapshotID(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}

	path := filepath.Join(s.stateDir, "sessions", sessionID+".json")
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// LoadSnapshots reads every session snapshot, keyed by session id.
func (s *Store) LoadSnapshots() (map[string][]byte, error) {
	dir := filepath.Join(s.stateDir, "sessions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]byte{}, nil
		}
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	snapshots := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot %s: %w", name, err)
		}
		snapshots[strings.TrimSuffix(name, ".json")] = data
	}
	return snapshots, nil
}

// DeleteSnapshot removes a session snapshot. Missing snapshots are not an
// error.
func (s *Store) DeleteSnapshot(sessionID string) error {
	if !validSnapshotID(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	err := os.Remove(filepath.Join(s.stateDir, "sessions", sessionID+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// validSnapshotID rejects ids that could escape the sessions directory.
func validSnapshotID(id string) bool {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return false
	}
	return true
}
