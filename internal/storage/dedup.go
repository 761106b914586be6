// Package storage - Durable event dedup log.
//
// Every event id the monitor accepts is appended to dedup.log, one id per
// line, so a restart replays the chain from the cursor without re-delivering
// events. The log is compacted on open: duplicate lines collapse and only
// the most recent maxEntries survive.
package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DedupLog is the append-only event-id log.
type DedupLog struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// OpenDedupLog opens (and compacts) the dedup log, returning the surviving
// ids in append order.
func (s *Store) OpenDedupLog(maxEntries int) (*DedupLog, []string, error) {
	path := filepath.Join(s.stateDir, "dedup.log")

	ids, err := readDedupIDs(path)
	if err != nil {
		return nil, nil, err
	}

	// Compact: drop duplicates (keep last occurrence order stable) and cap.
	seen := make(map[string]struct{}, len(ids))
	compacted := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		compacted = append(compacted, id)
	}
	if maxEntries > 0 && len(compacted) > maxEntries {
		compacted = compacted[len(compacted)-maxEntries:]
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compact dedup log: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, id := range compacted {
		fmt.Fprintln(w, id)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return nil, nil, err
	}
	if err := f.Close(); err != nil {
		return nil, nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, nil, fmt.Errorf("failed to commit dedup log: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open dedup log: %w", err)
	}

	return &DedupLog{path: path, file: file}, compacted, nil
}

// Append records an event id.
func (d *DedupLog) Append(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := fmt.Fprintln(d.file, id); err != nil {
		return fmt.Errorf("failed to append dedup entry: %w", err)
	}
	return nil
}

// Close closes the log file.
func (d *DedupLog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}

func readDedupIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read dedup log: %w", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			ids = append(ids, line)
		}
	}
	return ids, scanner.Err()
}
