// Package storage - Chain cursor files.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// FileCursor persists a chain client's last-processed position as a decimal
// number in cursors/<name>.cursor. Implements chain.CursorStore.
type FileCursor struct {
	path string
	mu   sync.Mutex
}

// Cursor returns the cursor store for the named chain ("src" or "dst").
func (s *Store) Cursor(name string) *FileCursor {
	return &FileCursor{
		path: filepath.Join(s.stateDir, "cursors", name+".cursor"),
	}
}

// Load reads the persisted position. A missing file means position zero.
func (c *FileCursor) Load() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}

	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt cursor file %s: %w", c.path, err)
	}
	return v, nil
}

// Save writes the position atomically.
func (c *FileCursor) Save(position uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(position, 10)+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit cursor: %w", err)
	}
	return nil
}
