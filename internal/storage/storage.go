// Package storage provides persistent state for the orchestrator: a SQLite
// database for secrets and audit events, plus the file-based state layout
// (session snapshots, chain cursors, dedup log) that survives restarts.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store provides persistent storage rooted at a single state directory.
type Store struct {
	db       *sql.DB
	stateDir string
	mu       sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	StateDir string
}

// New creates the state directory layout and opens the database.
func New(cfg *Config) (*Store, error) {
	stateDir := cfg.StateDir
	for _, dir := range []string{stateDir, filepath.Join(stateDir, "sessions"), filepath.Join(stateDir, "cursors")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	dbPath := filepath.Join(stateDir, "orchestrator.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{
		db:       db,
		stateDir: stateDir,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// StateDir returns the root state directory.
func (s *Store) StateDir() string {
	return s.stateDir
}

// initSchema creates all database tables.
func (s *Store) initSchema() error {
	schema := `
	-- Secrets table: one row per session. The plaintext column is wiped
	-- (zeroed, then deleted) once the retention window passes.
	CREATE TABLE IF NOT EXISTS secrets (
		session_id TEXT PRIMARY KEY,
		hashlock TEXT NOT NULL UNIQUE,
		plaintext TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		released_to TEXT,
		released_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_secrets_hashlock ON secrets(hashlock);

	-- Audit events: release denials, no-match chain events, terminal
	-- transitions. Append-only.
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		kind TEXT NOT NULL,
		detail TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_events(session_id);
	CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_events(kind);
	`

	_, err := s.db.Exec(schema)
	return err
}
