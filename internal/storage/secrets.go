// Package storage - Secret persistence for swap sessions.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Secret errors.
var (
	ErrSecretNotFound      = errors.New("secret not found")
	ErrSecretAlreadyExists = errors.New("secret already exists for this session")
)

// Secret is a stored HTLC preimage bound to a session.
type Secret struct {
	SessionID  string
	Hashlock   string // hex, 32 bytes
	Plaintext  string // hex, 32 bytes; zeroed after retention
	CreatedAt  time.Time
	ReleasedTo string
	ReleasedAt *time.Time
}

// CreateSecret inserts a new secret row.
func (s *Store) CreateSecret(secret *Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO secrets (session_id, hashlock, plaintext, created_at)
		VALUES (?, ?, ?, ?)
	`, secret.SessionID, secret.Hashlock, secret.Plaintext, secret.CreatedAt.Unix())

	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrSecretAlreadyExists
		}
		return fmt.Errorf("failed to create secret: %w", err)
	}
	return nil
}

// GetSecret retrieves the secret for a session.
func (s *Store) GetSecret(sessionID string) (*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanSecret(s.db.QueryRow(`
		SELECT session_id, hashlock, plaintext, created_at, released_to, released_at
		FROM secrets WHERE session_id = ?
	`, sessionID))
}

// GetSecretByHashlock retrieves a secret by its hashlock.
func (s *Store) GetSecretByHashlock(hashlock string) (*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanSecret(s.db.QueryRow(`
		SELECT session_id, hashlock, plaintext, created_at, released_to, released_at
		FROM secrets WHERE hashlock = ?
	`, hashlock))
}

func (s *Store) scanSecret(row *sql.Row) (*Secret, error) {
	var secret Secret
	var releasedTo sql.NullString
	var createdAt int64
	var releasedAt sql.NullInt64

	err := row.Scan(&secret.SessionID, &secret.Hashlock, &secret.Plaintext,
		&createdAt, &releasedTo, &releasedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}

	secret.CreatedAt = time.Unix(createdAt, 0).UTC()
	if releasedTo.Valid {
		secret.ReleasedTo = releasedTo.String
	}
	if releasedAt.Valid {
		t := time.Unix(releasedAt.Int64, 0).UTC()
		secret.ReleasedAt = &t
	}
	return &secret, nil
}

// MarkReleased records an authorized release. Repeated releases to the same
// principal refresh released_at.
func (s *Store) MarkReleased(sessionID, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE secrets SET released_to = ?, released_at = ? WHERE session_id = ?
	`, principal, time.Now().Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark secret released: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSecretNotFound
	}
	return nil
}

// WipeSecretsBefore zeroes and removes the plaintext of secrets created
// before the cutoff whose session ids appear in terminal. Returns the
// number of wiped rows.
func (s *Store) WipeSecretsBefore(cutoff time.Time, terminal []string) (int, error) {
	if len(terminal) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(terminal)), ",")
	args := make([]interface{}, 0, len(terminal)+1)
	args = append(args, cutoff.Unix())
	for _, id := range terminal {
		args = append(args, id)
	}

	// Overwrite before delete so the plaintext does not linger in WAL pages.
	zeroed := strings.Repeat("00", 32)
	query := fmt.Sprintf(`
		UPDATE secrets SET plaintext = '%s'
		WHERE created_at < ? AND session_id IN (%s)
	`, zeroed, placeholders)
	if _, err := s.db.Exec(query, args...); err != nil {
		return 0, fmt.Errorf("failed to zero secrets: %w", err)
	}

	query = fmt.Sprintf(`
		DELETE FROM secrets WHERE created_at < ? AND session_id IN (%s)
	`, placeholders)
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to wipe secrets: %w", err)
	}

	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// isUniqueConstraintError checks for a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
