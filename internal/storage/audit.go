// Package storage - Append-only audit trail.
package storage

import (
	"fmt"
	"time"
)

// Audit event kinds.
const (
	AuditSecretDenied   = "secret_denied"
	AuditSecretReleased = "secret_released"
	AuditNoMatchEvent   = "no_match_event"
	AuditTerminal       = "session_terminal"
	AuditLateEvent      = "late_event"
)

// AuditEvent is one audit trail entry.
type AuditEvent struct {
	ID        int64
	SessionID string
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// AppendAudit records an audit event. Audit failures are returned but never
// block the operation being audited.
func (s *Store) AppendAudit(sessionID, kind, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO audit_events (session_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?)
	`, sessionID, kind, detail, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListAudit returns audit events for a session, oldest first.
func (s *Store) ListAudit(sessionID string) ([]*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, session_id, kind, detail, created_at
		FROM audit_events WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Kind, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		events = append(events, &ev)
	}
	return events, rows.Err()
}
