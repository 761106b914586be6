// Package secret manages HTLC preimages: generation, custody, the release
// policy, and retention-based wiping. The orchestrator is the only holder of
// a session's secret until the release policy says otherwise.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ppezzull/1balancer-sub000/internal/fault"
	"github.com/ppezzull/1balancer-sub000/internal/storage"
	"github.com/ppezzull/1balancer-sub000/pkg/logging"
)

// SecretSize is the preimage length in bytes.
const SecretSize = 32

// Manager generates, stores, and releases swap secrets.
type Manager struct {
	store  *storage.Store
	logger *logging.Logger
}

// NewManager creates a secret manager backed by the given store.
func NewManager(store *storage.Store, logger *logging.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.Component("secret"),
	}
}

// Generate creates a fresh 32-byte secret for a session, persists it, and
// returns the SHA-256 hashlock. The plaintext never leaves the store except
// through Release.
func (m *Manager) Generate(sessionID string) ([32]byte, error) {
	var plaintext [SecretSize]byte
	if _, err := rand.Read(plaintext[:]); err != nil {
		// A failing CSPRNG means nothing downstream can be trusted.
		return [32]byte{}, fault.Wrap(fault.Internal, "secure random source failed", err)
	}

	hashlock := sha256.Sum256(plaintext[:])

	err := m.store.CreateSecret(&storage.Secret{
		SessionID: sessionID,
		Hashlock:  hex.EncodeToString(hashlock[:]),
		Plaintext: hex.EncodeToString(plaintext[:]),
		CreatedAt: time.Now().UTC(),
	})
	// Zero the stack copy regardless of outcome.
	for i := range plaintext {
		plaintext[i] = 0
	}
	if err != nil {
		if err == storage.ErrSecretAlreadyExists {
			return [32]byte{}, fault.Wrap(fault.StateConflict, "session already has a secret", err)
		}
		return [32]byte{}, fault.Wrap(fault.Internal, "failed to persist secret", err)
	}

	m.logger.Debug("secret generated", "session_id", sessionID)
	return hashlock, nil
}

// HashlockFor returns the stored hashlock for a session as raw bytes.
func (m *Manager) HashlockFor(sessionID string) ([32]byte, error) {
	stored, err := m.store.GetSecret(sessionID)
	if err != nil {
		if err == storage.ErrSecretNotFound {
			return [32]byte{}, fault.Wrap(fault.NotFound, "no secret for session", err)
		}
		return [32]byte{}, fault.Wrap(fault.Internal, "failed to load secret", err)
	}

	raw, err := hex.DecodeString(stored.Hashlock)
	if err != nil || len(raw) != SecretSize {
		return [32]byte{}, fault.New(fault.Internal, "stored hashlock is corrupt")
	}
	var hashlock [32]byte
	copy(hashlock[:], raw)
	return hashlock, nil
}

// ReleaseRequest carries everything the release policy needs. The caller
// (the session manager) supplies the session's taker and whether its current
// status permits disclosure.
type ReleaseRequest struct {
	SessionID string
	Principal string
	Taker     string
	// Eligible is true when the session status allows release: both escrows
	// locked, secret already revealing, or swap completed.
	Eligible bool
	Status   string
}

// Release returns the plaintext secret (hex) if the policy allows it:
// the requesting principal must be the session's taker and the session must
// be in a disclosure-eligible state. Denials are audited; repeated
// authorized releases are idempotent.
func (m *Manager) Release(req ReleaseRequest) (string, error) {
	if req.Principal != req.Taker {
		m.deny(req, "principal is not the session taker")
		return "", fault.New(fault.Forbidden, "secret is only released to the session taker")
	}
	if !req.Eligible {
		m.deny(req, "session state does not permit release")
		return "", fault.New(fault.Forbidden, "secret not releasable in status %s", req.Status)
	}

	stored, err := m.store.GetSecret(req.SessionID)
	if err != nil {
		if err == storage.ErrSecretNotFound {
			return "", fault.Wrap(fault.NotFound, "no secret for session", err)
		}
		return "", fault.Wrap(fault.Internal, "failed to load secret", err)
	}

	if err := m.store.MarkReleased(req.SessionID, req.Principal); err != nil {
		return "", fault.Wrap(fault.Internal, "failed to record release", err)
	}
	if err := m.store.AppendAudit(req.SessionID, storage.AuditSecretReleased,
		"released_to="+req.Principal); err != nil {
		m.logger.Warn("audit write failed", "session_id", req.SessionID, "error", err)
	}

	m.logger.Info("secret released", "session_id", req.SessionID, "to", req.Principal)
	return stored.Plaintext, nil
}

func (m *Manager) deny(req ReleaseRequest, reason string) {
	detail := fmt.Sprintf("principal=%s status=%s reason=%s", req.Principal, req.Status, reason)
	if err := m.store.AppendAudit(req.SessionID, storage.AuditSecretDenied, detail); err != nil {
		m.logger.Warn("audit write failed", "session_id", req.SessionID, "error", err)
	}
	m.logger.Warn("secret release denied",
		"session_id", req.SessionID, "principal", req.Principal, "reason", reason)
}

// VerifySecret checks that a revealed preimage matches a hashlock.
func VerifySecret(preimage []byte, hashlock [32]byte) bool {
	if len(preimage) != SecretSize {
		return false
	}
	return sha256.Sum256(preimage) == hashlock
}

// Wipe removes plaintext secrets older than the retention window for the
// given terminal sessions. Returns the number of secrets wiped.
func (m *Manager) Wipe(retention time.Duration, terminalSessions []string) (int, error) {
	cutoff := time.Now().Add(-retention)
	n, err := m.store.WipeSecretsBefore(cutoff, terminalSessions)
	if err != nil {
		return 0, fault.Wrap(fault.Internal, "secret retention wipe failed", err)
	}
	if n > 0 {
		m.logger.Info("wiped expired secrets", "count", n)
	}
	return n, nil
}
