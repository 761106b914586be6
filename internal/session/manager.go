package session

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppezzull/1balancer-sub000/internal/bus"
	"github.com/ppezzull/1balancer-sub000/internal/chain"
	"github.com/ppezzull/1balancer-sub000/internal/config"
	"github.com/ppezzull/1balancer-sub000/internal/fault"
	"github.com/ppezzull/1balancer-sub000/internal/secret"
	"github.com/ppezzull/1balancer-sub000/internal/storage"
	"github.com/ppezzull/1balancer-sub000/pkg/helpers"
	"github.com/ppezzull/1balancer-sub000/pkg/logging"
)

// Update is the payload published on the bus for every state transition.
type Update struct {
	SessionID   string `json:"session_id"`
	Status      Status `json:"status"`
	Progress    int    `json:"progress"`
	Phase       string `json:"phase"`
	TxRef       string `json:"tx_ref,omitempty"`
	ContractRef string `json:"contract_ref,omitempty"`
}

// Bus message kinds emitted by the session layer.
const (
	KindSessionUpdate  = "session_update"
	KindExecutionStep  = "execution_step"
	KindSecretRevealed = "secret_revealed"
)

// Manager owns every session worker. All mutations of a session flow
// through its worker's inbox, giving single-writer discipline without
// per-field locks.
type Manager struct {
	store   *Store
	secrets *secret.Manager
	bus     *bus.Bus
	persist *storage.Store
	cfg     *config.Config
	logger  *logging.Logger

	mu      sync.Mutex
	workers map[string]*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	clock  func() time.Time
}

// NewManager wires the session manager.
func NewManager(store *Store, secrets *secret.Manager, eventBus *bus.Bus,
	persist *storage.Store, cfg *config.Config, logger *logging.Logger) *Manager {
	return &Manager{
		store:   store,
		secrets: secrets,
		bus:     eventBus,
		persist: persist,
		cfg:     cfg,
		logger:  logger.Component("session"),
		workers: make(map[string]*worker),
		clock:   time.Now,
	}
}

// Start restores persisted sessions, spawns workers for the active ones,
// and launches the snapshot and retention loops.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	active, err := m.store.Restore()
	if err != nil {
		return err
	}
	for _, id := range active {
		m.spawn(id)
	}
	if len(active) > 0 {
		m.logger.Info("restored active sessions", "count", len(active))
	}

	m.wg.Add(2)
	go m.snapshotLoop()
	go m.retentionLoop()
	return nil
}

// Shutdown signals every worker, waits up to the drain window for them to
// quiesce, then persists all non-terminal sessions.
func (m *Manager) Shutdown() {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownDrain):
		m.logger.Warn("session workers did not drain in time")
	}

	if err := m.store.SaveAll(); err != nil {
		m.logger.Error("failed to persist sessions on shutdown", "error", err)
	}
}

// CreateRequest carries the validated fields of a new-session request.
// Amounts are decimal strings in each token's smallest units.
type CreateRequest struct {
	SourceChain        string
	DestinationChain   string
	SourceToken        string
	DestinationToken   string
	SourceAmount       string
	DestinationAmount  string
	Maker              string
	Taker              string
	DestinationAddress string
	SlippageBPS        int64
	Urgency            string
	ExpiresIn          time.Duration
}

// Create mints a secret, registers the session, and spawns its worker.
func (m *Manager) Create(req *CreateRequest) (*Session, error) {
	srcAmount, dstAmount, err := req.validate()
	if err != nil {
		return nil, err
	}

	id := "sess-" + uuid.NewString()
	hashlock, err := m.secrets.Generate(id)
	if err != nil {
		return nil, err
	}

	ttl := config.ClampTTL(req.ExpiresIn)
	if req.ExpiresIn > 0 && ttl != req.ExpiresIn {
		m.logger.Warn("requested TTL out of bounds, clamped",
			"session_id", id, "requested", req.ExpiresIn, "ttl", ttl)
	}

	now := m.clock().UTC()
	sess := &Session{
		ID:       id,
		Hashlock: hex.EncodeToString(hashlock[:]),
		Status:   StatusCreated,
		Source: Endpoint{
			ChainID: req.SourceChain,
			Token:   req.SourceToken,
			Amount:  srcAmount,
		},
		Destination: Endpoint{
			ChainID: req.DestinationChain,
			Token:   req.DestinationToken,
			Amount:  dstAmount,
		},
		Maker:              req.Maker,
		Taker:              req.Taker,
		DestinationAddress: req.DestinationAddress,
		SlippageBPS:        req.SlippageBPS,
		Urgency:            req.Urgency,
		CreatedAt:          now,
		ExpiresAt:          now.Add(ttl),
		UpdatedAt:          now,
	}

	if err := m.store.Insert(sess); err != nil {
		return nil, err
	}
	m.spawn(id)

	m.logger.Info("session created",
		"session_id", id,
		"hashlock", helpers.ShortHash(sess.Hashlock),
		"maker", req.Maker,
		"taker", req.Taker)
	return sess.Clone(), nil
}

func (r *CreateRequest) validate() (srcAmount, dstAmount *big.Int, err error) {
	required := map[string]string{
		"source_chain":      r.SourceChain,
		"destination_chain": r.DestinationChain,
		"source_token":      r.SourceToken,
		"destination_token": r.DestinationToken,
		"maker":             r.Maker,
		"taker":             r.Taker,
	}
	for field, v := range required {
		if strings.TrimSpace(v) == "" {
			return nil, nil, fault.New(fault.InvalidInput, "%s is required", field)
		}
	}
	if !isSourceAddress(r.Taker) {
		// The taker authorizes secret release, so it must be a source-chain
		// principal; the destination receiver goes in destination_address.
		return nil, nil, fault.New(fault.InvalidInput, "taker must be a source-chain address")
	}
	if r.DestinationAddress == "" {
		return nil, nil, fault.New(fault.InvalidInput, "destination_address is required")
	}
	if r.SlippageBPS < 0 || r.SlippageBPS >= 10_000 {
		return nil, nil, fault.New(fault.InvalidInput, "slippage_tolerance_bps must be in [0, 10000)")
	}

	srcAmount, ok := new(big.Int).SetString(r.SourceAmount, 10)
	if !ok || srcAmount.Sign() <= 0 {
		return nil, nil, fault.New(fault.InvalidInput, "source_amount must be a positive integer string")
	}
	dstAmount, ok = new(big.Int).SetString(r.DestinationAmount, 10)
	if !ok || dstAmount.Sign() <= 0 {
		return nil, nil, fault.New(fault.InvalidInput, "destination_amount must be a positive integer string")
	}
	return srcAmount, dstAmount, nil
}

// isSourceAddress checks for a 0x-prefixed 20-byte hex address.
func isSourceAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}

// Get returns a read-only clone of a session.
func (m *Manager) Get(id string) (*Session, error) {
	return m.store.Get(id)
}

// List returns clones of all sessions, newest first.
func (m *Manager) List() []*Session {
	return m.store.List()
}

// ListByParty returns clones of the sessions where the address is maker or
// taker, newest first.
func (m *Manager) ListByParty(address string) []*Session {
	return m.store.ByParty(address)
}

// Execute records the client's intent to proceed and arms the watchdog
// trace. Terminal or invariant-broken sessions are rejected.
func (m *Manager) Execute(id string, level chain.ConfirmationLevel) error {
	sess, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if sess.Status == StatusFailed && sess.Reason == FailureInvariantViolation {
		return fault.New(fault.InvariantViolation, "session failed timelock validation")
	}
	if sess.Status.Terminal() {
		return fault.New(fault.StateConflict, "session is terminal")
	}

	return m.send(id, command{kind: cmdExecute, level: level})
}

// CheckTimeout forces an immediate timeout evaluation and returns the
// resulting status.
func (m *Manager) CheckTimeout(id string) (Status, error) {
	sess, err := m.store.Get(id)
	if err != nil {
		return "", err
	}
	if sess.Status.Terminal() {
		return sess.Status, nil
	}

	reply := make(chan Status, 1)
	w, err := m.dispatch(id, command{kind: cmdCheckTimeout, reply: reply})
	if err != nil {
		// The session can turn terminal between the check above and the
		// dispatch; report the settled status the same way the pre-check
		// does.
		if fault.KindOf(err) == fault.StateConflict {
			if sess, gerr := m.store.Get(id); gerr == nil {
				return sess.Status, nil
			}
		}
		return "", err
	}
	select {
	case status := <-reply:
		return status, nil
	case <-w.done:
		// The worker exited with the command still queued. It replies
		// before returning when it does process one, so drain the reply
		// first, then fall back to the stored status.
		select {
		case status := <-reply:
			return status, nil
		default:
		}
		sess, err := m.store.Get(id)
		if err != nil {
			return "", err
		}
		return sess.Status, nil
	case <-m.ctx.Done():
		return "", fault.New(fault.Internal, "shutting down")
	}
}

// ReleaseSecret applies the release policy and, on first disclosure, moves
// the session into RevealingSecret. The eligibility check and the
// disclosure run under the store's read lock, so a concurrent transition
// to a terminal state cannot slip between them.
func (m *Manager) ReleaseSecret(id, principal string) (string, error) {
	var (
		plaintext string
		notify    bool
	)
	err := m.store.View(id, func(sess *Session) error {
		out, err := m.secrets.Release(secret.ReleaseRequest{
			SessionID: id,
			Principal: principal,
			Taker:     sess.Taker,
			Eligible:  sess.Status.ReleaseEligible(),
			Status:    string(sess.Status),
		})
		if err != nil {
			return err
		}
		plaintext = out
		notify = sess.Status == StatusBothLocked
		return nil
	})
	if err != nil {
		return "", err
	}

	if notify {
		// Best effort; the withdrawal event also completes the session.
		if err := m.send(id, command{kind: cmdSecretReleased}); err != nil {
			m.logger.Warn("could not notify worker of release", "session_id", id, "error", err)
		}
	}
	return plaintext, nil
}

// HandleEvent routes a correlated chain event to the session's worker and
// waits until the worker has applied and persisted it. The caller can then
// durably record the event as consumed.
func (m *Manager) HandleEvent(sessionID string, ev chain.Event) error {
	ack := make(chan struct{})
	w, err := m.dispatch(sessionID, command{kind: cmdEvent, event: &ev, ack: ack})
	if err != nil {
		return err
	}
	select {
	case <-ack:
		return nil
	case <-w.done:
		select {
		case <-ack:
			return nil
		default:
		}
		return fault.New(fault.StateConflict, "session worker stopped before applying event")
	case <-m.ctx.Done():
		return fault.New(fault.Internal, "shutting down")
	}
}

// send enqueues a command on the session's worker, spawning one if the
// session is live but unattended.
func (m *Manager) send(id string, cmd command) error {
	_, err := m.dispatch(id, cmd)
	return err
}

// dispatch enqueues a command and returns the worker that accepted it. A
// worker that exits between lookup and enqueue closes its done channel,
// which re-resolves the session instead of leaving the sender stuck on a
// dead inbox.
func (m *Manager) dispatch(id string, cmd command) (*worker, error) {
	for {
		m.mu.Lock()
		w, ok := m.workers[id]
		if !ok {
			sess, err := m.store.Get(id)
			if err != nil {
				m.mu.Unlock()
				return nil, err
			}
			if sess.Status.Terminal() {
				m.mu.Unlock()
				return nil, fault.New(fault.StateConflict, "session is terminal")
			}
			w = m.spawnLocked(id)
		}
		m.mu.Unlock()

		select {
		case w.inbox <- cmd:
			return w, nil
		case <-w.done:
			// Exited worker; loop to re-check terminality or respawn.
		case <-m.ctx.Done():
			return nil, fault.New(fault.Internal, "shutting down")
		}
	}
}

func (m *Manager) spawn(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[id]; !ok {
		m.spawnLocked(id)
	}
}

// spawnLocked starts a worker. Caller holds m.mu.
func (m *Manager) spawnLocked(id string) *worker {
	w := &worker{
		id:    id,
		inbox: make(chan command, 64),
		done:  make(chan struct{}),
	}
	m.workers[id] = w
	m.wg.Add(1)
	go m.runWorker(w)
	return w
}

func (m *Manager) removeWorker(id string) {
	m.mu.Lock()
	delete(m.workers, id)
	m.mu.Unlock()
}

// snapshotLoop persists active sessions on the configured interval.
func (m *Manager) snapshotLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.store.SaveAll(); err != nil {
				m.logger.Error("periodic snapshot failed", "error", err)
			}
		}
	}
}

// retentionLoop wipes secrets of terminal sessions past the retention
// window, then drops the sessions themselves along with their snapshots.
func (m *Manager) retentionLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.secrets.Wipe(m.cfg.SecretRetention, m.store.TerminalIDs()); err != nil {
				m.logger.Error("secret retention sweep failed", "error", err)
			}
			cutoff := m.clock().UTC().Add(-m.cfg.SecretRetention)
			n, err := m.store.PruneTerminal(cutoff)
			if err != nil {
				m.logger.Error("session retention sweep failed", "error", err)
			} else if n > 0 {
				m.logger.Info("pruned terminal sessions", "count", n)
			}
		}
	}
}

// publish emits a session_update frame onto the bus.
func (m *Manager) publish(sess *Session, txRef, contractRef string) {
	m.bus.Publish(bus.Message{
		Topic: bus.SessionTopic(sess.ID),
		Kind:  KindSessionUpdate,
		Payload: Update{
			SessionID:   sess.ID,
			Status:      sess.Status,
			Progress:    sess.Status.Progress(),
			Phase:       string(sess.Status),
			TxRef:       txRef,
			ContractRef: contractRef,
		},
	})
}
