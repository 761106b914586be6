package session

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/ppezzull/1balancer-sub000/internal/bus"
	"github.com/ppezzull/1balancer-sub000/internal/chain"
	"github.com/ppezzull/1balancer-sub000/internal/secret"
	"github.com/ppezzull/1balancer-sub000/internal/storage"
)

// timelockTolerance is how far past the session expiry an on-chain timelock
// may reach before it is treated as an invariant violation.
const timelockTolerance = 5 * time.Minute

type commandKind int

const (
	cmdEvent commandKind = iota
	cmdExecute
	cmdCheckTimeout
	cmdSecretReleased
)

type command struct {
	kind  commandKind
	event *chain.Event
	level chain.ConfirmationLevel
	reply chan Status
	// ack is closed once the command has been applied and persisted.
	ack chan struct{}
}

// worker serializes all mutations of one session.
type worker struct {
	id    string
	inbox chan command
	// done is closed when the worker goroutine exits, after it has left
	// the manager's worker map. Senders select on it so a command aimed at
	// a dead inbox is re-dispatched instead of lost.
	done chan struct{}
}

func (m *Manager) runWorker(w *worker) {
	defer m.wg.Done()
	defer close(w.done)
	defer m.removeWorker(w.id)

	sess, err := m.store.Get(w.id)
	if err != nil {
		m.logger.Error("worker could not load session", "session_id", w.id, "error", err)
		return
	}

	timer := time.NewTimer(time.Until(sess.DeadlineAt()))
	defer timer.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-timer.C:
			m.evaluateTimeout(sess)
			if sess.Status.Terminal() {
				return
			}

		case cmd := <-w.inbox:
			switch cmd.kind {
			case cmdEvent:
				m.applyEvent(sess, cmd.event, timer)
			case cmdExecute:
				m.applyExecute(sess, cmd.level)
			case cmdCheckTimeout:
				m.evaluateTimeout(sess)
				if cmd.reply != nil {
					cmd.reply <- sess.Status
				}
			case cmdSecretReleased:
				m.applySecretReleased(sess)
			}
			if cmd.ack != nil {
				close(cmd.ack)
			}
			if sess.Status.Terminal() {
				return
			}
		}
	}
}

// advance applies one legal transition, persists, and publishes.
func (m *Manager) advance(sess *Session, next Status, txRef, contractRef string) bool {
	if err := sess.Transition(next); err != nil {
		m.logger.Warn("refused transition", "session_id", sess.ID, "error", err)
		return false
	}
	if err := m.store.Update(sess); err != nil {
		m.logger.Error("failed to persist session", "session_id", sess.ID, "error", err)
	}
	m.logger.Info("session transition",
		"session_id", sess.ID, "status", sess.Status)
	m.publish(sess, txRef, contractRef)
	if sess.Status.Terminal() {
		m.onTerminal(sess)
	}
	return true
}

// fail moves the session to Failed with a reason and publishes the final
// update.
func (m *Manager) fail(sess *Session, reason FailureReason, detail string) {
	if err := sess.Fail(reason); err != nil {
		m.logger.Warn("refused failure transition", "session_id", sess.ID, "error", err)
		return
	}
	if err := m.store.Update(sess); err != nil {
		m.logger.Error("failed to persist session", "session_id", sess.ID, "error", err)
	}
	m.logger.Warn("session failed",
		"session_id", sess.ID, "reason", reason, "detail", detail)
	m.publish(sess, "", "")
	m.onTerminal(sess)
}

func (m *Manager) onTerminal(sess *Session) {
	detail := string(sess.Status)
	if sess.Reason != "" {
		detail += ":" + string(sess.Reason)
	}
	if err := m.persist.AppendAudit(sess.ID, storage.AuditTerminal, detail); err != nil {
		m.logger.Warn("audit write failed", "session_id", sess.ID, "error", err)
	}
}

// appendStep records an execution step, persists, and fans it out.
func (m *Manager) appendStep(sess *Session, step ExecutionStep) {
	sess.AppendStep(step)
	if err := m.store.Update(sess); err != nil {
		m.logger.Error("failed to persist session", "session_id", sess.ID, "error", err)
	}
	m.bus.Publish(bus.Message{
		Topic:   bus.SessionTopic(sess.ID),
		Kind:    KindExecutionStep,
		Payload: sess.Steps[len(sess.Steps)-1],
	})
}

func (m *Manager) applyEvent(sess *Session, ev *chain.Event, timer *time.Timer) {
	if hex.EncodeToString(ev.Hashlock[:]) != sess.Hashlock {
		m.logger.Warn("event hashlock does not match session",
			"session_id", sess.ID, "event", ev.ID())
		return
	}

	switch ev.Kind {
	case chain.EventEscrowCreated:
		m.onSourceLock(sess, ev, timer)
	case chain.EventHTLCCreated:
		m.onDestinationLock(sess, ev)
	case chain.EventWithdrawn, chain.EventHTLCWithdrawn:
		m.onWithdrawn(sess, ev)
	case chain.EventCancelled, chain.EventHTLCRefunded:
		m.onCancelled(sess, ev)
	default:
		m.logger.Warn("unhandled event kind", "kind", ev.Kind, "session_id", sess.ID)
	}
}

func (m *Manager) onSourceLock(sess *Session, ev *chain.Event, timer *time.Timer) {
	if sess.Source.Lock != nil {
		if sess.Source.Lock.ChainRef == ev.TxRef {
			return // re-observed after restart
		}
		m.auditLate(sess, "conflicting source lock "+ev.ID())
		return
	}
	if sess.Status != StatusCreated {
		m.auditLate(sess, "source lock in status "+string(sess.Status))
		return
	}

	if ev.Token != "" && !strings.EqualFold(ev.Token, sess.Source.Token) {
		m.fail(sess, FailureInvalidLock, "source lock token "+ev.Token)
		return
	}
	if ev.Amount == nil || ev.Amount.Cmp(sess.Source.Amount) < 0 {
		m.fail(sess, FailureInvalidLock, "source lock underpaid")
		return
	}
	if ev.Timelocks == nil {
		m.fail(sess, FailureInvariantViolation, "source lock missing timelocks")
		return
	}
	if err := ev.Timelocks.Validate(); err != nil {
		m.fail(sess, FailureInvariantViolation, err.Error())
		return
	}
	if ev.Timelocks.DstWithdrawal.Before(sess.CreatedAt) ||
		ev.Timelocks.SrcCancellation.After(sess.ExpiresAt.Add(timelockTolerance)) {
		m.fail(sess, FailureInvariantViolation, "timelocks outside session window")
		return
	}

	tl := *ev.Timelocks
	sess.Timelocks = &tl
	observed := ev.Timestamp
	if observed.IsZero() {
		observed = m.clock().UTC()
	}
	sess.Source.Lock = &Lock{
		ChainRef:    ev.TxRef,
		ContractRef: ev.ContractRef,
		Amount:      ev.Amount,
		Timeout:     tl.SrcCancellation,
		ObservedAt:  observed,
	}

	// The chain client already gated on confirmation depth, so the lock is
	// locking and locked in one step.
	if !m.advance(sess, StatusSourceLocking, ev.TxRef, ev.ContractRef) {
		return
	}
	m.advance(sess, StatusSourceLocked, ev.TxRef, ev.ContractRef)
	m.appendStep(sess, ExecutionStep{
		Contract: ev.ContractRef,
		Function: "createEscrow",
		Params:   map[string]string{"amount": ev.Amount.String()},
		Status:   StepCompleted,
		TxRef:    ev.TxRef,
	})

	// The cancellation timelock may move the watchdog earlier.
	resetTimer(timer, time.Until(sess.DeadlineAt()))
}

func (m *Manager) onDestinationLock(sess *Session, ev *chain.Event) {
	if sess.Destination.Lock != nil {
		if sess.Destination.Lock.ChainRef == ev.TxRef {
			return
		}
		m.auditLate(sess, "conflicting destination lock "+ev.ID())
		return
	}
	switch sess.Status {
	case StatusCreated, StatusSourceLocking:
		m.logger.Warn("destination locked before source; waiting for source lock",
			"session_id", sess.ID, "event", ev.ID())
		return
	case StatusSourceLocked:
	default:
		m.auditLate(sess, "destination lock in status "+string(sess.Status))
		return
	}

	if ev.Token != "" && !strings.EqualFold(ev.Token, sess.Destination.Token) {
		m.fail(sess, FailureInvalidLock, "destination lock token "+ev.Token)
		return
	}
	if ev.Amount == nil || ev.Amount.Cmp(sess.Destination.Amount) < 0 {
		m.fail(sess, FailureInvalidLock, "destination lock underpaid")
		return
	}

	var timeout time.Time
	if sess.Timelocks != nil {
		timeout = sess.Timelocks.DstCancellation
	}
	observed := ev.Timestamp
	if observed.IsZero() {
		observed = m.clock().UTC()
	}
	sess.Destination.Lock = &Lock{
		ChainRef:    ev.TxRef,
		ContractRef: ev.ContractRef,
		Amount:      ev.Amount,
		Timeout:     timeout,
		ObservedAt:  observed,
	}

	if !m.advance(sess, StatusDestinationLocking, ev.TxRef, ev.ContractRef) {
		return
	}
	m.advance(sess, StatusBothLocked, ev.TxRef, ev.ContractRef)
	m.appendStep(sess, ExecutionStep{
		Contract: ev.ContractRef,
		Function: "createHTLC",
		Params:   map[string]string{"amount": ev.Amount.String()},
		Status:   StepCompleted,
		TxRef:    ev.TxRef,
	})
}

func (m *Manager) onWithdrawn(sess *Session, ev *chain.Event) {
	if !secret.VerifySecret(ev.Secret, ev.Hashlock) {
		// Anyone can emit noise at the contract; only the true preimage
		// counts.
		m.logger.Debug("ignoring withdrawal with wrong preimage",
			"session_id", sess.ID, "event", ev.ID())
		return
	}

	switch {
	case sess.Status == StatusCompleted:
		return // re-observed
	case sess.Status == StatusTimedOut, sess.Status == StatusRefunding, sess.Status.Terminal():
		m.auditLate(sess, "withdrawal after timeout "+ev.ID())
		return
	case !sess.Status.CanTransitionTo(StatusCompleted):
		m.auditLate(sess, "withdrawal in status "+string(sess.Status))
		return
	}

	function := "withdraw"
	if ev.Side == chain.SideDestination {
		function = "claim"
	}
	m.appendStep(sess, ExecutionStep{
		Contract: ev.ContractRef,
		Function: function,
		Status:   StepCompleted,
		TxRef:    ev.TxRef,
	})

	// Let the source-side counterparty know the preimage is public so it
	// can claim its leg. The orchestrator never submits that claim itself.
	m.bus.Publish(bus.Message{
		Topic: bus.SessionTopic(sess.ID),
		Kind:  KindSecretRevealed,
		Payload: map[string]string{
			"session_id": sess.ID,
			"secret":     hex.EncodeToString(ev.Secret),
			"side":       string(ev.Side),
			"tx_ref":     ev.TxRef,
		},
	})

	m.advance(sess, StatusCompleted, ev.TxRef, ev.ContractRef)
}

func (m *Manager) onCancelled(sess *Session, ev *chain.Event) {
	if sess.Status.Terminal() {
		if sess.Status != StatusRefunded {
			m.auditLate(sess, "cancel in terminal status "+string(sess.Status))
		}
		return
	}

	cutoff := sess.ExpiresAt
	if sess.Timelocks != nil {
		if ev.Side == chain.SideSource {
			cutoff = sess.Timelocks.SrcCancellation
		} else {
			cutoff = sess.Timelocks.DstCancellation
		}
	}

	inRefundPath := sess.Status == StatusTimedOut || sess.Status == StatusRefunding
	if !inRefundPath && m.clock().Before(cutoff) {
		m.appendStep(sess, ExecutionStep{
			Contract: ev.ContractRef,
			Function: "cancel",
			Status:   StepFailed,
			TxRef:    ev.TxRef,
			Error:    "cancelled before timelock",
		})
		m.fail(sess, FailureUnexpectedCancel, "cancel before timelock "+ev.ID())
		return
	}

	if sess.Status != StatusTimedOut && sess.Status != StatusRefunding {
		if !m.advance(sess, StatusTimedOut, ev.TxRef, ev.ContractRef) {
			return
		}
	}
	if sess.Status == StatusTimedOut {
		if !m.advance(sess, StatusRefunding, ev.TxRef, ev.ContractRef) {
			return
		}
	}
	m.appendStep(sess, ExecutionStep{
		Contract: ev.ContractRef,
		Function: "refund",
		Status:   StepCompleted,
		TxRef:    ev.TxRef,
	})
	m.advance(sess, StatusRefunded, ev.TxRef, ev.ContractRef)
}

// evaluateTimeout moves an expired session onto the timeout path.
func (m *Manager) evaluateTimeout(sess *Session) {
	switch sess.Status {
	case StatusTimedOut, StatusRefunding:
		return
	}
	if sess.Status.Terminal() {
		return
	}
	if m.clock().Before(sess.DeadlineAt()) {
		return
	}
	m.logger.Warn("session deadline reached",
		"session_id", sess.ID, "status", sess.Status)
	m.advance(sess, StatusTimedOut, "", "")
}

func (m *Manager) applyExecute(sess *Session, level chain.ConfirmationLevel) {
	if sess.Status.Terminal() {
		return
	}
	if level == "" {
		level = chain.ConfirmationNormal
	}
	m.appendStep(sess, ExecutionStep{
		Contract: "orchestrator",
		Function: "execute",
		Params:   map[string]string{"confirmation_level": string(level)},
		Status:   StepPending,
	})
}

func (m *Manager) applySecretReleased(sess *Session) {
	if sess.Status != StatusBothLocked {
		return
	}
	if !m.advance(sess, StatusRevealingSecret, "", "") {
		return
	}
	m.appendStep(sess, ExecutionStep{
		Contract: "orchestrator",
		Function: "revealSecret",
		Status:   StepCompleted,
	})
}

func (m *Manager) auditLate(sess *Session, detail string) {
	if err := m.persist.AppendAudit(sess.ID, storage.AuditLateEvent, detail); err != nil {
		m.logger.Warn("audit write failed", "session_id", sess.ID, "error", err)
	}
	m.logger.Debug("ignored event", "session_id", sess.ID, "detail", detail)
}

// resetTimer re-arms a timer that may have fired or been consumed.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}
