// Package session holds the swap-session model and the state machine that
// drives each swap from creation through settlement or refund. Sessions are
// mutated by exactly one worker at a time; everything else reads clones.
package session

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ppezzull/1balancer-sub000/internal/chain"
)

// Status is a session's position in the swap state machine.
type Status string

const (
	StatusCreated            Status = "Created"
	StatusSourceLocking      Status = "SourceLocking"
	StatusSourceLocked       Status = "SourceLocked"
	StatusDestinationLocking Status = "DestinationLocking"
	StatusBothLocked         Status = "BothLocked"
	StatusRevealingSecret    Status = "RevealingSecret"
	StatusCompleted          Status = "Completed"
	StatusTimedOut           Status = "TimedOut"
	StatusRefunding          Status = "Refunding"
	StatusRefunded           Status = "Refunded"
	StatusFailed             Status = "Failed"
	StatusCancelled          Status = "Cancelled"
)

// transitions is the directed state graph. Absent entries are terminal.
var transitions = map[Status][]Status{
	StatusCreated:            {StatusSourceLocking, StatusTimedOut, StatusFailed, StatusCancelled},
	StatusSourceLocking:      {StatusSourceLocked, StatusTimedOut, StatusFailed, StatusCancelled},
	StatusSourceLocked:       {StatusDestinationLocking, StatusTimedOut, StatusFailed, StatusCancelled},
	StatusDestinationLocking: {StatusBothLocked, StatusTimedOut, StatusFailed, StatusCancelled},
	StatusBothLocked:         {StatusRevealingSecret, StatusCompleted, StatusTimedOut, StatusFailed, StatusCancelled},
	StatusRevealingSecret:    {StatusCompleted, StatusTimedOut, StatusFailed, StatusCancelled},
	StatusTimedOut:           {StatusRefunding, StatusRefunded},
	StatusRefunding:          {StatusRefunded},
}

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ReleaseEligible reports whether the secret may be disclosed to the taker
// in this status.
func (s Status) ReleaseEligible() bool {
	switch s {
	case StatusBothLocked, StatusRevealingSecret, StatusCompleted:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state graph permits the move.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Progress maps a status to a completion percentage for clients.
func (s Status) Progress() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusSourceLocking:
		return 15
	case StatusSourceLocked:
		return 30
	case StatusDestinationLocking:
		return 45
	case StatusBothLocked:
		return 60
	case StatusRevealingSecret:
		return 80
	case StatusCompleted:
		return 100
	case StatusTimedOut:
		return 50
	case StatusRefunding:
		return 75
	case StatusRefunded, StatusFailed, StatusCancelled:
		return 100
	}
	return 0
}

// FailureReason explains a Failed terminal state.
type FailureReason string

const (
	FailureInvalidLock        FailureReason = "InvalidLock"
	FailureInvariantViolation FailureReason = "InvariantViolation"
	FailureUnexpectedCancel   FailureReason = "UnexpectedCancel"
)

// Lock records an observed on-chain escrow or HTLC funding.
type Lock struct {
	ChainRef    string    `json:"chain_ref"`    // transaction hash
	ContractRef string    `json:"contract_ref"` // escrow address or HTLC id
	Amount      *big.Int  `json:"amount"`
	Timeout     time.Time `json:"timeout"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Endpoint is one side of the swap.
type Endpoint struct {
	ChainID string   `json:"chain_id"`
	Token   string   `json:"token"`
	Amount  *big.Int `json:"amount"`
	Lock    *Lock    `json:"lock,omitempty"`
}

// StepStatus is an execution step's outcome.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// ExecutionStep is one observed on-chain action in the swap's trace.
// The trace is append-only and exposed verbatim to clients.
type ExecutionStep struct {
	ID        int               `json:"id"`
	Contract  string            `json:"contract"`
	Function  string            `json:"function"`
	Params    map[string]string `json:"params,omitempty"`
	Status    StepStatus        `json:"status"`
	TxRef     string            `json:"tx_ref,omitempty"`
	GasUsed   uint64            `json:"gas_used,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Session is the per-swap record binding off-chain state to on-chain
// artifacts via the hashlock.
type Session struct {
	ID       string `json:"session_id"`
	Hashlock string `json:"hashlock"` // hex, no 0x prefix
	Status   Status `json:"status"`
	// Reason is set when Status is Failed.
	Reason FailureReason `json:"failure_reason,omitempty"`

	Source      Endpoint `json:"source"`
	Destination Endpoint `json:"destination"`

	Maker string `json:"maker"`
	// Taker is the source-chain principal authorized to receive the secret.
	Taker string `json:"taker"`
	// DestinationAddress is the destination-chain receiver, when the taker
	// address format differs between chains.
	DestinationAddress string `json:"destination_address,omitempty"`

	SlippageBPS int64  `json:"slippage_bps"`
	Urgency     string `json:"urgency,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Timelocks are learned from the source escrow event.
	Timelocks *chain.Timelocks `json:"timelocks,omitempty"`

	Steps []ExecutionStep `json:"execution_trace"`
}

// Transition moves the session to the next status, enforcing the state
// graph. Terminal states never transition.
func (s *Session) Transition(next Status) error {
	if s.Status.Terminal() {
		return fmt.Errorf("session %s is terminal in %s", s.ID, s.Status)
	}
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("illegal transition %s -> %s", s.Status, next)
	}
	s.Status = next
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail moves the session to Failed with a reason.
func (s *Session) Fail(reason FailureReason) error {
	if err := s.Transition(StatusFailed); err != nil {
		return err
	}
	s.Reason = reason
	return nil
}

// AppendStep adds a step to the execution trace with the next sequential id.
func (s *Session) AppendStep(step ExecutionStep) {
	step.ID = len(s.Steps) + 1
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	s.Steps = append(s.Steps, step)
}

// DeadlineAt returns when the session's watchdog should fire: the earlier of
// the hard expiry and the source cancellation timelock once known.
func (s *Session) DeadlineAt() time.Time {
	deadline := s.ExpiresAt
	if s.Timelocks != nil && s.Timelocks.SrcCancellation.Before(deadline) {
		deadline = s.Timelocks.SrcCancellation
	}
	return deadline
}

// Clone returns a deep copy safe to hand to readers.
func (s *Session) Clone() *Session {
	c := *s
	c.Source = s.Source.clone()
	c.Destination = s.Destination.clone()
	if s.Timelocks != nil {
		tl := *s.Timelocks
		c.Timelocks = &tl
	}
	if s.Steps != nil {
		c.Steps = make([]ExecutionStep, len(s.Steps))
		copy(c.Steps, s.Steps)
		for i, step := range s.Steps {
			if step.Params != nil {
				params := make(map[string]string, len(step.Params))
				for k, v := range step.Params {
					params[k] = v
				}
				c.Steps[i].Params = params
			}
		}
	}
	return &c
}

func (e Endpoint) clone() Endpoint {
	c := e
	if e.Amount != nil {
		c.Amount = new(big.Int).Set(e.Amount)
	}
	if e.Lock != nil {
		lock := *e.Lock
		if e.Lock.Amount != nil {
			lock.Amount = new(big.Int).Set(e.Lock.Amount)
		}
		c.Lock = &lock
	}
	return c
}

// Snapshot serializes the session for the persistent state directory.
func (s *Session) Snapshot() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// FromSnapshot restores a session from its persisted form.
func FromSnapshot(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("corrupt session snapshot: %w", err)
	}
	if s.ID == "" || s.Status == "" {
		return nil, fmt.Errorf("session snapshot missing id or status")
	}
	return &s, nil
}
