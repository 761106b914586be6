// Package chain provides thin clients over the two watched chains: the
// EVM source chain (escrow factory) and the NEAR destination chain (HTLC
// contract). Clients read blocks, decode contract events, and gate them
// behind a confirmation depth before emitting downstream.
package chain

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"time"
)

// Side identifies which chain an event was observed on.
type Side string

const (
	SideSource      Side = "src"
	SideDestination Side = "dst"
)

// EventKind is the decoded contract event type.
type EventKind string

const (
	// Source (EVM escrow) events.
	EventEscrowCreated EventKind = "EscrowCreated"
	EventWithdrawn     EventKind = "Withdrawn"
	EventCancelled     EventKind = "Cancelled"

	// Destination (NEAR HTLC) events.
	EventHTLCCreated   EventKind = "HTLCCreated"
	EventHTLCWithdrawn EventKind = "HTLCWithdrawn"
	EventHTLCRefunded  EventKind = "HTLCRefunded"
)

// ConfirmationLevel selects how aggressively a client estimates inclusion.
type ConfirmationLevel string

const (
	ConfirmationFast   ConfirmationLevel = "fast"
	ConfirmationNormal ConfirmationLevel = "normal"
	ConfirmationSlow   ConfirmationLevel = "slow"
)

// Timelocks carries the five absolute deadlines published with a source
// escrow. All instants are UTC.
type Timelocks struct {
	SrcWithdrawal       time.Time `json:"src_withdrawal"`
	SrcPublicWithdrawal time.Time `json:"src_public_withdrawal"`
	SrcCancellation     time.Time `json:"src_cancellation"`
	DstWithdrawal       time.Time `json:"dst_withdrawal"`
	DstCancellation     time.Time `json:"dst_cancellation"`
}

// Validate enforces the settlement ordering: the destination leg must be
// fully resolvable before any source-side deadline opens.
func (t Timelocks) Validate() error {
	if !t.DstWithdrawal.Before(t.DstCancellation) {
		return errors.New("dst_withdrawal must precede dst_cancellation")
	}
	if !t.DstCancellation.Before(t.SrcWithdrawal) {
		return errors.New("dst_cancellation must precede src_withdrawal")
	}
	if !t.SrcWithdrawal.Before(t.SrcPublicWithdrawal) {
		return errors.New("src_withdrawal must precede src_public_withdrawal")
	}
	if !t.SrcPublicWithdrawal.Before(t.SrcCancellation) {
		return errors.New("src_public_withdrawal must precede src_cancellation")
	}
	return nil
}

// Event is a decoded, confirmation-gated contract event.
type Event struct {
	Side        Side
	Kind        EventKind
	Hashlock    [32]byte
	ContractRef string // escrow address or HTLC id
	TxRef       string // transaction hash (hex on EVM, base58 on NEAR)
	BlockNumber uint64
	LogIndex    uint
	Token       string
	Amount      *big.Int
	// Secret is set for Withdrawn/HTLCWithdrawn events.
	Secret []byte
	// Timelocks is set for EscrowCreated events.
	Timelocks *Timelocks
	Timestamp time.Time
	// Cursor is the resume position the consumer hands back to Commit once
	// the event has been durably applied. A crash between delivery and
	// Commit replays from the last committed position instead of losing
	// the event.
	Cursor uint64
}

// ID returns the dedup identity of the event.
func (e *Event) ID() string {
	return string(e.Side) + "/" + e.TxRef + "/" + strconv.FormatUint(uint64(e.LogIndex), 10)
}

// Client is the capability surface each chain adapter exposes.
type Client interface {
	// Side reports which chain this client watches.
	Side() Side

	// HeadBlock returns the latest block number.
	HeadBlock(ctx context.Context) (uint64, error)

	// Watch tails the chain from the persisted cursor and delivers
	// confirmation-gated events in block-then-log order until ctx ends.
	// RPC failures are retried with backoff internally; sustained failure
	// is reported through Connected, never by dropping events.
	Watch(ctx context.Context) (<-chan Event, error)

	// EstimateConfirmationTime estimates how long the configured
	// confirmation depth takes at the given level.
	EstimateConfirmationTime(level ConfirmationLevel) time.Duration

	// SubmitReadonlyCall performs a read-only contract call. Used for
	// quote and price reads only; clients never submit transactions.
	SubmitReadonlyCall(ctx context.Context, target, method string, args []byte) ([]byte, error)

	// Commit durably records a resume position carried by an applied
	// event (Event.Cursor). Positions are monotonic; stale commits are
	// ignored.
	Commit(position uint64)

	// LastProcessedBlock returns the persisted cursor position.
	LastProcessedBlock() uint64

	// Connected reports whether the last RPC round trip succeeded.
	Connected() bool

	Close() error
}

// CursorStore persists a client's last-processed position across restarts.
type CursorStore interface {
	Load() (uint64, error)
	Save(uint64) error
}

// ErrClientUnavailable is surfaced when a chain RPC stays unreachable past
// the backoff budget.
var ErrClientUnavailable = errors.New("chain client unavailable")

// backoff returns the delay before retry attempt n (0-based), doubling from
// base and capped at max.
func backoff(n int, base, max time.Duration) time.Duration {
	d := base << uint(n)
	if d <= 0 || d > max {
		return max
	}
	return d
}
