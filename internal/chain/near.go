package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/ppezzull/1balancer-sub000/pkg/helpers"
	"github.com/ppezzull/1balancer-sub000/pkg/logging"
)

// Destination-chain block cadence.
const nearBlockTime = 1200 * time.Millisecond

// nearEvent is the JSON shape the HTLC contract returns from its
// get_events view. The contract keeps an append-only event ring indexed
// from 0; the client's cursor is the last consumed index.
type nearEvent struct {
	Index       uint64 `json:"index"`
	Kind        string `json:"kind"` // htlc_created | htlc_withdrawn | htlc_refunded
	HTLCID      string `json:"htlc_id"`
	Hashlock    string `json:"hashlock"` // hex, 32 bytes
	Amount      string `json:"amount"`   // decimal string, yocto units
	Token       string `json:"token"`
	Secret      string `json:"secret,omitempty"` // hex, on withdraw
	TxHash      string `json:"tx_hash"`          // base58
	BlockHeight uint64 `json:"block_height"`
	TimestampNs uint64 `json:"timestamp_ns"`
}

// NEARClient watches the destination-chain HTLC contract through the NEAR
// JSON-RPC interface. Events are read from the contract's event ring via a
// view call, so no indexer is required.
type NEARClient struct {
	rpc      *jsonRPCClient
	contract string
	cursors  CursorStore
	log      *logging.Logger

	confirmations uint64
	pollInterval  time.Duration
	rpcTimeout    time.Duration
	maxBackoff    time.Duration

	mu        sync.RWMutex
	cursor    uint64 // next event index to fetch, memory only
	committed uint64 // persisted resume index
	connected bool
}

// NEARConfig holds the destination-chain client configuration.
type NEARConfig struct {
	RPCURL        string
	Contract      string // HTLC contract account id, e.g. htlc.1balancer.near
	Confirmations uint64
	PollInterval  time.Duration
	RPCTimeout    time.Duration
	MaxBackoff    time.Duration
	Cursors       CursorStore
}

// NewNEARClient creates the destination client and restores its cursor.
func NewNEARClient(cfg *NEARConfig) (*NEARClient, error) {
	c := &NEARClient{
		rpc:           newJSONRPCClient(cfg.RPCURL, cfg.RPCTimeout),
		contract:      cfg.Contract,
		cursors:       cfg.Cursors,
		log:           logging.GetDefault().Component("dst-chain"),
		confirmations: cfg.Confirmations,
		pollInterval:  cfg.PollInterval,
		rpcTimeout:    cfg.RPCTimeout,
		maxBackoff:    cfg.MaxBackoff,
	}

	if cfg.Cursors != nil {
		cursor, err := cfg.Cursors.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load destination cursor: %w", err)
		}
		c.cursor = cursor
		c.committed = cursor
	}

	return c, nil
}

// Side returns SideDestination.
func (c *NEARClient) Side() Side {
	return SideDestination
}

// HeadBlock returns the final block height.
func (c *NEARClient) HeadBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	result, err := c.rpc.call(ctx, "block", map[string]interface{}{"finality": "final"})
	c.setConnected(err == nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrClientUnavailable, err)
	}

	var block struct {
		Header struct {
			Height uint64 `json:"height"`
		} `json:"header"`
	}
	if err := json.Unmarshal(result, &block); err != nil {
		return 0, fmt.Errorf("failed to parse block: %w", err)
	}
	return block.Header.Height, nil
}

// Watch polls the HTLC contract event ring from the cursor. The view call
// uses final finality, which already gives one confirmed block; deeper
// depths additionally gate on block height against the final head.
func (c *NEARClient) Watch(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event, 64)

	go func() {
		defer close(out)

		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.poll(ctx, out); err != nil {
					if ctx.Err() != nil {
						return
					}
					failures++
					delay := backoff(failures, c.pollInterval, c.maxBackoff)
					c.log.Warn("Destination poll failed, backing off",
						"error", err, "attempt", failures, "retry_in", delay)
					select {
					case <-ctx.Done():
						return
					case <-time.After(delay):
					}
					continue
				}
				failures = 0
			}
		}
	}()

	return out, nil
}

func (c *NEARClient) poll(ctx context.Context, out chan<- Event) error {
	head, err := c.HeadBlock(ctx)
	if err != nil {
		return err
	}

	c.mu.RLock()
	from := c.cursor
	c.mu.RUnlock()

	raw, err := c.viewFunction(ctx, "get_events", map[string]interface{}{"from_index": from})
	if err != nil {
		return err
	}

	var events []nearEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return fmt.Errorf("failed to parse contract events: %w", err)
	}

	last := from
	emitted := 0
	for i := range events {
		ne := &events[i]
		if ne.Index < from {
			continue // contract returned overlap, dedup downstream anyway
		}
		// Finality already buries the event one block deep; deeper
		// configured depths wait for more blocks on top.
		if c.confirmations > 1 && ne.BlockHeight+c.confirmations-1 > head {
			break
		}

		ev, err := c.decodeEvent(ne)
		if err != nil {
			c.log.Error("Failed to decode destination event",
				"index", ne.Index, "kind", ne.Kind, "error", err)
			last = ne.Index + 1
			continue
		}
		// The resume index is the slot after this event; the consumer
		// commits it once the event is applied.
		ev.Cursor = ne.Index + 1

		select {
		case out <- *ev:
		case <-ctx.Done():
			return ctx.Err()
		}
		last = ne.Index + 1
		emitted++
	}

	if last != from {
		c.advanceCursor(last)
		if emitted == 0 {
			// Only undecodable entries this round; nothing downstream will
			// commit past them.
			c.Commit(last)
		}
	}
	return nil
}

// decodeEvent maps a contract event into the shared Event type. NEAR tx
// hashes are base58; they are validated here so everything downstream can
// trust TxRef.
func (c *NEARClient) decodeEvent(ne *nearEvent) (*Event, error) {
	hashlock, err := helpers.Hex32(ne.Hashlock)
	if err != nil {
		return nil, fmt.Errorf("bad hashlock: %w", err)
	}
	if decoded := base58.Decode(ne.TxHash); len(decoded) != 32 {
		return nil, fmt.Errorf("bad base58 tx hash %q", ne.TxHash)
	}
	amount, err := helpers.ParseUnits(ne.Amount)
	if err != nil {
		return nil, fmt.Errorf("bad amount: %w", err)
	}

	ev := &Event{
		Side:        SideDestination,
		Hashlock:    hashlock,
		ContractRef: ne.HTLCID,
		TxRef:       ne.TxHash,
		BlockNumber: ne.BlockHeight,
		LogIndex:    uint(ne.Index),
		Token:       ne.Token,
		Amount:      amount,
		Timestamp:   time.Unix(0, int64(ne.TimestampNs)).UTC(),
	}

	switch ne.Kind {
	case "htlc_created":
		ev.Kind = EventHTLCCreated
	case "htlc_withdrawn":
		ev.Kind = EventHTLCWithdrawn
		secret, err := helpers.HexToBytes(ne.Secret)
		if err != nil || len(secret) != 32 {
			return nil, fmt.Errorf("bad secret in withdraw event")
		}
		ev.Secret = secret
	case "htlc_refunded":
		ev.Kind = EventHTLCRefunded
	default:
		return nil, fmt.Errorf("unknown event kind %q", ne.Kind)
	}

	return ev, nil
}

// viewFunction performs a read-only call_function query against the HTLC
// contract and returns the decoded result bytes.
func (c *NEARClient) viewFunction(ctx context.Context, method string, args interface{}) ([]byte, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	result, err := c.rpc.call(callCtx, "query", map[string]interface{}{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   c.contract,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(argsJSON),
	})
	c.setConnected(err == nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientUnavailable, err)
	}

	var view struct {
		Result      []byte `json:"result"`
		BlockHeight uint64 `json:"block_height"`
	}
	if err := json.Unmarshal(result, &view); err != nil {
		return nil, fmt.Errorf("failed to parse view result: %w", err)
	}
	return view.Result, nil
}

// EstimateConfirmationTime estimates the wait for the configured depth.
func (c *NEARClient) EstimateConfirmationTime(level ConfirmationLevel) time.Duration {
	base := time.Duration(c.confirmations) * nearBlockTime
	switch level {
	case ConfirmationFast:
		return base
	case ConfirmationSlow:
		return 3 * base
	default:
		return 2 * base
	}
}

// SubmitReadonlyCall performs a view call against an arbitrary contract.
// args must be the JSON-encoded named arguments.
func (c *NEARClient) SubmitReadonlyCall(ctx context.Context, target, method string, args []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	result, err := c.rpc.call(callCtx, "query", map[string]interface{}{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   target,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(args),
	})
	c.setConnected(err == nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientUnavailable, err)
	}

	var view struct {
		Result []byte `json:"result"`
	}
	if err := json.Unmarshal(result, &view); err != nil {
		return nil, fmt.Errorf("failed to parse view result: %w", err)
	}
	return view.Result, nil
}

// Commit persists a resume index once its event has been applied. Stale
// indices are ignored so out-of-order duplicates cannot rewind the cursor.
func (c *NEARClient) Commit(index uint64) {
	c.mu.Lock()
	if index <= c.committed {
		c.mu.Unlock()
		return
	}
	c.committed = index
	c.mu.Unlock()

	if c.cursors != nil {
		if err := c.cursors.Save(index); err != nil {
			c.log.Error("Failed to persist destination cursor", "index", index, "error", err)
		}
	}
}

// LastProcessedBlock returns the committed resume index.
func (c *NEARClient) LastProcessedBlock() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.committed
}

// Connected reports the last RPC round-trip outcome.
func (c *NEARClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close releases client resources.
func (c *NEARClient) Close() error {
	return nil
}

// advanceCursor moves the in-memory fetch position. Persistence happens in
// Commit, after the consumer has applied the events.
func (c *NEARClient) advanceCursor(index uint64) {
	c.mu.Lock()
	c.cursor = index
	c.mu.Unlock()
}

func (c *NEARClient) setConnected(ok bool) {
	c.mu.Lock()
	c.connected = ok
	c.mu.Unlock()
}

var _ Client = (*NEARClient)(nil)
