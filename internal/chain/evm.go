package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ppezzull/1balancer-sub000/pkg/logging"
)

// escrowABI describes the events the escrow factory emits. Timelocks are
// absolute unix timestamps.
const escrowABI = `[
	{"type":"event","name":"SrcEscrowCreated","inputs":[
		{"name":"hashlock","type":"bytes32","indexed":true},
		{"name":"escrow","type":"address","indexed":false},
		{"name":"token","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"srcWithdrawal","type":"uint256","indexed":false},
		{"name":"srcPublicWithdrawal","type":"uint256","indexed":false},
		{"name":"srcCancellation","type":"uint256","indexed":false},
		{"name":"dstWithdrawal","type":"uint256","indexed":false},
		{"name":"dstCancellation","type":"uint256","indexed":false}]},
	{"type":"event","name":"Withdrawn","inputs":[
		{"name":"hashlock","type":"bytes32","indexed":true},
		{"name":"escrow","type":"address","indexed":false},
		{"name":"secret","type":"bytes32","indexed":false}]},
	{"type":"event","name":"Cancelled","inputs":[
		{"name":"hashlock","type":"bytes32","indexed":true},
		{"name":"escrow","type":"address","indexed":false}]}
]`

// Source-chain block cadence, used for confirmation time estimates.
const evmBlockTime = 2 * time.Second

// EVMClient watches the source-chain escrow factory.
type EVMClient struct {
	client   *ethclient.Client
	contract common.Address
	parsed   abi.ABI
	cursors  CursorStore
	log      *logging.Logger

	confirmations uint64
	pollInterval  time.Duration
	rpcTimeout    time.Duration
	maxBackoff    time.Duration

	topicEscrowCreated common.Hash
	topicWithdrawn     common.Hash
	topicCancelled     common.Hash

	mu        sync.RWMutex
	cursor    uint64 // scan position, memory only
	committed uint64 // persisted resume position
	connected bool
}

// EVMConfig holds the source-chain client configuration.
type EVMConfig struct {
	RPCURL        string
	Contract      string
	Confirmations uint64
	PollInterval  time.Duration
	RPCTimeout    time.Duration
	MaxBackoff    time.Duration
	Cursors       CursorStore
}

// NewEVMClient dials the source chain and restores the cursor.
func NewEVMClient(cfg *EVMConfig) (*EVMClient, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to source RPC: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	c := &EVMClient{
		client:        client,
		contract:      common.HexToAddress(cfg.Contract),
		parsed:        parsed,
		cursors:       cfg.Cursors,
		log:           logging.GetDefault().Component("src-chain"),
		confirmations: cfg.Confirmations,
		pollInterval:  cfg.PollInterval,
		rpcTimeout:    cfg.RPCTimeout,
		maxBackoff:    cfg.MaxBackoff,

		topicEscrowCreated: crypto.Keccak256Hash([]byte("SrcEscrowCreated(bytes32,address,address,uint256,uint256,uint256,uint256,uint256,uint256)")),
		topicWithdrawn:     crypto.Keccak256Hash([]byte("Withdrawn(bytes32,address,bytes32)")),
		topicCancelled:     crypto.Keccak256Hash([]byte("Cancelled(bytes32,address)")),
	}

	if cfg.Cursors != nil {
		cursor, err := cfg.Cursors.Load()
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to load source cursor: %w", err)
		}
		c.cursor = cursor
		c.committed = cursor
	}

	return c, nil
}

// Side returns SideSource.
func (c *EVMClient) Side() Side {
	return SideSource
}

// HeadBlock returns the latest block number.
func (c *EVMClient) HeadBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	head, err := c.client.BlockNumber(ctx)
	c.setConnected(err == nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrClientUnavailable, err)
	}
	return head, nil
}

// Watch polls the escrow factory logs from the cursor, emitting events once
// they are buried under the configured confirmation depth.
func (c *EVMClient) Watch(ctx context.Context) (<-chan Event, error) {
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
					c.log.Warn("Source poll failed, backing off",
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

// poll fetches logs from cursor+1 up to the confirmed head and pushes
// decoded events downstream.
func (c *EVMClient) poll(ctx context.Context, out chan<- Event) error {
	head, err := c.HeadBlock(ctx)
	if err != nil {
		return err
	}
	if head+1 < c.confirmations {
		return nil
	}
	safeHead := head - c.confirmations + 1

	c.mu.RLock()
	from := c.cursor + 1
	c.mu.RUnlock()
	if from > safeHead {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	logs, err := c.client.FilterLogs(callCtx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(safeHead),
		Addresses: []common.Address{c.contract},
		Topics: [][]common.Hash{{
			c.topicEscrowCreated, c.topicWithdrawn, c.topicCancelled,
		}},
	})
	c.setConnected(err == nil)
	if err != nil {
		return fmt.Errorf("%w: filter logs: %v", ErrClientUnavailable, err)
	}

	events := make([]*Event, 0, len(logs))
	for i := range logs {
		ev, err := c.decodeLog(&logs[i])
		if err != nil {
			// Malformed log from our own filter set: record it, do not
			// stall the stream.
			c.log.Error("Failed to decode escrow log",
				"tx", logs[i].TxHash.Hex(), "index", logs[i].Index, "error", err)
			continue
		}
		// Commit only to the block below the event until the consumer has
		// applied it; the final event of the batch carries the scanned
		// head, and dedup absorbs the resulting block overlap on replay.
		if ev.BlockNumber > 0 {
			ev.Cursor = ev.BlockNumber - 1
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		c.advanceCursor(safeHead)
		c.Commit(safeHead)
		return nil
	}
	events[len(events)-1].Cursor = safeHead

	for _, ev := range events {
		select {
		case out <- *ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.advanceCursor(safeHead)
	return nil
}

// decodeLog turns a raw log into an Event by topic hash.
func (c *EVMClient) decodeLog(lg *types.Log) (*Event, error) {
	if len(lg.Topics) < 2 {
		return nil, fmt.Errorf("log has %d topics, want 2", len(lg.Topics))
	}

	ev := &Event{
		Side:        SideSource,
		TxRef:       lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		Hashlock:    lg.Topics[1],
		Timestamp:   time.Now().UTC(),
	}

	switch lg.Topics[0] {
	case c.topicEscrowCreated:
		vals, err := c.parsed.Unpack("SrcEscrowCreated", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack SrcEscrowCreated: %w", err)
		}
		if len(vals) != 8 {
			return nil, fmt.Errorf("SrcEscrowCreated has %d values, want 8", len(vals))
		}
		ev.Kind = EventEscrowCreated
		ev.ContractRef = vals[0].(common.Address).Hex()
		ev.Token = vals[1].(common.Address).Hex()
		ev.Amount = vals[2].(*big.Int)
		ev.Timelocks = &Timelocks{
			SrcWithdrawal:       unixTime(vals[3].(*big.Int)),
			SrcPublicWithdrawal: unixTime(vals[4].(*big.Int)),
			SrcCancellation:     unixTime(vals[5].(*big.Int)),
			DstWithdrawal:       unixTime(vals[6].(*big.Int)),
			DstCancellation:     unixTime(vals[7].(*big.Int)),
		}

	case c.topicWithdrawn:
		vals, err := c.parsed.Unpack("Withdrawn", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack Withdrawn: %w", err)
		}
		ev.Kind = EventWithdrawn
		ev.ContractRef = vals[0].(common.Address).Hex()
		secret := vals[1].([32]byte)
		ev.Secret = secret[:]

	case c.topicCancelled:
		vals, err := c.parsed.Unpack("Cancelled", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack Cancelled: %w", err)
		}
		ev.Kind = EventCancelled
		ev.ContractRef = vals[0].(common.Address).Hex()

	default:
		return nil, fmt.Errorf("unknown topic %s", lg.Topics[0].Hex())
	}

	return ev, nil
}

// EstimateConfirmationTime estimates the wait for the configured depth.
func (c *EVMClient) EstimateConfirmationTime(level ConfirmationLevel) time.Duration {
	base := time.Duration(c.confirmations) * evmBlockTime
	switch level {
	case ConfirmationFast:
		return base
	case ConfirmationSlow:
		return 3 * base
	default:
		return 2 * base
	}
}

// SubmitReadonlyCall performs eth_call against an arbitrary contract.
// method must be a full Solidity signature, e.g. "latestAnswer()".
func (c *EVMClient) SubmitReadonlyCall(ctx context.Context, target, method string, args []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	selector := crypto.Keccak256([]byte(method))[:4]
	to := common.HexToAddress(target)
	res, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &to,
		Data: append(selector, args...),
	}, nil)
	c.setConnected(err == nil)
	if err != nil {
		return nil, fmt.Errorf("%w: eth_call: %v", ErrClientUnavailable, err)
	}
	return res, nil
}

// Commit persists a resume position once its event has been applied.
// Stale positions are ignored so out-of-order duplicates cannot rewind
// the cursor.
func (c *EVMClient) Commit(block uint64) {
	c.mu.Lock()
	if block <= c.committed {
		c.mu.Unlock()
		return
	}
	c.committed = block
	c.mu.Unlock()

	if c.cursors != nil {
		if err := c.cursors.Save(block); err != nil {
			c.log.Error("Failed to persist source cursor", "block", block, "error", err)
		}
	}
}

// LastProcessedBlock returns the committed cursor position.
func (c *EVMClient) LastProcessedBlock() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.committed
}

// Connected reports the last RPC round-trip outcome.
func (c *EVMClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close closes the RPC connection.
func (c *EVMClient) Close() error {
	c.client.Close()
	return nil
}

// advanceCursor moves the in-memory scan position. Persistence happens in
// Commit, after the consumer has applied the events.
func (c *EVMClient) advanceCursor(block uint64) {
	c.mu.Lock()
	c.cursor = block
	c.mu.Unlock()
}

func (c *EVMClient) setConnected(ok bool) {
	c.mu.Lock()
	c.connected = ok
	c.mu.Unlock()
}

func unixTime(v *big.Int) time.Time {
	return time.Unix(v.Int64(), 0).UTC()
}

var _ Client = (*EVMClient)(nil)
