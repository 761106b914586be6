package quote

import (
	"context"
	"math/big"
	"strings"

	"github.com/ppezzull/1balancer-sub000/internal/chain"
	"github.com/ppezzull/1balancer-sub000/internal/fault"
	"github.com/ppezzull/1balancer-sub000/pkg/logging"
)

// PriceSource supplies market snapshots for quoting.
type PriceSource interface {
	Snapshot(ctx context.Context, srcToken, dstToken string) (*Snapshot, error)
}

// feedDecimals is the fixed-point scale used by aggregator price feeds.
var feedDecimals = big.NewInt(100_000_000)

// FeedOracle reads aggregator price feeds through read-only calls on the
// source chain. Pair keys are "SRC/DST".
type FeedOracle struct {
	client         chain.Client
	feeds          map[string]string
	protocolFeeBPS int64
	networkFeeBPS  int64
	logger         *logging.Logger
}

// NewFeedOracle creates an oracle over the given feed contracts.
func NewFeedOracle(client chain.Client, feeds map[string]string,
	protocolFeeBPS, networkFeeBPS int64, logger *logging.Logger) *FeedOracle {
	normalized := make(map[string]string, len(feeds))
	for pair, contract := range feeds {
		normalized[strings.ToUpper(pair)] = contract
	}
	return &FeedOracle{
		client:         client,
		feeds:          normalized,
		protocolFeeBPS: protocolFeeBPS,
		networkFeeBPS:  networkFeeBPS,
		logger:         logger.Component("oracle"),
	}
}

// Snapshot reads the latest answer from the pair's feed.
func (o *FeedOracle) Snapshot(ctx context.Context, srcToken, dstToken string) (*Snapshot, error) {
	pair := pairKey(srcToken, dstToken)
	feed, ok := o.feeds[pair]
	if !ok {
		return nil, fault.New(fault.NotFound, "no price feed for %s", pair)
	}

	raw, err := o.client.SubmitReadonlyCall(ctx, feed, "latestAnswer()", nil)
	if err != nil {
		return nil, fault.Wrap(fault.ChainUnavailable, "price feed read failed", err)
	}
	if len(raw) < 32 {
		return nil, fault.New(fault.ChainUnavailable, "short price feed response")
	}

	answer := new(big.Int).SetBytes(raw[len(raw)-32:])
	if answer.Sign() <= 0 {
		return nil, fault.New(fault.ChainUnavailable, "price feed returned no price")
	}

	o.logger.Debug("price read", "pair", pair, "answer", answer.String())
	return &Snapshot{
		Rate:           new(big.Rat).SetFrac(answer, feedDecimals),
		ProtocolFeeBPS: o.protocolFeeBPS,
		NetworkFeeBPS:  o.networkFeeBPS,
	}, nil
}

// StaticPrices is a fixed-rate table for deployments without on-chain feeds.
type StaticPrices struct {
	rates          map[string]*big.Rat
	protocolFeeBPS int64
	networkFeeBPS  int64
}

// NewStaticPrices parses a pair -> decimal-rate table.
func NewStaticPrices(rates map[string]string, protocolFeeBPS, networkFeeBPS int64) (*StaticPrices, error) {
	parsed := make(map[string]*big.Rat, len(rates))
	for pair, s := range rates {
		r, ok := new(big.Rat).SetString(s)
		if !ok || r.Sign() <= 0 {
			return nil, fault.New(fault.InvalidInput, "invalid static rate %q for %s", s, pair)
		}
		parsed[strings.ToUpper(pair)] = r
	}
	return &StaticPrices{
		rates:          parsed,
		protocolFeeBPS: protocolFeeBPS,
		networkFeeBPS:  networkFeeBPS,
	}, nil
}

// Snapshot returns the configured rate for a pair.
func (p *StaticPrices) Snapshot(_ context.Context, srcToken, dstToken string) (*Snapshot, error) {
	pair := pairKey(srcToken, dstToken)
	rate, ok := p.rates[pair]
	if !ok {
		return nil, fault.New(fault.NotFound, "no price configured for %s", pair)
	}
	return &Snapshot{
		Rate:           new(big.Rat).Set(rate),
		ProtocolFeeBPS: p.protocolFeeBPS,
		NetworkFeeBPS:  p.networkFeeBPS,
	}, nil
}

func pairKey(src, dst string) string {
	return strings.ToUpper(src) + "/" + strings.ToUpper(dst)
}
