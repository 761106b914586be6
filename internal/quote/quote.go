// Package quote computes Dutch-auction swap quotes. The engine is a pure
// function of a price snapshot and the request parameters; it holds no state
// and is safe for concurrent use.
package quote

import (
	"math/big"
	"time"

	"github.com/ppezzull/1balancer-sub000/internal/fault"
)

// Urgency selects the auction duration.
type Urgency string

const (
	UrgencyFast   Urgency = "fast"
	UrgencyNormal Urgency = "normal"
	UrgencySlow   Urgency = "slow"
)

// Auction durations per urgency.
var auctionDurations = map[Urgency]time.Duration{
	UrgencyFast:   180 * time.Second,
	UrgencyNormal: 300 * time.Second,
	UrgencySlow:   600 * time.Second,
}

// Duration returns the auction duration for an urgency level.
func (u Urgency) Duration() (time.Duration, bool) {
	d, ok := auctionDurations[u]
	return d, ok
}

const bpsDenominator = 10_000

// Request is a quote request. SrcAmount is in the source token's smallest
// units.
type Request struct {
	SrcToken    string
	DstToken    string
	SrcAmount   *big.Int
	SrcDecimals uint8
	DstDecimals uint8
	SlippageBPS int64
	Urgency     Urgency
}

// Snapshot is a point-in-time market read: the destination/source exchange
// rate in human token units, plus fee rates.
type Snapshot struct {
	Rate           *big.Rat
	ProtocolFeeBPS int64
	NetworkFeeBPS  int64
}

// Auction is the Dutch-auction price curve. Prices are human-unit exchange
// rates rendered as decimal strings.
type Auction struct {
	StartPrice string        `json:"start_price"`
	EndPrice   string        `json:"end_price"`
	Duration   time.Duration `json:"-"`

	start *big.Rat
	end   *big.Rat
}

// Fees breaks out the quote's fee components as decimal fractions.
type Fees struct {
	Protocol string `json:"protocol"`
	Network  string `json:"network"`
	Total    string `json:"total"`
}

// Response is a computed quote.
type Response struct {
	DstAmount    *big.Int
	Rate         string
	DutchAuction Auction
	Fees         Fees
	ValidUntil   time.Time
}

// Engine computes quotes. PremiumBPS sets the start-price markup; Validity
// bounds how long a quote may be acted on.
type Engine struct {
	PremiumBPS int64
	Validity   time.Duration
	now        func() time.Time
}

// NewEngine creates a quote engine.
func NewEngine(premiumBPS int64, validity time.Duration) *Engine {
	return &Engine{
		PremiumBPS: premiumBPS,
		Validity:   validity,
		now:        time.Now,
	}
}

// Compute produces a quote from a request and a price snapshot.
//
// The curve decays linearly from start_price = rate x (1 + premium) down to
// end_price = rate x (1 - slippage). The destination amount is floored to
// the token's precision after fees.
func (e *Engine) Compute(req *Request, snap *Snapshot) (*Response, error) {
	if req.SrcAmount == nil || req.SrcAmount.Sign() <= 0 {
		return nil, fault.New(fault.InvalidInput, "source amount must be positive")
	}
	if req.SlippageBPS < 0 || req.SlippageBPS >= bpsDenominator {
		return nil, fault.New(fault.InvalidInput, "slippage must be in [0, 10000) bps")
	}
	duration, ok := req.Urgency.Duration()
	if !ok {
		return nil, fault.New(fault.InvalidInput, "urgency must be fast, normal, or slow")
	}
	if snap == nil || snap.Rate == nil || snap.Rate.Sign() <= 0 {
		return nil, fault.New(fault.ChainUnavailable, "no price available for pair")
	}

	rate := new(big.Rat).Set(snap.Rate)
	start := new(big.Rat).Mul(rate, bpsFactor(bpsDenominator+e.PremiumBPS))
	end := new(big.Rat).Mul(rate, bpsFactor(bpsDenominator-req.SlippageBPS))

	feeBPS := snap.ProtocolFeeBPS + snap.NetworkFeeBPS
	feeFactor := bpsFactor(bpsDenominator - feeBPS)

	// dst = src x rate x (1 - fees), rescaled between token precisions and
	// floored to an integer amount of smallest units.
	dst := new(big.Rat).SetInt(req.SrcAmount)
	dst.Mul(dst, rate)
	dst.Mul(dst, feeFactor)
	dst.Mul(dst, decimalShift(req.SrcDecimals, req.DstDecimals))
	dstAmount := new(big.Int).Quo(dst.Num(), dst.Denom())

	return &Response{
		DstAmount: dstAmount,
		Rate:      trimRat(rate),
		DutchAuction: Auction{
			StartPrice: trimRat(start),
			EndPrice:   trimRat(end),
			Duration:   duration,
			start:      start,
			end:        end,
		},
		Fees: Fees{
			Protocol: trimRat(bpsFactor(snap.ProtocolFeeBPS)),
			Network:  trimRat(bpsFactor(snap.NetworkFeeBPS)),
			Total:    trimRat(bpsFactor(feeBPS)),
		},
		ValidUntil: e.now().UTC().Add(e.Validity),
	}, nil
}

func bpsFactor(bps int64) *big.Rat {
	return big.NewRat(bps, bpsDenominator)
}

// decimalShift returns 10^(dst-src) as a rational.
func decimalShift(src, dst uint8) *big.Rat {
	shift := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(dst)), nil))
	down := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(src)), nil)
	return shift.Quo(shift, new(big.Rat).SetInt(down))
}

// trimRat renders a rational as a decimal string without trailing zeros.
func trimRat(r *big.Rat) string {
	s := r.FloatString(12)
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}
