package quote

import (
	"math/big"
	"testing"
	"time"

	"github.com/ppezzull/1balancer-sub000/internal/fault"
)

func testEngine() *Engine {
	e := NewEngine(50, 30*time.Second)
	e.now = func() time.Time { return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC) }
	return e
}

func usdcToNearRequest() *Request {
	return &Request{
		SrcToken:    "USDC",
		DstToken:    "NEAR",
		SrcAmount:   big.NewInt(1_000_000), // 1 USDC at 6 decimals
		SrcDecimals: 6,
		DstDecimals: 24,
		SlippageBPS: 100,
		Urgency:     UrgencyNormal,
	}
}

func TestComputeQuote(t *testing.T) {
	e := testEngine()

	// 1 USDC buys 0.25 NEAR, no fees.
	resp, err := e.Compute(usdcToNearRequest(), &Snapshot{Rate: big.NewRat(1, 4)})
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	// 0.25 NEAR = 25 x 10^22 yocto.
	want, _ := new(big.Int).SetString("250000000000000000000000", 10)
	if resp.DstAmount.Cmp(want) != 0 {
		t.Errorf("DstAmount = %s, want %s", resp.DstAmount, want)
	}
	if resp.Rate != "0.25" {
		t.Errorf("Rate = %s, want 0.25", resp.Rate)
	}
	// premium 50bps: 0.25 x 1.005 = 0.25125
	if resp.DutchAuction.StartPrice != "0.25125" {
		t.Errorf("StartPrice = %s, want 0.25125", resp.DutchAuction.StartPrice)
	}
	// slippage 100bps: 0.25 x 0.99 = 0.2475
	if resp.DutchAuction.EndPrice != "0.2475" {
		t.Errorf("EndPrice = %s, want 0.2475", resp.DutchAuction.EndPrice)
	}
	if resp.DutchAuction.Duration != 300*time.Second {
		t.Errorf("Duration = %v, want 5m", resp.DutchAuction.Duration)
	}
	if got := resp.ValidUntil; got != time.Date(2026, 8, 25, 12, 0, 30, 0, time.UTC) {
		t.Errorf("ValidUntil = %v", got)
	}
}

func TestQuoteBoundedness(t *testing.T) {
	e := testEngine()

	snap := &Snapshot{Rate: big.NewRat(314159, 100000), ProtocolFeeBPS: 30, NetworkFeeBPS: 5}
	req := usdcToNearRequest()
	req.SlippageBPS = 250
	resp, err := e.Compute(req, snap)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	start, end := resp.DutchAuction.start, resp.DutchAuction.end
	if end.Cmp(snap.Rate) > 0 || snap.Rate.Cmp(start) > 0 {
		t.Errorf("bounds violated: end=%s rate=%s start=%s",
			end.FloatString(6), snap.Rate.FloatString(6), start.FloatString(6))
	}

	// dst_amount >= src_amount x end_price x (1 - fees), rescaled.
	floor := new(big.Rat).SetInt(req.SrcAmount)
	floor.Mul(floor, end)
	floor.Mul(floor, bpsFactor(bpsDenominator-snap.ProtocolFeeBPS-snap.NetworkFeeBPS))
	floor.Mul(floor, decimalShift(req.SrcDecimals, req.DstDecimals))
	got := new(big.Rat).SetInt(resp.DstAmount)
	if got.Cmp(floor) < 0 {
		t.Errorf("DstAmount = %s below floor %s", resp.DstAmount, floor.FloatString(0))
	}
}

func TestComputeFeesReduceOutput(t *testing.T) {
	e := testEngine()
	req := usdcToNearRequest()

	free, err := e.Compute(req, &Snapshot{Rate: big.NewRat(1, 4)})
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	charged, err := e.Compute(req, &Snapshot{Rate: big.NewRat(1, 4), ProtocolFeeBPS: 30, NetworkFeeBPS: 10})
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	if charged.DstAmount.Cmp(free.DstAmount) >= 0 {
		t.Errorf("fees did not reduce output: %s >= %s", charged.DstAmount, free.DstAmount)
	}
	if charged.Fees.Total != "0.004" {
		t.Errorf("Fees.Total = %s, want 0.004", charged.Fees.Total)
	}
}

func TestComputeInvalidInput(t *testing.T) {
	e := testEngine()
	snap := &Snapshot{Rate: big.NewRat(1, 4)}

	tests := []struct {
		name     string
		mutate   func(*Request)
		snap     *Snapshot
		wantKind fault.Kind
	}{
		{
			name:     "zero amount",
			mutate:   func(r *Request) { r.SrcAmount = big.NewInt(0) },
			snap:     snap,
			wantKind: fault.InvalidInput,
		},
		{
			name:     "negative amount",
			mutate:   func(r *Request) { r.SrcAmount = big.NewInt(-5) },
			snap:     snap,
			wantKind: fault.InvalidInput,
		},
		{
			name:     "slippage out of range",
			mutate:   func(r *Request) { r.SlippageBPS = 10_000 },
			snap:     snap,
			wantKind: fault.InvalidInput,
		},
		{
			name:     "unknown urgency",
			mutate:   func(r *Request) { r.Urgency = "immediate" },
			snap:     snap,
			wantKind: fault.InvalidInput,
		},
		{
			name:     "missing price",
			mutate:   func(r *Request) {},
			snap:     &Snapshot{},
			wantKind: fault.ChainUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := usdcToNearRequest()
			tt.mutate(req)
			_, err := e.Compute(req, tt.snap)
			if fault.KindOf(err) != tt.wantKind {
				t.Errorf("Compute() kind = %v, want %v", fault.KindOf(err), tt.wantKind)
			}
		})
	}
}

func TestUrgencyDurations(t *testing.T) {
	tests := []struct {
		urgency Urgency
		want    time.Duration
	}{
		{UrgencyFast, 180 * time.Second},
		{UrgencyNormal, 300 * time.Second},
		{UrgencySlow, 600 * time.Second},
	}
	for _, tt := range tests {
		d, ok := tt.urgency.Duration()
		if !ok || d != tt.want {
			t.Errorf("Duration(%s) = %v, %v; want %v, true", tt.urgency, d, ok, tt.want)
		}
	}
	if _, ok := Urgency("asap").Duration(); ok {
		t.Error("Duration(asap) accepted unknown urgency")
	}
}

