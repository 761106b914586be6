package session

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppezzull/1balancer-sub000/internal/bus"
	"github.com/ppezzull/1balancer-sub000/internal/chain"
	"github.com/ppezzull/1balancer-sub000/internal/config"
	"github.com/ppezzull/1balancer-sub000/internal/fault"
	"github.com/ppezzull/1balancer-sub000/internal/secret"
	"github.com/ppezzull/1balancer-sub000/internal/storage"
	"github.com/ppezzull/1balancer-sub000/pkg/logging"
)

const (
	testTaker = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testMaker = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type testEnv struct {
	m       *Manager
	persist *storage.Store
	bus     *bus.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvAt(t, t.TempDir())
}

func newTestEnvAt(t *testing.T, stateDir string) *testEnv {
	t.Helper()

	persist, err := storage.New(&storage.Config{StateDir: stateDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}

	cfg := config.Default()
	cfg.Source.RPCURL = "http://src.invalid"
	cfg.Destination.RPCURL = "http://dst.invalid"
	cfg.ShutdownDrain = time.Second
	cfg.SnapshotInterval = time.Second

	b := bus.New(logging.Default())
	m := NewManager(
		NewStore(persist),
		secret.NewManager(persist, logging.Default()),
		b, persist, cfg, logging.Default(),
	)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		m.Shutdown()
		persist.Close()
	})
	return &testEnv{m: m, persist: persist, bus: b}
}

func (e *testEnv) create(t *testing.T) *Session {
	t.Helper()
	sess, err := e.m.Create(&CreateRequest{
		SourceChain:        "base",
		DestinationChain:   "near",
		SourceToken:        "USDC",
		DestinationToken:   "wrap.near",
		SourceAmount:       "1000000",
		DestinationAmount:  "50000000",
		Maker:              testMaker,
		Taker:              testTaker,
		DestinationAddress: "alice.near",
		SlippageBPS:        100,
		Urgency:            "normal",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return sess
}

func hashlockOf(t *testing.T, sess *Session) [32]byte {
	t.Helper()
	raw, err := hex.DecodeString(sess.Hashlock)
	if err != nil || len(raw) != 32 {
		t.Fatalf("bad hashlock %q", sess.Hashlock)
	}
	var h [32]byte
	copy(h[:], raw)
	return h
}

func validTimelocks(base time.Time) *chain.Timelocks {
	return &chain.Timelocks{
		DstWithdrawal:       base.Add(5 * time.Minute),
		DstCancellation:     base.Add(10 * time.Minute),
		SrcWithdrawal:       base.Add(15 * time.Minute),
		SrcPublicWithdrawal: base.Add(20 * time.Minute),
		SrcCancellation:     base.Add(25 * time.Minute),
	}
}

func sourceLockEvent(sess *Session, h [32]byte, amount int64) chain.Event {
	return chain.Event{
		Side:        chain.SideSource,
		Kind:        chain.EventEscrowCreated,
		Hashlock:    h,
		ContractRef: "0xescrow",
		TxRef:       "0xsrclock",
		BlockNumber: 100,
		Token:       "USDC",
		Amount:      big.NewInt(amount),
		Timelocks:   validTimelocks(sess.CreatedAt),
	}
}

func destLockEvent(h [32]byte, amount int64) chain.Event {
	return chain.Event{
		Side:        chain.SideDestination,
		Kind:        chain.EventHTLCCreated,
		Hashlock:    h,
		ContractRef: "htlc-1",
		TxRef:       "DstLockTx111",
		BlockNumber: 50,
		Token:       "wrap.near",
		Amount:      big.NewInt(amount),
	}
}

// waitStatus polls until the session reaches the wanted status.
func waitStatus(t *testing.T, m *Manager, id string, want Status) *Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := m.Get(id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if sess.Status == want {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	sess, _ := m.Get(id)
	t.Fatalf("session %s stuck in %s, want %s", id, sess.Status, want)
	return nil
}

// settle gives the worker time to process queued commands whose outcome is
// expected to be a no-op.
func settle(t *testing.T, m *Manager, id string) *Session {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	sess, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return sess
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)

	base := func() *CreateRequest {
		return &CreateRequest{
			SourceChain:        "base",
			DestinationChain:   "near",
			SourceToken:        "USDC",
			DestinationToken:   "wrap.near",
			SourceAmount:       "1000000",
			DestinationAmount:  "50000000",
			Maker:              testMaker,
			Taker:              testTaker,
			DestinationAddress: "alice.near",
			SlippageBPS:        100,
		}
	}

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"missing source chain", func(r *CreateRequest) { r.SourceChain = "" }},
		{"missing maker", func(r *CreateRequest) { r.Maker = "" }},
		{"near-style taker rejected", func(r *CreateRequest) { r.Taker = "alice.near" }},
		{"missing destination address", func(r *CreateRequest) { r.DestinationAddress = "" }},
		{"zero amount", func(r *CreateRequest) { r.SourceAmount = "0" }},
		{"negative amount", func(r *CreateRequest) { r.DestinationAmount = "-5" }},
		{"non-integer amount", func(r *CreateRequest) { r.SourceAmount = "1.5" }},
		{"slippage too high", func(r *CreateRequest) { r.SlippageBPS = 10_000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.mutate(req)
			if _, err := env.m.Create(req); fault.KindOf(err) != fault.InvalidInput {
				t.Errorf("Create() kind = %v, want InvalidInput", fault.KindOf(err))
			}
		})
	}

	sess := env.create(t)
	if sess.Status != StatusCreated {
		t.Errorf("status = %s, want Created", sess.Status)
	}
	if len(sess.Hashlock) != 64 {
		t.Errorf("hashlock length = %d, want 64 hex chars", len(sess.Hashlock))
	}
	ttl := sess.ExpiresAt.Sub(sess.CreatedAt)
	if ttl != config.DefaultSessionTTL {
		t.Errorf("ttl = %s, want default", ttl)
	}

	// Two identical requests yield distinct sessions and hashlocks.
	other := env.create(t)
	if other.ID == sess.ID || other.Hashlock == sess.Hashlock {
		t.Error("duplicate request was deduplicated")
	}
}

func TestHappyPath(t *testing.T) {
	env := newTestEnv(t)
	sess := env.create(t)
	h := hashlockOf(t, sess)

	if err := env.m.HandleEvent(sess.ID, sourceLockEvent(sess, h, 1_000_000)); err != nil {
		t.Fatalf("HandleEvent(src lock) error = %v", err)
	}
	got := waitStatus(t, env.m, sess.ID, StatusSourceLocked)
	if got.Source.Lock == nil || got.Source.Lock.ContractRef != "0xescrow" {
		t.Fatalf("source lock = %+v", got.Source.Lock)
	}
	if got.Timelocks == nil {
		t.Fatal("timelocks not recorded")
	}

	if err := env.m.HandleEvent(sess.ID, destLockEvent(h, 50_000_000)); err != nil {
		t.Fatalf("HandleEvent(dst lock) error = %v", err)
	}
	got = waitStatus(t, env.m, sess.ID, StatusBothLocked)
	if got.Destination.Lock == nil || got.Destination.Lock.ContractRef != "htlc-1" {
		t.Fatalf("destination lock = %+v", got.Destination.Lock)
	}

	plaintext, err := env.m.ReleaseSecret(sess.ID, testTaker)
	if err != nil {
		t.Fatalf("ReleaseSecret() error = %v", err)
	}
	preimage, err := hex.DecodeString(plaintext)
	if err != nil || len(preimage) != 32 {
		t.Fatalf("released secret %q is not 32 hex bytes", plaintext)
	}
	if !secret.VerifySecret(preimage, h) {
		t.Fatal("released secret does not match hashlock")
	}
	waitStatus(t, env.m, sess.ID, StatusRevealingSecret)

	withdraw := chain.Event{
		Side:        chain.SideDestination,
		Kind:        chain.EventHTLCWithdrawn,
		Hashlock:    h,
		ContractRef: "htlc-1",
		TxRef:       "DstClaimTx99",
		Secret:      preimage,
	}
	if err := env.m.HandleEvent(sess.ID, withdraw); err != nil {
		t.Fatalf("HandleEvent(withdraw) error = %v", err)
	}
	got = waitStatus(t, env.m, sess.ID, StatusCompleted)

	wantSteps := []string{"createEscrow", "createHTLC", "revealSecret", "claim"}
	if len(got.Steps) != len(wantSteps) {
		t.Fatalf("steps = %d, want %d: %+v", len(got.Steps), len(wantSteps), got.Steps)
	}
	for i, fn := range wantSteps {
		if got.Steps[i].Function != fn {
			t.Errorf("step %d = %s, want %s", i, got.Steps[i].Function, fn)
		}
		if got.Steps[i].ID != i+1 {
			t.Errorf("step %d id = %d", i, got.Steps[i].ID)
		}
	}
}

func TestSecretReleaseDenied(t *testing.T) {
	env := newTestEnv(t)
	sess := env.create(t)

	// Too early.
	if _, err := env.m.ReleaseSecret(sess.ID, testTaker); fault.KindOf(err) != fault.Forbidden {
		t.Errorf("early release kind = %v, want Forbidden", fault.KindOf(err))
	}

	h := hashlockOf(t, sess)
	env.m.HandleEvent(sess.ID, sourceLockEvent(sess, h, 1_000_000))
	waitStatus(t, env.m, sess.ID, StatusSourceLocked)
	env.m.HandleEvent(sess.ID, destLockEvent(h, 50_000_000))
	waitStatus(t, env.m, sess.ID, StatusBothLocked)

	// Wrong principal.
	if _, err := env.m.ReleaseSecret(sess.ID, testMaker); fault.KindOf(err) != fault.Forbidden {
		t.Errorf("wrong principal kind = %v, want Forbidden", fault.KindOf(err))
	}

	// Session unchanged, denials audited.
	got := settle(t, env.m, sess.ID)
	if got.Status != StatusBothLocked {
		t.Errorf("status = %s, want BothLocked after denials", got.Status)
	}
	events, err := env.persist.ListAudit(sess.ID)
	if err != nil {
		t.Fatalf("ListAudit() error = %v", err)
	}
	var denied int
	for _, ev := range events {
		if ev.Kind == storage.AuditSecretDenied {
			denied++
		}
	}
	if denied != 2 {
		t.Errorf("denied audits = %d, want 2", denied)
	}
}

func TestUnderpaidSourceLock(t *testing.T) {
	env := newTestEnv(t)
	sess := env.create(t)
	h := hashlockOf(t, sess)

	env.m.HandleEvent(sess.ID, sourceLockEvent(sess, h, 999_999))
	got := waitStatus(t, env.m, sess.ID, StatusFailed)
	if got.Reason != FailureInvalidLock {
		t.Errorf("reason = %s, want InvalidLock", got.Reason)
	}

	// Further events hit a terminal session.
	err := env.m.HandleEvent(sess.ID, destLockEvent(h, 50_000_000))
	if fault.KindOf(err) != fault.StateConflict {
		t.Errorf("HandleEvent(terminal) kind = %v, want StateConflict", fault.KindOf(err))
	}
}

func TestOverpaidSourceLockAccepted(t *testing.T) {
	env := newTestEnv(t)
	sess := env.create(t)
	h := hashlockOf(t, sess)

	env.m.HandleEvent(sess.ID, sourceLockEvent(sess, h, 2_000_000))
	got := waitStatus(t, env.m, sess.ID, StatusSourceLocked)
	if got.Source.Lock.Amount.Int64() != 2_000_000 {
		t.Errorf("lock amount = %s", got.Source.Lock.Amount)
	}
}

func TestTimelockOrderingViolation(t *testing.T) {
	env := newTestEnv(t)
	sess := env.create(t)
	h := hashlockOf(t, sess)

	ev := sourceLockEvent(sess, h, 1_000_000)
	// src_cancellation before dst_cancellation breaks settlement ordering.
	ev.Timelocks.SrcCancellation = ev.Timelocks.DstCancellation.Add(-time.Minute)
	env.m.HandleEvent(sess.ID, ev)

	got := waitStatus(t, env.m, sess.ID, StatusFailed)
	if got.Reason != FailureInvariantViolation {
		t.Errorf("reason = %s, want InvariantViolation", got.Reason)
	}

	if err := env.m.Execute(sess.ID, chain.ConfirmationNormal); fault.KindOf(err) != fault.InvariantViolation {
		t.Errorf("Execute() kind = %v, want InvariantViolation", fault.KindOf(err))
	}
}

func TestTimeoutAndRefund(t *testing.T) {
	env := newTestEnv(t)
	sess := env.create(t)
	h := hashlockOf(t, sess)

	env.m.HandleEvent(sess.ID, sourceLockEvent(sess, h, 1_000_000))
	waitStatus(t, env.m, sess.ID, StatusSourceLocked)

	// Jump past every deadline. The worker observes the new clock through
	// the command channel.
	env.m.clock = func() time.Time { return time.Now().Add(48 * time.Hour) }

	status, err := env.m.CheckTimeout(sess.ID)
	if err != nil {
		t.Fatalf("CheckTimeout() error = %v", err)
	}
	if status != StatusTimedOut {
		t.Fatalf("CheckTimeout() = %s, want TimedOut", status)
	}

	// No secret after timeout.
	if _, err := env.m.ReleaseSecret(sess.ID, testTaker); fault.KindOf(err) != fault.Forbidden {
		t.Errorf("post-timeout release kind = %v, want Forbidden", fault.KindOf(err))
	}

	refund := chain.Event{
		Side:        chain.SideSource,
		Kind:        chain.EventCancelled,
		Hashlock:    h,
		ContractRef: "0xescrow",
		TxRef:       "0xcancel",
	}
	if err := env.m.HandleEvent(sess.ID, refund); err != nil {
		t.Fatalf("HandleEvent(cancel) error = %v", err)
	}
	got := waitStatus(t, env.m, sess.ID, StatusRefunded)
	last := got.Steps[len(got.Steps)-1]
	if last.Function != "refund" || last.Status != StepCompleted {
		t.Errorf("last step = %+v, want completed refund", last)
	}
}

func TestUnexpectedCancelFails(t *testing.T) {
	env := newTestEnv(t)
	sess := env.create(t)
	h := hashlockOf(t, sess)

	env.m.HandleEvent(sess.ID, sourceLockEvent(sess, h, 1_000_000))
	waitStatus(t, env.m, sess.ID, StatusSourceLocked)

	// Cancel arrives while the cancellation timelock is still far away.
	env.m.HandleEvent(sess.ID, chain.Event{
		Side:        chain.SideSource,
		Kind:        chain.EventCancelled,
		Hashlock:    h,
		ContractRef: "0xescrow",
		TxRef:       "0xearlycancel",
	})
	got := waitStatus(t, env.m, sess.ID, StatusFailed)
	if got.Reason != FailureUnexpectedCancel {
		t.Errorf("reason = %s, want UnexpectedCancel", got.Reason)
	}
}

func TestDoubleLockConflict(t *testing.T) {
	env := newTestEnv(t)
	sess := env.create(t)
	h := hashlockOf(t, sess)

	env.m.HandleEvent(sess.ID, sourceLockEvent(sess, h, 1_000_000))
	waitStatus(t, env.m, sess.ID, StatusSourceLocked)

	second := sourceLockEvent(sess, h, 1_500_000)
	second.TxRef = "0xsecondlock"
	env.m.HandleEvent(sess.ID, second)

	got := settle(t, env.m, sess.ID)
	if got.Status != StatusSourceLocked {
		t.Errorf("status = %s after conflicting lock", got.Status)
	}
	if got.Source.Lock.ChainRef != "0xsrclock" {
		t.Errorf("lock = %s, want first observed", got.Source.Lock.ChainRef)
	}

	events, _ := env.persist.ListAudit(sess.ID)
	var conflicts int
	for _, ev := range events {
		if ev.Kind == storage.AuditLateEvent && strings.Contains(ev.Detail, "conflicting") {
			conflicts++
		}
	}
	if conflicts != 1 {
		t.Errorf("conflict audits = %d, want 1", conflicts)
	}
}

func TestReObservedEventIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	sess := env.create(t)
	h := hashlockOf(t, sess)

	ev := sourceLockEvent(sess, h, 1_000_000)
	env.m.HandleEvent(sess.ID, ev)
	waitStatus(t, env.m, sess.ID, StatusSourceLocked)
	env.m.HandleEvent(sess.ID, ev)

	got := settle(t, env.m, sess.ID)
	if got.Status != StatusSourceLocked {
		t.Errorf("status = %s after replay", got.Status)
	}
	if len(got.Steps) != 1 {
		t.Errorf("steps = %d after replay, want 1", len(got.Steps))
	}
}

func TestDestinationBeforeSourceWaits(t *testing.T) {
	env := newTestEnv(t)
	sess := env.create(t)
	h := hashlockOf(t, sess)

	env.m.HandleEvent(sess.ID, destLockEvent(h, 50_000_000))
	got := settle(t, env.m, sess.ID)
	if got.Status != StatusCreated {
		t.Errorf("status = %s, want Created while waiting for source", got.Status)
	}

	env.m.HandleEvent(sess.ID, sourceLockEvent(sess, h, 1_000_000))
	waitStatus(t, env.m, sess.ID, StatusSourceLocked)
}

func TestWrongPreimageIgnored(t *testing.T) {
	env := newTestEnv(t)
	sess := env.create(t)
	h := hashlockOf(t, sess)

	env.m.HandleEvent(sess.ID, sourceLockEvent(sess, h, 1_000_000))
	waitStatus(t, env.m, sess.ID, StatusSourceLocked)
	env.m.HandleEvent(sess.ID, destLockEvent(h, 50_000_000))
	waitStatus(t, env.m, sess.ID, StatusBothLocked)

	noise := make([]byte, 32)
	noise[0] = 0x66
	env.m.HandleEvent(sess.ID, chain.Event{
		Side:     chain.SideDestination,
		Kind:     chain.EventHTLCWithdrawn,
		Hashlock: h,
		TxRef:    "DstNoiseTx",
		Secret:   noise,
	})

	got := settle(t, env.m, sess.ID)
	if got.Status != StatusBothLocked {
		t.Errorf("status = %s after noise withdrawal", got.Status)
	}
}

func TestExecuteRecordsStep(t *testing.T) {
	env := newTestEnv(t)
	sess := env.create(t)

	if err := env.m.Execute(sess.ID, chain.ConfirmationFast); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got := settle(t, env.m, sess.ID)
	if len(got.Steps) != 1 || got.Steps[0].Function != "execute" {
		t.Fatalf("steps = %+v", got.Steps)
	}
	if got.Steps[0].Params["confirmation_level"] != "fast" {
		t.Errorf("params = %+v", got.Steps[0].Params)
	}
}

func TestRestartRestoresState(t *testing.T) {
	dir := t.TempDir()

	env1 := newTestEnvAt(t, dir)
	sess := env1.create(t)
	h := hashlockOf(t, sess)
	ev := sourceLockEvent(sess, h, 1_000_000)
	env1.m.HandleEvent(sess.ID, ev)
	before := waitStatus(t, env1.m, sess.ID, StatusSourceLocked)
	env1.m.Shutdown()
	env1.persist.Close()

	// Fresh process over the same state directory.
	env2 := newTestEnvAt(t, dir)
	after, err := env2.m.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get() after restart error = %v", err)
	}
	if after.Status != StatusSourceLocked {
		t.Errorf("restored status = %s, want SourceLocked", after.Status)
	}
	if after.Hashlock != before.Hashlock {
		t.Error("restored hashlock differs")
	}
	if after.Source.Lock == nil || after.Source.Lock.ChainRef != "0xsrclock" {
		t.Errorf("restored lock = %+v", after.Source.Lock)
	}

	// Replaying the already-consumed event leaves the state unchanged.
	env2.m.HandleEvent(sess.ID, ev)
	got := settle(t, env2.m, sess.ID)
	if got.Status != StatusSourceLocked || len(got.Steps) != len(before.Steps) {
		t.Errorf("replay changed state: %s, %d steps", got.Status, len(got.Steps))
	}
}

func TestValidationErrorMessage(t *testing.T) {
	env := newTestEnv(t)

	req := &CreateRequest{
		SourceChain:        "base",
		DestinationChain:   "near",
		SourceToken:        "USDC",
		DestinationToken:   "wrap.near",
		SourceAmount:       "1000000",
		DestinationAmount:  "50000000",
		Taker:              testTaker,
		DestinationAddress: "alice.near",
	}
	_, err := env.m.Create(req)
	if fault.KindOf(err) != fault.InvalidInput {
		t.Fatalf("kind = %v, want InvalidInput", fault.KindOf(err))
	}
	if got := fault.MessageOf(err); got != "maker is required" {
		t.Errorf("message = %q, want %q", got, "maker is required")
	}
}

func TestCreateClampsTTL(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{name: "below minimum", in: time.Second, want: config.MinSessionTTL},
		{name: "above maximum", in: 100 * time.Hour, want: config.MaxSessionTTL},
		{name: "in range", in: 2 * time.Hour, want: 2 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := env.m.Create(&CreateRequest{
				SourceChain:        "base",
				DestinationChain:   "near",
				SourceToken:        "USDC",
				DestinationToken:   "wrap.near",
				SourceAmount:       "1000000",
				DestinationAmount:  "50000000",
				Maker:              testMaker,
				Taker:              testTaker,
				DestinationAddress: "alice.near",
				ExpiresIn:          tt.in,
			})
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if got := sess.ExpiresAt.Sub(sess.CreatedAt); got != tt.want {
				t.Errorf("TTL = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReleaseDeniedOnceTimedOut(t *testing.T) {
	env := newTestEnv(t)
	sess := env.create(t)
	h := hashlockOf(t, sess)

	env.m.HandleEvent(sess.ID, sourceLockEvent(sess, h, 1_000_000))
	waitStatus(t, env.m, sess.ID, StatusSourceLocked)
	env.m.HandleEvent(sess.ID, destLockEvent(h, 50_000_000))
	waitStatus(t, env.m, sess.ID, StatusBothLocked)

	env.m.clock = func() time.Time { return time.Now().Add(48 * time.Hour) }
	status, err := env.m.CheckTimeout(sess.ID)
	if err != nil {
		t.Fatalf("CheckTimeout() error = %v", err)
	}
	if status != StatusTimedOut {
		t.Fatalf("CheckTimeout() = %s, want TimedOut", status)
	}

	// The disclosure decision sees the timed-out status; the secret stays
	// sealed even though both legs were locked moments before.
	if _, err := env.m.ReleaseSecret(sess.ID, testTaker); fault.KindOf(err) != fault.Forbidden {
		t.Errorf("release after timeout kind = %v, want Forbidden", fault.KindOf(err))
	}
}

func TestCheckTimeoutDuringTerminalTransition(t *testing.T) {
	env := newTestEnv(t)
	sess := env.create(t)
	h := hashlockOf(t, sess)

	env.m.HandleEvent(sess.ID, sourceLockEvent(sess, h, 1_000_000))
	waitStatus(t, env.m, sess.ID, StatusSourceLocked)
	env.m.clock = func() time.Time { return time.Now().Add(48 * time.Hour) }

	// Race a burst of timeout checks against the refund that retires the
	// worker. Every call must come back, including those whose command was
	// still queued when the worker exited.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.m.CheckTimeout(sess.ID)
			errs <- err
		}()
	}

	refund := chain.Event{
		Side:        chain.SideSource,
		Kind:        chain.EventCancelled,
		Hashlock:    h,
		ContractRef: "0xescrow",
		TxRef:       "0xcancel",
	}
	env.m.HandleEvent(sess.ID, refund)
	waitStatus(t, env.m, sess.ID, StatusRefunded)

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("CheckTimeout calls stuck after the worker exited")
	}
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("CheckTimeout() error = %v", err)
		}
	}
}
