package escrow

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"group-escrow/internal/domain"
	"group-escrow/internal/notify"
	"group-escrow/internal/storage/memory"
	"group-escrow/internal/token"
)

const (
	testDeadlineIn = 300 // seconds from harness start
	testCooldown   = 60
)

var testStart = time.Unix(1_700_000_000, 0)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(seconds int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Duration(seconds) * time.Second)
}

// account returns a plain (non-vendor) identity.
func account(b byte) domain.Address {
	var a domain.Address
	a[0] = 2
	a[1] = b
	return a
}

// signer returns an on-curve identity usable as a vendor.
func signer(y byte) domain.Address {
	var a domain.Address
	a[0] = y
	return a
}

var (
	organizer = account(0xA0)
	recipient = account(0xA1)
	escrowAcc = account(0xA2)
	feeSink   = account(0xA3)
	alice     = account(0x01)
	bob       = account(0x02)
	carol     = account(0x03)
	vendors   = [3]domain.Address{signer(3), signer(4), signer(5)}
)

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *fakeClock
	ledger *token.Ledger
	store  *memory.LedgerStore
	rec    *notify.Recorder
	engine *Engine
}

func newHarness(t *testing.T, opts ...token.LedgerOption) *harness {
	t.Helper()
	clock := &fakeClock{now: testStart}
	ledger := token.NewLedger(opts...)
	store := memory.NewLedgerStore()
	rec := notify.NewRecorder()

	engine := NewEngine(EngineOptions{
		Store:    store,
		Medium:   ledger,
		Account:  escrowAcc,
		Notifier: rec,
		Clock:    clock.Now,
		Logger:   log.New(io.Discard, "", 0),
	})

	return &harness{
		t:      t,
		ctx:    context.Background(),
		clock:  clock,
		ledger: ledger,
		store:  store,
		rec:    rec,
		engine: engine,
	}
}

func (h *harness) now() int64 {
	return h.clock.Now().Unix()
}

func (h *harness) deadline() int64 {
	return testStart.Unix() + testDeadlineIn
}

func docHash(i int) domain.Hash {
	return HashDocument([]byte{'q', 'u', 'o', 't', 'e', byte('0' + i)})
}

func (h *harness) params(thresholds ...uint64) CreatePoolParams {
	p := CreatePoolParams{
		Recipient:       recipient,
		Deadline:        h.deadline(),
		CooldownSeconds: testCooldown,
		Thresholds:      thresholds,
	}
	for i := range thresholds {
		p.DocumentHashes = append(p.DocumentHashes, docHash(i+1))
		p.Vendors = append(p.Vendors, vendors[i])
	}
	return p
}

// createPool creates a pool and attests every tier until the cooldown ends.
func (h *harness) createPool(thresholds ...uint64) uint64 {
	h.t.Helper()
	id, err := h.engine.CreatePool(h.ctx, organizer, h.params(thresholds...))
	if err != nil {
		h.t.Fatalf("CreatePool: %v", err)
	}
	for i := range thresholds {
		h.attest(id, uint8(i+1), h.deadline()+testCooldown)
	}
	return id
}

func (h *harness) attest(poolID uint64, tier uint8, validUntil int64) {
	h.t.Helper()
	if _, err := h.engine.AttestQuote(h.ctx, vendors[tier-1], poolID, tier, validUntil); err != nil {
		h.t.Fatalf("AttestQuote tier %d: %v", tier, err)
	}
}

// fund mints amount to who and approves the engine to pull it.
func (h *harness) fund(who domain.Address, amount uint64) {
	h.t.Helper()
	if err := h.ledger.Mint(who, amount); err != nil {
		h.t.Fatalf("Mint: %v", err)
	}
	if err := h.ledger.Approve(h.ctx, who, escrowAcc, h.ledger.Allowance(who, escrowAcc)+amount); err != nil {
		h.t.Fatalf("Approve: %v", err)
	}
}

func (h *harness) contribute(poolID uint64, who domain.Address, amount uint64) uint64 {
	h.t.Helper()
	h.fund(who, amount)
	credited, err := h.engine.Contribute(h.ctx, who, poolID, amount)
	if err != nil {
		h.t.Fatalf("Contribute: %v", err)
	}
	return credited
}

func (h *harness) balance(who domain.Address) uint64 {
	h.t.Helper()
	b, err := h.ledger.BalanceOf(h.ctx, who)
	if err != nil {
		h.t.Fatalf("BalanceOf: %v", err)
	}
	return b
}

func (h *harness) state(poolID uint64) domain.State {
	h.t.Helper()
	s, err := h.engine.GetState(h.ctx, poolID)
	if err != nil {
		h.t.Fatalf("GetState: %v", err)
	}
	return s
}

func (h *harness) expectState(poolID uint64, want domain.State) {
	h.t.Helper()
	if got := h.state(poolID); got != want {
		h.t.Fatalf("state: got %s, want %s", got, want)
	}
}

func (h *harness) pool(poolID uint64) *domain.Pool {
	h.t.Helper()
	p, err := h.engine.GetPool(h.ctx, poolID)
	if err != nil {
		h.t.Fatalf("GetPool: %v", err)
	}
	return p
}

// checkAccounting asserts the pool's books balance against its contributions.
func (h *harness) checkAccounting(poolID uint64) {
	h.t.Helper()
	p := h.pool(poolID)
	if p.TotalRaised < p.TotalRefunded {
		h.t.Fatalf("total raised %d < total refunded %d", p.TotalRaised, p.TotalRefunded)
	}
	cs, err := h.engine.ListContributions(h.ctx, poolID)
	if err != nil {
		h.t.Fatalf("ListContributions: %v", err)
	}
	var sum uint64
	for _, c := range cs {
		sum += c.Amount
	}
	if sum != p.TotalRaised-p.TotalRefunded {
		h.t.Fatalf("contributions sum %d != net funds %d", sum, p.TotalRaised-p.TotalRefunded)
	}
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("error: got %v, want %v", err, want)
	}
}

func TestNewEngine_Defaults(t *testing.T) {
	e := NewEngine(EngineOptions{Account: escrowAcc})
	if e.clock == nil || e.logger == nil {
		t.Fatal("expected default clock and logger")
	}
	if e.Account() != escrowAcc {
		t.Errorf("Account: got %s, want %s", e.Account(), escrowAcc)
	}
}

func TestEngine_NotificationsCarryEmissionTime(t *testing.T) {
	h := newHarness(t)
	h.createPool(100)

	for _, n := range h.rec.All() {
		if n.EmittedAt != h.now() {
			t.Errorf("%s emitted at %d, want %d", n.Kind, n.EmittedAt, h.now())
		}
	}
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, []domain.Notification) error {
	f.calls++
	return errors.New("downstream unavailable")
}

func TestEngine_PublishFailureDoesNotFailMutation(t *testing.T) {
	h := newHarness(t)
	pub := &failingPublisher{}
	h.engine.notifier = pub

	if _, err := h.engine.CreatePool(h.ctx, organizer, h.params(100)); err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	if pub.calls != 1 {
		t.Errorf("publish calls: got %d, want 1", pub.calls)
	}
}
