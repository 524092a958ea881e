package token

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"sync"

	"group-escrow/internal/domain"
)

// MaxFeeBps is the largest accepted transfer fee (100%).
const MaxFeeBps = 10_000

// ReceiveHook runs after an account has been credited by a transfer. It runs
// outside the ledger lock, so it may call back into the ledger or into
// anything that uses it.
type ReceiveHook func(ctx context.Context, from domain.Address, amount uint64)

type allowanceKey struct {
	owner   domain.Address
	spender domain.Address
}

// Ledger is an in-memory Medium.
type Ledger struct {
	mu         sync.Mutex
	balances   map[domain.Address]uint64
	allowances map[allowanceKey]uint64
	feeBps     uint32
	feeSink    domain.Address
	hooks      map[domain.Address]ReceiveHook
	failNext   map[domain.Address]error
}

// LedgerOption configures Ledger.
type LedgerOption func(*Ledger)

// WithFee deducts bps basis points from every transfer, crediting the fee to sink.
func WithFee(bps uint32, sink domain.Address) LedgerOption {
	return func(l *Ledger) {
		if bps > MaxFeeBps {
			bps = MaxFeeBps
		}
		l.feeBps = bps
		l.feeSink = sink
	}
}

// NewLedger creates an empty in-memory ledger.
func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		balances:   make(map[domain.Address]uint64),
		allowances: make(map[allowanceKey]uint64),
		hooks:      make(map[domain.Address]ReceiveHook),
		failNext:   make(map[domain.Address]error),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Mint credits amount to account without a source.
func (l *Ledger) Mint(account domain.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balances[account]
	if bal > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	l.balances[account] = bal + amount
	return nil
}

// OnReceive registers hook to run whenever account is credited by a transfer.
// A nil hook removes it.
func (l *Ledger) OnReceive(account domain.Address, hook ReceiveHook) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if hook == nil {
		delete(l.hooks, account)
		return
	}
	l.hooks[account] = hook
}

// FailNextTransferTo makes the next transfer credited to account fail with err
// before any balance changes.
func (l *Ledger) FailNextTransferTo(account domain.Address, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failNext[account] = err
}

// Allowance returns the amount spender may still move out of owner's balance.
func (l *Ledger) Allowance(owner, spender domain.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.allowances[allowanceKey{owner, spender}]
}

// TransferFrom implements Medium.
func (l *Ledger) TransferFrom(ctx context.Context, from, to domain.Address, amount uint64) error {
	hook, received, err := l.move(from, to, amount, true)
	if err != nil {
		return fmt.Errorf("transferFrom: %w", err)
	}
	if hook != nil {
		hook(ctx, from, received)
	}
	return nil
}

// Transfer implements Medium.
func (l *Ledger) Transfer(ctx context.Context, from, to domain.Address, amount uint64) error {
	hook, received, err := l.move(from, to, amount, false)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	if hook != nil {
		hook(ctx, from, received)
	}
	return nil
}

// BalanceOf implements Medium.
func (l *Ledger) BalanceOf(_ context.Context, account domain.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.balances[account], nil
}

// Approve implements Medium.
func (l *Ledger) Approve(_ context.Context, owner, spender domain.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.allowances[allowanceKey{owner, spender}] = amount
	return nil
}

// move applies a transfer under the lock and returns the hook to run after it.
func (l *Ledger) move(from, to domain.Address, amount uint64, spendAllowance bool) (ReceiveHook, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err, ok := l.failNext[to]; ok {
		delete(l.failNext, to)
		return nil, 0, err
	}

	key := allowanceKey{from, to}
	if spendAllowance && l.allowances[key] < amount {
		return nil, 0, ErrInsufficientAllowance
	}
	if l.balances[from] < amount {
		return nil, 0, ErrInsufficientBalance
	}

	hi, lo := bits.Mul64(amount, uint64(l.feeBps))
	fee, _ := bits.Div64(hi, lo, MaxFeeBps)
	received := amount - fee

	if from != to && l.balances[to] > math.MaxUint64-received {
		return nil, 0, ErrBalanceOverflow
	}

	if spendAllowance {
		l.allowances[key] -= amount
	}
	l.balances[from] -= amount
	l.balances[to] += received
	if fee > 0 {
		l.balances[l.feeSink] += fee
	}

	return l.hooks[to], received, nil
}

// Verify interface compliance at compile time.
var _ Medium = (*Ledger)(nil)
