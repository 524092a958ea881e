// Package escrow implements the tiered group-purchase escrow engine: pool
// creation, vendor attestation and the four value-moving operations.
//
// Every mutation runs under a per-engine reentrancy guard. Ledger effects
// commit before value leaves the engine account, and a payout the medium
// rejects is reversed by a second unit of work while the guard is still held.
// Lifecycle state is never stored; each check derives it from the pool
// snapshot and the current time.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"group-escrow/internal/domain"
	"group-escrow/internal/notify"
	"group-escrow/internal/observability"
	"group-escrow/internal/storage"
	"group-escrow/internal/token"
)

// Engine is the escrow engine. It is safe for concurrent use, but mutations do
// not queue: a mutation issued while another is running fails with
// ErrReentrantCall. Serialize external callers with a sequencer.
type Engine struct {
	store    storage.LedgerStore
	medium   token.Medium
	account  domain.Address
	notifier notify.Notifier
	clock    func() time.Time
	logger   *log.Logger

	guard guard
}

// EngineOptions contains configuration for creating an Engine.
type EngineOptions struct {
	Store    storage.LedgerStore
	Medium   token.Medium
	Account  domain.Address  // the engine's own account on Medium
	Notifier notify.Notifier // optional
	Clock    func() time.Time
	Logger   *log.Logger
}

// NewEngine creates a new escrow engine.
func NewEngine(opts EngineOptions) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Engine{
		store:    opts.Store,
		medium:   opts.Medium,
		account:  opts.Account,
		notifier: opts.Notifier,
		clock:    clock,
		logger:   logger,
	}
}

// Account returns the engine's account on the value medium.
func (e *Engine) Account() domain.Address {
	return e.account
}

func (e *Engine) now() int64 {
	return e.clock().Unix()
}

// mutation is the body of a single-commit engine operation. It runs inside a
// ledger unit of work and returns the notifications to publish once that commits.
type mutation func(ctx context.Context, tx storage.LedgerTx, now int64) ([]domain.Notification, error)

// operation is the body of any engine operation. It returns the notifications
// to publish once every ledger write it made has committed.
type operation func(ctx context.Context, now int64) ([]domain.Notification, error)

// restoreFunc undoes a committed debit after its transfer was confirmed not to
// have happened.
type restoreFunc func(ctx context.Context, tx storage.LedgerTx) error

// mutate runs fn under the reentrancy guard in one ledger unit of work.
func (e *Engine) mutate(ctx context.Context, op string, fn mutation) error {
	return e.run(ctx, op, func(ctx context.Context, now int64) ([]domain.Notification, error) {
		return e.update(ctx, now, fn)
	})
}

// run executes fn under the reentrancy guard and publishes its notifications.
func (e *Engine) run(ctx context.Context, op string, fn operation) error {
	if !e.guard.enter() {
		observability.RecordReentrancyRejected()
		observability.RecordOperation(op, "reentrant", 0)
		return ErrReentrantCall
	}
	defer e.guard.exit()

	start := time.Now()
	now := e.now()

	batch, err := fn(ctx, now)
	observability.RecordOperation(op, outcome(err), time.Since(start).Seconds())
	if err != nil {
		return err
	}

	for i := range batch {
		batch[i].EmittedAt = now
	}
	e.publish(ctx, batch)
	return nil
}

// update runs fn in one ledger unit of work. The unit of work does not inherit
// the caller's cancellation: a commit that has started either lands or fails
// on its own, never because the caller went away.
func (e *Engine) update(ctx context.Context, now int64, fn mutation) ([]domain.Notification, error) {
	ctx = context.WithoutCancel(ctx)

	var batch []domain.Notification
	err := e.store.Update(ctx, func(tx storage.LedgerTx) error {
		var err error
		batch, err = fn(ctx, tx, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// publish hands a committed batch to the notifier. Failures are logged; the
// mutation has already committed.
func (e *Engine) publish(ctx context.Context, batch []domain.Notification) {
	for _, n := range batch {
		observability.RecordNotification(n.Kind.String())
	}
	if e.notifier == nil || len(batch) == 0 {
		return
	}
	if err := e.notifier.Publish(ctx, batch); err != nil {
		e.logger.Printf("publish %d notifications for pool %d: %v", len(batch), batch[0].PoolID, err)
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(Classify(err))
}

// loadPool reads a pool inside tx, mapping a missing record to ErrPoolNotFound.
func loadPool(ctx context.Context, r storage.LedgerReader, poolID uint64) (*domain.Pool, error) {
	p, err := r.GetPool(ctx, poolID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load pool %d: %w", poolID, err)
	}
	return p, nil
}

// payOut sends amount from the engine account to `to`. The matching debit must
// already be committed.
//
// When the medium reports a failure, the engine balance decides what happened.
// If the value left anyway the payout stands. If it provably stayed, restore
// reverses the debit. If the balance cannot be read the debit is kept and
// ErrTransferUnconfirmed returned, so the amount can never be paid twice.
func (e *Engine) payOut(ctx context.Context, to domain.Address, amount uint64, restore restoreFunc) error {
	ctx = context.WithoutCancel(ctx)

	before, err := e.medium.BalanceOf(ctx, e.account)
	if err != nil {
		return e.rollBack(ctx, fmt.Errorf("%w: balance before: %w", ErrTransferFailed, err), restore)
	}

	terr := e.medium.Transfer(ctx, e.account, to, amount)
	if terr == nil {
		return nil
	}

	after, err := e.medium.BalanceOf(ctx, e.account)
	switch {
	case err != nil:
		e.logger.Printf("transfer of %d to %s: %v; balance check: %v; debit kept", amount, to, terr, err)
		return fmt.Errorf("%w: %w", ErrTransferUnconfirmed, terr)
	case after <= before && before-after >= amount:
		e.logger.Printf("transfer of %d to %s reported %v but settled", amount, to, terr)
		return nil
	default:
		return e.rollBack(ctx, fmt.Errorf("%w: %w", ErrTransferFailed, terr), restore)
	}
}

// rollBack commits restore and returns cause. A restore that fails leaves the
// debit in place; the value stays in the engine account and shows up as a
// custody surplus.
func (e *Engine) rollBack(ctx context.Context, cause error, restore restoreFunc) error {
	err := e.store.Update(ctx, func(tx storage.LedgerTx) error {
		return restore(ctx, tx)
	})
	if err != nil {
		e.logger.Printf("restore ledger after %v: %v", cause, err)
		return errors.Join(cause, fmt.Errorf("restore ledger: %w", err))
	}
	return cause
}

// giveBack returns value the engine received but could not record. cause is
// the error that prevented recording it.
func (e *Engine) giveBack(ctx context.Context, to domain.Address, amount uint64, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := e.medium.Transfer(ctx, e.account, to, amount); err != nil {
		e.logger.Printf("return %d to %s after %v: %v", amount, to, cause, err)
		return errors.Join(cause, fmt.Errorf("%w: return %d: %w", ErrTransferFailed, amount, err))
	}
	return cause
}
