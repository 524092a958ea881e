package escrow

import (
	"context"
	"fmt"
	"math"

	"group-escrow/internal/domain"
	"group-escrow/internal/idhash"
	"group-escrow/internal/lifecycle"
	"group-escrow/internal/observability"
	"group-escrow/internal/storage"
)

// Contribute pulls amount from the contributor into escrow and credits what
// the engine actually received, which may be less than amount on a medium
// that charges fees. The contributor must have approved the engine account.
//
// The engine balance is measured around the pull even when the medium reports
// an error, and any value that arrived is credited. Value the medium took from
// the contributor without delivering it (a 100% fee, say) is not credited and
// stays lost to the contributor. If the credit cannot be committed, the
// received amount is sent back.
func (e *Engine) Contribute(ctx context.Context, contributor domain.Address, poolID uint64, amount uint64) (uint64, error) {
	var credited, total uint64
	err := e.run(ctx, "contribute", func(ctx context.Context, now int64) ([]domain.Notification, error) {
		ctx = context.WithoutCancel(ctx)

		pool, err := loadPool(ctx, e.store, poolID)
		if err != nil {
			return nil, err
		}
		held, err := e.store.GetContribution(ctx, poolID, contributor)
		if err != nil {
			return nil, fmt.Errorf("contribute: %w", err)
		}
		if err := checkContribution(pool, held, amount, now); err != nil {
			return nil, err
		}

		before, err := e.medium.BalanceOf(ctx, e.account)
		if err != nil {
			return nil, fmt.Errorf("contribute: balance before: %w", err)
		}
		terr := e.medium.TransferFrom(ctx, contributor, e.account, amount)
		after, err := e.medium.BalanceOf(ctx, e.account)
		switch {
		case err != nil && terr != nil:
			return nil, fmt.Errorf("%w: %w", ErrTransferFailed, terr)
		case err != nil:
			e.logger.Printf("pool %d contribution from %s: balance after: %v", poolID, contributor, err)
			return nil, fmt.Errorf("%w: balance after: %w", ErrTransferUnconfirmed, err)
		case after <= before && terr != nil:
			return nil, fmt.Errorf("%w: %w", ErrTransferFailed, terr)
		case after <= before:
			return nil, ErrNothingReceived
		case terr != nil:
			e.logger.Printf("pool %d contribution from %s: medium reported %v but %d arrived", poolID, contributor, terr, after-before)
		}
		credited = after - before

		batch, err := e.update(ctx, now, func(ctx context.Context, tx storage.LedgerTx, now int64) ([]domain.Notification, error) {
			pool, err := loadPool(ctx, tx, poolID)
			if err != nil {
				return nil, err
			}
			held, err := tx.GetContribution(ctx, poolID, contributor)
			if err != nil {
				return nil, fmt.Errorf("contribute: %w", err)
			}
			if pool.TotalRaised > math.MaxUint64-credited || held > math.MaxUint64-credited {
				return nil, ErrAmountOverflow
			}

			pool.TotalRaised += credited
			if err := tx.SetContribution(ctx, poolID, contributor, held+credited); err != nil {
				return nil, fmt.Errorf("contribute: %w", err)
			}
			if err := tx.UpdatePool(ctx, pool); err != nil {
				return nil, fmt.Errorf("contribute: %w", err)
			}

			total = pool.NetFunds()
			return []domain.Notification{{
				Kind:    domain.NotificationContributed,
				PoolID:  poolID,
				Account: contributor,
				Amount:  credited,
				Total:   total,
			}}, nil
		})
		if err != nil {
			return nil, e.giveBack(ctx, contributor, credited, err)
		}
		return batch, nil
	})
	if err != nil {
		return 0, err
	}

	observability.RecordValueMoved("in", credited)
	e.logger.Printf("pool %d contribution: contributor=%s requested=%d credited=%d total=%d",
		poolID, contributor, amount, credited, total)
	return credited, nil
}

// checkContribution applies the preconditions for contributing amount to pool
// on top of an existing balance of held.
func checkContribution(pool *domain.Pool, held, amount uint64, now int64) error {
	if lifecycle.DeriveState(pool, now) != domain.StateActive {
		if t := pool.Tier(1); t != nil && !t.IsAttested() {
			return ErrTierOneNotAttested
		}
		return ErrPoolNotActive
	}
	if amount == 0 {
		return ErrZeroAmount
	}
	if pool.TotalRaised > math.MaxUint64-amount || held > math.MaxUint64-amount {
		return ErrAmountOverflow
	}
	return nil
}

// Exit returns the caller's whole escrowed balance during cooldown. The pool
// may fall out of its payable tier as a result.
func (e *Engine) Exit(ctx context.Context, contributor domain.Address, poolID uint64) (uint64, error) {
	var amount, total uint64
	err := e.run(ctx, "exit", func(ctx context.Context, now int64) ([]domain.Notification, error) {
		batch, err := e.update(ctx, now, func(ctx context.Context, tx storage.LedgerTx, now int64) ([]domain.Notification, error) {
			pool, err := loadPool(ctx, tx, poolID)
			if err != nil {
				return nil, err
			}
			if lifecycle.DeriveState(pool, now) != domain.StateCooldown {
				return nil, ErrNotInCooldown
			}

			amount, err = tx.GetContribution(ctx, poolID, contributor)
			if err != nil {
				return nil, fmt.Errorf("exit: %w", err)
			}
			if amount == 0 {
				return nil, ErrNoFunds
			}

			pool.TotalRaised -= amount
			if err := tx.SetContribution(ctx, poolID, contributor, 0); err != nil {
				return nil, fmt.Errorf("exit: %w", err)
			}
			if err := tx.UpdatePool(ctx, pool); err != nil {
				return nil, fmt.Errorf("exit: %w", err)
			}

			total = pool.NetFunds()
			return []domain.Notification{{
				Kind:    domain.NotificationExited,
				PoolID:  poolID,
				Account: contributor,
				Amount:  amount,
				Total:   total,
			}}, nil
		})
		if err != nil {
			return nil, err
		}

		err = e.payOut(ctx, contributor, amount, func(ctx context.Context, tx storage.LedgerTx) error {
			return restoreContribution(ctx, tx, poolID, contributor, amount, func(p *domain.Pool) {
				p.TotalRaised += amount
			})
		})
		if err != nil {
			return nil, err
		}
		return batch, nil
	})
	if err != nil {
		return 0, err
	}

	observability.RecordValueMoved("exit", amount)
	e.logger.Printf("pool %d exit: contributor=%s amount=%d remaining=%d", poolID, contributor, amount, total)
	return amount, nil
}

// Finalize pays the pool's net funds to its recipient. Any caller may finalize
// a payable pool; it succeeds at most once.
func (e *Engine) Finalize(ctx context.Context, caller domain.Address, poolID uint64) (uint64, error) {
	var payout uint64
	var realized uint8
	var recipient domain.Address
	err := e.run(ctx, "finalize", func(ctx context.Context, now int64) ([]domain.Notification, error) {
		batch, err := e.update(ctx, now, func(ctx context.Context, tx storage.LedgerTx, now int64) ([]domain.Notification, error) {
			pool, err := loadPool(ctx, tx, poolID)
			if err != nil {
				return nil, err
			}
			// Checked before deriving state, which would report PAID.
			if pool.Finalized {
				return nil, ErrAlreadyFinalized
			}
			if lifecycle.DeriveState(pool, now) != domain.StatePayable {
				return nil, ErrNotPayable
			}

			realized = lifecycle.PayableTier(pool, now)
			tier := pool.Tier(realized)
			payout = pool.NetFunds()
			recipient = pool.Recipient

			pool.Finalized = true
			if err := tx.UpdatePool(ctx, pool); err != nil {
				return nil, fmt.Errorf("finalize: %w", err)
			}

			return []domain.Notification{{
				Kind:         domain.NotificationFinalized,
				PoolID:       poolID,
				TierIndex:    realized,
				Account:      tier.Vendor,
				Recipient:    pool.Recipient,
				Amount:       payout,
				Total:        payout,
				Commitment:   idhash.ComputeAttestationCommitment(poolID, realized, tier.Threshold, tier.DocumentHash, pool.Recipient),
				DocumentHash: tier.DocumentHash,
				ValidUntil:   tier.ValidUntil,
				Success:      true,
			}}, nil
		})
		if err != nil {
			return nil, err
		}

		err = e.payOut(ctx, recipient, payout, func(ctx context.Context, tx storage.LedgerTx) error {
			pool, err := loadPool(ctx, tx, poolID)
			if err != nil {
				return err
			}
			pool.Finalized = false
			return tx.UpdatePool(ctx, pool)
		})
		if err != nil {
			return nil, err
		}
		return batch, nil
	})
	if err != nil {
		return 0, err
	}

	observability.RecordValueMoved("payout", payout)
	e.logger.Printf("pool %d finalized by %s: tier=%d payout=%d", poolID, caller, realized, payout)
	return payout, nil
}

// ClaimRefund returns the caller's escrowed balance from a pool that will not
// pay out. Each contributor claims once.
func (e *Engine) ClaimRefund(ctx context.Context, contributor domain.Address, poolID uint64) (uint64, error) {
	var amount, total uint64
	err := e.run(ctx, "claim_refund", func(ctx context.Context, now int64) ([]domain.Notification, error) {
		batch, err := e.update(ctx, now, func(ctx context.Context, tx storage.LedgerTx, now int64) ([]domain.Notification, error) {
			pool, err := loadPool(ctx, tx, poolID)
			if err != nil {
				return nil, err
			}
			if lifecycle.DeriveState(pool, now) != domain.StateRefunding {
				return nil, ErrNotRefunding
			}

			amount, err = tx.GetContribution(ctx, poolID, contributor)
			if err != nil {
				return nil, fmt.Errorf("claim refund: %w", err)
			}
			if amount == 0 {
				return nil, ErrNoFunds
			}

			pool.TotalRefunded += amount
			if err := tx.SetContribution(ctx, poolID, contributor, 0); err != nil {
				return nil, fmt.Errorf("claim refund: %w", err)
			}
			if err := tx.UpdatePool(ctx, pool); err != nil {
				return nil, fmt.Errorf("claim refund: %w", err)
			}

			total = pool.NetFunds()
			return []domain.Notification{{
				Kind:    domain.NotificationRefundClaimed,
				PoolID:  poolID,
				Account: contributor,
				Amount:  amount,
				Total:   total,
			}}, nil
		})
		if err != nil {
			return nil, err
		}

		err = e.payOut(ctx, contributor, amount, func(ctx context.Context, tx storage.LedgerTx) error {
			return restoreContribution(ctx, tx, poolID, contributor, amount, func(p *domain.Pool) {
				p.TotalRefunded -= amount
			})
		})
		if err != nil {
			return nil, err
		}
		return batch, nil
	})
	if err != nil {
		return 0, err
	}

	observability.RecordValueMoved("refund", amount)
	e.logger.Printf("pool %d refund: contributor=%s amount=%d remaining=%d", poolID, contributor, amount, total)
	return amount, nil
}

// restoreContribution credits amount back to the contributor and reverses the
// pool totals with undo.
func restoreContribution(ctx context.Context, tx storage.LedgerTx, poolID uint64, contributor domain.Address, amount uint64, undo func(p *domain.Pool)) error {
	pool, err := loadPool(ctx, tx, poolID)
	if err != nil {
		return err
	}
	held, err := tx.GetContribution(ctx, poolID, contributor)
	if err != nil {
		return err
	}
	undo(pool)
	if err := tx.SetContribution(ctx, poolID, contributor, held+amount); err != nil {
		return err
	}
	return tx.UpdatePool(ctx, pool)
}
