package escrow

import (
	"context"
	"fmt"

	"group-escrow/internal/domain"
	"group-escrow/internal/idhash"
	"group-escrow/internal/storage"
)

// AttestQuote records the vendor's one-time attestation of a tier, valid until
// validUntil, and returns the commitment binding it to the tier's terms.
func (e *Engine) AttestQuote(ctx context.Context, vendor domain.Address, poolID uint64, tierIndex uint8, validUntil int64) (domain.Hash, error) {
	var commitment domain.Hash
	err := e.mutate(ctx, "attest_quote", func(ctx context.Context, tx storage.LedgerTx, now int64) ([]domain.Notification, error) {
		pool, err := loadPool(ctx, tx, poolID)
		if err != nil {
			return nil, err
		}
		if now >= pool.Deadline {
			return nil, ErrAttestationWindowClosed
		}

		tier := pool.Tier(tierIndex)
		if tier == nil {
			return nil, ErrInvalidTierIndex
		}
		if vendor != tier.Vendor {
			return nil, ErrNotTierVendor
		}
		if tier.IsAttested() {
			return nil, ErrAlreadyAttested
		}
		if validUntil < pool.CooldownEndsAt() {
			return nil, ErrValidUntilTooEarly
		}

		tier.AttestedAt = now
		tier.ValidUntil = validUntil
		if err := tx.UpdateTier(ctx, poolID, tier); err != nil {
			return nil, fmt.Errorf("attest quote: %w", err)
		}

		commitment = idhash.ComputeAttestationCommitment(poolID, tierIndex, tier.Threshold, tier.DocumentHash, pool.Recipient)
		return []domain.Notification{{
			Kind:         domain.NotificationQuoteAttested,
			PoolID:       poolID,
			TierIndex:    tierIndex,
			Account:      vendor,
			Recipient:    pool.Recipient,
			Amount:       tier.Threshold,
			Commitment:   commitment,
			DocumentHash: tier.DocumentHash,
			ValidUntil:   validUntil,
		}}, nil
	})
	if err != nil {
		return domain.ZeroHash, err
	}

	e.logger.Printf("pool %d tier %d attested by %s: valid_until=%d commitment=%s",
		poolID, tierIndex, vendor, validUntil, commitment)
	return commitment, nil
}
