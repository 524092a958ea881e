package escrow

import (
	"context"
	"fmt"

	"group-escrow/internal/domain"
	"group-escrow/internal/observability"
	"group-escrow/internal/storage"
)

// CreatePoolParams describes a new pool. The tier lists are parallel and
// ordered by tier index.
type CreatePoolParams struct {
	Recipient       domain.Address
	Deadline        int64 // Unix seconds, strictly in the future
	CooldownSeconds int64
	Thresholds      []uint64
	DocumentHashes  []domain.Hash
	Vendors         []domain.Address
}

// CreatePool validates params, stores a new pool with unattested tiers and
// returns its id. No value moves.
func (e *Engine) CreatePool(ctx context.Context, organizer domain.Address, params CreatePoolParams) (uint64, error) {
	var poolID uint64
	err := e.mutate(ctx, "create_pool", func(ctx context.Context, tx storage.LedgerTx, now int64) ([]domain.Notification, error) {
		tiers, err := validatePool(params, now)
		if err != nil {
			return nil, err
		}

		pool := &domain.Pool{
			Organizer:       organizer,
			Recipient:       params.Recipient,
			Deadline:        params.Deadline,
			CooldownSeconds: params.CooldownSeconds,
			CreatedAt:       now,
			Tiers:           tiers,
		}
		poolID, err = tx.InsertPool(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("create pool: %w", err)
		}

		batch := make([]domain.Notification, 0, 1+len(tiers))
		batch = append(batch, domain.Notification{
			Kind:      domain.NotificationPoolCreated,
			PoolID:    poolID,
			Account:   organizer,
			Recipient: params.Recipient,
			Deadline:  params.Deadline,
			Cooldown:  params.CooldownSeconds,
		})
		for _, t := range tiers {
			batch = append(batch, domain.Notification{
				Kind:         domain.NotificationTierAdded,
				PoolID:       poolID,
				TierIndex:    t.Index,
				Account:      t.Vendor,
				Amount:       t.Threshold,
				DocumentHash: t.DocumentHash,
			})
		}
		return batch, nil
	})
	if err != nil {
		return 0, err
	}

	observability.RecordPoolCreated()
	e.logger.Printf("pool %d created: organizer=%s recipient=%s tiers=%d deadline=%d cooldown=%ds",
		poolID, organizer, params.Recipient, len(params.Thresholds), params.Deadline, params.CooldownSeconds)
	return poolID, nil
}

// validatePool checks params in a fixed order and builds the tiers.
func validatePool(params CreatePoolParams, now int64) ([]domain.Tier, error) {
	if params.Recipient.IsZero() {
		return nil, ErrZeroRecipient
	}
	if params.Deadline <= now {
		return nil, ErrDeadlineNotFuture
	}
	if params.CooldownSeconds <= 0 || params.CooldownSeconds > domain.MaxCooldownSeconds {
		return nil, ErrInvalidCooldown
	}

	n := len(params.Thresholds)
	if n < 1 || n > domain.MaxTiers {
		return nil, ErrInvalidTierCount
	}
	if len(params.DocumentHashes) != n || len(params.Vendors) != n {
		return nil, ErrTierLengthMismatch
	}

	tiers := make([]domain.Tier, n)
	var prev uint64
	for i := 0; i < n; i++ {
		threshold := params.Thresholds[i]
		vendor := params.Vendors[i]
		doc := params.DocumentHashes[i]

		if threshold == 0 {
			return nil, fmt.Errorf("tier %d: %w", i+1, ErrZeroThreshold)
		}
		if i > 0 && threshold <= prev {
			return nil, fmt.Errorf("tier %d: %w", i+1, ErrThresholdsNotAscending)
		}
		if vendor.IsZero() {
			return nil, fmt.Errorf("tier %d: %w", i+1, ErrZeroVendor)
		}
		if !vendor.IsOnCurve() {
			return nil, fmt.Errorf("tier %d: %w", i+1, ErrVendorNotSigner)
		}
		if doc.IsZero() {
			return nil, fmt.Errorf("tier %d: %w", i+1, ErrZeroDocumentHash)
		}

		tiers[i] = domain.Tier{
			Index:        uint8(i + 1),
			Threshold:    threshold,
			DocumentHash: doc,
			Vendor:       vendor,
		}
		prev = threshold
	}
	return tiers, nil
}
