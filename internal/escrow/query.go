package escrow

import (
	"context"
	"fmt"

	"group-escrow/internal/domain"
	"group-escrow/internal/idhash"
	"group-escrow/internal/lifecycle"
)

// Reads are not guarded and observe only committed state.

// GetPool returns a snapshot of the pool and its tiers.
func (e *Engine) GetPool(ctx context.Context, poolID uint64) (*domain.Pool, error) {
	return loadPool(ctx, e.store, poolID)
}

// GetState derives the pool's lifecycle state at the current time.
func (e *Engine) GetState(ctx context.Context, poolID uint64) (domain.State, error) {
	pool, err := loadPool(ctx, e.store, poolID)
	if err != nil {
		return "", err
	}
	return lifecycle.DeriveState(pool, e.now()), nil
}

// GetPayableTier returns the highest funded tier with a valid attestation, or 0.
func (e *Engine) GetPayableTier(ctx context.Context, poolID uint64) (uint8, error) {
	pool, err := loadPool(ctx, e.store, poolID)
	if err != nil {
		return 0, err
	}
	return lifecycle.PayableTier(pool, e.now()), nil
}

// GetUnlockedTier returns the highest tier whose threshold is met, ignoring
// attestation. For display only; payouts follow GetPayableTier.
func (e *Engine) GetUnlockedTier(ctx context.Context, poolID uint64) (uint8, error) {
	pool, err := loadPool(ctx, e.store, poolID)
	if err != nil {
		return 0, err
	}
	return lifecycle.HighestFundedTier(pool), nil
}

// GetAttestationStatus reports whether a tier is attested and still valid.
func (e *Engine) GetAttestationStatus(ctx context.Context, poolID uint64, tierIndex uint8) (domain.AttestationStatus, error) {
	tier, err := e.GetTier(ctx, poolID, tierIndex)
	if err != nil {
		return domain.AttestationStatus{}, err
	}
	return domain.AttestationStatus{
		PoolID:     poolID,
		TierIndex:  tierIndex,
		Attested:   tier.IsAttested(),
		AttestedAt: tier.AttestedAt,
		ValidUntil: tier.ValidUntil,
		Valid:      tier.IsValidAt(e.now()),
	}, nil
}

// GetTier returns one tier by 1-based index.
func (e *Engine) GetTier(ctx context.Context, poolID uint64, tierIndex uint8) (*domain.Tier, error) {
	pool, err := loadPool(ctx, e.store, poolID)
	if err != nil {
		return nil, err
	}
	tier := pool.Tier(tierIndex)
	if tier == nil {
		return nil, ErrInvalidTierIndex
	}
	return tier, nil
}

// GetTiers returns all tiers ordered by index.
func (e *Engine) GetTiers(ctx context.Context, poolID uint64) ([]domain.Tier, error) {
	pool, err := loadPool(ctx, e.store, poolID)
	if err != nil {
		return nil, err
	}
	return pool.Tiers, nil
}

// GetTierCount returns the number of tiers in the pool.
func (e *Engine) GetTierCount(ctx context.Context, poolID uint64) (uint8, error) {
	pool, err := loadPool(ctx, e.store, poolID)
	if err != nil {
		return 0, err
	}
	return uint8(len(pool.Tiers)), nil
}

// GetContribution returns the amount contributor currently holds in escrow.
func (e *Engine) GetContribution(ctx context.Context, poolID uint64, contributor domain.Address) (uint64, error) {
	if _, err := loadPool(ctx, e.store, poolID); err != nil {
		return 0, err
	}
	amount, err := e.store.GetContribution(ctx, poolID, contributor)
	if err != nil {
		return 0, fmt.Errorf("get contribution: %w", err)
	}
	return amount, nil
}

// ListContributions returns every non-zero contribution to the pool.
func (e *Engine) ListContributions(ctx context.Context, poolID uint64) ([]domain.Contribution, error) {
	if _, err := loadPool(ctx, e.store, poolID); err != nil {
		return nil, err
	}
	cs, err := e.store.ListContributions(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}
	return cs, nil
}

// GetCooldownEndsAt returns when the exit window closes and payout becomes possible.
func (e *Engine) GetCooldownEndsAt(ctx context.Context, poolID uint64) (int64, error) {
	pool, err := loadPool(ctx, e.store, poolID)
	if err != nil {
		return 0, err
	}
	return lifecycle.CooldownEndsAt(pool), nil
}

// PoolCount returns the number of pools created so far. Pool ids run 1..PoolCount.
func (e *Engine) PoolCount(ctx context.Context) (uint64, error) {
	n, err := e.store.PoolCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("pool count: %w", err)
	}
	return n, nil
}

// PoolSummary is a pool snapshot with its derived fields, all evaluated at Now.
type PoolSummary struct {
	Pool           *domain.Pool `json:"pool"`
	State          domain.State `json:"state"`
	PayableTier    uint8        `json:"payable_tier"`
	UnlockedTier   uint8        `json:"unlocked_tier"`
	CooldownEndsAt int64        `json:"cooldown_ends_at"`
	Now            int64        `json:"now"`
}

// Summarize derives every read-model field from one snapshot and one clock reading.
func (e *Engine) Summarize(ctx context.Context, poolID uint64) (*PoolSummary, error) {
	pool, err := loadPool(ctx, e.store, poolID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	return &PoolSummary{
		Pool:           pool,
		State:          lifecycle.DeriveState(pool, now),
		PayableTier:    lifecycle.PayableTier(pool, now),
		UnlockedTier:   lifecycle.HighestFundedTier(pool),
		CooldownEndsAt: lifecycle.CooldownEndsAt(pool),
		Now:            now,
	}, nil
}

// HashDocument returns the commitment for a quote document, as passed to CreatePool.
func HashDocument(document []byte) domain.Hash {
	return idhash.DocumentHash(document)
}
