package storage

import (
	"context"

	"group-escrow/internal/domain"
)

// LedgerReader provides read access to escrow ledger records.
type LedgerReader interface {
	// GetPool retrieves a pool with its tiers ordered by index. Returns ErrNotFound if not exists.
	GetPool(ctx context.Context, poolID uint64) (*domain.Pool, error)

	// GetContribution retrieves a contributor's escrowed amount. Returns 0 if none.
	GetContribution(ctx context.Context, poolID uint64, contributor domain.Address) (uint64, error)

	// ListContributions retrieves all non-zero contributions for a pool, ordered by contributor.
	ListContributions(ctx context.Context, poolID uint64) ([]domain.Contribution, error)

	// PoolCount returns the number of pools ever created (the highest allocated id).
	PoolCount(ctx context.Context) (uint64, error)
}

// LedgerTx is a unit of work over the ledger. Writes become visible to other
// readers only after the enclosing Update commits.
type LedgerTx interface {
	LedgerReader

	// InsertPool allocates the next pool id, stores p and its tiers, and returns the id.
	InsertPool(ctx context.Context, p *domain.Pool) (uint64, error)

	// UpdatePool writes the mutable pool fields (totals, finalized). Returns ErrNotFound if not exists.
	UpdatePool(ctx context.Context, p *domain.Pool) error

	// UpdateTier writes a tier's attestation fields. Returns ErrNotFound if not exists.
	UpdateTier(ctx context.Context, poolID uint64, t *domain.Tier) error

	// SetContribution overwrites a contributor's escrowed amount.
	SetContribution(ctx context.Context, poolID uint64, contributor domain.Address, amount uint64) error
}

// LedgerStore provides access to escrow_pools, escrow_tiers and escrow_contributions storage.
type LedgerStore interface {
	LedgerReader

	// Update runs fn in a single unit of work. If fn returns an error every
	// write made through tx is discarded and the error is returned unchanged.
	Update(ctx context.Context, fn func(tx LedgerTx) error) error
}

// NotificationStore provides access to the append-only escrow_notifications log.
type NotificationStore interface {
	// InsertBulk appends notifications in order.
	InsertBulk(ctx context.Context, notifications []domain.Notification) error

	// GetByPoolID retrieves all notifications for a pool, ordered by emission.
	GetByPoolID(ctx context.Context, poolID uint64) ([]domain.Notification, error)

	// GetByTimeRange retrieves notifications emitted within [start, end] (inclusive).
	GetByTimeRange(ctx context.Context, start, end int64) ([]domain.Notification, error)
}
