package postgres

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"group-escrow/internal/domain"
	"group-escrow/internal/storage"
)

func testPool() *domain.Pool {
	return &domain.Pool{
		Organizer:       domain.Address{1},
		Recipient:       domain.Address{2},
		Deadline:        1_700_000_300,
		CooldownSeconds: 60,
		CreatedAt:       1_700_000_000,
		Tiers: []domain.Tier{
			{Index: 1, Threshold: 100, DocumentHash: domain.Hash{3}, Vendor: domain.Address{4}},
			{Index: 2, Threshold: math.MaxUint64, DocumentHash: domain.Hash{5}, Vendor: domain.Address{6}},
		},
	}
}

func TestLedgerStore_InsertAndGetPool(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewLedgerStore(pool)
	ctx := context.Background()

	var id uint64
	err := store.Update(ctx, func(tx storage.LedgerTx) error {
		var err error
		id, err = tx.InsertPool(ctx, testPool())
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	got, err := store.GetPool(ctx, id)
	require.NoError(t, err)

	want := testPool()
	assert.Equal(t, id, got.ID)
	assert.Equal(t, want.Organizer, got.Organizer)
	assert.Equal(t, want.Recipient, got.Recipient)
	assert.Equal(t, want.Deadline, got.Deadline)
	assert.Equal(t, want.CooldownSeconds, got.CooldownSeconds)
	assert.False(t, got.Finalized)
	require.Len(t, got.Tiers, 2)
	assert.Equal(t, want.Tiers[0], got.Tiers[0])
	assert.Equal(t, uint64(math.MaxUint64), got.Tiers[1].Threshold)

	count, err := store.PoolCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestLedgerStore_GetPoolNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewLedgerStore(pool)

	_, err := store.GetPool(context.Background(), 404)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLedgerStore_UpdateAndContributions(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewLedgerStore(pool)
	ctx := context.Background()
	alice := domain.Address{10}
	bob := domain.Address{11}

	var id uint64
	require.NoError(t, store.Update(ctx, func(tx storage.LedgerTx) error {
		var err error
		id, err = tx.InsertPool(ctx, testPool())
		return err
	}))

	require.NoError(t, store.Update(ctx, func(tx storage.LedgerTx) error {
		p, err := tx.GetPool(ctx, id)
		if err != nil {
			return err
		}
		p.TotalRaised = 170
		if err := tx.UpdatePool(ctx, p); err != nil {
			return err
		}
		if err := tx.SetContribution(ctx, id, alice, 120); err != nil {
			return err
		}
		if err := tx.SetContribution(ctx, id, bob, 50); err != nil {
			return err
		}
		return tx.UpdateTier(ctx, id, &domain.Tier{Index: 1, AttestedAt: 1_700_000_010, ValidUntil: 1_700_001_000})
	}))

	got, err := store.GetPool(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(170), got.TotalRaised)
	assert.Equal(t, int64(1_700_000_010), got.Tiers[0].AttestedAt)
	assert.Equal(t, int64(1_700_001_000), got.Tiers[0].ValidUntil)

	amount, err := store.GetContribution(ctx, id, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), amount)

	none, err := store.GetContribution(ctx, id, domain.Address{99})
	require.NoError(t, err)
	assert.Zero(t, none)

	list, err := store.ListContributions(ctx, id)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, alice, list[0].Contributor)
	assert.Equal(t, bob, list[1].Contributor)
}

func TestLedgerStore_UpdateRollsBack(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewLedgerStore(pool)
	ctx := context.Background()

	var id uint64
	require.NoError(t, store.Update(ctx, func(tx storage.LedgerTx) error {
		var err error
		id, err = tx.InsertPool(ctx, testPool())
		return err
	}))

	boom := errors.New("transfer failed")
	err := store.Update(ctx, func(tx storage.LedgerTx) error {
		p, err := tx.GetPool(ctx, id)
		if err != nil {
			return err
		}
		p.Finalized = true
		if err := tx.UpdatePool(ctx, p); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.GetPool(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.Finalized)
}

func TestLedgerStore_UpdateMissing(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewLedgerStore(pool)
	ctx := context.Background()

	err := store.Update(ctx, func(tx storage.LedgerTx) error {
		return tx.UpdatePool(ctx, &domain.Pool{ID: 77})
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = store.Update(ctx, func(tx storage.LedgerTx) error {
		return tx.UpdateTier(ctx, 77, &domain.Tier{Index: 1})
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNumericConversion(t *testing.T) {
	for _, v := range []uint64{0, 1, 495, math.MaxUint64} {
		got, err := numericToUint64(uint64ToNumeric(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	// 12 * 10^2
	got, err := numericToUint64(pgtype.Numeric{Int: big.NewInt(12), Exp: 2, Valid: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1200), got)

	// 1500 * 10^-2
	got, err = numericToUint64(pgtype.Numeric{Int: big.NewInt(1500), Exp: -2, Valid: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(15), got)

	_, err = numericToUint64(pgtype.Numeric{Int: big.NewInt(1501), Exp: -2, Valid: true})
	assert.Error(t, err)

	_, err = numericToUint64(pgtype.Numeric{Int: big.NewInt(-1), Valid: true})
	assert.Error(t, err)

	_, err = numericToUint64(pgtype.Numeric{})
	assert.Error(t, err)
}
