package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"group-escrow/internal/domain"
	"group-escrow/internal/observability"
	"group-escrow/internal/storage"
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// LedgerStore implements storage.LedgerStore using PostgreSQL.
// Tables: escrow_pools, escrow_tiers, escrow_contributions.
type LedgerStore struct {
	pool *Pool
	ledgerReader
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool, ledgerReader: ledgerReader{q: pool}}
}

// Compile-time interface checks.
var (
	_ storage.LedgerStore = (*LedgerStore)(nil)
	_ storage.LedgerTx    = (*ledgerTx)(nil)
)

// Update runs fn inside a single database transaction. The transaction is
// rolled back if fn returns an error.
func (s *LedgerStore) Update(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	start := time.Now()
	var fnErr error
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		fnErr = fn(&ledgerTx{ledgerReader: ledgerReader{q: tx}})
		return fnErr
	})

	// A rejected operation is not a database error.
	dbErr := err
	if fnErr != nil {
		dbErr = nil
	}
	observability.RecordDBQuery("postgres", "update", time.Since(start).Seconds(), dbErr)
	if dbErr != nil && isTimeoutError(dbErr) {
		return fmt.Errorf("%w: %w", storage.ErrTimeout, dbErr)
	}
	return err
}

// ledgerReader implements storage.LedgerReader over any querier.
type ledgerReader struct {
	q querier
}

// GetPool retrieves a pool with its tiers. Returns ErrNotFound if not exists.
func (r ledgerReader) GetPool(ctx context.Context, poolID uint64) (*domain.Pool, error) {
	query := `
		SELECT pool_id, organizer, recipient, deadline, cooldown_seconds,
		       total_raised, total_refunded, finalized, created_at
		FROM escrow_pools
		WHERE pool_id = $1
	`

	p, err := scanPool(r.q.QueryRow(ctx, query, int64(poolID)))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get pool by id: %w", err)
	}

	tiers, err := r.getTiers(ctx, poolID)
	if err != nil {
		return nil, err
	}
	p.Tiers = tiers
	return p, nil
}

func (r ledgerReader) getTiers(ctx context.Context, poolID uint64) ([]domain.Tier, error) {
	query := `
		SELECT tier_index, threshold, document_hash, vendor, attested_at, valid_until
		FROM escrow_tiers
		WHERE pool_id = $1
		ORDER BY tier_index ASC
	`

	rows, err := r.q.Query(ctx, query, int64(poolID))
	if err != nil {
		return nil, fmt.Errorf("get tiers: %w", err)
	}
	defer rows.Close()

	var tiers []domain.Tier
	for rows.Next() {
		var (
			t         domain.Tier
			index     int16
			threshold pgtype.Numeric
			docHash   []byte
			vendor    []byte
		)
		if err := rows.Scan(&index, &threshold, &docHash, &vendor, &t.AttestedAt, &t.ValidUntil); err != nil {
			return nil, fmt.Errorf("scan tier row: %w", err)
		}
		t.Index = uint8(index)
		if t.Threshold, err = numericToUint64(threshold); err != nil {
			return nil, fmt.Errorf("tier threshold: %w", err)
		}
		copy(t.DocumentHash[:], docHash)
		copy(t.Vendor[:], vendor)
		tiers = append(tiers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tier rows: %w", err)
	}
	return tiers, nil
}

// GetContribution retrieves a contributor's escrowed amount. Returns 0 if none.
func (r ledgerReader) GetContribution(ctx context.Context, poolID uint64, contributor domain.Address) (uint64, error) {
	query := `
		SELECT amount FROM escrow_contributions
		WHERE pool_id = $1 AND contributor = $2
	`

	var amount pgtype.Numeric
	err := r.q.QueryRow(ctx, query, int64(poolID), contributor[:]).Scan(&amount)
	if err != nil {
		if isNotFoundError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("get contribution: %w", err)
	}
	return numericToUint64(amount)
}

// ListContributions retrieves all non-zero contributions for a pool.
func (r ledgerReader) ListContributions(ctx context.Context, poolID uint64) ([]domain.Contribution, error) {
	query := `
		SELECT contributor, amount FROM escrow_contributions
		WHERE pool_id = $1 AND amount > 0
		ORDER BY contributor ASC
	`

	rows, err := r.q.Query(ctx, query, int64(poolID))
	if err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}
	defer rows.Close()

	var result []domain.Contribution
	for rows.Next() {
		var (
			contributor []byte
			amount      pgtype.Numeric
		)
		if err := rows.Scan(&contributor, &amount); err != nil {
			return nil, fmt.Errorf("scan contribution row: %w", err)
		}
		c := domain.Contribution{PoolID: poolID}
		copy(c.Contributor[:], contributor)
		if c.Amount, err = numericToUint64(amount); err != nil {
			return nil, fmt.Errorf("contribution amount: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contribution rows: %w", err)
	}
	return result, nil
}

// PoolCount returns the highest committed pool id.
func (r ledgerReader) PoolCount(ctx context.Context) (uint64, error) {
	var count int64
	err := r.q.QueryRow(ctx, `SELECT COALESCE(MAX(pool_id), 0) FROM escrow_pools`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pool count: %w", err)
	}
	return uint64(count), nil
}

// ledgerTx implements storage.LedgerTx inside a pgx transaction.
type ledgerTx struct {
	ledgerReader
}

// InsertPool allocates the next id from escrow_pool_id_seq and stores p with its tiers.
func (tx *ledgerTx) InsertPool(ctx context.Context, p *domain.Pool) (uint64, error) {
	if p == nil || len(p.Tiers) == 0 {
		return 0, storage.ErrInvalidInput
	}

	var id int64
	err := tx.q.QueryRow(ctx, `
		INSERT INTO escrow_pools (
			pool_id, organizer, recipient, deadline, cooldown_seconds,
			total_raised, total_refunded, finalized, created_at
		) VALUES (nextval('escrow_pool_id_seq'), $1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING pool_id
	`,
		p.Organizer[:],
		p.Recipient[:],
		p.Deadline,
		p.CooldownSeconds,
		uint64ToNumeric(p.TotalRaised),
		uint64ToNumeric(p.TotalRefunded),
		p.Finalized,
		p.CreatedAt,
	).Scan(&id)
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, storage.ErrDuplicateKey
		}
		return 0, fmt.Errorf("insert pool: %w", err)
	}

	batch := &pgx.Batch{}
	for _, t := range p.Tiers {
		batch.Queue(`
			INSERT INTO escrow_tiers (
				pool_id, tier_index, threshold, document_hash, vendor, attested_at, valid_until
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, id, int16(t.Index), uint64ToNumeric(t.Threshold), t.DocumentHash[:], t.Vendor[:], t.AttestedAt, t.ValidUntil)
	}

	br := tx.q.SendBatch(ctx, batch)
	for range p.Tiers {
		if _, err := br.Exec(); err != nil {
			br.Close()
			if isDuplicateKeyError(err) {
				return 0, storage.ErrDuplicateKey
			}
			return 0, fmt.Errorf("insert tier: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("close tier batch: %w", err)
	}

	return uint64(id), nil
}

// UpdatePool writes totals and the finalized flag.
func (tx *ledgerTx) UpdatePool(ctx context.Context, p *domain.Pool) error {
	if p == nil {
		return storage.ErrInvalidInput
	}

	tag, err := tx.q.Exec(ctx, `
		UPDATE escrow_pools
		SET total_raised = $2, total_refunded = $3, finalized = $4
		WHERE pool_id = $1
	`, int64(p.ID), uint64ToNumeric(p.TotalRaised), uint64ToNumeric(p.TotalRefunded), p.Finalized)
	if err != nil {
		return fmt.Errorf("update pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateTier writes a tier's attestation fields.
func (tx *ledgerTx) UpdateTier(ctx context.Context, poolID uint64, t *domain.Tier) error {
	if t == nil {
		return storage.ErrInvalidInput
	}

	tag, err := tx.q.Exec(ctx, `
		UPDATE escrow_tiers
		SET attested_at = $3, valid_until = $4
		WHERE pool_id = $1 AND tier_index = $2
	`, int64(poolID), int16(t.Index), t.AttestedAt, t.ValidUntil)
	if err != nil {
		return fmt.Errorf("update tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetContribution upserts a contributor's escrowed amount.
func (tx *ledgerTx) SetContribution(ctx context.Context, poolID uint64, contributor domain.Address, amount uint64) error {
	_, err := tx.q.Exec(ctx, `
		INSERT INTO escrow_contributions (pool_id, contributor, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (pool_id, contributor) DO UPDATE
		SET amount = EXCLUDED.amount
	`, int64(poolID), contributor[:], uint64ToNumeric(amount))
	if err != nil {
		return fmt.Errorf("set contribution: %w", err)
	}
	return nil
}

// scanPool scans a single escrow_pools row.
func scanPool(row pgx.Row) (*domain.Pool, error) {
	var (
		p             domain.Pool
		id            int64
		organizer     []byte
		recipient     []byte
		totalRaised   pgtype.Numeric
		totalRefunded pgtype.Numeric
	)

	err := row.Scan(
		&id,
		&organizer,
		&recipient,
		&p.Deadline,
		&p.CooldownSeconds,
		&totalRaised,
		&totalRefunded,
		&p.Finalized,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.ID = uint64(id)
	copy(p.Organizer[:], organizer)
	copy(p.Recipient[:], recipient)
	if p.TotalRaised, err = numericToUint64(totalRaised); err != nil {
		return nil, fmt.Errorf("total_raised: %w", err)
	}
	if p.TotalRefunded, err = numericToUint64(totalRefunded); err != nil {
		return nil, fmt.Errorf("total_refunded: %w", err)
	}
	return &p, nil
}

// uint64ToNumeric encodes an unsigned amount for a NUMERIC(20,0) column.
func uint64ToNumeric(v uint64) pgtype.Numeric {
	return pgtype.Numeric{Int: new(big.Int).SetUint64(v), Valid: true}
}

// numericToUint64 decodes a NUMERIC(20,0) column into an unsigned amount.
func numericToUint64(n pgtype.Numeric) (uint64, error) {
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite {
		return 0, fmt.Errorf("numeric is not a finite value")
	}

	v := new(big.Int).Set(n.Int)
	if n.Exp > 0 {
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil))
	} else if n.Exp < 0 {
		div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-n.Exp)), nil)
		var rem big.Int
		v.QuoRem(v, div, &rem)
		if rem.Sign() != 0 {
			return 0, fmt.Errorf("numeric has a fractional part")
		}
	}

	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("numeric %s out of uint64 range", v.String())
	}
	return v.Uint64(), nil
}
