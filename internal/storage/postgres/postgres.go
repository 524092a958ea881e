package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// applicationName tags ledger sessions in pg_stat_activity.
const applicationName = "group-escrow"

// Pool wraps pgxpool.Pool for dependency injection.
type Pool struct {
	*pgxpool.Pool
}

// PoolOptions tunes the sessions the ledger runs on. Zero values keep the
// server defaults.
type PoolOptions struct {
	// StatementTimeout bounds every ledger statement.
	StatementTimeout time.Duration

	// LockTimeout bounds waiting on row locks held by another unit of work.
	LockTimeout time.Duration

	// IdleInTxTimeout ends sessions that leave a transaction open without
	// issuing statements, releasing the pool rows they locked.
	IdleInTxTimeout time.Duration

	// MaxConns caps the pool size.
	MaxConns int32
}

// DefaultPoolOptions returns the settings used by the escrow server.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		StatementTimeout: 5 * time.Second,
		LockTimeout:      2 * time.Second,
		IdleInTxTimeout:  30 * time.Second,
		MaxConns:         10,
	}
}

// NewPool connects to Postgres and applies opts to every session.
func NewPool(ctx context.Context, dsn string, opts PoolOptions) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	params := config.ConnConfig.RuntimeParams
	params["application_name"] = applicationName
	setMillis(params, "statement_timeout", opts.StatementTimeout)
	setMillis(params, "lock_timeout", opts.LockTimeout)
	setMillis(params, "idle_in_transaction_session_timeout", opts.IdleInTxTimeout)
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

func setMillis(params map[string]string, name string, d time.Duration) {
	if d > 0 {
		params[name] = strconv.FormatInt(d.Milliseconds(), 10)
	}
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.Pool.Close()
}

// PostgreSQL error codes
const (
	pgErrUniqueViolation = "23505" // unique_violation
	pgErrLockTimeout     = "55P03" // lock_not_available
	pgErrQueryCanceled   = "57014" // query_canceled, raised by statement_timeout
)

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	return pgErrorCode(err) == pgErrUniqueViolation
}

// isTimeoutError reports whether the server gave up on a statement or lock.
func isTimeoutError(err error) bool {
	code := pgErrorCode(err)
	return code == pgErrLockTimeout || code == pgErrQueryCanceled
}

// isNotFoundError checks if error indicates no rows found.
func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
