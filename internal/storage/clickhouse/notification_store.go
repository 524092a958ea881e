package clickhouse

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"group-escrow/internal/domain"
	"group-escrow/internal/observability"
	"group-escrow/internal/storage"
)

// NotificationStore implements storage.NotificationStore using ClickHouse.
type NotificationStore struct {
	conn *Conn

	// seq orders notifications emitted within the same second. Seeded from the
	// wall clock so a restarted process keeps sorting after earlier rows.
	seq atomic.Uint64
}

// NewNotificationStore creates a new notification store.
func NewNotificationStore(conn *Conn) *NotificationStore {
	s := &NotificationStore{conn: conn}
	s.seq.Store(uint64(time.Now().UnixNano()))
	return s
}

const notificationColumns = `pool_id, emitted_at, seq, kind, tier_index, account, recipient,
	amount, total, commitment, document_hash, deadline, cooldown, valid_until, success`

// InsertBulk appends notifications in order.
func (s *NotificationStore) InsertBulk(ctx context.Context, notifications []domain.Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	start := time.Now()
	err := s.insertBulk(ctx, notifications)
	observability.RecordDBQuery("clickhouse", "insert_notifications", time.Since(start).Seconds(), err)
	return err
}

func (s *NotificationStore) insertBulk(ctx context.Context, notifications []domain.Notification) error {

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO escrow_notifications ("+notificationColumns+")")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, n := range notifications {
		var success uint8
		if n.Success {
			success = 1
		}
		err := batch.Append(
			n.PoolID,
			n.EmittedAt,
			s.seq.Add(1),
			string(n.Kind),
			n.TierIndex,
			n.Account.String(),
			n.Recipient.String(),
			n.Amount,
			n.Total,
			n.Commitment.String(),
			n.DocumentHash.String(),
			n.Deadline,
			n.Cooldown,
			n.ValidUntil,
			success,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	return batch.Send()
}

// GetByPoolID retrieves all notifications for a pool, ordered by emission.
func (s *NotificationStore) GetByPoolID(ctx context.Context, poolID uint64) ([]domain.Notification, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM escrow_notifications
		WHERE pool_id = ?
		ORDER BY emitted_at, seq
	`, poolID)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	return scanNotifications(rows)
}

// GetByTimeRange retrieves notifications emitted within [start, end] (inclusive).
func (s *NotificationStore) GetByTimeRange(ctx context.Context, start, end int64) ([]domain.Notification, error) {
	if start > end {
		return nil, storage.ErrInvalidInput
	}

	rows, err := s.conn.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM escrow_notifications
		WHERE emitted_at >= ? AND emitted_at <= ?
		ORDER BY emitted_at, seq
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	return scanNotifications(rows)
}

// chRows is the subset of driver.Rows used for scanning.
type chRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanNotifications(rows chRows) ([]domain.Notification, error) {
	var result []domain.Notification
	for rows.Next() {
		var (
			n                        domain.Notification
			seq                      uint64
			kind                     string
			account, recipient       string
			commitment, documentHash string
			success                  uint8
		)
		err := rows.Scan(
			&n.PoolID,
			&n.EmittedAt,
			&seq,
			&kind,
			&n.TierIndex,
			&account,
			&recipient,
			&n.Amount,
			&n.Total,
			&commitment,
			&documentHash,
			&n.Deadline,
			&n.Cooldown,
			&n.ValidUntil,
			&success,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}

		n.Kind = domain.NotificationKind(kind)
		n.Success = success == 1
		if n.Account, err = domain.ParseAddress(account); err != nil {
			return nil, fmt.Errorf("notification account: %w", err)
		}
		if n.Recipient, err = domain.ParseAddress(recipient); err != nil {
			return nil, fmt.Errorf("notification recipient: %w", err)
		}
		if n.Commitment, err = domain.ParseHash(commitment); err != nil {
			return nil, fmt.Errorf("notification commitment: %w", err)
		}
		if n.DocumentHash, err = domain.ParseHash(documentHash); err != nil {
			return nil, fmt.Errorf("notification document hash: %w", err)
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return result, nil
}

// Verify interface compliance at compile time.
var _ storage.NotificationStore = (*NotificationStore)(nil)
