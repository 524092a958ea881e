package memory

import (
	"context"
	"sync"

	"group-escrow/internal/domain"
	"group-escrow/internal/storage"
)

// NotificationStore is an in-memory implementation of storage.NotificationStore.
type NotificationStore struct {
	mu   sync.RWMutex
	data []domain.Notification // append order
}

// NewNotificationStore creates a new in-memory notification store.
func NewNotificationStore() *NotificationStore {
	return &NotificationStore{}
}

// InsertBulk appends notifications in order.
func (s *NotificationStore) InsertBulk(_ context.Context, notifications []domain.Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = append(s.data, notifications...)
	return nil
}

// GetByPoolID retrieves all notifications for a pool, ordered by emission.
func (s *NotificationStore) GetByPoolID(_ context.Context, poolID uint64) ([]domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Notification
	for _, n := range s.data {
		if n.PoolID == poolID {
			result = append(result, n)
		}
	}
	return result, nil
}

// GetByTimeRange retrieves notifications emitted within [start, end] (inclusive).
func (s *NotificationStore) GetByTimeRange(_ context.Context, start, end int64) ([]domain.Notification, error) {
	if start > end {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Notification
	for _, n := range s.data {
		if n.EmittedAt >= start && n.EmittedAt <= end {
			result = append(result, n)
		}
	}
	return result, nil
}

// Verify interface compliance at compile time.
var _ storage.NotificationStore = (*NotificationStore)(nil)
