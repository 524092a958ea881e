// Package notify delivers escrow change notifications to off-ledger observers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"group-escrow/internal/domain"
	"group-escrow/internal/storage"
)

// Notifier receives notifications after the mutation that produced them has
// committed. A batch holds every notification of one operation, in order.
type Notifier interface {
	Publish(ctx context.Context, batch []domain.Notification) error
}

// Multi fans a batch out to every notifier. All notifiers are called even if
// some fail; the failures are joined.
type Multi []Notifier

// Publish implements Notifier.
func (m Multi) Publish(ctx context.Context, batch []domain.Notification) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Publish(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every published notification in memory.
type Recorder struct {
	mu   sync.Mutex
	seen []domain.Notification
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements Notifier.
func (r *Recorder) Publish(_ context.Context, batch []domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seen = append(r.seen, batch...)
	return nil
}

// All returns a copy of every recorded notification in publish order.
func (r *Recorder) All() []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]domain.Notification(nil), r.seen...)
}

// Kinds returns the kinds of every recorded notification in publish order.
func (r *Recorder) Kinds() []domain.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := make([]domain.NotificationKind, len(r.seen))
	for i, n := range r.seen {
		kinds[i] = n.Kind
	}
	return kinds
}

// Last returns the most recent notification of kind, if any.
func (r *Recorder) Last(kind domain.NotificationKind) (domain.Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.seen) - 1; i >= 0; i-- {
		if r.seen[i].Kind == kind {
			return r.seen[i], true
		}
	}
	return domain.Notification{}, false
}

// Reset discards everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seen = nil
}

// Archiver appends notifications to a NotificationStore.
type Archiver struct {
	store storage.NotificationStore
}

// NewArchiver creates an archiver writing to store.
func NewArchiver(store storage.NotificationStore) *Archiver {
	return &Archiver{store: store}
}

// Publish implements Notifier.
func (a *Archiver) Publish(ctx context.Context, batch []domain.Notification) error {
	if err := a.store.InsertBulk(ctx, batch); err != nil {
		return fmt.Errorf("archive notifications: %w", err)
	}
	return nil
}

// Verify interface compliance at compile time.
var (
	_ Notifier = Multi(nil)
	_ Notifier = (*Recorder)(nil)
	_ Notifier = (*Archiver)(nil)
)
