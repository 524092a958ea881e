package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"group-escrow/internal/domain"
	"group-escrow/internal/storage"
)

// contributionKey identifies one contributor's balance in one pool.
type contributionKey struct {
	poolID      uint64
	contributor domain.Address
}

// LedgerStore is an in-memory implementation of storage.LedgerStore.
type LedgerStore struct {
	mu            sync.RWMutex
	nextID        uint64
	pools         map[uint64]*domain.Pool // keyed by pool id
	contributions map[contributionKey]uint64

	// writeMu serializes units of work. It is not held by readers, so a read
	// issued while an Update is running observes the last committed state.
	writeMu sync.Mutex
}

// NewLedgerStore creates a new in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		pools:         make(map[uint64]*domain.Pool),
		contributions: make(map[contributionKey]uint64),
	}
}

// GetPool retrieves a pool with its tiers. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetPool(_ context.Context, poolID uint64) (*domain.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.pools[poolID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	// Return a copy
	return p.Clone(), nil
}

// GetContribution retrieves a contributor's escrowed amount. Returns 0 if none.
func (s *LedgerStore) GetContribution(_ context.Context, poolID uint64, contributor domain.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.contributions[contributionKey{poolID, contributor}], nil
}

// ListContributions retrieves all non-zero contributions for a pool.
func (s *LedgerStore) ListContributions(_ context.Context, poolID uint64) ([]domain.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Contribution
	for k, amount := range s.contributions {
		if k.poolID == poolID && amount > 0 {
			result = append(result, domain.Contribution{PoolID: poolID, Contributor: k.contributor, Amount: amount})
		}
	}
	sortContributions(result)
	return result, nil
}

// PoolCount returns the highest allocated pool id.
func (s *LedgerStore) PoolCount(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.nextID, nil
}

// Update runs fn against a staged view and commits it only if fn succeeds.
func (s *LedgerStore) Update(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	tx := &ledgerTx{
		store:         s,
		nextID:        s.nextID,
		pools:         make(map[uint64]*domain.Pool),
		contributions: make(map[contributionKey]uint64),
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID = tx.nextID
	for id, p := range tx.pools {
		s.pools[id] = p
	}
	for k, amount := range tx.contributions {
		if amount == 0 {
			delete(s.contributions, k)
			continue
		}
		s.contributions[k] = amount
	}
	return nil
}

// ledgerTx buffers writes over a LedgerStore until commit.
type ledgerTx struct {
	store         *LedgerStore
	nextID        uint64
	pools         map[uint64]*domain.Pool
	contributions map[contributionKey]uint64
}

func (tx *ledgerTx) GetPool(ctx context.Context, poolID uint64) (*domain.Pool, error) {
	if p, ok := tx.pools[poolID]; ok {
		return p.Clone(), nil
	}
	return tx.store.GetPool(ctx, poolID)
}

func (tx *ledgerTx) GetContribution(ctx context.Context, poolID uint64, contributor domain.Address) (uint64, error) {
	if amount, ok := tx.contributions[contributionKey{poolID, contributor}]; ok {
		return amount, nil
	}
	return tx.store.GetContribution(ctx, poolID, contributor)
}

func (tx *ledgerTx) ListContributions(ctx context.Context, poolID uint64) ([]domain.Contribution, error) {
	committed, err := tx.store.ListContributions(ctx, poolID)
	if err != nil {
		return nil, err
	}

	merged := make(map[domain.Address]uint64, len(committed))
	for _, c := range committed {
		merged[c.Contributor] = c.Amount
	}
	for k, amount := range tx.contributions {
		if k.poolID == poolID {
			merged[k.contributor] = amount
		}
	}

	var result []domain.Contribution
	for addr, amount := range merged {
		if amount > 0 {
			result = append(result, domain.Contribution{PoolID: poolID, Contributor: addr, Amount: amount})
		}
	}
	sortContributions(result)
	return result, nil
}

func (tx *ledgerTx) PoolCount(_ context.Context) (uint64, error) {
	return tx.nextID, nil
}

func (tx *ledgerTx) InsertPool(_ context.Context, p *domain.Pool) (uint64, error) {
	if p == nil || len(p.Tiers) == 0 {
		return 0, storage.ErrInvalidInput
	}

	tx.nextID++
	stored := p.Clone()
	stored.ID = tx.nextID
	tx.pools[stored.ID] = stored
	return stored.ID, nil
}

func (tx *ledgerTx) UpdatePool(ctx context.Context, p *domain.Pool) error {
	if p == nil {
		return storage.ErrInvalidInput
	}
	current, err := tx.GetPool(ctx, p.ID)
	if err != nil {
		return err
	}

	current.TotalRaised = p.TotalRaised
	current.TotalRefunded = p.TotalRefunded
	current.Finalized = p.Finalized
	tx.pools[p.ID] = current
	return nil
}

func (tx *ledgerTx) UpdateTier(ctx context.Context, poolID uint64, t *domain.Tier) error {
	if t == nil {
		return storage.ErrInvalidInput
	}
	current, err := tx.GetPool(ctx, poolID)
	if err != nil {
		return err
	}

	stored := current.Tier(t.Index)
	if stored == nil {
		return storage.ErrNotFound
	}
	stored.AttestedAt = t.AttestedAt
	stored.ValidUntil = t.ValidUntil
	tx.pools[poolID] = current
	return nil
}

func (tx *ledgerTx) SetContribution(_ context.Context, poolID uint64, contributor domain.Address, amount uint64) error {
	tx.contributions[contributionKey{poolID, contributor}] = amount
	return nil
}

// sortContributions orders by contributor bytes for deterministic output.
func sortContributions(cs []domain.Contribution) {
	sort.Slice(cs, func(i, j int) bool {
		return bytes.Compare(cs[i].Contributor[:], cs[j].Contributor[:]) < 0
	})
}

// Verify interface compliance at compile time.
var (
	_ storage.LedgerStore = (*LedgerStore)(nil)
	_ storage.LedgerTx    = (*ledgerTx)(nil)
)
