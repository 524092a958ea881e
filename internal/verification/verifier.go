// Package verification re-derives the escrow ledger's accounting invariants
// from stored records and reports every divergence it finds.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"group-escrow/internal/domain"
	"group-escrow/internal/lifecycle"
	"group-escrow/internal/storage"
)

// ErrPoolNotFound is returned when the pool id doesn't exist.
var ErrPoolNotFound = errors.New("pool not found")

// FieldDivergence represents a mismatch between an expected and a stored value.
type FieldDivergence struct {
	Field    string      `json:"field"`
	Expected interface{} `json:"expected"`
	Actual   interface{} `json:"actual"`
}

// VerificationResult contains the result of verifying a single pool.
type VerificationResult struct {
	PoolID      uint64            `json:"pool_id"`
	Match       bool              `json:"match"` // true if no invariant is broken
	State       domain.State      `json:"state"`
	Divergences []FieldDivergence `json:"divergences,omitempty"`
}

// VerificationReport contains results for batch verification.
type VerificationReport struct {
	TotalPools     int                  `json:"total_pools"`
	MatchedPools   int                  `json:"matched_pools"`
	DivergentPools int                  `json:"divergent_pools"`
	Results        []VerificationResult `json:"results"`

	// Custody compares the medium balance with the funds every unpaid pool
	// still holds. Nil when no balance source is configured or it holds enough.
	Custody *FieldDivergence `json:"custody,omitempty"`
}

// BalanceSource reports the escrow account's balance on the value medium.
type BalanceSource interface {
	BalanceOf(ctx context.Context, account domain.Address) (uint64, error)
}

// Verifier checks stored pools against the ledger invariants.
type Verifier struct {
	store   storage.LedgerReader
	medium  BalanceSource
	account domain.Address
	clock   func() time.Time
}

// VerifierOptions contains configuration for creating a Verifier.
type VerifierOptions struct {
	Store   storage.LedgerReader
	Medium  BalanceSource  // optional; enables the custody check in VerifyAll
	Account domain.Address // escrow account on Medium
	Clock   func() time.Time
}

// NewVerifier creates a new Verifier.
func NewVerifier(opts VerifierOptions) *Verifier {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{
		store:   opts.Store,
		medium:  opts.Medium,
		account: opts.Account,
		clock:   clock,
	}
}

// VerifyPool checks a single pool.
func (v *Verifier) VerifyPool(ctx context.Context, poolID uint64) (*VerificationResult, error) {
	pool, err := v.store.GetPool(ctx, poolID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrPoolNotFound
		}
		return nil, err
	}

	contributions, err := v.store.ListContributions(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("list contributions for pool %d: %w", poolID, err)
	}

	state := lifecycle.DeriveState(pool, v.clock().Unix())
	divergences := CheckPool(pool, contributions, state)
	return &VerificationResult{
		PoolID:      poolID,
		Match:       len(divergences) == 0,
		State:       state,
		Divergences: divergences,
	}, nil
}

// VerifyAll verifies every pool ever created.
func (v *Verifier) VerifyAll(ctx context.Context) (*VerificationReport, error) {
	count, err := v.store.PoolCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool count: %w", err)
	}

	report := &VerificationReport{
		TotalPools: int(count),
		Results:    make([]VerificationResult, 0, count),
	}

	var held uint64
	for id := uint64(1); id <= count; id++ {
		result, err := v.VerifyPool(ctx, id)
		if err != nil {
			// Record error as divergence
			report.Results = append(report.Results, VerificationResult{
				PoolID: id,
				Divergences: []FieldDivergence{
					{Field: "Error", Expected: nil, Actual: err.Error()},
				},
			})
			report.DivergentPools++
			continue
		}

		report.Results = append(report.Results, *result)
		if result.Match {
			report.MatchedPools++
		} else {
			report.DivergentPools++
		}

		if result.State != domain.StatePaid {
			pool, err := v.store.GetPool(ctx, id)
			if err == nil {
				held += pool.NetFunds()
			}
		}
	}

	if v.medium != nil {
		balance, err := v.medium.BalanceOf(ctx, v.account)
		if err != nil {
			return nil, fmt.Errorf("escrow balance: %w", err)
		}
		if balance < held {
			report.Custody = &FieldDivergence{Field: "EscrowBalance", Expected: held, Actual: balance}
		}
	}

	return report, nil
}

// CheckPool compares a pool's stored totals against its contribution records
// and derived state.
func CheckPool(pool *domain.Pool, contributions []domain.Contribution, state domain.State) []FieldDivergence {
	var divergences []FieldDivergence

	if pool.TotalRaised < pool.TotalRefunded {
		divergences = append(divergences, FieldDivergence{
			Field:    "TotalRefunded",
			Expected: fmt.Sprintf("<= %d", pool.TotalRaised),
			Actual:   pool.TotalRefunded,
		})
	}

	// Contributions stay on record after payout, so the sum still matches.
	var sum uint64
	for _, c := range contributions {
		sum += c.Amount
	}
	if sum != pool.NetFunds() {
		divergences = append(divergences, FieldDivergence{
			Field:    "Contributions",
			Expected: pool.NetFunds(),
			Actual:   sum,
		})
	}

	if pool.Finalized && state != domain.StatePaid {
		divergences = append(divergences, FieldDivergence{
			Field:    "State",
			Expected: domain.StatePaid,
			Actual:   state,
		})
	}

	if len(pool.Tiers) == 0 || len(pool.Tiers) > domain.MaxTiers {
		divergences = append(divergences, FieldDivergence{
			Field:    "Tiers",
			Expected: fmt.Sprintf("1..%d", domain.MaxTiers),
			Actual:   len(pool.Tiers),
		})
	}
	for i := range pool.Tiers {
		t := &pool.Tiers[i]
		if t.Index != uint8(i+1) {
			divergences = append(divergences, FieldDivergence{
				Field:    fmt.Sprintf("Tiers[%d].Index", i),
				Expected: uint8(i + 1),
				Actual:   t.Index,
			})
		}
		if i > 0 && t.Threshold <= pool.Tiers[i-1].Threshold {
			divergences = append(divergences, FieldDivergence{
				Field:    fmt.Sprintf("Tiers[%d].Threshold", i),
				Expected: fmt.Sprintf("> %d", pool.Tiers[i-1].Threshold),
				Actual:   t.Threshold,
			})
		}
	}

	return divergences
}
