package domain

// MaxTiers is the maximum number of tiers a pool may carry.
const MaxTiers = 3

// MaxCooldownSeconds bounds the post-deadline exit window (30 days).
const MaxCooldownSeconds int64 = 30 * 24 * 60 * 60

// Pool is one group-buy escrow instance.
// Corresponds to escrow_pools + escrow_tiers tables in PostgreSQL.
//
// ID is allocated monotonically from 1. Organizer carries no privilege after
// creation. TotalRaised is net of exits; Finalized only ever goes false to true.
// Tiers are ordered by Index with strictly ascending thresholds.
type Pool struct {
	ID              uint64  `json:"id"`
	Organizer       Address `json:"organizer"`
	Recipient       Address `json:"recipient"`
	Deadline        int64   `json:"deadline"`
	CooldownSeconds int64   `json:"cooldown_seconds"`
	TotalRaised     uint64  `json:"total_raised"`
	TotalRefunded   uint64  `json:"total_refunded"`
	Finalized       bool    `json:"finalized"`
	CreatedAt       int64   `json:"created_at"`
	Tiers           []Tier  `json:"tiers"`
}

// CooldownEndsAt returns the earliest moment a payout can happen.
func (p *Pool) CooldownEndsAt() int64 {
	return p.Deadline + p.CooldownSeconds
}

// NetFunds returns the amount still held for this pool.
func (p *Pool) NetFunds() uint64 {
	if p.TotalRefunded > p.TotalRaised {
		return 0
	}
	return p.TotalRaised - p.TotalRefunded
}

// Tier returns the tier at 1-based index, or nil if out of range.
func (p *Pool) Tier(index uint8) *Tier {
	if index == 0 || int(index) > len(p.Tiers) {
		return nil
	}
	return &p.Tiers[index-1]
}

// Clone returns a deep copy so callers cannot mutate stored records.
func (p *Pool) Clone() *Pool {
	cp := *p
	cp.Tiers = append([]Tier(nil), p.Tiers...)
	return &cp
}

// Tier is one funding level of a pool.
//
// Index is 1-based. AttestedAt is 0 until the vendor attests, after which
// AttestedAt and ValidUntil never change.
type Tier struct {
	Index        uint8   `json:"index"`
	Threshold    uint64  `json:"threshold"`
	DocumentHash Hash    `json:"document_hash"`
	Vendor       Address `json:"vendor"`
	AttestedAt   int64   `json:"attested_at"`
	ValidUntil   int64   `json:"valid_until"`
}

// IsAttested reports whether the vendor has attested this tier.
func (t *Tier) IsAttested() bool {
	return t.AttestedAt != 0
}

// IsValidAt reports whether the attestation is in force at now.
func (t *Tier) IsValidAt(now int64) bool {
	return t.AttestedAt != 0 && now <= t.ValidUntil
}

// Contribution is the amount a contributor currently holds in escrow for a pool.
type Contribution struct {
	PoolID      uint64  `json:"pool_id"`
	Contributor Address `json:"contributor"`
	Amount      uint64  `json:"amount"`
}

// AttestationStatus is the read model for a tier's attestation.
type AttestationStatus struct {
	PoolID     uint64 `json:"pool_id"`
	TierIndex  uint8  `json:"tier_index"`
	Attested   bool   `json:"attested"`
	AttestedAt int64  `json:"attested_at"`
	ValidUntil int64  `json:"valid_until"`
	Valid      bool   `json:"valid"`
}
