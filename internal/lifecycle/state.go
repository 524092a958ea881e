// Package lifecycle derives a pool's lifecycle state from stored facts and time.
// Nothing here is cached: every call recomputes from the snapshot it is given.
package lifecycle

import "group-escrow/internal/domain"

// DeriveState computes the current lifecycle state of p at now (Unix seconds).
func DeriveState(p *domain.Pool, now int64) domain.State {
	if now < p.Deadline {
		if tierOneValid(p, now) {
			return domain.StateActive
		}
		return domain.StatePending
	}

	if p.Finalized {
		return domain.StatePaid
	}

	funded := PayableTier(p, now) >= 1

	if now < p.CooldownEndsAt() {
		if funded {
			return domain.StateCooldown
		}
		return domain.StateRefunding
	}

	if funded {
		return domain.StatePayable
	}
	return domain.StateRefunding
}

// PayableTier returns the highest tier index whose threshold is met by net
// funds and whose attestation is valid at now. Returns 0 if none qualifies.
func PayableTier(p *domain.Pool, now int64) uint8 {
	net := p.NetFunds()
	var best uint8
	for i := range p.Tiers {
		t := &p.Tiers[i]
		if net >= t.Threshold && t.IsValidAt(now) && t.Index > best {
			best = t.Index
		}
	}
	return best
}

// HighestFundedTier returns the highest tier index whose threshold is met by
// net funds, regardless of attestation. Informational only.
func HighestFundedTier(p *domain.Pool) uint8 {
	net := p.NetFunds()
	var best uint8
	for i := range p.Tiers {
		t := &p.Tiers[i]
		if net >= t.Threshold && t.Index > best {
			best = t.Index
		}
	}
	return best
}

// CooldownEndsAt returns the moment the exit window closes.
func CooldownEndsAt(p *domain.Pool) int64 {
	return p.CooldownEndsAt()
}

func tierOneValid(p *domain.Pool, now int64) bool {
	t := p.Tier(1)
	return t != nil && t.IsValidAt(now)
}
