package idhash

import (
	"crypto/sha256"
	"fmt"

	"group-escrow/internal/domain"
)

// ComputeAttestationCommitment computes the deterministic binding a vendor
// produces when attesting a tier.
// Formula: SHA256(pool_id|tier_index|threshold|document_hash|recipient)
// with hex document hash and base58 recipient.
func ComputeAttestationCommitment(
	poolID uint64,
	tierIndex uint8,
	threshold uint64,
	documentHash domain.Hash,
	recipient domain.Address,
) domain.Hash {
	data := fmt.Sprintf("%d|%d|%d|%s|%s",
		poolID,
		tierIndex,
		threshold,
		documentHash.String(),
		recipient.String(),
	)

	return domain.Hash(sha256.Sum256([]byte(data)))
}

// DocumentHash computes the commitment value for an off-ledger quote document.
// Returns SHA256 of the raw document bytes.
func DocumentHash(document []byte) domain.Hash {
	return domain.Hash(sha256.Sum256(document))
}
