package domain

// NotificationKind identifies a change notification.
type NotificationKind string

const (
	NotificationPoolCreated   NotificationKind = "POOL_CREATED"
	NotificationTierAdded     NotificationKind = "TIER_ADDED"
	NotificationQuoteAttested NotificationKind = "QUOTE_ATTESTED"
	NotificationContributed   NotificationKind = "CONTRIBUTED"
	NotificationExited        NotificationKind = "EXITED"
	NotificationFinalized     NotificationKind = "FINALIZED"
	NotificationRefundClaimed NotificationKind = "REFUND_CLAIMED"
)

// String returns the string representation of NotificationKind.
func (k NotificationKind) String() string {
	return string(k)
}

// Notification is a one-way change record for off-chain observers.
// Fields not meaningful for a kind are left zero. Account holds the organizer,
// vendor or contributor depending on Kind; Amount is the moved amount (or the
// tier threshold for TIER_ADDED and QUOTE_ATTESTED) and Total the pool's net
// funds after the change.
type Notification struct {
	Kind         NotificationKind `json:"kind"`
	PoolID       uint64           `json:"pool_id"`
	TierIndex    uint8            `json:"tier_index,omitempty"`
	Account      Address          `json:"account"`
	Recipient    Address          `json:"recipient"`
	Amount       uint64           `json:"amount,omitempty"`
	Total        uint64           `json:"total,omitempty"`
	Commitment   Hash             `json:"commitment"`
	DocumentHash Hash             `json:"document_hash"`
	Deadline     int64            `json:"deadline,omitempty"`
	Cooldown     int64            `json:"cooldown,omitempty"`
	ValidUntil   int64            `json:"valid_until,omitempty"`
	Success      bool             `json:"success,omitempty"`
	EmittedAt    int64            `json:"emitted_at"`
}
