package domain

// State is a pool's derived lifecycle phase. It is never stored.
type State string

const (
	StatePending   State = "PENDING"
	StateActive    State = "ACTIVE"
	StateCooldown  State = "COOLDOWN"
	StatePayable   State = "PAYABLE"
	StatePaid      State = "PAID"
	StateRefunding State = "REFUNDING"
)

// String returns the string representation of State.
func (s State) String() string {
	return string(s)
}

// IsValid checks if the state is a known value.
func (s State) IsValid() bool {
	switch s {
	case StatePending, StateActive, StateCooldown, StatePayable, StatePaid, StateRefunding:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StatePaid
}
