package escrow

import "sync/atomic"

// guard is a non-blocking exclusive lock. A second enter while held fails
// instead of waiting, so a callback re-entering the engine is rejected rather
// than deadlocked.
type guard struct {
	held atomic.Bool
}

func (g *guard) enter() bool {
	return g.held.CompareAndSwap(false, true)
}

func (g *guard) exit() {
	g.held.Store(false)
}
