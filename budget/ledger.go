// Package budget tracks cumulative spend against a delegated cap for one
// session. The ledger lives in process memory only: it is created lazily on
// the first payment attempt and resets on restart.
package budget

import "sync"

// State is a read-only snapshot of the ledger.
type State struct {
	Cap       uint64 `json:"cap"`
	Spent     uint64 `json:"spent"`
	Available uint64 `json:"available"`
}

// Ledger guards one session's spending state. All methods are safe for
// concurrent use; CheckAndReserve is the one place the pay flow requires true
// mutual exclusion, because it guards the spent <= cap invariant shared
// across concurrent payment attempts.
type Ledger struct {
	mu    sync.Mutex
	cap   uint64
	spent uint64
}

// NewLedger creates a ledger seeded with a cap in base units. The cap comes
// from an external delegation query made once per session; the ledger never
// re-queries it.
func NewLedger(cap uint64) *Ledger {
	return &Ledger{cap: cap}
}

// CheckAndReserve atomically records a spend of amount if and only if it fits
// within the remaining budget at the moment of the call. Check and record are
// a single critical section: two concurrent reservations whose sum exceeds
// the cap can never both succeed.
func (l *Ledger) CheckAndReserve(amount uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount > l.cap-l.spent {
		return false
	}
	l.spent += amount
	return true
}

// Release returns a previous reservation after a failed settlement. Spent
// saturates at zero so a stray double release cannot underflow.
func (l *Ledger) Release(amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount > l.spent {
		l.spent = 0
		return
	}
	l.spent -= amount
}

// Cap returns the session cap in base units.
func (l *Ledger) Cap() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cap
}

// Spent returns the cumulative reserved spend in base units.
func (l *Ledger) Spent() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spent
}

// Available returns the remaining budget in base units.
func (l *Ledger) Available() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cap - l.spent
}

// Snapshot returns a consistent view of the ledger state.
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Cap:       l.cap,
		Spent:     l.spent,
		Available: l.cap - l.spent,
	}
}
