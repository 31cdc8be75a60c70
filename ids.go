package pgwire

import "sync"

// idGen is process-wide state used only for logging and pool entry
// identity. It is guarded by a mutex rather than atomic ops so the
// increment-on-wraparound semantics stay obviously correct; the zero value
// already starts at 0 and there is no teardown.
//
// The counter wraps around on overflow rather than collapsing to a single
// bit, so ids stay monotonic (and thus useful for ordering in logs) for
// the practical lifetime of a process.
var idGen struct {
	mu   sync.Mutex
	next uint64
}

// nextID returns the next value from the process-wide monotonic counter,
// wrapping around on overflow rather than panicking.
func nextID() uint64 {
	idGen.mu.Lock()
	defer idGen.mu.Unlock()
	id := idGen.next
	idGen.next++
	return id
}
