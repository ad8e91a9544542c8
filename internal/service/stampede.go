package service

import (
	"sync"
)

// stampedeTracker counts in-flight cache misses per key. Misses are not coalesced, so a
// count above 1 means the same location is being fetched upstream more than once.
type stampedeTracker struct {
	mu       sync.Mutex
	inFlight map[string]int // key -> misses currently resolving upstream
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{
		inFlight: make(map[string]int),
	}
}

// Begin records a miss for key and returns the number of misses in flight for it,
// including this one. Pair every Begin with a deferred End.
func (st *stampedeTracker) Begin(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.inFlight[key]++
	return st.inFlight[key]
}

// End records that a miss for key has resolved, successfully or not.
func (st *stampedeTracker) End(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if n, ok := st.inFlight[key]; ok {
		if n <= 1 {
			delete(st.inFlight, key)
			return
		}
		st.inFlight[key] = n - 1
	}
}

// Len returns the number of keys with a miss in flight.
func (st *stampedeTracker) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.inFlight)
}
