package provider

import (
	"sync"
	"time"
)

// Breaker is a consecutive-failure circuit breaker keyed by provider ID.
//
//   - On success: failures reset and the circuit closes.
//   - On failure: failures increment and, once they reach the trip
//     threshold, the circuit opens for an exponentially growing cooldown.
//   - A provider idle past resetAfter gets a clean slate.
type Breaker struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration

	mu sync.Mutex
	m  map[string]*breakerState
}

type breakerState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func NewBreaker(trip int, baseDelay, maxDelay time.Duration) *Breaker {
	if trip <= 0 {
		trip = 5
	}
	if baseDelay <= 0 {
		baseDelay = 5 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 2 * time.Minute
	}
	return &Breaker{
		trip:       trip,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		resetAfter: 5 * time.Minute,
		m:          make(map[string]*breakerState),
	}
}

func (b *Breaker) state(id string) *breakerState {
	st := b.m[id]
	if st == nil {
		st = &breakerState{}
		b.m[id] = st
	}
	return st
}

// Open reports whether sends to the provider are currently paused, and
// until when.
func (b *Breaker) Open(id string, now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(id)
	b.maybeReset(st, now)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// Record feeds one send outcome into the breaker.
func (b *Breaker) Record(id string, now time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(id)
	b.maybeReset(st, now)

	if err == nil {
		*st = breakerState{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < b.trip {
		return
	}

	// Exponential cooldown after tripping.
	d := b.baseDelay
	for i := 0; i < st.fails-b.trip; i++ {
		d *= 2
		if d >= b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	if d > b.maxDelay {
		d = b.maxDelay
	}
	st.openUntil = now.Add(d)
}

func (b *Breaker) maybeReset(st *breakerState, now time.Time) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > b.resetAfter {
		*st = breakerState{}
	}
}

// OpenCount returns how many providers currently have an open circuit.
func (b *Breaker) OpenCount(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, st := range b.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			n++
		}
	}
	return n
}
