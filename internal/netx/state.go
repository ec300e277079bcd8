// Package netx holds the mirror selector and the pluggable DNS resolver
// layer. Mirrors are interchangeable base URLs for the same catalog; the
// resolver layer rotates between DNS providers when lookups are blocked.
package netx

import (
	"sync"
	"time"
)

// State is the single process-wide record of which mirror and DNS provider
// are active. Selectors and the resolver layer share it.
type State struct {
	mu        sync.Mutex
	mirrorIdx int
	dnsIdx    int
	changedAt time.Time

	onDNSRotate []func(providerIdx int)
}

func NewState() *State {
	return &State{changedAt: time.Now()}
}

// MirrorIdx returns the active mirror index.
func (st *State) MirrorIdx() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.mirrorIdx
}

// DNSIdx returns the active DNS provider index.
func (st *State) DNSIdx() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.dnsIdx
}

// SetMirrorIdx records a mirror advance.
func (st *State) SetMirrorIdx(idx int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.mirrorIdx = idx
	st.changedAt = time.Now()
}

// RotateDNS advances to the next of n providers and fires the registered
// rotation callbacks. Callbacks run outside the mutex, each on the caller's
// goroutine, in registration order.
func (st *State) RotateDNS(n int) int {
	st.mu.Lock()
	st.dnsIdx = (st.dnsIdx + 1) % n
	st.changedAt = time.Now()
	idx := st.dnsIdx
	callbacks := append([]func(int){}, st.onDNSRotate...)
	st.mu.Unlock()

	for _, fn := range callbacks {
		fn(idx)
	}
	return idx
}

// OnDNSRotate registers a callback fired after every DNS rotation. The
// bypass gateway uses this to restart its browser with new resolver rules.
func (st *State) OnDNSRotate(fn func(providerIdx int)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onDNSRotate = append(st.onDNSRotate, fn)
}

// LastChange returns when the mirror or provider last changed.
func (st *State) LastChange() time.Time {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.changedAt
}
