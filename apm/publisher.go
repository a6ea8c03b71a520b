package apm

import (
	"sync"

	"go.uber.org/atomic"
)

// StatsPublisher hands a freshly computed Result to readers without ever
// blocking the single writer on a reader holding a lock. It keeps two
// slots; the writer always fills the slot readers are not currently
// pointed at, then advances a monotonic read-index so new readers see the
// fresh slot immediately. This collapses the separate "BH" and normal read
// paths of the design into one: both read through the same flip-flop.
//
// rdidx never wraps back to a slot number: it counts publications. The
// slot a given rdidx lives in is rdidx%2. Callers that want to know
// whether a Result changed since they last looked cache the rdidx they
// read and pass it back via ReadSince.
type StatsPublisher struct {
	slots [2]publisherSlot
	rdidx atomic.Uint32
}

type publisherSlot struct {
	mu     sync.RWMutex
	result Result
}

// NewStatsPublisher returns a StatsPublisher with both slots holding an
// empty, unfilled Result.
func NewStatsPublisher() *StatsPublisher {
	return &StatsPublisher{}
}

// Publish writes res into the slot readers are not currently pointed at,
// then advances rdidx so subsequent reads observe it. Only one goroutine
// may call Publish on a given StatsPublisher at a time; the scheduler
// enforces this by owning publication per server.
func (p *StatsPublisher) Publish(res Result) {
	next := p.rdidx.Load() + 1
	slot := &p.slots[next%2]

	slot.mu.Lock()
	slot.result = res
	slot.mu.Unlock()

	p.rdidx.Store(next)
}

// Read returns the most recently published Result. It never blocks behind
// a Publish in progress on the other slot.
func (p *StatsPublisher) Read() Result {
	res, _, _ := p.ReadSince(0)
	return res
}

// ReadSince returns the most recently published Result along with the
// rdidx it was read at, and reports changed=true iff that rdidx differs
// from lastSeq. A caller that has never read before passes lastSeq=0, the
// zero value of a StatsPublisher that has never published anything, so
// the first real call after any Publish always reports changed=true.
func (p *StatsPublisher) ReadSince(lastSeq uint32) (res Result, seq uint32, changed bool) {
	seq = p.rdidx.Load()
	slot := &p.slots[seq%2]

	slot.mu.RLock()
	res = slot.result
	slot.mu.RUnlock()

	return res, seq, seq != lastSeq
}
