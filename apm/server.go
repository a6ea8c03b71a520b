package apm

import "go.uber.org/atomic"

// Handle is the opaque reference callers hold to one tracked server's
// stats. It is a pointer to the server's state; Create returns one,
// Destroy releases it, and Update/Query take it back.
type Handle = *PerServerData

// PerServerData holds everything the scheduler and query path need for one
// tracked server: its ring of histograms, the memoized window control,
// the published Result, and the bookkeeping the scheduler's qcalc/qrecalc
// intrusive lists use to decide whether this server needs attention on
// the next tick.
//
// refcount follows the producer/consumer handoff: it is
// incremented once per live Handle a caller holds and once more for each
// of the scheduler's own intrusive lists this entry is currently linked
// into, so a concurrent Destroy never frees state the scheduler is still
// walking.
type PerServerData struct {
	key string

	ring      *Ring
	ringCtl   *RingControl
	publisher *StatsPublisher

	refcount atomic.Int64

	// updatePending marks a server queued for a recalc on the very next
	// tick regardless of window-slide state: the fast path used when the
	// previous recalc came back incomplete and must be retried rather
	// than waiting for the ring to roll again.
	updatePending atomic.Bool

	// qcalcNext and qrecalcNext are intrusive singly linked list pointers
	// the scheduler uses to walk the set of servers due for a recalc this
	// tick (qcalc) or retried next tick after an incomplete one
	// (qrecalc). A PerServerData is linked into at most one of the two
	// at a time; nil means not linked or last in its list.
	qcalcNext   *PerServerData
	qrecalcNext *PerServerData
}

// newPerServerData allocates tracking state for one server, starting with
// a refcount of 1 for the Handle about to be returned to the caller.
func newPerServerData(key string, scale int, intervalTicks int64) *PerServerData {
	d := &PerServerData{
		key:       key,
		ring:      NewRing(scale, intervalTicks),
		ringCtl:   NewRingControl(),
		publisher: NewStatsPublisher(),
	}
	d.refcount.Store(1)
	return d
}

// retain increments the refcount and returns the new value; used both for
// new Handles and for linking this entry into a scheduler list.
func (d *PerServerData) retain() int64 {
	return d.refcount.Inc()
}

// release decrements the refcount and reports whether it reached zero,
// meaning the caller was the last holder and may now discard d.
func (d *PerServerData) release() bool {
	return d.refcount.Dec() == 0
}
