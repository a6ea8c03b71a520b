package apm

import (
	"sync"

	"go.uber.org/atomic"
)

// RingEntry is one slot of a Ring: a Histogram plus the index of the
// window interval it currently represents. Multiple producers may
// discover in the same instant that the slot has rolled over to a new
// interval; exactly one of them resets it, via a CAS on epoch, so counters
// are never zeroed twice for the same interval and never zeroed by two
// goroutines racing each other mid-reset.
type RingEntry struct {
	hist  *Histogram
	epoch atomic.Int64
}

func newRingEntry() *RingEntry {
	return &RingEntry{hist: NewHistogram(), epoch: *atomic.NewInt64(-1)}
}

// acquire returns the entry's histogram, resetting it first if this is the
// first call to observe interval idx. Callers racing to roll the same
// slot into the same new interval retry until they see the winner's new
// epoch, which is stored before the winner's reset finishes; a sample
// landing in that narrow window can be lost, which matches the tolerance
// the adaptive histogram itself already accepts.
func (e *RingEntry) acquire(idx int64) *Histogram {
	for {
		cur := e.epoch.Load()
		if cur == idx {
			return e.hist
		}
		if cur > idx {
			// a newer interval already claimed this slot; our caller's
			// clock read is stale relative to another goroutine's, return
			// the current histogram rather than retrying forever.
			return e.hist
		}
		if e.epoch.CompareAndSwap(cur, idx) {
			e.hist.resetCounters()
			return e.hist
		}
	}
}

// Ring is a fixed-size array of RingEntry values, one per window interval,
// reused round-robin as time advances. It implements a sliding window:
// scale entries cover the full configured window, and the oldest entry is
// recycled into the newest as soon as its interval has fully elapsed.
type Ring struct {
	entries       []*RingEntry
	intervalTicks int64
}

// NewRing allocates a Ring with scale entries, each covering intervalTicks
// of clock time.
func NewRing(scale int, intervalTicks int64) *Ring {
	r := &Ring{
		entries:       make([]*RingEntry, scale),
		intervalTicks: intervalTicks,
	}
	for i := range r.entries {
		r.entries[i] = newRingEntry()
	}
	return r
}

// Scale reports the number of entries the ring is divided into.
func (r *Ring) Scale() int { return len(r.entries) }

// IntervalIndex returns the interval index owning tick now.
func (r *Ring) IntervalIndex(now int64) int64 {
	return now / r.intervalTicks
}

func (r *Ring) slot(idx int64) int {
	n := int64(len(r.entries))
	m := idx % n
	if m < 0 {
		m += n
	}
	return int(m)
}

// CurrentEntry returns the histogram for the interval containing now,
// rolling the underlying slot over if this is the first caller to reach
// that interval.
func (r *Ring) CurrentEntry(now int64) *Histogram {
	idx := r.IntervalIndex(now)
	return r.entries[r.slot(idx)].acquire(idx)
}

// Window returns the histograms covering [startIdx, endIdx] in ascending
// order, skipping any slot whose entry does not hold that interval: one
// not reached since it was last recycled, or one already rolled past
// endIdx (a stale window read racing a fast clock). The returned slice is a live view;
// callers only read from it.
func (r *Ring) Window(startIdx, endIdx int64) []*Histogram {
	out := make([]*Histogram, 0, endIdx-startIdx+1)
	for idx := startIdx; idx <= endIdx; idx++ {
		e := r.entries[r.slot(idx)]
		if e.epoch.Load() != idx {
			continue
		}
		out = append(out, e.hist)
	}
	return out
}

// RingControl memoizes the window's start index and total sample count
// across ticks so the scheduler can skip a percentile recalculation when
// neither has changed since the last one. In steady state (the window
// hasn't rolled) only the current entry can have gained samples since the
// last call, so Update tracks that entry's count separately and adjusts
// the cached total by its delta instead of re-summing every entry; a full
// resum only happens when the window actually slides.
type RingControl struct {
	mu           sync.Mutex
	lastStartIdx int64
	lastTotalCnt uint64
	lastCurCnt   uint64
	initialized  bool
}

// NewRingControl returns a zero-value RingControl ready for use.
func NewRingControl() *RingControl {
	return &RingControl{}
}

// Update inspects ring at tick now and reports whether a recalculation is
// needed: the window slid (startIdx changed) or the total sample count
// across the window changed since the last call. It always returns the
// window bounds so the caller can fetch Ring.Window(startIdx, endIdx)
// regardless of the recalc decision.
func (rc *RingControl) Update(ring *Ring, now int64) (needRecalc bool, startIdx, endIdx int64) {
	endIdx = ring.IntervalIndex(now)
	startIdx = endIdx - int64(ring.Scale()) + 1

	var curCnt uint64
	if e := ring.entries[ring.slot(endIdx)]; e.epoch.Load() == endIdx {
		curCnt = e.hist.TotCnt()
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	var total uint64
	if !rc.initialized || startIdx != rc.lastStartIdx {
		for idx := startIdx; idx <= endIdx; idx++ {
			e := ring.entries[ring.slot(idx)]
			if e.epoch.Load() != idx {
				continue
			}
			total += e.hist.TotCnt()
		}
		needRecalc = true
	} else {
		total = rc.lastTotalCnt - rc.lastCurCnt + curCnt
		needRecalc = curCnt != rc.lastCurCnt
	}

	rc.initialized = true
	rc.lastStartIdx = startIdx
	rc.lastTotalCnt = total
	rc.lastCurCnt = curCnt

	return needRecalc, startIdx, endIdx
}
