package apm

import (
	"math"

	"go.uber.org/atomic"
)

const (
	// numRanges and numBuckets are R and B from the design: the response
	// time axis [1,MaxRTT] is partitioned into numRanges ranges, each
	// subdivided into numBuckets uniform-width buckets.
	numRanges  = 4
	numBuckets = 16

	// MaxRTT is the largest representable rtt; it shares 65535 with the
	// 16-bit begin/end control word fields, so the adaptive scheme never
	// needs to represent a boundary it can't store.
	MaxRTT = 65535
)

// initialRange is one of the four starting (order, begin, end) partitions,
// chosen so that bucket boundaries land on round numbers for small
// latencies and widen further out: (0,1,16), (1,17,47), (2,48,108),
// (4,109,349).
type initialRange struct {
	order      uint32
	begin, end uint16
}

var initialRanges = [numRanges]initialRange{
	{order: 0, begin: 1, end: 16},
	{order: 1, begin: 17, end: 47},
	{order: 2, begin: 48, end: 108},
	{order: 4, begin: 109, end: 349},
}

// packCtl and unpackCtl keep a range's (order, begin, end) triple in one
// machine word so producers never observe a torn read: 32 bits of order,
// 16 of begin, 16 of end.
func packCtl(order uint32, begin, end uint16) uint64 {
	return uint64(order)<<32 | uint64(begin)<<16 | uint64(end)
}

func unpackCtl(ctl uint64) (order uint32, begin, end uint16) {
	order = uint32(ctl >> 32)
	begin = uint16(ctl >> 16)
	end = uint16(ctl)
	return
}

// rangeState is one range's control word plus its bucket counters. The
// trailing pad keeps a range's hot counters off the cache line the next
// range (or the histogram's totals) lives on.
type rangeState struct {
	ctl atomic.Uint64
	cnt [numBuckets]atomic.Uint32
	pad [56]byte
}

// bucketPoint is one (value, count) pair produced by Histogram.Buckets,
// used by the percentile calculator's k-way merge.
type bucketPoint struct {
	value uint32
	count uint64
}

// Histogram is the adaptive multi-range bucketed counter:
// many producers call Update concurrently with no mutex; a
// bounded number of samples may be lost while a range is rearranged, and
// that loss is an accepted tradeoff, not a bug to chase.
type Histogram struct {
	ranges [numRanges]rangeState

	// Totals live apart from the per-range state above so a burst of
	// bucket increments doesn't false-share the cache line readers poll
	// for min/max/avg.
	totCnt atomic.Uint64
	totVal atomic.Uint64
	minVal atomic.Uint32
	maxVal atomic.Uint32
}

// NewHistogram returns a Histogram with the default partition and zeroed
// counters.
func NewHistogram() *Histogram {
	h := &Histogram{}
	for r, init := range initialRanges {
		h.ranges[r].ctl.Store(packCtl(init.order, init.begin, init.end))
	}
	h.resetCounters()
	return h
}

// resetCounters zeroes every counter but leaves the control words (the
// learned bucket layout) untouched: only the fields between
// the reset markers are cleared across a window roll, not the layout a
// prior window learned.
func (h *Histogram) resetCounters() {
	for r := range h.ranges {
		for b := range h.ranges[r].cnt {
			h.ranges[r].cnt[b].Store(0)
		}
	}
	h.totCnt.Store(0)
	h.totVal.Store(0)
	h.minVal.Store(math.MaxUint32)
	h.maxVal.Store(0)
}

// Update records one rtt sample. Callers must ensure 1 <= rtt <= MaxRTT;
// validation of that bound happens once, at the enqueue path,
// not here.
func (h *Histogram) Update(rtt uint32) {
	if !h.advanceMin(rtt) {
		h.advanceMax(rtt)
	}
	h.totVal.Add(uint64(rtt))

	r := h.locateRange(rtt)
	b := h.bucketIndex(r, rtt)
	h.ranges[r].cnt[b].Add(1)

	h.adjust(r)
	h.totCnt.Add(1)
}

func (h *Histogram) advanceMin(rtt uint32) bool {
	for {
		old := h.minVal.Load()
		if rtt >= old {
			return false
		}
		if h.minVal.CompareAndSwap(old, rtt) {
			return true
		}
	}
}

func (h *Histogram) advanceMax(rtt uint32) bool {
	for {
		old := h.maxVal.Load()
		if rtt <= old {
			return false
		}
		if h.maxVal.CompareAndSwap(old, rtt) {
			return true
		}
	}
}

// locateRange finds the range owning rtt by scanning from the highest
// range down to the first whose begin is <= rtt; ranges are contiguous and
// ascending so this always terminates at a valid index. If rtt falls
// beyond the top range's current end, extend grows that range first.
func (h *Histogram) locateRange(rtt uint32) int {
	_, _, lastEnd := unpackCtl(h.ranges[numRanges-1].ctl.Load())
	if rtt > uint32(lastEnd) {
		h.extend(rtt)
	}

	for r := numRanges - 1; r >= 0; r-- {
		_, begin, _ := unpackCtl(h.ranges[r].ctl.Load())
		if rtt >= uint32(begin) {
			return r
		}
	}
	return 0
}

func (h *Histogram) bucketIndex(r int, rtt uint32) int {
	order, begin, _ := unpackCtl(h.ranges[r].ctl.Load())
	width := uint32(1) << order
	diff := rtt - uint32(begin)
	b := (diff + width - 1) >> order
	if b >= numBuckets {
		b = numBuckets - 1
	}
	return int(b)
}

// extend grows the top range's order until its end covers rtt, publishing
// the new control word with a single atomic store, then coalesces the
// range's buckets left to match the new, coarser width. Concurrent
// updates landing mid-coalesce may be lost; that's accepted.
func (h *Histogram) extend(rtt uint32) {
	last := numRanges - 1
	for {
		old := h.ranges[last].ctl.Load()
		order, begin, end := unpackCtl(old)
		if uint32(end) >= rtt {
			return
		}

		newOrder := order
		newEnd := uint32(end)
		for newEnd < rtt && newEnd < MaxRTT {
			newOrder++
			cand := uint32(begin) + uint32(numBuckets-1)<<newOrder
			if cand > MaxRTT {
				cand = MaxRTT
			}
			newEnd = cand
		}

		newCtl := packCtl(newOrder, begin, uint16(newEnd))
		if h.ranges[last].ctl.CompareAndSwap(old, newCtl) {
			h.coalesceLeft(last)
			return
		}
	}
}

// coalesceLeft halves a range's bucket count after its order grows by one:
// cnt[i] <- cnt[2i]+cnt[2i+1] for the left half. The right half's mass now
// lives in the left half, so each right-half bucket is cleared unless a
// concurrent increment has landed in it since the snapshot.
func (h *Histogram) coalesceLeft(r int) {
	var old [numBuckets]uint32
	for b := range old {
		old[b] = h.ranges[r].cnt[b].Load()
	}

	for i := 0; i < numBuckets/2; i++ {
		h.ranges[r].cnt[i].Store(old[2*i] + old[2*i+1])
	}
	for i := numBuckets / 2; i < numBuckets; i++ {
		h.ranges[r].cnt[i].CompareAndSwap(old[i], 0)
	}
}

// adjust is called after every bucket increment in range r. It detects an
// outlier bucket and, if found, grows the previous range to absorb it and
// shrinks r's own left edge. It deliberately does not guard cntNz == 0:
// adjust only ever runs right after this range's own increment, so at
// least one bucket is always non-zero.
func (h *Histogram) adjust(r int) {
	sum, cntNz, maxV, iMax := h.snapshotBuckets(r)

	if maxV <= uint32(2*sum/uint64(cntNz)) {
		return
	}

	if r >= 1 && iMax == 0 && h.canGrowRight(r) {
		h.growRight(r - 1)
		h.redistributeOutlierMass(r)
	}

	if r != 0 {
		h.shrinkLeft(r)
	}
}

func (h *Histogram) snapshotBuckets(r int) (sum uint64, cntNz int, maxV uint32, iMax int) {
	for b := 0; b < numBuckets; b++ {
		v := h.ranges[r].cnt[b].Load()
		sum += uint64(v)
		if v != 0 {
			cntNz++
		}
		if v > maxV {
			maxV = v
			iMax = b
		}
	}
	return
}

// canGrowRight reports whether range r-1 can absorb one more order of
// growth without colliding with range r's left edge.
func (h *Histogram) canGrowRight(r int) bool {
	order, begin, _ := unpackCtl(h.ranges[r-1].ctl.Load())
	candEnd := uint32(begin) + uint32(numBuckets-1)<<(order+1)

	_, beginR, _ := unpackCtl(h.ranges[r].ctl.Load())
	return candEnd < uint32(beginR)
}

func (h *Histogram) growRight(r int) {
	for {
		old := h.ranges[r].ctl.Load()
		order, begin, _ := unpackCtl(old)

		newOrder := order + 1
		newEnd := uint32(begin) + uint32(numBuckets-1)<<newOrder
		if newEnd > MaxRTT {
			newEnd = MaxRTT
		}

		newCtl := packCtl(newOrder, begin, uint16(newEnd))
		if h.ranges[r].ctl.CompareAndSwap(old, newCtl) {
			h.coalesceLeft(r)
			return
		}
	}
}

// redistributeOutlierMass moves half of range r's first bucket into the
// right half of range r-1, on the assumption the outlier mass actually
// belonged between the two ranges. The subtract-then-spread is not atomic
// as a whole; a concurrent writer may see a torn intermediate state, which
// this accepts as imprecision rather than something to lock around.
func (h *Histogram) redistributeOutlierMass(r int) {
	full := h.ranges[r].cnt[0].Load()
	half := full / 2
	h.ranges[r].cnt[0].Sub(half)

	const rightHalf = numBuckets / 2
	share := half / rightHalf
	remainder := half - share*rightHalf

	for i := rightHalf; i < numBuckets; i++ {
		add := share
		if i == rightHalf {
			add += remainder
		}
		h.ranges[r-1].cnt[i].Add(add)
	}
}

// shrinkLeft narrows range r's left edge by one order, on the theory that
// the mass just redistributed to r-1 means r no longer needs to cover its
// old left portion. Old bucket values are folded/split into the new
// layout.
func (h *Histogram) shrinkLeft(r int) {
	if order, _, _ := unpackCtl(h.ranges[r].ctl.Load()); order == 0 {
		// already at the finest resolution; nothing to shrink into.
		return
	}

	var old [numBuckets]uint32
	for b := range old {
		old[b] = h.ranges[r].cnt[b].Load()
	}

	for {
		curOld := h.ranges[r].ctl.Load()
		curOrder, _, curEnd := unpackCtl(curOld)
		if curOrder == 0 {
			return
		}

		newOrder := curOrder - 1
		newBegin := uint32(curEnd) - uint32(numBuckets-1)<<newOrder
		newCtl := packCtl(newOrder, uint16(newBegin), curEnd)
		if h.ranges[r].ctl.CompareAndSwap(curOld, newCtl) {
			break
		}
	}

	var newBuf [numBuckets]uint32
	var leftHalfSum uint32
	for b := 0; b < numBuckets/2; b++ {
		leftHalfSum += old[b]
	}
	newBuf[0] = leftHalfSum

	for i := 0; i < numBuckets/2; i++ {
		full := old[numBuckets/2+i]
		half1 := full / 2
		half2 := full - half1
		newBuf[2*i] += half1
		newBuf[2*i+1] += half2
	}

	for i, v := range newBuf {
		h.ranges[r].cnt[i].Store(v)
	}
}

// MinVal returns the smallest rtt observed since the last reset, or
// math.MaxUint32 if there have been none.
func (h *Histogram) MinVal() uint32 { return h.minVal.Load() }

// MaxVal returns the largest rtt observed since the last reset.
func (h *Histogram) MaxVal() uint32 { return h.maxVal.Load() }

// TotCnt returns the total number of samples recorded since the last
// reset
func (h *Histogram) TotCnt() uint64 { return h.totCnt.Load() }

// TotVal returns the sum of all recorded rtt values since the last reset.
func (h *Histogram) TotVal() uint64 { return h.totVal.Load() }

// Buckets returns a snapshot of every (value, count) pair across all
// ranges in ascending order of value, for the percentile calculator's
// k-way merge. Zero-count buckets are included; they contribute nothing
// to the merge but cost little to skip over.
func (h *Histogram) Buckets() []bucketPoint {
	points := make([]bucketPoint, 0, numRanges*numBuckets)
	for r := 0; r < numRanges; r++ {
		order, begin, _ := unpackCtl(h.ranges[r].ctl.Load())
		for b := 0; b < numBuckets; b++ {
			v := uint32(begin) + uint32(b)<<order
			points = append(points, bucketPoint{
				value: v,
				count: uint64(h.ranges[r].cnt[b].Load()),
			})
		}
	}
	return points
}

// Layout returns the current (order, begin, end) for every range, for
// tests and diagnostics.
func (h *Histogram) Layout() [numRanges][3]uint32 {
	var out [numRanges][3]uint32
	for r := range h.ranges {
		order, begin, end := unpackCtl(h.ranges[r].ctl.Load())
		out[r] = [3]uint32{order, uint32(begin), uint32(end)}
	}
	return out
}
