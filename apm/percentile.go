package apm

import (
	"container/heap"
	"math"
)

// Result is the published outcome of one percentile calculation: the
// min/max/avg rtt observed across the window, plus the configured
// percentile vector. Filled is false when the window held no samples at
// all, so callers can distinguish "window is empty" from "p50 is 0".
type Result struct {
	Min         uint32
	Max         uint32
	Avg         float64
	Percentiles map[uint8]uint32
	Filled      bool

	// Complete is false when the bucket snapshot's total disagreed with
	// the histograms' own sample counters, a sign some range was mid
	// extend/adjust while Buckets was read. The scheduler retries an
	// incomplete Result on the next tick instead of publishing it.
	Complete bool
}

// mergeCursor walks one histogram's bucket snapshot during the k-way
// merge below.
type mergeCursor struct {
	points []bucketPoint
	pos    int
}

func (c *mergeCursor) done() bool { return c.pos >= len(c.points) }
func (c *mergeCursor) peek() bucketPoint { return c.points[c.pos] }

// cursorHeap is a min-heap over cursors ordered by the value at each
// cursor's current position, implementing the k-way merge of per-entry
// bucket snapshots into one globally value-ordered stream.
type cursorHeap []*mergeCursor

func (h cursorHeap) Len() int            { return len(h) }
func (h cursorHeap) Less(i, j int) bool  { return h[i].peek().value < h[j].peek().value }
func (h cursorHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x any)         { *h = append(*h, x.(*mergeCursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Compute merges the buckets of every entry in a window and derives the
// min/max/avg and the requested percentile vector. It tolerates entries
// still mid-reset or mid-write (an accepted imprecision) and never
// errors: a window with zero samples yields a Result with Filled=false.
func Compute(entries []*Histogram, ith []uint8) Result {
	var totalCnt uint64
	var totalVal uint64
	minVal := uint32(math.MaxUint32)
	var maxVal uint32

	var bucketSum uint64
	h := make(cursorHeap, 0, len(entries))
	for _, e := range entries {
		totalCnt += e.TotCnt()
		totalVal += e.TotVal()
		if v := e.MinVal(); v < minVal {
			minVal = v
		}
		if v := e.MaxVal(); v > maxVal {
			maxVal = v
		}

		pts := e.Buckets()
		if len(pts) == 0 {
			continue
		}
		for _, bp := range pts {
			bucketSum += bp.count
		}
		h = append(h, &mergeCursor{points: pts})
	}

	res := Result{Percentiles: make(map[uint8]uint32, len(ith))}
	res.Complete = bucketSum == totalCnt

	if totalCnt == 0 {
		for _, p := range ith {
			res.Percentiles[p] = 0
		}
		return res
	}

	res.Filled = true
	res.Min = minVal
	res.Max = maxVal
	res.Avg = float64(totalVal) / float64(totalCnt)

	// Percentile 0 is reported as 0 immediately rather than resolved
	// through the merge below, which would otherwise return the min
	// bucket instead of a literal zero.
	targets := make(map[uint8]uint64, len(ith))
	pending := 0
	for _, p := range ith {
		if p == 0 {
			res.Percentiles[0] = 0
			continue
		}
		target := uint64(math.Ceil(float64(p) / 100 * float64(totalCnt)))
		if target > totalCnt {
			target = totalCnt
		}
		targets[p] = target
		pending++
	}

	heap.Init(&h)

	var cumulative uint64
	for h.Len() > 0 && pending > 0 {
		c := h[0]
		bp := c.peek()

		if bp.count > 0 {
			cumulative += bp.count
			for _, p := range ith {
				if res.Percentiles[p] != 0 || targets[p] == 0 {
					continue
				}
				if cumulative >= targets[p] {
					res.Percentiles[p] = bp.value
					targets[p] = 0
					pending--
				}
			}
		}

		c.pos++
		if c.done() {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}

	// Any percentile whose target exceeded all observed mass (can happen
	// transiently while a range is mid-extend) falls back to the
	// observed max rather than staying at zero.
	for _, p := range ith {
		if res.Percentiles[p] == 0 && targets[p] != 0 {
			res.Percentiles[p] = maxVal
		}
	}

	return res
}
