// Package queue implements the per-CPU ingest queue the scheduler drains on
// every tick: a bounded, multi-producer/single-consumer ring buffer. Push
// never blocks and never allocates; Pop is only ever called by the single
// tick goroutine that owns a given shard.
package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

var (
	metricPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apm",
		Name:      "ingest_queue_pushes_total",
		Help:      "Total number of samples pushed onto a per-CPU ingest queue.",
	}, []string{"shard"})

	metricPushesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apm",
		Name:      "ingest_queue_pushes_dropped_total",
		Help:      "Total number of samples dropped because a per-CPU ingest queue was full.",
	}, []string{"shard"})

	metricLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "apm",
		Name:      "ingest_queue_length",
		Help:      "Approximate number of items currently queued in a per-CPU ingest queue.",
	}, []string{"shard"})
)

// Item is one (handle, timestamp, rtt) sample in flight between a producer
// and the tick that will dispatch it into a Histogram. Handle is opaque to
// this package; the apm package type-asserts it back to *PerServerData.
type Item struct {
	Handle any
	Ts     int64
	RTT    uint32
}

// Queue is a fixed-capacity ring buffer safe for many concurrent Push
// callers and exactly one Pop caller. Capacity is rounded up to the next
// power of two so indices can be masked instead of mod'd.
type Queue struct {
	shard string
	mask  uint64
	buf   []slot

	head atomic.Uint64 // next free slot reserved by a producer
	tail atomic.Uint64 // next slot for the consumer to read

	size atomic.Int64
}

type slot struct {
	seq  atomic.Uint64
	item Item
}

// New builds a queue of at least capacity entries, labelled shard for its
// metrics (conventionally a CPU index).
func New(shard string, capacity int) *Queue {
	n := 1
	for n < capacity {
		n <<= 1
	}

	q := &Queue{
		shard: shard,
		mask:  uint64(n - 1),
		buf:   make([]slot, n),
	}
	for i := range q.buf {
		q.buf[i].seq.Store(uint64(i))
	}

	return q
}

// Push enqueues item without blocking. It returns false if the queue is
// full; the caller is responsible for dropping the sample and releasing
// whatever reference it was holding on the item's handle.
func (q *Queue) Push(item Item) bool {
	for {
		head := q.head.Load()
		s := &q.buf[head&q.mask]
		seq := s.seq.Load()

		diff := int64(seq) - int64(head)
		switch {
		case diff == 0:
			if q.head.CompareAndSwap(head, head+1) {
				s.item = item
				s.seq.Store(head + 1)
				q.size.Inc()
				metricPushesTotal.WithLabelValues(q.shard).Inc()
				metricLength.WithLabelValues(q.shard).Set(float64(q.size.Load()))
				return true
			}
		case diff < 0:
			// tail hasn't caught up to this slot from a previous lap: full.
			metricPushesDroppedTotal.WithLabelValues(q.shard).Inc()
			return false
		default:
			// another producer has already reserved this slot; retry.
		}
	}
}

// Pop dequeues the oldest item. It must only ever be called by a single
// consumer goroutine at a time (the scheduler tick).
func (q *Queue) Pop() (Item, bool) {
	tail := q.tail.Load()
	s := &q.buf[tail&q.mask]
	seq := s.seq.Load()

	if int64(seq)-int64(tail+1) != 0 {
		return Item{}, false
	}

	item := s.item
	s.seq.Store(tail + q.mask + 1)
	q.tail.Store(tail + 1)
	q.size.Dec()
	metricLength.WithLabelValues(q.shard).Set(float64(q.size.Load()))

	return item, true
}

// Len reports the approximate number of items currently queued.
func (q *Queue) Len() int {
	return int(q.size.Load())
}
