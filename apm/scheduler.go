package apm

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/apmstats/apm/apm/queue"
)

// Scheduler owns the per-CPU ingest queues, the tick loop that drains
// them into histograms, and the qcalc/qrecalc intrusive lists that decide
// which servers get a percentile recalculation on a given tick. It is the
// concurrency core: many producers call
// Update, exactly one goroutine runs tick.
type Scheduler struct {
	logger log.Logger
	clock  Clock

	percentiles []uint8
	scale       int
	intervalMs  int64

	queues []*queue.Queue

	mu          sync.Mutex
	qcalcHead   *PerServerData
	qrecalcHead *PerServerData

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// newScheduler builds a Scheduler with numShards ingest queues, each of
// the given capacity, and starts its tick loop at the given period.
func newScheduler(logger log.Logger, clock Clock, percentiles []uint8, scale int, intervalMs int64, numShards, queueCap int, tickPeriod time.Duration) *Scheduler {
	s := &Scheduler{
		logger:      logger,
		clock:       clock,
		percentiles: percentiles,
		scale:       scale,
		intervalMs:  intervalMs,
		queues:      make([]*queue.Queue, numShards),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for i := range s.queues {
		s.queues[i] = queue.New(shardLabel(i), queueCap)
	}

	go s.run(tickPeriod)
	return s
}

func shardLabel(i int) string {
	return strconv.Itoa(i)
}

// defaultShards returns one ingest queue per available CPU, matching the
// "per-CPU queue" language of the design when Config.Shards is left at 0.
func defaultShards() int {
	return runtime.GOMAXPROCS(0)
}

// newServer allocates tracking state for key, sized to this scheduler's
// configured scale and interval.
func (s *Scheduler) newServer(key string) *PerServerData {
	return newPerServerData(key, s.scale, s.intervalMs)
}

// shardFor deterministically spreads samples for the same server across
// shards over time (rather than pinning one server to one shard), so a
// single hot server doesn't serialize behind one queue.
func (s *Scheduler) shardFor(key string, ts int64) int {
	h := xxhash.NewWithSeed(uint64(ts))
	_, _ = h.WriteString(key)
	return int(h.Sum64() % uint64(len(s.queues)))
}

// Update enqueues one rtt sample for d. Out-of-range rtt and a full ingest
// queue are both silently dropped: the caller never
// blocks and never learns of the drop beyond the metric counter.
func (s *Scheduler) Update(d *PerServerData, ts int64, rtt uint32) {
	if rtt < 1 || rtt > MaxRTT {
		metricSamplesDroppedTotal.WithLabelValues(dropReasonOutOfRange).Inc()
		return
	}

	shard := s.shardFor(d.key, ts)
	if !s.queues[shard].Push(queue.Item{Handle: d, Ts: ts, RTT: rtt}) {
		metricSamplesDroppedTotal.WithLabelValues(dropReasonQueueFull).Inc()
	}
}

// run is the single scheduler goroutine: it drains every queue and walks
// qcalc/qrecalc once per tick, sleeping tickPeriod between ticks (or less,
// if qrecalc is non-empty and the design calls for finer granularity
// while a recalc is outstanding).
func (s *Scheduler) run(tickPeriod time.Duration) {
	defer close(s.doneCh)

	timer := time.NewTimer(tickPeriod)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
			start := time.Now()
			s.tick()
			metricTickDuration.Observe(time.Since(start).Seconds())

			next := tickPeriod
			s.mu.Lock()
			if s.qrecalcHead != nil {
				next = tickPeriod / time.Duration(tickFractionFloor)
			}
			s.mu.Unlock()
			timer.Reset(next)
		}
	}
}

// tickFractionFloor bounds how much finer the timer re-arms while qrecalc
// is non-empty, so a stuck incomplete recalc can't spin the tick loop.
const tickFractionFloor = 4

// tick drains every ingest queue into histograms, then recalculates
// percentiles for every server linked into qcalc or qrecalc.
func (s *Scheduler) tick() {
	now := s.clock.Now()

	s.drainQueues(now)
	s.recalc(now)
}

func (s *Scheduler) drainQueues(now int64) {
	for _, q := range s.queues {
		for {
			item, ok := q.Pop()
			if !ok {
				break
			}
			d, okType := item.Handle.(*PerServerData)
			if !okType {
				level.Warn(s.logger).Log("msg", "ingest queue item had unexpected handle type")
				continue
			}

			hist := d.ring.CurrentEntry(item.Ts)
			hist.Update(item.RTT)

			s.linkQcalc(d)
		}
	}
}

// linkQcalc adds d to the qcalc list if it isn't already linked into
// either qcalc or qrecalc. Membership is checked by walking both lists,
// since a list's last entry has a nil next pointer just like an unlinked
// one. The refcount taken here is released once the entry is unlinked
// after a successful recalc.
func (s *Scheduler) linkQcalc(d *PerServerData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for e := s.qcalcHead; e != nil; e = e.qcalcNext {
		if e == d {
			return
		}
	}
	for e := s.qrecalcHead; e != nil; e = e.qrecalcNext {
		if e == d {
			return
		}
	}

	d.retain()
	d.qcalcNext = s.qcalcHead
	s.qcalcHead = d
}

// recalc walks qcalc then qrecalc, recomputing and publishing percentiles
// for every linked server. A server whose Result comes back incomplete is
// moved onto qrecalc for a retry next tick, carrying its held refcount
// across the move without incrementing or decrementing it again.
func (s *Scheduler) recalc(now int64) {
	s.mu.Lock()
	qcalc := s.qcalcHead
	s.qcalcHead = nil
	qrecalc := s.qrecalcHead
	s.qrecalcHead = nil
	s.mu.Unlock()

	var nextRecalc *PerServerData

	process := func(d *PerServerData) {
		needRecalc, startIdx, endIdx := d.ringCtl.Update(d.ring, now)
		if !needRecalc && !d.updatePending.Load() {
			d.release()
			return
		}

		entries := d.ring.Window(startIdx, endIdx)
		res := Compute(entries, s.percentiles)

		if !res.Complete {
			metricIncompleteRecalcTotal.Inc()
			d.updatePending.Store(true)
			d.qrecalcNext = nextRecalc
			nextRecalc = d
			return
		}

		d.publisher.Publish(res)
		metricPublishTotal.Inc()
		d.updatePending.Store(false)

		d.release()
	}

	for d := qcalc; d != nil; {
		next := d.qcalcNext
		d.qcalcNext = nil
		process(d)
		d = next
	}
	for d := qrecalc; d != nil; {
		next := d.qrecalcNext
		d.qrecalcNext = nil
		process(d)
		d = next
	}

	s.mu.Lock()
	s.qrecalcHead = nextRecalc
	s.mu.Unlock()

	metricTrackedServers.Set(float64(s.countTracked()))
}

func (s *Scheduler) countTracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for d := s.qcalcHead; d != nil; d = d.qcalcNext {
		n++
	}
	for d := s.qrecalcHead; d != nil; d = d.qrecalcNext {
		n++
	}
	return n
}

// Stop halts the tick loop and drains every remaining queued item with no
// further recalculation, discarding samples that arrived after shutdown
// began. Queues are drained in parallel since they share no state.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	select {
	case <-s.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	g, _ := errgroup.WithContext(ctx)
	for _, q := range s.queues {
		q := q
		g.Go(func() error {
			for {
				if _, ok := q.Pop(); !ok {
					return nil
				}
			}
		})
	}
	return g.Wait()
}
