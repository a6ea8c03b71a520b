package apm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Manager is the package's entry point: it owns the Scheduler and the
// table of tracked servers, and exposes the Create/Destroy/Update/Query
// operations callers use to track response times and read back
// percentiles.
type Manager struct {
	logger log.Logger
	cfg    Config

	scheduler *Scheduler

	mu      sync.RWMutex
	servers map[string]*PerServerData
}

// NewManager validates cfg and starts a Manager. The returned Manager's
// Scheduler runs until Close is called.
func NewManager(cfg Config, logger log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	intervalMs, scale, _, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	shards := cfg.Shards
	if shards <= 0 {
		shards = defaultShards()
	}

	tickPeriod := time.Duration(intervalMs) * time.Millisecond / time.Duration(cfg.TickFraction)
	if tickPeriod <= 0 {
		tickPeriod = time.Millisecond
	}

	m := &Manager{
		logger:  logger,
		cfg:     cfg,
		servers: make(map[string]*PerServerData),
	}
	m.scheduler = newScheduler(logger, NewMillisClock(), cfg.Percentiles, scale, intervalMs, shards, cfg.QueueSize, tickPeriod)

	level.Info(logger).Log("msg", "apm manager started", "window", cfg.Window, "scale", scale, "tick", tickPeriod)
	return m, nil
}

// Create begins tracking key and returns a Handle for it. Calling Create
// again for a key already tracked returns the existing Handle with its
// refcount bumped, rather than resetting its stats.
func (m *Manager) Create(key string) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.servers[key]; ok {
		d.retain()
		return d
	}

	d := m.scheduler.newServer(key)
	m.servers[key] = d
	return d
}

// Destroy releases the caller's reference to h. The underlying state is
// freed once every Handle and every scheduler list linkage referencing it
// has been released.
func (m *Manager) Destroy(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h.release() {
		delete(m.servers, h.key)
	}
}

// Update records one rtt sample (in milliseconds) observed at ts (a Unix
// millisecond timestamp) for h.
func (m *Manager) Update(h Handle, ts int64, rtt uint32) {
	m.scheduler.Update(h, ts, rtt)
}

// Query returns the most recently published percentile Result for h,
// along with its publication sequence and whether that sequence differs
// from lastSeq. Callers cache the returned seq and pass it back on the
// next call to find out whether the Result changed in between; a fresh
// caller passes lastSeq=0.
func (m *Manager) Query(h Handle, lastSeq uint32) (res Result, seq uint32, changed bool) {
	return h.publisher.ReadSince(lastSeq)
}

// QueryBH is an alias for Query retained for callers migrating from the
// separate "BH" read path the design used to expose; both now go through
// the same flip-flop publisher.
func (m *Manager) QueryBH(h Handle, lastSeq uint32) (Result, uint32, bool) {
	return m.Query(h, lastSeq)
}

// PercentileRequest is the input to VerifyPercentiles: the ith-percentile
// vector a caller intends to query.
type PercentileRequest struct {
	Ith []uint8
}

// VerifyPercentiles checks req.Ith against the percentile vector this
// Manager was configured with at NewManager and returns a descriptive
// error on mismatch. The percentile vector is fixed for the Manager's
// lifetime (spec's Non-goals exclude runtime reconfiguration of it), so
// this is a cheap slice comparison, not a recomputation.
func (m *Manager) VerifyPercentiles(req PercentileRequest) error {
	if len(req.Ith) != len(m.cfg.Percentiles) {
		return fmt.Errorf("apm: verify_pstats: requested %d percentiles, manager is configured with %d", len(req.Ith), len(m.cfg.Percentiles))
	}
	for i, p := range req.Ith {
		if p != m.cfg.Percentiles[i] {
			return fmt.Errorf("apm: verify_pstats: requested percentile vector %v does not match configured vector %v", req.Ith, m.cfg.Percentiles)
		}
	}
	return nil
}

// Close stops the Manager's scheduler, draining any queued samples
// without a final recalculation.
func (m *Manager) Close(ctx context.Context) error {
	return m.scheduler.Stop(ctx)
}
