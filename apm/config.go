package apm

import (
	"flag"
	"fmt"
	"time"
)

const (
	minWindow = 60 * time.Second
	maxWindow = 3600 * time.Second

	minScale = 1
	maxScale = 50

	minInterval = 5 * time.Second
)

// Config is the root config for the APM core, registered the way
// friggdb.Config and cmd/tempo/app.Config are: yaml tags for the on-disk
// config file, a RegisterFlagsAndApplyDefaults method for flag parsing.
type Config struct {
	// Window is the sliding observation window, e.g. "300s". Must be
	// between 60s and 1h; it is snapped to scale*interval once Interval
	// is derived (see resolve).
	Window time.Duration `yaml:"window"`

	// Scale is the number of ring entries (histograms) the window is
	// divided into. 1 is promoted to 2 so there is always a "previous"
	// entry distinct from the current one.
	Scale int `yaml:"scale"`

	// Percentiles is the globally configured vector of ith-percentiles
	// every query() call receives; it cannot change after startup.
	Percentiles []uint8 `yaml:"percentiles"`

	// QueueSize is the capacity of each per-CPU ingest queue.
	QueueSize int `yaml:"queue_size"`

	// Shards is the number of per-CPU ingest queues. 0 means one per
	// GOMAXPROCS, matching the "per-CPU" language of the design.
	Shards int `yaml:"shards"`

	// TickFraction divides Window/Scale to get the scheduler's base tick
	// period, e.g. 20 means the timer fires 20 times per interval.
	TickFraction int `yaml:"tick_fraction"`
}

// RegisterFlagsAndApplyDefaults applies defaults and registers flags under
// prefix: defaults are assigned directly, then flags are bound to the
// same fields so either source can set them.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Window = 300 * time.Second
	c.Scale = 5
	c.Percentiles = []uint8{50, 90, 99}
	c.QueueSize = 8192
	c.Shards = 0
	c.TickFraction = 20

	f.DurationVar(&c.Window, prefix+"window", c.Window, "Sliding observation window for response-time percentiles.")
	f.IntVar(&c.Scale, prefix+"scale", c.Scale, "Number of ring entries the window is divided into.")
	f.IntVar(&c.QueueSize, prefix+"queue-size", c.QueueSize, "Capacity of each per-CPU ingest queue.")
	f.IntVar(&c.Shards, prefix+"shards", c.Shards, "Number of per-CPU ingest queues, 0 means one per GOMAXPROCS.")
	f.IntVar(&c.TickFraction, prefix+"tick-fraction", c.TickFraction, "Scheduler ticks per interval.")
}

// resolve derives the interval length in milliseconds as the ceiling of
// Window over scale in whole seconds, snapping Window to scale*interval as
// spec'd, and returns the effective scale.
func (c *Config) resolve() (intervalTicks int64, scale int, window time.Duration, err error) {
	if c.Window < minWindow || c.Window > maxWindow {
		return 0, 0, 0, fmt.Errorf("apm: window %s out of range [%s,%s]", c.Window, minWindow, maxWindow)
	}

	scale = c.Scale
	if scale < minScale || scale > maxScale {
		return 0, 0, 0, fmt.Errorf("apm: scale %d out of range [%d,%d]", scale, minScale, maxScale)
	}
	if scale == 1 {
		scale = 2
	}

	secs := int64(c.Window / time.Second)
	interval := time.Duration((secs+int64(scale)-1)/int64(scale)) * time.Second
	if interval < minInterval {
		return 0, 0, 0, fmt.Errorf("apm: derived interval %s is below the minimum %s, increase window or decrease scale", interval, minInterval)
	}

	window = interval * time.Duration(scale)
	intervalTicks = interval.Milliseconds()

	if len(c.Percentiles) == 0 {
		return 0, 0, 0, fmt.Errorf("apm: at least one percentile must be configured")
	}
	for _, p := range c.Percentiles {
		if p > 100 {
			return 0, 0, 0, fmt.Errorf("apm: percentile %d out of range [0,100]", p)
		}
	}

	return intervalTicks, scale, window, nil
}
