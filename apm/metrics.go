package apm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSamplesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apm",
		Name:      "samples_dropped_total",
		Help:      "Total number of samples dropped before reaching a histogram.",
	}, []string{"reason"})

	metricTrackedServers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "apm",
		Name:      "tracked_servers",
		Help:      "Number of servers currently tracked by the scheduler.",
	})

	metricTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "apm",
		Name:      "tick_duration_seconds",
		Help:      "Time taken to drain queues and recompute percentiles on one scheduler tick.",
		Buckets:   prometheus.ExponentialBuckets(.00005, 2, 12),
	})

	metricIncompleteRecalcTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apm",
		Name:      "incomplete_recalc_total",
		Help:      "Total number of percentile recalculations that came up short and were retried on qrecalc.",
	})

	metricPublishTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apm",
		Name:      "publish_total",
		Help:      "Total number of percentile vectors published to readers.",
	})
)

const (
	dropReasonOutOfRange = "out_of_range"
	dropReasonQueueFull  = "queue_full"
)
