// Package metrics holds the process-wide Prometheus collectors. They are
// registered with the default registry and served by the REST router at
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dirwatch"

var (
	RecordsDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "records_total",
		Help:      "Total number of notification records decoded",
	})
	ProbeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "probe_failures_total",
		Help:      "Total number of changes published without metadata",
	})

	CacheUpserts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "upserts_total",
		Help:      "Total number of cache upserts processed",
	})
	CachePops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "pops_total",
		Help:      "Total number of entries removed by pop",
	})
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Total number of entries evicted by the size limit",
	})
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Current number of cached paths",
	})

	PushDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "deliveries_total",
		Help:      "Total number of entries sent to push clients",
	})
	PushClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "clients",
		Help:      "Current number of connected push clients",
	})

	PersistRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "persist",
		Name:      "runs_total",
		Help:      "Total number of persistence attempts, per sink and result",
	}, []string{"sink", "result"})
)
