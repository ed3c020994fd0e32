package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_trap_events_ingested_total",
			Help: "Events accepted into the store",
		},
		[]string{"event_type", "threat_level"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_trap_events_rejected_total",
			Help: "Events rejected by validation",
		},
		[]string{"source"},
	)

	// Store
	StoreRetained = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_trap_store_retained_events",
			Help: "Events currently held in memory",
		},
	)

	StoreHeadID = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_trap_store_head_id",
			Help: "Highest event ID assigned",
		},
	)

	StoreBackpressure = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_trap_store_backpressure",
			Help: "1 while the store is above capacity waiting on sink exports",
		},
	)

	StoreEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_trap_store_evicted_total",
			Help: "Events evicted after every sink exported them",
		},
	)

	// Export
	FlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_trap_sink_flush_duration_seconds",
			Help:    "Duration of sink flushes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	FlushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_trap_sink_flushes_total",
			Help: "Sink flush attempts by result (committed, retryable, fatal)",
		},
		[]string{"sink", "result"},
	)

	EventsExported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_trap_sink_events_exported_total",
			Help: "Events committed per sink",
		},
		[]string{"sink"},
	)

	ExportSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_trap_sink_events_skipped_total",
			Help: "Events a sink backend rejected as invalid data and skipped",
		},
		[]string{"sink"},
	)

	SinkLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telhawk_trap_sink_lag_events",
			Help: "Events appended but not yet committed per sink",
		},
		[]string{"sink"},
	)

	SinkState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telhawk_trap_sink_state",
			Help: "Sink state (0 idle, 1 flushing, 2 degraded, 3 disabled)",
		},
		[]string{"sink"},
	)
)
