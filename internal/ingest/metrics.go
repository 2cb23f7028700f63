package ingest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/locus/internal/dedup"
	"github.com/linnemanlabs/locus/internal/dispatch"
	"github.com/linnemanlabs/locus/internal/trigger"
)

// Metrics holds Prometheus metrics for the ingestion pipeline.
type Metrics struct {
	EventsTotal        *prometheus.CounterVec
	EventDuration      prometheus.Histogram
	PingPersistTotal   *prometheus.CounterVec
	DedupOutcomes      *prometheus.CounterVec
	DedupPurged        prometheus.Counter
	DedupEvicted       prometheus.Counter
	DecisionsTotal     *prometheus.CounterVec
	LookupDuration     *prometheus.HistogramVec
	LookupFailures     *prometheus.CounterVec
	DispatchDropped    prometheus.Counter
	DispatchResults    *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	TrackedDevices     prometheus.Gauge
	DispatchQueueDepth prometheus.Gauge
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locus_events_total",
			Help: "Location events handled, by terminal state.",
		}, []string{"state"}),
		EventDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "locus_event_duration_seconds",
			Help:    "Time to handle one location event.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
		}),
		PingPersistTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locus_ping_persist_total",
			Help: "Audit ping writes by status.",
		}, []string{"status"}),
		DedupOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locus_dedup_outcomes_total",
			Help: "Dedup decisions by outcome.",
		}, []string{"outcome"}),
		DedupPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locus_dedup_purged_total",
			Help: "Window entries purged past retention.",
		}),
		DedupEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locus_dedup_evicted_devices_total",
			Help: "Idle device windows evicted by the sweeper.",
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locus_trigger_decisions_total",
			Help: "Trigger decisions by reason.",
		}, []string{"reason"}),
		LookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "locus_trigger_lookup_duration_seconds",
			Help:    "Duration of zone and condition lookups.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}, []string{"lookup"}),
		LookupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locus_trigger_lookup_failures_total",
			Help: "Failed or timed out lookups.",
		}, []string{"lookup"}),
		DispatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locus_dispatch_dropped_total",
			Help: "Offers dropped because the dispatch queue was full or stopped.",
		}),
		DispatchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locus_dispatch_results_total",
			Help: "Offer deliveries by result.",
		}, []string{"result"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "locus_dispatch_duration_seconds",
			Help:    "Offer delivery time including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"result"}),
		TrackedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "locus_dedup_tracked_devices",
			Help: "Devices with a live dedup window.",
		}),
		DispatchQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "locus_dispatch_queue_depth",
			Help: "Offers waiting in the dispatch queue at last enqueue.",
		}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.EventDuration,
		m.PingPersistTotal,
		m.DedupOutcomes,
		m.DedupPurged,
		m.DedupEvicted,
		m.DecisionsTotal,
		m.LookupDuration,
		m.LookupFailures,
		m.DispatchDropped,
		m.DispatchResults,
		m.DispatchDuration,
		m.TrackedDevices,
		m.DispatchQueueDepth,
	)

	return m
}

// Hooks returns service Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnHandled: func(state string, dur time.Duration) {
			m.EventsTotal.WithLabelValues(state).Inc()
			m.EventDuration.Observe(dur.Seconds())
		},
		OnPersist: func(err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.PingPersistTotal.WithLabelValues(status).Inc()
		},
	}
}

// DedupHooks returns dedup.Hooks that update the corresponding metrics.
func (m *Metrics) DedupHooks() dedup.Hooks {
	return dedup.Hooks{
		OnOutcome: func(accepted bool) {
			outcome := "accepted"
			if !accepted {
				outcome = "duplicate"
			}
			m.DedupOutcomes.WithLabelValues(outcome).Inc()
		},
		OnPurge: func(n int) {
			m.DedupPurged.Add(float64(n))
		},
		OnSweep: func(evicted, remaining int) {
			m.DedupEvicted.Add(float64(evicted))
			m.TrackedDevices.Set(float64(remaining))
		},
	}
}

// TriggerHooks returns trigger.Hooks that update the corresponding metrics.
func (m *Metrics) TriggerHooks() trigger.Hooks {
	return trigger.Hooks{
		OnDecision: func(d *trigger.Decision) {
			m.DecisionsTotal.WithLabelValues(string(d.Reason)).Inc()
		},
		OnLookup: func(lookup string, dur time.Duration, err error) {
			m.LookupDuration.WithLabelValues(lookup).Observe(dur.Seconds())
			if err != nil {
				m.LookupFailures.WithLabelValues(lookup).Inc()
			}
		},
	}
}

// DispatchHooks returns dispatch.Hooks that update the corresponding metrics.
func (m *Metrics) DispatchHooks() dispatch.Hooks {
	return dispatch.Hooks{
		OnEnqueue: func(depth int) {
			m.DispatchQueueDepth.Set(float64(depth))
		},
		OnDrop: func() {
			m.DispatchDropped.Inc()
		},
		OnResult: func(result string, dur time.Duration) {
			m.DispatchResults.WithLabelValues(result).Inc()
			m.DispatchDuration.WithLabelValues(result).Observe(dur.Seconds())
		},
	}
}
