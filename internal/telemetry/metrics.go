// Package telemetry exposes the control plane's Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the control plane updates. One
// instance is shared by the decision engine, the reconciler, and the
// lifecycle manager.
type Metrics struct {
	Registry *prometheus.Registry

	EventsIngested    prometheus.Counter
	Decisions         *prometheus.CounterVec // outcome label
	ActiveMitigations prometheus.Gauge
	Announces         *prometheus.CounterVec // result label
	Withdraws         *prometheus.CounterVec // result label
	ReconcilerTicks   prometheus.Counter
	ReconcilerSeconds prometheus.Histogram
	QuietPeriodHolds  prometheus.Counter
}

// New builds a fresh registry with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		EventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "prefixd_events_ingested_total",
			Help: "Attack events accepted from detectors.",
		}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prefixd_decisions_total",
			Help: "Decision outcomes by type.",
		}, []string{"outcome"}),
		ActiveMitigations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "prefixd_active_mitigations",
			Help: "Mitigations currently in a non-terminal state in this POP.",
		}),
		Announces: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prefixd_bgp_announces_total",
			Help: "BGP announce attempts by result.",
		}, []string{"result"}),
		Withdraws: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prefixd_bgp_withdraws_total",
			Help: "BGP withdraw attempts by result.",
		}, []string{"result"}),
		ReconcilerTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "prefixd_reconciler_ticks_total",
			Help: "Completed reconciler passes.",
		}),
		ReconcilerSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "prefixd_reconciler_duration_seconds",
			Help:    "Wall time of one reconciler pass.",
			Buckets: prometheus.DefBuckets,
		}),
		QuietPeriodHolds: factory.NewCounter(prometheus.CounterOpts{
			Name: "prefixd_quiet_period_holds_total",
			Help: "Announces deferred or refused by the post-withdraw quiet period.",
		}),
	}
}
