// Package metrics exposes the relay's Prometheus counters and gauges for
// admission outcomes, connection and subscription counts. Grounded on
// cuemby-warren's pkg/metrics package (global collector vars registered in
// init, a Handler() for mounting under an HTTP mux), narrowed to this
// relay's admission-pipeline surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsAdmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novarelay_events_admitted_total",
			Help: "Total number of EVENT frames by final admission outcome",
		},
		[]string{"outcome"}, // stored, duplicate, ephemeral, invalid, rate_limited, pow_failed, spam, blocked, error
	)

	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "novarelay_connections_active",
			Help: "Current number of open websocket connections",
		},
	)

	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "novarelay_subscriptions_active",
			Help: "Current number of open subscriptions across all connections",
		},
	)

	QueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "novarelay_store_query_duration_seconds",
			Help:    "Duration of event repository historical queries",
			Buckets: prometheus.DefBuckets,
		},
	)

	ViolationsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novarelay_security_violations_total",
			Help: "Total number of security violations recorded by verdict",
		},
		[]string{"verdict"},
	)
)

func init() {
	prometheus.MustRegister(EventsAdmitted)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(SubscriptionsActive)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(ViolationsRecorded)
}

// Handler returns the Prometheus exposition HTTP handler for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
