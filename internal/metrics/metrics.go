// Package metrics provides Prometheus instrumentation for the matchmaking
// service: gauges for connections and queue depth, counters for produced
// matches, and histograms for search duration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of push sessions.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchmaking_connections_total",
		Help: "Current number of connected push sessions",
	})

	// ActiveSearches tracks the number of in-flight search lifecycles.
	ActiveSearches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchmaking_active_searches",
		Help: "Current number of active matchmaking searches",
	})

	// QueueSize tracks waiting participants, labeled by round.
	QueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "matchmaking_queue_size",
		Help: "Current number of participants waiting, per round",
	}, []string{"round"})

	// MatchesTotal counts produced matches by type: "live-human" or
	// "human-vs-ai".
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_matches_total",
		Help: "Total number of matches produced",
	}, []string{"match_type"})

	// SearchDuration records the time from start-search to match found.
	SearchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchmaking_search_duration_seconds",
		Help:    "Time from start-search to match found",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 45, 90, 180},
	})

	// LockContention counts pair attempts that yielded to a held lock.
	LockContention = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchmaking_lock_contention_total",
		Help: "Pair attempts skipped because the round lock was held",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveSearches,
		QueueSize,
		MatchesTotal,
		SearchDuration,
		LockContention,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
