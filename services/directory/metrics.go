package directory

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry

	cycles         *prometheus.CounterVec
	cyclesSkipped  prometheus.Counter
	cycleDuration  prometheus.Histogram
	fetches        *prometheus.CounterVec
	peers          prometheus.Gauge
	publicPeers    prometheus.Gauge
	evicted        prometheus.Counter
	refreshResults *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerdir",
			Name:      "cycles_total",
			Help:      "Completed update cycles by result.",
		}, []string{"result"}),
		cyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerdir",
			Name:      "cycles_skipped_total",
			Help:      "Cycle triggers dropped because a cycle was already running.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "peerdir",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of an update cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerdir",
			Name:      "bootnode_fetches_total",
			Help:      "admin_peers calls by bootnode and outcome.",
		}, []string{"bootnode", "outcome"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerdir",
			Name:      "directory_peers",
			Help:      "Peers in the stored directory.",
		}),
		publicPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerdir",
			Name:      "directory_public_peers",
			Help:      "Peers in the stored directory flagged as publicly reachable.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerdir",
			Name:      "evicted_peers_total",
			Help:      "Peers evicted from the directory.",
		}),
		refreshResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerdir",
			Name:      "refresh_results_total",
			Help:      "Refresh round trips by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.cycles,
		m.cyclesSkipped,
		m.cycleDuration,
		m.fetches,
		m.peers,
		m.publicPeers,
		m.evicted,
		m.refreshResults,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
