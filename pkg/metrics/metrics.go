// Package metrics exposes Prometheus collectors for the dispatch,
// relay, search, and neighborhood engines. A nil *Metrics is valid and
// every method is a no-op on it, so callers running with
// cfg.Metrics.Enabled false pay no collection overhead.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors registered against one Prometheus
// registry. Use New to build a live instance, or pass a nil *Metrics
// when cfg.Metrics.Enabled is false.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	neighborhoodActionsTotal *prometheus.CounterVec
	neighborhoodActionQueue  prometheus.Gauge
	neighborhoodNeighbors    prometheus.Gauge
	neighborhoodFollowers    prometheus.Gauge

	relayActiveCalls *prometheus.GaugeVec

	searchQueryDuration *prometheus.HistogramVec
}

// New registers a fresh set of collectors against their own registry,
// the way the teacher's pkg/metrics/prometheus constructors do, so
// tests can build independent instances without touching the default
// global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return &Metrics{
		registry: reg,
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "profileserver_requests_total",
				Help: "Total dispatched wire protocol requests by type, role, and outcome status",
			},
			[]string{"request_type", "role", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "profileserver_request_duration_seconds",
				Help:    "Dispatch handler latency by request type",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"request_type"},
		),
		neighborhoodActionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "profileserver_neighborhood_actions_total",
				Help: "Completed NeighborhoodAction runs by type and outcome",
			},
			[]string{"action_type", "outcome"},
		),
		neighborhoodActionQueue: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "profileserver_neighborhood_action_queue_depth",
				Help: "Number of pending NeighborhoodAction rows",
			},
		),
		neighborhoodNeighbors: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "profileserver_neighbors",
				Help: "Number of configured neighbor servers",
			},
		),
		neighborhoodFollowers: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "profileserver_followers",
				Help: "Number of servers following this node's profiles",
			},
		),
		relayActiveCalls: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "profileserver_relay_active_calls",
				Help: "Currently open relay conversations by state",
			},
			[]string{"state"},
		),
		searchQueryDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "profileserver_search_query_duration_seconds",
				Help:    "ProfileSearch query latency by search kind",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
	}
}

// Handler returns the HTTP handler serving this instance's registry in
// the Prometheus exposition format, for pkg/adminapi to mount at
// /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records one completed Dispatch call.
func (m *Metrics) RecordRequest(requestType, role, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(requestType, role, status).Inc()
	m.requestDuration.WithLabelValues(requestType).Observe(duration.Seconds())
}

// RecordNeighborhoodAction records one completed action-queue run.
func (m *Metrics) RecordNeighborhoodAction(actionType, outcome string) {
	if m == nil {
		return
	}
	m.neighborhoodActionsTotal.WithLabelValues(actionType, outcome).Inc()
}

// SetNeighborhoodGauges snapshots queue depth and peer counts, called
// periodically from the composition root rather than threaded through
// every store call that touches these tables.
func (m *Metrics) SetNeighborhoodGauges(queueDepth, neighbors, followers int64) {
	if m == nil {
		return
	}
	m.neighborhoodActionQueue.Set(float64(queueDepth))
	m.neighborhoodNeighbors.Set(float64(neighbors))
	m.neighborhoodFollowers.Set(float64(followers))
}

// SetRelayActiveCalls snapshots the relay engine's open-conversation
// count by state.
func (m *Metrics) SetRelayActiveCalls(state string, count int) {
	if m == nil {
		return
	}
	m.relayActiveCalls.WithLabelValues(state).Set(float64(count))
}

// RecordSearchQuery records one ProfileSearch/ProfileSearchPart call.
func (m *Metrics) RecordSearchQuery(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.searchQueryDuration.WithLabelValues(kind).Observe(duration.Seconds())
}
