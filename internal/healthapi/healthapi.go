// Package healthapi is the engine's one operator-facing HTTP surface: a
// `/health` JSON endpoint and a `/metrics` Prometheus endpoint. The
// dashboard itself (WebSocket hub, snapshot stream, static file serving)
// is out of scope — this keeps only the plain `net/http.ServeMux` shape
// of the teacher's `internal/api/server.go`, trimmed to the two ambient
// routes a production worker still needs regardless of whether a UI
// exists.
package healthapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"polycopy/internal/book"
)

// Status is the engine's coarse-grained health classification.
type Status string

const (
	StatusOK        Status = "ok"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Reporter is implemented by cmd/worker's wiring to supply the live state
// health/metrics need. Kept as small, separately-satisfiable methods
// (rather than one struct literal) so a worker assembled from many
// independent components can hand healthapi a thin adapter instead of a
// god-object.
type Reporter interface {
	LastEventTime() time.Time
	ChainFeedLive() bool
	BookFeedLive() bool
	BookCacheStats() book.Stats
	QueueDepths(ctx context.Context) (map[string]int, error)
	DBConnected(ctx context.Context) bool
}

// Report is the JSON body served at /health.
type Report struct {
	Status        Status         `json:"status"`
	LastEventTime time.Time      `json:"last_event_time"`
	WSConnected   bool           `json:"ws_connected"`
	BookCache     book.Stats     `json:"book_cache"`
	QueueDepths   map[string]int `json:"queue_depths"`
	DBConnected   bool           `json:"db_connected"`
}

// BuildReport assembles a Report from a live Reporter. Status degrades to
// "degraded" if either feed is down but the DB still answers, and to
// "unhealthy" if the DB itself is unreachable — callers (load balancers,
// orchestrators) care most about whether writes can still land.
func BuildReport(ctx context.Context, r Reporter) Report {
	depths, _ := r.QueueDepths(ctx)
	dbOK := r.DBConnected(ctx)
	wsOK := r.ChainFeedLive() && r.BookFeedLive()

	status := StatusOK
	switch {
	case !dbOK:
		status = StatusUnhealthy
	case !wsOK:
		status = StatusDegraded
	}

	return Report{
		Status:        status,
		LastEventTime: r.LastEventTime(),
		WSConnected:   wsOK,
		BookCache:     r.BookCacheStats(),
		QueueDepths:   depths,
		DBConnected:   dbOK,
	}
}

// Metrics holds the Prometheus collectors healthapi registers and exposes
// at /metrics. cmd/worker's wiring calls the Observe*/Set* methods from
// the relevant loops; healthapi itself never touches engine internals
// beyond what Reporter exposes.
type Metrics struct {
	queueDepth       *prometheus.GaugeVec
	wsConnected      *prometheus.GaugeVec
	decisionLatency  prometheus.Histogram
	decisionsTotal   *prometheus.CounterVec
	settlementsTotal prometheus.Counter
}

// NewMetrics builds and registers the engine's Prometheus collectors
// against reg. Pass prometheus.NewRegistry() in tests to avoid colliding
// with other packages' global registrations.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polycopy_queue_depth",
			Help: "Pending job count per logical queue.",
		}, []string{"queue"}),
		wsConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polycopy_ws_connected",
			Help: "1 if the named upstream WS feed is currently live, else 0.",
		}, []string{"feed"}),
		decisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "polycopy_decision_latency_seconds",
			Help:    "Wall-clock time to evaluate one group through the decision engine.",
			Buckets: prometheus.DefBuckets,
		}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polycopy_decisions_total",
			Help: "Decisions made, by outcome (execute|skip).",
		}, []string{"decision"}),
		settlementsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polycopy_settlements_total",
			Help: "Resolved-asset settlement passes written to the ledger.",
		}),
	}
	reg.MustRegister(m.queueDepth, m.wsConnected, m.decisionLatency, m.decisionsTotal, m.settlementsTotal)
	return m
}

// SetQueueDepth records the pending count for queueName.
func (m *Metrics) SetQueueDepth(queueName string, depth int) {
	m.queueDepth.WithLabelValues(queueName).Set(float64(depth))
}

// SetWSConnected records whether feedName is currently live.
func (m *Metrics) SetWSConnected(feedName string, live bool) {
	v := 0.0
	if live {
		v = 1.0
	}
	m.wsConnected.WithLabelValues(feedName).Set(v)
}

// ObserveDecisionLatency records how long one Evaluate call took.
func (m *Metrics) ObserveDecisionLatency(d time.Duration) {
	m.decisionLatency.Observe(d.Seconds())
}

// IncDecision increments the decisions_total counter for outcome ("execute"
// or "skip").
func (m *Metrics) IncDecision(outcome string) {
	m.decisionsTotal.WithLabelValues(outcome).Inc()
}

// IncSettlement increments the settlements_total counter.
func (m *Metrics) IncSettlement() {
	m.settlementsTotal.Inc()
}

// Server is the minimal HTTP surface: /health and /metrics.
type Server struct {
	reporter Reporter
	registry *prometheus.Registry
	server   *http.Server
}

// NewServer builds a Server listening on addr (e.g. ":8080"). registry may
// be nil to use prometheus's default global registry.
func NewServer(addr string, reporter Reporter, registry *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	s := &Server{reporter: reporter, registry: registry}

	mux.HandleFunc("/health", s.handleHealth)
	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := BuildReport(r.Context(), s.reporter)

	w.Header().Set("Content-Type", "application/json")
	switch report.Status {
	case StatusUnhealthy:
		w.WriteHeader(http.StatusServiceUnavailable)
	case StatusDegraded:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(report)
}

// Start runs the server until it errors or is stopped via Stop.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
