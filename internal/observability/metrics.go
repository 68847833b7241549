package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves Prometheus metrics on a port of its own, away from the
// authenticated API.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer serves the default gatherer at path. Nothing is served when
// the provider has metrics disabled.
func NewMetricsServer(port int, path string, provider *Provider) *MetricsServer {
	mux := http.NewServeMux()
	if provider.MetricsEnabled() {
		mux.Handle(path, promhttp.Handler())
	}

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start blocks serving metrics. It returns http.ErrServerClosed after Shutdown.
func (ms *MetricsServer) Start() error {
	slog.Info("Starting metrics server", "addr", ms.server.Addr)
	return ms.server.ListenAndServe()
}

func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// DecisionMetrics counts admission verdicts per check and result and times
// each decision.
type DecisionMetrics struct {
	decisions *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewDecisionMetrics registers the decision collectors with reg. A nil reg
// uses the default registerer.
func NewDecisionMetrics(reg prometheus.Registerer) *DecisionMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &DecisionMetrics{
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotaengine",
				Name:      "decisions_total",
				Help:      "Admission decisions by check and result.",
			},
			[]string{"check", "result"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "quotaengine",
				Name:      "decision_duration_seconds",
				Help:      "Time taken to reach an admission decision.",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
			},
			[]string{"check"},
		),
	}
}

// ObserveDecision records one verdict.
func (m *DecisionMetrics) ObserveDecision(check, result string, duration time.Duration) {
	m.decisions.WithLabelValues(check, result).Inc()
	m.duration.WithLabelValues(check).Observe(duration.Seconds())
}
