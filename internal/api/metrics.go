package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/phone-pay/internal/errors"
)

// Metrics holds the Prometheus collectors of one server
type Metrics struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	operations      *prometheus.CounterVec
}

// NewMetrics creates collectors on a fresh registry so that several servers
// can live in one process
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "phonepay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phonepay_operations_total",
				Help: "Domain operations by name and outcome code",
			},
			[]string{"operation", "outcome"},
		),
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordOperation counts a domain operation; a nil error is "ok"
func (m *Metrics) RecordOperation(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = apperrors.CodeOf(err)
		if outcome == "" {
			outcome = apperrors.CodeInternalError
		}
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// Middleware records request duration labelled by route template
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.requestDuration.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}
