// Package metrics exposes Prometheus collectors for the DriveGate service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarkoPoloResearchLab/drivegate/internal/drive"
)

const (
	GateOutcomeAllowed  = "allowed"
	GateOutcomeBypassed = "bypassed"
	GateOutcomeDenied   = "denied"

	unmatchedRoute = "unmatched"
)

// Recorder owns a private registry and every collector the service reports.
type Recorder struct {
	registry                   *prometheus.Registry
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	driveListingsTotal         *prometheus.CounterVec
	driveFetchDurationSeconds  *prometheus.HistogramVec
	driveUpstreamErrorsTotal   *prometheus.CounterVec
	driveGateDecisionsTotal    *prometheus.CounterVec
	driveRateLimitedTotal      prometheus.Counter
}

// NewRecorder registers the collectors, including the Go runtime and process collectors.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		),
		httpRequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
		driveListingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drivegate_drive_listings_total",
				Help: "Total number of upstream Drive listings, labeled by the strategy that produced them.",
			},
			[]string{"source"},
		),
		driveFetchDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "drivegate_drive_fetch_duration_seconds",
				Help:    "Histogram of upstream Drive listing fetch durations, labeled by source.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"source"},
		),
		driveUpstreamErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drivegate_drive_upstream_errors_total",
				Help: "Total number of failed worker calls, labeled by stage.",
			},
			[]string{"stage"},
		),
		driveGateDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drivegate_drive_gate_decisions_total",
				Help: "Total number of subscription gate decisions, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		driveRateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "drivegate_drive_rate_limited_total",
				Help: "Total number of Drive requests rejected by the per-user rate limiter.",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (recorder *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(recorder.registry, promhttp.HandlerOpts{Registry: recorder.registry})
}

// Registry exposes the underlying registry for additional collectors.
func (recorder *Recorder) Registry() *prometheus.Registry {
	return recorder.registry
}

// RegisterGauge adds a gauge whose value is read on every scrape.
func (recorder *Recorder) RegisterGauge(name string, help string, value func() float64) {
	promauto.With(recorder.registry).NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, value)
}

// Middleware records request counts and latencies by matched route.
func (recorder *Recorder) Middleware() gin.HandlerFunc {
	return func(context *gin.Context) {
		startedAt := time.Now()
		context.Next()
		route := context.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		recorder.ObserveHTTPRequest(context.Request.Method, route, context.Writer.Status(), time.Since(startedAt))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (recorder *Recorder) ObserveHTTPRequest(method string, route string, code int, duration time.Duration) {
	recorder.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	recorder.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveListing implements drive.ListingObserver.
func (recorder *Recorder) ObserveListing(source drive.Source, duration time.Duration) {
	recorder.driveListingsTotal.WithLabelValues(string(source)).Inc()
	recorder.driveFetchDurationSeconds.WithLabelValues(string(source)).Observe(duration.Seconds())
}

// ObserveUpstreamError implements drive.ListingObserver.
func (recorder *Recorder) ObserveUpstreamError(stage string) {
	recorder.driveUpstreamErrorsTotal.WithLabelValues(stage).Inc()
}

// ObserveGateDecision counts one subscription gate outcome.
func (recorder *Recorder) ObserveGateDecision(outcome string) {
	recorder.driveGateDecisionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimited counts one rejected Drive request.
func (recorder *Recorder) ObserveRateLimited() {
	recorder.driveRateLimitedTotal.Inc()
}
