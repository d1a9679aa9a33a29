// Package metrics owns the Prometheus registry for the service. The registry is
// created per process and injected, never registered globally.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fulfillment"

// Registry exposes typed recorders over one prometheus.Registry.
type Registry struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	ordersReceived   *prometheus.CounterVec
	stageOutcomes    *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	verifications    *prometheus.CounterVec
	requeued         prometheus.Counter
	breakerState     *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry.
func New() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		ordersReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_received_total",
			Help:      "Payment completion events by intake result.",
		}, []string{"result"}),
		stageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_outcomes_total",
			Help:      "Fulfillment stage outcomes.",
		}, []string{"stage", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Customer mails handed to the transport.",
		}, []string{"kind"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of calls to external providers.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}, []string{"provider", "operation", "outcome"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_verifications_total",
			Help:      "Inbound authentication checks.",
		}, []string{"kind", "result", "reason"}),
		requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_requeued_total",
			Help:      "Pending orders re-enqueued by the reconciliation sweep.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "1 while the provider circuit breaker is open or half open.",
		}, []string{"provider"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests, r.httpDuration, r.ordersReceived, r.stageOutcomes,
		r.notifications, r.providerDuration, r.verifications, r.requeued, r.breakerState,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Gatherer exposes the registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.registry }

func (r *Registry) ObserveHTTPRequest(route, method string, status int, elapsed time.Duration) {
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (r *Registry) OrderReceived(result string) {
	r.ordersReceived.WithLabelValues(result).Inc()
}

func (r *Registry) StageCompleted(stage, outcome string) {
	r.stageOutcomes.WithLabelValues(stage, outcome).Inc()
}

func (r *Registry) NotificationSent(kind string) {
	r.notifications.WithLabelValues(kind).Inc()
}

func (r *Registry) OrdersRequeued(n int) {
	r.requeued.Add(float64(n))
}

func (r *Registry) ObserveProviderCall(provider, operation string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.providerDuration.WithLabelValues(provider, operation, outcome).Observe(elapsed.Seconds())
}

// BreakerStateChanged records whether the provider breaker lets traffic through.
func (r *Registry) BreakerStateChanged(provider string, open bool) {
	value := 0.0
	if open {
		value = 1
	}
	r.breakerState.WithLabelValues(provider).Set(value)
}

// RecordVerification satisfies auth.MetricsRecorder.
func (r *Registry) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	r.verifications.WithLabelValues(kind, result, reason).Inc()
}
