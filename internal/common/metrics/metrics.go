// Package metrics holds the Prometheus collectors of the vending service.
// Label sets are kept to bounded values: route patterns, outcome names and
// vendor operation names.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquavend_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aquavend_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	vendAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquavend_vend_attempts_total",
			Help: "Vend orchestration outcomes.",
		},
		[]string{"outcome"},
	)

	vendorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aquavend_vendor_request_duration_seconds",
			Help:    "Latency of outbound meter-vendor calls.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"operation", "result"},
	)

	webhookAcks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquavend_webhook_acks_total",
			Help: "Acknowledgments returned to the payment network.",
		},
		[]string{"endpoint", "result_code"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquavend_notifications_total",
			Help: "Customer notifications by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequests, httpDuration, vendAttempts, vendorDuration, webhookAcks, notifications)
}

// Vend outcomes
const (
	OutcomeSuccess      = "success"
	OutcomeReplayed     = "replayed"
	OutcomeRecovered    = "recovered"
	OutcomeFailed       = "failed"
	OutcomeInFlight     = "in_flight"
	OutcomePersistError = "persist_error"
)

// ObserveVend counts one orchestrator outcome.
func ObserveVend(outcome string) {
	vendAttempts.WithLabelValues(outcome).Inc()
}

// ObserveVendor records the latency of one vendor call.
func ObserveVendor(operation string, ok bool, elapsed time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	vendorDuration.WithLabelValues(operation, result).Observe(elapsed.Seconds())
}

// ObserveAck counts a webhook acknowledgment.
func ObserveAck(endpoint string, resultCode int) {
	webhookAcks.WithLabelValues(endpoint, strconv.Itoa(resultCode)).Inc()
}

// ObserveNotification counts one notification attempt.
func ObserveNotification(channel string, ok bool) {
	outcome := "sent"
	if !ok {
		outcome = "failed"
	}
	notifications.WithLabelValues(channel, outcome).Inc()
}

// Middleware instruments requests using the matched chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
