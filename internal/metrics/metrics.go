// Package metrics exposes Prometheus collectors for delivery, routing and ingest.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	routes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshalert_routes_total",
			Help: "Routed messages by policy and result.",
		},
		[]string{"policy", "result"},
	)
	transportSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshalert_transport_sends_total",
			Help: "Send attempts by transport and result.",
		},
		[]string{"transport", "result"},
	)
	transportSendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshalert_transport_send_duration_seconds",
			Help:    "Send latency by transport in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)
	transportHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshalert_transport_health_score",
			Help: "Connection manager health score (0-100).",
		},
		[]string{"transport"},
	)
	transportActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshalert_transport_active",
			Help: "1 when transport is in active set.",
		},
		[]string{"transport"},
	)
	failovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshalert_failovers_total",
			Help: "Primary transport changes.",
		},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshalert_queue_depth",
			Help: "Queued messages by lane.",
		},
		[]string{"lane"},
	)
	queueDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshalert_queue_dropped_total",
			Help: "Messages rejected at queue capacity.",
		},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshalert_deliveries_total",
			Help: "Finalized deliveries by outcome.",
		},
		[]string{"outcome"},
	)
	ingested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshalert_ingest_alerts_total",
			Help: "Ingested alert requests by source and result.",
		},
		[]string{"source", "result"},
	)
	deadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshalert_ingest_dead_letters_total",
			Help: "Ingest messages moved to the dead-letter subject by reason.",
		},
		[]string{"reason"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshalert_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshalert_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

var registerOnce sync.Once

// Register adds collectors to default registry; repeated calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			routes, transportSends, transportSendLatency, transportHealth, transportActive,
			failovers, queueDepth, queueDropped, deliveries, ingested, deadLettered, httpRequests, httpLatency,
		)
	})
}

// Handler returns Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps handler with request count and latency metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

// ObserveRoute counts one routed message.
func ObserveRoute(policy string, delivered bool) {
	routes.WithLabelValues(policy, result(delivered)).Inc()
}

// ObserveSend counts one transport attempt and its latency.
func ObserveSend(transport string, success bool, d time.Duration) {
	transportSends.WithLabelValues(transport, result(success)).Inc()
	transportSendLatency.WithLabelValues(transport).Observe(d.Seconds())
}

// SetTransportHealth publishes connection manager health.
func SetTransportHealth(transport string, score float64, active bool) {
	transportHealth.WithLabelValues(transport).Set(score)
	value := 0.0
	if active {
		value = 1
	}
	transportActive.WithLabelValues(transport).Set(value)
}

// IncFailover counts one primary change.
func IncFailover() {
	failovers.Inc()
}

// SetQueueDepth publishes queue lane depth.
func SetQueueDepth(lane string, depth int) {
	queueDepth.WithLabelValues(lane).Set(float64(depth))
}

// IncQueueDropped counts one rejected message.
func IncQueueDropped() {
	queueDropped.Inc()
}

// IncDelivery counts one finalized delivery.
func IncDelivery(outcome string) {
	deliveries.WithLabelValues(outcome).Inc()
}

// IncIngest counts one ingested alert request.
func IncIngest(source string, accepted bool) {
	label := "accepted"
	if !accepted {
		label = "rejected"
	}
	ingested.WithLabelValues(source, label).Inc()
}

// IncIngestDeadLetter counts one dead-lettered ingest message.
func IncIngestDeadLetter(reason string) {
	deadLettered.WithLabelValues(reason).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
