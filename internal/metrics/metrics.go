// Package metrics exposes giftwatch pipeline counters for Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	feedPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftwatch_feed_polls_total",
			Help: "Feed polls by source and result",
		},
		[]string{"source", "result"},
	)

	giftEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftwatch_gift_events_total",
			Help: "Detected gift change events by kind",
		},
		[]string{"kind"},
	)

	filterDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftwatch_filter_decisions_total",
			Help: "Filter decisions by reason (empty reason means accepted)",
		},
		[]string{"reason"},
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftwatch_notifications_enqueued_total",
			Help: "Notifications enqueued by kind",
		},
		[]string{"kind"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftwatch_notifications_processed_total",
			Help: "Send attempts by outcome",
		},
		[]string{"outcome"},
	)

	notificationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "giftwatch_notification_latency_seconds",
			Help:    "Time from enqueue to delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "giftwatch_queue_depth",
			Help: "Jobs currently held by the notification queue",
		},
	)

	rateLimitDeferrals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "giftwatch_rate_limit_deferrals_total",
			Help: "Dispatcher steps deferred by the global send window",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftwatch_ops_requests_total",
			Help: "Ops HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordPoll(source, result string) {
	feedPolls.WithLabelValues(source, result).Inc()
}

func RecordGiftEvent(kind string) {
	giftEvents.WithLabelValues(kind).Inc()
}

func RecordFilterDecision(reason string) {
	filterDecisions.WithLabelValues(reason).Inc()
}

func RecordEnqueued(kind string) {
	notificationsEnqueued.WithLabelValues(kind).Inc()
}

// RecordProcessed records one send attempt outcome (sent, rate_limited, unreachable, transient, failed).
func RecordProcessed(outcome string) {
	notificationsProcessed.WithLabelValues(outcome).Inc()
}

func RecordLatency(d time.Duration) {
	notificationLatency.Observe(d.Seconds())
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

func RecordRateLimitDeferral() {
	rateLimitDeferrals.Inc()
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics for the ops server.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
	})
}
