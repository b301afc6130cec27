package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "Total number of HTTP requests processed by the sync service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	mergesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_merges_total",
			Help: "Total number of live-feed snapshot merges applied.",
		},
	)
	mergeAmbiguityTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_merge_ambiguity_total",
			Help: "Provisional matches resolved by the time-window heuristic with more than one candidate.",
		},
	)
	provisionalReplacedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_provisional_replaced_total",
			Help: "Provisional messages replaced by their confirmed counterparts.",
		},
	)
	duplicatesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_duplicates_dropped_total",
			Help: "Entries discarded because their id was already present.",
		},
		[]string{"source"},
	)
	retryQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatsync_retry_queue_depth",
			Help: "Messages currently held by the retry queue.",
		},
		[]string{"state"},
	)
	sendAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_send_attempts_total",
			Help: "Message transmission attempts by outcome.",
		},
		[]string{"outcome"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatsync_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	typingActiveParticipants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_typing_active_participants",
			Help: "Participants currently considered typing after TTL filtering.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		mergesTotal,
		mergeAmbiguityTotal,
		provisionalReplacedTotal,
		duplicatesDroppedTotal,
		retryQueueDepth,
		sendAttemptsTotal,
		wsActiveConnections,
		wsEventsTotal,
		typingActiveParticipants,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncMerge() {
	mergesTotal.Inc()
}

func IncMergeAmbiguity() {
	mergeAmbiguityTotal.Inc()
}

func IncProvisionalReplaced() {
	provisionalReplacedTotal.Inc()
}

func IncDuplicateDropped(source string) {
	duplicatesDroppedTotal.WithLabelValues(source).Inc()
}

func SetRetryQueueDepth(state string, n int) {
	retryQueueDepth.WithLabelValues(state).Set(float64(n))
}

func IncSendAttempt(outcome string) {
	sendAttemptsTotal.WithLabelValues(outcome).Inc()
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func SetTypingActive(n int) {
	typingActiveParticipants.Set(float64(n))
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
