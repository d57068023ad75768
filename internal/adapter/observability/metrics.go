package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of upstream AI requests by provider, operation and HTTP status",
		},
		[]string{"provider", "operation", "status"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "Upstream AI request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
		},
		[]string{"provider", "operation"},
	)

	KeyPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keypool_size",
			Help: "Number of upstream credentials configured",
		},
	)
	KeyPoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keypool_available",
			Help: "Number of upstream credentials not blocked",
		},
	)
	KeyPoolBlockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keypool_blocked_total",
			Help: "Total number of upstream credentials permanently blocked",
		},
	)

	ChatDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_dispatch_total",
			Help: "Chat dispatch outcomes (success or error kind)",
		},
		[]string{"outcome"},
	)
	ChatMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Conversation turns persisted by role",
		},
		[]string{"role"},
	)
	ChatPromptTokens = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_prompt_tokens",
			Help:    "Estimated prompt tokens sent upstream per chat call",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		},
	)
)

var registerOnce sync.Once

// InitMetrics registers all collectors with the default registry. Safe to call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(AIRequestsTotal)
		prometheus.MustRegister(AIRequestDuration)
		prometheus.MustRegister(KeyPoolSize)
		prometheus.MustRegister(KeyPoolAvailable)
		prometheus.MustRegister(KeyPoolBlockedTotal)
		prometheus.MustRegister(ChatDispatchTotal)
		prometheus.MustRegister(ChatMessagesTotal)
		prometheus.MustRegister(ChatPromptTokens)
	})
}

// UnmatchedRoute is the route label for requests no chi route matched.
const UnmatchedRoute = "unmatched"

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Raw paths would make the label set unbounded; unrouted requests share one label.
		route := UnmatchedRoute
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// ObserveAIRequest records one upstream HTTP attempt. status is the HTTP status
// text, or "error" when no response was received.
func ObserveAIRequest(provider, operation, status string, d time.Duration) {
	AIRequestsTotal.WithLabelValues(provider, operation, status).Inc()
	AIRequestDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// SetKeyPool publishes the current pool gauges.
func SetKeyPool(size, available int) {
	KeyPoolSize.Set(float64(size))
	KeyPoolAvailable.Set(float64(available))
}

// KeyBlocked counts a credential transition to blocked and updates the gauge.
func KeyBlocked(available int) {
	KeyPoolBlockedTotal.Inc()
	KeyPoolAvailable.Set(float64(available))
}

// RecordDispatch counts one dispatch outcome ("success" or an error kind).
func RecordDispatch(outcome string) {
	if outcome == "" {
		outcome = "success"
	}
	ChatDispatchTotal.WithLabelValues(outcome).Inc()
}

// RecordChatMessage counts a persisted turn.
func RecordChatMessage(role string) {
	ChatMessagesTotal.WithLabelValues(role).Inc()
}

// ObservePromptTokens records the estimated prompt size of a chat call.
func ObservePromptTokens(n int) {
	if n > 0 {
		ChatPromptTokens.Observe(float64(n))
	}
}
