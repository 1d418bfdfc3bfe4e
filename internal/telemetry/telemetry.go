// Package telemetry is the relay's ambient observability surface: HTTP
// request metrics plus the domain-specific counters the ingress pipeline,
// webhook delivery, federation forwarding, and reputation subsystems feed
// into, grounded on internal/registry/handler/metrics.go's promauto/
// PrometheusMiddleware/MetricsHandler shape.
package telemetry

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uam_relay_requests_total",
		Help: "Total HTTP requests handled by the relay, by method/path/status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "uam_relay_request_duration_seconds",
		Help:    "HTTP request latency in seconds, by method and path.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ingressDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uam_relay_ingress_decisions_total",
		Help: "Ingress pipeline outcomes, by outcome and reject code.",
	}, []string{"outcome", "code"})

	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uam_relay_webhook_deliveries_total",
		Help: "Webhook delivery attempts, by outcome.",
	}, []string{"outcome"})

	federationHopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uam_relay_federation_hops_total",
		Help: "Federation envelope forwards, by direction and outcome.",
	}, []string{"direction", "outcome"})

	reputationTierChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uam_relay_reputation_tier_checks_total",
		Help: "Reputation tier lookups, by tier, tracking the sender population's tier distribution over time.",
	}, []string{"tier"})

	demoSessionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uam_relay_demo_sessions_expired_total",
		Help: "Demo sessions removed by the expiry sweep.",
	})
)

// Middleware records per-request count and latency, mirroring the
// teacher's PrometheusMiddleware.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		c.Next()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// Handler serves the /metrics scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordIngressDecision records one ingress pipeline outcome, "accept" or
// "reject", with its reject code; an empty code is recorded as "none".
func RecordIngressDecision(outcome, code string) {
	if code == "" {
		code = "none"
	}
	ingressDecisionsTotal.WithLabelValues(outcome, code).Inc()
}

// RecordWebhookDelivery records one webhook delivery attempt's outcome:
// "delivered", "retrying", "exhausted", or "breaker_open".
func RecordWebhookDelivery(outcome string) {
	webhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordFederationHop records one federation forward attempt in a given
// direction with its outcome: "delivered" or "error" for "outbound";
// "delivered", "duplicate" or "rejected" for "inbound".
func RecordFederationHop(direction, outcome string) {
	federationHopsTotal.WithLabelValues(direction, outcome).Inc()
}

// RecordReputationTier records one tier lookup, called each time a
// sender's reputation tier is resolved during ingress.
func RecordReputationTier(tier string) {
	reputationTierChecksTotal.WithLabelValues(tier).Inc()
}

// RecordDemoSessionsExpired adds n newly expired-and-removed demo sessions
// to the running total.
func RecordDemoSessionsExpired(n int) {
	if n > 0 {
		demoSessionsExpiredTotal.Add(float64(n))
	}
}
