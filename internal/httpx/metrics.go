package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// latency buckets stretch to 30s because several handlers block on CLI
// invocations with 10-20s timeouts
var latencyBuckets = []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30}

// routerMetrics instruments the HTTP surface and the session flows that
// sit in front of it.
type routerMetrics struct {
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
	loginAttempts  *prometheus.CounterVec
	attachSessions *prometheus.CounterVec
}

func newRouterMetrics() *routerMetrics {
	return &routerMetrics{
		requestTotal: registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dockhand",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})),
		requestLatency: registerHistogramVec(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dockhand",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers, CLI-backed ones included",
			Buckets:   latencyBuckets,
		}, []string{"method", "route", "status"})),
		rateLimitHits: registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dockhand",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "scope"})),
		loginAttempts: registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dockhand",
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome",
		}, []string{"result"})),
		attachSessions: registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dockhand",
			Subsystem: "pty",
			Name:      "attach_sessions_total",
			Help:      "Accepted attach sessions by action",
		}, []string{"action"})),
	}
}

// registerCounterVec registers the collector, reusing an existing
// registration when tests build several routers in one process.
func registerCounterVec(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogramVec(h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := prometheus.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

func (m *routerMetrics) observeRequest(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

func (m *routerMetrics) observeRateLimited(route, scope string) {
	m.rateLimitHits.With(prometheus.Labels{"route": route, "scope": scope}).Inc()
}

func (m *routerMetrics) observeLogin(result string) {
	m.loginAttempts.With(prometheus.Labels{"result": result}).Inc()
}

func (m *routerMetrics) observeAttach(action string) {
	if action == "" {
		action = "exec"
	}
	m.attachSessions.With(prometheus.Labels{"action": action}).Inc()
}
