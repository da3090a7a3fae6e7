// Package telemetry provides observability primitives for the ccflare proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	FailoverTotal    prometheus.Counter
	RateLimitHits    *prometheus.CounterVec
	TokenRefreshes   *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	AccountAvailable *prometheus.GaugeVec
	WriteQueueDepth  prometheus.Gauge
	WriteQueueDrops  prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "requests_total",
			Help:      "Total number of proxied requests.",
		}, []string{"method", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "ccflare",
			Name:                            "request_duration_seconds",
			Help:                            "Proxied request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccflare",
			Name:      "active_requests",
			Help:      "Number of currently active proxied requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "ccflare",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream attempt duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "upstream_errors_total",
			Help:      "Total upstream attempt errors.",
		}, []string{"provider", "status"}),

		FailoverTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "failover_total",
			Help:      "Total moves to the next failover candidate.",
		}),

		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "ratelimit_hits_total",
			Help:      "Total upstream rate-limit rejections by account.",
		}, []string{"account"}),

		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "token_refreshes_total",
			Help:      "Total OAuth token refresh exchanges.",
		}, []string{"outcome"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		AccountAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ccflare",
			Name:      "account_available",
			Help:      "Account availability: 1 serving, 0 paused or rate limited.",
		}, []string{"account"}),

		WriteQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccflare",
			Name:      "write_queue_depth",
			Help:      "Current number of queued telemetry records.",
		}),

		WriteQueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ccflare",
			Name:      "write_queue_drops_total",
			Help:      "Total telemetry records dropped on queue overflow.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.FailoverTotal,
		m.RateLimitHits,
		m.TokenRefreshes,
		m.TokensProcessed,
		m.AccountAvailable,
		m.WriteQueueDepth,
		m.WriteQueueDrops,
	)

	return m
}

// CountTokens records a request's token usage under the model it ran on.
func (m *Metrics) CountTokens(model string, input, output, cacheRead, cacheCreate int64) {
	if model == "" {
		model = "unknown"
	}
	m.TokensProcessed.WithLabelValues(model, "input").Add(float64(input))
	m.TokensProcessed.WithLabelValues(model, "output").Add(float64(output))
	m.TokensProcessed.WithLabelValues(model, "cache_read").Add(float64(cacheRead))
	m.TokensProcessed.WithLabelValues(model, "cache_creation").Add(float64(cacheCreate))
}
