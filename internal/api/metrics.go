package api

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xiaopang/aiswitch/internal/model"
	"github.com/xiaopang/aiswitch/internal/usage"
)

// 指标名称
const (
	metricRequestsTotal   = "aiswitch_proxy_requests_total"
	metricRequestDuration = "aiswitch_proxy_request_duration_seconds"
	metricUpstreamErrors  = "aiswitch_proxy_upstream_errors_total"
	metricTokensTotal     = "aiswitch_proxy_tokens_total"
)

var (
	proxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricRequestsTotal,
			Help: "Forwarded requests by app and upstream status code",
		},
		[]string{"app", "code"},
	)
	proxyRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    metricRequestDuration,
			Help:    "Time from receiving a request to the end of the upstream response (seconds)",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"app", "stream"},
	)
	proxyUpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricUpstreamErrors,
			Help: "Transport failures talking to the upstream vendor",
		},
		[]string{"app"},
	)
	proxyTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricTokensTotal,
			Help: "Tokens reported by upstream responses",
		},
		[]string{"app", "kind"},
	)
)

func observeResponse(app model.AppType, code int) {
	proxyRequestsTotal.WithLabelValues(string(app), strconv.Itoa(code)).Inc()
}

func observeDuration(app model.AppType, stream bool, d time.Duration) {
	proxyRequestDuration.WithLabelValues(string(app), strconv.FormatBool(stream)).Observe(d.Seconds())
}

func observeUpstreamError(app model.AppType) {
	proxyUpstreamErrors.WithLabelValues(string(app)).Inc()
}

func observeTokens(app model.AppType, u usage.TokenUsage) {
	a := string(app)
	proxyTokensTotal.WithLabelValues(a, "input").Add(float64(u.InputTokens))
	proxyTokensTotal.WithLabelValues(a, "output").Add(float64(u.OutputTokens))
	proxyTokensTotal.WithLabelValues(a, "cache_read").Add(float64(u.CacheReadTokens))
	proxyTokensTotal.WithLabelValues(a, "cache_creation").Add(float64(u.CacheCreationTokens))
}
