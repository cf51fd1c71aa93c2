// Package metrics exposes Prometheus collectors for the scheduler service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors exist from package load so observation never panics; Init
// registers them with the default registry.
var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediagen_jobs_total",
			Help: "Total number of job status transitions, labeled by status.",
		},
		[]string{"status"},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediagen_cache_lookups_total",
			Help: "Cache lookups, labeled by result (hit, hash_hit, miss, bypass).",
		},
		[]string{"result"},
	)

	providerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediagen_provider_calls_total",
			Help: "Provider adapter calls, labeled by provider, call and outcome.",
		},
		[]string{"provider", "call", "outcome"},
	)

	providerCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediagen_provider_call_duration_seconds",
			Help:    "Histogram of provider adapter call latencies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "call"},
	)

	accountInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediagen_account_inflight_jobs",
			Help: "Jobs currently holding a slot on a provider account.",
		},
		[]string{"provider", "account"},
	)

	accountCooldownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediagen_account_cooldowns_total",
			Help: "Times an account entered cooldown.",
		},
		[]string{"provider", "account"},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediagen_active_workers",
			Help: "Number of workers currently dispatching a job.",
		},
	)

	rateLimitDelaysSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediagen_rate_limit_delays_seconds",
			Help:    "Histogram of provider rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	pollLagSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediagen_poll_lag_seconds",
			Help:    "Delay between a job's scheduled poll time and the actual status check.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	once sync.Once
)

// Init registers the collectors with the default Prometheus registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			jobsTotal,
			cacheLookupsTotal,
			providerCallsTotal,
			providerCallDurationSeconds,
			accountInFlight,
			accountCooldownsTotal,
			activeWorkers,
			rateLimitDelaysSeconds,
			pollLagSeconds,
			httpRequestsTotal,
			httpRequestDurationSeconds,
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveCacheLookup records the outcome of a cache lookup.
func ObserveCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveProviderCall records one adapter call.
func ObserveProviderCall(provider, call, outcome string, duration time.Duration) {
	providerCallsTotal.WithLabelValues(provider, call, outcome).Inc()
	providerCallDurationSeconds.WithLabelValues(provider, call).Observe(duration.Seconds())
}

// SetAccountInFlight publishes the current slot usage of an account.
func SetAccountInFlight(provider, account string, n int) {
	accountInFlight.WithLabelValues(provider, account).Set(float64(n))
}

// ObserveAccountCooldown counts an account entering cooldown.
func ObserveAccountCooldown(provider, account string) {
	accountCooldownsTotal.WithLabelValues(provider, account).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a provider rate limit wait.
func ObserveRateLimitDelay(provider string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObservePollLag records how late a status check ran.
func ObservePollLag(provider string, lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	pollLagSeconds.WithLabelValues(provider).Observe(lag.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
