// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_request_duration_seconds{provider}
	requestDuration *prometheus.HistogramVec

	// gateway_attempts_total{provider,outcome}
	attemptsTotal *prometheus.CounterVec

	// gateway_attempt_duration_seconds{provider,outcome}
	attemptDuration *prometheus.HistogramVec

	// gateway_queue_depth{provider}
	queueDepth *prometheus.GaugeVec

	// gateway_submit_rejected_total{provider,reason}
	submitRejected *prometheus.CounterVec

	// gateway_worker_retries_total{provider}
	workerRetries *prometheus.CounterVec

	// gateway_fallback_events_total{primary,to,reason}
	fallbackEvents *prometheus.CounterVec

	// gateway_chain_exhausted_total{primary}
	chainExhausted *prometheus.CounterVec

	// gateway_plugin_rejects_total{plugin}
	pluginRejects *prometheus.CounterVec

	// gateway_plugin_short_circuits_total{plugin}
	pluginShortCircuits *prometheus.CounterVec

	// gateway_tool_rounds — rounds per request
	toolRounds prometheus.Histogram

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// gateway_errors_total{provider,kind}
	errorsTotal *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "End-to-end HTTP request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Engine request duration by serving provider",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),

		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_attempts_total",
				Help: "Dispatch attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_attempt_duration_seconds",
				Help:    "Single attempt duration inside a worker",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "outcome"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_queue_depth",
				Help: "Jobs currently queued per provider pool",
			},
			[]string{"provider"},
		),

		submitRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_submit_rejected_total",
				Help: "Jobs rejected at submission",
			},
			[]string{"provider", "reason"},
		),

		workerRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_worker_retries_total",
				Help: "In-worker retries of retryable upstream failures",
			},
			[]string{"provider"},
		),

		fallbackEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fallback_events_total",
				Help: "Fallback transitions after a failed attempt",
			},
			[]string{"primary", "to", "reason"},
		),

		chainExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_chain_exhausted_total",
				Help: "Requests whose whole fallback chain failed",
			},
			[]string{"primary"},
		),

		pluginRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_plugin_rejects_total",
				Help: "Requests rejected by a plugin pre hook",
			},
			[]string{"plugin"},
		),

		pluginShortCircuits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_plugin_short_circuits_total",
				Help: "Requests short-circuited by a plugin pre hook",
			},
			[]string{"plugin"},
		),

		toolRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_tool_rounds",
			Help:    "Tool execution rounds per request",
			Buckets: []float64{0, 1, 2, 3, 4, 6, 8},
		}),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage by provider and direction",
			},
			[]string{"provider", "direction"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limiter decisions",
			},
			[]string{"result"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Cache plugin operations",
			},
			[]string{"op", "result"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_errors_total",
				Help: "Structured errors by provider and kind",
			},
			[]string{"provider", "kind"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestDuration,
		r.attemptsTotal,
		r.attemptDuration,
		r.queueDepth,
		r.submitRejected,
		r.workerRetries,
		r.fallbackEvents,
		r.chainExhausted,
		r.pluginRejects,
		r.pluginShortCircuits,
		r.toolRounds,
		r.tokensTotal,
		r.rateLimitTotal,
		r.cacheOps,
		r.errorsTotal,
		r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (r *Registry) ObserveRequest(provider string, dur time.Duration) {
	r.requestDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

func (r *Registry) ObserveAttempt(provider, outcome string, dur time.Duration) {
	r.attemptsTotal.WithLabelValues(provider, outcome).Inc()
	r.attemptDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) SetQueueDepth(provider string, n int) {
	r.queueDepth.WithLabelValues(provider).Set(float64(n))
}

func (r *Registry) RecordSubmitRejected(provider, reason string) {
	r.submitRejected.WithLabelValues(provider, reason).Inc()
}

func (r *Registry) RecordWorkerRetry(provider string) {
	r.workerRetries.WithLabelValues(provider).Inc()
}

func (r *Registry) RecordFallback(primary, to, reason string) {
	r.fallbackEvents.WithLabelValues(primary, to, reason).Inc()
}

func (r *Registry) RecordChainExhausted(primary string) {
	r.chainExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordPluginReject(plugin string) {
	r.pluginRejects.WithLabelValues(plugin).Inc()
}

func (r *Registry) RecordPluginShortCircuit(plugin string) {
	r.pluginShortCircuits.WithLabelValues(plugin).Inc()
}

func (r *Registry) ObserveToolRounds(n int) {
	r.toolRounds.Observe(float64(n))
}

func (r *Registry) AddTokens(provider string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) CacheGetHit()    { r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheGetMiss()   { r.cacheOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) CacheGetBypass() { r.cacheOps.WithLabelValues("get", "bypass").Inc() }
func (r *Registry) CacheSetOK()     { r.cacheOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) CacheSetError()  { r.cacheOps.WithLabelValues("set", "error").Inc() }

func (r *Registry) RecordError(provider, kind string) {
	r.errorsTotal.WithLabelValues(provider, kind).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// Handler returns the fasthttp handler serving GET /metrics.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// PromRegistry exposes the underlying registry for tests.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
