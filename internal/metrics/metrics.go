package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Callout results
const (
	ResultOK          = "ok"
	ResultError       = "error"
	ResultRejected    = "breaker_open"
	ResultRateLimited = "rate_limited"
	ResultUnresolved  = "unresolved"
)

// Collector holds the gateway host's Prometheus collectors. Each collector
// owns its registry so several gateways can run in one process.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	phaseActions    *prometheus.CounterVec
	calloutsTotal   *prometheus.CounterVec
	calloutDuration *prometheus.HistogramVec
	pendingCallouts prometheus.Gauge
	pluginReloads   *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
}

// NewCollector creates and registers the gateway collectors
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filterkit_requests_total",
				Help: "Requests served by the gateway host",
			},
			[]string{"route", "code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "filterkit_request_duration_seconds",
				Help:    "End to end request latency including filter phases",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		phaseActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filterkit_phase_actions_total",
				Help: "Actions returned by filter phase hooks",
			},
			[]string{"phase", "action"},
		),
		calloutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filterkit_callouts_total",
				Help: "Outbound calls dispatched on behalf of the filter",
			},
			[]string{"cluster", "result"},
		),
		calloutDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "filterkit_callout_duration_seconds",
				Help:    "Outbound call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"cluster"},
		),
		pendingCallouts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "filterkit_callouts_pending",
				Help: "Outbound calls awaiting a response",
			},
		),
		pluginReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filterkit_plugin_loads_total",
				Help: "Plugin configuration loads by result",
			},
			[]string{"result"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "filterkit_cluster_breaker_state",
				Help: "Per cluster breaker state: 0=closed, 1=half_open, 2=open",
			},
			[]string{"cluster"},
		),
	}
	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.phaseActions,
		c.calloutsTotal,
		c.calloutDuration,
		c.pendingCallouts,
		c.pluginReloads,
		c.breakerState,
	)
	return c
}

// Registry returns the collector's registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(route string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordPhase records the action a phase hook returned
func (c *Collector) RecordPhase(phase, action string) {
	c.phaseActions.WithLabelValues(phase, action).Inc()
}

// RecordCallout records the outcome of an outbound call
func (c *Collector) RecordCallout(cluster, result string, duration time.Duration) {
	c.calloutsTotal.WithLabelValues(cluster, result).Inc()
	if result == ResultOK || result == ResultError {
		c.calloutDuration.WithLabelValues(cluster).Observe(duration.Seconds())
	}
}

// SetPendingCallouts sets the number of outstanding calls
func (c *Collector) SetPendingCallouts(n int) {
	c.pendingCallouts.Set(float64(n))
}

// RecordPluginLoad records a plugin start or reload
func (c *Collector) RecordPluginLoad(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.pluginReloads.WithLabelValues(result).Inc()
}

// SetBreakerState records a cluster breaker state (0=closed, 1=half_open, 2=open)
func (c *Collector) SetBreakerState(cluster string, state int) {
	c.breakerState.WithLabelValues(cluster).Set(float64(state))
}
