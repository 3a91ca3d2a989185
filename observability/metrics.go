package observability

import (
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "escrowchain"

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

type hostMetrics struct {
	messages    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	deployments *prometheus.CounterVec
}

type factoryMetrics struct {
	created   prometheus.Counter
	registry  prometheus.Gauge
	proxied   *prometheus.CounterVec
	forwarded *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	hostMetricsOnce sync.Once
	hostRegistry    *hostMetrics

	factoryMetricsOnce sync.Once
	factoryRegistry    *factoryMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record
// JSON-RPC activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by module, method and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by module, method and error code.",
			}, []string{"module", "method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a JSON-RPC request. code is zero for
// successful calls and the JSON-RPC error code otherwise.
func (m *moduleMetrics) Observe(module, method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	module = labelOrUnknown(module)
	method = labelOrUnknown(method)
	outcome := "success"
	if code != 0 {
		outcome = "error"
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", code)).Inc()
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(labelOrUnknown(module), reason).Inc()
}

// HostMetrics returns the registry tracking message dispatch.
func HostMetrics() *hostMetrics {
	hostMetricsOnce.Do(func() {
		hostRegistry = &hostMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "host",
				Name:      "messages_total",
				Help:      "Messages handled by programs segmented by code and outcome.",
			}, []string{"code", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "host",
				Name:      "message_duration_seconds",
				Help:      "Wall-clock time spent handling a message, awaits included.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"code"}),
			deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "host",
				Name:      "deployments_total",
				Help:      "Program deployments segmented by code and outcome.",
			}, []string{"code", "outcome"}),
		}
		prometheus.MustRegister(hostRegistry.messages, hostRegistry.latency, hostRegistry.deployments)
	})
	return hostRegistry
}

// ObserveMessage records a handled message.
func (m *hostMetrics) ObserveMessage(code, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	code = labelOrUnknown(code)
	m.messages.WithLabelValues(code, labelOrUnknown(outcome)).Inc()
	m.latency.WithLabelValues(code).Observe(duration.Seconds())
}

// RecordDeployment counts a deployment attempt.
func (m *hostMetrics) RecordDeployment(code, outcome string) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(labelOrUnknown(code), labelOrUnknown(outcome)).Inc()
}

// FactoryMetrics returns the registry tracking escrow factory activity.
func FactoryMetrics() *factoryMetrics {
	factoryMetricsOnce.Do(func() {
		factoryRegistry = &factoryMetrics{
			created: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "factory",
				Name:      "escrows_created_total",
				Help:      "Escrow instances deployed by the factory.",
			}),
			registry: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "factory",
				Name:      "registry_size",
				Help:      "Number of escrows currently tracked by the factory registry.",
			}),
			proxied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "factory",
				Name:      "proxied_calls_total",
				Help:      "Calls forwarded to escrow instances segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "factory",
				Name:      "forwarded_value_total",
				Help:      "Native value forwarded to escrow instances by action.",
			}, []string{"action"}),
		}
		prometheus.MustRegister(factoryRegistry.created, factoryRegistry.registry, factoryRegistry.proxied, factoryRegistry.forwarded)
	})
	return factoryRegistry
}

// RecordCreated counts a new escrow and updates the registry size.
func (m *factoryMetrics) RecordCreated(registrySize int) {
	if m == nil {
		return
	}
	m.created.Inc()
	m.registry.Set(float64(registrySize))
}

// SetRegistrySize reports the registry size, typically after a restore.
func (m *factoryMetrics) SetRegistrySize(size int) {
	if m == nil {
		return
	}
	m.registry.Set(float64(size))
}

// RecordProxy counts a forwarded call and the value that accompanied it.
func (m *factoryMetrics) RecordProxy(action string, err error, value *big.Int) {
	if m == nil {
		return
	}
	action = labelOrUnknown(action)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.proxied.WithLabelValues(action, outcome).Inc()
	if err == nil {
		if v := bigToFloat(value); v > 0 {
			m.forwarded.WithLabelValues(action).Add(v)
		}
	}
}

func labelOrUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
