package observability

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Namespace prefixes every metric exported by lendingd.
const Namespace = "lendpool"

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and route.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
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

// Observe records the outcome of a request. The status code should be the HTTP
// status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" or "busy".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// LendingMetrics tracks engine operations and pool aggregates. Operation
// counts and latencies are also exported through the OpenTelemetry meter.
type LendingMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	deposits     *prometheus.GaugeVec
	borrows      *prometheus.GaugeVec
	liquidations *prometheus.CounterVec

	operationCounter metric.Int64Counter
	latencyHistogram metric.Float64Histogram
}

// Lending returns the singleton lending metrics registry.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Count of lending operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "lending",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for lending operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			deposits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "lending",
				Name:      "pool_total_deposits",
				Help:      "Total deposits per pool in base units.",
			}, []string{"pool", "asset"}),
			borrows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "lending",
				Name:      "pool_total_borrows",
				Help:      "Outstanding principal per pool in base units.",
			}, []string{"pool", "asset"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "lending",
				Name:      "liquidations_total",
				Help:      "Count of liquidation payments segmented by resulting loan status.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.latency,
			lendingRegistry.deposits,
			lendingRegistry.borrows,
			lendingRegistry.liquidations,
		)
		lendingRegistry.initMeter()
	})
	return lendingRegistry
}

func (m *LendingMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("lendpool/lending")
	counter, err := meter.Int64Counter("lendpool.lending.operations")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("lendpool/lending")
		counter, _ = meter.Int64Counter("lendpool.lending.operations")
	}
	latency, err := meter.Float64Histogram("lendpool.lending.duration_ms")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("lendpool/lending")
		latency, _ = meter.Float64Histogram("lendpool.lending.duration_ms")
	}
	m.operationCounter = counter
	m.latencyHistogram = latency
}

// ObserveOperation records the outcome and duration of an engine call.
func (m *LendingMetrics) ObserveOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
	attrs := metric.WithAttributes(attribute.String("operation", operation), attribute.String("outcome", outcome))
	if m.operationCounter != nil {
		m.operationCounter.Add(context.Background(), 1, attrs)
	}
	if m.latencyHistogram != nil {
		m.latencyHistogram.Record(context.Background(), float64(duration)/float64(time.Millisecond), attrs)
	}
}

// SetPoolTotals publishes a pool's aggregates. Values beyond float64 precision
// are reported approximately.
func (m *LendingMetrics) SetPoolTotals(poolID, asset string, deposits, borrows uint64) {
	if m == nil {
		return
	}
	asset = strings.ToUpper(strings.TrimSpace(asset))
	m.deposits.WithLabelValues(poolID, asset).Set(float64(deposits))
	m.borrows.WithLabelValues(poolID, asset).Set(float64(borrows))
}

// RecordLiquidation increments the liquidation counter.
func (m *LendingMetrics) RecordLiquidation(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.liquidations.WithLabelValues(status).Inc()
}
