// Package metrics exposes Prometheus instrumentation for gateway operations.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "broker_gateway"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation label values recorded by the gateway.
const (
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
	OpPublish    = "publish"
	OpConsume    = "consume"
	OpRemove     = "remove"
)

// Labels holds constant labels applied to all metrics.
// These distinguish metrics from multiple gateway instances.
type Labels struct {
	Environment string // Deployment environment (e.g., "production", "staging")
	Region      string // Cloud region (e.g., "us-east-1")
	Service     string // Consuming service name
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.Service != "" {
		labels["service"] = l.Service
	}
	return labels
}

type Metrics struct {
	// Gateway operation metrics
	operations  *prometheus.CounterVec   // by broker, op, status
	opDuration  *prometheus.HistogramVec // by broker, op
	batchSize   *prometheus.HistogramVec // by broker
	capWarnings *prometheus.CounterVec   // by broker, op
}

// New creates a new Metrics instance and registers all metrics with the
// provided registerer. Returns an error if any registration fails.
// For metrics with constant labels, use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return newMetrics(reg)
}

// NewWithLabels creates a Metrics instance whose metrics all carry the given
// constant labels.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total gateway operations by broker, operation and status",
		}, []string{"broker", "op", "status"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Gateway operation duration in seconds",
			// Buckets cover typical broker round-trips: 1ms through 10s.
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"broker", "op"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "consume_batch_size",
			Help:      "Number of messages returned per consume call",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}, []string{"broker"}),
		capWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "capability_warnings_total",
			Help:      "Total operations accepted as no-ops because the backend cannot support them",
		}, []string{"broker", "op"}),
	}

	err := errors.Join(
		reg.Register(m.operations),
		reg.Register(m.opDuration),
		reg.Register(m.batchSize),
		reg.Register(m.capWarnings),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveOperation records one gateway operation outcome and its duration.
func (m *Metrics) ObserveOperation(broker, op string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	m.operations.WithLabelValues(broker, op, status).Inc()
	m.opDuration.WithLabelValues(broker, op).Observe(d.Seconds())
}

// ObserveBatchSize records the size of a consumed batch.
func (m *Metrics) ObserveBatchSize(broker string, n int) {
	if m == nil {
		return
	}
	m.batchSize.WithLabelValues(broker).Observe(float64(n))
}

// IncCapabilityWarning counts an operation that succeeded as a documented
// no-op because the backend cannot support it.
func (m *Metrics) IncCapabilityWarning(broker, op string) {
	if m == nil {
		return
	}
	m.capWarnings.WithLabelValues(broker, op).Inc()
}
