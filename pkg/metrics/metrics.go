// Package metrics holds the Prometheus instrumentation for TDF operations
// and key access server calls. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation labels.
const (
	OperationEncrypt = "encrypt"
	OperationDecrypt = "decrypt"

	KASOperationPublicKey = "public_key"
	KASOperationUnwrap    = "unwrap"

	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultCacheHit = "cache_hit"
)

// Metrics holds all codec metrics.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationErrors   *prometheus.CounterVec
	operationBytes    *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	kasRequests       *prometheus.CounterVec
	segmentsTotal     *prometheus.CounterVec
}

// NewMetrics registers the codec metrics with reg, or with the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tdf_operations_total",
				Help: "Total number of TDF encrypt/decrypt operations",
			},
			[]string{"operation"},
		),
		operationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tdf_operation_errors_total",
				Help: "Total number of failed TDF operations",
			},
			[]string{"operation", "error_type"},
		),
		operationBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tdf_bytes_total",
				Help: "Total plaintext bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tdf_operation_duration_seconds",
				Help:    "TDF operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"operation"},
		),
		kasRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tdf_kas_requests_total",
				Help: "Total number of key access server requests",
			},
			[]string{"operation", "result"},
		),
		segmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tdf_segments_total",
				Help: "Total number of payload segments processed",
			},
			[]string{"operation"},
		),
	}
}

// RecordOperation records a completed encrypt or decrypt.
func (m *Metrics) RecordOperation(operation string, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.operationBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordError records a failed operation.
func (m *Metrics) RecordError(operation, errorType string) {
	if m == nil {
		return
	}
	m.operationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordSegment counts one processed payload segment.
func (m *Metrics) RecordSegment(operation string) {
	if m == nil {
		return
	}
	m.segmentsTotal.WithLabelValues(operation).Inc()
}

// RecordKASRequest records the outcome of a key access server call.
func (m *Metrics) RecordKASRequest(operation, result string) {
	if m == nil {
		return
	}
	m.kasRequests.WithLabelValues(operation, result).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint of the given
// gatherer, or of the default gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
