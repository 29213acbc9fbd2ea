// Package monitoring exposes Prometheus metrics for the reporter pipeline.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the label on SpansDropped.
const (
	DropReasonFormat = "format"
	DropReasonClosed = "closed"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Span ingestion metrics
	SpansRecorded prometheus.Counter
	SpansDropped  *prometheus.CounterVec

	// Aggregation metrics
	PendingTraces prometheus.Gauge
	BatchSize     prometheus.Histogram

	// Transport metrics
	TracesSent    prometheus.Counter
	TracesDropped prometheus.Counter
	SendErrors    prometheus.Counter
	BytesSent     prometheus.Counter
}

// NewMetrics creates a metrics collector registered with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewNopMetrics creates a metrics collector that is not registered
// anywhere. Used by tests and by disabled reporters.
func NewNopMetrics() *Metrics {
	return newMetrics(promauto.With(nil))
}

func newMetrics(factory promauto.Factory) *Metrics {
	return &Metrics{
		SpansRecorded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reporter_spans_recorded_total",
				Help: "Total number of spans accepted into pending traces",
			},
		),
		SpansDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reporter_spans_dropped_total",
				Help: "Total number of spans dropped before aggregation",
			},
			[]string{"reason"},
		),
		PendingTraces: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "reporter_pending_traces",
				Help: "Number of traces currently buffered awaiting expiration",
			},
		),
		BatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reporter_batch_size_traces",
				Help:    "Number of traces per batch handed to the transport",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		TracesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reporter_traces_sent_total",
				Help: "Total number of traces delivered to the trace agent",
			},
		),
		TracesDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reporter_traces_dropped_total",
				Help: "Total number of traces dropped after failed delivery",
			},
		),
		SendErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reporter_send_errors_total",
				Help: "Total number of failed sends to the trace agent",
			},
		),
		BytesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reporter_bytes_sent_total",
				Help: "Total encoded payload bytes delivered to the trace agent",
			},
		),
	}
}
