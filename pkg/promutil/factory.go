package promutil

import "github.com/prometheus/client_golang/prometheus"

// Factory produces native prometheus metrics that are registered to the
// process registry on creation, similar to promauto. Every New method panics
// if the metric can't be registered.
//
// The supervisor and the worker each get their factory from NewFactory and
// never touch the registry directly.
type Factory interface {
	NewCounter(opts prometheus.CounterOpts) prometheus.Counter
	NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec
	NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge
	NewGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec
	NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram
	NewHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec
}
