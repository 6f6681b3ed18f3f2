package promutil

import (
	"github.com/prometheus/client_golang/prometheus"
)

type wrappingFactory struct {
	r *Registry
	// component owns every collector created by this factory, so all of
	// them can be unregistered together
	component string
	// prefix is added to the metric namespace, e.g. $prefix_$namespace_$subsystem_$name
	prefix string
	// constLabels is added to every metric by default
	constLabels prometheus.Labels
}

// NewCounter implements Factory. Thread-safe.
func (f *wrappingFactory) NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(*wrapCounterOpts(f.prefix, f.constLabels, &opts))
	f.r.MustRegister(f.component, c)
	return c
}

// NewCounterVec implements Factory. Thread-safe.
func (f *wrappingFactory) NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(*wrapCounterOpts(f.prefix, f.constLabels, &opts), labelNames)
	f.r.MustRegister(f.component, c)
	return c
}

// NewGauge implements Factory. Thread-safe.
func (f *wrappingFactory) NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	c := prometheus.NewGauge(*wrapGaugeOpts(f.prefix, f.constLabels, &opts))
	f.r.MustRegister(f.component, c)
	return c
}

// NewGaugeVec implements Factory. Thread-safe.
func (f *wrappingFactory) NewGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	c := prometheus.NewGaugeVec(*wrapGaugeOpts(f.prefix, f.constLabels, &opts), labelNames)
	f.r.MustRegister(f.component, c)
	return c
}

// NewHistogram implements Factory. Thread-safe.
func (f *wrappingFactory) NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	c := prometheus.NewHistogram(*wrapHistogramOpts(f.prefix, f.constLabels, &opts))
	f.r.MustRegister(f.component, c)
	return c
}

// NewHistogramVec implements Factory. Thread-safe.
func (f *wrappingFactory) NewHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	c := prometheus.NewHistogramVec(*wrapHistogramOpts(f.prefix, f.constLabels, &opts), labelNames)
	f.r.MustRegister(f.component, c)
	return c
}

func wrapNamespace(prefix, namespace string) string {
	switch {
	case prefix == "":
		return namespace
	case namespace == "":
		return prefix
	default:
		return prefix + "_" + namespace
	}
}

func mergeLabels(constLabels, labels prometheus.Labels) prometheus.Labels {
	if len(constLabels) == 0 {
		return labels
	}
	if labels == nil {
		labels = make(prometheus.Labels, len(constLabels))
	}
	for name, value := range constLabels {
		if _, exists := labels[name]; exists {
			panic("duplicate label name")
		}
		labels[name] = value
	}
	return labels
}

func wrapCounterOpts(prefix string, constLabels prometheus.Labels, opts *prometheus.CounterOpts) *prometheus.CounterOpts {
	opts.Namespace = wrapNamespace(prefix, opts.Namespace)
	opts.ConstLabels = mergeLabels(constLabels, opts.ConstLabels)
	return opts
}

func wrapGaugeOpts(prefix string, constLabels prometheus.Labels, opts *prometheus.GaugeOpts) *prometheus.GaugeOpts {
	opts.Namespace = wrapNamespace(prefix, opts.Namespace)
	opts.ConstLabels = mergeLabels(constLabels, opts.ConstLabels)
	return opts
}

func wrapHistogramOpts(prefix string, constLabels prometheus.Labels, opts *prometheus.HistogramOpts) *prometheus.HistogramOpts {
	opts.Namespace = wrapNamespace(prefix, opts.Namespace)
	opts.ConstLabels = mergeLabels(constLabels, opts.ConstLabels)
	return opts
}
