package promutil

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	systemComponent = "system"
	metricPrefix    = "dagsched"

	// constLabelComponentKey tells the supervisor metrics from the worker ones
	constLabelComponentKey = "component"
)

// HTTPHandlerForMetric returns the http.Handler serving the process metrics.
func HTTPHandlerForMetric() http.Handler {
	return promhttp.HandlerFor(
		globalMetricGatherer,
		promhttp.HandlerOpts{},
	)
}

// NewFactory returns a Factory producing metrics labelled with component.
func NewFactory(component string) Factory {
	return newFactory(globalMetricRegistry, component)
}

func newFactory(r *Registry, component string) Factory {
	return &wrappingFactory{
		r:         r,
		component: component,
		prefix:    metricPrefix,
		constLabels: prometheus.Labels{
			constLabelComponentKey: component,
		},
	}
}

// UnregisterComponent drops every metric created by the factory of component.
func UnregisterComponent(component string) {
	globalMetricRegistry.Unregister(component)
}
