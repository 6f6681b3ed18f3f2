package promutil

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// NOTICE: we don't use prometheus.DefaultRegistry so that every metric of
// the process goes through a Factory.
var (
	globalMetricRegistry                     = NewRegistry()
	globalMetricGatherer prometheus.Gatherer = globalMetricRegistry
)

func init() {
	globalMetricRegistry.MustRegister(systemComponent, collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	globalMetricRegistry.MustRegister(systemComponent, collectors.NewGoCollector(collectors.WithGoCollections(
		collectors.GoRuntimeMemStatsCollection|collectors.GoRuntimeMetricsCollection)))
}

// Registry is used for registering metric
type Registry struct {
	sync.Mutex
	*prometheus.Registry

	// collectorByComponent is for cleaning all collectors of a component
	// when it stops
	collectorByComponent map[string][]prometheus.Collector
}

// NewRegistry new a Registry
func NewRegistry() *Registry {
	return &Registry{
		Registry:             prometheus.NewRegistry(),
		collectorByComponent: make(map[string][]prometheus.Collector),
	}
}

// MustRegister registers the provided Collector of the specified component
func (r *Registry) MustRegister(component string, c prometheus.Collector) {
	if c == nil {
		return
	}
	r.Lock()
	defer r.Unlock()

	r.Registry.MustRegister(c)
	r.collectorByComponent[component] = append(r.collectorByComponent[component], c)
}

// Unregister unregisters all Collectors of the specified component
func (r *Registry) Unregister(component string) {
	r.Lock()
	defer r.Unlock()

	for _, collector := range r.collectorByComponent[component] {
		r.Registry.Unregister(collector)
	}
	delete(r.collectorByComponent, component)
}

// Gather implements Gatherer interface
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	r.Lock()
	defer r.Unlock()

	return r.Registry.Gather()
}
