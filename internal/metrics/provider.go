package metrics

import (
	opflow "github.com/opflow-labs/opflow/pkg/opflow/v1/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRegistryProvider implements the RegistryProvider interface
// using a standard Prometheus registry.
type PrometheusRegistryProvider struct {
	registry *prometheus.Registry
}

// NewPrometheusRegistryProvider creates a new metrics provider backed by
// a fresh Prometheus registry. The engine registers its collectors into it;
// hosts expose it however they expose the rest of their metrics.
func NewPrometheusRegistryProvider() *PrometheusRegistryProvider {
	return &PrometheusRegistryProvider{
		registry: prometheus.NewRegistry(),
	}
}

// Registry returns the underlying Prometheus registry.
func (p *PrometheusRegistryProvider) Registry() *prometheus.Registry {
	return p.registry
}

// Ensure implementation satisfies the interface.
var _ opflow.RegistryProvider = (*PrometheusRegistryProvider)(nil)
