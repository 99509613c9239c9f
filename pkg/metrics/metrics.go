package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var builtInCollectors = make(map[string]InitCollector)

// InitCollector creates a named collector at gatherer-build time.
type InitCollector func() (prometheus.Collector, error)

// RegisterCollector registers a collector constructor under name.
func RegisterCollector(name string, init InitCollector) error {
	if _, found := builtInCollectors[name]; found {
		return fmt.Errorf("collector %s already registered", name)
	}

	builtInCollectors[name] = init

	return nil
}

// NewMetricGatherer builds a registry holding every registered
// collector.
func NewMetricGatherer() (prometheus.Gatherer, error) {
	reg := prometheus.NewPedanticRegistry()

	for name, cb := range builtInCollectors {
		c, err := cb()
		if err != nil {
			return nil, fmt.Errorf("collector %s: %w", name, err)
		}
		reg.MustRegister(c)
	}

	return reg, nil
}
