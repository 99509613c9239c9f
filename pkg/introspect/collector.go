// Copyright 2024 The Haywire Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package introspect

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metric descriptor indices and descriptor table.
const (
	processesDesc = iota
	kernelThreadsDesc
	userProcessesDesc
	totalPtesDesc
	kernelPtesDesc
	uniquePagesDesc
	sharedPagesDesc
	zeroPagesDesc
	garbagePtesDesc
	capHitsDesc
	scanSecondsDesc
	numDescriptors
)

var descriptors = [numDescriptors]*prometheus.Desc{
	processesDesc: prometheus.NewDesc(
		"haywire_processes",
		"Processes discovered in the last pass.",
		nil, nil,
	),
	kernelThreadsDesc: prometheus.NewDesc(
		"haywire_kernel_threads",
		"Kernel threads discovered in the last pass.",
		nil, nil,
	),
	userProcessesDesc: prometheus.NewDesc(
		"haywire_user_processes",
		"User processes discovered in the last pass.",
		nil, nil,
	),
	totalPtesDesc: prometheus.NewDesc(
		"haywire_ptes",
		"Leaf mappings emitted in the last pass.",
		nil, nil,
	),
	kernelPtesDesc: prometheus.NewDesc(
		"haywire_kernel_ptes",
		"Kernel leaf mappings emitted in the last pass.",
		nil, nil,
	),
	uniquePagesDesc: prometheus.NewDesc(
		"haywire_unique_pages",
		"Distinct physical pages referenced by any process.",
		nil, nil,
	),
	sharedPagesDesc: prometheus.NewDesc(
		"haywire_shared_pages",
		"Physical pages referenced by more than one process.",
		nil, nil,
	),
	zeroPagesDesc: prometheus.NewDesc(
		"haywire_zero_pages",
		"Physical pages sampled as all-zero and excluded.",
		nil, nil,
	),
	garbagePtesDesc: prometheus.NewDesc(
		"haywire_garbage_ptes",
		"Descriptors dropped by leaf validation.",
		nil, nil,
	),
	capHitsDesc: prometheus.NewDesc(
		"haywire_cap_hits",
		"Walks truncated by a hard cap.",
		nil, nil,
	),
	scanSecondsDesc: prometheus.NewDesc(
		"haywire_scan_seconds",
		"Duration of the last pass.",
		nil, nil,
	),
}

// StatsCollector exposes the counters of the most recent discovery
// pass as prometheus gauges.
type StatsCollector struct {
	mutex sync.RWMutex
	stats DiscoveryStats
}

var _ prometheus.Collector = &StatsCollector{}

func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

// Observe replaces the published counters with those of a finished
// pass.
func (c *StatsCollector) Observe(stats DiscoveryStats) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.stats = stats
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mutex.RLock()
	s := c.stats
	c.mutex.RUnlock()

	for desc, value := range map[int]float64{
		processesDesc:     float64(s.TotalProcesses),
		kernelThreadsDesc: float64(s.KernelThreads),
		userProcessesDesc: float64(s.UserProcesses),
		totalPtesDesc:     float64(s.TotalPTEs),
		kernelPtesDesc:    float64(s.KernelPTEs),
		uniquePagesDesc:   float64(s.UniquePages),
		sharedPagesDesc:   float64(s.SharedPages),
		zeroPagesDesc:     float64(s.ZeroPages),
		garbagePtesDesc:   float64(s.GarbagePTEs),
		capHitsDesc:       float64(s.CapHits),
		scanSecondsDesc:   s.ScanSeconds,
	} {
		ch <- prometheus.MustNewConstMetric(descriptors[desc], prometheus.GaugeValue, value)
	}
}
