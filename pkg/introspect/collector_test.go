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
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestStatsCollector(t *testing.T) {
	c := NewStatsCollector()
	c.Observe(DiscoveryStats{
		TotalProcesses: 17,
		KernelThreads:  12,
		UserProcesses:  5,
		TotalPTEs:      1234,
		SharedPages:    7,
	})

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(c)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	seen := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			seen[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	expected := map[string]float64{
		"haywire_processes":      17,
		"haywire_kernel_threads": 12,
		"haywire_user_processes": 5,
		"haywire_ptes":           1234,
		"haywire_shared_pages":   7,
		"haywire_zero_pages":     0,
	}
	for name, value := range expected {
		if seen[name] != value {
			t.Errorf("%s = %v, expected %v", name, seen[name], value)
		}
	}
	if len(seen) != numDescriptors {
		t.Errorf("gathered %d metrics, expected %d", len(seen), numDescriptors)
	}
}
