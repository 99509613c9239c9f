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
	"fmt"
	"strings"
)

// DiscoveryStats are the counters of one discovery pass.
type DiscoveryStats struct {
	TotalProcesses int
	KernelThreads  int
	UserProcesses  int

	TotalPTEs  int
	KernelPTEs int

	UniquePages int
	SharedPages int
	ZeroPages   int

	GarbagePTEs        uint64
	RejectedVMAs       uint64
	TranslationFaults  uint64
	CandidatesRejected uint64
	CapHits            int

	InodesSkippedNoSuper int
	CrossCheckMissing    int
	XarrayMismatches     int

	ScanSeconds float64
}

// Summarize renders the counters the way a human reads them after a
// pass.
func (s *DiscoveryStats) Summarize() string {
	var b strings.Builder
	fmt.Fprintf(&b, "processes: %d (%d user, %d kernel threads)\n",
		s.TotalProcesses, s.UserProcesses, s.KernelThreads)
	fmt.Fprintf(&b, "ptes: %d total, %d kernel\n", s.TotalPTEs, s.KernelPTEs)
	fmt.Fprintf(&b, "pages: %d unique, %d shared, %d zero\n",
		s.UniquePages, s.SharedPages, s.ZeroPages)
	fmt.Fprintf(&b, "dropped: %d garbage ptes, %d rejected vmas, %d translation faults\n",
		s.GarbagePTEs, s.RejectedVMAs, s.TranslationFaults)
	fmt.Fprintf(&b, "caps hit: %d, pass took %.1fs\n", s.CapHits, s.ScanSeconds)
	return b.String()
}
