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

import "sort"

// ReverseIndex maps each referenced physical page to the set of
// processes referencing it. All-zero pages are detected by sampling
// and excluded from the final map: the shared zero page would
// otherwise connect every process to every other.
type ReverseIndex struct {
	mem         *GuestMem
	sampleBytes int

	pids      map[PhysAddr]map[int]bool
	zeroPages map[PhysAddr]bool
}

func NewReverseIndex(mem *GuestMem, sampleBytes int) *ReverseIndex {
	if sampleBytes <= 0 {
		sampleBytes = defZeroSampleBytes
	}
	return &ReverseIndex{
		mem:         mem,
		sampleBytes: sampleBytes,
		pids:        make(map[PhysAddr]map[int]bool),
		zeroPages:   make(map[PhysAddr]bool),
	}
}

// Insert records that pid references the leaf mapping m. Large pages
// contribute each of their 4 KiB frames.
func (r *ReverseIndex) Insert(pid int, m LeafMapping) {
	for off := uint64(0); off < m.Size; off += PageSize4K {
		r.insertPage(pid, m.PA.Add(off))
	}
}

func (r *ReverseIndex) insertPage(pid int, pa PhysAddr) {
	pa = pa.PageBase()
	if !r.mem.Contains(pa) {
		// A large page can run past the end of captured RAM.
		return
	}
	if _, known := r.pids[pa]; !known {
		if r.sampleZero(pa) {
			r.zeroPages[pa] = true
		}
		r.pids[pa] = make(map[int]bool)
	}
	r.pids[pa][pid] = true
}

// sampleZero reads the head of the page; a prefix of zero bytes marks
// the page as a zero page.
func (r *ReverseIndex) sampleZero(pa PhysAddr) bool {
	sample, ok := r.mem.ReadPhys(pa, r.sampleBytes)
	if !ok {
		return false
	}
	for _, b := range sample {
		if b != 0 {
			return false
		}
	}
	return true
}

// Snapshot returns the final reverse map with zero pages excluded,
// PID lists sorted, and the summary counters.
func (r *ReverseIndex) Snapshot() (pageToPids map[PhysAddr][]int, unique, shared, zero int) {
	pageToPids = make(map[PhysAddr][]int, len(r.pids))
	for pa, pidSet := range r.pids {
		if r.zeroPages[pa] {
			continue
		}
		pids := make([]int, 0, len(pidSet))
		for pid := range pidSet {
			pids = append(pids, pid)
		}
		sort.Ints(pids)
		pageToPids[pa] = pids
		if len(pids) > 1 {
			shared++
		}
	}
	return pageToPids, len(pageToPids), shared, len(r.zeroPages)
}
