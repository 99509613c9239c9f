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

// LeafMapping is one virtual-to-physical mapping emitted by the
// page-table walker.
type LeafMapping struct {
	VA    VirtAddr
	PA    PhysAddr
	Size  uint64
	Flags uint64
	R     bool
	W     bool
	X     bool
}

// PageTableWalker enumerates every leaf mapping reachable from a
// top-level table. The traversal is iterative with an explicit
// queue; a visited-table set terminates cycles and hard caps bound
// the damage a corrupt table can do.
type PageTableWalker struct {
	mem *GuestMem

	maxTables int
	maxQueued int

	// GarbageEntries counts descriptors whose output failed
	// validation; CapHits counts truncated walks.
	GarbageEntries uint64
	CapHits        int
}

type walkItem struct {
	table PhysAddr
	level int
	// vaBase is the virtual address of the first byte the table
	// covers.
	vaBase VirtAddr
}

var levelShift = [4]uint{39, 30, 21, 12}

func NewPageTableWalker(mem *GuestMem, maxTables, maxQueued int) *PageTableWalker {
	if maxTables <= 0 {
		maxTables = defMaxTablesPerWalk
	}
	if maxQueued <= 0 {
		maxQueued = defMaxQueuedTables
	}
	return &PageTableWalker{mem: mem, maxTables: maxTables, maxQueued: maxQueued}
}

// Walk enumerates the leaf mappings under root, ordered by ascending
// VA. With kernel=false the kernel half of the address space is
// skipped. With kernel=true both halves are walked: the swapper
// reaches its linear map through entry 0, so the low half carries
// kernel mappings and must stay in scope.
func (w *PageTableWalker) Walk(root PhysAddr, kernel bool) []LeafMapping {
	var out []LeafMapping
	visited := map[PhysAddr]bool{root: true}
	queue := []walkItem{{table: root, level: 0, vaBase: 0}}
	processed := 0

	for len(queue) > 0 {
		if processed >= w.maxTables {
			w.CapHits++
			log.Warnf("page-table walk capped at %d tables under root %s", w.maxTables, root)
			break
		}
		item := queue[0]
		queue = queue[1:]
		processed++

		page, ok := w.mem.ReadPhys(item.table, int(PageSize4K))
		if !ok {
			continue
		}
		span := uint64(1) << levelShift[item.level]
		for i := 0; i < tableEntries; i++ {
			va := item.vaBase.Add(uint64(i) * span)
			if item.level == 0 {
				// The kernel half of a shared top-level table starts
				// at index 256; its VAs carry all-one top bits. The
				// kernel walk keeps the low half too: the swapper's
				// linear map hangs off entry 0, and emitted low-half
				// leaves keep their low-half VAs.
				if i >= kernelHalfIndex {
					if !kernel {
						continue
					}
					va |= VirtAddr(kernelSpaceBits)
				}
			}
			desc := leAt(page, i*8)
			switch desc & descTypeMask {
			case descTypeBlock:
				switch item.level {
				case 1:
					w.emit(&out, va, PhysAddr(desc&descAddrMask1G), PageSize1G, desc)
				case 2:
					w.emit(&out, va, PhysAddr(desc&descAddrMask2M), PageSize2M, desc)
				default:
					w.GarbageEntries++
				}
			case descTypeTable:
				if item.level == 3 {
					// The only valid leaf-level type: a 4 KiB page.
					w.emit(&out, va, PhysAddr(desc&descAddrMask), PageSize4K, desc)
					continue
				}
				child := PhysAddr(desc & descAddrMask)
				if visited[child] {
					continue
				}
				if len(queue) >= w.maxQueued {
					w.CapHits++
					continue
				}
				visited[child] = true
				queue = append(queue, walkItem{table: child, level: item.level + 1, vaBase: va})
			default:
				// Fault entries are the common case, not garbage.
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].VA < out[j].VA })
	return out
}

// emit validates one leaf and appends it. A leaf whose output is
// outside guest RAM or unaligned for its page size is garbage from a
// coincidental bit pattern, counted and dropped.
func (w *PageTableWalker) emit(out *[]LeafMapping, va VirtAddr, pa PhysAddr, size uint64, desc uint64) {
	if !w.mem.Contains(pa) || !pa.PageAligned(size) || uint64(va)%size != 0 {
		w.GarbageEntries++
		return
	}
	m := LeafMapping{
		VA:    va,
		PA:    pa,
		Size:  size,
		Flags: desc &^ descAddrMask,
		R:     true,
		W:     desc&descAPReadOnly == 0,
	}
	if desc&descAPUser != 0 {
		m.X = desc&descUXN == 0
	} else {
		m.X = desc&descPXN == 0
	}
	*out = append(*out, m)
}
