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
	"sort"
	"strings"
)

// RegionKind classifies a virtual memory area.
type RegionKind string

const (
	RegionCode    RegionKind = "code"
	RegionData    RegionKind = "data"
	RegionHeap    RegionKind = "heap"
	RegionStack   RegionKind = "stack"
	RegionLibrary RegionKind = "library"
	RegionKernel  RegionKind = "kernel"
)

// MemoryRegion is one virtual memory area recovered from a process's
// maple tree.
type MemoryRegion struct {
	Start VirtAddr
	End   VirtAddr
	// StartPA is the physical address backing the first resolvable
	// page, zero when nothing resolves.
	StartPA PhysAddr
	Size    uint64
	Pages   uint64
	Flags   uint64
	Kind    RegionKind
	// File is the backing file name recovered through the dentry
	// chain, empty for anonymous regions.
	File       string
	FileOffset uint64
}

// Maple node layout, by node type encoded in pointer bits [4:3].
// Types 0 and 1 are leaves carrying values, 2 and 3 are internal
// nodes carrying child pointers.
const (
	mapleTypeDense    = 0
	mapleTypeLeaf64   = 1
	mapleTypeRange64  = 2
	mapleTypeArange64 = 3

	mapleDenseSlots      = 15
	mapleDenseSlotOff    = 8
	mapleLeaf64Slots     = 16
	mapleLeaf64SlotOff   = 128
	mapleRange64Slots    = 16
	mapleRange64SlotOff  = 128
	mapleArange64Slots   = 10
	mapleArange64SlotOff = 80

	mapleNodeBytes = 256

	maxFileNameLen = 255

	// Anonymous writable regions this close under a stack ceiling
	// are the stack.
	stackWindow = 64 << 20
)

// Stack ceilings of the observed address-space layouts: the 32-bit
// compat layout (2^31), and the 47-bit and 48-bit layouts.
var stackCeilings = []uint64{0x80000000, 1 << 47, userSpaceTop}

func mapleNodeType(ptr VirtAddr) int {
	return int((uint64(ptr) >> 3) & 0x3)
}

// MapleWalker recovers virtual memory areas from the maple tree
// rooted in a memory descriptor. Node and VMA pointers are kernel
// VAs, translated through the kernel PGD.
type MapleWalker struct {
	mem       *GuestMem
	tr        *Translator
	layout    StructLayout
	kernelPgd PhysAddr

	maxDepth int
	maxVMAs  int

	// RejectedVMAs counts slots that failed validation; CapHits
	// counts depth or count truncations.
	RejectedVMAs uint64
	CapHits      int
}

func NewMapleWalker(mem *GuestMem, tr *Translator, layout StructLayout, kernelPgd PhysAddr, maxDepth, maxVMAs int) *MapleWalker {
	if maxDepth < defMaxMapleDepth {
		maxDepth = defMaxMapleDepth
	}
	if maxVMAs < defMaxVMAsPerProcess {
		maxVMAs = defMaxVMAsPerProcess
	}
	return &MapleWalker{mem: mem, tr: tr, layout: layout, kernelPgd: kernelPgd, maxDepth: maxDepth, maxVMAs: maxVMAs}
}

// Walk reads the maple root from the memory descriptor at mmPA and
// enumerates its regions in tree order.
func (w *MapleWalker) Walk(mmPA PhysAddr) []MemoryRegion {
	root, ok := w.mem.U64Phys(mmPA.Add(w.layout.MMMapleRoot))
	if !ok {
		return nil
	}
	if root < 0x100 {
		// Small values are tree states, not pointers. Empty and none
		// mean no regions; transient states get one more chance in
		// case the capture caught an update mid-flight.
		switch root {
		case mapleStateEmpty, mapleStateNone:
			return nil
		}
		reread, ok := w.mem.U64Phys(mmPA.Add(w.layout.MMMapleRoot))
		if !ok || reread < 0x100 {
			return nil
		}
		root = reread
	}

	var regions []MemoryRegion
	visited := make(map[PhysAddr]bool)
	w.walkNode(VirtAddr(root), 0, visited, &regions)
	sortRegions(regions)
	return regions
}

// walkNode decodes one encoded node pointer and visits it.
func (w *MapleWalker) walkNode(encoded VirtAddr, depth int, visited map[PhysAddr]bool, regions *[]MemoryRegion) {
	if depth > w.maxDepth {
		w.CapHits++
		return
	}
	if len(*regions) >= w.maxVMAs {
		w.CapHits++
		return
	}
	typ := mapleNodeType(encoded)
	nodeVA := encoded.StripMeta()
	if !nodeVA.IsKernel() {
		return
	}
	nodePA, ok := w.tr.Translate(nodeVA, w.kernelPgd)
	if !ok {
		return
	}
	if visited[nodePA] {
		return
	}
	visited[nodePA] = true
	node, ok := w.mem.ReadPhys(nodePA, mapleNodeBytes)
	if !ok {
		return
	}

	slotOff, slots := mapleLayout(typ)
	leaf := typ < mapleTypeRange64
	for i := 0; i < slots; i++ {
		slot := VirtAddr(leAt(node, slotOff+i*8))
		if !slot.StripMeta().IsKernel() {
			continue
		}
		if leaf {
			if region, ok := w.readVMA(slot.StripPAC()); ok {
				*regions = append(*regions, region)
				if len(*regions) >= w.maxVMAs {
					w.CapHits++
					return
				}
			}
		} else {
			w.walkNode(slot, depth+1, visited, regions)
		}
	}
}

func mapleLayout(typ int) (slotOff, slots int) {
	switch typ {
	case mapleTypeDense:
		return mapleDenseSlotOff, mapleDenseSlots
	case mapleTypeLeaf64:
		return mapleLeaf64SlotOff, mapleLeaf64Slots
	case mapleTypeRange64:
		return mapleRange64SlotOff, mapleRange64Slots
	default:
		return mapleArange64SlotOff, mapleArange64Slots
	}
}

// readVMA reads the vm_area_struct a leaf slot points to and
// validates its bounds.
func (w *MapleWalker) readVMA(vmaVA VirtAddr) (MemoryRegion, bool) {
	vmaPA, ok := w.tr.Translate(vmaVA, w.kernelPgd)
	if !ok {
		w.RejectedVMAs++
		return MemoryRegion{}, false
	}
	start64, ok1 := w.mem.U64Phys(vmaPA.Add(w.layout.VMAStart))
	end64, ok2 := w.mem.U64Phys(vmaPA.Add(w.layout.VMAEnd))
	flags, ok3 := w.mem.U64Phys(vmaPA.Add(w.layout.VMAFlags))
	if !ok1 || !ok2 || !ok3 {
		w.RejectedVMAs++
		return MemoryRegion{}, false
	}
	if start64 >= end64 || end64 > userSpaceTop || end64-start64 < PageSize4K {
		w.RejectedVMAs++
		return MemoryRegion{}, false
	}

	region := MemoryRegion{
		Start: VirtAddr(start64),
		End:   VirtAddr(end64),
		Size:  end64 - start64,
		Pages: (end64 - start64) / PageSize4K,
		Flags: flags,
	}
	if pgoff, ok := w.mem.U64Phys(vmaPA.Add(w.layout.VMAPgoff)); ok {
		region.FileOffset = pgoff * PageSize4K
	}
	if file64, ok := w.mem.U64Phys(vmaPA.Add(w.layout.VMAFile)); ok {
		if fileVA := VirtAddr(file64).StripPAC(); fileVA.IsKernel() {
			region.File = w.fileName(fileVA)
		}
	}
	region.Kind = classifyRegion(&region)
	return region, true
}

// fileName follows file -> f_path.dentry -> d_name.name to a bounded
// string. Any miss along the chain leaves the region anonymous-named.
func (w *MapleWalker) fileName(fileVA VirtAddr) string {
	filePA, ok := w.tr.Translate(fileVA, w.kernelPgd)
	if !ok {
		return ""
	}
	dentry64, ok := w.mem.U64Phys(filePA.Add(w.layout.FilePathDentry))
	if !ok {
		return ""
	}
	dentryVA := VirtAddr(dentry64).StripPAC()
	if !dentryVA.IsKernel() {
		return ""
	}
	dentryPA, ok := w.tr.Translate(dentryVA, w.kernelPgd)
	if !ok {
		return ""
	}
	name64, ok := w.mem.U64Phys(dentryPA.Add(w.layout.DentryName))
	if !ok {
		return ""
	}
	nameVA := VirtAddr(name64).StripPAC()
	if !nameVA.IsKernel() {
		return ""
	}
	namePA, ok := w.tr.Translate(nameVA, w.kernelPgd)
	if !ok {
		return ""
	}
	name, _ := w.mem.CStringPhys(namePA, maxFileNameLen)
	return name
}

// classifyRegion picks the region kind from the backing file, flags
// and placement.
func classifyRegion(r *MemoryRegion) RegionKind {
	if r.File != "" {
		if strings.HasSuffix(r.File, ".so") || strings.Contains(r.File, ".so.") {
			return RegionLibrary
		}
		if r.Flags&vmExec != 0 {
			return RegionCode
		}
		return RegionData
	}
	if r.Flags&vmGrowsDown != 0 {
		return RegionStack
	}
	if r.Flags&vmWrite != 0 {
		for _, ceiling := range stackCeilings {
			if uint64(r.End) <= ceiling && ceiling-uint64(r.End) < stackWindow {
				return RegionStack
			}
		}
		return RegionHeap
	}
	if r.Flags&vmExec != 0 {
		return RegionCode
	}
	return RegionData
}

func sortRegions(regions []MemoryRegion) {
	sort.SliceStable(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
}
