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

const (
	// Page sizes emitted by the page-table walker.
	PageSize4K uint64 = 1 << 12
	PageSize2M uint64 = 1 << 21
	PageSize1G uint64 = 1 << 30

	// Descriptor type bits, ARMv8-A VMSAv8-64 descriptor format.
	// Bits [1:0] classify every 8-byte descriptor.
	descTypeMask  uint64 = 0x3
	descTypeFault uint64 = 0x0 // and 0x2: invalid
	descTypeBlock uint64 = 0x1 // terminal below the last level
	descTypeTable uint64 = 0x3 // table at levels 0-2, page at level 3

	// Output address field, bits [47:12]. Bits [63:48] are
	// attributes, bits [11:0] are flags.
	descAddrMask uint64 = 0x0000FFFFFFFFF000

	// Block output address fields.
	descAddrMask1G uint64 = 0x0000FFFFC0000000
	descAddrMask2M uint64 = 0x0000FFFFFFE00000

	// Descriptor attribute bits used for r/w/x classification.
	descAPReadOnly uint64 = 1 << 7  // AP[2]: write forbidden
	descAPUser     uint64 = 1 << 6  // AP[1]: EL0 accessible
	descUXN        uint64 = 1 << 54 // unprivileged execute-never
	descPXN        uint64 = 1 << 53 // privileged execute-never

	// Entries per table at every level with a 4 KiB granule.
	tableEntries = 512

	// First index of the kernel half of a top-level table.
	kernelHalfIndex = 256

	// DefaultRAMBase is the guest-physical address of the first image
	// byte on the observed QEMU virt machines.
	DefaultRAMBase PhysAddr = 0x40000000

	// TaskStructSize is the allocation size of a task descriptor in
	// the supported kernel builds.
	TaskStructSize = 9088
)

// Hard caps for walks over untrusted, possibly cyclic structures.
// A cap hit truncates the walk and is logged, never fatal.
const (
	defMaxTablesPerWalk   = 1000
	defMaxQueuedTables    = 5000
	defMaxMapleDepth      = 15
	defMaxVMAsPerProcess  = 65536
	defMaxInodesPerSuper  = 2000
	defMaxSuperblocks     = 50
	defMaxFilesPerProcess = 1024
	defZeroSampleBytes    = 256
	defProgressBytes      = 100 << 20
)

// Maple tree root values below 0x100 are tree states, not node
// pointers.
const (
	mapleStateEmpty  uint64 = 0x0
	mapleStateRoot   uint64 = 0x1
	mapleStateNone   uint64 = 0x2
	mapleStatePause  uint64 = 0x3
	mapleStateStart  uint64 = 0x5
	mapleStateStop   uint64 = 0x9
	mapleStateActive uint64 = 0x11
)

// vm_flags bits of interest, from include/linux/mm.h.
const (
	vmRead      uint64 = 0x0001
	vmWrite     uint64 = 0x0002
	vmExec      uint64 = 0x0004
	vmGrowsDown uint64 = 0x0100
)
