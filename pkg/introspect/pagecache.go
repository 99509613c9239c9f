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
	"context"
	"sort"
)

// CachedFile is one file with pages in the page cache.
type CachedFile struct {
	Inode       uint64
	Size        uint64
	CachedPages uint64
	CachedBytes uint64
	Filesystem  string
}

// FilesystemInfo summarizes one mounted superblock.
type FilesystemInfo struct {
	Type        string
	ID          string
	Files       int
	CachedPages uint64
}

// PageCacheReport is the catalog the walker produces.
type PageCacheReport struct {
	TotalCachedPages uint64
	TotalCachedBytes uint64
	Filesystems      []FilesystemInfo
	CachedFiles      []CachedFile
}

// Filesystem magics recognized by the fallback superblock scan.
const (
	ext4SuperMagic  uint64 = 0xEF53
	tmpfsSuperMagic uint64 = 0x01021994
)

// xarray entry tagging: an entry with low bits 0b10 is an internal
// node pointer.
const (
	xaEntryTypeMask uint64 = 0x3
	xaEntryInternal uint64 = 0x2

	xaNodeShiftOff = 0x00
	xaNodeSlotsOff = 0x40
	xaNodeSlots    = 64
	xaMaxDepth     = 8
	xaMaxEntries   = 1 << 20
)

// PageCacheWalker catalogs cached files by walking the superblock
// list, each superblock's inode list, and each inode's xarray of
// cached pages, then cross-checks the catalog against the open file
// descriptors of every user process.
type PageCacheWalker struct {
	mem    *GuestMem
	tr     *Translator
	layout StructLayout

	kernelPgd PhysAddr

	maxSuperblocks int
	maxInodes      int
	maxFiles       int

	// Counters surfaced through the discovery stats.
	InodesSkippedNoSuper int
	CrossCheckMissing    int
	XarrayMismatches     int
	CapHits              int
}

func NewPageCacheWalker(mem *GuestMem, tr *Translator, layout StructLayout, kernelPgd PhysAddr, cfg *DiscoveryConfig) *PageCacheWalker {
	return &PageCacheWalker{
		mem:            mem,
		tr:             tr,
		layout:         layout,
		kernelPgd:      kernelPgd,
		maxSuperblocks: cfg.MaxSuperblocks,
		maxInodes:      cfg.MaxInodesPerSuper,
		maxFiles:       cfg.MaxFilesPerProc,
	}
}

// Walk produces the page-cache report. superBlocksVA optionally
// points at the kernel's superblock list head; when zero, the walker
// scans for a filesystem magic and enters the circular list at the
// superblock it finds. The context is checked once per superblock.
func (w *PageCacheWalker) Walk(ctx context.Context, superBlocksVA VirtAddr, processes []ProcessDescriptor) (*PageCacheReport, error) {
	report := &PageCacheReport{}
	inodesSeen := make(map[uint64]bool)

	first, ok := w.firstSuperblock(superBlocksVA)
	if !ok {
		log.Warnf("no superblock found; page cache catalog will be empty")
	} else {
		if err := w.walkSuperblocks(ctx, first, report, inodesSeen); err != nil {
			return nil, err
		}
	}

	w.crossCheck(processes, inodesSeen)

	sort.Slice(report.CachedFiles, func(i, j int) bool {
		a, b := report.CachedFiles[i], report.CachedFiles[j]
		if a.Filesystem != b.Filesystem {
			return a.Filesystem < b.Filesystem
		}
		return a.Inode < b.Inode
	})
	sort.Slice(report.Filesystems, func(i, j int) bool {
		a, b := report.Filesystems[i], report.Filesystems[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.ID < b.ID
	})
	return report, nil
}

// firstSuperblock finds a list entry to start from: the translated
// head when a symbol VA is supplied, otherwise the s_list entry of a
// superblock located by magic-number scan.
func (w *PageCacheWalker) firstSuperblock(superBlocksVA VirtAddr) (PhysAddr, bool) {
	if superBlocksVA != 0 {
		headPA, ok := w.tr.Translate(superBlocksVA, w.kernelPgd)
		if !ok {
			log.Warnf("superblock list head %s does not translate", superBlocksVA)
			return 0, false
		}
		// The head is a bare list_head; its next pointer reaches the
		// first superblock's s_list.
		next64, ok := w.mem.U64Phys(headPA)
		if !ok || !VirtAddr(next64).IsKernel() {
			return 0, false
		}
		return w.tr.Translate(VirtAddr(next64).StripPAC(), w.kernelPgd)
	}
	return w.scanForSuperblock()
}

// scanForSuperblock looks for a known filesystem magic at the s_magic
// offset of a superblock-shaped structure, walking the image page by
// page. The first page whose candidate also carries list pointers
// wins.
func (w *PageCacheWalker) scanForSuperblock() (PhysAddr, bool) {
	base := w.mem.RAMBase()
	for off := uint64(0); off+PageSize4K <= w.mem.RAMSize(); off += PageSize4K {
		for _, sub := range []uint64{0x0, 0x400, 0x800, 0xC00} {
			sbPA := base.Add(off + sub)
			magic, ok := w.mem.U64Phys(sbPA.Add(w.layout.SuperMagic))
			if !ok || (magic != ext4SuperMagic && magic != tmpfsSuperMagic) {
				continue
			}
			next64, okN := w.mem.U64Phys(sbPA.Add(w.layout.SuperList))
			prev64, okP := w.mem.U64Phys(sbPA.Add(w.layout.SuperList + 8))
			if !okN || !okP || !VirtAddr(next64).IsKernel() || !VirtAddr(prev64).IsKernel() {
				continue
			}
			log.Infof("superblock found by magic 0x%x at %s", magic, sbPA)
			return sbPA, true
		}
	}
	return 0, false
}

// walkSuperblocks follows the circular s_list from the entry
// superblock, with a cycle guard and the superblock cap.
func (w *PageCacheWalker) walkSuperblocks(ctx context.Context, first PhysAddr, report *PageCacheReport, inodesSeen map[uint64]bool) error {
	visited := make(map[PhysAddr]bool)
	sbPA := first
	for count := 0; count < w.maxSuperblocks; count++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if visited[sbPA] {
			return nil
		}
		visited[sbPA] = true

		w.walkOneSuperblock(sbPA, report, inodesSeen)

		next64, ok := w.mem.U64Phys(sbPA.Add(w.layout.SuperList))
		if !ok || !VirtAddr(next64).IsKernel() {
			return nil
		}
		nextPA, ok := w.tr.Translate(VirtAddr(next64).StripPAC(), w.kernelPgd)
		if !ok {
			return nil
		}
		// s_list is the first field, so the list entry is the
		// superblock.
		sbPA = nextPA - PhysAddr(w.layout.SuperList)
	}
	w.CapHits++
	log.Warnf("superblock walk capped at %d entries", w.maxSuperblocks)
	return nil
}

func (w *PageCacheWalker) walkOneSuperblock(sbPA PhysAddr, report *PageCacheReport, inodesSeen map[uint64]bool) {
	fsType := w.fsTypeName(sbPA)
	fsID, _ := w.mem.CStringPhys(sbPA.Add(w.layout.SuperID), 32)
	info := FilesystemInfo{Type: fsType, ID: fsID}

	head := sbPA.Add(w.layout.SuperInodes)
	next64, ok := w.mem.U64Phys(head)
	if !ok {
		report.Filesystems = append(report.Filesystems, info)
		return
	}
	visited := make(map[PhysAddr]bool)
	nodeVA := VirtAddr(next64).StripPAC()
	for count := 0; count < w.maxInodes; count++ {
		if !nodeVA.IsKernel() {
			break
		}
		nodePA, ok := w.tr.Translate(nodeVA, w.kernelPgd)
		if !ok || nodePA == head || visited[nodePA] {
			break
		}
		visited[nodePA] = true
		inodePA := nodePA - PhysAddr(w.layout.InodeSbList)

		if file, ok := w.readInode(inodePA, fsType, inodesSeen); ok {
			report.CachedFiles = append(report.CachedFiles, file)
			report.TotalCachedPages += file.CachedPages
			report.TotalCachedBytes += file.CachedBytes
			info.Files++
			info.CachedPages += file.CachedPages
		}

		next64, ok = w.mem.U64Phys(nodePA)
		if !ok {
			break
		}
		nodeVA = VirtAddr(next64).StripPAC()
		if count == w.maxInodes-1 {
			w.CapHits++
			log.Warnf("inode walk capped at %d entries on %s/%s", w.maxInodes, fsType, fsID)
		}
	}
	report.Filesystems = append(report.Filesystems, info)
}

// fsTypeName reads the filesystem type name: s_type points at a
// file_system_type whose first field points at the name.
func (w *PageCacheWalker) fsTypeName(sbPA PhysAddr) string {
	type64, ok := w.mem.U64Phys(sbPA.Add(w.layout.SuperType))
	if !ok {
		return ""
	}
	typeVA := VirtAddr(type64).StripPAC()
	if !typeVA.IsKernel() {
		return ""
	}
	typePA, ok := w.tr.Translate(typeVA, w.kernelPgd)
	if !ok {
		return ""
	}
	name64, ok := w.mem.U64Phys(typePA)
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
	name, _ := w.mem.CStringPhys(namePA, 32)
	return name
}

// readInode validates one inode and emits a CachedFile when it holds
// cached pages. An inode with a zero i_sb is unallocated slab memory
// and skipped.
func (w *PageCacheWalker) readInode(inodePA PhysAddr, fsType string, inodesSeen map[uint64]bool) (CachedFile, bool) {
	sb64, ok := w.mem.U64Phys(inodePA.Add(w.layout.InodeSuper))
	if !ok {
		return CachedFile{}, false
	}
	if sb64 == 0 {
		w.InodesSkippedNoSuper++
		return CachedFile{}, false
	}
	ino, ok := w.mem.U64Phys(inodePA.Add(w.layout.InodeIno))
	if !ok {
		return CachedFile{}, false
	}
	inodesSeen[ino] = true
	size, _ := w.mem.U64Phys(inodePA.Add(w.layout.InodeSize))

	mapping64, ok := w.mem.U64Phys(inodePA.Add(w.layout.InodeMapping))
	if !ok {
		return CachedFile{}, false
	}
	mappingVA := VirtAddr(mapping64).StripPAC()
	if !mappingVA.IsKernel() {
		return CachedFile{}, false
	}
	mappingPA, ok := w.tr.Translate(mappingVA, w.kernelPgd)
	if !ok {
		return CachedFile{}, false
	}
	nrpages, ok := w.mem.U64Phys(mappingPA.Add(w.layout.AddrSpaceNrPages))
	if !ok || nrpages == 0 {
		return CachedFile{}, false
	}

	// The xarray traversal double-checks nrpages; the field stays
	// authoritative but a large disagreement flags a misparse.
	counted := w.countXarrayPages(mappingPA)
	if counted > 0 && (counted > 2*nrpages || nrpages > 2*counted) {
		w.XarrayMismatches++
		log.Debugf("inode %d: nrpages %d but xarray holds %d entries", ino, nrpages, counted)
	}

	return CachedFile{
		Inode:       ino,
		Size:        size,
		CachedPages: nrpages,
		CachedBytes: nrpages * PageSize4K,
		Filesystem:  fsType,
	}, true
}

// countXarrayPages walks the address-space xarray and counts entries
// that look like page pointers.
func (w *PageCacheWalker) countXarrayPages(mappingPA PhysAddr) uint64 {
	head, ok := w.mem.U64Phys(mappingPA.Add(w.layout.AddrSpacePages))
	if !ok || head == 0 {
		return 0
	}
	visited := make(map[PhysAddr]bool)
	var count uint64
	w.countXarrayEntry(head, 0, visited, &count)
	return count
}

func (w *PageCacheWalker) countXarrayEntry(entry uint64, depth int, visited map[PhysAddr]bool, count *uint64) {
	if *count >= xaMaxEntries {
		return
	}
	if entry&xaEntryTypeMask == xaEntryInternal {
		if depth >= xaMaxDepth {
			w.CapHits++
			return
		}
		nodeVA := VirtAddr(entry &^ xaEntryTypeMask)
		if !nodeVA.IsKernel() {
			return
		}
		nodePA, ok := w.tr.Translate(nodeVA, w.kernelPgd)
		if !ok || visited[nodePA] {
			return
		}
		visited[nodePA] = true
		for i := 0; i < xaNodeSlots; i++ {
			slot, ok := w.mem.U64Phys(nodePA.Add(xaNodeSlotsOff + uint64(i)*8))
			if !ok || slot == 0 {
				continue
			}
			w.countXarrayEntry(slot, depth+1, visited, count)
		}
		return
	}
	if VirtAddr(entry).IsKernel() {
		*count++
	}
}

// crossCheck walks each user process's file table and verifies every
// open file's inode is in the superblock catalog. A miss is reported
// through a counter, never fatal: the inode lists are heuristic too.
func (w *PageCacheWalker) crossCheck(processes []ProcessDescriptor, inodesSeen map[uint64]bool) {
	for i := range processes {
		p := &processes[i]
		if p.IsKernelThread || p.FilesVA == 0 {
			continue
		}
		filesPA, ok := w.tr.Translate(p.FilesVA, w.kernelPgd)
		if !ok {
			continue
		}
		fdt64, ok := w.mem.U64Phys(filesPA.Add(w.layout.FilesFdt))
		if !ok {
			continue
		}
		fdtVA := VirtAddr(fdt64).StripPAC()
		if !fdtVA.IsKernel() {
			continue
		}
		fdtPA, ok := w.tr.Translate(fdtVA, w.kernelPgd)
		if !ok {
			continue
		}
		maxFds, ok := w.mem.U32Phys(fdtPA.Add(w.layout.FdtMaxFds))
		if !ok {
			continue
		}
		fdArr64, ok := w.mem.U64Phys(fdtPA.Add(w.layout.FdtFd))
		if !ok {
			continue
		}
		fdArrVA := VirtAddr(fdArr64).StripPAC()
		if !fdArrVA.IsKernel() {
			continue
		}
		fdArrPA, ok := w.tr.Translate(fdArrVA, w.kernelPgd)
		if !ok {
			continue
		}
		n := int(maxFds)
		if n > w.maxFiles {
			w.CapHits++
			n = w.maxFiles
		}
		for fd := 0; fd < n; fd++ {
			file64, ok := w.mem.U64Phys(fdArrPA.Add(uint64(fd) * 8))
			if !ok || file64 == 0 {
				continue
			}
			fileVA := VirtAddr(file64).StripPAC()
			if !fileVA.IsKernel() {
				continue
			}
			filePA, ok := w.tr.Translate(fileVA, w.kernelPgd)
			if !ok {
				continue
			}
			inode64, ok := w.mem.U64Phys(filePA.Add(w.layout.FileInode))
			if !ok {
				continue
			}
			inodeVA := VirtAddr(inode64).StripPAC()
			if !inodeVA.IsKernel() {
				continue
			}
			inodePA, ok := w.tr.Translate(inodeVA, w.kernelPgd)
			if !ok {
				continue
			}
			ino, ok := w.mem.U64Phys(inodePA.Add(w.layout.InodeIno))
			if !ok {
				continue
			}
			if !inodesSeen[ino] {
				w.CrossCheckMissing++
				log.Debugf("pid %d fd %d: inode %d open but absent from superblock lists", p.Pid, fd, ino)
			}
		}
	}
}
