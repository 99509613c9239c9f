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
	"testing"

	"github.com/jamiefaye/haywire/pkg/testutils"
)

// cacheFixture plants one ext4 superblock with two inodes on its
// s_inodes list: inode 42 with 13 cached pages and an unallocated
// slab neighbor with i_sb == 0.
type cacheFixture struct {
	*fixture
	kpgd    PhysAddr
	sb      PhysAddr
	inode   PhysAddr
	mapping PhysAddr
}

func newCacheFixture(t *testing.T) *cacheFixture {
	t.Helper()
	fix := newFixture(16 << 20)
	cf := &cacheFixture{fixture: fix}
	cf.kpgd = fix.buildKernelPgd(2)

	cf.sb = fix.alloc(PageSize4K)
	fsType := fix.alloc(PageSize4K)
	fsName := fix.alloc(PageSize4K)
	cf.inode = fix.alloc(PageSize4K)
	deadInode := fix.alloc(PageSize4K)
	cf.mapping = fix.alloc(PageSize4K)

	// Superblock: magic, circular s_list, type name two hops away,
	// short id, inode list.
	fix.putU64(cf.sb.Add(Layout61.SuperMagic), ext4SuperMagic)
	fix.putU64(cf.sb.Add(Layout61.SuperList), uint64(kernelVA(cf.sb)))
	fix.putU64(cf.sb.Add(Layout61.SuperList+8), uint64(kernelVA(cf.sb)))
	fix.putU64(cf.sb.Add(Layout61.SuperType), uint64(kernelVA(fsType)))
	fix.putU64(fsType, uint64(kernelVA(fsName)))
	fix.putString(fsName, "ext4")
	fix.putString(cf.sb.Add(Layout61.SuperID), "vda1")

	// s_inodes -> inode 42 -> dead inode -> back to the head.
	head := cf.sb.Add(Layout61.SuperInodes)
	node1 := cf.inode.Add(Layout61.InodeSbList)
	node2 := deadInode.Add(Layout61.InodeSbList)
	fix.putU64(head, uint64(kernelVA(node1)))
	fix.putU64(node1, uint64(kernelVA(node2)))
	fix.putU64(node2, uint64(kernelVA(head)))

	fix.putU64(cf.inode.Add(Layout61.InodeSuper), uint64(kernelVA(cf.sb)))
	fix.putU64(cf.inode.Add(Layout61.InodeIno), 42)
	fix.putU64(cf.inode.Add(Layout61.InodeSize), 13*PageSize4K-100)
	fix.putU64(cf.inode.Add(Layout61.InodeMapping), uint64(kernelVA(cf.mapping)))
	fix.putU64(cf.mapping.Add(Layout61.AddrSpaceNrPages), 13)

	// The dead inode: i_sb == 0 marks unallocated slab memory.
	fix.putU64(deadInode.Add(Layout61.InodeSuper), 0)
	fix.putU64(deadInode.Add(Layout61.InodeIno), 43)

	return cf
}

func (cf *cacheFixture) walker() *PageCacheWalker {
	tr := NewTranslator(cf.mem)
	return NewPageCacheWalker(cf.mem, tr, Layout61, cf.kpgd, DefaultConfig())
}

func TestPageCacheWalk(t *testing.T) {
	cf := newCacheFixture(t)
	w := cf.walker()
	report, err := w.Walk(context.Background(), 0, nil)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(report.CachedFiles) != 1 {
		t.Fatalf("got %d cached files, expected 1: %+v", len(report.CachedFiles), report.CachedFiles)
	}
	f := report.CachedFiles[0]
	if f.Inode != 42 || f.CachedPages != 13 || f.CachedBytes != 13*4096 {
		t.Errorf("file = %+v, expected inode 42 with 13 pages / %d bytes", f, 13*4096)
	}
	if f.Filesystem != "ext4" {
		t.Errorf("filesystem = %q, expected ext4", f.Filesystem)
	}
	if report.TotalCachedPages != 13 || report.TotalCachedBytes != 13*4096 {
		t.Errorf("totals = %d pages / %d bytes", report.TotalCachedPages, report.TotalCachedBytes)
	}
	if w.InodesSkippedNoSuper != 1 {
		t.Errorf("InodesSkippedNoSuper = %d, expected 1 for the dead inode", w.InodesSkippedNoSuper)
	}
	if len(report.Filesystems) != 1 {
		t.Fatalf("got %d filesystems, expected 1", len(report.Filesystems))
	}
	fs := report.Filesystems[0]
	if fs.Type != "ext4" || fs.ID != "vda1" || fs.Files != 1 || fs.CachedPages != 13 {
		t.Errorf("filesystem info = %+v", fs)
	}
}

func TestPageCacheWalkFromSymbol(t *testing.T) {
	cf := newCacheFixture(t)
	// A separate list head, as the super_blocks symbol would give.
	head := cf.alloc(PageSize4K)
	cf.putU64(head, uint64(kernelVA(cf.sb.Add(Layout61.SuperList))))
	// The superblock's s_list points back at the superblock itself,
	// so the cycle guard ends the walk after one superblock.

	w := cf.walker()
	report, err := w.Walk(context.Background(), kernelVA(head), nil)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(report.CachedFiles) != 1 || report.CachedFiles[0].Inode != 42 {
		t.Errorf("walk from symbol head found %+v", report.CachedFiles)
	}
}

func TestPageCacheCrossCheck(t *testing.T) {
	cf := newCacheFixture(t)

	// One process holding an open file whose inode is NOT on the
	// superblock list.
	otherInode := cf.alloc(PageSize4K)
	cf.putU64(otherInode.Add(Layout61.InodeIno), 99)
	file := cf.alloc(PageSize4K)
	cf.putU64(file.Add(Layout61.FileInode), uint64(kernelVA(otherInode)))
	fdArr := cf.alloc(PageSize4K)
	cf.putU64(fdArr, uint64(kernelVA(file)))
	fdt := cf.alloc(PageSize4K)
	cf.putU32(fdt.Add(Layout61.FdtMaxFds), 1)
	cf.putU64(fdt.Add(Layout61.FdtFd), uint64(kernelVA(fdArr)))
	files := cf.alloc(PageSize4K)
	cf.putU64(files.Add(Layout61.FilesFdt), uint64(kernelVA(fdt)))

	procs := []ProcessDescriptor{
		{Pid: 1, Comm: "systemd", FilesVA: kernelVA(files)},
		{Pid: 2, Comm: "kthreadd", IsKernelThread: true},
	}
	w := cf.walker()
	_, err := w.Walk(context.Background(), 0, procs)
	testutils.VerifyNoError(t, err)
	if w.CrossCheckMissing != 1 {
		t.Errorf("CrossCheckMissing = %d, expected 1", w.CrossCheckMissing)
	}
}

func TestPageCacheNoSuperblock(t *testing.T) {
	fix := newFixture(1 << 20)
	tr := NewTranslator(fix.mem)
	w := NewPageCacheWalker(fix.mem, tr, Layout61, 0, DefaultConfig())
	report, err := w.Walk(context.Background(), 0, nil)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(report.CachedFiles) != 0 || report.TotalCachedPages != 0 {
		t.Errorf("empty image produced %+v", report)
	}
}

func TestXarrayCount(t *testing.T) {
	cf := newCacheFixture(t)
	// Hang a one-level xarray off the mapping: an internal node with
	// three page entries.
	node := cf.alloc(PageSize4K)
	for i := uint64(0); i < 3; i++ {
		cf.putU64(node.Add(xaNodeSlotsOff+i*8), uint64(kernelVA(cf.alloc(PageSize4K))))
	}
	cf.putU64(cf.mapping.Add(Layout61.AddrSpacePages), uint64(kernelVA(node))|xaEntryInternal)

	w := cf.walker()
	if got := w.countXarrayPages(cf.mapping); got != 3 {
		t.Errorf("xarray count = %d, expected 3", got)
	}
}
