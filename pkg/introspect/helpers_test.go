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
	"encoding/binary"
)

// sparseImage is a test Image that stores only the pages a test
// writes, so candidates can sit at multi-GiB offsets without
// allocating the space between.
type sparseImage struct {
	pages map[uint64][]byte
	size  uint64
}

func newSparseImage(size uint64) *sparseImage {
	return &sparseImage{pages: make(map[uint64][]byte), size: size}
}

func (s *sparseImage) page(off uint64) []byte {
	base := off &^ (PageSize4K - 1)
	p, ok := s.pages[base]
	if !ok {
		p = make([]byte, PageSize4K)
		s.pages[base] = p
	}
	return p
}

// putU64 stores a little-endian u64. Offsets are 8-aligned in every
// test, so values never straddle a page.
func (s *sparseImage) putU64(off uint64, v uint64) {
	binary.LittleEndian.PutUint64(s.page(off)[off&(PageSize4K-1):], v)
}

func (s *sparseImage) putU32(off uint64, v uint32) {
	binary.LittleEndian.PutUint32(s.page(off)[off&(PageSize4K-1):], v)
}

func (s *sparseImage) putString(off uint64, v string) {
	for i := 0; i < len(v); i++ {
		s.page(off + uint64(i))[(off+uint64(i))&(PageSize4K-1)] = v[i]
	}
}

func (s *sparseImage) Size() uint64 { return s.size }

func (s *sparseImage) ReadAt(off uint64, n int) ([]byte, bool) {
	if n < 0 || off > s.size || uint64(n) > s.size-off {
		return nil, false
	}
	buf := make([]byte, n)
	for i := 0; i < n; {
		pos := off + uint64(i)
		base := pos &^ (PageSize4K - 1)
		po := int(pos - base)
		chunk := n - i
		if chunk > int(PageSize4K)-po {
			chunk = int(PageSize4K) - po
		}
		if p, ok := s.pages[base]; ok {
			copy(buf[i:i+chunk], p[po:po+chunk])
		}
		i += chunk
	}
	return buf, true
}

func (s *sparseImage) U32(off uint64) (uint32, bool) { return leU32(s, off) }
func (s *sparseImage) U64(off uint64) (uint64, bool) { return leU64(s, off) }
func (s *sparseImage) CString(off uint64, max int) (string, bool) {
	return cString(s, off, max)
}

// countingImage counts reads passing through to the wrapped image.
type countingImage struct {
	inner Image
	reads int
}

func (c *countingImage) Size() uint64 { return c.inner.Size() }
func (c *countingImage) ReadAt(off uint64, n int) ([]byte, bool) {
	c.reads++
	return c.inner.ReadAt(off, n)
}
func (c *countingImage) U32(off uint64) (uint32, bool) { return leU32(c, off) }
func (c *countingImage) U64(off uint64) (uint64, bool) { return leU64(c, off) }
func (c *countingImage) CString(off uint64, max int) (string, bool) {
	return cString(c, off, max)
}

// kernelVA forms the kernel alias of a guest physical address the
// way the test fixtures lay out their linear map.
func kernelVA(pa PhysAddr) VirtAddr {
	return VirtAddr(uint64(0xFFFF0000)<<32 | uint64(pa))
}

// testRAMBase anchors all fixture images.
const testRAMBase = DefaultRAMBase

// fixture builds guest memory content for tests: tables, kernel
// structures, a linear map.
type fixture struct {
	img  *sparseImage
	mem  *GuestMem
	next uint64
}

func newFixture(size uint64) *fixture {
	img := newSparseImage(size)
	return &fixture{
		img:  img,
		mem:  NewGuestMem(img, testRAMBase),
		next: 0x1000,
	}
}

// alloc reserves a page-aligned scratch region and returns its
// physical address.
func (f *fixture) alloc(bytes uint64) PhysAddr {
	pa := testRAMBase.Add(f.next)
	f.next += (bytes + PageSize4K - 1) &^ (PageSize4K - 1)
	return pa
}

func (f *fixture) off(pa PhysAddr) uint64 { return uint64(pa - testRAMBase) }

func (f *fixture) putU64(pa PhysAddr, v uint64)    { f.img.putU64(f.off(pa), v) }
func (f *fixture) putU32(pa PhysAddr, v uint32)    { f.img.putU32(f.off(pa), v) }
func (f *fixture) putString(pa PhysAddr, v string) { f.img.putString(f.off(pa), v) }

func (f *fixture) setEntry(table PhysAddr, index int, desc uint64) {
	f.putU64(table.Add(uint64(index)*8), desc)
}

func tableDesc(pa PhysAddr) uint64 { return uint64(pa) | descTypeTable }
func blockDesc(pa PhysAddr) uint64 { return uint64(pa) | descTypeBlock }
func pageDesc(pa PhysAddr) uint64  { return uint64(pa) | descTypeTable }

// buildKernelPgd lays out a plausible swapper page directory whose
// first child identity-maps [0, gibs GiB) with 1 GiB blocks, so both
// RAM addresses and the 0xFFFF0000-alias kernel VAs the fixtures use
// translate.
func (f *fixture) buildKernelPgd(gibs int) PhysAddr {
	pgd := f.alloc(PageSize4K)
	pud := f.alloc(PageSize4K)
	ktext := f.alloc(PageSize4K)
	fixmap := f.alloc(PageSize4K)
	f.setEntry(pgd, 0, tableDesc(pud))
	f.setEntry(pgd, 256, tableDesc(ktext))
	f.setEntry(pgd, 507, tableDesc(fixmap))
	for i := 0; i < gibs; i++ {
		f.setEntry(pud, i, blockDesc(PhysAddr(uint64(i)<<30)))
	}
	return pgd
}
