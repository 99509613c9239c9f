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
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Image is random access to the bytes of guest RAM. Offset 0 is the
// byte at physical address RAMBase. Every reader returns ok=false on
// any range that is not fully inside the image; there are no partial
// reads. CString is the one exception: a string running into the end
// of the image stops there. Reads are side-effect free.
type Image interface {
	Size() uint64
	ReadAt(off uint64, n int) ([]byte, bool)
	U32(off uint64) (uint32, bool)
	U64(off uint64) (uint64, bool)
	CString(off uint64, max int) (string, bool)
}

// leU32, leU64 and cString implement the integer and string helpers
// on top of any raw reader, so Image implementations only supply
// ReadAt.
func leU32(img Image, off uint64) (uint32, bool) {
	b, ok := img.ReadAt(off, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func leU64(img Image, off uint64) (uint64, bool) {
	b, ok := img.ReadAt(off, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// cString returns the printable ASCII prefix at off, up to max bytes
// or the first NUL. Any byte before the NUL that is not printable
// ASCII makes the read a miss.
func cString(img Image, off uint64, max int) (string, bool) {
	if max <= 0 {
		return "", false
	}
	if off >= img.Size() {
		return "", false
	}
	n := max
	if rem := img.Size() - off; uint64(n) > rem {
		n = int(rem)
	}
	b, ok := img.ReadAt(off, n)
	if !ok {
		return "", false
	}
	end := 0
	for end < len(b) && b[end] != 0 {
		if b[end] < 0x20 || b[end] > 0x7E {
			return "", false
		}
		end++
	}
	return string(b[:end]), true
}

// leAt decodes the little-endian u64 at off in an already-read
// buffer. The caller guarantees off+8 <= len(b).
func leAt(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+8])
}

// MemImage is an Image over an in-memory byte slice.
type MemImage struct {
	data []byte
}

func NewMemImage(data []byte) *MemImage {
	return &MemImage{data: data}
}

func (m *MemImage) Size() uint64 {
	return uint64(len(m.data))
}

func (m *MemImage) ReadAt(off uint64, n int) ([]byte, bool) {
	if n < 0 || off > m.Size() || uint64(n) > m.Size()-off {
		return nil, false
	}
	return m.data[off : off+uint64(n)], true
}

func (m *MemImage) U32(off uint64) (uint32, bool) { return leU32(m, off) }
func (m *MemImage) U64(off uint64) (uint64, bool) { return leU64(m, off) }
func (m *MemImage) CString(off uint64, max int) (string, bool) {
	return cString(m, off, max)
}

// FileImage is an Image over a guest RAM dump on disk. The file is
// mapped read-only; when mmap is unavailable reads fall back to
// pread.
type FileImage struct {
	file   *os.File
	mapped []byte
	size   uint64
}

// OpenFileImage opens path as a guest RAM image. An image smaller
// than one page cannot hold anything worth introspecting and is the
// one fatal open error.
func OpenFileImage(path string) (*FileImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening image %q", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat image %q", path)
	}
	size := uint64(fi.Size())
	if size < PageSize4K {
		f.Close()
		return nil, errors.Errorf("image %q too small: %d bytes", path, size)
	}
	img := &FileImage{file: f, size: size}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		img.mapped = data
	} else {
		log.Warnf("mmap %q failed (%v), falling back to pread", path, err)
	}
	return img, nil
}

func (f *FileImage) Close() error {
	if f.mapped != nil {
		if err := unix.Munmap(f.mapped); err != nil {
			return errors.Wrap(err, "munmap image")
		}
		f.mapped = nil
	}
	return f.file.Close()
}

func (f *FileImage) Size() uint64 {
	return f.size
}

func (f *FileImage) ReadAt(off uint64, n int) ([]byte, bool) {
	if n < 0 || off > f.size || uint64(n) > f.size-off {
		return nil, false
	}
	if f.mapped != nil {
		return f.mapped[off : off+uint64(n)], true
	}
	buf := make([]byte, n)
	read, err := f.file.ReadAt(buf, int64(off))
	if err != nil || read != n {
		return nil, false
	}
	return buf, true
}

func (f *FileImage) U32(off uint64) (uint32, bool) { return leU32(f, off) }
func (f *FileImage) U64(off uint64) (uint64, bool) { return leU64(f, off) }
func (f *FileImage) CString(off uint64, max int) (string, bool) {
	return cString(f, off, max)
}

// GuestMem pairs an image with the physical address of its first
// byte, so components can read by guest-physical address.
type GuestMem struct {
	img  Image
	base PhysAddr
	size uint64
}

func NewGuestMem(img Image, base PhysAddr) *GuestMem {
	return &GuestMem{img: img, base: base, size: img.Size()}
}

// RAMBase returns the physical address of image offset 0.
func (g *GuestMem) RAMBase() PhysAddr { return g.base }

// RAMSize returns the number of image bytes.
func (g *GuestMem) RAMSize() uint64 { return g.size }

// Contains reports whether pa lies inside guest RAM.
func (g *GuestMem) Contains(pa PhysAddr) bool {
	return pa >= g.base && uint64(pa-g.base) < g.size
}

// Offset converts a guest-physical address to an image offset. The
// caller must have checked Contains.
func (g *GuestMem) Offset(pa PhysAddr) uint64 {
	return uint64(pa - g.base)
}

func (g *GuestMem) ReadPhys(pa PhysAddr, n int) ([]byte, bool) {
	if !g.Contains(pa) {
		return nil, false
	}
	return g.img.ReadAt(g.Offset(pa), n)
}

func (g *GuestMem) U32Phys(pa PhysAddr) (uint32, bool) {
	if !g.Contains(pa) {
		return 0, false
	}
	return g.img.U32(g.Offset(pa))
}

func (g *GuestMem) U64Phys(pa PhysAddr) (uint64, bool) {
	if !g.Contains(pa) {
		return 0, false
	}
	return g.img.U64(g.Offset(pa))
}

func (g *GuestMem) CStringPhys(pa PhysAddr, max int) (string, bool) {
	if !g.Contains(pa) {
		return "", false
	}
	return g.img.CString(g.Offset(pa), max)
}
