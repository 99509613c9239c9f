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

	"github.com/pkg/errors"
)

// PgdCandidate is a page that passed the swapper-PGD signature
// checks.
type PgdCandidate struct {
	PA PhysAddr
	// Score accumulates the secondary signals.
	Score int
	// UserEntries and KernelEntries count valid table descriptors in
	// the two halves of the candidate.
	UserEntries   int
	KernelEntries int
	// MemSizeEstimate is the number of consecutive linear-map
	// entries found at the first child table, in GiB.
	MemSizeEstimate int
	// Verified is set when the candidate translated known linear-map
	// addresses back to themselves.
	Verified bool
}

// Signature thresholds for a plausible kernel PGD page. A live
// swapper_pg_dir is sparse: a few kernel-half entries for the linear
// map, kernel text and fixmap, and almost nothing in the user half.
const (
	pgdMaxValidEntries  = 20
	pgdMaxUserEntries   = 5
	pgdMinKernelEntries = 2
	pgdMaxKernelEntries = 10
	pgdChildMaxEntries  = 64
	pgdFixmapFirstIndex = 500
	pgdKernelTextIndex  = kernelHalfIndex
)

// Verification probes: linear-map addresses expected to translate to
// themselves. RAMBase+small and RAMBase+medium both sit inside any
// image this package accepts larger than 4 MiB.
const (
	pgdVerifySmallOffset  = 0x1000
	pgdVerifyMediumOffset = 0x200000
)

// memSizeBonusGiB are linear-map run lengths matching RAM sizes a VM
// is actually configured with.
var memSizeBonusGiB = map[int]bool{1: true, 2: true, 4: true, 6: true, 8: true, 16: true, 32: true}

// PgdLocator finds the kernel's top-level page directory in an
// untrusted image.
type PgdLocator struct {
	mem *GuestMem
	tr  *Translator

	// PagesExamined and CandidatesFound feed the discovery stats.
	PagesExamined   uint64
	CandidatesFound int
}

func NewPgdLocator(mem *GuestMem, tr *Translator) *PgdLocator {
	return &PgdLocator{mem: mem, tr: tr}
}

// Locate finds the kernel PGD. A non-zero trusted value from the
// hypervisor wins if it passes structural validation; otherwise every
// 4 KiB-aligned page is scanned and scored, and the survivors are
// checked by translating linear-map addresses. When nothing verifies,
// the best-scored candidate is returned with Verified=false; the
// caller decides how loudly to complain.
func (l *PgdLocator) Locate(trusted PhysAddr) (PgdCandidate, error) {
	if trusted != 0 {
		cand, plausible := l.examinePage(trusted)
		if !plausible {
			return PgdCandidate{}, errors.Errorf("trusted PGD %s failed structural validation", trusted)
		}
		cand.Verified = l.verify(&cand)
		if !cand.Verified {
			log.Warnf("trusted PGD %s did not verify against the linear map", trusted)
		}
		return cand, nil
	}

	candidates := l.scan()
	if len(candidates) == 0 {
		return PgdCandidate{}, errors.New("no kernel PGD candidate found")
	}
	// Highest score first; the lower physical address wins a tie so
	// reruns stay deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].PA < candidates[j].PA
	})
	for i := range candidates {
		if l.verify(&candidates[i]) {
			candidates[i].Verified = true
			log.Infof("kernel PGD verified at %s (score %d, linear map %d GiB)",
				candidates[i].PA, candidates[i].Score, candidates[i].MemSizeEstimate)
			return candidates[i], nil
		}
	}
	best := candidates[0]
	log.Warnf("no PGD candidate verified; continuing unverified with %s (score %d)", best.PA, best.Score)
	return best, nil
}

// scan examines every 4 KiB-aligned page in the image.
func (l *PgdLocator) scan() []PgdCandidate {
	var candidates []PgdCandidate
	base := l.mem.RAMBase()
	for off := uint64(0); off+PageSize4K <= l.mem.RAMSize(); off += PageSize4K {
		l.PagesExamined++
		cand, plausible := l.examinePage(base.Add(off))
		if plausible {
			candidates = append(candidates, cand)
		}
	}
	l.CandidatesFound = len(candidates)
	return candidates
}

// examinePage applies the sparse-PGD signature to the page at pa and
// scores the secondary signals.
func (l *PgdLocator) examinePage(pa PhysAddr) (PgdCandidate, bool) {
	// Entry 0 must be a table descriptor; checking it first skips
	// zero pages without reading the rest.
	entry0, ok := l.mem.U64Phys(pa)
	if !ok || entry0&descTypeMask != descTypeTable {
		return PgdCandidate{}, false
	}
	page, ok := l.mem.ReadPhys(pa, int(PageSize4K))
	if !ok {
		return PgdCandidate{}, false
	}

	cand := PgdCandidate{PA: pa}
	for i := 0; i < tableEntries; i++ {
		desc := leAt(page, i*8)
		if desc&descTypeMask != descTypeTable {
			continue
		}
		if i < kernelHalfIndex {
			cand.UserEntries++
		} else {
			cand.KernelEntries++
		}
	}
	total := cand.UserEntries + cand.KernelEntries
	if total > pgdMaxValidEntries ||
		cand.UserEntries > pgdMaxUserEntries ||
		cand.KernelEntries < pgdMinKernelEntries ||
		cand.KernelEntries > pgdMaxKernelEntries {
		return PgdCandidate{}, false
	}

	child := PhysAddr(entry0 & descAddrMask)
	childValid, linearRun := l.examineChild(child)
	if childValid < 0 || childValid > pgdChildMaxEntries {
		return PgdCandidate{}, false
	}

	cand.MemSizeEstimate = linearRun
	cand.Score += linearRun
	if memSizeBonusGiB[linearRun] {
		cand.Score += 4
	}
	if leAt(page, pgdKernelTextIndex*8)&descTypeMask == descTypeTable {
		cand.Score += 3
	}
	for i := pgdFixmapFirstIndex; i < tableEntries; i++ {
		if leAt(page, i*8)&descTypeMask == descTypeTable {
			cand.Score += 2
			break
		}
	}
	return cand, true
}

// examineChild counts valid entries in the PUD table the first PGD
// entry points at, and measures the run of consecutive valid entries
// from index 0: a linear map for N GiB of RAM shows up as N
// consecutive PUD entries.
func (l *PgdLocator) examineChild(pa PhysAddr) (valid int, linearRun int) {
	page, ok := l.mem.ReadPhys(pa, int(PageSize4K))
	if !ok {
		return -1, 0
	}
	inRun := true
	for i := 0; i < tableEntries; i++ {
		desc := leAt(page, i*8)
		typ := desc & descTypeMask
		if typ == descTypeBlock || typ == descTypeTable {
			valid++
			if inRun {
				linearRun++
			}
		} else {
			inRun = false
		}
	}
	return valid, linearRun
}

// verify translates linear-map addresses through the candidate and
// checks they come back unchanged.
func (l *PgdLocator) verify(cand *PgdCandidate) bool {
	for _, off := range []uint64{pgdVerifySmallOffset, pgdVerifyMediumOffset} {
		want := l.mem.RAMBase().Add(off)
		if !l.mem.Contains(want) {
			continue
		}
		got, ok := l.tr.Translate(VirtAddr(want), cand.PA)
		if !ok || got != want {
			return false
		}
	}
	return true
}
