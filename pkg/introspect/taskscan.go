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
	"regexp"
	"sort"
	"strings"
)

// ProcessDescriptor is an accepted task_struct candidate.
type ProcessDescriptor struct {
	Pid  int
	Comm string
	// Offset is where the descriptor sits in the image.
	Offset uint64
	// MMVA is the kernel VA of the memory descriptor, zero for
	// kernel threads.
	MMVA VirtAddr
	// Pgd is the process top-level page directory, zero for kernel
	// threads and for descriptors whose mm could not be resolved.
	Pgd PhysAddr
	// MMPA is the resolved physical address of the memory
	// descriptor, zero when unresolved.
	MMPA           PhysAddr
	IsKernelThread bool
	// FilesVA is the kernel VA of the process file table, zero when
	// absent.
	FilesVA VirtAddr
	// TasksNext and TasksPrev are the task-list links.
	TasksNext VirtAddr
	TasksPrev VirtAddr
	// Score is the validity score the scanner assigned.
	Score int
}

// Candidate acceptance rules. PIDs beyond the default pid_max and
// names that do not look like anything Linux would run are
// coincidences.
const (
	pidMin = 1
	pidMax = 32768

	commBytes    = 16
	minNameLen   = 3
	minNameAlnum = 2

	// Required kernel-space pointers within the descriptor head.
	minKernelPtrs     = 3
	kernelPtrWindow   = 512
	scoreKernelPtrs5  = 5
	scoreKernelPtrs10 = 10

	acceptScore = 3
)

// Scoring weights.
const (
	weightKnownName  = 3
	weightValidList  = 2
	weightKPtrs5     = 2
	weightKPtrs10    = 1
	weightValidMMPtr = 1
)

// nameRe is the shape of a plausible process name: leading letter or
// slash, then the characters comm actually carries.
var nameRe = regexp.MustCompile(`^[A-Za-z/][A-Za-z0-9/\-_\[\]:.$]*$`)

// knownNames are kernel and early-userspace processes short enough to
// fail the length rule.
var knownNames = map[string]bool{
	"sh": true, "su": true, "ps": true, "vi": true, "dd": true,
}

// knownPrefixes match the per-cpu kernel thread naming schemes.
var knownPrefixes = []string{
	"kworker/", "ksoftirqd/", "migration/", "irq/", "rcu_", "cpuhp/",
	"idle_inject/", "kswapd", "swapper",
}

// slabSubOffsets are the task_struct start offsets within a 4 KiB
// page: descriptors are 9088 bytes, so slab objects begin at
// multiples of 0x380 past a page boundary.
var slabSubOffsets = []uint64{0x0, 0x380, 0x700, 0xA80, 0xE00}

// TaskScanner pattern-matches process descriptors across the whole
// image.
type TaskScanner struct {
	mem    *GuestMem
	layout StructLayout

	progressBytes uint64

	// Scan statistics.
	PagesScanned       uint64
	CandidatesRejected uint64
}

func NewTaskScanner(mem *GuestMem, layout StructLayout, progressBytes uint64) *TaskScanner {
	if progressBytes == 0 {
		progressBytes = defProgressBytes
	}
	return &TaskScanner{mem: mem, layout: layout, progressBytes: progressBytes}
}

// Scan walks every 4 KiB page plus the known slab sub-offsets and
// returns accepted descriptors deduplicated by PID, sorted by PID.
// The context is checked once per progress interval.
func (s *TaskScanner) Scan(ctx context.Context) ([]ProcessDescriptor, error) {
	byPid := make(map[int]ProcessDescriptor)
	size := s.mem.RAMSize()
	for off := uint64(0); off+PageSize4K <= size; off += PageSize4K {
		if off%s.progressBytes == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if off > 0 {
				log.Infof("task scan %d/%d MiB, %d descriptors",
					off>>20, size>>20, len(byPid))
			}
		}
		s.PagesScanned++
		for _, sub := range slabSubOffsets {
			cand, ok := s.examine(off + sub)
			if !ok {
				continue
			}
			mergeCandidate(byPid, cand)
		}
	}
	out := make([]ProcessDescriptor, 0, len(byPid))
	for _, p := range byPid {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pid < out[j].Pid })
	log.Infof("task scan done: %d descriptors, %d rejects", len(out), s.CandidatesRejected)
	return out, nil
}

// mergeCandidate deduplicates by PID: the higher validity score wins,
// and on a tie the lower image offset. Never last-writer-wins, so
// merged partial scans stay deterministic.
func mergeCandidate(byPid map[int]ProcessDescriptor, cand ProcessDescriptor) {
	old, seen := byPid[cand.Pid]
	if !seen || cand.Score > old.Score || (cand.Score == old.Score && cand.Offset < old.Offset) {
		byPid[cand.Pid] = cand
	}
}

// examine reads a candidate descriptor at off and applies the
// weighted scoring filter.
func (s *TaskScanner) examine(off uint64) (ProcessDescriptor, bool) {
	if off+s.layout.TaskStructSize > s.mem.RAMSize() {
		return ProcessDescriptor{}, false
	}
	base := s.mem.RAMBase().Add(off)

	pid, ok := s.mem.U32Phys(base.Add(s.layout.TaskPid))
	if !ok || pid < pidMin || pid > pidMax {
		return ProcessDescriptor{}, false
	}
	comm, ok := s.mem.CStringPhys(base.Add(s.layout.TaskComm), commBytes)
	if !ok || !validTaskName(comm) {
		return ProcessDescriptor{}, false
	}

	head, ok := s.mem.ReadPhys(base, kernelPtrWindow)
	if !ok {
		return ProcessDescriptor{}, false
	}
	kptrs := 0
	for i := 0; i+8 <= len(head); i += 8 {
		if VirtAddr(leAt(head, i)).IsKernel() {
			kptrs++
		}
	}
	if kptrs < minKernelPtrs {
		s.CandidatesRejected++
		return ProcessDescriptor{}, false
	}

	next64, okN := s.mem.U64Phys(base.Add(s.layout.TaskTasks))
	prev64, okP := s.mem.U64Phys(base.Add(s.layout.TaskTasks + 8))
	listValid := okN && okP && VirtAddr(next64).IsKernel() && VirtAddr(prev64).IsKernel()

	mm64, okMM := s.mem.U64Phys(base.Add(s.layout.TaskMM))
	mmVA := VirtAddr(mm64).StripPAC()
	mmValid := okMM && (mm64 == 0 || mmVA.IsKernel())

	score := 0
	if isKnownName(comm) {
		score += weightKnownName
	}
	if listValid {
		score += weightValidList
	}
	if kptrs >= scoreKernelPtrs5 {
		score += weightKPtrs5
	}
	if kptrs >= scoreKernelPtrs10 {
		score += weightKPtrs10
	}
	if mmValid {
		score += weightValidMMPtr
	}
	if score < acceptScore {
		s.CandidatesRejected++
		return ProcessDescriptor{}, false
	}

	desc := ProcessDescriptor{
		Pid:       int(pid),
		Comm:      comm,
		Offset:    off,
		TasksNext: VirtAddr(next64),
		TasksPrev: VirtAddr(prev64),
		Score:     score,
	}
	if mm64 == 0 || !mmValid {
		desc.IsKernelThread = true
	} else {
		desc.MMVA = mmVA
	}
	if files64, ok := s.mem.U64Phys(base.Add(s.layout.TaskFiles)); ok {
		filesVA := VirtAddr(files64).StripPAC()
		if filesVA.IsKernel() {
			desc.FilesVA = filesVA
		}
	}
	return desc, true
}

// validTaskName applies the printability, shape and case-transition
// rules that separate real comm values from lucky byte runs.
func validTaskName(name string) bool {
	if name == "" || !nameRe.MatchString(name) {
		return false
	}
	alnum := 0
	for _, c := range name {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			alnum++
		}
	}
	if alnum < minNameAlnum {
		return false
	}
	if len(name) < minNameLen && !isKnownName(name) {
		return false
	}
	// Random bytes that happen to be letters flip case constantly;
	// real names do not.
	transitions := 0
	for i := 1; i < len(name); i++ {
		a, b := rune(name[i-1]), rune(name[i])
		if isLower(a) && isUpper(b) || isUpper(a) && isLower(b) {
			transitions++
		}
	}
	return transitions <= len(name)/2
}

func isLower(c rune) bool { return c >= 'a' && c <= 'z' }
func isUpper(c rune) bool { return c >= 'A' && c <= 'Z' }

func isKnownName(name string) bool {
	if knownNames[name] {
		return true
	}
	for _, p := range knownPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// ResolveProcess fills in the physical side of an accepted user
// descriptor: the memory descriptor PA via the kernel PGD, then the
// process PGD from it. A pgd field that already looks like a guest
// physical address is adopted as-is; a kernel VA is translated first.
func ResolveProcess(mem *GuestMem, tr *Translator, layout StructLayout, kernelPgd PhysAddr, desc *ProcessDescriptor) bool {
	if desc.IsKernelThread || desc.MMVA == 0 {
		return false
	}
	mmPA, ok := tr.Translate(desc.MMVA, kernelPgd)
	if !ok {
		log.Debugf("pid %d (%s): mm %s does not translate", desc.Pid, desc.Comm, desc.MMVA)
		return false
	}
	desc.MMPA = mmPA
	pgd64, ok := mem.U64Phys(mmPA.Add(layout.MMPgd))
	if !ok || pgd64 == 0 {
		return false
	}
	if va := VirtAddr(pgd64).StripPAC(); va.IsKernel() {
		pa, ok := tr.Translate(va, kernelPgd)
		if !ok {
			return false
		}
		desc.Pgd = pa
		return true
	}
	if pa := PhysAddr(pgd64); mem.Contains(pa) {
		desc.Pgd = pa
		return true
	}
	return false
}
