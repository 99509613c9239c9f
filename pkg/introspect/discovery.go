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
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// DiscoveryOutput is the record one pass produces. It owns all of
// its data; nothing references image bytes once the pass returns.
type DiscoveryOutput struct {
	Processes []ProcessDescriptor
	// PtesByPid maps PID to ordered leaf mappings; PID 0 is the
	// kernel.
	PtesByPid     map[int][]LeafMapping
	SectionsByPid map[int][]MemoryRegion
	KernelPtes    []LeafMapping
	// PageToPids is the reverse index, zero pages excluded.
	PageToPids map[PhysAddr][]int
	// SwapperPgDir is the kernel PGD, zero when no candidate
	// verified.
	SwapperPgDir PhysAddr
	// SwapperVerified distinguishes a verified PGD from the
	// best-effort candidate the pass fell back to.
	SwapperVerified bool
	PageCache       PageCacheReport
	Stats           DiscoveryStats
	// Warnings collects the non-fatal component errors of the pass.
	Warnings []string
}

// Discoverer runs one introspection pass over an image. It is
// single-threaded; the only suspension point is the optional trusted
// PGD lookup at the start.
type Discoverer struct {
	mem    *GuestMem
	cfg    *DiscoveryConfig
	layout StructLayout
	tr     *Translator
}

// NewDiscoverer validates the configuration and binds it to an
// image.
func NewDiscoverer(img Image, cfg *DiscoveryConfig) (*Discoverer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if img.Size() < PageSize4K {
		return nil, errors.Errorf("image of %d bytes cannot hold a guest", img.Size())
	}
	mem := NewGuestMem(img, PhysAddr(cfg.RAMBase))
	d := &Discoverer{
		mem: mem,
		cfg: cfg,
		tr:  NewTranslator(mem),
	}
	if cfg.Layout != "" {
		layout, err := LayoutByName(cfg.Layout)
		if err != nil {
			return nil, err
		}
		d.layout = layout
	}
	return d, nil
}

// Run performs the pass. On cancellation the partial output is
// discarded and the context error returned. All component failures
// short of a missing image are absorbed into counters and the
// Warnings list.
func (d *Discoverer) Run(ctx context.Context) (*DiscoveryOutput, error) {
	started := time.Now()
	var warnings *multierror.Error
	out := &DiscoveryOutput{
		PtesByPid:     make(map[int][]LeafMapping),
		SectionsByPid: make(map[int][]MemoryRegion),
	}

	// Trusted PGD, if a control channel is configured. The channel
	// being down is a warning, not a failure.
	trusted := PhysAddr(0)
	if d.cfg.TrustedPgdSocket != "" {
		pa, err := QueryTrustedPgd(ctx, d.cfg.TrustedPgdSocket)
		if err != nil {
			log.Warnf("trusted PGD unavailable: %v", err)
			warnings = multierror.Append(warnings, errors.Wrap(err, "trusted pgd"))
		} else {
			trusted = pa
		}
	}

	locator := NewPgdLocator(d.mem, d.tr)
	pgd, err := locator.Locate(trusted)
	if err != nil {
		if trusted != 0 {
			// A bad trusted value falls back to the heuristic scan.
			warnings = multierror.Append(warnings, err)
			pgd, err = locator.Locate(0)
		}
		if err != nil {
			// No candidate at all: the pass goes on without a kernel
			// PGD and the output stays unverified.
			log.Warnf("kernel PGD not found: %v", err)
			warnings = multierror.Append(warnings, errors.Wrap(err, "locating kernel PGD"))
			pgd = PgdCandidate{}
		}
	}
	if pgd.Verified {
		out.SwapperPgDir = pgd.PA
		out.SwapperVerified = true
	}

	// Struct layout: configured profile, or probe both and keep the
	// higher-yield one.
	if d.layout.Name == "" {
		layout, err := d.detectLayout(ctx)
		if err != nil {
			return nil, err
		}
		d.layout = layout
	}

	scanner := NewTaskScanner(d.mem, d.layout, d.cfg.ProgressBytes)
	processes, err := scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}

	ptWalker := NewPageTableWalker(d.mem, d.cfg.MaxTablesPerWalk, d.cfg.MaxQueuedTables)
	mapleWalker := NewMapleWalker(d.mem, d.tr, d.layout, pgd.PA, d.cfg.MaxMapleDepth, d.cfg.MaxVMAsPerProcess)
	reverse := NewReverseIndex(d.mem, d.cfg.ZeroSampleBytes)

	for i := range processes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := &processes[i]
		if p.IsKernelThread {
			out.Stats.KernelThreads++
			continue
		}
		out.Stats.UserProcesses++
		if !ResolveProcess(d.mem, d.tr, d.layout, pgd.PA, p) {
			log.Debugf("pid %d (%s): process PGD unresolved", p.Pid, p.Comm)
			continue
		}
		ptes := ptWalker.Walk(p.Pgd, false)
		for _, m := range ptes {
			reverse.Insert(p.Pid, m)
		}
		out.PtesByPid[p.Pid] = ptes
		out.Stats.TotalPTEs += len(ptes)

		regions := mapleWalker.Walk(p.MMPA)
		for j := range regions {
			if pa, ok := d.tr.TranslateRange(regions[j].Start, regions[j].Size, p.Pgd); ok {
				regions[j].StartPA = pa
			}
		}
		out.SectionsByPid[p.Pid] = regions
	}
	out.Processes = processes
	out.Stats.TotalProcesses = len(processes)

	// Kernel mappings under PID 0.
	out.KernelPtes = ptWalker.Walk(pgd.PA, true)
	for _, m := range out.KernelPtes {
		reverse.Insert(0, m)
	}
	out.PtesByPid[0] = out.KernelPtes
	out.Stats.KernelPTEs = len(out.KernelPtes)
	out.Stats.TotalPTEs += len(out.KernelPtes)

	pageToPids, unique, shared, zero := reverse.Snapshot()
	out.PageToPids = pageToPids
	out.Stats.UniquePages = unique
	out.Stats.SharedPages = shared
	out.Stats.ZeroPages = zero

	cacheWalker := NewPageCacheWalker(d.mem, d.tr, d.layout, pgd.PA, d.cfg)
	report, err := cacheWalker.Walk(ctx, VirtAddr(d.cfg.SuperBlocksVA), processes)
	if err != nil {
		return nil, err
	}
	out.PageCache = *report

	out.Stats.GarbagePTEs = ptWalker.GarbageEntries
	out.Stats.RejectedVMAs = mapleWalker.RejectedVMAs
	out.Stats.TranslationFaults = d.tr.Faults
	out.Stats.CandidatesRejected = scanner.CandidatesRejected
	out.Stats.CapHits = ptWalker.CapHits + mapleWalker.CapHits + cacheWalker.CapHits
	out.Stats.InodesSkippedNoSuper = cacheWalker.InodesSkippedNoSuper
	out.Stats.CrossCheckMissing = cacheWalker.CrossCheckMissing
	out.Stats.XarrayMismatches = cacheWalker.XarrayMismatches
	out.Stats.ScanSeconds = time.Since(started).Seconds()
	for _, err := range warnings.WrappedErrors() {
		out.Warnings = append(out.Warnings, err.Error())
	}

	log.Infof("discovery complete:\n%s", out.Stats.Summarize())
	return out, nil
}

// detectLayout probes a bounded prefix of the image with each layout
// profile and keeps the one yielding more accepted descriptors. A tie
// keeps the newer layout.
func (d *Discoverer) detectLayout(ctx context.Context) (StructLayout, error) {
	const probeBytes = 256 << 20
	probeSize := d.mem.RAMSize()
	if probeSize > probeBytes {
		probeSize = probeBytes
	}
	probeImg := &prefixImage{img: d.mem.img, size: probeSize}
	probeMem := NewGuestMem(probeImg, d.mem.RAMBase())

	best := Layout61
	bestCount := -1
	for _, layout := range []StructLayout{Layout61, Layout515} {
		scanner := NewTaskScanner(probeMem, layout, d.cfg.ProgressBytes)
		procs, err := scanner.Scan(ctx)
		if err != nil {
			return StructLayout{}, err
		}
		log.Infof("layout probe: %s yields %d descriptors", layout.Name, len(procs))
		if len(procs) > bestCount {
			best = layout
			bestCount = len(procs)
		}
	}
	return best, nil
}

// prefixImage restricts an image to its first size bytes.
type prefixImage struct {
	img  Image
	size uint64
}

func (p *prefixImage) Size() uint64 { return p.size }

func (p *prefixImage) ReadAt(off uint64, n int) ([]byte, bool) {
	if n < 0 || off > p.size || uint64(n) > p.size-off {
		return nil, false
	}
	return p.img.ReadAt(off, n)
}

func (p *prefixImage) U32(off uint64) (uint32, bool) { return leU32(p, off) }
func (p *prefixImage) U64(off uint64) (uint64, bool) { return leU64(p, off) }
func (p *prefixImage) CString(off uint64, max int) (string, bool) {
	return cString(p, off, max)
}
