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
	"testing"
)

// buildUserTables lays out a small 4-level hierarchy:
//
//	PGD[0] -> PUD, PUD[0] -> PMD, PMD[2] -> PTE
//	PTE[5]  = 4 KiB page at RAM+0x00700000  (VA 0x00405000)
//	PMD[3]  = 2 MiB block at RAM+0x00400000 (VA 0x00600000)
//	PUD[1]  = 1 GiB block at PA 0x40000000  (VA 0x40000000)
func buildUserTables(f *fixture) PhysAddr {
	pgd := f.alloc(PageSize4K)
	pud := f.alloc(PageSize4K)
	pmd := f.alloc(PageSize4K)
	pte := f.alloc(PageSize4K)
	f.setEntry(pgd, 0, tableDesc(pud))
	f.setEntry(pud, 0, tableDesc(pmd))
	f.setEntry(pud, 1, blockDesc(0x40000000))
	f.setEntry(pmd, 2, tableDesc(pte))
	f.setEntry(pmd, 3, blockDesc(testRAMBase.Add(0x400000)))
	f.setEntry(pte, 5, pageDesc(testRAMBase.Add(0x700000)))
	return pgd
}

func TestTranslate(t *testing.T) {
	fix := newFixture(16 << 20)
	pgd := buildUserTables(fix)
	tr := NewTranslator(fix.mem)

	tcases := []struct {
		name       string
		va         VirtAddr
		expectedPA PhysAddr
		expectedOK bool
	}{
		{
			name:       "4k page",
			va:         0x405000,
			expectedPA: testRAMBase.Add(0x700000),
			expectedOK: true,
		}, {
			name:       "4k page interior offset",
			va:         0x405A48,
			expectedPA: testRAMBase.Add(0x700A48),
			expectedOK: true,
		}, {
			name:       "2m block",
			va:         0x600000,
			expectedPA: testRAMBase.Add(0x400000),
			expectedOK: true,
		}, {
			name:       "2m block interior offset",
			va:         0x6ABCDE,
			expectedPA: testRAMBase.Add(0x4ABCDE),
			expectedOK: true,
		}, {
			name:       "1g block",
			va:         0x40000000,
			expectedPA: 0x40000000,
			expectedOK: true,
		}, {
			name:       "1g block interior offset",
			va:         0x40123456,
			expectedPA: 0x40123456,
			expectedOK: true,
		}, {
			name:       "unmapped pte slot",
			va:         0x406000,
			expectedOK: false,
		}, {
			name:       "unmapped pgd slot",
			va:         VirtAddr(3) << 39,
			expectedOK: false,
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			pa, ok := tr.Translate(tc.va, pgd)
			if ok != tc.expectedOK {
				t.Fatalf("Translate(%s) ok = %v, expected %v", tc.va, ok, tc.expectedOK)
			}
			if ok && pa != tc.expectedPA {
				t.Errorf("Translate(%s) = %s, expected %s", tc.va, pa, tc.expectedPA)
			}
		})
	}
}

func TestTranslateRootOutsideRAM(t *testing.T) {
	fix := newFixture(1 << 20)
	tr := NewTranslator(fix.mem)
	if _, ok := tr.Translate(0x1000, 0x1000); ok {
		t.Errorf("translation from a root outside guest RAM must fail")
	}
}

func TestTranslateFaultCounting(t *testing.T) {
	fix := newFixture(1 << 20)
	pgd := fix.alloc(PageSize4K)
	tr := NewTranslator(fix.mem)
	if _, ok := tr.Translate(0x1000, pgd); ok {
		t.Fatalf("empty table should not translate")
	}
	if tr.Faults != 1 {
		t.Errorf("Faults = %d, expected 1", tr.Faults)
	}
}

func TestFastPathAgainstWalk(t *testing.T) {
	// The fixture's kernel PGD identity-maps low PAs, so the
	// 0xFFFF0000 alias disagrees with the shortcut's RAM-offset
	// reading; the walk must win and the shortcut must latch off.
	fix := newFixture(16 << 20)
	pgd := fix.buildKernelPgd(2)
	tr := NewTranslator(fix.mem)

	va := kernelVA(testRAMBase.Add(0x345000)) // 0xFFFF000040345000
	pa, ok := tr.Translate(va, pgd)
	if !ok {
		t.Fatalf("Translate(%s) failed", va)
	}
	if pa != testRAMBase.Add(0x345000) {
		t.Errorf("Translate(%s) = %s, expected %s", va, pa, testRAMBase.Add(0x345000))
	}
	if !tr.fastEnabled {
		t.Errorf("shortcut disabled although fast path never produced a result")
	}

	// A VA whose low 48 bits are a plausible image offset makes the
	// shortcut answer, but the identity map resolves the same VA to
	// PA 0x2000. The walk disagrees, wins, and latches the shortcut
	// off.
	va = VirtAddr(0xFFFF000000002000)
	pa, ok = tr.Translate(va, pgd)
	if !ok {
		t.Fatalf("Translate(%s) failed", va)
	}
	if pa != 0x2000 {
		t.Errorf("walk result must win on mismatch: got %s, expected 0x2000", pa)
	}
	if tr.fastEnabled {
		t.Errorf("shortcut still enabled after a verified mismatch")
	}
}

func TestFastPathDisabledOnMismatch(t *testing.T) {
	fix := newFixture(16 << 20)
	// Map VA 0xFFFF0000_00002000 through real tables to a PA that
	// differs from the shortcut's RAMBase+0x2000 reading.
	pgd := fix.alloc(PageSize4K)
	pud := fix.alloc(PageSize4K)
	pmd := fix.alloc(PageSize4K)
	pte := fix.alloc(PageSize4K)
	fix.setEntry(pgd, 0, tableDesc(pud))
	fix.setEntry(pud, 0, tableDesc(pmd))
	fix.setEntry(pmd, 0, tableDesc(pte))
	fix.setEntry(pte, 2, pageDesc(testRAMBase.Add(0x9000)))

	tr := NewTranslator(fix.mem)
	va := VirtAddr(0xFFFF0000_00002000)
	pa, ok := tr.Translate(va, pgd)
	if !ok {
		t.Fatalf("Translate(%s) failed", va)
	}
	if pa != testRAMBase.Add(0x9000) {
		t.Errorf("walk result must win on mismatch: got %s, expected %s", pa, testRAMBase.Add(0x9000))
	}
	if tr.fastEnabled {
		t.Errorf("shortcut still enabled after a verified mismatch")
	}
}

func TestTranslateRange(t *testing.T) {
	fix := newFixture(16 << 20)
	pgd := buildUserTables(fix)
	tr := NewTranslator(fix.mem)

	// [0x404000, 0x406000): only the second page resolves.
	pa, ok := tr.TranslateRange(0x404000, 2*PageSize4K, pgd)
	if !ok || pa != testRAMBase.Add(0x700000) {
		t.Errorf("TranslateRange = %s/%v, expected %s/true", pa, ok, testRAMBase.Add(0x700000))
	}
	if _, ok := tr.TranslateRange(0x900000, 2*PageSize4K, pgd); ok {
		t.Errorf("fully unmapped range must not resolve")
	}
}
