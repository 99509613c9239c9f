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

// Package introspect reconstructs the state of a Linux guest from a
// flat image of its physical RAM, captured from an ARM64 virtual
// machine (4 KiB pages, 48-bit virtual addresses, 4-level
// translation).
//
// A discovery pass locates the kernel's top-level page directory,
// pattern-scans the image for task descriptors, walks each process's
// page tables and maple tree, builds a physical-page reverse index,
// and catalogs the page cache through the superblock and inode lists.
// Every byte the pass consumes is untrusted: all readers return
// explicit misses, all candidate structures are validated before use,
// and all walks carry cycle guards and hard caps.
package introspect
