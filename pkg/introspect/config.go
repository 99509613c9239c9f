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
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// StructLayout holds the byte offsets of every kernel structure field
// the introspector reads. Offsets move between kernel builds, so two
// observed layouts ship as named profiles and arbitrary ones can be
// given in the configuration.
type StructLayout struct {
	Name string

	TaskPid   uint64
	TaskComm  uint64
	TaskMM    uint64
	TaskTasks uint64
	TaskFiles uint64

	MMPgd       uint64
	MMMapleRoot uint64
	MMUsers     uint64

	VMAStart uint64
	VMAEnd   uint64
	VMAFlags uint64
	VMAPgoff uint64
	VMAFile  uint64

	FilePathDentry uint64
	FileInode      uint64
	DentryName     uint64

	FilesFdt  uint64
	FdtMaxFds uint64
	FdtFd     uint64

	InodeSuper   uint64
	InodeMapping uint64
	InodeIno     uint64
	InodeSize    uint64
	InodeSbList  uint64

	SuperList   uint64
	SuperInodes uint64
	SuperType   uint64
	SuperID     uint64
	SuperMagic  uint64

	AddrSpacePages   uint64
	AddrSpaceNrPages uint64

	TaskStructSize uint64
}

// Layout61 matches the 6.1-era arm64 defconfig builds seen in the
// wild.
var Layout61 = StructLayout{
	Name:             "layout-6.1",
	TaskPid:          0x4E8,
	TaskComm:         0x758,
	TaskMM:           0x998,
	TaskTasks:        0x508,
	TaskFiles:        0x9B8,
	MMPgd:            0x68,
	MMMapleRoot:      0x48,
	MMUsers:          0x74,
	VMAStart:         0x00,
	VMAEnd:           0x08,
	VMAFlags:         0x20,
	VMAPgoff:         0x78,
	VMAFile:          0x80,
	FilePathDentry:   0x48,
	FileInode:        0x28,
	DentryName:       0x28,
	FilesFdt:         0x20,
	FdtMaxFds:        0x00,
	FdtFd:            0x08,
	InodeSuper:       0x28,
	InodeMapping:     0x30,
	InodeIno:         0x40,
	InodeSize:        0x50,
	InodeSbList:      0x128,
	SuperList:        0x00,
	SuperInodes:      0x548,
	SuperType:        0x28,
	SuperID:          0x3C0,
	SuperMagic:       0x60,
	AddrSpacePages:   0x08,
	AddrSpaceNrPages: 0x58,
	TaskStructSize:   TaskStructSize,
}

// Layout515 matches the older builds, where the same fields sit at
// different offsets.
var Layout515 = StructLayout{
	Name:             "layout-5.15",
	TaskPid:          0x750,
	TaskComm:         0x970,
	TaskMM:           0x6D0,
	TaskTasks:        0x7E0,
	TaskFiles:        0x990,
	MMPgd:            0x68,
	MMMapleRoot:      0x48,
	MMUsers:          0x74,
	VMAStart:         0x00,
	VMAEnd:           0x08,
	VMAFlags:         0x20,
	VMAPgoff:         0x78,
	VMAFile:          0x80,
	FilePathDentry:   0x48,
	FileInode:        0x28,
	DentryName:       0x28,
	FilesFdt:         0x20,
	FdtMaxFds:        0x00,
	FdtFd:            0x08,
	InodeSuper:       0x28,
	InodeMapping:     0x30,
	InodeIno:         0x40,
	InodeSize:        0x50,
	InodeSbList:      0x128,
	SuperList:        0x00,
	SuperInodes:      0x548,
	SuperType:        0x28,
	SuperID:          0x3C0,
	SuperMagic:       0x60,
	AddrSpacePages:   0x08,
	AddrSpaceNrPages: 0x58,
	TaskStructSize:   TaskStructSize,
}

var layouts = map[string]StructLayout{
	Layout61.Name:  Layout61,
	Layout515.Name: Layout515,
}

// LayoutByName returns a registered layout profile.
func LayoutByName(name string) (StructLayout, error) {
	if l, ok := layouts[name]; ok {
		return l, nil
	}
	return StructLayout{}, errors.Errorf("unknown struct layout %q (have %v)", name, LayoutNames())
}

// LayoutNames lists the registered layout profiles.
func LayoutNames() []string {
	names := make([]string, 0, len(layouts))
	for name := range layouts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DiscoveryConfig holds every tunable of a discovery pass. The zero
// value is unusable; start from DefaultConfig.
type DiscoveryConfig struct {
	// RAMBase is the guest-physical address of image offset 0.
	RAMBase uint64
	// Layout names the struct layout profile. Empty means probe the
	// image and pick the higher-yield profile.
	Layout string
	// TrustedPgdSocket, when set, is a unix socket path of a
	// hypervisor control channel queried once for the kernel PGD.
	TrustedPgdSocket string
	// SuperBlocksVA optionally gives the kernel VA of the superblock
	// list head when a symbol value is known out of band.
	SuperBlocksVA uint64

	MaxTablesPerWalk  int
	MaxQueuedTables   int
	MaxMapleDepth     int
	MaxVMAsPerProcess int
	MaxInodesPerSuper int
	MaxSuperblocks    int
	MaxFilesPerProc   int
	ZeroSampleBytes   int
	ProgressBytes     uint64
}

// DefaultConfig returns the configuration for the observed QEMU virt
// images.
func DefaultConfig() *DiscoveryConfig {
	return &DiscoveryConfig{
		RAMBase:           uint64(DefaultRAMBase),
		MaxTablesPerWalk:  defMaxTablesPerWalk,
		MaxQueuedTables:   defMaxQueuedTables,
		MaxMapleDepth:     defMaxMapleDepth,
		MaxVMAsPerProcess: defMaxVMAsPerProcess,
		MaxInodesPerSuper: defMaxInodesPerSuper,
		MaxSuperblocks:    defMaxSuperblocks,
		MaxFilesPerProc:   defMaxFilesPerProcess,
		ZeroSampleBytes:   defZeroSampleBytes,
		ProgressBytes:     defProgressBytes,
	}
}

// SetConfigJson replaces fields of the configuration from a JSON
// document. Fields absent from the document keep their values.
func (c *DiscoveryConfig) SetConfigJson(configJson string) error {
	if err := json.Unmarshal([]byte(configJson), c); err != nil {
		return errors.Wrap(err, "parsing discovery config")
	}
	return c.Validate()
}

// GetConfigJson returns the current configuration as JSON.
func (c *DiscoveryConfig) GetConfigJson() string {
	configStr, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(configStr)
}

// Validate checks the configuration for values no pass can run with.
func (c *DiscoveryConfig) Validate() error {
	if c.Layout != "" {
		if _, err := LayoutByName(c.Layout); err != nil {
			return err
		}
	}
	if c.MaxMapleDepth < defMaxMapleDepth {
		return errors.Errorf("MaxMapleDepth %d below minimum %d", c.MaxMapleDepth, defMaxMapleDepth)
	}
	if c.MaxVMAsPerProcess < defMaxVMAsPerProcess {
		return errors.Errorf("MaxVMAsPerProcess %d below minimum %d", c.MaxVMAsPerProcess, defMaxVMAsPerProcess)
	}
	if c.MaxInodesPerSuper < defMaxInodesPerSuper {
		return errors.Errorf("MaxInodesPerSuper %d below minimum %d", c.MaxInodesPerSuper, defMaxInodesPerSuper)
	}
	if c.MaxTablesPerWalk <= 0 || c.MaxQueuedTables <= 0 || c.MaxSuperblocks <= 0 ||
		c.MaxFilesPerProc <= 0 || c.ZeroSampleBytes <= 0 || c.ProgressBytes == 0 {
		return errors.New("caps must be positive")
	}
	return nil
}
