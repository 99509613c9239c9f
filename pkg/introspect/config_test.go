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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutProfiles(t *testing.T) {
	l61, err := LayoutByName("layout-6.1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x4E8), l61.TaskPid)
	assert.Equal(t, uint64(0x758), l61.TaskComm)
	assert.Equal(t, uint64(0x998), l61.TaskMM)
	assert.Equal(t, uint64(0x508), l61.TaskTasks)
	assert.Equal(t, uint64(0x9B8), l61.TaskFiles)

	l515, err := LayoutByName("layout-5.15")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x750), l515.TaskPid)
	assert.Equal(t, uint64(0x970), l515.TaskComm)
	assert.Equal(t, uint64(0x6D0), l515.TaskMM)
	assert.Equal(t, uint64(0x7E0), l515.TaskTasks)
	assert.Equal(t, uint64(0x990), l515.TaskFiles)

	// Offsets shared between the layouts.
	for _, l := range []StructLayout{l61, l515} {
		assert.Equal(t, uint64(0x68), l.MMPgd)
		assert.Equal(t, uint64(0x48), l.MMMapleRoot)
		assert.Equal(t, uint64(0x548), l.SuperInodes)
		assert.Equal(t, uint64(TaskStructSize), l.TaskStructSize)
	}

	_, err = LayoutByName("layout-nope")
	assert.Error(t, err)

	assert.Equal(t, []string{"layout-5.15", "layout-6.1"}, LayoutNames())
}

func TestDiscoveryConfigJson(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	err := cfg.SetConfigJson(`{"Layout":"layout-5.15","MaxSuperblocks":10}`)
	require.NoError(t, err)
	assert.Equal(t, "layout-5.15", cfg.Layout)
	assert.Equal(t, 10, cfg.MaxSuperblocks)
	// Untouched fields keep their defaults.
	assert.Equal(t, uint64(DefaultRAMBase), cfg.RAMBase)
	assert.Equal(t, defMaxMapleDepth, cfg.MaxMapleDepth)

	roundTrip := DefaultConfig()
	require.NoError(t, roundTrip.SetConfigJson(cfg.GetConfigJson()))
	assert.Equal(t, cfg, roundTrip)
}

func TestDiscoveryConfigValidation(t *testing.T) {
	tcases := []struct {
		name   string
		mutate func(*DiscoveryConfig)
	}{
		{"unknown layout", func(c *DiscoveryConfig) { c.Layout = "layout-x" }},
		{"maple depth below minimum", func(c *DiscoveryConfig) { c.MaxMapleDepth = 3 }},
		{"vma cap below minimum", func(c *DiscoveryConfig) { c.MaxVMAsPerProcess = 100 }},
		{"inode cap below minimum", func(c *DiscoveryConfig) { c.MaxInodesPerSuper = 10 }},
		{"zero superblock cap", func(c *DiscoveryConfig) { c.MaxSuperblocks = 0 }},
		{"zero progress interval", func(c *DiscoveryConfig) { c.ProgressBytes = 0 }},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
