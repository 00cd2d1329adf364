package main

import (
	"context"
	"testing"
	"time"

	"github.com/chainsync/blocksync"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config {
	t.Helper()

	return &config{
		DataDir:    t.TempDir(),
		NumBlocks:  3 * blocksync.BatchLength,
		PreSync:    blocksync.BatchLength / 2,
		DropRate:   0.2,
		ForgeRate:  0.1,
		Jitter:     4,
		Seed:       1,
		FetchDelay: time.Millisecond,
		BufferMax:  blocksync.DefaultBufferMax,
		WindowMax:  blocksync.DefaultWindowMax,
		Timeout:    30 * time.Second,
	}
}

func TestSimulation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config)
	}{
		{
			name:   "lossy",
			modify: func(*config) {},
		},
		{
			name: "no pre-sync",
			modify: func(cfg *config) {
				cfg.PreSync = 0
			},
		},
		{
			name: "in order",
			modify: func(cfg *config) {
				cfg.DropRate = 0
				cfg.ForgeRate = 0
				cfg.Jitter = 0
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			cfg := testConfig(t)
			test.modify(cfg)

			sim, err := newSimulation(cfg)
			require.NoError(t, err)

			require.NoError(t, sim.run(context.Background()))
			require.EqualValues(t, cfg.NumBlocks, sim.store.Height())
			require.Equal(
				t, sim.blocks[cfg.NumBlocks].Hash(),
				sim.store.HeadHash(),
			)
			require.True(t, sim.manager.IsSynced())

			require.NoError(t, sim.stop())
		})
	}
}

// TestSimulationWithoutBackfill checks that dropped announcements leave the
// chain incomplete when missing blocks aren't requested.
func TestSimulationWithoutBackfill(t *testing.T) {
	cfg := testConfig(t)
	cfg.PreSync = 0
	cfg.ForgeRate = 0
	cfg.DropRate = 0.5
	cfg.NoBackfill = true
	cfg.Timeout = 200 * time.Millisecond

	sim, err := newSimulation(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, sim.stop())
	})

	err = sim.run(context.Background())
	require.ErrorIs(t, err, errIncomplete)
	require.Less(t, sim.store.Height(), cfg.NumBlocks)
}
