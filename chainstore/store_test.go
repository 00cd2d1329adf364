package chainstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/chainsync/blocksync/block"
	"github.com/stretchr/testify/require"
)

const testBatchLength = 8

func openDB(t *testing.T, dir string) walletdb.DB {
	t.Helper()

	db, err := walletdb.Create(
		"bdb", filepath.Join(dir, "chain.db"), true, time.Second*10,
	)
	require.NoError(t, err)

	return db
}

type testHarness struct {
	store   *Store
	db      walletdb.DB
	builder *block.Builder
	genesis *block.Block
}

func newTestHarness(t *testing.T, key *btcec.PrivateKey) *testHarness {
	t.Helper()

	builder := block.NewBuilder(key, testBatchLength)
	genesis, err := builder.Genesis()
	require.NoError(t, err)

	db := openDB(t, t.TempDir())
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	cfg := &Config{
		DB:      db,
		Genesis: genesis,
	}
	if key != nil {
		cfg.ProducerKey = key.PubKey()
	}

	store, err := New(cfg)
	require.NoError(t, err)

	return &testHarness{
		store:   store,
		db:      db,
		builder: builder,
		genesis: genesis,
	}
}

// extend builds n blocks on top of parent and accepts all of them.
func (h *testHarness) extend(t *testing.T, parent *block.Block,
	n int) []*block.Block {

	t.Helper()

	blocks, err := h.builder.Chain(parent, n)
	require.NoError(t, err)

	for _, blk := range blocks {
		require.NoError(t, h.store.Accept(blk))
	}

	return blocks
}

func TestStoreGenesis(t *testing.T) {
	dir := t.TempDir()
	builder := block.NewBuilder(nil, testBatchLength)
	genesis, err := builder.Genesis()
	require.NoError(t, err)

	db := openDB(t, dir)
	store, err := New(&Config{DB: db, Genesis: genesis})
	require.NoError(t, err)
	require.Zero(t, store.Height())
	require.Equal(t, genesis.Hash(), store.HeadHash())

	chain, err := builder.Chain(genesis, 3)
	require.NoError(t, err)
	for _, blk := range chain {
		require.NoError(t, store.Accept(blk))
	}
	require.NoError(t, db.Close())

	// Reopening the database picks up the persisted tip.
	db = openDB(t, dir)
	store, err = New(&Config{DB: db, Genesis: genesis})
	require.NoError(t, err)
	require.EqualValues(t, 3, store.Height())
	require.Equal(t, chain[2].Hash(), store.HeadHash())

	// A different genesis block is refused.
	other := &block.Block{
		Kind: block.KindMacro,
		Body: []byte("other genesis"),
	}
	_, err = New(&Config{DB: db, Genesis: other})
	require.ErrorIs(t, err, ErrGenesisMismatch)
	require.NoError(t, db.Close())

	_, err = New(&Config{DB: db})
	require.Error(t, err)
}

func TestStoreAccept(t *testing.T) {
	h := newTestHarness(t, nil)
	chain := h.extend(t, h.genesis, 5)

	require.EqualValues(t, 5, h.store.Height())
	require.Equal(t, chain[4].Hash(), h.store.HeadHash())

	orphanParent, err := h.builder.Chain(chain[4], 2)
	require.NoError(t, err)

	detached, err := h.builder.Fork(h.genesis, 3)
	require.NoError(t, err)
	detachedChild, err := h.builder.Next(detached, 0, nil)
	require.NoError(t, err)
	stranger, err := h.builder.Next(detachedChild, 0, []byte("x"))
	require.NoError(t, err)

	// Move the stranger to the height right above the tip so only its
	// parent hash is wrong.
	stranger.Height = 6

	tests := []struct {
		name string
		blk  *block.Block
		err  error
	}{
		{
			name: "duplicate",
			blk:  chain[2],
			err:  ErrDuplicateBlock,
		},
		{
			name: "orphan",
			blk:  orphanParent[1],
			err:  ErrOrphan,
		},
		{
			name: "does not connect",
			blk:  stranger,
			err:  ErrDoesNotConnect,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := h.store.Accept(test.blk)
			require.ErrorIs(t, err, test.err)
			require.ErrorIs(t, err, ErrRejected)
			require.EqualValues(t, 5, h.store.Height())
		})
	}

	// The block that was orphaned connects once its parent is in.
	require.NoError(t, h.store.Accept(orphanParent[0]))
	require.NoError(t, h.store.Accept(orphanParent[1]))
	require.EqualValues(t, 7, h.store.Height())
}

func TestStoreForkChoice(t *testing.T) {
	h := newTestHarness(t, nil)
	chain := h.extend(t, h.genesis, 5)

	// A fork at height 3 with a higher view replaces blocks 3 to 5.
	fork, err := h.builder.Fork(chain[1], 2)
	require.NoError(t, err)
	require.NoError(t, h.store.Accept(fork))
	require.EqualValues(t, 3, h.store.Height())
	require.Equal(t, fork.Hash(), h.store.HeadHash())

	// The replaced blocks are gone, including from the hash index.
	for _, blk := range chain[2:] {
		hash := blk.Hash()
		_, err := h.store.BlockByHash(&hash)
		require.ErrorIs(t, err, ErrBlockNotFound)
	}

	stored, err := h.store.BlockAt(3)
	require.NoError(t, err)
	require.Equal(t, fork, stored)

	// A fork with a view that doesn't beat the canonical block loses.
	loser, err := h.builder.Fork(chain[1], 1)
	require.NoError(t, err)
	require.ErrorIs(t, h.store.Accept(loser), ErrForkRejected)

	// A fork whose parent isn't canonical doesn't connect.
	stale, err := h.builder.Fork(chain[2], 9)
	require.NoError(t, err)
	require.ErrorIs(t, h.store.Accept(stale), ErrDoesNotConnect)

	// The replaced chain's blocks can't come back.
	require.ErrorIs(t, h.store.Accept(chain[3]), ErrDoesNotConnect)
}

func TestStoreCheckpoint(t *testing.T) {
	h := newTestHarness(t, nil)

	// Height 8 is a macro block.
	chain := h.extend(t, h.genesis, testBatchLength+2)
	require.True(t, chain[testBatchLength-1].IsMacro())

	fork, err := h.builder.Fork(chain[testBatchLength-2], 5)
	require.NoError(t, err)
	require.ErrorIs(t, h.store.Accept(fork), ErrBelowCheckpoint)

	// Blocks above the macro block can still be replaced.
	fork, err = h.builder.Fork(chain[testBatchLength-1], 5)
	require.NoError(t, err)
	require.NoError(t, h.store.Accept(fork))
	require.EqualValues(t, testBatchLength+1, h.store.Height())

	_, err = h.store.RollbackTo(testBatchLength - 1)
	require.ErrorIs(t, err, ErrBelowCheckpoint)

	tip, err := h.store.RollbackTo(testBatchLength)
	require.NoError(t, err)
	require.EqualValues(t, testBatchLength, tip)
	require.Equal(t, chain[testBatchLength-1].Hash(), h.store.HeadHash())

	// Rolling back to or above the tip is a no-op.
	tip, err = h.store.RollbackTo(testBatchLength + 5)
	require.NoError(t, err)
	require.EqualValues(t, testBatchLength, tip)
}

func TestStoreSignature(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	h := newTestHarness(t, key)
	chain := h.extend(t, h.genesis, 2)

	unsigned := block.NewBuilder(nil, testBatchLength)
	blk, err := unsigned.Next(chain[1], 0, nil)
	require.NoError(t, err)
	require.ErrorIs(t, h.store.Accept(blk), ErrInvalidSignature)

	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	require.NoError(t, blk.Sign(other))
	require.ErrorIs(t, h.store.Accept(blk), ErrInvalidSignature)

	require.NoError(t, blk.Sign(key))
	require.NoError(t, h.store.Accept(blk))
}

func TestStoreBlocksInRange(t *testing.T) {
	h := newTestHarness(t, nil)
	chain := h.extend(t, h.genesis, 4)

	blocks, err := h.store.BlocksInRange(2, 3)
	require.NoError(t, err)
	require.Equal(t, chain[1:3], blocks)

	// The range stops at the tip.
	blocks, err = h.store.BlocksInRange(3, 100)
	require.NoError(t, err)
	require.Equal(t, chain[2:], blocks)

	blocks, err = h.store.BlocksInRange(5, 2)
	require.NoError(t, err)
	require.Empty(t, blocks)

	hash := chain[3].Hash()
	blk, err := h.store.BlockByHash(&hash)
	require.NoError(t, err)
	require.Equal(t, chain[3], blk)
}
