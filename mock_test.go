package blocksync

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chainsync/blocksync/block"
	"github.com/stretchr/testify/require"
)

var errMockRejected = errors.New("rejected by mock chain")

// mockChain is an in-memory chain head that only accepts blocks extending its
// tip.
type mockChain struct {
	mtx sync.Mutex

	// blocks holds the chain, indexed by height.
	blocks []*block.Block

	// pushed records every block handed to Accept.
	pushed []*block.Block

	// reject holds the hashes of blocks Accept refuses.
	reject map[chainhash.Hash]bool
}

func newMockChain(genesis *block.Block) *mockChain {
	return &mockChain{
		blocks: []*block.Block{genesis},
		reject: make(map[chainhash.Hash]bool),
	}
}

func (m *mockChain) Height() block.Height {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return block.Height(len(m.blocks) - 1)
}

func (m *mockChain) HeadHash() chainhash.Hash {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.blocks[len(m.blocks)-1].Hash()
}

func (m *mockChain) Accept(blk *block.Block) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.pushed = append(m.pushed, blk)

	if m.reject[blk.Hash()] {
		return fmt.Errorf("%w: %v", errMockRejected, blk)
	}

	tip := m.blocks[len(m.blocks)-1]
	if blk.Height != tip.Height+1 || blk.PrevHash != tip.Hash() {
		return fmt.Errorf("%w: %v doesn't extend %v", errMockRejected,
			blk, tip)
	}

	m.blocks = append(m.blocks, blk)

	return nil
}

func (m *mockChain) rejectBlock(blk *block.Block) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.reject[blk.Hash()] = true
}

func (m *mockChain) blockAt(height block.Height) *block.Block {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if int(height) >= len(m.blocks) {
		return nil
	}

	return m.blocks[height]
}

func (m *mockChain) pushedBlocks() []*block.Block {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return append([]*block.Block(nil), m.pushed...)
}

// mockRequests records missing block requests and serves replies from a
// channel the test controls.
type mockRequests struct {
	mtx     sync.Mutex
	reqs    []MissingBlocksRequest
	replies chan []*block.Block
}

func newMockRequests() *mockRequests {
	return &mockRequests{
		replies: make(chan []*block.Block, 10),
	}
}

func (m *mockRequests) RequestMissingBlocks(req MissingBlocksRequest) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.reqs = append(m.reqs, req)
}

func (m *mockRequests) Replies() <-chan []*block.Block {
	return m.replies
}

func (m *mockRequests) requests() []MissingBlocksRequest {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return append([]MissingBlocksRequest(nil), m.reqs...)
}

// testChain returns a genesis block followed by n blocks.
func testChain(t *testing.T, n int) []*block.Block {
	t.Helper()

	builder := block.NewBuilder(nil, BatchLength)
	genesis, err := builder.Genesis()
	require.NoError(t, err)

	chain, err := builder.Chain(genesis, n)
	require.NoError(t, err)

	return append([]*block.Block{genesis}, chain...)
}
