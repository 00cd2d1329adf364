package blocksync

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chainsync/blocksync/block"
)

// ChainHead is the canonical chain the sync layer feeds. The block queue
// reads the head height before every admission decision and pushes blocks
// into it one at a time.
type ChainHead interface {
	// Height returns the height of the current chain head.
	Height() block.Height

	// HeadHash returns the hash of the current chain head.
	HeadHash() chainhash.Hash

	// Accept hands a block to the chain. A nil error means the block was
	// added; any other error means it was rejected and is reported as
	// such without affecting the rest of the queue.
	Accept(blk *block.Block) error
}

// MissingBlocksRequest asks for the blocks between the chain head and a
// buffered block that arrived ahead of it.
type MissingBlocksRequest struct {
	// From is the first missing height, always one above the head at the
	// time of the request.
	From block.Height

	// To is the last missing height, one below the buffered block.
	To block.Height

	// Target is the parent hash of the buffered block, i.e. the hash of
	// the block at height To. It's zero when unknown.
	Target chainhash.Hash

	// Head is the hash of the chain head the missing blocks build on.
	Head chainhash.Hash
}

// Len returns the number of blocks the request covers.
func (r MissingBlocksRequest) Len() uint32 {
	if r.To < r.From {
		return 0
	}

	return r.To - r.From + 1
}

// String returns a human readable summary of the request.
func (r MissingBlocksRequest) String() string {
	return fmt.Sprintf("blocks [%d, %d] towards %v", r.From, r.To,
		r.Target)
}

// RequestComponent fetches blocks the queue found missing. Replies arrive
// asynchronously as batches; the component owns the reply channel and
// closes it when it shuts down.
type RequestComponent interface {
	// RequestMissingBlocks asks for the blocks described by req. It must
	// not block.
	RequestMissingBlocks(req MissingBlocksRequest)

	// Replies delivers the batches of backfilled blocks.
	Replies() <-chan []*block.Block
}
