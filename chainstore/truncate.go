package chainstore

import (
	"fmt"

	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/chainsync/blocksync/block"
)

// truncateBlocks removes the top n blocks from the chain ending at tip. This
// is used to roll the chain back before a competing block is connected, or to
// drop a number of blocks that turned out to be invalid.
//
// The genesis block can never be removed, so n must be at most tip.
func truncateBlocks(tx walletdb.ReadWriteTx, tip, n block.Height) error {
	if n > tip {
		return fmt.Errorf("cannot truncate %d blocks from chain at "+
			"height %d", n, tip)
	}
	if n == 0 {
		return nil
	}

	blocks := tx.ReadWriteBucket(blocksBucket)
	index := tx.ReadWriteBucket(indexBucket)

	// Remove the blocks from the top down, dropping the hash index entry
	// of each one along the way.
	for h := tip; h > tip-n; h-- {
		blk, err := fetchBlock(tx, h)
		if err != nil {
			return err
		}

		hash := blk.Hash()
		if err := index.Delete(hash[:]); err != nil {
			return err
		}
		if err := blocks.Delete(heightKey(h)); err != nil {
			return err
		}

		log.Debugf("Removed block %v", blk)
	}

	return tx.ReadWriteBucket(metaBucket).Put(tipKey, heightKey(tip-n))
}
