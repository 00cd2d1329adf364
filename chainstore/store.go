package chainstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/chainsync/blocksync/block"
)

var (
	// blocksBucket maps a big-endian height to the serialized canonical
	// block at that height.
	blocksBucket = []byte("blocks")

	// indexBucket maps a block hash to its big-endian height.
	indexBucket = []byte("index")

	// metaBucket holds the chain tip.
	metaBucket = []byte("meta")

	tipKey = []byte("tip")
)

var (
	// ErrRejected is wrapped by every error Accept returns for a block the
	// store refuses to add.
	ErrRejected = errors.New("block rejected")

	// ErrDuplicateBlock is returned for a block that is already part of
	// the canonical chain.
	ErrDuplicateBlock = fmt.Errorf("%w: duplicate block", ErrRejected)

	// ErrOrphan is returned for a block more than one height above the
	// tip.
	ErrOrphan = fmt.Errorf("%w: orphan block", ErrRejected)

	// ErrDoesNotConnect is returned for a block whose parent hash doesn't
	// match the canonical block below it.
	ErrDoesNotConnect = fmt.Errorf("%w: block does not connect",
		ErrRejected)

	// ErrForkRejected is returned for a competing block that doesn't
	// beat the canonical block at its height.
	ErrForkRejected = fmt.Errorf("%w: fork has lower priority",
		ErrRejected)

	// ErrBelowCheckpoint is returned for a fork that would revert a macro
	// block.
	ErrBelowCheckpoint = fmt.Errorf("%w: fork below last macro block",
		ErrRejected)

	// ErrInvalidSignature is returned for a block not signed by the
	// configured producer.
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", ErrRejected)

	// ErrGenesisMismatch is returned by New when the database holds a
	// chain with a different genesis block.
	ErrGenesisMismatch = errors.New("genesis block mismatch")

	// ErrBlockNotFound is returned by lookups for unknown blocks.
	ErrBlockNotFound = errors.New("block not found")
)

// Config holds the dependencies of a Store.
type Config struct {
	// DB is the database the chain is persisted in.
	DB walletdb.DB

	// Genesis is the block at height 0. It's written on first use and
	// checked against the database on every subsequent start.
	Genesis *block.Block

	// ProducerKey, if set, is the key every accepted block must be signed
	// with.
	ProducerKey *btcec.PublicKey
}

// Store is a persistent, height ordered chain of blocks. It serves as the
// chain head of the sync layer: it reports the current height and accepts
// blocks one at a time, applying a simple view-number fork choice for
// competing blocks.
//
// Store is safe for concurrent use.
type Store struct {
	cfg *Config

	// mtx guards tip and tipHash and serializes writers.
	mtx     sync.RWMutex
	tip     block.Height
	tipHash chainhash.Hash

	// lastMacro is the height of the most recent canonical macro block.
	// Forks are never allowed to revert it.
	lastMacro block.Height
}

// New opens the chain stored in cfg.DB, initializing it with the genesis
// block if the database is empty.
func New(cfg *Config) (*Store, error) {
	if cfg.Genesis == nil || cfg.Genesis.Height != 0 {
		return nil, errors.New("a genesis block at height 0 is " +
			"required")
	}

	s := &Store{cfg: cfg}

	genesisHash := cfg.Genesis.Hash()
	err := walletdb.Update(cfg.DB, func(tx walletdb.ReadWriteTx) error {
		for _, name := range [][]byte{
			blocksBucket, indexBucket, metaBucket,
		} {
			if _, err := tx.CreateTopLevelBucket(name); err != nil {
				return err
			}
		}

		meta := tx.ReadWriteBucket(metaBucket)
		tipBytes := meta.Get(tipKey)
		if tipBytes == nil {
			log.Infof("Initializing chain with genesis block %v",
				genesisHash)

			return putBlock(tx, cfg.Genesis)
		}

		stored, err := fetchBlock(tx, 0)
		if err != nil {
			return err
		}
		if stored.Hash() != genesisHash {
			return fmt.Errorf("%w: database has %v, expected %v",
				ErrGenesisMismatch, stored.Hash(), genesisHash)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	var tip *chainTip
	err = walletdb.View(cfg.DB, func(tx walletdb.ReadTx) error {
		tip, err = readTip(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.setTip(tip)

	log.Infof("Chain store opened at height %d (%v)", s.tip, s.tipHash)

	return s, nil
}

// chainTip is a snapshot of the tip related state of the store.
type chainTip struct {
	height    block.Height
	hash      chainhash.Hash
	lastMacro block.Height
}

// readTip reads the tip and the height of the last macro block below it from
// the database.
func readTip(tx walletdb.ReadTx) (*chainTip, error) {
	meta := tx.ReadBucket(metaBucket)
	tipBytes := meta.Get(tipKey)
	if len(tipBytes) != 4 {
		return nil, errors.New("corrupt chain tip")
	}

	tip := &chainTip{height: binary.BigEndian.Uint32(tipBytes)}
	tipBlock, err := fetchBlock(tx, tip.height)
	if err != nil {
		return nil, err
	}
	tip.hash = tipBlock.Hash()

	for h := tip.height; h > 0; h-- {
		blk, err := fetchBlock(tx, h)
		if err != nil {
			return nil, err
		}
		if blk.IsMacro() {
			tip.lastMacro = h
			break
		}
	}

	return tip, nil
}

// setTip updates the cached tip. The caller must hold mtx for writing.
func (s *Store) setTip(tip *chainTip) {
	s.tip = tip.height
	s.tipHash = tip.hash
	s.lastMacro = tip.lastMacro
}

// Height returns the height of the chain tip.
func (s *Store) Height() block.Height {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.tip
}

// HeadHash returns the hash of the chain tip.
func (s *Store) HeadHash() chainhash.Hash {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.tipHash
}

// Accept attempts to add blk to the chain. A block extending the tip is
// appended; a block at or below the tip that connects to the canonical chain
// and has a higher view number than the canonical block at its height
// replaces it, rolling back everything above. Any other block is rejected
// with an error wrapping ErrRejected.
func (s *Store) Accept(blk *block.Block) error {
	if s.cfg.ProducerKey != nil {
		if err := blk.VerifySignature(s.cfg.ProducerKey); err != nil {
			return fmt.Errorf("%w: block %v: %v",
				ErrInvalidSignature, blk, err)
		}
	}

	hash := blk.Hash()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	var newTip *chainTip
	err := walletdb.Update(s.cfg.DB, func(tx walletdb.ReadWriteTx) error {
		if _, err := fetchHeight(tx, &hash); err == nil {
			return fmt.Errorf("%w: %v", ErrDuplicateBlock, blk)
		}

		switch {
		case blk.Height == s.tip+1:
			if blk.PrevHash != s.tipHash {
				return fmt.Errorf("%w: %v has parent %v, tip is "+
					"%v", ErrDoesNotConnect, blk,
					blk.PrevHash, s.tipHash)
			}

		case blk.Height > s.tip+1:
			return fmt.Errorf("%w: %v is ahead of tip %d",
				ErrOrphan, blk, s.tip)

		default:
			if err := s.rebranch(tx, blk); err != nil {
				return err
			}
		}

		if err := putBlock(tx, blk); err != nil {
			return err
		}

		var err error
		newTip, err = readTip(tx)
		return err
	})
	if err != nil {
		return err
	}

	s.setTip(newTip)

	return nil
}

// rebranch checks whether blk wins against the canonical block at its height
// and, if so, rolls the chain back to blk's parent so blk can be appended.
func (s *Store) rebranch(tx walletdb.ReadWriteTx, blk *block.Block) error {
	if blk.Height == 0 || blk.Height <= s.lastMacro {
		return fmt.Errorf("%w: %v, last macro block at %d",
			ErrBelowCheckpoint, blk, s.lastMacro)
	}

	parent, err := fetchBlock(tx, blk.Height-1)
	if err != nil {
		return err
	}
	if parent.Hash() != blk.PrevHash {
		return fmt.Errorf("%w: fork %v has unknown parent %v",
			ErrDoesNotConnect, blk, blk.PrevHash)
	}

	canonical, err := fetchBlock(tx, blk.Height)
	if err != nil {
		return err
	}
	if blk.ViewNumber <= canonical.ViewNumber {
		return fmt.Errorf("%w: %v against canonical %v",
			ErrForkRejected, blk, canonical)
	}

	log.Infof("Rebranching at height %d: %v replaces %v, rolling back "+
		"%d blocks", blk.Height, blk, canonical, s.tip-blk.Height+1)

	return truncateBlocks(tx, s.tip, s.tip-blk.Height+1)
}

// RollbackTo removes every block above height and returns the new tip
// height. Macro blocks are never rolled back.
func (s *Store) RollbackTo(height block.Height) (block.Height, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if height >= s.tip {
		return s.tip, nil
	}
	if height < s.lastMacro {
		return s.tip, fmt.Errorf("%w: rollback to %d, last macro "+
			"block at %d", ErrBelowCheckpoint, height, s.lastMacro)
	}

	var newTip *chainTip
	err := walletdb.Update(s.cfg.DB, func(tx walletdb.ReadWriteTx) error {
		err := truncateBlocks(tx, s.tip, s.tip-height)
		if err != nil {
			return err
		}

		newTip, err = readTip(tx)
		return err
	})
	if err != nil {
		return s.tip, err
	}

	s.setTip(newTip)

	return s.tip, nil
}

// BlockAt returns the canonical block at the given height.
func (s *Store) BlockAt(height block.Height) (*block.Block, error) {
	var blk *block.Block
	err := walletdb.View(s.cfg.DB, func(tx walletdb.ReadTx) error {
		var err error
		blk, err = fetchBlock(tx, height)
		return err
	})

	return blk, err
}

// BlockByHash returns the canonical block with the given hash.
func (s *Store) BlockByHash(hash *chainhash.Hash) (*block.Block, error) {
	var blk *block.Block
	err := walletdb.View(s.cfg.DB, func(tx walletdb.ReadTx) error {
		height, err := fetchHeight(tx, hash)
		if err != nil {
			return err
		}

		blk, err = fetchBlock(tx, height)
		return err
	})

	return blk, err
}

// BlocksInRange returns the canonical blocks from start to end inclusive,
// stopping early at the tip.
func (s *Store) BlocksInRange(start, end block.Height) ([]*block.Block,
	error) {

	var blocks []*block.Block
	err := walletdb.View(s.cfg.DB, func(tx walletdb.ReadTx) error {
		if start > end {
			return nil
		}

		for h := start; ; h++ {
			blk, err := fetchBlock(tx, h)
			if errors.Is(err, ErrBlockNotFound) {
				return nil
			}
			if err != nil {
				return err
			}

			blocks = append(blocks, blk)
			if h == end {
				return nil
			}
		}
	})

	return blocks, err
}

func heightKey(height block.Height) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], height)
	return k[:]
}

// putBlock writes blk as the canonical block at its height and makes it the
// tip.
func putBlock(tx walletdb.ReadWriteTx, blk *block.Block) error {
	var buf bytes.Buffer
	if err := blk.Serialize(&buf); err != nil {
		return err
	}

	key := heightKey(blk.Height)
	hash := blk.Hash()

	if err := tx.ReadWriteBucket(blocksBucket).Put(
		key, buf.Bytes(),
	); err != nil {
		return err
	}
	if err := tx.ReadWriteBucket(indexBucket).Put(
		hash[:], key,
	); err != nil {
		return err
	}

	return tx.ReadWriteBucket(metaBucket).Put(tipKey, key)
}

func fetchBlock(tx walletdb.ReadTx, height block.Height) (*block.Block,
	error) {

	raw := tx.ReadBucket(blocksBucket).Get(heightKey(height))
	if raw == nil {
		return nil, fmt.Errorf("%w: height %d", ErrBlockNotFound,
			height)
	}

	return block.FromBytes(raw)
}

func fetchHeight(tx walletdb.ReadTx, hash *chainhash.Hash) (block.Height,
	error) {

	raw := tx.ReadBucket(indexBucket).Get(hash[:])
	if len(raw) != 4 {
		return 0, fmt.Errorf("%w: hash %v", ErrBlockNotFound, hash)
	}

	return binary.BigEndian.Uint32(raw), nil
}
