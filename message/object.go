package message

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chainsync/blocksync/block"
)

// Discriminants of the object-or-hash envelopes.
const (
	discriminantHash   uint8 = 0
	discriminantObject uint8 = 1
)

// Object references a block either by hash or by carrying it inline.
type Object struct {
	// Hash is set when the envelope is a hash reference.
	Hash chainhash.Hash

	// Block is set when the envelope carries the object itself.
	Block *block.Block
}

// WithHash returns a hash reference envelope.
func WithHash(hash chainhash.Hash) Object {
	return Object{Hash: hash}
}

// WithObject returns an envelope carrying the block.
func WithObject(blk *block.Block) Object {
	return Object{Block: blk}
}

// IsHash returns true if the envelope only references a block.
func (o *Object) IsHash() bool {
	return o.Block == nil
}

// IsObject returns true if the envelope carries the block.
func (o *Object) IsObject() bool {
	return !o.IsHash()
}

// Encode writes the discriminant followed by the hash or the block.
func (o *Object) Encode(w io.Writer) error {
	if o.IsHash() {
		if err := writeUint8(w, discriminantHash); err != nil {
			return err
		}
		_, err := w.Write(o.Hash[:])
		return err
	}

	if err := writeUint8(w, discriminantObject); err != nil {
		return err
	}

	return o.Block.Serialize(w)
}

// Decode reads an envelope written by Encode.
func (o *Object) Decode(r io.Reader) error {
	d, err := readUint8(r)
	if err != nil {
		return err
	}

	switch d {
	case discriminantHash:
		o.Block = nil
		_, err = io.ReadFull(r, o.Hash[:])
		return err

	case discriminantObject:
		var blk block.Block
		if err := blk.Deserialize(r); err != nil {
			return err
		}
		o.Hash = chainhash.Hash{}
		o.Block = &blk
		return nil

	default:
		return fmt.Errorf("unknown object discriminant %d", d)
	}
}

// Objects is the list form of Object: either a list of hashes or a list of
// blocks.
type Objects struct {
	Hashes []chainhash.Hash
	Blocks []*block.Block
}

// WithHashes returns a hash list envelope.
func WithHashes(hashes []chainhash.Hash) Objects {
	return Objects{Hashes: hashes}
}

// WithObjects returns an envelope carrying the blocks.
func WithObjects(blocks []*block.Block) Objects {
	return Objects{Blocks: blocks}
}

// ContainsHashes returns true if the envelope holds hash references.
func (o *Objects) ContainsHashes() bool {
	return o.Blocks == nil
}

// ContainsObjects returns true if the envelope holds blocks.
func (o *Objects) ContainsObjects() bool {
	return !o.ContainsHashes()
}

// Encode writes the discriminant followed by the list.
func (o *Objects) Encode(w io.Writer) error {
	if o.ContainsHashes() {
		if err := writeUint8(w, discriminantHash); err != nil {
			return err
		}
		return writeHashes(w, o.Hashes, MaxHashes)
	}

	if len(o.Blocks) > MaxObjects {
		return fmt.Errorf("%w: %d objects, max %d", ErrTooMany,
			len(o.Blocks), MaxObjects)
	}
	if err := writeUint8(w, discriminantObject); err != nil {
		return err
	}
	if err := writeUint16(w, uint16(len(o.Blocks))); err != nil {
		return err
	}
	for _, blk := range o.Blocks {
		if err := blk.Serialize(w); err != nil {
			return err
		}
	}

	return nil
}

// Decode reads a list written by Encode.
func (o *Objects) Decode(r io.Reader) error {
	d, err := readUint8(r)
	if err != nil {
		return err
	}

	switch d {
	case discriminantHash:
		o.Blocks = nil
		o.Hashes, err = readHashes(r, MaxHashes)
		return err

	case discriminantObject:
		count, err := readUint16(r)
		if err != nil {
			return err
		}
		if count > MaxObjects {
			return fmt.Errorf("%w: %d objects, max %d", ErrTooMany,
				count, MaxObjects)
		}

		o.Hashes = nil
		o.Blocks = make([]*block.Block, 0, count)
		for i := uint16(0); i < count; i++ {
			var blk block.Block
			if err := blk.Deserialize(r); err != nil {
				return err
			}
			o.Blocks = append(o.Blocks, &blk)
		}
		return nil

	default:
		return fmt.Errorf("unknown objects discriminant %d", d)
	}
}
