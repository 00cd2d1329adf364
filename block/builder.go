package block

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Builder assembles and signs blocks on top of a parent. It is used by the
// simulation harness and by tests to produce well-formed chains; it applies
// no consensus rules.
type Builder struct {
	key *btcec.PrivateKey

	// BatchLength is the distance between macro blocks. A zero value
	// produces micro blocks only.
	BatchLength uint32
}

// NewBuilder returns a builder signing with the given key. A nil key
// produces unsigned blocks.
func NewBuilder(key *btcec.PrivateKey, batchLength uint32) *Builder {
	return &Builder{
		key:         key,
		BatchLength: batchLength,
	}
}

// Genesis returns the signed macro block at height 0.
func (b *Builder) Genesis() (*Block, error) {
	genesis := &Block{
		Kind:   KindMacro,
		Height: 0,
		Body:   []byte("genesis"),
	}

	if err := b.sign(genesis); err != nil {
		return nil, err
	}

	return genesis, nil
}

// Next builds the child of parent with the given view number and body.
func (b *Builder) Next(parent *Block, view uint32, body []byte) (*Block,
	error) {

	height := parent.Height + 1

	kind := KindMicro
	if b.BatchLength != 0 && height%b.BatchLength == 0 {
		kind = KindMacro
	}

	child := &Block{
		Kind:       kind,
		Height:     height,
		ViewNumber: view,
		PrevHash:   parent.Hash(),
		Timestamp:  parent.Timestamp + 1000,
		Body:       body,
	}

	if err := b.sign(child); err != nil {
		return nil, err
	}

	return child, nil
}

// Chain extends parent by n blocks at view zero and returns them in height
// order.
func (b *Builder) Chain(parent *Block, n int) ([]*Block, error) {
	blocks := make([]*Block, 0, n)
	for i := 0; i < n; i++ {
		next, err := b.Next(
			parent, 0, []byte(fmt.Sprintf("%d", parent.Height+1)),
		)
		if err != nil {
			return nil, err
		}

		blocks = append(blocks, next)
		parent = next
	}

	return blocks, nil
}

// Fork builds an alternative child of parent whose hash differs from any
// block built by Next with a different view or body.
func (b *Builder) Fork(parent *Block, view uint32) (*Block, error) {
	return b.Next(parent, view, []byte(fmt.Sprintf("fork-%d-%d",
		parent.Height+1, view)))
}

func (b *Builder) sign(blk *Block) error {
	if b.key == nil {
		return nil
	}

	return blk.Sign(b.key)
}

// HashList returns the hashes of the given blocks in order.
func HashList(blocks []*Block) []chainhash.Hash {
	hashes := make([]chainhash.Hash, 0, len(blocks))
	for _, blk := range blocks {
		hashes = append(hashes, blk.Hash())
	}

	return hashes
}
