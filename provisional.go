package blocksync

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/chainsync/blocksync/block"
	"github.com/chainsync/blocksync/message"
)

// ProvisionalState selects which blocks the provisional chain keeps.
type ProvisionalState uint8

const (
	// StateMacroBlocks keeps macro blocks only. It's used while catching
	// up from one election block to the next.
	StateMacroBlocks ProvisionalState = iota

	// StateMicroBlocks keeps every block.
	StateMicroBlocks
)

// String returns the name of the state.
func (s ProvisionalState) String() string {
	switch s {
	case StateMacroBlocks:
		return "MacroBlocks"
	case StateMicroBlocks:
		return "MicroBlocks"
	default:
		return "Unknown"
	}
}

// ProvisionalChain stages announced blocks on top of a known anchor block,
// typically the last election block, before the node has caught up with the
// canonical chain. It gives an ordered view of recent blocks and resolves
// competing blocks at a height by view number:
//
//   - a block identical to one already known is ignored,
//   - a block with a lower view number than the preferred block at its
//     height is discarded,
//   - any other block is kept next to the blocks already at its height and
//     becomes the preferred one.
//
// Competing blocks are never replaced, so a height may hold several blocks.
// Gaps are allowed and show up as heights without any block.
//
// ProvisionalChain is safe for concurrent use.
type ProvisionalChain struct {
	anchor    *block.Block
	maxLength uint32

	mtx   sync.RWMutex
	state ProvisionalState

	// slots[i] holds the blocks at height anchor.Height+1+i in the order
	// they were accepted. The last slot is never empty.
	slots [][]*block.Block
}

// NewProvisionalChain returns an empty chain on top of anchor that tracks at
// most maxLength heights above it. A zero maxLength means
// DefaultProvisionalLength.
func NewProvisionalChain(anchor *block.Block,
	maxLength uint32) *ProvisionalChain {

	if maxLength == 0 {
		maxLength = DefaultProvisionalLength
	}

	return &ProvisionalChain{
		anchor:    anchor,
		maxLength: maxLength,
		state:     StateMicroBlocks,
	}
}

// Anchor returns the block the chain is anchored at.
func (p *ProvisionalChain) Anchor() *block.Block {
	return p.anchor
}

// State returns which blocks the chain currently keeps.
func (p *ProvisionalChain) State() ProvisionalState {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	return p.state
}

// SetState changes which blocks the chain keeps from now on. Blocks already
// accepted stay.
func (p *ProvisionalChain) SetState(state ProvisionalState) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.state != state {
		log.Debugf("Provisional chain switching from %v to %v", p.state,
			state)
	}
	p.state = state
}

// Observe processes a block announcement. Announcements that only carry a
// hash are ignored.
func (p *ProvisionalChain) Observe(ann *message.BlockAnnouncement) {
	if ann == nil || ann.IsHash() {
		if ann != nil {
			log.Tracef("Ignoring hash announcement %v", ann.Hash)
		}
		return
	}

	p.Add(ann.Block)
}

// ObserveRaw decodes the payload of a block announcement and processes it.
// Payloads that fail to decode are logged and dropped.
func (p *ProvisionalChain) ObserveRaw(payload []byte) {
	ann, err := DecodeAnnouncement(payload)
	if err != nil {
		log.Warnf("Dropping undecodable block announcement: %v", err)
		return
	}

	p.Observe(ann)
}

// Add offers blk to the chain and returns true if it was accepted.
func (p *ProvisionalChain) Add(blk *block.Block) bool {
	if blk == nil {
		return false
	}

	anchorHeight := p.anchor.Height
	if blk.Height <= anchorHeight {
		log.Debugf("Ignoring block %v at or below anchor %d", blk,
			anchorHeight)
		return false
	}
	if blk.Height-anchorHeight > p.maxLength {
		log.Warnf("Discarding block #%d beyond provisional chain "+
			"(max %d)", blk.Height, anchorHeight+p.maxLength)
		return false
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.state == StateMacroBlocks && !blk.IsMacro() {
		log.Tracef("Ignoring micro block %v while collecting macro "+
			"blocks", blk)
		return false
	}

	idx := int(blk.Height - anchorHeight - 1)
	for len(p.slots) <= idx {
		p.slots = append(p.slots, nil)
	}

	occupants := p.slots[idx]
	hash := blk.Hash()
	for _, occupant := range occupants {
		if occupant.Hash() == hash {
			log.Tracef("Block %v already known", blk)
			return false
		}
	}

	// Occupants are kept in non-decreasing view order, so the last one is
	// the preferred block at this height.
	if len(occupants) > 0 {
		preferred := occupants[len(occupants)-1]
		if blk.ViewNumber < preferred.ViewNumber {
			log.Debugf("Discarding block %v, view %d is below "+
				"preferred %v with view %d", blk,
				blk.ViewNumber, preferred, preferred.ViewNumber)
			return false
		}

		log.Infof("Competing block %v with view %d at height %d",
			blk, blk.ViewNumber, blk.Height)
	}

	p.slots[idx] = append(occupants, blk)

	return true
}

// BlockAt returns the preferred block at height, the anchor for the anchor's
// height, or nil if there is none.
func (p *ProvisionalChain) BlockAt(height block.Height) *block.Block {
	if height == p.anchor.Height {
		return p.anchor
	}

	p.mtx.RLock()
	defer p.mtx.RUnlock()

	occupants := p.occupants(height)
	if len(occupants) == 0 {
		return nil
	}

	return occupants[len(occupants)-1]
}

// BlocksAt returns every block accepted at height, in the order they were
// accepted.
func (p *ProvisionalChain) BlocksAt(height block.Height) []*block.Block {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	return append([]*block.Block(nil), p.occupants(height)...)
}

// occupants returns the slot for height. The caller must hold mtx.
func (p *ProvisionalChain) occupants(height block.Height) []*block.Block {
	if height <= p.anchor.Height {
		return nil
	}

	idx := int(height - p.anchor.Height - 1)
	if idx >= len(p.slots) {
		return nil
	}

	return p.slots[idx]
}

// Tip returns the highest height holding a block, or the anchor height if the
// chain is empty.
func (p *ProvisionalChain) Tip() block.Height {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	return p.anchor.Height + block.Height(len(p.slots))
}

// Missing returns the heights between the anchor and the tip that hold no
// block. They need to be fetched before the chain is usable.
func (p *ProvisionalChain) Missing() []block.Height {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	var missing []block.Height
	for i, occupants := range p.slots {
		if len(occupants) == 0 {
			missing = append(
				missing, p.anchor.Height+1+block.Height(i),
			)
		}
	}

	return missing
}

// Connected returns the preferred blocks from the anchor up to the first gap,
// or the first height whose preferred block doesn't build on the one below.
func (p *ProvisionalChain) Connected() []*block.Block {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	var (
		chain []*block.Block
		prev  = p.anchor.Hash()
	)
	for _, occupants := range p.slots {
		if len(occupants) == 0 {
			break
		}

		preferred := occupants[len(occupants)-1]
		if preferred.PrevHash != prev {
			break
		}

		chain = append(chain, preferred)
		prev = preferred.Hash()
	}

	return chain
}

// DecodeAnnouncement decodes the payload of a block announcement message.
// Trailing bytes are an error.
func DecodeAnnouncement(payload []byte) (*message.BlockAnnouncement, error) {
	r := bytes.NewReader(payload)

	var ann message.BlockAnnouncement
	if err := ann.Decode(r); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after block "+
			"announcement", r.Len())
	}

	return &ann, nil
}
