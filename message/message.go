package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainsync/blocksync/block"
)

// Type is the numeric tag identifying a message on the wire.
type Type uint16

// The sync layer uses the following messages.
const (
	TypeRequestBlockHashes Type = 200
	TypeBlockHashes        Type = 201
	TypeRequestEpoch       Type = 202
	TypeEpoch              Type = 203
	TypeSubscription       Type = 204
	TypeBlockAnnouncement  Type = 205
)

const (
	// MaxLocators is the maximum number of locator hashes in a
	// RequestBlockHashes message.
	MaxLocators = 128

	// MaxHashes is the maximum number of hashes in a BlockHashes message
	// or in the hash variant of an Objects list.
	MaxHashes = 1000

	// MaxObjects is the maximum number of inline objects in an Objects
	// list.
	MaxObjects = 1000

	// MaxTopics is the maximum number of topics in a Subscription.
	MaxTopics = 64

	// MaxTransactionSize bounds a single opaque transaction carried in an
	// Epoch message.
	MaxTransactionSize = 100 * 1024

	pver = wire.ProtocolVersion
)

// String returns the message name for a type tag.
func (t Type) String() string {
	switch t {
	case TypeRequestBlockHashes:
		return "RequestBlockHashes"
	case TypeBlockHashes:
		return "BlockHashes"
	case TypeRequestEpoch:
		return "RequestEpoch"
	case TypeEpoch:
		return "Epoch"
	case TypeSubscription:
		return "Subscription"
	case TypeBlockAnnouncement:
		return "BlockAnnouncement"
	default:
		return fmt.Sprintf("Unknown(%d)", uint16(t))
	}
}

// ErrTooMany is returned when a list exceeds its protocol limit.
var ErrTooMany = errors.New("too many elements")

// Message is a typed message of the sync protocol.
type Message interface {
	// Type returns the tag the message is framed with.
	Type() Type

	// Encode writes the message payload.
	Encode(w io.Writer) error

	// Decode reads the message payload.
	Decode(r io.Reader) error
}

// newMessage returns an empty message for the given type tag.
func newMessage(t Type) (Message, error) {
	switch t {
	case TypeRequestBlockHashes:
		return &RequestBlockHashes{}, nil
	case TypeBlockHashes:
		return &BlockHashes{}, nil
	case TypeRequestEpoch:
		return &RequestEpoch{}, nil
	case TypeEpoch:
		return &Epoch{}, nil
	case TypeSubscription:
		return &Subscription{}, nil
	case TypeBlockAnnouncement:
		return &BlockAnnouncement{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %d", uint16(t))
	}
}

// Filter selects which blocks a RequestBlockHashes asks for.
type Filter uint8

const (
	// FilterAll requests the hashes of all blocks.
	FilterAll Filter = 1

	// FilterElectionOnly requests the hashes of election blocks only.
	FilterElectionOnly Filter = 2
)

// RequestBlockHashes asks a peer for the hashes following the first locator
// it knows about.
type RequestBlockHashes struct {
	RequestID uint32
	Locators  []chainhash.Hash
	MaxBlocks uint16
	Filter    Filter
}

// Type implements Message.
func (m *RequestBlockHashes) Type() Type { return TypeRequestBlockHashes }

// Encode implements Message.
func (m *RequestBlockHashes) Encode(w io.Writer) error {
	if err := writeUint32(w, m.RequestID); err != nil {
		return err
	}
	if err := writeHashes(w, m.Locators, MaxLocators); err != nil {
		return err
	}
	if err := writeUint16(w, m.MaxBlocks); err != nil {
		return err
	}

	return writeUint8(w, uint8(m.Filter))
}

// Decode implements Message.
func (m *RequestBlockHashes) Decode(r io.Reader) error {
	var err error
	if m.RequestID, err = readUint32(r); err != nil {
		return err
	}
	if m.Locators, err = readHashes(r, MaxLocators); err != nil {
		return err
	}
	if m.MaxBlocks, err = readUint16(r); err != nil {
		return err
	}

	filter, err := readUint8(r)
	if err != nil {
		return err
	}
	m.Filter = Filter(filter)
	if m.Filter != FilterAll && m.Filter != FilterElectionOnly {
		return fmt.Errorf("unknown block hashes filter %d", filter)
	}

	return nil
}

// BlockHashes answers a RequestBlockHashes.
type BlockHashes struct {
	RequestID uint32
	Hashes    []chainhash.Hash
}

// Type implements Message.
func (m *BlockHashes) Type() Type { return TypeBlockHashes }

// Encode implements Message.
func (m *BlockHashes) Encode(w io.Writer) error {
	if err := writeUint32(w, m.RequestID); err != nil {
		return err
	}

	return writeHashes(w, m.Hashes, MaxHashes)
}

// Decode implements Message.
func (m *BlockHashes) Decode(r io.Reader) error {
	var err error
	if m.RequestID, err = readUint32(r); err != nil {
		return err
	}
	m.Hashes, err = readHashes(r, MaxHashes)

	return err
}

// RequestEpoch asks for the epoch closed by the macro block with the given
// hash.
type RequestEpoch struct {
	RequestID uint32
	Hash      chainhash.Hash
}

// Type implements Message.
func (m *RequestEpoch) Type() Type { return TypeRequestEpoch }

// Encode implements Message.
func (m *RequestEpoch) Encode(w io.Writer) error {
	if err := writeUint32(w, m.RequestID); err != nil {
		return err
	}
	_, err := w.Write(m.Hash[:])

	return err
}

// Decode implements Message.
func (m *RequestEpoch) Decode(r io.Reader) error {
	var err error
	if m.RequestID, err = readUint32(r); err != nil {
		return err
	}
	_, err = io.ReadFull(r, m.Hash[:])

	return err
}

// Epoch carries an epoch-boundary block together with the epoch's
// transactions. Transactions are opaque to the sync layer.
type Epoch struct {
	RequestID    uint32
	Block        *block.Block
	Transactions [][]byte
}

// Type implements Message.
func (m *Epoch) Type() Type { return TypeEpoch }

// Encode implements Message.
func (m *Epoch) Encode(w io.Writer) error {
	if m.Block == nil || !m.Block.IsMacro() {
		return errors.New("epoch must carry a macro block")
	}
	if uint64(len(m.Transactions)) > uint64(^uint32(0)) {
		return fmt.Errorf("%w: %d transactions", ErrTooMany,
			len(m.Transactions))
	}

	if err := writeUint32(w, m.RequestID); err != nil {
		return err
	}
	if err := m.Block.Serialize(w); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(m.Transactions))); err != nil {
		return err
	}
	for _, tx := range m.Transactions {
		if len(tx) > MaxTransactionSize {
			return fmt.Errorf("transaction of %d bytes exceeds "+
				"max of %d", len(tx), MaxTransactionSize)
		}
		if err := wire.WriteVarBytes(w, pver, tx); err != nil {
			return err
		}
	}

	return nil
}

// Decode implements Message.
func (m *Epoch) Decode(r io.Reader) error {
	var err error
	if m.RequestID, err = readUint32(r); err != nil {
		return err
	}

	var blk block.Block
	if err := blk.Deserialize(r); err != nil {
		return err
	}
	if !blk.IsMacro() {
		return fmt.Errorf("epoch carries %v block #%d", blk.Kind,
			blk.Height)
	}
	m.Block = &blk

	count, err := readUint32(r)
	if err != nil {
		return err
	}

	// The count is attacker controlled, so the slice grows with the data
	// actually read instead of being allocated up front.
	m.Transactions = nil
	for i := uint32(0); i < count; i++ {
		tx, err := wire.ReadVarBytes(
			r, pver, MaxTransactionSize, "transaction",
		)
		if err != nil {
			return err
		}
		m.Transactions = append(m.Transactions, tx)
	}

	return nil
}

// Subscription tells a peer which announcement topics we are interested in.
type Subscription struct {
	Topics []string
}

// Type implements Message.
func (m *Subscription) Type() Type { return TypeSubscription }

// Encode implements Message.
func (m *Subscription) Encode(w io.Writer) error {
	if len(m.Topics) > MaxTopics {
		return fmt.Errorf("%w: %d topics", ErrTooMany, len(m.Topics))
	}
	if err := writeUint16(w, uint16(len(m.Topics))); err != nil {
		return err
	}
	for _, topic := range m.Topics {
		if err := wire.WriteVarString(w, pver, topic); err != nil {
			return err
		}
	}

	return nil
}

// Decode implements Message.
func (m *Subscription) Decode(r io.Reader) error {
	count, err := readUint16(r)
	if err != nil {
		return err
	}
	if count > MaxTopics {
		return fmt.Errorf("%w: %d topics", ErrTooMany, count)
	}

	m.Topics = make([]string, 0, count)
	for i := uint16(0); i < count; i++ {
		topic, err := wire.ReadVarString(r, pver)
		if err != nil {
			return err
		}
		m.Topics = append(m.Topics, topic)
	}

	return nil
}

// BlockAnnouncement is gossiped whenever a peer learns about a new block.
// It either references the block by hash or carries it inline.
type BlockAnnouncement struct {
	Object
}

// NewBlockAnnouncement returns an announcement carrying the full block.
func NewBlockAnnouncement(blk *block.Block) *BlockAnnouncement {
	return &BlockAnnouncement{Object: WithObject(blk)}
}

// NewHashAnnouncement returns an announcement referencing a block by hash.
func NewHashAnnouncement(hash chainhash.Hash) *BlockAnnouncement {
	return &BlockAnnouncement{Object: WithHash(hash)}
}

// Type implements Message.
func (m *BlockAnnouncement) Type() Type { return TypeBlockAnnouncement }

func writeUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func readUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeHashes(w io.Writer, hashes []chainhash.Hash, max int) error {
	if len(hashes) > max {
		return fmt.Errorf("%w: %d hashes, max %d", ErrTooMany,
			len(hashes), max)
	}
	if err := writeUint16(w, uint16(len(hashes))); err != nil {
		return err
	}
	for i := range hashes {
		if _, err := w.Write(hashes[i][:]); err != nil {
			return err
		}
	}

	return nil
}

func readHashes(r io.Reader, max int) ([]chainhash.Hash, error) {
	count, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	if int(count) > max {
		return nil, fmt.Errorf("%w: %d hashes, max %d", ErrTooMany,
			count, max)
	}

	hashes := make([]chainhash.Hash, count)
	for i := range hashes {
		if _, err := io.ReadFull(r, hashes[i][:]); err != nil {
			return nil, err
		}
	}

	return hashes, nil
}
