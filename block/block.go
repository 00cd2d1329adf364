package block

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// MaxBodySize is the maximum number of bytes an opaque block body may
	// occupy on the wire.
	MaxBodySize = 1024 * 1024

	// MaxSignatureSize is the size of a serialized BIP-340 signature. An
	// unsigned block carries an empty signature.
	MaxSignatureSize = schnorr.SignatureSize

	// headerSize is the fixed-width part of the encoding: kind, height,
	// view number, parent hash and timestamp.
	headerSize = 1 + 4 + 4 + chainhash.HashSize + 8

	// pver is the protocol version handed to the btcd var-int helpers.
	// Their encoding does not depend on it.
	pver = wire.ProtocolVersion
)

// Height is a block number. The genesis block has height 0.
type Height = uint32

// Kind distinguishes epoch-boundary blocks from leaf blocks.
type Kind uint8

const (
	// KindMacro is an epoch or batch boundary block. Election blocks are
	// macro blocks.
	KindMacro Kind = 1

	// KindMicro is a regular leaf block.
	KindMicro Kind = 2
)

// String returns a human readable name of the block kind.
func (k Kind) String() string {
	switch k {
	case KindMacro:
		return "macro"
	case KindMicro:
		return "micro"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

var (
	// ErrUnknownKind is returned when decoding a block with a kind byte
	// that is neither macro nor micro.
	ErrUnknownKind = errors.New("unknown block kind")

	// ErrMissingSignature is returned when verifying an unsigned block.
	ErrMissingSignature = errors.New("block is not signed")

	// ErrBadSignature is returned when a block signature doesn't verify
	// against the expected producer key.
	ErrBadSignature = errors.New("invalid block signature")
)

// Block is a single block as seen by the sync layer. Only the height, view
// number, kind and hash are interpreted; the body is carried opaquely.
//
// A Block must not be modified once it has been handed to any of the sync
// components.
type Block struct {
	Kind       Kind
	Height     Height
	ViewNumber uint32
	PrevHash   chainhash.Hash
	Timestamp  uint64
	Body       []byte
	Signature  []byte
}

// IsMacro returns true for epoch-boundary blocks.
func (b *Block) IsMacro() bool {
	return b.Kind == KindMacro
}

// Hash returns the content address of the block. The signature is not part
// of the hashed data.
func (b *Block) Hash() chainhash.Hash {
	var buf bytes.Buffer
	buf.Grow(headerSize + len(b.Body) + 9)

	// Writing to a bytes.Buffer can't fail.
	_ = b.serializeUnsigned(&buf)

	return chainhash.DoubleHashH(buf.Bytes())
}

// String returns a short description of the block for log output.
func (b *Block) String() string {
	return fmt.Sprintf("#%d.%d (%v, %v)", b.Height, b.ViewNumber, b.Kind,
		b.Hash())
}

// Sign signs the block hash with the producer's private key.
func (b *Block) Sign(key *btcec.PrivateKey) error {
	hash := b.Hash()
	sig, err := schnorr.Sign(key, hash[:])
	if err != nil {
		return fmt.Errorf("unable to sign block %d: %w", b.Height, err)
	}

	b.Signature = sig.Serialize()

	return nil
}

// VerifySignature checks that the block was signed by the owner of the given
// public key.
func (b *Block) VerifySignature(pub *btcec.PublicKey) error {
	if len(b.Signature) == 0 {
		return ErrMissingSignature
	}

	sig, err := schnorr.ParseSignature(b.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	hash := b.Hash()
	if !sig.Verify(hash[:], pub) {
		return ErrBadSignature
	}

	return nil
}

func (b *Block) serializeUnsigned(w io.Writer) error {
	var hdr [headerSize]byte
	hdr[0] = byte(b.Kind)
	binary.BigEndian.PutUint32(hdr[1:5], b.Height)
	binary.BigEndian.PutUint32(hdr[5:9], b.ViewNumber)
	copy(hdr[9:9+chainhash.HashSize], b.PrevHash[:])
	binary.BigEndian.PutUint64(hdr[9+chainhash.HashSize:], b.Timestamp)

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	return wire.WriteVarBytes(w, pver, b.Body)
}

// Serialize writes the full block, including its signature, to w.
func (b *Block) Serialize(w io.Writer) error {
	if len(b.Body) > MaxBodySize {
		return fmt.Errorf("block body of %d bytes exceeds max of %d",
			len(b.Body), MaxBodySize)
	}

	if err := b.serializeUnsigned(w); err != nil {
		return err
	}

	return wire.WriteVarBytes(w, pver, b.Signature)
}

// Bytes returns the serialized block.
func (b *Block) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Serialize(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Deserialize reads a block previously written by Serialize from r.
func (b *Block) Deserialize(r io.Reader) error {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}

	kind := Kind(hdr[0])
	if kind != KindMacro && kind != KindMicro {
		return fmt.Errorf("%w: %d", ErrUnknownKind, hdr[0])
	}

	body, err := wire.ReadVarBytes(r, pver, MaxBodySize, "block body")
	if err != nil {
		return err
	}

	sig, err := wire.ReadVarBytes(
		r, pver, MaxSignatureSize, "block signature",
	)
	if err != nil {
		return err
	}

	b.Kind = kind
	b.Height = binary.BigEndian.Uint32(hdr[1:5])
	b.ViewNumber = binary.BigEndian.Uint32(hdr[5:9])
	copy(b.PrevHash[:], hdr[9:9+chainhash.HashSize])
	b.Timestamp = binary.BigEndian.Uint64(hdr[9+chainhash.HashSize:])
	b.Body = nil
	if len(body) > 0 {
		b.Body = body
	}
	b.Signature = nil
	if len(sig) > 0 {
		b.Signature = sig
	}

	return nil
}

// FromBytes decodes a serialized block.
func FromBytes(data []byte) (*Block, error) {
	var b Block
	r := bytes.NewReader(data)
	if err := b.Deserialize(r); err != nil {
		return nil, err
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after block",
			r.Len())
	}

	return &b, nil
}
