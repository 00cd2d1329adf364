package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	// Magic prefixes every frame.
	Magic uint32 = 0x42042042

	// HeaderSize is the size of the frame preamble: magic, type, size and
	// checksum.
	HeaderSize = 4 + 2 + 4 + 4

	// MaxMessageSize bounds the size of a frame, header included.
	MaxMessageSize = 10 * 1024 * 1024

	checksumOffset = 4 + 2 + 4
)

var (
	// ErrBadMagic is returned when a frame doesn't start with Magic.
	ErrBadMagic = errors.New("invalid message magic")

	// ErrChecksumMismatch is returned when a frame's checksum doesn't
	// match its contents.
	ErrChecksumMismatch = errors.New("message checksum mismatch")

	// ErrMessageSize is returned when a frame declares a size outside
	// [HeaderSize, MaxMessageSize].
	ErrMessageSize = errors.New("invalid message size")
)

// Header is the preamble of every frame. Size counts the whole frame,
// header included.
type Header struct {
	Magic    uint32
	Type     Type
	Size     uint32
	Checksum uint32
}

func (h *Header) encode(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.Magic)
	binary.BigEndian.PutUint16(b[4:6], uint16(h.Type))
	binary.BigEndian.PutUint32(b[6:10], h.Size)
	binary.BigEndian.PutUint32(b[10:14], h.Checksum)
}

func (h *Header) decode(b []byte) {
	h.Magic = binary.BigEndian.Uint32(b[0:4])
	h.Type = Type(binary.BigEndian.Uint16(b[4:6]))
	h.Size = binary.BigEndian.Uint32(b[6:10])
	h.Checksum = binary.BigEndian.Uint32(b[10:14])
}

// frameChecksum computes the CRC32 of a frame with its checksum field
// treated as zero.
func frameChecksum(frame []byte) uint32 {
	var zero [4]byte

	crc := crc32.Update(0, crc32.IEEETable, frame[:checksumOffset])
	crc = crc32.Update(crc, crc32.IEEETable, zero[:])

	return crc32.Update(
		crc, crc32.IEEETable, frame[checksumOffset+4:],
	)
}

// Encode frames msg and returns the bytes to put on the wire.
func Encode(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(make([]byte, HeaderSize))
	if err := msg.Encode(&buf); err != nil {
		return nil, fmt.Errorf("unable to encode %v: %w", msg.Type(),
			err)
	}

	frame := buf.Bytes()
	if len(frame) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %v of %d bytes", ErrMessageSize,
			msg.Type(), len(frame))
	}

	hdr := Header{
		Magic: Magic,
		Type:  msg.Type(),
		Size:  uint32(len(frame)),
	}
	hdr.encode(frame)
	hdr.Checksum = frameChecksum(frame)
	hdr.encode(frame)

	return frame, nil
}

// WriteMessage frames msg and writes it to w.
func WriteMessage(w io.Writer, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	_, err = w.Write(frame)
	return err
}

// ReadMessage reads one frame from r, verifies it and decodes the message
// it carries.
func ReadMessage(r io.Reader) (Message, error) {
	var hdrBytes [HeaderSize]byte
	if _, err := io.ReadFull(r, hdrBytes[:]); err != nil {
		return nil, err
	}

	var hdr Header
	hdr.decode(hdrBytes[:])
	if hdr.Magic != Magic {
		return nil, fmt.Errorf("%w: %#08x", ErrBadMagic, hdr.Magic)
	}
	if hdr.Size < HeaderSize || hdr.Size > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d", ErrMessageSize, hdr.Size)
	}

	frame := make([]byte, hdr.Size)
	copy(frame, hdrBytes[:])
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return nil, err
	}

	if sum := frameChecksum(frame); sum != hdr.Checksum {
		return nil, fmt.Errorf("%w: got %#08x, want %#08x",
			ErrChecksumMismatch, hdr.Checksum, sum)
	}

	msg, err := newMessage(hdr.Type)
	if err != nil {
		return nil, err
	}

	payload := bytes.NewReader(frame[HeaderSize:])
	if err := msg.Decode(payload); err != nil {
		return nil, fmt.Errorf("unable to decode %v: %w", hdr.Type,
			err)
	}
	if payload.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %v",
			payload.Len(), hdr.Type)
	}

	return msg, nil
}
