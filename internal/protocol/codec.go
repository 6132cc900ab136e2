package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// EncodeSegment serializes a data segment:
// Seq(8) | Payload(n) | CRC32(payload)(4).
func EncodeSegment(seq int64, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint64(buf[:SeqSize], uint64(seq))
	copy(buf[SeqSize:], payload)
	binary.BigEndian.PutUint32(buf[SeqSize+len(payload):], crc32.ChecksumIEEE(payload))
	return buf
}

// EncodeEOF serializes the end-of-transfer sentinel (all-ones sequence, no
// payload, no checksum).
func EncodeEOF() []byte {
	seq := EOFSeq
	buf := make([]byte, SeqSize)
	binary.BigEndian.PutUint64(buf, uint64(seq))
	return buf
}

// DecodeSegment deserializes a datagram into a Segment. The EOF sentinel is
// recognized before any length or checksum validation. The checksum is not
// verified here; callers use Segment.Valid.
func DecodeSegment(data []byte) (*Segment, error) {
	if len(data) < SeqSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrMalformedSegment, len(data), SeqSize)
	}

	seq := int64(binary.BigEndian.Uint64(data[:SeqSize]))
	if seq == EOFSeq {
		return &Segment{Seq: EOFSeq}, nil
	}

	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrMalformedSegment, len(data), HeaderSize)
	}
	if seq < 0 {
		return nil, fmt.Errorf("%w: negative sequence %d", ErrMalformedSegment, seq)
	}

	n := len(data) - HeaderSize
	seg := &Segment{
		Seq:      seq,
		Payload:  make([]byte, n),
		Checksum: binary.BigEndian.Uint32(data[SeqSize+n:]),
	}
	copy(seg.Payload, data[SeqSize:SeqSize+n])
	return seg, nil
}

// EncodeAck serializes an acknowledgment for seq.
func EncodeAck(seq int64) []byte {
	buf := make([]byte, AckSize)
	binary.BigEndian.PutUint64(buf, uint64(seq))
	return buf
}

// DecodeAck deserializes an acknowledgment datagram.
func DecodeAck(data []byte) (int64, error) {
	if len(data) != AckSize {
		return 0, fmt.Errorf("%w: ack of %d bytes", ErrMalformedSegment, len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}
