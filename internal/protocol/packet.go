// Package protocol defines the datagram wire format used by the reliable
// transfer layer: data segments, acknowledgments and the end-of-transfer
// sentinel.
package protocol

import (
	"errors"
	"hash/crc32"

	"golang.org/x/net/ipv4"
)

// Wire layout constants.
const (
	SeqSize      = 8                      // big-endian signed sequence number
	ChecksumSize = 4                      // big-endian CRC32 over the payload
	HeaderSize   = SeqSize + ChecksumSize // fixed framing overhead of a data segment
	AckSize      = SeqSize

	udpHeaderLen = 8
)

// EOFSeq is the reserved sequence value signaling end-of-transfer.
const EOFSeq int64 = -1

// DefaultMaxPayload is the practical payload size for a 1500-byte MTU path
// with some headroom for tunnels and options.
const DefaultMaxPayload = 1450

// ErrMalformedSegment is returned when a datagram cannot be framed as a
// segment or ack.
var ErrMalformedSegment = errors.New("malformed segment")

// Segment is one datagram-sized unit of file payload.
type Segment struct {
	Seq      int64
	Payload  []byte // nil for EOF
	Checksum uint32 // zero for EOF
}

// IsEOF reports whether s is the end-of-transfer sentinel.
func (s *Segment) IsEOF() bool { return s.Seq == EOFSeq }

// Valid recomputes the payload checksum and compares it to the carried one.
func (s *Segment) Valid() bool {
	return crc32.ChecksumIEEE(s.Payload) == s.Checksum
}

// MaxPayloadForMTU derives the largest segment payload that fits a single
// IPv4/UDP datagram on a path with the given MTU.
func MaxPayloadForMTU(mtu int) int {
	n := mtu - ipv4.HeaderLen - udpHeaderLen - HeaderSize
	if n < 1 {
		return 1
	}
	return n
}
