package arq

import (
	"github.com/pkg/errors"

	"github.com/1ureka/udpftp/internal/protocol"
)

// Failure taxonomy of the reliable transfer layer. Only transient loss is
// retried; every other condition ends the transfer and is reported.
var (
	// ErrMalformedSegment: decode failure, datagram discarded.
	ErrMalformedSegment = protocol.ErrMalformedSegment

	// ErrChecksumMismatch: payload CRC failed, discarded without ack.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrSequenceGap: segment ahead of the expected sequence, buffered.
	ErrSequenceGap = errors.New("sequence gap")

	// ErrRetryExhausted: a segment was transmitted MaxRetries times without
	// a matching acknowledgment.
	ErrRetryExhausted = errors.New("retries exhausted")

	// ErrStalled: the receiver saw no datagram for the stall window before EOF.
	ErrStalled = errors.New("transfer stalled")

	// ErrSocketFault: I/O error on the data endpoint, including closure used
	// for cancellation.
	ErrSocketFault = errors.New("socket fault")
)
