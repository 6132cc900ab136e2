package arq

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/1ureka/udpftp/internal/protocol"
	"github.com/1ureka/udpftp/internal/util"
)

// Receiver drives one inbound transfer: receive, validate, reorder, deliver,
// ack. It owns conn and closes it when Receive returns.
type Receiver struct {
	conn  net.PacketConn
	cfg   Config
	sess  *Session
	reasm *Reassembler

	ID       uint32
	Progress ProgressFunc
}

// NewReceiver prepares a receiver accepting datagrams only from peer. A nil
// peer adopts the source of the first valid data segment.
func NewReceiver(conn net.PacketConn, peer net.Addr, cfg Config) *Receiver {
	cfg = cfg.withDefaults()
	return &Receiver{
		conn:  conn,
		cfg:   cfg,
		sess:  newSession(RoleReceiver, peer, cfg),
		reasm: NewReassembler(),
	}
}

// SetSizeHint records the advisory total used for progress reporting.
func (r *Receiver) SetSizeHint(n int64) { r.sess.SizeHint = n }

// Peer returns the sender address, which may have been adopted on the fly.
func (r *Receiver) Peer() net.Addr { return r.sess.Peer }

// Receive writes the peer's byte stream to sink in order until the EOF
// sentinel arrives. Segments parked in the reorder buffer at EOF are
// dropped; EOF is only sent after every segment was acknowledged, so they
// can only be stale copies.
func (r *Receiver) Receive(ctx context.Context, sink io.Writer) (Result, error) {
	defer r.conn.Close()
	stop := context.AfterFunc(ctx, func() { r.conn.Close() })
	defer stop()

	r.sess.Started = time.Now()
	buf := make([]byte, maxDatagram)

	// Only valid segments from the peer push the stall deadline out;
	// foreign, malformed and corrupt datagrams do not.
	lastProgress := r.sess.Started

	for {
		if err := r.conn.SetReadDeadline(lastProgress.Add(r.cfg.StallTimeout)); err != nil {
			return r.sess.result(Aborted), r.fault(ctx, err, "set deadline")
		}

		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) && ctx.Err() == nil {
				util.LogWarning("[%08x] no datagram for %s, expected seq=%d", r.ID, r.cfg.StallTimeout, r.reasm.Expected())
				return r.sess.result(Aborted), errors.Wrapf(ErrStalled, "waiting for segment %d", r.reasm.Expected())
			}
			return r.sess.result(Aborted), r.fault(ctx, err, "receive")
		}

		if r.sess.Peer != nil && !sameEndpoint(from, r.sess.Peer) {
			util.Stats.AddDiscard()
			continue
		}

		seg, err := protocol.DecodeSegment(buf[:n])
		if err != nil {
			util.Stats.AddDiscard()
			util.LogDebug("[%08x] discard: %v", r.ID, err)
			continue
		}

		if seg.IsEOF() {
			if r.sess.Peer == nil {
				// An EOF from an unknown source cannot end a transfer that
				// has no peer yet.
				continue
			}
			if p := r.reasm.Pending(); p > 0 {
				util.LogDebug("[%08x] EOF with %d parked segments dropped", r.ID, p)
			}
			util.LogDebug("[%08x] EOF after %d segments (%d bytes)", r.ID, r.reasm.Expected(), r.sess.Bytes)
			return r.sess.result(Complete), nil
		}

		if !seg.Valid() {
			util.Stats.AddDiscard()
			util.LogDebug("[%08x] discard seq=%d: %v", r.ID, seg.Seq, ErrChecksumMismatch)
			continue
		}

		if r.sess.Peer == nil {
			r.sess.Peer = from
			util.LogDebug("[%08x] adopted peer %s", r.ID, from)
		}
		lastProgress = time.Now()

		if err := r.accept(ctx, seg, sink); err != nil {
			return r.sess.result(Aborted), err
		}
	}
}

// accept applies one checksum-valid data segment.
func (r *Receiver) accept(ctx context.Context, seg *protocol.Segment, sink io.Writer) error {
	expected := r.reasm.Expected()

	switch {
	case seg.Seq < expected:
		// The ack for this one was lost; acknowledge it again, do not rewrite.
		return r.ack(ctx, seg.Seq)

	case seg.Seq > expected:
		util.LogDebug("[%08x] park seq=%d: %v (expected %d)", r.ID, seg.Seq, ErrSequenceGap, expected)
		r.reasm.Feed(seg.Seq, seg.Payload)
		return nil
	}

	ready := r.reasm.Feed(seg.Seq, seg.Payload)
	for i, chunk := range ready {
		if _, err := sink.Write(chunk); err != nil {
			return errors.Wrapf(err, "write segment %d", expected+int64(i))
		}
		r.sess.Bytes += int64(len(chunk))
		util.Stats.AddRecv(len(chunk))
	}
	r.sess.Seq = r.reasm.Expected()

	if r.Progress != nil {
		r.Progress(r.sess.Bytes, r.sess.SizeHint)
	}
	return r.ack(ctx, r.sess.Seq-1)
}

func (r *Receiver) ack(ctx context.Context, seq int64) error {
	if _, err := r.conn.WriteTo(protocol.EncodeAck(seq), r.sess.Peer); err != nil {
		return r.fault(ctx, err, "send ack")
	}
	util.Stats.AddAckSent()
	return nil
}

func (r *Receiver) fault(ctx context.Context, err error, op string) error {
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return errors.Wrapf(ErrSocketFault, "%s expected=%d: %v", op, r.reasm.Expected(), err)
}
