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

// Sender drives one outbound transfer: chunk, checksum, send, await ack,
// retry, abort, EOF. It owns conn and closes it when Send returns.
type Sender struct {
	conn net.PacketConn
	cfg  Config
	sess *Session

	// ID tags log lines; Progress, when set, is called after each
	// acknowledged segment.
	ID       uint32
	Progress ProgressFunc
}

// NewSender prepares a sender addressing datagrams exclusively to peer.
func NewSender(conn net.PacketConn, peer net.Addr, cfg Config) *Sender {
	cfg = cfg.withDefaults()
	return &Sender{
		conn: conn,
		cfg:  cfg,
		sess: newSession(RoleSender, peer, cfg),
	}
}

// SetSizeHint records the advisory total used for progress reporting.
func (s *Sender) SetSizeHint(n int64) { s.sess.SizeHint = n }

// Send streams src to the peer. It returns a Complete result only when
// every segment was acknowledged and the EOF sentinel was sent; any other
// exit is an Aborted result with a non-nil error.
func (s *Sender) Send(ctx context.Context, src io.Reader) (Result, error) {
	defer s.conn.Close()
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	s.sess.Started = time.Now()
	buf := make([]byte, s.cfg.MaxPayload)
	ackBuf := make([]byte, maxDatagram)

	for {
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			if err := s.deliver(ctx, buf[:n], ackBuf); err != nil {
				return s.sess.result(Aborted), err
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return s.sess.result(Aborted), errors.Wrapf(rerr, "read source at segment %d", s.sess.Seq)
		}
	}

	// The sentinel is sent once; loss is tolerated by the receiver's stall
	// detection on its side.
	if _, err := s.conn.WriteTo(protocol.EncodeEOF(), s.sess.Peer); err != nil {
		return s.sess.result(Aborted), s.fault(ctx, err, "send EOF")
	}
	util.LogDebug("[%08x] sent EOF after %d segments (%d bytes)", s.ID, s.sess.Seq, s.sess.Bytes)

	return s.sess.result(Complete), nil
}

// deliver transmits one segment until it is acknowledged or the retry
// budget is spent.
func (s *Sender) deliver(ctx context.Context, chunk, ackBuf []byte) error {
	seq := s.sess.Seq
	pkt := protocol.EncodeSegment(seq, chunk)
	s.sess.RetriesLeft = s.cfg.MaxRetries

	for attempt := 1; s.sess.RetriesLeft > 0; attempt++ {
		s.sess.RetriesLeft--

		if _, err := s.conn.WriteTo(pkt, s.sess.Peer); err != nil {
			return s.fault(ctx, err, "send segment")
		}
		util.Stats.AddSegment()
		if attempt > 1 {
			util.Stats.AddRetransmit()
			util.LogDebug("[%08x] retransmit seq=%d (%d/%d)", s.ID, seq, attempt, s.cfg.MaxRetries)
		}

		acked, err := s.awaitAck(ctx, seq, ackBuf)
		if err != nil {
			return err
		}
		if acked {
			s.sess.Seq++
			s.sess.Bytes += int64(len(chunk))
			util.Stats.AddAckRecv()
			util.Stats.AddSent(len(chunk))
			if s.Progress != nil {
				s.Progress(s.sess.Bytes, s.sess.SizeHint)
			}
			return nil
		}
	}

	util.LogWarning("[%08x] no ack for seq=%d after %d attempts, aborting", s.ID, seq, s.cfg.MaxRetries)
	return errors.Wrapf(ErrRetryExhausted, "segment %d after %d attempts", seq, s.cfg.MaxRetries)
}

// awaitAck blocks until an ack for seq arrives (true) or the per-attempt
// deadline passes (false). Stray, stale and malformed datagrams are skipped
// without extending the deadline.
func (s *Sender) awaitAck(ctx context.Context, seq int64, buf []byte) (bool, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.Timeout)); err != nil {
		return false, s.fault(ctx, err, "set deadline")
	}

	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				return false, nil
			}
			return false, s.fault(ctx, err, "await ack")
		}

		if !sameEndpoint(from, s.sess.Peer) {
			util.Stats.AddDiscard()
			continue
		}

		ack, err := protocol.DecodeAck(buf[:n])
		if err != nil {
			util.Stats.AddDiscard()
			continue
		}
		if ack == seq {
			return true, nil
		}
		util.LogDebug("[%08x] ignoring ack=%d while waiting for %d", s.ID, ack, seq)
	}
}

// fault converts an endpoint error into a SocketFault, noting cancellation.
func (s *Sender) fault(ctx context.Context, err error, op string) error {
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return errors.Wrapf(ErrSocketFault, "%s seq=%d: %v", op, s.sess.Seq, err)
}
