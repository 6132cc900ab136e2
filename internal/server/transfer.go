package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"time"

	"github.com/1ureka/udpftp/internal/arq"
	"github.com/1ureka/udpftp/internal/control"
	"github.com/1ureka/udpftp/internal/handshake"
	"github.com/1ureka/udpftp/internal/monitor"
	"github.com/1ureka/udpftp/internal/transport"
	"github.com/1ureka/udpftp/internal/util"
)

const fileBuffer = 64 * 1024

// transfer is one GET or PUT in flight on a session.
type transfer struct {
	s    *Session
	id   string
	op   control.Verb
	path string
	size int64
	mode control.Mode
}

func (s *Session) newTransfer(op control.Verb, name string, size int64) *transfer {
	p := name
	if !path.IsAbs(p) {
		p = path.Join("/", s.cwd, name)
	}
	t := &transfer{
		s:    s,
		id:   util.NewTransferID(),
		op:   op,
		path: p,
		size: size,
		mode: s.mode,
	}
	util.LogInfo("[%08x] %s %s (%d bytes, %s) transfer %s", s.id, op, p, size, t.mode, t.id)
	t.publish(monitor.EventStarted, arq.Result{}, nil)
	return t
}

// send streams src to the client (GET).
func (t *transfer) send(ctx context.Context, src io.Reader) error {
	src = bufio.NewReaderSize(src, fileBuffer)

	var (
		res arq.Result
		err error
	)
	if t.mode == control.ModeDatagram {
		var ep *handshake.Endpoint
		ep, err = t.announce()
		if err == nil {
			snd := arq.NewSender(ep.Conn, ep.Peer, t.s.srv.cfg.ARQ())
			snd.ID = util.AddrID(ep.Conn.LocalAddr(), ep.Peer)
			snd.SetSizeHint(t.size)
			res, err = snd.Send(ctx, src)
		}
	} else {
		res, err = t.stream(ctx, func(c net.Conn) (arq.Result, error) {
			return transport.SendStream(ctx, c, src, t.size, nil)
		})
	}

	t.finish(res, err)
	return err
}

// receive writes the client's upload into sink (PUT). A failed upload
// leaves whatever was written in place.
func (t *transfer) receive(ctx context.Context, sink io.Writer) error {
	w := bufio.NewWriterSize(sink, fileBuffer)

	var (
		res arq.Result
		err error
	)
	if t.mode == control.ModeDatagram {
		var ep *handshake.Endpoint
		ep, err = t.announce()
		if err == nil {
			rcv := arq.NewReceiver(ep.Conn, ep.Peer, t.s.srv.cfg.ARQ())
			rcv.ID = util.AddrID(ep.Conn.LocalAddr(), ep.Peer)
			rcv.SetSizeHint(t.size)
			res, err = rcv.Receive(ctx, w)
		}
	} else {
		res, err = t.stream(ctx, func(c net.Conn) (arq.Result, error) {
			return transport.ReceiveStream(ctx, c, w, t.size, nil)
		})
	}

	if ferr := w.Flush(); ferr != nil && err == nil {
		err = ferr
		res.Outcome = arq.Aborted
	}

	t.finish(res, err)
	return err
}

func (t *transfer) announce() (*handshake.Endpoint, error) {
	cfg := t.s.srv.cfg
	return handshake.Announce(
		t.s.ctrl,
		transport.DatagramBinder(cfg.Transport()),
		t.s.peer,
		t.size,
		t.s.handshakeWait(),
	)
}

// stream runs the TCP data plane: a throwaway listener whose port is
// advertised in READY, one accepted connection, then fn. While waiting for
// the connection the control channel is watched, so a client that gives up
// after READY ends the wait instead of leaving it to time out.
func (t *transfer) stream(ctx context.Context, fn func(net.Conn) (arq.Result, error)) (arq.Result, error) {
	ctrl := t.s.ctrl
	l, err := transport.ListenStream(t.s.srv.cfg.Transport())
	if err != nil {
		ctrl.WriteError(control.ReasonTransfer)
		return arq.Result{Outcome: arq.Aborted}, err
	}
	if err := ctrl.WriteLine(control.Ready{Port: l.Port(), Size: t.size}.String()); err != nil {
		l.Close()
		return arq.Result{Outcome: arq.Aborted}, err
	}

	wait := t.s.handshakeWait()
	ctrl.SetReadDeadline(time.Now().Add(wait))
	var (
		line    string
		lineErr error
	)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		line, lineErr = ctrl.ReadLine()
		l.Close()
	}()

	conn, err := l.Accept(ctx, wait)
	ctrl.SetReadDeadline(time.Unix(1, 0))
	<-watched
	ctrl.SetReadDeadline(time.Time{})

	if lineErr == nil {
		if conn != nil {
			conn.Close()
		}
		if reason, ok := control.ParseError(line); ok {
			util.LogDebug("[%08x] client aborted stream setup: %s", t.s.id, reason)
			return arq.Result{Outcome: arq.Aborted}, fmt.Errorf("client aborted: %s", reason)
		}
		ctrl.WriteError(control.ReasonTransfer)
		return arq.Result{Outcome: arq.Aborted}, fmt.Errorf("unexpected %q while awaiting stream peer", line)
	}
	if err != nil {
		return arq.Result{Outcome: arq.Aborted}, err
	}
	return fn(conn)
}

// finish reports the outcome to the console, the journal and observers.
func (t *transfer) finish(res arq.Result, err error) {
	sid := t.s.id
	if err != nil {
		res.Outcome = arq.Aborted
		util.LogWarning("[%08x] %s %s aborted after %d bytes: %v", sid, t.op, t.path, res.Bytes, err)
	} else {
		util.LogSuccess("[%08x] %s %s %s (%s/s)", sid, t.op, t.path, res, util.FormatBytes(res.Throughput()))
	}

	t.s.srv.journal.Record(util.TransferRecord{
		ID:      t.id,
		Op:      string(t.op),
		Path:    t.path,
		Mode:    t.mode.String(),
		Peer:    t.s.ctrl.RemoteAddr().String(),
		Bytes:   res.Bytes,
		Elapsed: res.Elapsed,
		Outcome: res.Outcome.String(),
		Err:     err,
	})

	typ := monitor.EventCompleted
	if res.Outcome == arq.Aborted {
		typ = monitor.EventAborted
	}
	t.publish(typ, res, err)
}

func (t *transfer) publish(typ monitor.EventType, res arq.Result, err error) {
	e := monitor.Event{
		Type:      typ,
		ID:        t.id,
		Peer:      t.s.ctrl.RemoteAddr().String(),
		Op:        string(t.op),
		Path:      t.path,
		Mode:      t.mode.String(),
		Bytes:     res.Bytes,
		ElapsedMS: res.Elapsed.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	t.s.srv.hub.Publish(e)
}
