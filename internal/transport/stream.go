package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/1ureka/udpftp/internal/arq"
	"github.com/1ureka/udpftp/internal/util"
)

// streamChunk is the read size of the stream pumps.
const streamChunk = 32 * 1024

// StreamListener is a single-use TCP listener: it accepts exactly one data
// connection and then stops listening.
type StreamListener struct {
	ln   net.Listener
	opts Options
}

// ListenStream opens a throwaway listener on an ephemeral port.
func ListenStream(opts Options) (*StreamListener, error) {
	ln, err := net.Listen("tcp4", net.JoinHostPort(opts.Host, "0"))
	if err != nil {
		return nil, fmt.Errorf("listen stream endpoint: %w", err)
	}
	return &StreamListener{ln: ln, opts: opts}, nil
}

// Port returns the advertised port.
func (l *StreamListener) Port() int { return Port(l.ln.Addr()) }

// Close stops listening. Safe after Accept.
func (l *StreamListener) Close() error { return l.ln.Close() }

// Accept waits up to timeout for the peer to connect, then closes the
// listener. Cancelling ctx aborts the wait.
func (l *StreamListener) Accept(ctx context.Context, timeout time.Duration) (net.Conn, error) {
	defer l.ln.Close()

	if tl, ok := l.ln.(*net.TCPListener); ok && timeout > 0 {
		tl.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept stream peer: %w", err)
	}
	applyTOS(conn, l.opts.TOS)
	return conn, nil
}

// DialStream connects to a peer's throwaway listener.
func DialStream(ctx context.Context, host net.IP, port int, opts Options) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", net.JoinHostPort(host.String(), strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("dial stream endpoint: %w", err)
	}
	applyTOS(conn, opts.TOS)
	return conn, nil
}

func applyTOS(conn net.Conn, tos int) {
	if tos == 0 {
		return
	}
	if err := ipv4.NewConn(conn).SetTOS(tos); err != nil {
		util.LogWarning("set TOS %#x on %s: %v", tos, conn.LocalAddr(), err)
	}
}

// ---------------------------------------------------------------------------
// Stream pumps
// ---------------------------------------------------------------------------

// SendStream copies src into conn, then closes conn so that the peer sees
// end of stream. TCP supplies reliability; there is no framing.
func SendStream(ctx context.Context, conn net.Conn, src io.Reader, total int64, progress arq.ProgressFunc) (arq.Result, error) {
	return pump(ctx, conn, conn, src, total, progress, true)
}

// ReceiveStream copies conn into sink until the peer closes its side.
func ReceiveStream(ctx context.Context, conn net.Conn, sink io.Writer, total int64, progress arq.ProgressFunc) (arq.Result, error) {
	return pump(ctx, conn, sink, conn, total, progress, false)
}

// pump is the single copy loop behind both directions. It uses a blocking
// Read; cancelling ctx closes conn to unblock it.
func pump(ctx context.Context, conn net.Conn, dst io.Writer, src io.Reader, total int64, progress arq.ProgressFunc, sending bool) (arq.Result, error) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	id := util.ConnID(conn)
	start := time.Now()
	var done int64
	result := func(o arq.Outcome) arq.Result {
		return arq.Result{Bytes: done, Elapsed: time.Since(start), Outcome: o}
	}

	buf := make([]byte, streamChunk)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				util.LogDebug("[%08x] stream write error: %v", id, err)
				return result(arq.Aborted), fmt.Errorf("stream write: %w", err)
			}
			done += int64(n)
			if sending {
				util.Stats.AddSent(n)
			} else {
				util.Stats.AddRecv(n)
			}
			if progress != nil {
				progress(done, total)
			}
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				rerr = ctx.Err()
			}
			util.LogDebug("[%08x] stream read error: %v", id, rerr)
			return result(arq.Aborted), fmt.Errorf("stream read: %w", rerr)
		}
	}

	util.LogDebug("[%08x] stream finished after %d bytes", id, done)
	return result(arq.Complete), nil
}
