package arq

import (
	"net"
	"os"
	"sync"
	"time"
)

// Compile-time interface check.
var _ net.PacketConn = (*memConn)(nil)

type datagram struct {
	data []byte
	from net.Addr
}

// memConn is an in-process datagram endpoint. Two linked memConns simulate
// a lossless link; a tamper hook on the writing side can drop, corrupt or
// duplicate outbound datagrams. Like UDP, a full inbox silently drops.
type memConn struct {
	addr  *net.UDPAddr
	peer  *memConn
	inbox chan datagram

	mu       sync.Mutex
	deadline time.Time
	sent     [][]byte

	// tamper maps one outbound datagram to what actually reaches the peer.
	// Nil means deliver unchanged.
	tamper func(b []byte) [][]byte

	closed chan struct{}
	once   sync.Once
}

// memPair creates a linked pair of endpoints on distinct loopback ports.
func memPair() (a, b *memConn) {
	a = newMemConn(40001)
	b = newMemConn(40002)
	a.peer = b
	b.peer = a
	return a, b
}

func newMemConn(port int) *memConn {
	return &memConn{
		addr:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
		inbox:  make(chan datagram, 256),
		closed: make(chan struct{}),
	}
}

func (c *memConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	d := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !d.IsZero() {
		wait := time.Until(d)
		if wait <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case dg := <-c.inbox:
		return copy(p, dg.data), dg.from, nil
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *memConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	b := append([]byte(nil), p...)
	c.mu.Lock()
	c.sent = append(c.sent, b)
	tamper := c.tamper
	c.mu.Unlock()

	out := [][]byte{b}
	if tamper != nil {
		out = tamper(append([]byte(nil), b...))
	}
	for _, d := range out {
		c.peer.inject(d, c.addr)
	}
	return len(p), nil
}

// inject delivers a datagram to c as if it came from "from".
func (c *memConn) inject(b []byte, from net.Addr) {
	select {
	case <-c.closed:
	case c.inbox <- datagram{data: b, from: from}:
	default:
	}
}

// Sent returns a copy of every datagram written, before tampering.
func (c *memConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *memConn) setTamper(fn func(b []byte) [][]byte) {
	c.mu.Lock()
	c.tamper = fn
	c.mu.Unlock()
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *memConn) LocalAddr() net.Addr { return c.addr }

func (c *memConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *memConn) SetReadDeadline(t time.Time) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *memConn) SetWriteDeadline(time.Time) error { return nil }
