package control

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// Conn is a control channel: newline-terminated text lines over a stream
// connection. Reads come from a single goroutine; writes are serialized by
// a mutex so that a status line is never interleaved with another.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	mu sync.Mutex
	w  *bufio.Writer
}

// NewConn wraps an established stream connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

// ReadLine returns the next line without its terminator. io.EOF means the
// peer closed the channel. A deadline error leaves the channel usable.
func (c *Conn) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadLineTimeout is ReadLine bounded by a read deadline.
func (c *Conn) ReadLineTimeout(d time.Duration) (string, error) {
	if d > 0 {
		c.conn.SetReadDeadline(time.Now().Add(d))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	return c.ReadLine()
}

// SetReadDeadline bounds a ReadLine running on another goroutine. The zero
// time clears it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// WriteLine sends one line.
func (c *Conn) WriteLine(line string) error {
	return c.WriteLines(line)
}

// Writef formats and sends one line.
func (c *Conn) Writef(format string, args ...interface{}) error {
	return c.WriteLines(fmt.Sprintf(format, args...))
}

// WriteError sends an "ERROR: <reason>" line.
func (c *Conn) WriteError(reason string) error {
	return c.WriteLines(FormatError(reason))
}

// WriteLines sends several lines as one flush.
func (c *Conn) WriteLines(lines ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range lines {
		if _, err := c.w.WriteString(l); err != nil {
			return err
		}
		if err := c.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

func (c *Conn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) Close() error { return c.conn.Close() }
