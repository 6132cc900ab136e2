// Package arq implements stop-and-wait automatic repeat request over a raw
// datagram endpoint: one segment in flight, per-segment acknowledgment,
// bounded retransmission and an EOF sentinel.
package arq

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/1ureka/udpftp/internal/protocol"
)

// Defaults used when a Config field is left zero.
const (
	DefaultTimeout    = 2 * time.Second
	DefaultMaxRetries = 5
)

// maxDatagram bounds the receive buffer; any IPv4 UDP payload fits.
const maxDatagram = 64 * 1024

// Config carries the per-session tuning values. It is passed in explicitly
// by whoever creates the session.
type Config struct {
	MaxPayload int           // payload bytes per segment
	Timeout    time.Duration // ack wait per transmission
	MaxRetries int           // transmissions per segment before abort

	// StallTimeout is how long a receiver waits for any datagram before it
	// declares the transfer dead. Zero means Timeout * (MaxRetries + 1),
	// which outlasts the sender's full retry budget for one segment.
	StallTimeout time.Duration
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.MaxPayload <= 0 {
		c.MaxPayload = protocol.DefaultMaxPayload
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = c.Timeout * time.Duration(c.MaxRetries+1)
	}
	return c
}

// Role tells which direction a session moves data.
type Role uint8

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// Session is the mutable state of one transfer. It is owned by the
// goroutine driving that transfer and is never shared.
type Session struct {
	Role        Role
	Peer        net.Addr
	Seq         int64 // next to send (sender) or expected (receiver)
	RetriesLeft int
	Timeout     time.Duration
	MaxPayload  int
	SizeHint    int64 // advisory, progress only
	Bytes       int64 // payload bytes sent or delivered
	Started     time.Time
}

func newSession(role Role, peer net.Addr, cfg Config) *Session {
	return &Session{
		Role:        role,
		Peer:        peer,
		RetriesLeft: cfg.MaxRetries,
		Timeout:     cfg.Timeout,
		MaxPayload:  cfg.MaxPayload,
		Started:     time.Now(),
	}
}

// Outcome is the terminal state of a transfer.
type Outcome uint8

const (
	Complete Outcome = iota
	Aborted
)

func (o Outcome) String() string {
	if o == Complete {
		return "complete"
	}
	return "aborted"
}

// Result summarizes a finished transfer.
type Result struct {
	Bytes   int64
	Elapsed time.Duration
	Outcome Outcome
}

// Throughput returns payload bytes per second.
func (r Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Elapsed.Seconds()
}

func (r Result) String() string {
	return fmt.Sprintf("%s: %d bytes in %s", r.Outcome, r.Bytes, r.Elapsed.Round(time.Millisecond))
}

func (s *Session) result(outcome Outcome) Result {
	return Result{Bytes: s.Bytes, Elapsed: time.Since(s.Started), Outcome: outcome}
}

// ProgressFunc receives the running byte count and the advisory total.
type ProgressFunc func(done, total int64)

// isTimeout reports whether err is a read deadline expiry.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// sameEndpoint compares datagram source addresses. UDP addresses compare
// by IP and port so that IPv4 and IPv4-mapped forms match.
func sameEndpoint(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	ua, okA := a.(*net.UDPAddr)
	ub, okB := b.(*net.UDPAddr)
	if okA && okB {
		return ua.Port == ub.Port && ua.IP.Equal(ub.IP)
	}
	return a.Network() == b.Network() && a.String() == b.String()
}
