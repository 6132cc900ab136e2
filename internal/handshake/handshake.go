// Package handshake negotiates the datagram endpoints of a transfer over the
// control channel. The server binds first and announces
// "READY <port> <size>"; the client binds its own endpoint and answers
// "CLIENT_READY <port>". Both sides then know exactly one peer address.
package handshake

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/1ureka/udpftp/internal/control"
	"github.com/1ureka/udpftp/internal/transport"
	"github.com/1ureka/udpftp/internal/util"
)

// ErrHandshake is returned for any handshake failure. A failed handshake
// never leaves a bound endpoint behind.
var ErrHandshake = errors.New("handshake failed")

// DefaultWait bounds how long the server waits for CLIENT_READY.
const DefaultWait = 10 * time.Second

// Binder opens a fresh local datagram endpoint.
type Binder func() (net.PacketConn, error)

// Endpoint is a negotiated data path: a bound local endpoint plus the one
// remote address it exchanges datagrams with.
type Endpoint struct {
	Conn net.PacketConn
	Peer *net.UDPAddr
}

// Port returns the local port.
func (e *Endpoint) Port() int { return transport.Port(e.Conn.LocalAddr()) }

// Announce is the server side. It binds, writes READY, then waits up to
// wait for the client's CLIENT_READY. On failure the endpoint is closed and
// an ERROR line is written to the control channel, unless the client sent
// an ERROR line of its own instead of CLIENT_READY.
func Announce(ctrl *control.Conn, bind Binder, host net.IP, size int64, wait time.Duration) (*Endpoint, error) {
	if wait <= 0 {
		wait = DefaultWait
	}
	id := util.AddrID(ctrl.LocalAddr(), ctrl.RemoteAddr())

	conn, err := bind()
	if err != nil {
		ctrl.WriteError(control.ReasonTransfer)
		return nil, errors.Wrapf(ErrHandshake, "bind: %v", err)
	}

	fail := func(reason string, cause error) (*Endpoint, error) {
		conn.Close()
		ctrl.WriteError(reason)
		util.LogDebug("[%08x] handshake aborted: %v", id, cause)
		return nil, errors.Wrapf(ErrHandshake, "%v", cause)
	}

	ready := control.Ready{Port: transport.Port(conn.LocalAddr()), Size: size}
	if err := ctrl.WriteLine(ready.String()); err != nil {
		conn.Close()
		return nil, errors.Wrapf(ErrHandshake, "announce: %v", err)
	}

	line, err := ctrl.ReadLineTimeout(wait)
	if err != nil {
		return fail(control.ReasonTransfer, errors.Wrap(err, "await CLIENT_READY"))
	}
	// The client gave up after READY; it expects no reply.
	if reason, ok := control.ParseError(line); ok {
		conn.Close()
		util.LogDebug("[%08x] client aborted handshake: %s", id, reason)
		return nil, errors.Wrapf(ErrHandshake, "client aborted: %s", reason)
	}
	port, err := control.ParseClientReady(line)
	if err != nil {
		return fail(control.ReasonTransfer, err)
	}

	ep := &Endpoint{Conn: conn, Peer: transport.PeerAddr(host, port)}
	util.LogDebug("[%08x] data path %s <-> %s", id, conn.LocalAddr(), ep.Peer)
	return ep, nil
}

// Answer is the client side. readyLine is the server's response to GET or
// PUT. An ERROR line aborts silently; a malformed READY or a failed bind
// aborts with an ERROR line so the server stops waiting for CLIENT_READY.
// It returns the endpoint and the advertised size.
func Answer(ctrl *control.Conn, readyLine string, bind Binder, serverHost net.IP) (*Endpoint, int64, error) {
	if reason, ok := control.ParseError(readyLine); ok {
		return nil, 0, errors.Wrapf(ErrHandshake, "server: %s", reason)
	}
	ready, err := control.ParseReady(readyLine)
	if err != nil {
		Abort(ctrl)
		return nil, 0, errors.Wrapf(ErrHandshake, "%v", err)
	}

	conn, err := bind()
	if err != nil {
		Abort(ctrl)
		return nil, 0, errors.Wrapf(ErrHandshake, "bind: %v", err)
	}

	if err := ctrl.WriteLine(control.FormatClientReady(transport.Port(conn.LocalAddr()))); err != nil {
		conn.Close()
		return nil, 0, errors.Wrapf(ErrHandshake, "answer: %v", err)
	}

	return &Endpoint{Conn: conn, Peer: transport.PeerAddr(serverHost, ready.Port)}, ready.Size, nil
}

// Abort tells the server that the client will not join the data plane
// announced by its last READY.
func Abort(ctrl *control.Conn) error {
	return ctrl.WriteError(control.ReasonAborted)
}
