// Package transport binds the data plane of a file transfer: ephemeral
// datagram endpoints for the ARQ path and throwaway stream listeners for
// the TCP path. The control channel never goes through here.
package transport

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/ipv4"

	"github.com/1ureka/udpftp/internal/util"
)

// Options describes how data endpoints are bound.
type Options struct {
	// Host is the local address to bind; empty means all interfaces.
	Host string
	// TOS, when non-zero, is applied to every data socket (IPv4 only).
	TOS int
}

// BindDatagram opens a UDP endpoint on an ephemeral port. Each transfer
// binds its own endpoint and closes it when done.
func BindDatagram(opts Options) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp4", net.JoinHostPort(opts.Host, "0"))
	if err != nil {
		return nil, fmt.Errorf("bind datagram endpoint: %w", err)
	}

	if opts.TOS != 0 {
		if err := ipv4.NewPacketConn(conn).SetTOS(opts.TOS); err != nil {
			util.LogWarning("set TOS %#x on %s: %v", opts.TOS, conn.LocalAddr(), err)
		}
	}

	util.LogDebug("[%08x] datagram endpoint bound on %s", util.AddrID(conn.LocalAddr(), nil), conn.LocalAddr())
	return conn, nil
}

// DatagramBinder returns a bind function suitable for the handshake.
func DatagramBinder(opts Options) func() (net.PacketConn, error) {
	return func() (net.PacketConn, error) { return BindDatagram(opts) }
}

// Port extracts the port of a bound address.
func Port(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.Port
	case *net.TCPAddr:
		return a.Port
	}
	_, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

// PeerAddr builds the UDP address of a remote data endpoint.
func PeerAddr(host net.IP, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: host, Port: port}
}

// HostIP returns the IP part of a control connection address.
func HostIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
