// Package util provides shared logging, statistics and identification helpers.
package util

import (
	"hash/fnv"
	"net"
)

// ConnID computes a 4-byte hash from a connection's 4-tuple (local and
// remote address). It only tags log lines and does not need to be
// reversible or unique.
func ConnID(conn net.Conn) uint32 {
	return AddrID(conn.LocalAddr(), conn.RemoteAddr())
}

// AddrID hashes an address pair, used for datagram endpoints which have no
// net.Conn.
func AddrID(local, remote net.Addr) uint32 {
	h := fnv.New32a()
	if local != nil {
		h.Write([]byte(local.String()))
	}
	if remote != nil {
		h.Write([]byte(remote.String()))
	}
	return h.Sum32()
}
