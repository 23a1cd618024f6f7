// Package interfaces defines the contracts external collaborators must
// satisfy (spec.md §6) and the uniform mapper contract every protocol
// driver implements (spec.md §4.4).
package interfaces

import (
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// SocketHandle opaquely identifies a socket owned by the gateway
// multiplexer. Callers must not do arithmetic on it (spec.md §3).
type SocketHandle uuid.UUID

func (h SocketHandle) String() string { return uuid.UUID(h).String() }

// SocketKind distinguishes UDP and TCP sockets.
type SocketKind uint8

const (
	SocketUDP SocketKind = iota
	SocketTCP
)

// Datagram is a UDP read result: payload plus the sender.
type Datagram struct {
	Data []byte
	Addr netip.AddrPort
}

// NetFacility is the abstract socket + interface-enumeration contract
// from spec.md §6. The multiplexer is a client of this interface; it
// never calls the "net" package directly. This keeps socket creation
// swappable (a real OS implementation, or a fake for tests) without
// touching multiplexer logic.
type NetFacility interface {
	// CreateUDP opens a UDP socket bound to localAddr ("" chooses an
	// ephemeral port on all interfaces). If mcastGroup is valid, the
	// socket joins that multicast group on the interface reachable from
	// localAddr.
	CreateUDP(localAddr netip.AddrPort, mcastGroup netip.Addr) (net.PacketConn, error)

	// CreateTCP opens a non-blocking TCP connection to remoteAddr.
	CreateTCP(localAddr, remoteAddr netip.AddrPort) (net.Conn, error)

	// ListLocalAddresses enumerates the host's non-loopback unicast
	// addresses, every address of each interface.
	ListLocalAddresses() ([]netip.Addr, error)
}

// DeadlineConn is satisfied by both net.PacketConn and net.Conn for the
// pieces of the multiplexer that only need deadline plumbing.
type DeadlineConn interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}
