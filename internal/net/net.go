// Package netfacility provides the default, OS-backed realization of
// pkg/interfaces.NetFacility (spec.md §6). It is a thin adapter: all
// protocol logic lives above this package, in internal/mux and the
// mapper drivers.
package netfacility

import (
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/natgateway/portmap/pkg/types"
)

// Facility is the default NetFacility implementation, backed directly
// by the standard library's net package plus golang.org/x/net's
// multicast group helpers (bare net does not expose group-join
// ergonomically on the send side, which SSDP's 239.255.255.250/ff02::c
// groups require).
type Facility struct{}

// New returns a Facility. It holds no state; every call opens or reads
// directly from the OS.
func New() *Facility { return &Facility{} }

// CreateUDP opens a UDP socket bound to localAddr and, if mcastGroup is
// valid, joins that multicast group on the interface nearest localAddr.
func (Facility) CreateUDP(localAddr netip.AddrPort, mcastGroup netip.Addr) (net.PacketConn, error) {
	network := "udp"
	if localAddr.Addr().Is4() {
		network = "udp4"
	} else if localAddr.Addr().Is6() {
		network = "udp6"
	}

	conn, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(localAddr))
	if err != nil {
		return nil, types.NewError("net.CreateUDP", types.KindUnreachable, err)
	}

	if !mcastGroup.IsValid() {
		return conn, nil
	}

	iface := interfaceFor(localAddr.Addr())
	groupAddr := &net.UDPAddr{IP: mcastGroup.AsSlice()}

	if mcastGroup.Is4() {
		pc := ipv4.NewPacketConn(conn)
		if err := pc.JoinGroup(iface, groupAddr); err != nil {
			conn.Close()
			return nil, types.NewError("net.CreateUDP", types.KindUnreachable, err)
		}
		_ = pc.SetMulticastTTL(4)
	} else {
		pc := ipv6.NewPacketConn(conn)
		if err := pc.JoinGroup(iface, groupAddr); err != nil {
			conn.Close()
			return nil, types.NewError("net.CreateUDP", types.KindUnreachable, err)
		}
		_ = pc.SetMulticastHopLimit(4)
	}

	return conn, nil
}

// CreateTCP dials remoteAddr, optionally binding to localAddr first
// (spec.md §6: UPnP-IGD's SOAP calls run over TCP).
func (Facility) CreateTCP(localAddr, remoteAddr netip.AddrPort) (net.Conn, error) {
	var laddr *net.TCPAddr
	if localAddr.IsValid() {
		laddr = net.TCPAddrFromAddrPort(localAddr)
	}
	conn, err := net.DialTCP("tcp", laddr, net.TCPAddrFromAddrPort(remoteAddr))
	if err != nil {
		return nil, types.NewError("net.CreateTCP", types.KindUnreachable, err)
	}
	return conn, nil
}

// ListLocalAddresses enumerates every non-loopback address of each up,
// non-loopback interface (an interface with several addresses of one
// family contributes each of them), used by discovery to build its
// fan-out (SPEC_FULL.md §5).
func (Facility) ListLocalAddresses() ([]netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, types.NewError("net.ListLocalAddresses", types.KindUnreachable, err)
	}

	var out []netip.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if addr.IsLoopback() || !addr.IsValid() {
				continue
			}
			out = append(out, addr)
		}
	}
	return out, nil
}

// interfaceFor returns the *net.Interface whose address family matches
// addr and that owns addr, or nil (meaning "let the kernel pick") if
// none is found or addr is unspecified.
func interfaceFor(addr netip.Addr) *net.Interface {
	if !addr.IsValid() || addr.IsUnspecified() {
		return nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ifAddr, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			if ifAddr.Unmap() == addr {
				return &ifaces[i]
			}
		}
	}
	return nil
}
