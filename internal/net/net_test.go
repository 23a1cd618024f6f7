package netfacility

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUDPBindsEphemeralPort(t *testing.T) {
	f := New()
	conn, err := f.CreateUDP(netip.MustParseAddrPort("127.0.0.1:0"), netip.Addr{})
	require.NoError(t, err)
	defer conn.Close()

	addr := conn.LocalAddr().String()
	assert.NotEmpty(t, addr)
}

func TestCreateTCPDialsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	f := New()
	conn, err := f.CreateTCP(netip.AddrPort{}, ln.Addr().(*net.TCPAddr).AddrPort())
	require.NoError(t, err)
	conn.Close()
}

func TestListLocalAddressesExcludesLoopback(t *testing.T) {
	f := New()
	addrs, err := f.ListLocalAddresses()
	require.NoError(t, err)
	for _, a := range addrs {
		assert.False(t, a.IsLoopback())
	}
}
