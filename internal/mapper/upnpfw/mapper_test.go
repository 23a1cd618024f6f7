package upnpfw

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natgateway/portmap/config"
	"github.com/natgateway/portmap/internal/mux"
	"github.com/natgateway/portmap/pkg/types"
)

type fakeGatewayConn struct {
	toGateway   chan []byte
	fromGateway chan []byte
	closed      chan struct{}
	readBuf     []byte
}

func newFakeGatewayConn() *fakeGatewayConn {
	return &fakeGatewayConn{
		toGateway:   make(chan []byte, 8),
		fromGateway: make(chan []byte, 8),
		closed:      make(chan struct{}),
	}
}

func (f *fakeGatewayConn) Read(p []byte) (int, error) {
	for len(f.readBuf) == 0 {
		select {
		case data, ok := <-f.fromGateway:
			if !ok {
				return 0, net.ErrClosed
			}
			f.readBuf = data
		case <-f.closed:
			return 0, net.ErrClosed
		}
	}
	n := copy(p, f.readBuf)
	f.readBuf = f.readBuf[n:]
	return n, nil
}

func (f *fakeGatewayConn) Write(p []byte) (int, error) {
	select {
	case f.toGateway <- append([]byte(nil), p...):
		return len(p), nil
	case <-f.closed:
		return 0, net.ErrClosed
	}
}

func (f *fakeGatewayConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}
func (f *fakeGatewayConn) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (f *fakeGatewayConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (f *fakeGatewayConn) SetDeadline(time.Time) error      { return nil }
func (f *fakeGatewayConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeGatewayConn) SetWriteDeadline(time.Time) error { return nil }

type fakeFacility struct {
	newConn func() *fakeGatewayConn
}

func (f *fakeFacility) CreateUDP(netip.AddrPort, netip.Addr) (net.PacketConn, error) {
	panic("unused")
}
func (f *fakeFacility) CreateTCP(netip.AddrPort, netip.AddrPort) (net.Conn, error) {
	return f.newConn(), nil
}
func (f *fakeFacility) ListLocalAddresses() ([]netip.Addr, error) { return nil, nil }

func soapOKResponse(args map[string]string) []byte {
	var body strings.Builder
	body.WriteString(`<?xml version="1.0"?><s:Envelope><s:Body><u:Response>`)
	for k, v := range args {
		fmt.Fprintf(&body, "<%s>%s</%s>", k, v, k)
	}
	body.WriteString(`</u:Response></s:Body></s:Envelope>`)
	return httpResponse(200, "OK", body.String())
}

func httpResponse(code int, status, body string) []byte {
	return []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/xml\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, status, len(body), body))
}

func serveOneRequest(t *testing.T, conn *fakeGatewayConn, resp []byte) []byte {
	t.Helper()
	req := <-conn.toGateway
	go func() {
		conn.fromGateway <- resp
		close(conn.fromGateway)
	}()
	return req
}

func newTestMapper(t *testing.T) (*Mapper, *fakeFacility) {
	t.Helper()
	fac := &fakeFacility{}
	m := mux.New(fac, nil)
	go m.Run()
	t.Cleanup(m.Kill)

	d := New(m, netip.MustParseAddrPort("[2001:db8::1]:49152"), "[2001:db8::1]:49152", "/fwcontrol",
		"urn:schemas-upnp-org:service:WANIPv6FirewallControl:1",
		netip.MustParseAddr("2001:db8::50"), config.DefaultConfig().Lifecycle, clock.New())
	return d, fac
}

func TestMapOpensPinholeAndTracksUniqueID(t *testing.T) {
	d, fac := newTestMapper(t)
	var conns []*fakeGatewayConn
	fac.newConn = func() *fakeGatewayConn {
		c := newFakeGatewayConn()
		conns = append(conns, c)
		return c
	}

	go func() {
		require.Eventually(t, func() bool { return len(conns) >= 1 }, time.Second, time.Millisecond)
		serveOneRequest(t, conns[0], soapOKResponse(map[string]string{"UniqueID": "42"}))
	}()

	got, err := d.Map(context.Background(), types.TCP, 8080, 0, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 8080, got.ExternalPort)
	assert.Equal(t, types.ProtocolUPnPFirewall, got.ProtocolTag)

	d.stateMu.Lock()
	st := d.state[types.TCP]
	d.stateMu.Unlock()
	assert.Equal(t, "42", st.uniqueID)
}

func TestUnmapSendsDeletePinholeWithTrackedUniqueID(t *testing.T) {
	d, fac := newTestMapper(t)
	var conns []*fakeGatewayConn
	fac.newConn = func() *fakeGatewayConn {
		c := newFakeGatewayConn()
		conns = append(conns, c)
		return c
	}

	go func() {
		require.Eventually(t, func() bool { return len(conns) >= 1 }, time.Second, time.Millisecond)
		serveOneRequest(t, conns[0], soapOKResponse(map[string]string{"UniqueID": "7"}))
	}()
	mapped, err := d.Map(context.Background(), types.UDP, 9000, 0, time.Hour)
	require.NoError(t, err)

	go func() {
		require.Eventually(t, func() bool { return len(conns) >= 2 }, time.Second, time.Millisecond)
		req := serveOneRequest(t, conns[1], soapOKResponse(nil))
		assert.Contains(t, string(req), "<UniqueID>7</UniqueID>")
	}()
	require.NoError(t, d.Unmap(context.Background(), mapped))
}

func TestUnmapOfUntrackedPortIsNoop(t *testing.T) {
	d, _ := newTestMapper(t)
	err := d.Unmap(context.Background(), types.MappedPort{PortType: types.TCP, InternalPort: 1234})
	require.NoError(t, err)
}
