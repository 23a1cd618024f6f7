package pcp

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natgateway/portmap/config"
	"github.com/natgateway/portmap/internal/mux"
	pcpwire "github.com/natgateway/portmap/internal/wire/pcp"
	"github.com/natgateway/portmap/pkg/types"
)

type fakeGatewayConn struct {
	toGateway   chan []byte
	fromGateway chan []byte
	closed      chan struct{}
}

func newFakeGatewayConn() *fakeGatewayConn {
	return &fakeGatewayConn{
		toGateway:   make(chan []byte, 8),
		fromGateway: make(chan []byte, 8),
		closed:      make(chan struct{}),
	}
}

func (f *fakeGatewayConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case data := <-f.fromGateway:
		return copy(p, data), &net.UDPAddr{IP: net.IPv4(192, 168, 1, 1), Port: 5351}, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeGatewayConn) WriteTo(p []byte, _ net.Addr) (int, error) {
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
func (f *fakeGatewayConn) LocalAddr() net.Addr              { return &net.UDPAddr{} }
func (f *fakeGatewayConn) SetDeadline(time.Time) error      { return nil }
func (f *fakeGatewayConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeGatewayConn) SetWriteDeadline(time.Time) error { return nil }

type fakeFacility struct{ conn *fakeGatewayConn }

func (f *fakeFacility) CreateUDP(netip.AddrPort, netip.Addr) (net.PacketConn, error) {
	return f.conn, nil
}
func (f *fakeFacility) CreateTCP(netip.AddrPort, netip.AddrPort) (net.Conn, error) { panic("unused") }
func (f *fakeFacility) ListLocalAddresses() ([]netip.Addr, error)                  { return nil, nil }

var fakeExternalAddr = netip.MustParseAddr("203.0.113.9")

// buildResponse derives a MAP response from a request's own nonce,
// protocol, and internal port, the way a real gateway would echo them
// back (RFC 6887 §11.3).
func buildResponse(req []byte, resultCode pcpwire.ResultCode, externalPort uint16, lifetime uint32) []byte {
	return buildResponseEpoch(req, resultCode, externalPort, lifetime, 0)
}

func buildResponseEpoch(req []byte, resultCode pcpwire.ResultCode, externalPort uint16, lifetime, epoch uint32) []byte {
	resp := make([]byte, 60)
	resp[0] = pcpwire.Version
	resp[1] = 0x81 // OpMap | OpReplyFlag
	resp[3] = uint8(resultCode)
	binary.BigEndian.PutUint32(resp[4:8], lifetime)
	binary.BigEndian.PutUint32(resp[8:12], epoch)

	copy(resp[24:36], req[24:36]) // nonce
	resp[36] = req[36]            // protocol
	internalPort := binary.BigEndian.Uint16(req[40:42])
	binary.BigEndian.PutUint16(resp[40:42], internalPort)
	binary.BigEndian.PutUint16(resp[42:44], externalPort)
	extBytes := fakeExternalAddr.As16()
	copy(resp[44:60], extBytes[:])
	return resp
}

func serveN(t *testing.T, conn *fakeGatewayConn, codes ...pcpwire.ResultCode) {
	t.Helper()
	go func() {
		for _, code := range codes {
			req := <-conn.toGateway
			internalPort := binary.BigEndian.Uint16(req[40:42])
			suggested := binary.BigEndian.Uint16(req[42:44])
			externalPort := suggested
			if externalPort == 0 {
				externalPort = internalPort
			}
			lifetime := binary.BigEndian.Uint32(req[4:8])
			conn.fromGateway <- buildResponse(req, code, externalPort, lifetime)
		}
	}()
}

func newTestMapper(t *testing.T) (*Mapper, *fakeGatewayConn) {
	t.Helper()
	conn := newFakeGatewayConn()
	m := mux.New(&fakeFacility{conn: conn}, nil)
	go m.Run()
	t.Cleanup(m.Kill)

	d, err := New(m, netip.MustParseAddr("192.168.1.1"), netip.MustParseAddr("192.168.1.50"),
		config.DefaultConfig().Lifecycle, clock.New())
	require.NoError(t, err)
	return d, conn
}

func TestMapSuccess(t *testing.T) {
	d, conn := newTestMapper(t)
	serveN(t, conn, pcpwire.ResultSuccess)

	got, err := d.Map(context.Background(), types.TCP, 8080, 0, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 8080, got.InternalPort)
	assert.Equal(t, 8080, got.ExternalPort)
	assert.Equal(t, fakeExternalAddr, got.ExternalAddress)
	assert.Equal(t, uint32(7200), got.LifetimeSeconds)
	assert.Equal(t, types.ProtocolPCP, got.ProtocolTag)
}

func TestMapServerFailureTransientIsRetryable(t *testing.T) {
	d, conn := newTestMapper(t)
	serveN(t, conn, pcpwire.ResultNetworkFailure)

	_, err := d.Map(context.Background(), types.TCP, 8080, 0, time.Hour)
	require.Error(t, err)
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.KindServerFailure, typed.Kind)
	assert.True(t, typed.Retryable())
}

func TestMapServerFailurePermanentIsNotRetryable(t *testing.T) {
	d, conn := newTestMapper(t)
	serveN(t, conn, pcpwire.ResultNotAuthorized)

	_, err := d.Map(context.Background(), types.TCP, 8080, 0, time.Hour)
	require.Error(t, err)
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.False(t, typed.Retryable())
}

func TestRefreshReusesOriginalNonce(t *testing.T) {
	d, conn := newTestMapper(t)

	mapNonceCh := make(chan [12]byte, 1)
	go func() {
		req := <-conn.toGateway
		var nonce [12]byte
		copy(nonce[:], req[24:36])
		mapNonceCh <- nonce
		conn.fromGateway <- buildResponse(req, pcpwire.ResultSuccess, 9000, 3600)
	}()
	mapped, err := d.Map(context.Background(), types.UDP, 9000, 0, time.Hour)
	require.NoError(t, err)
	originalNonce := <-mapNonceCh

	refreshNonceCh := make(chan [12]byte, 1)
	go func() {
		req := <-conn.toGateway
		var nonce [12]byte
		copy(nonce[:], req[24:36])
		refreshNonceCh <- nonce
		conn.fromGateway <- buildResponse(req, pcpwire.ResultSuccess, uint16(mapped.ExternalPort), 3600)
	}()
	refreshed, err := d.Refresh(context.Background(), mapped, time.Hour)
	require.NoError(t, err)
	refreshNonce := <-refreshNonceCh

	assert.Equal(t, originalNonce, refreshNonce)
	assert.Equal(t, uint16(mapped.ExternalPort), uint16(refreshed.ExternalPort))
}

func TestUnmapSendsZeroLifetime(t *testing.T) {
	d, conn := newTestMapper(t)
	serveN(t, conn, pcpwire.ResultSuccess)
	mapped, err := d.Map(context.Background(), types.TCP, 8080, 0, time.Hour)
	require.NoError(t, err)

	go func() {
		req := <-conn.toGateway
		assert.Equal(t, uint32(0), binary.BigEndian.Uint32(req[4:8]))
		conn.fromGateway <- buildResponse(req, pcpwire.ResultSuccess, uint16(mapped.ExternalPort), 0)
	}()
	require.NoError(t, d.Unmap(context.Background(), mapped))
}

func TestEpochResetTriggersRemapOfOtherTrackedPorts(t *testing.T) {
	d, conn := newTestMapper(t)

	go func() {
		req := <-conn.toGateway
		conn.fromGateway <- buildResponseEpoch(req, pcpwire.ResultSuccess, 8080, 3600, 100)
	}()
	_, err := d.Map(context.Background(), types.TCP, 8080, 0, time.Hour)
	require.NoError(t, err)

	remapped := make(chan struct{}, 1)
	go func() {
		// The UDP:9000 MAP itself.
		req := <-conn.toGateway
		conn.fromGateway <- buildResponseEpoch(req, pcpwire.ResultSuccess, 9000, 3600, 5)

		// The epoch decrease should trigger an immediate re-MAP of the
		// still-tracked TCP:8080 mapping.
		req2 := <-conn.toGateway
		conn.fromGateway <- buildResponseEpoch(req2, pcpwire.ResultSuccess, 8080, 3600, 5)
		remapped <- struct{}{}
	}()

	_, err = d.Map(context.Background(), types.UDP, 9000, 0, time.Hour)
	require.NoError(t, err)

	select {
	case <-remapped:
	case <-time.After(2 * time.Second):
		t.Fatal("expected epoch-reset re-MAP of the TCP mapping")
	}

	d.stateMu.Lock()
	_, stillTracked := d.state[types.TCP]
	d.stateMu.Unlock()
	assert.True(t, stillTracked)
}

func TestCloseUnmapsOutstandingMappings(t *testing.T) {
	d, conn := newTestMapper(t)
	serveN(t, conn, pcpwire.ResultSuccess)
	_, err := d.Map(context.Background(), types.TCP, 8080, 0, time.Hour)
	require.NoError(t, err)

	serveN(t, conn, pcpwire.ResultSuccess) // Close's best-effort unmap
	require.NoError(t, d.Close())
}
