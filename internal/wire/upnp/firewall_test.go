package upnp

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natgateway/portmap/pkg/types"
)

func TestAddPinholeBuildsExpectedAction(t *testing.T) {
	got, err := AddPinhole("fake", "/controllink", "service:type", PinholeRequest{
		RemoteHost:     netip.Addr{},
		RemotePort:     0,
		InternalClient: netip.AddrFrom4([4]byte{192, 168, 1, 5}),
		InternalPort:   8080,
		Protocol:       6,
	}, 3600)
	require.NoError(t, err)

	s := string(got)
	assert.Contains(t, s, "SOAPAction: service:type#AddPinhole\r\n")
	assert.Contains(t, s, "<u:AddPinhole ")
	assert.Contains(t, s, "<RemoteHost></RemoteHost>")
	assert.Contains(t, s, "<RemotePort>0</RemotePort>")
	assert.Contains(t, s, "<InternalClient>192.168.1.5</InternalClient>")
	assert.Contains(t, s, "<InternalPort>8080</InternalPort>")
	assert.Contains(t, s, "<Protocol>6</Protocol>")
	assert.Contains(t, s, "<LeaseTime>3600</LeaseTime>")
	assert.True(t, strings.HasPrefix(s, "POST /controllink HTTP/1.1\r\n"))
}

func TestAddPinholeRejectsOutOfRangeInternalPort(t *testing.T) {
	_, err := AddPinhole("fake", "/controllink", "service:type", PinholeRequest{
		InternalClient: netip.AddrFrom4([4]byte{192, 168, 1, 5}),
		InternalPort:   70000,
	}, 3600)
	require.Error(t, err)
	typed, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.KindInvalidArgument, typed.Kind)
	assert.Equal(t, "internalPort", typed.Field)
}

func TestAddPinholeRejectsNegativeLeaseTime(t *testing.T) {
	_, err := AddPinhole("fake", "/controllink", "service:type", PinholeRequest{
		InternalClient: netip.AddrFrom4([4]byte{192, 168, 1, 5}),
		InternalPort:   80,
	}, -1)
	require.Error(t, err)
	typed, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, "lifetime", typed.Field)
}

func TestDeletePinholeBuildsUniqueIDElement(t *testing.T) {
	got := DeletePinhole("fake", "/controllink", "service:type", "42")
	s := string(got)
	assert.Contains(t, s, "SOAPAction: service:type#DeletePinhole\r\n")
	assert.Contains(t, s, "<UniqueID>42</UniqueID>")
}

func TestGetOutboundPinholeTimeoutRejectsOutOfRangeRemotePort(t *testing.T) {
	_, err := GetOutboundPinholeTimeout("fake", "/controllink", "service:type", PinholeRequest{
		InternalClient: netip.AddrFrom4([4]byte{192, 168, 1, 5}),
		InternalPort:   80,
		RemotePort:     -1,
	})
	require.Error(t, err)
	typed, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, "remotePort", typed.Field)
}
