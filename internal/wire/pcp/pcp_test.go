package pcp

import (
	"net/netip"
	"testing"

	"github.com/natgateway/portmap/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapRequestDeleteEncodesToSixtyBytes(t *testing.T) {
	// scenario 5 from spec.md §8: an all-zero delete request is exactly
	// 24 + 36 = 60 bytes, and the nonce round-trips.
	nonce := NewNonce()
	req := MapRequest{
		Lifetime:                 0,
		ClientIP:                 netip.IPv4Unspecified(),
		Nonce:                    nonce,
		Protocol:                 0,
		InternalPort:             0,
		SuggestedExternalPort:    0,
		SuggestedExternalAddress: netip.IPv6Unspecified(),
	}

	buf, err := Encode(req)
	require.NoError(t, err)
	assert.Len(t, buf, 60)
	assert.Equal(t, nonce[:], buf[24:36])
}

func TestMapRequestConstraintViolations(t *testing.T) {
	base := MapRequest{
		Nonce:                    NewNonce(),
		ClientIP:                 netip.IPv4Unspecified(),
		SuggestedExternalAddress: netip.IPv6Unspecified(),
	}

	t.Run("protocol zero requires internal port zero", func(t *testing.T) {
		req := base
		req.Protocol = 0
		req.InternalPort = 80
		_, err := Encode(req)
		require.Error(t, err)
		var typed *types.Error
		require.ErrorAs(t, err, &typed)
		assert.Equal(t, types.KindConstraintViolation, typed.Kind)
		assert.Equal(t, "internalPort", typed.Field)
	})

	t.Run("internal port zero requires lifetime zero", func(t *testing.T) {
		req := base
		req.InternalPort = 0
		req.Lifetime = 3600
		_, err := Encode(req)
		require.Error(t, err)
		var typed *types.Error
		require.ErrorAs(t, err, &typed)
		assert.Equal(t, types.KindConstraintViolation, typed.Kind)
		assert.Equal(t, "lifetime", typed.Field)
	})
}

func TestMapResponseRoundTrip(t *testing.T) {
	nonce := NewNonce()
	extAddr := netip.MustParseAddr("203.0.113.5")

	req := MapRequest{
		Lifetime:                 7200,
		ClientIP:                 netip.MustParseAddr("192.168.1.5"),
		Nonce:                    nonce,
		Protocol:                 ProtocolUDP,
		InternalPort:             5000,
		SuggestedExternalPort:    5000,
		SuggestedExternalAddress: netip.IPv4Unspecified(),
	}
	buf, err := Encode(req)
	require.NoError(t, err)
	require.Len(t, buf, 60)

	// Hand-build a matching response over the same wire shape to verify
	// DecodeMapResponse reconstructs every field.
	resp := make([]byte, 60)
	resp[0] = Version
	resp[1] = uint8(OpMap) | uint8(OpReplyFlag)
	resp[3] = uint8(ResultSuccess)
	putU32(resp[4:8], 7200)
	putU32(resp[8:12], 111)
	copy(resp[24:36], nonce[:])
	resp[36] = ProtocolUDP
	putU16(resp[40:42], 5000)
	putU16(resp[42:44], 5001)
	ext := extAddr.As16()
	copy(resp[44:60], ext[:])

	decoded, err := DecodeMapResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, decoded.ResultCode)
	assert.Equal(t, uint32(7200), decoded.Lifetime)
	assert.Equal(t, uint32(111), decoded.Epoch)
	assert.Equal(t, nonce, decoded.Nonce)
	assert.Equal(t, uint16(5001), decoded.ExternalPort)
	assert.True(t, decoded.ExternalAddress.Is4())
	assert.Equal(t, extAddr, decoded.ExternalAddress)
}

func TestDecodeRejectsOversizedMessage(t *testing.T) {
	buf := make([]byte, MaxMessageSize+4)
	_, err := DecodeMapResponse(buf)
	require.Error(t, err)
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.KindOversizedMessage, typed.Kind)
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	_, err := DecodeAnnounceResponse(make([]byte, 10))
	require.Error(t, err)
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.KindTruncated, typed.Kind)
}

func TestDecodeRejectsUnalignedLength(t *testing.T) {
	_, err := DecodeMapResponse(make([]byte, 61))
	require.Error(t, err)
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.KindMalformed, typed.Kind)
}

func TestUnknownOptionRoundTrips(t *testing.T) {
	nonce := NewNonce()
	req := MapRequest{
		Nonce:                    nonce,
		ClientIP:                 netip.IPv4Unspecified(),
		Protocol:                 ProtocolTCP,
		InternalPort:             80,
		SuggestedExternalAddress: netip.IPv4Unspecified(),
		Lifetime:                 3600,
		Options: []Option{
			{Code: 200, Payload: []byte{1, 2, 3}}, // unrecognized code, odd length forces padding
		},
	}
	buf, err := Encode(req)
	require.NoError(t, err)
	// 60 bytes fixed + 4 byte option header + 4 bytes padded payload
	assert.Len(t, buf, 60+8)

	opts, err := decodeOptions(buf[60:])
	require.NoError(t, err)
	require.Len(t, opts, 1)
	assert.Equal(t, uint8(200), opts[0].Code)
	assert.Equal(t, []byte{1, 2, 3}, opts[0].Payload)
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}
