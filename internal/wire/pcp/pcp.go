// Package pcp implements the RFC 6887 Port Control Protocol wire codec:
// pure encode/decode functions for the common header, the MAP opcode's
// request/response data block, and the generic option TLV walk.
//
// Grounded on _examples/pion-portmap/pcp/pcp.go (opcode/result-code
// constants, header shape) and the offbynull/portmapper Java source
// (_examples/original_source), which supplies the exact field order and
// validation rules for MapPcpRequest.
package pcp

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"

	"github.com/natgateway/portmap/pkg/types"
)

// Version is the only PCP version this codec speaks.
const Version = 2

// DefaultPort is the well-known PCP/NAT-PMP port (RFC 6887 §19.1).
const DefaultPort = 5351

// MaxMessageSize is the RFC 6887 hard cap on PCP message size.
const MaxMessageSize = 1100

const (
	headerLength = 24
	mapDataLength = 36
	nonceLength   = 12
)

// Opcode identifies the PCP operation.
type Opcode uint8

const (
	OpAnnounce Opcode = 0
	OpMap      Opcode = 1
	OpPeer     Opcode = 2

	// OpReplyFlag is OR'd into a request's opcode to mark a response.
	OpReplyFlag Opcode = 0x80
)

// ResultCode is the PCP result code (RFC 6887 §7.4).
type ResultCode uint8

const (
	ResultSuccess               ResultCode = 0
	ResultUnsupportedVersion    ResultCode = 1
	ResultNotAuthorized         ResultCode = 2
	ResultMalformedRequest      ResultCode = 3
	ResultUnsupportedOpcode     ResultCode = 4
	ResultUnsupportedOption     ResultCode = 5
	ResultMalformedOption       ResultCode = 6
	ResultNetworkFailure        ResultCode = 7
	ResultNoResources           ResultCode = 8
	ResultUnsupportedProtocol   ResultCode = 9
	ResultUserExceededQuota     ResultCode = 10
	ResultCannotProvideExternal ResultCode = 11
	ResultAddressMismatch       ResultCode = 12
	ResultExcessiveRemotePeers  ResultCode = 13
)

// Protocol numbers used in the MAP data block (IANA protocol registry).
const (
	ProtocolAll = 0
	ProtocolTCP = 6
	ProtocolUDP = 17
)

// Option is a decoded PCP option TLV, preserved verbatim (payload
// intact) even when its code is not recognized (spec.md §4.1.1: "an
// unknown option is preserved... round-trips" — SPEC_FULL.md §4.1.6).
type Option struct {
	Code    uint8
	Payload []byte
}

func paddedLen(n int) int {
	if rem := n % 4; rem != 0 {
		return n + (4 - rem)
	}
	return n
}

func encodeOptions(opts []Option) []byte {
	var out []byte
	for _, o := range opts {
		l := paddedLen(len(o.Payload))
		buf := make([]byte, 4+l)
		buf[0] = o.Code
		// buf[1] reserved
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(o.Payload)))
		copy(buf[4:], o.Payload)
		out = append(out, buf...)
	}
	return out
}

func decodeOptions(b []byte) ([]Option, error) {
	var opts []Option
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, types.NewError("pcp.decodeOptions", types.KindMalformed, nil)
		}
		code := b[0]
		plen := int(binary.BigEndian.Uint16(b[2:4]))
		total := 4 + paddedLen(plen)
		if total > len(b) || 4+plen > len(b) {
			return nil, types.NewError("pcp.decodeOptions", types.KindMalformed, nil)
		}
		payload := make([]byte, plen)
		copy(payload, b[4:4+plen])
		opts = append(opts, Option{Code: code, Payload: payload})
		b = b[total:]
	}
	return opts, nil
}

// asIPv16 renders addr as its 16-byte form, mapping IPv4 into
// ::ffff:a.b.c.d per spec.md §4.1.1. An invalid (zero-value) addr is
// treated as "no preference" over IPv4, i.e. ::ffff:0:0.
func asIPv16(addr netip.Addr) [16]byte {
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}
	return addr.As16()
}

// addrFrom16 decodes a 16-byte PCP address field back to a netip.Addr,
// unmapping IPv4-mapped IPv6 forms.
func addrFrom16(b [16]byte) netip.Addr {
	return netip.AddrFrom16(b).Unmap()
}

// MapRequest is the MAP opcode's request/response data block plus the
// common header fields relevant to it (spec.md §3, §4.1.1).
type MapRequest struct {
	Lifetime                  uint32
	ClientIP                  netip.Addr
	Nonce                     [nonceLength]byte
	Protocol                  uint8
	InternalPort              uint16
	SuggestedExternalPort     uint16
	SuggestedExternalAddress  netip.Addr
	Options                   []Option
}

// NewNonce generates a fresh cryptographically random 96-bit nonce
// (spec.md §4.4.2: "a fresh 12-byte nonce (cryptographically random)").
func NewNonce() [nonceLength]byte {
	var n [nonceLength]byte
	_, _ = rand.Read(n[:])
	return n
}

// Validate checks the constraints in spec.md §4.1.1 / §3.
func (m MapRequest) Validate() error {
	if m.Protocol == ProtocolAll && m.InternalPort != 0 {
		return types.NewFieldError("pcp.MapRequest.Validate", types.KindConstraintViolation, "internalPort")
	}
	if m.InternalPort == 0 && m.Lifetime != 0 {
		return types.NewFieldError("pcp.MapRequest.Validate", types.KindConstraintViolation, "lifetime")
	}
	return nil
}

// Encode serializes m into a 24+36(+options) byte PCP MAP request,
// validating first per spec.md §4.1.1.
func Encode(m MapRequest) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	optBytes := encodeOptions(m.Options)
	buf := make([]byte, headerLength+mapDataLength+len(optBytes))

	buf[0] = Version
	buf[1] = uint8(OpMap)
	// buf[2] reserved
	// buf[3] reserved (request; result code only meaningful on response)
	binary.BigEndian.PutUint32(buf[4:8], m.Lifetime)
	clientIP := asIPv16(m.ClientIP)
	copy(buf[8:24], clientIP[:])

	data := buf[headerLength : headerLength+mapDataLength]
	copy(data[0:12], m.Nonce[:])
	data[12] = m.Protocol
	// data[13:16] reserved
	binary.BigEndian.PutUint16(data[16:18], m.InternalPort)
	binary.BigEndian.PutUint16(data[18:20], m.SuggestedExternalPort)
	sugg := m.SuggestedExternalAddress
	if !sugg.IsValid() && m.ClientIP.Is6() && !m.ClientIP.Is4In6() {
		sugg = netip.IPv6Unspecified()
	}
	extAddr := asIPv16(sugg)
	copy(data[20:36], extAddr[:])

	copy(buf[headerLength+mapDataLength:], optBytes)

	if len(buf) > MaxMessageSize {
		return nil, types.NewError("pcp.Encode", types.KindOversizedMessage, nil)
	}
	return buf, nil
}

// MapResponse is the decoded MAP opcode response.
type MapResponse struct {
	ResultCode               ResultCode
	Lifetime                 uint32 // granted lifetime on success, retry-after on error
	Epoch                    uint32
	Nonce                    [nonceLength]byte
	Protocol                 uint8
	InternalPort             uint16
	ExternalPort             uint16
	ExternalAddress          netip.Addr
	Options                  []Option
}

// DecodeMapResponse parses a PCP MAP response per spec.md §4.1.1.
func DecodeMapResponse(b []byte) (MapResponse, error) {
	var resp MapResponse

	if len(b) > MaxMessageSize {
		return resp, types.NewError("pcp.DecodeMapResponse", types.KindOversizedMessage, nil)
	}
	if len(b)%4 != 0 {
		return resp, types.NewError("pcp.DecodeMapResponse", types.KindMalformed, nil)
	}
	if len(b) < headerLength+mapDataLength {
		return resp, types.NewError("pcp.DecodeMapResponse", types.KindTruncated, nil)
	}

	if b[0] != Version {
		return resp, types.NewError("pcp.DecodeMapResponse", types.KindUnsupportedVersion, nil)
	}
	if b[1]&uint8(OpReplyFlag) == 0 {
		return resp, types.NewError("pcp.DecodeMapResponse", types.KindMalformed, nil)
	}
	if Opcode(b[1]&^uint8(OpReplyFlag)) != OpMap {
		return resp, types.NewError("pcp.DecodeMapResponse", types.KindUnknownOpcode, nil)
	}

	resp.ResultCode = ResultCode(b[3])
	resp.Lifetime = binary.BigEndian.Uint32(b[4:8])
	resp.Epoch = binary.BigEndian.Uint32(b[8:12])

	data := b[headerLength : headerLength+mapDataLength]
	copy(resp.Nonce[:], data[0:12])
	resp.Protocol = data[12]
	resp.InternalPort = binary.BigEndian.Uint16(data[16:18])
	resp.ExternalPort = binary.BigEndian.Uint16(data[18:20])
	var extBytes [16]byte
	copy(extBytes[:], data[20:36])
	resp.ExternalAddress = addrFrom16(extBytes)

	opts, err := decodeOptions(b[headerLength+mapDataLength:])
	if err != nil {
		return MapResponse{}, err
	}
	resp.Options = opts

	return resp, nil
}

// AnnounceRequest builds a PCP ANNOUNCE request: just the common header
// with lifetime 0 (spec.md §4.3: "probes... a PCP MAP request with
// lifetime 0"; ANNOUNCE is the opcode-0 form used for pure liveness /
// version detection).
func AnnounceRequest(clientIP netip.Addr) []byte {
	buf := make([]byte, headerLength)
	buf[0] = Version
	buf[1] = uint8(OpAnnounce)
	ip := asIPv16(clientIP)
	copy(buf[8:24], ip[:])
	return buf
}

// AnnounceResponse is the decoded common-header-only ANNOUNCE reply.
// Discovery does not decode it: it classifies a probe reply by its
// version byte.
type AnnounceResponse struct {
	ResultCode ResultCode
	Lifetime   uint32
	Epoch      uint32
}

// DecodeAnnounceResponse parses the 24-byte common header of an
// ANNOUNCE reply.
func DecodeAnnounceResponse(b []byte) (AnnounceResponse, error) {
	var resp AnnounceResponse
	if len(b) < headerLength {
		return resp, types.NewError("pcp.DecodeAnnounceResponse", types.KindTruncated, nil)
	}
	if b[0] != Version {
		return resp, types.NewError("pcp.DecodeAnnounceResponse", types.KindUnsupportedVersion, nil)
	}
	if b[1]&uint8(OpReplyFlag) == 0 || Opcode(b[1]&^uint8(OpReplyFlag)) != OpAnnounce {
		return resp, types.NewError("pcp.DecodeAnnounceResponse", types.KindUnknownOpcode, nil)
	}
	resp.ResultCode = ResultCode(b[3])
	resp.Lifetime = binary.BigEndian.Uint32(b[4:8])
	resp.Epoch = binary.BigEndian.Uint32(b[8:12])
	return resp, nil
}
