// Package natpmp implements the RFC 6886 NAT Port Mapping Protocol wire
// codec.
//
// Grounded on _examples/pion-portmap/pmp/pmp.go for opcode/result-code
// layout and field order.
package natpmp

import (
	"encoding/binary"
	"net/netip"

	"github.com/natgateway/portmap/pkg/types"
)

// DefaultPort is the well-known NAT-PMP/PCP port.
const DefaultPort = 5351

const version = 0

// Opcode identifies the NAT-PMP request/response kind.
type Opcode uint8

const (
	OpExternalAddress Opcode = 0
	OpMapUDP          Opcode = 1
	OpMapTCP          Opcode = 2

	// OpReplyFlag is OR'd into a request's opcode to mark a response.
	OpReplyFlag Opcode = 0x80
)

// ResultCode is the NAT-PMP result code (RFC 6886 §3.5).
type ResultCode uint16

const (
	ResultSuccess              ResultCode = 0
	ResultUnsupportedVersion   ResultCode = 1
	ResultNotAuthorized        ResultCode = 2
	ResultNetworkFailure       ResultCode = 3
	ResultOutOfResources       ResultCode = 4
	ResultUnsupportedOpcode    ResultCode = 5
)

// ExternalAddressRequest builds the 2-byte opcode-0 request.
func ExternalAddressRequest() []byte {
	return []byte{version, uint8(OpExternalAddress)}
}

// ExternalAddressResponse is the decoded opcode-0 response.
type ExternalAddressResponse struct {
	ResultCode        ResultCode
	SecondsSinceEpoch uint32
	ExternalAddress   netip.Addr
}

// DecodeExternalAddressResponse parses a 12-byte external-address reply.
func DecodeExternalAddressResponse(b []byte) (ExternalAddressResponse, error) {
	var resp ExternalAddressResponse
	if len(b) < 12 {
		return resp, types.NewError("natpmp.DecodeExternalAddressResponse", types.KindTruncated, nil)
	}
	if b[0] != version {
		return resp, types.NewError("natpmp.DecodeExternalAddressResponse", types.KindUnsupportedVersion, nil)
	}
	if Opcode(b[1]) != OpReplyFlag|OpExternalAddress {
		return resp, types.NewError("natpmp.DecodeExternalAddressResponse", types.KindUnknownOpcode, nil)
	}
	resp.ResultCode = ResultCode(binary.BigEndian.Uint16(b[2:4]))
	resp.SecondsSinceEpoch = binary.BigEndian.Uint32(b[4:8])
	resp.ExternalAddress = netip.AddrFrom4([4]byte{b[8], b[9], b[10], b[11]})
	return resp, nil
}

// MapRequest is the opcode-1/2 map request body (spec.md §3).
type MapRequest struct {
	PortType              types.PortType
	InternalPort          uint16
	SuggestedExternalPort uint16
	Lifetime              uint32
}

// Encode serializes m into a 12-byte NAT-PMP map request.
func Encode(m MapRequest) []byte {
	op := OpMapUDP
	if m.PortType == types.TCP {
		op = OpMapTCP
	}
	buf := make([]byte, 12)
	buf[0] = version
	buf[1] = uint8(op)
	// buf[2:4] reserved
	binary.BigEndian.PutUint16(buf[4:6], m.InternalPort)
	binary.BigEndian.PutUint16(buf[6:8], m.SuggestedExternalPort)
	binary.BigEndian.PutUint32(buf[8:12], m.Lifetime)
	return buf
}

// DeleteRequest builds the NAT-PMP delete convention: suggested
// external port 0, lifetime 0 (spec.md §4.4.1).
func DeleteRequest(portType types.PortType, internalPort uint16) []byte {
	return Encode(MapRequest{PortType: portType, InternalPort: internalPort, SuggestedExternalPort: 0, Lifetime: 0})
}

// MapResponse is the decoded opcode-129/130 map response.
type MapResponse struct {
	Opcode              Opcode
	ResultCode          ResultCode
	SecondsSinceEpoch   uint32
	InternalPort        uint16
	MappedExternalPort  uint16
	Lifetime            uint32
}

// DecodeMapResponse parses a 16-byte NAT-PMP map response. want is the
// reply opcode expected for the request this response is meant to
// correlate with (OpReplyFlag|OpMapUDP or OpReplyFlag|OpMapTCP); NAT-PMP
// carries no transaction ID, so a mapper juggling both TCP and UDP
// mappings over one socket relies on this match to reject a stray reply
// to a different-type prior operation (spec.md §4.1.2).
func DecodeMapResponse(b []byte, want Opcode) (MapResponse, error) {
	var resp MapResponse
	if len(b) < 16 {
		return resp, types.NewError("natpmp.DecodeMapResponse", types.KindTruncated, nil)
	}
	if b[0] != version {
		return resp, types.NewError("natpmp.DecodeMapResponse", types.KindUnsupportedVersion, nil)
	}
	op := Opcode(b[1])
	if op != OpReplyFlag|OpMapUDP && op != OpReplyFlag|OpMapTCP {
		return resp, types.NewError("natpmp.DecodeMapResponse", types.KindUnknownOpcode, nil)
	}
	if op != want {
		return resp, types.NewError("natpmp.DecodeMapResponse", types.KindMalformed, nil)
	}
	resp.Opcode = op
	resp.ResultCode = ResultCode(binary.BigEndian.Uint16(b[2:4]))
	resp.SecondsSinceEpoch = binary.BigEndian.Uint32(b[4:8])
	resp.InternalPort = binary.BigEndian.Uint16(b[8:10])
	resp.MappedExternalPort = binary.BigEndian.Uint16(b[10:12])
	resp.Lifetime = binary.BigEndian.Uint32(b[12:16])
	return resp, nil
}

// RequestOpcodeFor returns the request opcode that would correlate with
// a given response opcode (strips OpReplyFlag). NAT-PMP has no
// transaction ID; correlation is purely positional plus opcode match
// (spec.md §4.1.2), which the mapper driver enforces by serializing
// outstanding requests per gateway (DESIGN.md open question #2).
func RequestOpcodeFor(responseOpcode Opcode) Opcode {
	return responseOpcode &^ OpReplyFlag
}
