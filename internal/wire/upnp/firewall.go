package upnp

import (
	"net/netip"
	"strconv"

	"github.com/natgateway/portmap/pkg/types"
)

// PinholeRequest holds the arguments shared by AddPinhole and
// GetOutboundPinholeTimeout (WANIPv6FirewallControl:1, spec.md §12
// "supplemented feature": firewall pinholes were dropped by the
// distillation but the original implementation supports them).
type PinholeRequest struct {
	RemoteHost     netip.Addr // zero value renders as wildcard ""
	RemotePort     int
	InternalClient netip.Addr
	InternalPort   int
	Protocol       int // IANA protocol number, 0 for "any" per the service spec
}

func (r PinholeRequest) validate(op string) error {
	if r.InternalPort < 1 || r.InternalPort > 65535 {
		return types.NewFieldError(op, types.KindInvalidArgument, "internalPort")
	}
	if r.RemotePort < 0 || r.RemotePort > 65535 {
		return types.NewFieldError(op, types.KindInvalidArgument, "remotePort")
	}
	return nil
}

// AddPinhole builds an AddPinhole request. LeaseTime is in seconds; 0
// means the gateway's default.
func AddPinhole(host, controlPath, serviceType string, r PinholeRequest, leaseTime int) ([]byte, error) {
	if err := r.validate("upnp.AddPinhole"); err != nil {
		return nil, err
	}
	if leaseTime < 0 {
		return nil, types.NewFieldError("upnp.AddPinhole", types.KindInvalidArgument, "lifetime")
	}
	args := []arg{
		{"RemoteHost", renderAddress(r.RemoteHost)},
		{"RemotePort", strconv.Itoa(r.RemotePort)},
		{"InternalClient", renderAddress(r.InternalClient)},
		{"InternalPort", strconv.Itoa(r.InternalPort)},
		{"Protocol", strconv.Itoa(r.Protocol)},
		{"LeaseTime", strconv.Itoa(leaseTime)},
	}
	return buildSOAPRequest(host, controlPath, serviceType, "AddPinhole", args), nil
}

// DeletePinhole builds a DeletePinhole request for a previously returned
// UniqueID.
func DeletePinhole(host, controlPath, serviceType string, uniqueID string) []byte {
	args := []arg{{"UniqueID", uniqueID}}
	return buildSOAPRequest(host, controlPath, serviceType, "DeletePinhole", args)
}

// GetOutboundPinholeTimeout builds a GetOutboundPinholeTimeout request,
// used to poll how long a pinhole opened for an outbound flow remains
// open.
func GetOutboundPinholeTimeout(host, controlPath, serviceType string, r PinholeRequest) ([]byte, error) {
	if err := r.validate("upnp.GetOutboundPinholeTimeout"); err != nil {
		return nil, err
	}
	args := []arg{
		{"RemoteHost", renderAddress(r.RemoteHost)},
		{"RemotePort", strconv.Itoa(r.RemotePort)},
		{"InternalClient", renderAddress(r.InternalClient)},
		{"InternalPort", strconv.Itoa(r.InternalPort)},
		{"Protocol", strconv.Itoa(r.Protocol)},
	}
	return buildSOAPRequest(host, controlPath, serviceType, "GetOutboundPinholeTimeout", args), nil
}
