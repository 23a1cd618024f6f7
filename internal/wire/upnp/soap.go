// Package upnp implements the UPnP-IGD text codecs: byte-exact
// HTTP/SOAP requests for the WANIPConnection/WANPPPConnection/
// WANIPv6FirewallControl services, SSDP M-SEARCH datagrams and response
// parsing, and the device descriptor XML parser.
//
// The SOAP wire form (soap.go) is grounded byte-for-byte on the golden
// tests in _examples/original_source (offbynull/portmapper's
// GetExternalIpAddressUpnpIgdRequestTest / AddPortMappingUpnpIgdRequestTest
// / DeletePortMappingUpnpIgdRequestTest): exact header order, the 2003/05
// SOAP namespace with a 1.1-style encodingStyle attribute (spec.md §9
// says explicitly not to "fix" this), and argument element order.
package upnp

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/natgateway/portmap/pkg/types"
)

// arg is one ordered SOAP action argument.
type arg struct {
	name  string
	value string
}

// renderAddress implements spec.md §4.1.3's address rendering rules:
// IPv4 as dotted-quad, IPv6 as lowercase colon-separated groups with
// leading zeros stripped per group and no "::" compression. An invalid
// (absent/wildcard) address renders as the empty string.
func renderAddress(addr netip.Addr) string {
	if !addr.IsValid() {
		return ""
	}
	if addr.Is4() || addr.Is4In6() {
		return addr.Unmap().String()
	}
	b := addr.As16()
	groups := make([]string, 8)
	for i := 0; i < 8; i++ {
		v := uint16(b[2*i])<<8 | uint16(b[2*i+1])
		groups[i] = fmt.Sprintf("%x", v)
	}
	return strings.Join(groups, ":")
}

// buildSOAPRequest assembles the byte-exact HTTP/SOAP request described
// in spec.md §4.1.3.
func buildSOAPRequest(host, controlPath, serviceType, action string, args []arg) []byte {
	var body strings.Builder
	body.WriteString(`<?xml version="1.0"?>`)
	body.WriteString(`<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope/" soap:encodingStyle="http://www.w3.org/2003/05/soap-encoding">`)
	body.WriteString(`<soap:Body>`)
	body.WriteString(fmt.Sprintf(`<u:%s xmlns:u="%s">`, action, serviceType))
	for _, a := range args {
		body.WriteString(fmt.Sprintf("<%s>%s</%s>", a.name, a.value, a.name))
	}
	body.WriteString(fmt.Sprintf(`</u:%s>`, action))
	body.WriteString(`</soap:Body>`)
	body.WriteString(`</soap:Envelope>`)

	bodyStr := body.String()

	var req strings.Builder
	req.WriteString("POST ")
	req.WriteString(controlPath)
	req.WriteString(" HTTP/1.1\r\n")
	req.WriteString("Host: ")
	req.WriteString(host)
	req.WriteString("\r\n")
	req.WriteString("Content-Type: text/xml\r\n")
	req.WriteString("SOAPAction: ")
	req.WriteString(serviceType)
	req.WriteString("#")
	req.WriteString(action)
	req.WriteString("\r\n")
	req.WriteString("Connection: Close\r\n")
	req.WriteString("Cache-Control: no-cache\r\n")
	req.WriteString("Pragma: no-cache\r\n")
	req.WriteString(fmt.Sprintf("Content-Length: %d\r\n", len(bodyStr)))
	req.WriteString("\r\n")
	req.WriteString(bodyStr)

	return []byte(req.String())
}

func portTypeName(pt types.PortType) string {
	if pt == types.TCP {
		return "TCP"
	}
	return "UDP"
}

func enabledFlag(enabled bool) string {
	if enabled {
		return "1"
	}
	return "0"
}

// GetExternalIPAddress builds a GetExternalIPAddress request (scenario 1
// of spec.md §8).
func GetExternalIPAddress(host, controlPath, serviceType string) []byte {
	return buildSOAPRequest(host, controlPath, serviceType, "GetExternalIPAddress", nil)
}

// DeletePortMappingRequest holds the arguments for DeletePortMapping
// (spec.md §4.4.3). RemoteHost is the zero value for the wildcard
// (any remote host).
type DeletePortMappingRequest struct {
	RemoteHost   netip.Addr
	ExternalPort int
	Protocol     types.PortType
}

// Validate checks the port range precondition (scenario 2's
// mustFailToGenerateWhenPortIsOutOfRange).
func (r DeletePortMappingRequest) Validate() error {
	if r.ExternalPort < 0 || r.ExternalPort > 65535 {
		return types.NewFieldError("upnp.DeletePortMapping", types.KindInvalidArgument, "externalPort")
	}
	return nil
}

// DeletePortMapping builds a DeletePortMapping request (spec.md §8
// scenario 2).
func DeletePortMapping(host, controlPath, serviceType string, r DeletePortMappingRequest) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	args := []arg{
		{"NewRemoteHost", renderAddress(r.RemoteHost)},
		{"NewExternalPort", fmt.Sprintf("%d", r.ExternalPort)},
		{"NewProtocol", portTypeName(r.Protocol)},
	}
	return buildSOAPRequest(host, controlPath, serviceType, "DeletePortMapping", args), nil
}

// AddPortMappingRequest holds the arguments for AddPortMapping (spec.md
// §4.4.3). RemoteHost is the zero value for the wildcard.
type AddPortMappingRequest struct {
	RemoteHost    netip.Addr
	ExternalPort  int
	Protocol      types.PortType
	InternalPort  int
	InternalClient netip.Addr
	Enabled       bool
	Description   string
	LeaseDuration int
}

// Validate checks the constraints in spec.md §8 scenario 4: internal
// port 0 is rejected (AddAnyPortMapping rejects it too); lease
// duration and ports must fit their wire ranges, and external port 0
// is accepted.
func (r AddPortMappingRequest) Validate() error {
	if r.InternalPort == 0 {
		return types.NewFieldError("upnp.AddPortMapping", types.KindInvalidArgument, "internalPort")
	}
	if r.InternalPort < 0 || r.InternalPort > 65535 {
		return types.NewFieldError("upnp.AddPortMapping", types.KindInvalidArgument, "internalPort")
	}
	if r.ExternalPort < 0 || r.ExternalPort > 65535 {
		return types.NewFieldError("upnp.AddPortMapping", types.KindInvalidArgument, "externalPort")
	}
	if r.LeaseDuration < 0 || uint64(r.LeaseDuration) > 0xFFFFFFFF {
		return types.NewFieldError("upnp.AddPortMapping", types.KindInvalidArgument, "lifetime")
	}
	return nil
}

// AddPortMapping builds an AddPortMapping request (spec.md §8 scenario
// 4).
func AddPortMapping(host, controlPath, serviceType string, r AddPortMappingRequest) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	args := []arg{
		{"NewRemoteHost", renderAddress(r.RemoteHost)},
		{"NewExternalPort", fmt.Sprintf("%d", r.ExternalPort)},
		{"NewProtocol", portTypeName(r.Protocol)},
		{"NewInternalPort", fmt.Sprintf("%d", r.InternalPort)},
		{"NewInternalClient", renderAddress(r.InternalClient)},
		{"NewEnabled", enabledFlag(r.Enabled)},
		{"NewPortMappingDescription", r.Description},
		{"NewLeaseDuration", fmt.Sprintf("%d", r.LeaseDuration)},
	}
	return buildSOAPRequest(host, controlPath, serviceType, "AddPortMapping", args), nil
}

// AddAnyPortMappingRequest is AddPortMapping's IGD2 sibling, used when
// the caller has no external-port preference and the service version
// supports it (spec.md §4.4.3).
type AddAnyPortMappingRequest = AddPortMappingRequest

// AddAnyPortMapping builds an AddAnyPortMapping request. As with
// AddPortMapping, an ExternalPort of 0 is accepted; here it leaves the
// choice of port to the gateway (the point of the "any port" variant).
func AddAnyPortMapping(host, controlPath, serviceType string, r AddAnyPortMappingRequest) ([]byte, error) {
	if r.InternalPort <= 0 || r.InternalPort > 65535 {
		return nil, types.NewFieldError("upnp.AddAnyPortMapping", types.KindInvalidArgument, "internalPort")
	}
	if r.LeaseDuration < 0 || uint64(r.LeaseDuration) > 0xFFFFFFFF {
		return nil, types.NewFieldError("upnp.AddAnyPortMapping", types.KindInvalidArgument, "lifetime")
	}
	args := []arg{
		{"NewRemoteHost", renderAddress(r.RemoteHost)},
		{"NewExternalPort", fmt.Sprintf("%d", r.ExternalPort)},
		{"NewProtocol", portTypeName(r.Protocol)},
		{"NewInternalPort", fmt.Sprintf("%d", r.InternalPort)},
		{"NewInternalClient", renderAddress(r.InternalClient)},
		{"NewEnabled", enabledFlag(r.Enabled)},
		{"NewPortMappingDescription", r.Description},
		{"NewLeaseDuration", fmt.Sprintf("%d", r.LeaseDuration)},
	}
	return buildSOAPRequest(host, controlPath, serviceType, "AddAnyPortMapping", args), nil
}
