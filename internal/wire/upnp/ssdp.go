package upnp

import (
	"bufio"
	"bytes"
	"fmt"
	"net/textproto"

	"github.com/natgateway/portmap/pkg/types"
)

// SSDPMulticastAddress is the well-known SSDP multicast group and port
// (spec.md §4.1.3).
const SSDPMulticastAddress = "239.255.255.250:1900"

// Generic search targets for BuildMSearch (grounded on
// _examples/pion-portmap/igd/disco.go). internal/discovery does not send
// these: it searches for upnp:rootdevice and the WANIPConnection:1 and
// WANIPConnection:2 service types.
const (
	SearchTargetAll = "ssdp:all"
	SearchTargetIGD = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"
)

// BuildMSearch builds an SSDP M-SEARCH request datagram (spec.md
// §4.1.3). mx is clamped to the RFC-recommended [1,5] range.
func BuildMSearch(searchTarget string, mx int) []byte {
	if mx < 1 {
		mx = 1
	}
	if mx > 5 {
		mx = 5
	}
	var buf bytes.Buffer
	buf.WriteString("M-SEARCH * HTTP/1.1\r\n")
	buf.WriteString("HOST: " + SSDPMulticastAddress + "\r\n")
	buf.WriteString("ST: " + searchTarget + "\r\n")
	buf.WriteString(`MAN: "ssdp:discover"` + "\r\n")
	buf.WriteString(fmt.Sprintf("MX: %d\r\n", mx))
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// DiscoResponse is a parsed SSDP M-SEARCH response (spec.md §4.3).
type DiscoResponse struct {
	Location string
	Server   string
	USN      string
	ST       string
}

// ParseDiscoResponse parses an HTTP/1.1-style SSDP response datagram.
// SSDP reuses HTTP header syntax without a status line body, so this
// walks the header block with net/textproto rather than a full
// net/http.ReadResponse (there is no body and status-line parsing rules
// for "HTTP/1.1 200 OK" are the only http-specific bit needed).
func ParseDiscoResponse(b []byte) (DiscoResponse, error) {
	var resp DiscoResponse

	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(b)))
	statusLine, err := reader.ReadLine()
	if err != nil {
		return resp, types.NewError("upnp.ParseDiscoResponse", types.KindTruncated, err)
	}
	if len(statusLine) < len("HTTP/1.1 200") {
		return resp, types.NewError("upnp.ParseDiscoResponse", types.KindMalformed, nil)
	}

	header, err := reader.ReadMIMEHeader()
	if err != nil && header == nil {
		return resp, types.NewError("upnp.ParseDiscoResponse", types.KindMalformed, err)
	}

	resp.Location = header.Get("Location")
	resp.Server = header.Get("Server")
	resp.USN = header.Get("Usn")
	resp.ST = header.Get("St")

	if resp.Location == "" {
		return resp, types.NewFieldError("upnp.ParseDiscoResponse", types.KindMalformed, "location")
	}
	return resp, nil
}
