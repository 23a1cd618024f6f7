package upnp

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/natgateway/portmap/pkg/types"
)

// SOAPFault carries a UPnP-IGD device's <detail><UPnPError> payload from
// a SOAP fault response (UPnP Device Architecture v1.1 §4.4). ErrorCode
// values (e.g. 718 ConflictInMappingEntry, 725 OnlyPermanentLeasesSupported,
// 727 ExternalPortOnlyMatchesOnePort) are meaningful to callers deciding
// whether to retry with different arguments.
type SOAPFault struct {
	FaultString      string
	ErrorCode        int
	ErrorDescription string
}

func (f *SOAPFault) Error() string {
	if f.ErrorDescription != "" {
		return "upnp: " + f.ErrorDescription
	}
	return "upnp: " + f.FaultString
}

// rawEnvelope mirrors just enough of a SOAP 1.1/1.2 envelope to reach
// either the action response body or a fault, leaving everything else
// as flattened leaf text (mirroring descriptor.go's tolerant approach:
// IGD firmwares disagree on envelope namespace and Body child element
// naming, so this walks by local name rather than a fixed schema).
type rawEnvelope struct {
	Body rawBody `xml:"Body"`
}

type rawBody struct {
	Fault    *rawFault `xml:"Fault"`
	Contents leafBag   `xml:",any"`
}

type rawFault struct {
	FaultCode   string  `xml:"faultcode"`
	FaultString string  `xml:"faultstring"`
	Detail      leafBag `xml:"detail>UPnPError"`
}

// leafBag decodes an arbitrary element's children into a flat map of
// local element name to text content, tolerating whatever namespace or
// nesting a given device firmware uses for action response arguments.
type leafBag map[string]string

func (b *leafBag) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	m := make(leafBag)
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var text string
			if err := dec.DecodeElement(&text, &t); err != nil {
				return err
			}
			m[t.Name.Local] = text
		case xml.EndElement:
			if t.Name == start.Name {
				*b = m
				return nil
			}
		}
	}
	*b = m
	return nil
}

// ParseSOAPResponse parses the HTTP body of a UPnP-IGD SOAP response and
// returns its action arguments as a flat map keyed by argument name
// (e.g. "NewExternalIPAddress", "NewReservedPort"). A SOAP fault decodes
// to a *SOAPFault, distinguishable from other errors via errors.As.
func ParseSOAPResponse(r io.Reader) (map[string]string, error) {
	var env rawEnvelope
	dec := xml.NewDecoder(r)
	dec.Strict = false
	if err := dec.Decode(&env); err != nil {
		return nil, types.NewError("upnp.ParseSOAPResponse", types.KindMalformed, err)
	}

	if env.Body.Fault != nil {
		f := &SOAPFault{FaultString: env.Body.Fault.FaultString}
		if code, ok := env.Body.Fault.Detail["errorCode"]; ok {
			f.ErrorCode, _ = strconv.Atoi(strings.TrimSpace(code))
		}
		f.ErrorDescription = env.Body.Fault.Detail["errorDescription"]
		return nil, f
	}

	// An action response with no output arguments (e.g.
	// DeletePortMappingResponse) is a valid success with an empty map,
	// not a malformed response.
	if env.Body.Contents == nil {
		return map[string]string{}, nil
	}
	return map[string]string(env.Body.Contents), nil
}
