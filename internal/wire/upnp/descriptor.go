package upnp

import (
	"encoding/xml"
	"io"

	"github.com/natgateway/portmap/pkg/types"
)

// Service is one leaf <service> record extracted from a device
// descriptor (spec.md §4.2 "service discovery").
type Service struct {
	ServiceType string
	ControlURL  string
	SCPDURL     string
	EventSubURL string
}

// rawDevice mirrors the descriptor XML's recursive device/deviceList
// shape. encoding/xml ignores unrecognized child elements by default,
// so descriptors carrying namespaced or vendor-specific extensions
// parse without any special-casing.
type rawDevice struct {
	DeviceType  string        `xml:"deviceType"`
	ServiceList []rawService  `xml:"serviceList>service"`
	DeviceList  []rawDevice   `xml:"deviceList>device"`
}

type rawService struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
	SCPDURL     string `xml:"SCPDURL"`
	EventSubURL string `xml:"eventSubURL"`
}

type rawRoot struct {
	XMLName xml.Name  `xml:"root"`
	Device  rawDevice `xml:"device"`
}

// ParseDescriptor parses a UPnP device descriptor document and returns
// every service found by walking device/deviceList/.../serviceList
// recursively (spec.md §4.2).
func ParseDescriptor(r io.Reader) ([]Service, error) {
	var root rawRoot
	dec := xml.NewDecoder(r)
	// The IGD descriptor namespace varies across firmwares
	// (urn:schemas-upnp-org:device-1-0 vs no namespace at all); match by
	// local element name only.
	dec.Strict = false
	if err := dec.Decode(&root); err != nil {
		return nil, types.NewError("upnp.ParseDescriptor", types.KindMalformed, err)
	}

	var out []Service
	collectServices(root.Device, &out)
	if len(out) == 0 {
		return nil, types.NewError("upnp.ParseDescriptor", types.KindMalformed, nil)
	}
	return out, nil
}

func collectServices(d rawDevice, out *[]Service) {
	for _, s := range d.ServiceList {
		*out = append(*out, Service{
			ServiceType: s.ServiceType,
			ControlURL:  s.ControlURL,
			SCPDURL:     s.SCPDURL,
			EventSubURL: s.EventSubURL,
		})
	}
	for _, child := range d.DeviceList {
		collectServices(child, out)
	}
}

// FindService returns the first service whose ServiceType matches one
// of wanted, in priority order (spec.md §4.2: WANIPConnection preferred
// over WANPPPConnection, IGD2 service versions preferred over IGD1).
func FindService(services []Service, wanted ...string) (Service, bool) {
	for _, want := range wanted {
		for _, s := range services {
			if s.ServiceType == want {
				return s, true
			}
		}
	}
	return Service{}, false
}
