// Package upnpport implements pkg/interfaces.Mapper against a UPnP-IGD
// WANIPConnection/WANPPPConnection service, driving SOAP-over-HTTP
// requests through internal/mux's TCP sockets rather than net/http —
// the multiplexer claims exclusive ownership of every socket (spec.md
// §4.2), so even a one-shot HTTP call has to go through it.
//
// Grounded on internal/mapper/natpmp/pcp's driver shape (mutex-guarded
// mapping table, sync.Once Close) and on _examples/dep2p-go-dep2p's
// internal/core/nat/upnp/mapper.go for the "fetch external IP once,
// cache it" pattern, generalized from goupnp's generated SOAP clients
// to this repo's byte-exact codec in internal/wire/upnp.
package upnpport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/natgateway/portmap/config"
	"github.com/natgateway/portmap/internal/lifecycle"
	"github.com/natgateway/portmap/internal/mux"
	"github.com/natgateway/portmap/internal/wire/upnp"
	"github.com/natgateway/portmap/pkg/interfaces"
	"github.com/natgateway/portmap/pkg/lib/log"
	"github.com/natgateway/portmap/pkg/types"
)

var logger = log.Logger("mapper.upnpport")

// readChunk is the per-Read buffer size while draining a SOAP response;
// IGD control responses are small (well under a kilobyte).
const readChunk = 8192

// resolveHostPort turns a descriptor Location URL's host component
// (spec.md §4.2: usually a literal IP, occasionally a DNS/mDNS name on
// consumer firmware) into a dialable netip.AddrPort. A literal address
// short-circuits; a hostname falls back to net.DefaultResolver, the one
// legitimate stdlib boundary here — DNS resolution isn't a socket the
// multiplexer needs to own, only the resulting TCP connection is.
func resolveHostPort(ctx context.Context, hostport string, defaultPort uint16) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		portStr = strconv.Itoa(int(defaultPort))
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, types.NewFieldError("upnpport.resolveHostPort", types.KindInvalidArgument, "port")
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr, uint16(port)), nil
	}
	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil || len(ips) == 0 {
		return netip.AddrPort{}, types.NewError("upnpport.resolveHostPort", types.KindUnreachable, err)
	}
	addr, err := netip.ParseAddr(ips[0])
	if err != nil {
		return netip.AddrPort{}, types.NewError("upnpport.resolveHostPort", types.KindUnreachable, err)
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}

// Mapper drives AddPortMapping/AddAnyPortMapping/DeletePortMapping/
// GetExternalIPAddress against one WANIPConnection/WANPPPConnection
// service.
type Mapper struct {
	m           *mux.Mux
	controlAddr netip.AddrPort
	hostHeader  string
	controlPath string
	serviceType string
	localAddr   netip.Addr
	clk         clock.Clock

	schedule        lifecycle.Schedule
	overallDeadline time.Duration

	externalAddrMu sync.Mutex
	externalAddr   netip.Addr

	mappingsMu sync.Mutex
	mappings   map[types.PortType]types.MappedPort

	closeOnce sync.Once
}

// New builds a Mapper for the WAN connection service described by
// host/controlPath/serviceType (extracted from the device's descriptor
// by discovery, spec.md §4.2). localAddr is this host's LAN address,
// used as NewInternalClient.
func New(m *mux.Mux, controlAddr netip.AddrPort, hostHeader, controlPath, serviceType string, localAddr netip.Addr, cfg config.LifecycleConfig, clk clock.Clock) *Mapper {
	return &Mapper{
		m:               m,
		controlAddr:     controlAddr,
		hostHeader:      hostHeader,
		controlPath:     controlPath,
		serviceType:     serviceType,
		localAddr:       localAddr,
		clk:             clk,
		schedule:        lifecycle.ScheduleFromLifecycleConfig(cfg),
		overallDeadline: cfg.OverallDeadline,
		mappings:        make(map[types.PortType]types.MappedPort),
	}
}

func (d *Mapper) Protocol() types.ProtocolTag { return types.ProtocolUPnPPort }

func (d *Mapper) Gateway() string { return d.controlAddr.Addr().String() }

// doSOAP opens a fresh TCP connection (the codec emits "Connection:
// Close", matching real IGD firmware behavior of one request per
// connection), writes reqBytes, and returns the parsed action-response
// argument map. A *upnp.SOAPFault surfaces as-is via errors.As.
func (d *Mapper) doSOAP(ctx context.Context, deadline time.Time, reqBytes []byte) (map[string]string, error) {
	handle, err := d.m.CreateTCP(netip.AddrPort{}, d.controlAddr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = d.m.Close(handle) }()

	if err := d.m.Write(handle, reqBytes); err != nil {
		return nil, err
	}

	raw, err := d.readFullResponse(handle, deadline)
	if err != nil {
		return nil, err
	}

	httpResp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		return nil, types.NewError("upnpport.doSOAP", types.KindMalformed, err)
	}
	defer httpResp.Body.Close()

	args, err := upnp.ParseSOAPResponse(httpResp.Body)
	if err != nil {
		var fault *upnp.SOAPFault
		if errors.As(err, &fault) {
			return nil, types.NewServerFailure("upnpport.doSOAP", fault.ErrorCode, 0)
		}
		return nil, err
	}
	return args, nil
}

// readFullResponse drains handle until the peer closes the connection
// (the server's Connection: Close), accumulating everything it sent.
func (d *Mapper) readFullResponse(handle interfaces.SocketHandle, deadline time.Time) ([]byte, error) {
	var buf bytes.Buffer
	for {
		res, err := d.m.Read(handle, readChunk, deadline)
		if err != nil {
			var typed *types.Error
			if errors.As(err, &typed) && typed.Kind == types.KindConnectionReset && buf.Len() > 0 {
				break
			}
			return nil, err
		}
		if len(res.Data) == 0 {
			break
		}
		buf.Write(res.Data)
	}
	return buf.Bytes(), nil
}

func (d *Mapper) fetchExternalAddress(ctx context.Context) (netip.Addr, error) {
	d.externalAddrMu.Lock()
	defer d.externalAddrMu.Unlock()
	if d.externalAddr.IsValid() {
		return d.externalAddr, nil
	}

	reqBytes := upnp.GetExternalIPAddress(d.hostHeader, d.controlPath, d.serviceType)
	args, err := lifecycle.Run(ctx, d.clk, d.schedule, d.overallDeadline,
		func(ctx context.Context, deadline time.Time) (map[string]string, error) {
			return d.doSOAP(ctx, deadline, reqBytes)
		})
	if err != nil {
		return netip.Addr{}, err
	}
	addr, err := netip.ParseAddr(args["NewExternalIPAddress"])
	if err != nil {
		return netip.Addr{}, types.NewError("upnpport.fetchExternalAddress", types.KindMalformed, err)
	}
	d.externalAddr = addr
	return addr, nil
}

// supportsAddAnyPortMapping reports whether d's service advertises IGD2
// semantics (spec.md §4.4.3): AddAnyPortMapping is a WANIPConnection:2
// action, absent from WANIPConnection:1 and WANPPPConnection:1 control
// points, which reject an unknown action with a SOAP fault rather than
// auto-assigning a port.
func supportsAddAnyPortMapping(serviceType string) bool {
	idx := strings.LastIndex(serviceType, ":")
	if idx < 0 {
		return false
	}
	version, err := strconv.Atoi(serviceType[idx+1:])
	if err != nil {
		return false
	}
	return strings.Contains(serviceType, ":WANIPConnection:") && version >= 2
}

// Map dispatches to AddPortMapping when the caller names a specific
// external port, or AddAnyPortMapping when suggestedExternalPort is 0
// and the service advertises IGD2 semantics (spec.md §4.4.3).
func (d *Mapper) Map(ctx context.Context, portType types.PortType, internalPort, suggestedExternalPort int, lifetime time.Duration) (types.MappedPort, error) {
	extAddr, err := d.fetchExternalAddress(ctx)
	if err != nil {
		return types.MappedPort{}, err
	}

	req := upnp.AddPortMappingRequest{
		ExternalPort:  suggestedExternalPort,
		Protocol:      portType,
		InternalPort:  internalPort,
		InternalClient: d.localAddr,
		Enabled:       true,
		Description:   "portmap",
		LeaseDuration: int(lifetime.Seconds()),
	}

	var reqBytes []byte
	if suggestedExternalPort == 0 && supportsAddAnyPortMapping(d.serviceType) {
		reqBytes, err = upnp.AddAnyPortMapping(d.hostHeader, d.controlPath, d.serviceType, req)
	} else {
		reqBytes, err = upnp.AddPortMapping(d.hostHeader, d.controlPath, d.serviceType, req)
	}
	if err != nil {
		return types.MappedPort{}, err
	}

	args, err := lifecycle.Run(ctx, d.clk, d.schedule, d.overallDeadline,
		func(ctx context.Context, deadline time.Time) (map[string]string, error) {
			return d.doSOAP(ctx, deadline, reqBytes)
		})
	if err != nil {
		return types.MappedPort{}, err
	}

	externalPort := suggestedExternalPort
	if p, ok := args["NewReservedPort"]; ok {
		if v, err := strconv.Atoi(p); err == nil {
			externalPort = v
		}
	} else if externalPort == 0 {
		externalPort = internalPort
	}

	mapped := types.MappedPort{
		PortType:        portType,
		InternalPort:    internalPort,
		ExternalPort:    externalPort,
		ExternalAddress: extAddr,
		LifetimeSeconds: uint32(lifetime.Seconds()),
		ProtocolTag:     types.ProtocolUPnPPort,
		Gateway:         d.controlAddr.Addr(),
	}

	d.mappingsMu.Lock()
	d.mappings[portType] = mapped
	d.mappingsMu.Unlock()

	logger.InfoContext(ctx, "mapped", "port", internalPort, "external", mapped.ExternalPort)
	return mapped, nil
}

// Refresh re-invokes AddPortMapping with the same external port and a
// new lease duration (spec.md §4.4.3: never AddAnyPortMapping — the
// external port is already fixed by the mapping being refreshed).
func (d *Mapper) Refresh(ctx context.Context, port types.MappedPort, lifetime time.Duration) (types.MappedPort, error) {
	return d.Map(ctx, port.PortType, port.InternalPort, port.ExternalPort, lifetime)
}

// Unmap issues DeletePortMapping.
func (d *Mapper) Unmap(ctx context.Context, port types.MappedPort) error {
	reqBytes, err := upnp.DeletePortMapping(d.hostHeader, d.controlPath, d.serviceType, upnp.DeletePortMappingRequest{
		ExternalPort: port.ExternalPort,
		Protocol:     port.PortType,
	})
	if err != nil {
		return err
	}

	_, err = lifecycle.Run(ctx, d.clk, d.schedule, d.overallDeadline,
		func(ctx context.Context, deadline time.Time) (map[string]string, error) {
			return d.doSOAP(ctx, deadline, reqBytes)
		})
	if err != nil {
		return err
	}

	d.mappingsMu.Lock()
	delete(d.mappings, port.PortType)
	d.mappingsMu.Unlock()
	return nil
}

// Close deletes every outstanding mapping best-effort.
func (d *Mapper) Close() error {
	d.closeOnce.Do(func() {
		d.mappingsMu.Lock()
		mapped := make([]types.MappedPort, 0, len(d.mappings))
		for _, mp := range d.mappings {
			mapped = append(mapped, mp)
		}
		d.mappings = nil
		d.mappingsMu.Unlock()

		for _, mp := range mapped {
			if err := d.Unmap(context.Background(), mp); err != nil {
				logger.Warn("cleanup unmap failed on close", "port", mp.InternalPort, "err", err)
			}
		}
	})
	return nil
}
