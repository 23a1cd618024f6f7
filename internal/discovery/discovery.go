// Package discovery finds NAT/firewall gateways reachable from this
// host and returns one pkg/interfaces.Mapper per usable protocol
// endpoint found (spec.md §4.3).
//
// Grounded on _examples/dep2p-go-dep2p's internal/core/nat/upnp/
// mapper.go's discoverGateway/probe idiom (probe several candidates
// concurrently, keep whichever answers) and on
// _examples/pion-portmap/probe.go for the "recently seen" probe cache
// shape, generalized from a single-protocol probe into the three-way
// NAT-PMP/PCP/SSDP fan-out spec.md §4.3 describes.
package discovery

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackpal/gateway"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/natgateway/portmap/config"
	"github.com/natgateway/portmap/internal/lifecycle"
	"github.com/natgateway/portmap/internal/mapper/natpmp"
	"github.com/natgateway/portmap/internal/mapper/pcp"
	"github.com/natgateway/portmap/internal/mapper/upnpfw"
	"github.com/natgateway/portmap/internal/mapper/upnpport"
	"github.com/natgateway/portmap/internal/mux"
	natpmpwire "github.com/natgateway/portmap/internal/wire/natpmp"
	pcpwire "github.com/natgateway/portmap/internal/wire/pcp"
	"github.com/natgateway/portmap/internal/wire/upnp"
	"github.com/natgateway/portmap/pkg/interfaces"
	"github.com/natgateway/portmap/pkg/lib/log"
	"github.com/natgateway/portmap/pkg/types"
)

var logger = log.Logger("discovery")

const (
	serviceWANIPv2      = "urn:schemas-upnp-org:service:WANIPConnection:2"
	serviceWANIPv1      = "urn:schemas-upnp-org:service:WANIPConnection:1"
	serviceWANPPPv1     = "urn:schemas-upnp-org:service:WANPPPConnection:1"
	serviceWANFirewall1 = "urn:schemas-upnp-org:service:WANIPv6FirewallControl:1"
)

// probeKey identifies one (protocol, gateway) probe result in the
// recently-seen cache (SPEC_FULL.md §4.3.1).
type probeKey struct {
	protocol types.ProtocolTag
	gateway  string
}

// Engine runs discovery against one abstract network facility.
type Engine struct {
	m   *mux.Mux
	cfg config.Config
	clk clock.Clock

	cache *expirable.LRU[probeKey, struct{}]
}

// New builds a discovery Engine driving all sockets through m.
func New(m *mux.Mux, cfg config.Config, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		m:   m,
		cfg: cfg,
		clk: clk,
		cache: expirable.NewLRU[probeKey, struct{}](
			256, nil, cfg.Discovery.ProbeCacheTTL,
		),
	}
}

// Discover derives gateway candidates, probes each for NAT-PMP/PCP,
// separately runs SSDP for UPnP-IGD services, and returns one Mapper
// per protocol endpoint found. Per-candidate failures are aggregated
// (not discarded) so a caller left with zero mappers can inspect why
// (spec.md §7: NoGatewayFound).
func (e *Engine) Discover(ctx context.Context) ([]interfaces.Mapper, error) {
	localAddr, err := e.localAddr()
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		mappers []interfaces.Mapper
		allErrs error
	)
	addResult := func(m interfaces.Mapper, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			allErrs = multierr.Append(allErrs, err)
			return
		}
		if m != nil {
			mappers = append(mappers, m)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Discovery.MaxConcurrentProbes)

	for _, gw := range e.gatewayCandidates() {
		gw := gw
		g.Go(func() error {
			m, err := e.probePMPOrPCP(gctx, gw, localAddr)
			addResult(m, err)
			return nil // per-candidate failure doesn't abort the fan-out
		})
	}

	g.Go(func() error {
		ms, err := e.fetchAndBuildMappers(gctx, localAddr)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			allErrs = multierr.Append(allErrs, err)
		}
		mappers = append(mappers, ms...)
		return nil
	})

	_ = g.Wait()

	if len(mappers) == 0 {
		return nil, types.NewError("discovery.Discover", types.KindNoGatewayFound, allErrs)
	}
	return mappers, allErrs
}

// localAddr picks this host's LAN address, used as the mapper's
// InternalClient/InternalPort target.
func (e *Engine) localAddr() (netip.Addr, error) {
	ips, err := e.m.GetLocalIPs()
	if err != nil {
		return netip.Addr{}, err
	}
	for _, ip := range ips {
		if ip.Is4() {
			return ip, nil
		}
	}
	if len(ips) > 0 {
		return ips[0], nil
	}
	return netip.Addr{}, types.NewError("discovery.localAddr", types.KindNoGatewayFound, nil)
}

// gatewayCandidates derives the addresses to probe for NAT-PMP/PCP
// (spec.md §4.3 point 1): the platform default gateway, plus a
// same-subnet ".1" heuristic fallback derived from each local address.
func (e *Engine) gatewayCandidates() []netip.Addr {
	seen := make(map[netip.Addr]struct{})
	var out []netip.Addr
	add := func(a netip.Addr) {
		if !a.IsValid() {
			return
		}
		if _, ok := seen[a]; ok {
			return
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}

	if ip, err := gateway.DiscoverGateway(); err == nil {
		if addr, ok := netip.AddrFromSlice(ip.To4()); ok {
			add(addr)
		}
	}

	ips, err := e.m.GetLocalIPs()
	if err != nil {
		return out
	}
	for _, ip := range ips {
		if !ip.Is4() {
			continue
		}
		b := ip.As4()
		b[3] = 1
		add(netip.AddrFrom4(b))
	}
	return out
}

// probePMPOrPCP sends a PCP MAP request (lifetime 0, the RFC 6887
// probe convention) and a NAT-PMP external-address request over the
// same socket, classifies whichever protocol answers first, and
// returns a ready Mapper for it. A gateway already probed successfully
// within ProbeCacheTTL is skipped for both protocols the cache holds
// an entry for.
func (e *Engine) probePMPOrPCP(ctx context.Context, gw, localAddr netip.Addr) (interfaces.Mapper, error) {
	if e.cache.Contains(probeKey{types.ProtocolPCP, gw.String()}) {
		d, err := pcp.New(e.m, gw, localAddr, e.cfg.Lifecycle, e.clk)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	if e.cache.Contains(probeKey{types.ProtocolNATPMP, gw.String()}) {
		return natpmp.New(e.m, gw, e.cfg.Lifecycle, e.clk)
	}

	gwAddr := netip.AddrPortFrom(gw, e.cfg.Discovery.PCPNATPMPPort)
	handle, err := e.m.CreateUDP(netip.AddrPort{}, gwAddr, netip.Addr{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = e.m.Close(handle) }()

	pcpReq, err := pcpwire.Encode(pcpwire.MapRequest{
		ClientIP: localAddr,
		Nonce:    pcpwire.NewNonce(),
		Protocol: pcpwire.ProtocolAll,
	})
	if err != nil {
		return nil, err
	}
	natpmpReq := natpmpwire.ExternalAddressRequest()

	schedule := lifecycle.ScheduleFromDiscoveryConfig(e.cfg.Discovery)
	overall := e.cfg.Discovery.MaxProbeTimeout

	tag, err := lifecycle.Run(ctx, e.clk, schedule, overall,
		func(ctx context.Context, deadline time.Time) (types.ProtocolTag, error) {
			if err := e.m.Write(handle, pcpReq); err != nil {
				return 0, err
			}
			if err := e.m.Write(handle, natpmpReq); err != nil {
				return 0, err
			}
			res, err := e.m.Read(handle, 1100, deadline)
			if err != nil {
				return 0, err
			}
			return classifyProbeResponse(res.Data), nil
		})
	if err != nil {
		return nil, err
	}

	switch tag {
	case types.ProtocolPCP:
		e.cache.Add(probeKey{types.ProtocolPCP, gw.String()}, struct{}{})
		return pcp.New(e.m, gw, localAddr, e.cfg.Lifecycle, e.clk)
	default:
		e.cache.Add(probeKey{types.ProtocolNATPMP, gw.String()}, struct{}{})
		return natpmp.New(e.m, gw, e.cfg.Lifecycle, e.clk)
	}
}

// classifyProbeResponse implements spec.md §4.3 point 1's
// classification rule: a well-formed PCP response (version byte 2)
// means PCP; anything else (NAT-PMP's version byte is 0) means
// NAT-PMP.
func classifyProbeResponse(b []byte) types.ProtocolTag {
	if len(b) > 0 && b[0] == pcpwire.Version {
		return types.ProtocolPCP
	}
	return types.ProtocolNATPMP
}

// fetchAndBuildMappers runs SSDP, fetches each distinct responder's
// descriptor, and builds one upnpport/upnpfw Mapper per recognized
// service found (spec.md §4.3 point 2).
func (e *Engine) fetchAndBuildMappers(ctx context.Context, localAddr netip.Addr) ([]interfaces.Mapper, error) {
	responses, err := e.probeSSDP(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		mappers []interfaces.Mapper
		allErrs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Discovery.MaxConcurrentProbes)

	seen := make(map[string]struct{})
	for _, resp := range responses {
		if _, ok := seen[resp.Location]; ok {
			continue
		}
		seen[resp.Location] = struct{}{}
		loc := resp.Location

		g.Go(func() error {
			ms, err := e.buildMappersFromDescriptor(gctx, loc, localAddr)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				allErrs = multierr.Append(allErrs, err)
				return nil
			}
			mappers = append(mappers, ms...)
			return nil
		})
	}
	_ = g.Wait()
	return mappers, allErrs
}

// probeSSDP sends the three search targets spec.md §4.3 point 2 names
// and collects responses for MX+1 seconds.
func (e *Engine) probeSSDP(ctx context.Context) ([]upnp.DiscoResponse, error) {
	group := netip.MustParseAddr("239.255.255.250")
	handle, err := e.m.CreateUDP(netip.AddrPort{}, netip.AddrPortFrom(group, 1900), group)
	if err != nil {
		return nil, err
	}
	defer func() { _ = e.m.Close(handle) }()

	mx := e.cfg.Discovery.SSDPMx
	for _, st := range []string{
		"upnp:rootdevice",
		serviceWANIPv1,
		serviceWANIPv2,
	} {
		if err := e.m.Write(handle, upnp.BuildMSearch(st, mx)); err != nil {
			return nil, err
		}
	}

	deadline := e.clk.Now().Add(time.Duration(mx+1) * time.Second)
	var out []upnp.DiscoResponse
	for {
		res, err := e.m.Read(handle, 4096, deadline)
		if err != nil {
			var typed *types.Error
			if errors.As(err, &typed) && typed.Kind == types.KindTimeout {
				break
			}
			return out, nil
		}
		parsed, err := upnp.ParseDiscoResponse(res.Data)
		if err != nil {
			continue
		}
		out = append(out, parsed)
	}
	return out, nil
}

// buildMappersFromDescriptor fetches loc's device descriptor and
// builds a Mapper for each recognized service found in it.
func (e *Engine) buildMappersFromDescriptor(ctx context.Context, loc string, localAddr netip.Addr) ([]interfaces.Mapper, error) {
	u, err := url.Parse(loc)
	if err != nil {
		return nil, types.NewError("discovery.buildMappersFromDescriptor", types.KindMalformed, err)
	}

	controlAddr, hostHeader, err := resolveHostPort(ctx, u.Host, 80)
	if err != nil {
		return nil, err
	}

	body, err := e.fetchHTTP(ctx, controlAddr, hostHeader, u.RequestURI())
	if err != nil {
		return nil, err
	}
	services, err := upnp.ParseDescriptor(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var mappers []interfaces.Mapper
	if svc, ok := upnp.FindService(services, serviceWANIPv2, serviceWANIPv1, serviceWANPPPv1); ok {
		mappers = append(mappers, upnpport.New(e.m, controlAddr, hostHeader, svc.ControlURL, svc.ServiceType, localAddr, e.cfg.Lifecycle, e.clk))
	}
	if svc, ok := upnp.FindService(services, serviceWANFirewall1); ok {
		mappers = append(mappers, upnpfw.New(e.m, controlAddr, hostHeader, svc.ControlURL, svc.ServiceType, localAddr, e.cfg.Lifecycle, e.clk))
	}
	return mappers, nil
}

// fetchHTTP performs one GET over a fresh TCP-via-mux connection and
// returns the response body.
func (e *Engine) fetchHTTP(ctx context.Context, addr netip.AddrPort, hostHeader, path string) ([]byte, error) {
	handle, err := e.m.CreateTCP(netip.AddrPort{}, addr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = e.m.Close(handle) }()

	if err := e.m.Write(handle, upnp.BuildGetRequest(hostHeader, path)); err != nil {
		return nil, err
	}

	deadline := e.clk.Now().Add(e.cfg.Lifecycle.AttemptTimeout)
	var buf bytes.Buffer
	for {
		res, err := e.m.Read(handle, 8192, deadline)
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

	httpResp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(buf.Bytes())), nil)
	if err != nil {
		return nil, types.NewError("discovery.fetchHTTP", types.KindMalformed, err)
	}
	defer httpResp.Body.Close()

	var body bytes.Buffer
	if _, err := body.ReadFrom(httpResp.Body); err != nil {
		return nil, types.NewError("discovery.fetchHTTP", types.KindMalformed, err)
	}
	return body.Bytes(), nil
}

// resolveHostPort mirrors internal/mapper/upnpport's helper: a
// descriptor Location's host is usually a literal IP but occasionally
// a DNS name on consumer firmware.
func resolveHostPort(ctx context.Context, hostport string, defaultPort uint16) (netip.AddrPort, string, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		portStr = strconv.Itoa(int(defaultPort))
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, "", types.NewFieldError("discovery.resolveHostPort", types.KindInvalidArgument, "port")
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		ap := netip.AddrPortFrom(addr, uint16(port))
		return ap, hostport, nil
	}
	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil || len(ips) == 0 {
		return netip.AddrPort{}, "", types.NewError("discovery.resolveHostPort", types.KindUnreachable, err)
	}
	addr, err := netip.ParseAddr(ips[0])
	if err != nil {
		return netip.AddrPort{}, "", types.NewError("discovery.resolveHostPort", types.KindUnreachable, err)
	}
	return netip.AddrPortFrom(addr, uint16(port)), hostport, nil
}
