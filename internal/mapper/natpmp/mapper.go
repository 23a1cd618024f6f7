// Package natpmp implements pkg/interfaces.Mapper against RFC 6886
// NAT-PMP, driven entirely through internal/mux (the mapper never owns
// an OS socket directly).
//
// Grounded on _examples/dep2p-go-dep2p/internal/core/nat/natpmp/mapper.go
// for the driver's shape (mutex-guarded client state, a mappings table,
// sync.Once-guarded Close that best-effort deletes outstanding mappings)
// generalized to spec.md's Mapper contract and rebuilt on the in-repo
// wire codec and mux instead of jackpal/go-nat-pmp.
package natpmp

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/natgateway/portmap/config"
	"github.com/natgateway/portmap/internal/lifecycle"
	"github.com/natgateway/portmap/internal/mux"
	natpmpwire "github.com/natgateway/portmap/internal/wire/natpmp"
	"github.com/natgateway/portmap/pkg/interfaces"
	"github.com/natgateway/portmap/pkg/lib/log"
	"github.com/natgateway/portmap/pkg/types"
)

var logger = log.Logger("mapper.natpmp")

// maxResponseSize is the largest NAT-PMP response (a 16-byte map reply).
const maxResponseSize = 16

// Mapper drives NAT-PMP map/refresh/unmap against one gateway. Requests
// to this gateway are serialized by reqMu: NAT-PMP has no transaction
// ID, so correlation is purely positional (DESIGN.md open question
// #2), and a single outstanding request per gateway is the only way to
// make "the next datagram in" a safe correlation assumption.
type Mapper struct {
	m       *mux.Mux
	gateway netip.AddrPort
	handle  interfaces.SocketHandle
	clk     clock.Clock

	schedule        lifecycle.Schedule
	overallDeadline time.Duration

	reqMu           sync.Mutex
	externalAddress netip.Addr

	mappingsMu sync.Mutex
	mappings   map[types.PortType]types.MappedPort

	closeOnce sync.Once
}

// New opens a UDP socket to gateway:5351 through m and returns a ready
// Mapper. The socket is exclusive to this Mapper for its lifetime.
func New(m *mux.Mux, gateway netip.Addr, cfg config.LifecycleConfig, clk clock.Clock) (*Mapper, error) {
	gwAddr := netip.AddrPortFrom(gateway, natpmpwire.DefaultPort)
	handle, err := m.CreateUDP(netip.AddrPort{}, gwAddr, netip.Addr{})
	if err != nil {
		return nil, err
	}
	return &Mapper{
		m:               m,
		gateway:         gwAddr,
		handle:          handle,
		clk:             clk,
		schedule:        lifecycle.ScheduleFromLifecycleConfig(cfg),
		overallDeadline: cfg.OverallDeadline,
		mappings:        make(map[types.PortType]types.MappedPort),
	}, nil
}

func (d *Mapper) Protocol() types.ProtocolTag { return types.ProtocolNATPMP }

// mapReplyOpcodeFor returns the reply opcode a MAP/delete request for
// portType must come back with. One Mapper drives both TCP and UDP
// mappings over a single shared socket, so this is checked against
// every decoded response to reject a stray reply belonging to a
// different-type prior operation (spec.md §4.1.2).
func mapReplyOpcodeFor(portType types.PortType) natpmpwire.Opcode {
	if portType == types.TCP {
		return natpmpwire.OpReplyFlag | natpmpwire.OpMapTCP
	}
	return natpmpwire.OpReplyFlag | natpmpwire.OpMapUDP
}

func (d *Mapper) Gateway() string { return d.gateway.Addr().String() }

// roundTrip sends req and returns the first datagram back on this
// socket before deadline. Positional correlation relies on the caller
// already holding reqMu.
func (d *Mapper) roundTrip(req []byte, deadline time.Time) ([]byte, error) {
	if err := d.m.Write(d.handle, req); err != nil {
		return nil, err
	}
	res, err := d.m.Read(d.handle, maxResponseSize, deadline)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// fetchExternalAddress issues an opcode-0 request and caches the result;
// NAT-PMP's MAP response carries no address field (spec.md §4.4.1), so a
// mapping's ExternalAddress comes from this side channel.
func (d *Mapper) fetchExternalAddress(ctx context.Context) (netip.Addr, error) {
	if d.externalAddress.IsValid() {
		return d.externalAddress, nil
	}
	req := natpmpwire.ExternalAddressRequest()
	resp, err := lifecycle.Run(ctx, d.clk, d.schedule, d.overallDeadline,
		func(ctx context.Context, deadline time.Time) (natpmpwire.ExternalAddressResponse, error) {
			raw, err := d.roundTrip(req, deadline)
			if err != nil {
				return natpmpwire.ExternalAddressResponse{}, err
			}
			return natpmpwire.DecodeExternalAddressResponse(raw)
		})
	if err != nil {
		return netip.Addr{}, err
	}
	if resp.ResultCode != natpmpwire.ResultSuccess {
		return netip.Addr{}, types.NewServerFailure("natpmp.GetExternalAddress", int(resp.ResultCode), 0)
	}
	d.externalAddress = resp.ExternalAddress
	return resp.ExternalAddress, nil
}

// Map requests a NAT-PMP mapping (spec.md §4.4.1).
func (d *Mapper) Map(ctx context.Context, portType types.PortType, internalPort, suggestedExternalPort int, lifetime time.Duration) (types.MappedPort, error) {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	extAddr, err := d.fetchExternalAddress(ctx)
	if err != nil {
		return types.MappedPort{}, err
	}

	reqBytes := natpmpwire.Encode(natpmpwire.MapRequest{
		PortType:              portType,
		InternalPort:          uint16(internalPort),
		SuggestedExternalPort: uint16(suggestedExternalPort),
		Lifetime:              uint32(lifetime.Seconds()),
	})

	wantOpcode := mapReplyOpcodeFor(portType)
	resp, err := lifecycle.Run(ctx, d.clk, d.schedule, d.overallDeadline,
		func(ctx context.Context, deadline time.Time) (natpmpwire.MapResponse, error) {
			raw, err := d.roundTrip(reqBytes, deadline)
			if err != nil {
				return natpmpwire.MapResponse{}, err
			}
			return natpmpwire.DecodeMapResponse(raw, wantOpcode)
		})
	if err != nil {
		return types.MappedPort{}, err
	}
	if resp.ResultCode != natpmpwire.ResultSuccess {
		// RFC 6886 gives no retry-after hint on error (unlike PCP's
		// overloaded lifetime field); a non-success result is permanent.
		return types.MappedPort{}, types.NewServerFailure("natpmp.Map", int(resp.ResultCode), 0)
	}

	mapped := types.MappedPort{
		PortType:        portType,
		InternalPort:    int(resp.InternalPort),
		ExternalPort:    int(resp.MappedExternalPort),
		ExternalAddress: extAddr,
		LifetimeSeconds: resp.Lifetime,
		ProtocolTag:     types.ProtocolNATPMP,
		Gateway:         d.gateway.Addr(),
	}

	d.mappingsMu.Lock()
	d.mappings[portType] = mapped
	d.mappingsMu.Unlock()

	logger.InfoContext(ctx, "mapped", "port", internalPort, "external", mapped.ExternalPort, "lifetime", mapped.LifetimeSeconds)
	return mapped, nil
}

// Refresh re-requests the same mapping with the previously granted
// external port as the suggestion (spec.md §4.4.1: "identical to map
// with the previously mapped external port as suggestion").
func (d *Mapper) Refresh(ctx context.Context, port types.MappedPort, lifetime time.Duration) (types.MappedPort, error) {
	return d.Map(ctx, port.PortType, port.InternalPort, port.ExternalPort, lifetime)
}

// Unmap deletes the mapping via the lifetime-0 convention (spec.md
// §4.4.1).
func (d *Mapper) Unmap(ctx context.Context, port types.MappedPort) error {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	reqBytes := natpmpwire.DeleteRequest(port.PortType, uint16(port.InternalPort))
	wantOpcode := mapReplyOpcodeFor(port.PortType)
	_, err := lifecycle.Run(ctx, d.clk, d.schedule, d.overallDeadline,
		func(ctx context.Context, deadline time.Time) (natpmpwire.MapResponse, error) {
			raw, err := d.roundTrip(reqBytes, deadline)
			if err != nil {
				return natpmpwire.MapResponse{}, err
			}
			return natpmpwire.DecodeMapResponse(raw, wantOpcode)
		})
	if err != nil {
		return err
	}

	d.mappingsMu.Lock()
	delete(d.mappings, port.PortType)
	d.mappingsMu.Unlock()
	return nil
}

// Close deletes every outstanding mapping best-effort, then releases the
// socket.
func (d *Mapper) Close() error {
	var closeErr error
	d.closeOnce.Do(func() {
		d.mappingsMu.Lock()
		mappings := make([]types.MappedPort, 0, len(d.mappings))
		for _, mp := range d.mappings {
			mappings = append(mappings, mp)
		}
		d.mappings = nil
		d.mappingsMu.Unlock()

		for _, mp := range mappings {
			if err := d.Unmap(context.Background(), mp); err != nil {
				logger.Warn("cleanup unmap failed on close", "port", mp.InternalPort, "err", err)
			}
		}
		closeErr = d.m.Close(d.handle)
	})
	return closeErr
}
