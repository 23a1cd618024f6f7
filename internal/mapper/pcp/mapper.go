// Package pcp implements pkg/interfaces.Mapper against RFC 6887 PCP,
// driven through internal/mux like its NAT-PMP sibling.
//
// Grounded on internal/mapper/natpmp's driver shape (same reqMu
// positional-serialization pattern, same mux-only I/O discipline) and
// on RFC 6887 §8.1/§11.3/§15 for the one thing NAT-PMP doesn't need: a
// mapping's 12-byte nonce must be reused verbatim on every subsequent
// refresh/delete request for that mapping, so this driver tracks nonces
// keyed by port type alongside the public MappedPort record.
package pcp

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/natgateway/portmap/config"
	"github.com/natgateway/portmap/internal/lifecycle"
	"github.com/natgateway/portmap/internal/mux"
	pcpwire "github.com/natgateway/portmap/internal/wire/pcp"
	"github.com/natgateway/portmap/pkg/interfaces"
	"github.com/natgateway/portmap/pkg/lib/log"
	"github.com/natgateway/portmap/pkg/types"
)

var logger = log.Logger("mapper.pcp")

const maxResponseSize = pcpwire.MaxMessageSize

// mappingState tracks the PCP-specific identity of one active mapping —
// the nonce and wire protocol number the gateway expects to see again
// on refresh/delete — since types.MappedPort itself carries no PCP
// nonce field (adding one would leak protocol-specific state into a
// type shared across all four mapper variants).
type mappingState struct {
	mapped       types.MappedPort
	nonce        [12]byte
	protocol     uint8
	internalPort uint16
}

// Mapper drives PCP map/refresh/unmap against one gateway.
type Mapper struct {
	m         *mux.Mux
	gateway   netip.Addr
	clientIP  netip.Addr
	handle    interfaces.SocketHandle
	clk       clock.Clock

	schedule        lifecycle.Schedule
	overallDeadline time.Duration

	reqMu sync.Mutex

	stateMu sync.Mutex
	state   map[types.PortType]mappingState

	epochMu   sync.Mutex
	haveEpoch bool
	lastEpoch uint32

	closeOnce sync.Once
}

// New opens a UDP socket to gateway:5351. clientIP is the local address
// PCP requires in every request's common header (RFC 6887 §11.1).
func New(m *mux.Mux, gateway, clientIP netip.Addr, cfg config.LifecycleConfig, clk clock.Clock) (*Mapper, error) {
	gwAddr := netip.AddrPortFrom(gateway, pcpwire.DefaultPort)
	handle, err := m.CreateUDP(netip.AddrPort{}, gwAddr, netip.Addr{})
	if err != nil {
		return nil, err
	}
	return &Mapper{
		m:               m,
		gateway:         gateway,
		clientIP:        clientIP,
		handle:          handle,
		clk:             clk,
		schedule:        lifecycle.ScheduleFromLifecycleConfig(cfg),
		overallDeadline: cfg.OverallDeadline,
		state:           make(map[types.PortType]mappingState),
	}, nil
}

func (d *Mapper) Protocol() types.ProtocolTag { return types.ProtocolPCP }

func (d *Mapper) Gateway() string { return d.gateway.String() }

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

func protocolNumberFor(pt types.PortType) uint8 {
	if pt == types.TCP {
		return pcpwire.ProtocolTCP
	}
	return pcpwire.ProtocolUDP
}

// isTransientResult reports whether a PCP error result code carries a
// meaningful retry-after (RFC 6887 §7.4): NETWORK_FAILURE, NO_RESOURCES,
// and USER_EX_QUOTA are the device saying "try again shortly"; every
// other error code is a permanent rejection of this request's shape.
func isTransientResult(code pcpwire.ResultCode) bool {
	switch code {
	case pcpwire.ResultNetworkFailure, pcpwire.ResultNoResources, pcpwire.ResultUserExceededQuota:
		return true
	default:
		return false
	}
}

// doMap issues one MAP request, reusing nonce if the caller supplies a
// nonzero one (refresh/delete) or generating a fresh one otherwise
// (initial map).
func (d *Mapper) doMap(ctx context.Context, portType types.PortType, internalPort, suggestedExternalPort int, lifetime time.Duration, nonce [12]byte) (types.MappedPort, [12]byte, error) {
	if nonce == ([12]byte{}) {
		nonce = pcpwire.NewNonce()
	}
	protocol := protocolNumberFor(portType)
	if internalPort == 0 {
		protocol = pcpwire.ProtocolAll
	}

	reqBytes, err := pcpwire.Encode(pcpwire.MapRequest{
		Lifetime:              uint32(lifetime.Seconds()),
		ClientIP:              d.clientIP,
		Nonce:                 nonce,
		Protocol:              protocol,
		InternalPort:          uint16(internalPort),
		SuggestedExternalPort: uint16(suggestedExternalPort),
	})
	if err != nil {
		return types.MappedPort{}, nonce, err
	}

	resp, err := lifecycle.Run(ctx, d.clk, d.schedule, d.overallDeadline,
		func(ctx context.Context, deadline time.Time) (pcpwire.MapResponse, error) {
			raw, err := d.roundTrip(reqBytes, deadline)
			if err != nil {
				return pcpwire.MapResponse{}, err
			}
			return pcpwire.DecodeMapResponse(raw)
		})
	if err != nil {
		return types.MappedPort{}, nonce, err
	}

	if resp.ResultCode != pcpwire.ResultSuccess {
		var retryAfter uint32
		if isTransientResult(resp.ResultCode) {
			retryAfter = resp.Lifetime
		}
		return types.MappedPort{}, nonce, types.NewServerFailure("pcp.Map", int(resp.ResultCode), retryAfter)
	}
	if resp.Nonce != nonce {
		// RFC 6887 §11.3: a response whose nonce doesn't match the
		// request's must be ignored as a stray/misrouted reply.
		return types.MappedPort{}, nonce, types.NewError("pcp.Map", types.KindMalformed, nil)
	}

	if lost := d.checkEpoch(resp.Epoch); len(lost) > 0 {
		logger.WarnContext(ctx, "pcp epoch reset detected, remapping tracked ports",
			"gateway", d.gateway, "epoch", resp.Epoch)
		d.remapAfterEpochReset(ctx, lost, portType)
	}

	mapped := types.MappedPort{
		PortType:        portType,
		InternalPort:    int(resp.InternalPort),
		ExternalPort:    int(resp.ExternalPort),
		ExternalAddress: resp.ExternalAddress,
		LifetimeSeconds: resp.Lifetime,
		ProtocolTag:     types.ProtocolPCP,
		Gateway:         d.gateway,
	}
	return mapped, nonce, nil
}

// checkEpoch tracks the server's epoch time across responses and
// reports whether it just decreased (RFC 6887 §8.5): a PCP server
// resets its epoch on reboot or state loss, and a backward step means
// every mapping this client thinks it holds is gone on the server side.
// Returns the mappings that need an immediate re-MAP, or nil if no
// reset was detected.
func (d *Mapper) checkEpoch(epoch uint32) []types.MappedPort {
	d.epochMu.Lock()
	reset := d.haveEpoch && epoch < d.lastEpoch
	d.haveEpoch = true
	d.lastEpoch = epoch
	d.epochMu.Unlock()

	if !reset {
		return nil
	}

	d.stateMu.Lock()
	lost := make([]types.MappedPort, 0, len(d.state))
	for _, st := range d.state {
		lost = append(lost, st.mapped)
	}
	d.stateMu.Unlock()
	return lost
}

// remapAfterEpochReset reissues MAP, with a fresh nonce, for every
// mapping this mapper was tracking before an epoch reset invalidated
// them, skipping inProgress since the caller's own doMap call is
// already re-establishing that one.
func (d *Mapper) remapAfterEpochReset(ctx context.Context, lost []types.MappedPort, inProgress types.PortType) {
	for _, mp := range lost {
		if mp.PortType == inProgress {
			continue
		}
		remapped, nonce, err := d.doMap(ctx, mp.PortType, mp.InternalPort, mp.ExternalPort,
			time.Duration(mp.LifetimeSeconds)*time.Second, [12]byte{})
		if err != nil {
			logger.Warn("re-map after epoch reset failed", "port", mp.InternalPort, "err", err)
			continue
		}
		d.stateMu.Lock()
		d.state[mp.PortType] = mappingState{mapped: remapped, nonce: nonce, protocol: protocolNumberFor(mp.PortType), internalPort: uint16(mp.InternalPort)}
		d.stateMu.Unlock()
	}
}

// Map requests a fresh PCP mapping (spec.md §4.4.2).
func (d *Mapper) Map(ctx context.Context, portType types.PortType, internalPort, suggestedExternalPort int, lifetime time.Duration) (types.MappedPort, error) {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	mapped, nonce, err := d.doMap(ctx, portType, internalPort, suggestedExternalPort, lifetime, [12]byte{})
	if err != nil {
		return types.MappedPort{}, err
	}

	d.stateMu.Lock()
	d.state[portType] = mappingState{mapped: mapped, nonce: nonce, protocol: protocolNumberFor(portType), internalPort: uint16(internalPort)}
	d.stateMu.Unlock()

	logger.InfoContext(ctx, "mapped", "port", internalPort, "external", mapped.ExternalPort, "lifetime", mapped.LifetimeSeconds)
	return mapped, nil
}

// Refresh reuses the mapping's original nonce, as RFC 6887 requires
// (spec.md §4.4.2: "refresh: same request with the granted port/address
// as suggestions").
func (d *Mapper) Refresh(ctx context.Context, port types.MappedPort, lifetime time.Duration) (types.MappedPort, error) {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	d.stateMu.Lock()
	st, ok := d.state[port.PortType]
	d.stateMu.Unlock()

	nonce := [12]byte{}
	internalPort := port.InternalPort
	if ok {
		nonce = st.nonce
		internalPort = int(st.internalPort)
	}

	mapped, newNonce, err := d.doMap(ctx, port.PortType, internalPort, port.ExternalPort, lifetime, nonce)
	if err != nil {
		return types.MappedPort{}, err
	}

	d.stateMu.Lock()
	d.state[port.PortType] = mappingState{mapped: mapped, nonce: newNonce, protocol: protocolNumberFor(port.PortType), internalPort: uint16(internalPort)}
	d.stateMu.Unlock()
	return mapped, nil
}

// Unmap deletes a mapping via the lifetime-0 convention, reusing the
// mapping's nonce (RFC 6887 §15).
func (d *Mapper) Unmap(ctx context.Context, port types.MappedPort) error {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	d.stateMu.Lock()
	st, ok := d.state[port.PortType]
	d.stateMu.Unlock()

	nonce := [12]byte{}
	internalPort := port.InternalPort
	if ok {
		nonce = st.nonce
		internalPort = int(st.internalPort)
	}

	_, _, err := d.doMap(ctx, port.PortType, internalPort, port.ExternalPort, 0, nonce)
	if err != nil {
		return err
	}

	d.stateMu.Lock()
	delete(d.state, port.PortType)
	d.stateMu.Unlock()
	return nil
}

// Close deletes every outstanding mapping best-effort, then releases
// the socket.
func (d *Mapper) Close() error {
	var closeErr error
	d.closeOnce.Do(func() {
		d.stateMu.Lock()
		mapped := make([]types.MappedPort, 0, len(d.state))
		for _, st := range d.state {
			mapped = append(mapped, st.mapped)
		}
		d.stateMu.Unlock()

		for _, mp := range mapped {
			if err := d.Unmap(context.Background(), mp); err != nil {
				logger.Warn("cleanup unmap failed on close", "port", mp.InternalPort, "err", err)
			}
		}

		d.stateMu.Lock()
		d.state = nil
		d.stateMu.Unlock()
		closeErr = d.m.Close(d.handle)
	})
	return closeErr
}
