// Package upnpfw implements pkg/interfaces.Mapper against a UPnP-IGD
// WANIPv6FirewallControl service (AddPinhole/DeletePinhole), a feature
// the distillation dropped but the original implementation carries —
// IPv6 has no NAT to punch through, only a firewall rule to open, so
// "mapping" here means "pinhole": an inbound-permit rule for one
// (remote host/port, internal client/port, protocol) tuple.
//
// Grounded on internal/mapper/upnpport's TCP-via-mux request cycle
// (same doSOAP/readFullResponse shape, duplicated rather than shared
// because the two mappers dispatch to different actions and track
// different per-mapping state) and on internal/mapper/pcp's nonce
// table for the idea of tracking protocol-specific mapping identity
// (here, an IGD-assigned UniqueID) alongside the public MappedPort.
package upnpfw

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/netip"
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

var logger = log.Logger("mapper.upnpfw")

const readChunk = 8192

const (
	protoTCP = 6
	protoUDP = 17
)

func ianaProtocol(pt types.PortType) int {
	if pt == types.TCP {
		return protoTCP
	}
	return protoUDP
}

// pinholeState tracks the IGD-assigned UniqueID a pinhole must be
// referenced by on delete (WANIPv6FirewallControl:1's DeletePinhole
// takes only a UniqueID, not the original tuple).
type pinholeState struct {
	mapped   types.MappedPort
	uniqueID string
}

// Mapper drives AddPinhole/DeletePinhole against one gateway's
// WANIPv6FirewallControl service.
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

	stateMu sync.Mutex
	state   map[types.PortType]pinholeState

	closeOnce sync.Once
}

// New builds a Mapper for the firewall control service described by
// host/controlPath/serviceType. localAddr is the InternalClient a
// pinhole permits traffic to.
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
		state:           make(map[types.PortType]pinholeState),
	}
}

func (d *Mapper) Protocol() types.ProtocolTag { return types.ProtocolUPnPFirewall }

func (d *Mapper) Gateway() string { return d.controlAddr.Addr().String() }

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
		return nil, types.NewError("upnpfw.doSOAP", types.KindMalformed, err)
	}
	defer httpResp.Body.Close()

	args, err := upnp.ParseSOAPResponse(httpResp.Body)
	if err != nil {
		var fault *upnp.SOAPFault
		if errors.As(err, &fault) {
			return nil, types.NewServerFailure("upnpfw.doSOAP", fault.ErrorCode, 0)
		}
		return nil, err
	}
	return args, nil
}

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

// Map opens a pinhole for internalPort. There is no NAT translation
// on an IPv6 firewall, so the granted MappedPort's external and
// internal ports are always equal; suggestedExternalPort is ignored.
func (d *Mapper) Map(ctx context.Context, portType types.PortType, internalPort, suggestedExternalPort int, lifetime time.Duration) (types.MappedPort, error) {
	req := upnp.PinholeRequest{
		InternalClient: d.localAddr,
		InternalPort:   internalPort,
		Protocol:       ianaProtocol(portType),
	}
	reqBytes, err := upnp.AddPinhole(d.hostHeader, d.controlPath, d.serviceType, req, int(lifetime.Seconds()))
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

	mapped := types.MappedPort{
		PortType:        portType,
		InternalPort:    internalPort,
		ExternalPort:    internalPort,
		ExternalAddress: d.localAddr,
		LifetimeSeconds: uint32(lifetime.Seconds()),
		ProtocolTag:     types.ProtocolUPnPFirewall,
		Gateway:         d.controlAddr.Addr(),
	}

	d.stateMu.Lock()
	d.state[portType] = pinholeState{mapped: mapped, uniqueID: args["UniqueID"]}
	d.stateMu.Unlock()

	logger.InfoContext(ctx, "pinhole opened", "port", internalPort)
	return mapped, nil
}

// Refresh has no dedicated wire operation in WANIPv6FirewallControl:1
// (unlike PCP/NAT-PMP's idempotent re-request), so it deletes the
// existing pinhole and opens a fresh one with the new lifetime.
func (d *Mapper) Refresh(ctx context.Context, port types.MappedPort, lifetime time.Duration) (types.MappedPort, error) {
	if err := d.Unmap(ctx, port); err != nil {
		logger.Warn("refresh: delete of prior pinhole failed, continuing", "port", port.InternalPort, "err", err)
	}
	return d.Map(ctx, port.PortType, port.InternalPort, 0, lifetime)
}

// Unmap closes the pinhole via its IGD-assigned UniqueID.
func (d *Mapper) Unmap(ctx context.Context, port types.MappedPort) error {
	d.stateMu.Lock()
	st, ok := d.state[port.PortType]
	d.stateMu.Unlock()
	if !ok {
		return nil
	}

	reqBytes := upnp.DeletePinhole(d.hostHeader, d.controlPath, d.serviceType, st.uniqueID)
	_, err := lifecycle.Run(ctx, d.clk, d.schedule, d.overallDeadline,
		func(ctx context.Context, deadline time.Time) (map[string]string, error) {
			return d.doSOAP(ctx, deadline, reqBytes)
		})
	if err != nil {
		return err
	}

	d.stateMu.Lock()
	delete(d.state, port.PortType)
	d.stateMu.Unlock()
	return nil
}

// Close deletes every outstanding pinhole best-effort.
func (d *Mapper) Close() error {
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
	})
	return nil
}
