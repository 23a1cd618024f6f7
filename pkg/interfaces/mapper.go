package interfaces

import (
	"context"
	"time"

	"github.com/natgateway/portmap/pkg/types"
)

// Mapper is the uniform contract every protocol driver (NAT-PMP, PCP,
// UPnP-IGD port mapping, UPnP-IGD firewall) implements, per spec.md
// §4.4. Dynamic dispatch across the four variants happens through this
// interface, not through inheritance (spec.md §9).
type Mapper interface {
	// Protocol identifies which driver this is; MappedPort.ProtocolTag
	// is set from this so Refresh/Unmap route back correctly.
	Protocol() types.ProtocolTag

	// Gateway returns the address of the device this mapper talks to.
	Gateway() string

	// Map requests a new port mapping. suggestedExternalPort of 0 means
	// no preference. Returns the granted mapping or a typed error.
	Map(ctx context.Context, portType types.PortType, internalPort, suggestedExternalPort int, lifetime time.Duration) (types.MappedPort, error)

	// Refresh renews an existing mapping, typically at half its granted
	// lifetime.
	Refresh(ctx context.Context, port types.MappedPort, lifetime time.Duration) (types.MappedPort, error)

	// Unmap deletes an existing mapping. Best-effort: callers should not
	// assume the mapping is gone if this returns an error.
	Unmap(ctx context.Context, port types.MappedPort) error

	// Close releases any resources (sockets, timers) held by the mapper.
	Close() error
}
