package portmap

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/natgateway/portmap/config"
	"github.com/natgateway/portmap/internal/discovery"
	"github.com/natgateway/portmap/internal/metrics"
	"github.com/natgateway/portmap/internal/mux"
	netfacility "github.com/natgateway/portmap/internal/net"
	"github.com/natgateway/portmap/pkg/interfaces"
	"github.com/natgateway/portmap/pkg/lib/log"
)

var logger = log.Logger("portmap")

// Client is the library's entry point: it owns the gateway I/O
// multiplexer and the discovery engine, and hands out Mapper values
// that callers use to map, refresh, and unmap ports.
//
// A Client must be started with Start before Discover is usable, and
// Close releases every socket the multiplexer opened. It is safe for
// concurrent use.
type Client struct {
	cfg     config.Config
	nf      interfaces.NetFacility
	clk     clock.Clock
	mux     *mux.Mux
	engine  *discovery.Engine
	metrics *metrics.Recorder

	mu      sync.Mutex
	started bool
	closed  bool
}

// New constructs a Client. It opens no sockets and starts no
// goroutines until Start is called.
func New(opts ...Option) *Client {
	o := options{cfg: config.DefaultConfig()}
	for _, apply := range opts {
		apply(&o)
	}
	if o.nf == nil {
		o.nf = netfacility.New()
	}
	if o.clk == nil {
		o.clk = clock.New()
	}

	m := mux.New(o.nf, o.clk)
	return &Client{
		cfg:     o.cfg,
		nf:      o.nf,
		clk:     o.clk,
		mux:     m,
		engine:  discovery.New(m, o.cfg, o.clk),
		metrics: metrics.New(),
	}
}

// Start runs the gateway multiplexer's event loop in its own
// goroutine. It must be called exactly once before Discover.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	go c.mux.Run()
	logger.Info("client started")
	return nil
}

// Discover probes the local network's gateways over NAT-PMP, PCP, and
// UPnP-IGD and returns a Mapper for every one that answered. It blocks
// until every candidate has either answered or exhausted its retry
// schedule, bounded by the configured discovery timeouts.
//
// A nil error with an empty slice never happens: an empty result is
// reported as a *pkg/types.Error with Kind KindNoGatewayFound, and any
// partial per-candidate failures are still returned alongside a
// non-empty mapper slice via go.uber.org/multierr so callers can log
// them without treating discovery as a hard failure.
func (c *Client) Discover(ctx context.Context) ([]interfaces.Mapper, error) {
	c.mu.Lock()
	started, closed := c.started, c.closed
	c.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if !started {
		return nil, ErrNotStarted
	}
	mappers, err := c.engine.Discover(ctx)
	for i, m := range mappers {
		mappers[i] = instrument(m, c.metrics)
	}
	return mappers, err
}

// Metrics returns a point-in-time snapshot of mapping activity across
// every Mapper this Client has handed out.
func (c *Client) Metrics() metrics.Snapshot {
	return c.metrics.Snapshot()
}

// Close stops the multiplexer's event loop and releases every socket
// it holds. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.started {
		c.mux.Kill()
		<-c.mux.Done()
	}
	logger.Info("client closed")
	return nil
}
