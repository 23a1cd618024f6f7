package portmap

import (
	"github.com/benbjohnson/clock"

	"github.com/natgateway/portmap/config"
	"github.com/natgateway/portmap/pkg/interfaces"
)

// Option configures a Client at construction time.
type Option func(*options)

type options struct {
	cfg    config.Config
	nf     interfaces.NetFacility
	clk    clock.Clock
	logger bool
}

// WithConfig overrides the default tunables (RFC-mandated retry
// schedules, discovery timeouts, mux buffer sizes).
func WithConfig(cfg config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithNetFacility overrides the OS-backed internal/net.Facility, e.g.
// with a test double that never touches a real socket.
func WithNetFacility(nf interfaces.NetFacility) Option {
	return func(o *options) { o.nf = nf }
}

// WithClock overrides the real benbjohnson/clock.Clock used for
// deadlines and backoff, e.g. with clock.NewMock in tests. The Client
// schedules no refreshes; callers time their own Refresh calls.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clk = clk }
}
