// Package config holds tunables for discovery, the gateway multiplexer,
// and mapping-lifecycle orchestration.
//
// Shape mirrors the teacher's config.NATConfig: nested per-concern
// sub-configs, time.Duration fields for every timeout, and a
// DefaultConfig constructor.
package config

import "time"

// Config is the top-level tunable set for the port-mapping library.
type Config struct {
	Discovery   DiscoveryConfig
	Mux         MuxConfig
	Lifecycle   LifecycleConfig
	EnableNATPMP bool
	EnablePCP    bool
	EnableUPnP   bool
}

// DiscoveryConfig tunes the discovery engine (spec.md §4.3).
type DiscoveryConfig struct {
	// PCPNATPMPPort is the well-known port both protocols share.
	PCPNATPMPPort uint16

	// InitialProbeTimeout is the first NAT-PMP/PCP retry interval
	// (spec.md §4.3: "initial timeout 3s").
	InitialProbeTimeout time.Duration

	// MaxProbeTimeout caps the exponential backoff (spec.md §4.3: "up
	// to 1024s").
	MaxProbeTimeout time.Duration

	// MaxProbeRetries bounds the number of retries before a gateway
	// candidate is abandoned (spec.md §4.3: "max 9 retries").
	MaxProbeRetries int

	// SSDPMx is the MX value advertised in M-SEARCH requests (1-5).
	SSDPMx int

	// ProbeCacheTTL bounds how long a recent successful probe is
	// trusted without resending (SPEC_FULL.md §4.3.1).
	ProbeCacheTTL time.Duration

	// MaxConcurrentProbes bounds the discovery engine's fan-out.
	MaxConcurrentProbes int
}

// MuxConfig describes the gateway I/O multiplexer (spec.md §4.2).
// internal/mux does not read these fields: its send-buffer cap is the
// constant mux.DefaultSendBufferCap.
type MuxConfig struct {
	// SendBufferCap is the per-socket send-buffer backpressure limit
	// (spec.md §4.2: "e.g., 64 KiB").
	SendBufferCap int

	// TickInterval is the readiness-poll cadence when the underlying
	// facility has no blocking readiness primitive available.
	TickInterval time.Duration

	// MaxMessageSize bounds a single UDP read (PCP caps messages at
	// 1100 bytes; this covers PCP/NAT-PMP/SSDP with headroom).
	MaxMessageSize int
}

// LifecycleConfig tunes retry/backoff/timeout orchestration (spec.md
// §4.5).
type LifecycleConfig struct {
	// AttemptTimeout is the per-request timeout before a retry.
	AttemptTimeout time.Duration

	// OverallDeadline bounds a full map/refresh/unmap call across all
	// retries (spec.md §4.5: "default 15s").
	OverallDeadline time.Duration

	// MaxAttempts bounds retries for a single mapping operation.
	MaxAttempts int

	// DefaultLifetime is a default mapping lifetime for callers to use;
	// no code in this module reads it, and a lifetime passed to Map is
	// used as given.
	DefaultLifetime time.Duration
}

// DefaultConfig returns sensible defaults per the RFC-mandated schedules
// referenced in spec.md.
func DefaultConfig() Config {
	return Config{
		EnableNATPMP: true,
		EnablePCP:    true,
		EnableUPnP:   true,
		Discovery: DiscoveryConfig{
			PCPNATPMPPort:        5351,
			InitialProbeTimeout:  3 * time.Second,
			MaxProbeTimeout:      1024 * time.Second,
			MaxProbeRetries:      9,
			SSDPMx:               3,
			ProbeCacheTTL:        2 * time.Minute,
			MaxConcurrentProbes:  8,
		},
		Mux: MuxConfig{
			SendBufferCap:  64 * 1024,
			TickInterval:   50 * time.Millisecond,
			MaxMessageSize: 1500,
		},
		Lifecycle: LifecycleConfig{
			AttemptTimeout:  3 * time.Second,
			OverallDeadline: 15 * time.Second,
			MaxAttempts:     5,
			DefaultLifetime: 2 * time.Hour,
		},
	}
}
