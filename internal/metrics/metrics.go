// Package metrics is a small in-process counters/gauges surface for
// mapping activity (SPEC_FULL.md §10 "Ambient stack"). It carries no
// protocol semantics and pulls in no external metrics dependency —
// see DESIGN.md for why prometheus/client_golang was considered and
// rejected for a library whose caller, not this repo, owns the metrics
// backend.
package metrics

import "sync"

// Snapshot is a point-in-time copy of every counter/gauge.
type Snapshot struct {
	MapAttempts    uint64
	MapSuccesses   uint64
	MapTimeouts    uint64
	MapFailures    uint64
	ActiveMappings int64
}

// Recorder accumulates mapping activity from the instrumented Mapper
// wrappers the root package's Client hands out. Safe for concurrent use.
type Recorder struct {
	mu             sync.Mutex
	mapAttempts    uint64
	mapSuccesses   uint64
	mapTimeouts    uint64
	mapFailures    uint64
	activeMappings int64
}

// New returns a zeroed Recorder.
func New() *Recorder { return &Recorder{} }

// IncMapAttempt records one Map/Refresh call being started.
func (r *Recorder) IncMapAttempt() {
	r.mu.Lock()
	r.mapAttempts++
	r.mu.Unlock()
}

// IncMapSuccess records a successful Map/Refresh and increments the
// active mapping gauge.
func (r *Recorder) IncMapSuccess() {
	r.mu.Lock()
	r.mapSuccesses++
	r.activeMappings++
	r.mu.Unlock()
}

// IncMapTimeout records a Map/Refresh attempt that exhausted its retry
// schedule on timeouts.
func (r *Recorder) IncMapTimeout() {
	r.mu.Lock()
	r.mapTimeouts++
	r.mu.Unlock()
}

// IncMapFailure records a non-timeout terminal failure.
func (r *Recorder) IncMapFailure() {
	r.mu.Lock()
	r.mapFailures++
	r.mu.Unlock()
}

// DecActiveMapping records a mapping going away through a successful
// Unmap.
func (r *Recorder) DecActiveMapping() {
	r.mu.Lock()
	r.activeMappings--
	r.mu.Unlock()
}

// Snapshot returns a consistent point-in-time copy of every metric.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		MapAttempts:    r.mapAttempts,
		MapSuccesses:   r.mapSuccesses,
		MapTimeouts:    r.mapTimeouts,
		MapFailures:    r.mapFailures,
		ActiveMappings: r.activeMappings,
	}
}
