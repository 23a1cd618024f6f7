// Package lifecycle drives the retry/backoff/timeout policy shared by
// every mapper driver's map/refresh/unmap calls (spec.md §4.5): one
// request per attempt, a per-attempt timeout drawn from a schedule, and
// an overall deadline bounding the whole operation regardless of how
// many attempts remain.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/natgateway/portmap/config"
	"github.com/natgateway/portmap/pkg/interfaces"
	"github.com/natgateway/portmap/pkg/lib/log"
	"github.com/natgateway/portmap/pkg/types"
)

var logger = log.Logger("lifecycle")

// Schedule is an ordered list of per-attempt timeouts. Attempt i uses
// Schedule[i]; once the schedule is exhausted the operation gives up.
type Schedule []time.Duration

// RFC6887Schedule is the retry schedule spec.md §4.1.1 mandates for the
// NAT-PMP/PCP discovery probe: initial timeout 3s, exponential backoff
// up to 1024s, max 9 retries (10 attempts total).
func RFC6887Schedule() Schedule {
	return buildSchedule(3*time.Second, 1024*time.Second, 9)
}

// ScheduleFromDiscoveryConfig builds a discovery-probe schedule from
// config values instead of the RFC defaults, for callers that tune
// config.DiscoveryConfig away from DefaultConfig.
func ScheduleFromDiscoveryConfig(cfg config.DiscoveryConfig) Schedule {
	return buildSchedule(cfg.InitialProbeTimeout, cfg.MaxProbeTimeout, cfg.MaxProbeRetries)
}

// ScheduleFromLifecycleConfig builds a mapper-operation schedule: spec.md
// §4.5 gives mapper attempts a uniform per-attempt timeout repeated up to
// MaxAttempts times, rather than the discovery probe's exponential
// backoff.
func ScheduleFromLifecycleConfig(cfg config.LifecycleConfig) Schedule {
	sched := make(Schedule, cfg.MaxAttempts)
	for i := range sched {
		sched[i] = cfg.AttemptTimeout
	}
	return sched
}

func buildSchedule(initial, max time.Duration, retries int) Schedule {
	sched := make(Schedule, 0, retries+1)
	cur := initial
	for i := 0; i <= retries; i++ {
		sched = append(sched, cur)
		cur *= 2
		if cur > max {
			cur = max
		}
	}
	return sched
}

// Retryable reports whether err is a types.Error classified as
// transient (spec.md §4.5): timeout, unreachable and would-block errors
// retry, and so do server failures that carry a retry-after; other
// server failures, malformed responses, usage errors, and unsupported-
// opcode responses fail fast.
func Retryable(err error) bool {
	var typed *types.Error
	if errors.As(err, &typed) {
		return typed.Retryable()
	}
	return false
}

// Attempt is one try at a mapper operation. deadline is the point by
// which this specific attempt (not the overall operation) must finish;
// the caller threads it into whatever mux.Read/mux.Write deadline the
// underlying wire round-trip needs.
type Attempt[T any] func(ctx context.Context, deadline time.Time) (T, error)

// Run executes attempt against schedule, stopping at the first success,
// the first non-retryable error, context cancellation, or once
// overallDeadline has elapsed since Run was called — whichever comes
// first (spec.md §4.5: "each mapping attempt has an overall deadline").
// A retryable error carrying a server-supplied RetryAfter (PCP's
// lifetime-as-retry-interval on failure) sleeps that long before the
// next attempt, per spec.md §4.5's "honor the server-supplied interval".
func Run[T any](ctx context.Context, clk clock.Clock, schedule Schedule, overallDeadline time.Duration, attempt Attempt[T]) (T, error) {
	var zero T
	start := clk.Now()
	overallEnd := start.Add(overallDeadline)

	var lastErr error
	for i, timeout := range schedule {
		if ctx.Err() != nil {
			return zero, types.NewError("lifecycle.Run", types.KindShutdown, ctx.Err())
		}
		now := clk.Now()
		if !now.Before(overallEnd) {
			break
		}

		deadline := now.Add(timeout)
		if deadline.After(overallEnd) {
			deadline = overallEnd
		}

		res, err := attempt(ctx, deadline)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !Retryable(err) {
			return zero, err
		}
		logger.DebugContext(ctx, "attempt failed, retrying", "attempt", i, "err", err)

		var typed *types.Error
		if errors.As(err, &typed) && typed.RetryAfter > 0 {
			wait := time.Duration(typed.RetryAfter) * time.Second
			if remaining := overallEnd.Sub(clk.Now()); wait > remaining {
				wait = remaining
			}
			if wait > 0 {
				clk.Sleep(wait)
			}
		}
	}

	if lastErr != nil {
		return zero, lastErr
	}
	return zero, types.NewError("lifecycle.Run", types.KindTimeout, nil)
}

// CleanupOnFailure attempts a best-effort Unmap of a mapping this
// caller successfully created earlier in a larger operation that then
// failed overall (spec.md §4.5: "a successful map followed by an unmap
// is attempted as best-effort cleanup"). Failures are logged, not
// returned — the caller's original error is what matters.
func CleanupOnFailure(ctx context.Context, m interfaces.Mapper, port types.MappedPort) {
	if !port.Valid() {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := m.Unmap(cctx, port); err != nil {
		logger.WarnContext(ctx, "best-effort cleanup unmap failed",
			"protocol", port.ProtocolTag.String(), "gateway", m.Gateway(), "err", err)
	}
}
