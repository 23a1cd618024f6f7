package lifecycle

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natgateway/portmap/pkg/types"
)

func TestRFC6887ScheduleDoublesUpToCap(t *testing.T) {
	sched := RFC6887Schedule()
	require.Len(t, sched, 10)
	assert.Equal(t, 3*time.Second, sched[0])
	assert.Equal(t, 6*time.Second, sched[1])
	assert.Equal(t, 12*time.Second, sched[2])
	assert.Equal(t, 1024*time.Second, sched[len(sched)-1])
}

func TestRunSucceedsOnFirstAttempt(t *testing.T) {
	clk := clock.NewMock()
	calls := 0
	got, err := Run(context.Background(), clk, Schedule{time.Second}, 5*time.Second,
		func(ctx context.Context, deadline time.Time) (int, error) {
			calls++
			return 42, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1, calls)
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	clk := clock.NewMock()
	calls := 0
	got, err := Run(context.Background(), clk, Schedule{time.Second, time.Second}, 5*time.Second,
		func(ctx context.Context, deadline time.Time) (string, error) {
			calls++
			if calls == 1 {
				return "", types.NewError("test", types.KindTimeout, nil)
			}
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls)
}

func TestRunStopsOnNonRetryableError(t *testing.T) {
	clk := clock.NewMock()
	calls := 0
	_, err := Run(context.Background(), clk, Schedule{time.Second, time.Second, time.Second}, 5*time.Second,
		func(ctx context.Context, deadline time.Time) (int, error) {
			calls++
			return 0, types.NewFieldError("test", types.KindInvalidArgument, "port")
		})
	require.Error(t, err)
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.KindInvalidArgument, typed.Kind)
	assert.Equal(t, 1, calls)
}

func TestRunGivesUpAfterOverallDeadlineExceeded(t *testing.T) {
	clk := clock.NewMock()
	calls := 0
	sched := Schedule{3 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}
	_, err := Run(context.Background(), clk, sched, 10*time.Second,
		func(ctx context.Context, deadline time.Time) (int, error) {
			calls++
			clk.Add(6 * time.Second) // simulate the attempt consuming wall time
			return 0, types.NewError("test", types.KindTimeout, nil)
		})
	require.Error(t, err)
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.KindTimeout, typed.Kind)
	assert.Equal(t, 2, calls) // 0s and 6s starts fit under 10s; a third would start at 12s
}

func TestRunHonorsServerRetryAfter(t *testing.T) {
	clk := clock.NewMock()
	calls := 0
	start := clk.Now()

	type result struct {
		got int
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		got, err := Run(context.Background(), clk, Schedule{time.Second, time.Second}, 30*time.Second,
			func(ctx context.Context, deadline time.Time) (int, error) {
				calls++
				if calls == 1 {
					return 0, types.NewServerFailure("test", 4, 2)
				}
				return 7, nil
			})
		resultCh <- result{got, err}
	}()

	// Give the first attempt's clk.Sleep(2s) time to register before advancing.
	time.Sleep(20 * time.Millisecond)
	clk.Add(2 * time.Second)

	r := <-resultCh
	require.NoError(t, r.err)
	assert.Equal(t, 7, r.got)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, clk.Now().Sub(start), 2*time.Second)
}

func TestRunFailsWhenContextCancelled(t *testing.T) {
	clk := clock.NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, clk, Schedule{time.Second}, 5*time.Second,
		func(ctx context.Context, deadline time.Time) (int, error) {
			t.Fatal("attempt should not run against a cancelled context")
			return 0, nil
		})
	require.Error(t, err)
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.KindShutdown, typed.Kind)
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, Retryable(types.NewError("x", types.KindTimeout, nil)))
	assert.True(t, Retryable(types.NewError("x", types.KindUnreachable, nil)))
	assert.True(t, Retryable(types.NewServerFailure("x", 1, 5)))
	assert.False(t, Retryable(types.NewServerFailure("x", 1, 0)))
	assert.False(t, Retryable(types.NewError("x", types.KindMalformed, nil)))
	assert.False(t, Retryable(nil))
}

type fakeMapper struct {
	protocol   types.ProtocolTag
	gateway    string
	unmapCalls int
	unmapErr   error
	unmapPort  types.MappedPort
}

func (f *fakeMapper) Protocol() types.ProtocolTag { return f.protocol }
func (f *fakeMapper) Gateway() string             { return f.gateway }
func (f *fakeMapper) Map(ctx context.Context, portType types.PortType, internalPort, suggestedExternalPort int, lifetime time.Duration) (types.MappedPort, error) {
	return types.MappedPort{}, nil
}
func (f *fakeMapper) Refresh(ctx context.Context, port types.MappedPort, lifetime time.Duration) (types.MappedPort, error) {
	return types.MappedPort{}, nil
}
func (f *fakeMapper) Unmap(ctx context.Context, port types.MappedPort) error {
	f.unmapCalls++
	f.unmapPort = port
	return f.unmapErr
}
func (f *fakeMapper) Close() error { return nil }

func TestCleanupOnFailureCallsUnmapForValidPort(t *testing.T) {
	m := &fakeMapper{protocol: types.ProtocolPCP, gateway: "192.168.1.1:5351"}
	port := types.MappedPort{
		InternalPort:    8080,
		ExternalPort:    9090,
		ExternalAddress: netip.MustParseAddr("203.0.113.5"),
		ProtocolTag:     types.ProtocolPCP,
	}
	CleanupOnFailure(context.Background(), m, port)
	assert.Equal(t, 1, m.unmapCalls)
	assert.Equal(t, port, m.unmapPort)
}

func TestCleanupOnFailureSkipsInvalidPort(t *testing.T) {
	m := &fakeMapper{}
	CleanupOnFailure(context.Background(), m, types.MappedPort{InternalPort: 0})
	assert.Equal(t, 0, m.unmapCalls)
}
