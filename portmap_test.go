package portmap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natgateway/portmap/internal/metrics"
	"github.com/natgateway/portmap/pkg/types"
)

type fakeMapper struct {
	mapErr   error
	unmapErr error
}

func (f *fakeMapper) Protocol() types.ProtocolTag { return types.ProtocolPCP }
func (f *fakeMapper) Gateway() string             { return "192.0.2.1" }

func (f *fakeMapper) Map(ctx context.Context, portType types.PortType, internalPort, suggestedExternalPort int, lifetime time.Duration) (types.MappedPort, error) {
	if f.mapErr != nil {
		return types.MappedPort{}, f.mapErr
	}
	return types.MappedPort{PortType: portType, InternalPort: internalPort, ExternalPort: internalPort, LifetimeSeconds: uint32(lifetime.Seconds())}, nil
}

func (f *fakeMapper) Refresh(ctx context.Context, port types.MappedPort, lifetime time.Duration) (types.MappedPort, error) {
	return f.Map(ctx, port.PortType, port.InternalPort, port.ExternalPort, lifetime)
}

func (f *fakeMapper) Unmap(ctx context.Context, port types.MappedPort) error { return f.unmapErr }
func (f *fakeMapper) Close() error                                          { return nil }

func TestInstrumentedMapperRecordsSuccessfulMap(t *testing.T) {
	rec := metrics.New()
	m := instrument(&fakeMapper{}, rec)

	_, err := m.Map(context.Background(), types.TCP, 8080, 0, time.Hour)
	require.NoError(t, err)

	snap := rec.Snapshot()
	assert.Equal(t, uint64(1), snap.MapAttempts)
	assert.Equal(t, uint64(1), snap.MapSuccesses)
	assert.Equal(t, int64(1), snap.ActiveMappings)
}

func TestInstrumentedMapperRecordsTimeoutSeparatelyFromFailure(t *testing.T) {
	rec := metrics.New()
	m := instrument(&fakeMapper{mapErr: types.NewError("Map", types.KindTimeout, nil)}, rec)

	_, err := m.Map(context.Background(), types.TCP, 8080, 0, time.Hour)
	require.Error(t, err)

	snap := rec.Snapshot()
	assert.Equal(t, uint64(1), snap.MapTimeouts)
	assert.Equal(t, uint64(0), snap.MapFailures)
}

func TestInstrumentedMapperUnmapDecrementsActiveGauge(t *testing.T) {
	rec := metrics.New()
	m := instrument(&fakeMapper{}, rec)

	_, err := m.Map(context.Background(), types.TCP, 8080, 0, time.Hour)
	require.NoError(t, err)
	require.NoError(t, m.Unmap(context.Background(), types.MappedPort{}))

	assert.Equal(t, int64(0), rec.Snapshot().ActiveMappings)
}

func TestClientDiscoverBeforeStartReturnsErrNotStarted(t *testing.T) {
	c := New()
	_, err := c.Discover(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestClientDoubleStartReturnsErrAlreadyStarted(t *testing.T) {
	c := New()
	require.NoError(t, c.Start())
	defer c.Close()
	assert.ErrorIs(t, c.Start(), ErrAlreadyStarted)
}

func TestClientMethodsAfterCloseReturnErrClosed(t *testing.T) {
	c := New()
	require.NoError(t, c.Start())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Discover(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Start(), ErrClosed)
}
