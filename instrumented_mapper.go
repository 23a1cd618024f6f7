package portmap

import (
	"context"
	"time"

	"github.com/natgateway/portmap/internal/metrics"
	"github.com/natgateway/portmap/pkg/interfaces"
	"github.com/natgateway/portmap/pkg/types"
)

// instrumentedMapper wraps a Mapper from one of the four protocol
// drivers and records every Map/Refresh/Unmap outcome into a
// metrics.Recorder, the way the teacher's BandwidthCounter wraps a
// conn to observe traffic without changing its behavior.
type instrumentedMapper struct {
	interfaces.Mapper
	rec *metrics.Recorder
}

func instrument(m interfaces.Mapper, rec *metrics.Recorder) interfaces.Mapper {
	return &instrumentedMapper{Mapper: m, rec: rec}
}

func (i *instrumentedMapper) Map(ctx context.Context, portType types.PortType, internalPort, suggestedExternalPort int, lifetime time.Duration) (types.MappedPort, error) {
	i.rec.IncMapAttempt()
	mapped, err := i.Mapper.Map(ctx, portType, internalPort, suggestedExternalPort, lifetime)
	i.record(err)
	return mapped, err
}

func (i *instrumentedMapper) Refresh(ctx context.Context, port types.MappedPort, lifetime time.Duration) (types.MappedPort, error) {
	i.rec.IncMapAttempt()
	mapped, err := i.Mapper.Refresh(ctx, port, lifetime)
	i.record(err)
	return mapped, err
}

func (i *instrumentedMapper) Unmap(ctx context.Context, port types.MappedPort) error {
	err := i.Mapper.Unmap(ctx, port)
	if err == nil {
		i.rec.DecActiveMapping()
	}
	return err
}

func (i *instrumentedMapper) record(err error) {
	if err == nil {
		i.rec.IncMapSuccess()
		return
	}
	if typed, ok := err.(*types.Error); ok && typed.Kind == types.KindTimeout {
		i.rec.IncMapTimeout()
		return
	}
	i.rec.IncMapFailure()
}
