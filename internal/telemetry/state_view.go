package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
)

// FlowView provides a read-only view of the relay's flows for observable
// gauges. Implementations must be concurrency-safe and must not block.
// *relay.Engine implements it.
type FlowView interface {
	// Flows returns the number of flows relaying through the proxy.
	Flows() int
	// Connecting returns the number of flows waiting on a proxy connect.
	Connecting() int
}

// SpeedView exposes the most recent traffic rates in bytes per second.
type SpeedView interface {
	Speeds() (upload, download uint64)
}

var (
	flowView  atomic.Value // of type FlowView
	speedView atomic.Value // of type SpeedView
)

// RegisterFlowView sets the FlowView used by the flow gauge callback.
func RegisterFlowView(v FlowView) {
	if v == nil {
		return
	}
	flowView.Store(v)
	SetFlowObservableCallback(func(ctx context.Context, o metric.Observer) error {
		fv, ok := flowView.Load().(FlowView)
		if !ok {
			return nil
		}
		ObserveFlowsActiveObs(o, "relaying", int64(fv.Flows()))
		ObserveFlowsActiveObs(o, "connecting", int64(fv.Connecting()))
		return nil
	})
}

// RegisterSpeedView sets the SpeedView used by the traffic rate callback.
func RegisterSpeedView(v SpeedView) {
	if v == nil {
		return
	}
	speedView.Store(v)
	SetSpeedObservableCallback(func(ctx context.Context, o metric.Observer) error {
		sv, ok := speedView.Load().(SpeedView)
		if !ok {
			return nil
		}
		up, down := sv.Speeds()
		ObserveTrafficSpeedObs(o, "upload", int64(up))
		ObserveTrafficSpeedObs(o, "download", int64(down))
		return nil
	})
}
