package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments and helpers for relay metrics.
//
// Counters end with _total, durations are in seconds, sizes in bytes.
// Only low-cardinality stable labels are used: direction, result, reason,
// op, state.
var (
	initOnce sync.Once
	initErr  error

	meter metric.Meter

	// Traffic
	mTrafficBytes metric.Int64Counter
	mTrafficSpeed metric.Int64ObservableGauge

	// Packets
	mPacketsDropped metric.Int64Counter
	mDeviceErrors   metric.Int64Counter

	// SOCKS5
	mSocksConnects       metric.Int64Counter
	mSocksConnectLatency metric.Float64Histogram

	// Flows
	mFlowsActive metric.Int64ObservableGauge
	mFlowCloses  metric.Int64Counter

	// Build info
	mBuildInfo    metric.Int64ObservableGauge
	mEngineStarts metric.Int64Counter

	buildVersion string
	buildCommit  string
)

// attrsWithProfile appends the global profile label when present.
func attrsWithProfile(extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(extra)+1)
	attrs = append(attrs, extra...)
	attrs = append(attrs, profileAttrs()...)
	return attrs
}

// registerInstruments creates the instruments once. Init calls it after the
// meter provider is installed; helpers used before Init fall back to the
// global meter, which delegates to the provider once one is set.
func registerInstruments() error {
	initOnce.Do(func() {
		meter = otel.Meter("tunrelay")
		initErr = buildInstruments()
	})
	return initErr
}

func buildInstruments() error {
	var err error

	// Traffic
	mTrafficBytes, err = meter.Int64Counter("tunrelay_traffic_bytes_total",
		metric.WithDescription("Relayed bytes by direction"),
		metric.WithUnit("By"))
	if err != nil {
		return err
	}
	mTrafficSpeed, err = meter.Int64ObservableGauge("tunrelay_traffic_speed_bytes_per_second",
		metric.WithDescription("Traffic rate over the last monitor interval"),
		metric.WithUnit("By/s"))
	if err != nil {
		return err
	}

	// Packets
	mPacketsDropped, err = meter.Int64Counter("tunrelay_packets_dropped_total",
		metric.WithDescription("Packets read from the tun device and not relayed"))
	if err != nil {
		return err
	}
	mDeviceErrors, err = meter.Int64Counter("tunrelay_device_errors_total",
		metric.WithDescription("Tun device read/write errors"))
	if err != nil {
		return err
	}

	// SOCKS5
	mSocksConnects, err = meter.Int64Counter("tunrelay_socks_connect_total",
		metric.WithDescription("SOCKS5 connect attempts by result"))
	if err != nil {
		return err
	}
	mSocksConnectLatency, err = meter.Float64Histogram("tunrelay_socks_connect_latency_seconds",
		metric.WithDescription("SOCKS5 dial plus handshake latency in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}

	// Flows
	mFlowsActive, _ = meter.Int64ObservableGauge("tunrelay_flows_active",
		metric.WithDescription("Flows by state (relaying/connecting)"))
	mFlowCloses, _ = meter.Int64Counter("tunrelay_flow_closes_total",
		metric.WithDescription("Closed flows by reason"))

	// Build info gauge (value 1 with version/commit attributes)
	mBuildInfo, _ = meter.Int64ObservableGauge("tunrelay_build_info",
		metric.WithDescription("Build information (value is always 1)"))
	mEngineStarts, _ = meter.Int64Counter("tunrelay_engine_starts_total",
		metric.WithDescription("Relay engine starts"))

	if _, e := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if buildVersion == "" && buildCommit == "" {
			return nil
		}
		attrs := []attribute.KeyValue{}
		if buildVersion != "" {
			attrs = append(attrs, attribute.String("version", buildVersion))
		}
		if buildCommit != "" {
			attrs = append(attrs, attribute.String("commit", buildCommit))
		}
		attrs = append(attrs, profileAttrs()...)
		o.ObserveInt64(mBuildInfo, 1, metric.WithAttributes(attrs...))
		return nil
	}, mBuildInfo); e != nil {
		// forward to global OTel error handler; build_info will be missing
		otel.Handle(e)
	}
	return nil
}

// ensure makes helpers safe to call before Init.
func ensure() bool {
	return registerInstruments() == nil
}

var (
	flowObsOnce  sync.Once
	speedObsOnce sync.Once
)

// SetFlowObservableCallback registers the callback reporting flow gauges.
// Only the first registration takes effect.
func SetFlowObservableCallback(cb func(context.Context, metric.Observer) error) {
	if !ensure() {
		return
	}
	flowObsOnce.Do(func() {
		if _, e := meter.RegisterCallback(cb, mFlowsActive); e != nil {
			otel.Handle(e)
		}
	})
}

// SetSpeedObservableCallback registers the callback reporting traffic rates.
func SetSpeedObservableCallback(cb func(context.Context, metric.Observer) error) {
	if !ensure() {
		return
	}
	speedObsOnce.Do(func() {
		if _, e := meter.RegisterCallback(cb, mTrafficSpeed); e != nil {
			otel.Handle(e)
		}
	})
}

// RegisterBuildInfo sets the labels reported by tunrelay_build_info.
func RegisterBuildInfo(version, commit string) {
	buildVersion = version
	buildCommit = commit
}

func IncEngineStart(ctx context.Context) {
	if !ensure() {
		return
	}
	mEngineStarts.Add(ctx, 1, metric.WithAttributes(profileAttrs()...))
}

func AddTrafficBytes(ctx context.Context, direction string, n int64) {
	if !ensure() {
		return
	}
	mTrafficBytes.Add(ctx, n, metric.WithAttributes(attrsWithProfile(
		attribute.String("direction", direction),
	)...))
}

// AddTrafficBytesSet adds bytes using a pre-built attribute.Set to avoid per-call allocations.
func AddTrafficBytesSet(ctx context.Context, n int64, attrs attribute.Set) {
	if !ensure() {
		return
	}
	mTrafficBytes.Add(ctx, n, metric.WithAttributeSet(attrs))
}

func IncPacketDropped(ctx context.Context, reason string) {
	if !ensure() {
		return
	}
	mPacketsDropped.Add(ctx, 1, metric.WithAttributes(attrsWithProfile(
		attribute.String("reason", reason),
	)...))
}

func IncDeviceError(ctx context.Context, op string) {
	if !ensure() {
		return
	}
	mDeviceErrors.Add(ctx, 1, metric.WithAttributes(attrsWithProfile(
		attribute.String("op", op),
	)...))
}

func IncSocksConnect(ctx context.Context, result string) {
	if !ensure() {
		return
	}
	mSocksConnects.Add(ctx, 1, metric.WithAttributes(attrsWithProfile(
		attribute.String("result", result),
	)...))
}

func ObserveSocksConnectLatency(ctx context.Context, result string, seconds float64) {
	if !ensure() {
		return
	}
	mSocksConnectLatency.Record(ctx, seconds, metric.WithAttributes(attrsWithProfile(
		attribute.String("result", result),
	)...))
}

func IncFlowClose(ctx context.Context, reason string) {
	if !ensure() {
		return
	}
	mFlowCloses.Add(ctx, 1, metric.WithAttributes(attrsWithProfile(
		attribute.String("reason", reason),
	)...))
}

// --- Observable helpers ---

func ObserveFlowsActiveObs(o metric.Observer, state string, value int64) {
	o.ObserveInt64(mFlowsActive, value, metric.WithAttributes(attrsWithProfile(
		attribute.String("state", state),
	)...))
}

func ObserveTrafficSpeedObs(o metric.Observer, direction string, value int64) {
	o.ObserveInt64(mTrafficSpeed, value, metric.WithAttributes(attrsWithProfile(
		attribute.String("direction", direction),
	)...))
}
