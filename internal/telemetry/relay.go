package telemetry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/tunelapp/tunrelay/packet"
	"github.com/tunelapp/tunrelay/relay"
	"github.com/tunelapp/tunrelay/socks5"
	"go.opentelemetry.io/otel/attribute"
)

var (
	_ relay.Sink     = (*TrafficSink)(nil)
	_ relay.Observer = (*RelayObserver)(nil)
)

// TrafficSink counts relayed bytes into tunrelay_traffic_bytes_total and
// passes them on to next, if set.
type TrafficSink struct {
	ctx      context.Context
	next     relay.Sink
	upload   attribute.Set
	download attribute.Set
}

func NewTrafficSink(next relay.Sink) *TrafficSink {
	return &TrafficSink{
		ctx:      context.Background(),
		next:     next,
		upload:   attribute.NewSet(attrsWithProfile(attribute.String("direction", "upload"))...),
		download: attribute.NewSet(attrsWithProfile(attribute.String("direction", "download"))...),
	}
}

func (s *TrafficSink) RecordUpload(n uint64) {
	AddTrafficBytesSet(s.ctx, int64(n), s.upload)
	if s.next != nil {
		s.next.RecordUpload(n)
	}
}

func (s *TrafficSink) RecordDownload(n uint64) {
	AddTrafficBytesSet(s.ctx, int64(n), s.download)
	if s.next != nil {
		s.next.RecordDownload(n)
	}
}

// RelayObserver records relay engine events as metrics.
type RelayObserver struct {
	ctx context.Context
}

func NewRelayObserver() *RelayObserver {
	return &RelayObserver{ctx: context.Background()}
}

func (o *RelayObserver) PacketDropped(reason string) {
	IncPacketDropped(o.ctx, reason)
}

func (o *RelayObserver) ConnectFinished(_ packet.FlowKey, elapsed time.Duration, err error) {
	result := ConnectResult(err)
	IncSocksConnect(o.ctx, result)
	ObserveSocksConnectLatency(o.ctx, result, elapsed.Seconds())
}

func (o *RelayObserver) FlowClosed(_ packet.FlowKey, reason string) {
	IncFlowClose(o.ctx, reason)
}

func (o *RelayObserver) DeviceError(op string, _ error) {
	IncDeviceError(o.ctx, op)
}

// ConnectResult maps a connect error to the result label.
func ConnectResult(err error) string {
	if err == nil {
		return "success"
	}
	var ne net.Error
	switch {
	case errors.Is(err, socks5.ErrHandshakeRejected):
		return "handshake_rejected"
	case errors.Is(err, socks5.ErrConnectRefused):
		return "connect_refused"
	case errors.Is(err, socks5.ErrInvalidHost):
		return "invalid_host"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	case errors.Is(err, socks5.ErrIO):
		return "io_error"
	}
	return "error"
}
