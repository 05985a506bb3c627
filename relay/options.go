package relay

import (
	"context"
	"net"
	"time"

	"github.com/tunelapp/tunrelay/packet"
)

const (
	// MTU of the TUN interface the engine expects.
	MTU = 1500
	// ReadBufferSize is the device read buffer.
	ReadBufferSize = 32768
	// ReturnBufferSize is the per-session proxy read buffer.
	ReturnBufferSize = 4096

	DefaultDeviceRetryDelay = 100 * time.Millisecond
)

// Sink receives traffic accounting. Implementations must be safe for
// concurrent use.
type Sink interface {
	RecordUpload(n uint64)
	RecordDownload(n uint64)
}

// Dialer opens a proxied stream to host:port. *socks5.Dialer implements it.
type Dialer interface {
	Connect(ctx context.Context, host string, port uint16) (net.Conn, error)
}

// Framer turns bytes read from the proxy into what is written to the device.
type Framer interface {
	Frame(key packet.FlowKey, data []byte) []byte
}

// RawFramer writes proxy bytes to the device unchanged.
type RawFramer struct{}

func (RawFramer) Frame(_ packet.FlowKey, data []byte) []byte { return data }

// Drop reasons reported to the Observer.
const (
	DropMalformed     = "malformed"
	DropUnsupported   = "unsupported"
	DropOversized     = "oversized"
	DropUDP           = "udp_unsupported"
	DropICMPNotEcho   = "icmp_not_echo"
	DropNoSession     = "no_session"
	DropPendingFull   = "pending_full"
	DropConnectFailed = "connect_failed"
	DropStopped       = "engine_stopped"
)

// Flow close reasons reported to the Observer.
const (
	CloseProxyEOF      = "proxy_eof"
	CloseProxyError    = "proxy_error"
	CloseDeviceWrite   = "device_write_error"
	CloseReset         = "reset"
	CloseIdle          = "idle"
	CloseEngineStopped = "engine_stopped"
)

// Observer is told about events the Sink does not cover. Implementations
// must be safe for concurrent use.
type Observer interface {
	PacketDropped(reason string)
	ConnectFinished(key packet.FlowKey, elapsed time.Duration, err error)
	FlowClosed(key packet.FlowKey, reason string)
	DeviceError(op string, err error)
}

type nopObserver struct{}

func (nopObserver) PacketDropped(string)                                 {}
func (nopObserver) ConnectFinished(packet.FlowKey, time.Duration, error) {}
func (nopObserver) FlowClosed(packet.FlowKey, string)                    {}
func (nopObserver) DeviceError(string, error)                            {}

type nopSink struct{}

func (nopSink) RecordUpload(uint64)   {}
func (nopSink) RecordDownload(uint64) {}

// Options tune an Engine. The zero value is usable.
type Options struct {
	// Dialer overrides the SOCKS5 dialer built from the endpoint.
	Dialer Dialer
	// Framer defaults to RawFramer.
	Framer Framer
	// Observer defaults to a no-op.
	Observer Observer

	ConnectTimeout time.Duration
	// DeviceRetryDelay is the pause before retrying a failed device read.
	DeviceRetryDelay time.Duration
	// IdleTimeout evicts sessions without traffic for this long. Zero disables it.
	IdleTimeout time.Duration
	// PendingLimit caps payloads queued on a connecting flow.
	PendingLimit int
	// ICMPChecksum recomputes the checksum of synthesized echo replies
	// instead of leaving it zero.
	ICMPChecksum bool
}
