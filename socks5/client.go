// Package socks5 implements the client side of a no-authentication SOCKS5
// CONNECT handshake (RFC 1928).
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

const (
	version5       = 0x05
	methodNoAuth   = 0x00
	cmdConnect     = 0x01
	atypIPv4       = 0x01
	atypDomainName = 0x03
	atypIPv6       = 0x04

	// DefaultConnectTimeout bounds dialing the proxy plus the handshake.
	DefaultConnectTimeout = 5 * time.Second
)

// Endpoint is the address of the local SOCKS5 listener.
type Endpoint struct {
	Address string
	Port    uint16
}

// DefaultEndpoint is where the proxy core listens unless configured otherwise.
var DefaultEndpoint = Endpoint{Address: "127.0.0.1", Port: 10808}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(int(e.Port)))
}

// ParseEndpoint parses "host:port".
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid proxy endpoint %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Endpoint{}, fmt.Errorf("invalid proxy port %q", portStr)
	}
	return Endpoint{Address: host, Port: uint16(port)}, nil
}

var (
	// ErrHandshakeRejected matches errors where the proxy refused the
	// no-authentication greeting.
	ErrHandshakeRejected = errors.New("socks5: handshake rejected")
	// ErrConnectRefused matches errors where the proxy answered CONNECT with a
	// non-zero status.
	ErrConnectRefused = errors.New("socks5: connect refused")
	// ErrIO matches errors caused by the proxy connection itself.
	ErrIO = errors.New("socks5: i/o error")
	// ErrInvalidHost matches destinations that cannot be encoded as a domain
	// name address. It is reported wrapped in an *IOError.
	ErrInvalidHost = errors.New("socks5: invalid destination host")
)

// HandshakeRejectedError carries the method-selection reply the proxy sent.
type HandshakeRejectedError struct {
	Reply [2]byte
}

func (e *HandshakeRejectedError) Error() string {
	return fmt.Sprintf("socks5: handshake rejected (reply %#02x %#02x)", e.Reply[0], e.Reply[1])
}

func (e *HandshakeRejectedError) Is(target error) bool { return target == ErrHandshakeRejected }

// ConnectRefusedError carries the CONNECT reply status.
type ConnectRefusedError struct {
	Code byte
}

func (e *ConnectRefusedError) Error() string {
	return fmt.Sprintf("socks5: connect refused: %s (%#02x)", replyText(e.Code), e.Code)
}

func (e *ConnectRefusedError) Is(target error) bool { return target == ErrConnectRefused }

// IOError wraps a failure talking to the proxy.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("socks5: %s: %v", e.Op, e.Err) }

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

var errMalformedReply = errors.New("malformed reply")

func replyText(code byte) string {
	switch code {
	case 0x01:
		return "general failure"
	case 0x02:
		return "connection not allowed by ruleset"
	case 0x03:
		return "network unreachable"
	case 0x04:
		return "host unreachable"
	case 0x05:
		return "connection refused by destination host"
	case 0x06:
		return "TTL expired"
	case 0x07:
		return "command not supported"
	case 0x08:
		return "address type not supported"
	}
	return "unknown error"
}

// Dialer opens proxied connections through one SOCKS5 endpoint.
type Dialer struct {
	Endpoint Endpoint
	// Timeout bounds dialing plus handshake. Zero means DefaultConnectTimeout.
	Timeout time.Duration
	// Dial overrides how the proxy itself is reached.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewDialer returns a Dialer for endpoint with the default timeout.
func NewDialer(endpoint Endpoint) *Dialer {
	return &Dialer{Endpoint: endpoint, Timeout: DefaultConnectTimeout}
}

// Connect dials the proxy and asks it to CONNECT to host:port. On success the
// returned connection carries the application stream. On failure the proxy
// socket has already been closed.
func (d *Dialer) Connect(ctx context.Context, host string, port uint16) (net.Conn, error) {
	if len(host) == 0 || len(host) > 255 {
		return nil, &IOError{Op: "encode request", Err: fmt.Errorf("%w: %d bytes", ErrInvalidHost, len(host))}
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := d.Dial
	if dial == nil {
		var nd net.Dialer
		dial = nd.DialContext
	}
	conn, err := dial(ctx, "tcp", d.Endpoint.String())
	if err != nil {
		return nil, &IOError{Op: "dial " + d.Endpoint.String(), Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Unblock the handshake if ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })

	err = Handshake(conn, host, port)
	if !stop() && err == nil {
		err = &IOError{Op: "handshake", Err: ctx.Err()}
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}

// Handshake runs greeting and CONNECT on an established connection. The
// destination is always sent as a domain name (ATYP 0x03), numeric or not,
// and resolved by the proxy.
func Handshake(rw io.ReadWriter, host string, port uint16) error {
	if _, err := rw.Write([]byte{version5, 1, methodNoAuth}); err != nil {
		return &IOError{Op: "write greeting", Err: err}
	}

	var method [2]byte
	if _, err := io.ReadFull(rw, method[:]); err != nil {
		return &IOError{Op: "read greeting reply", Err: err}
	}
	if method[0] != version5 || method[1] != methodNoAuth {
		return &HandshakeRejectedError{Reply: method}
	}

	req := make([]byte, 0, 7+len(host))
	req = append(req, version5, cmdConnect, 0x00, atypDomainName, byte(len(host)))
	req = append(req, host...)
	req = binary.BigEndian.AppendUint16(req, port)
	if _, err := rw.Write(req); err != nil {
		return &IOError{Op: "write connect request", Err: err}
	}

	var reply [4]byte
	if _, err := io.ReadFull(rw, reply[:]); err != nil {
		return &IOError{Op: "read connect reply", Err: err}
	}
	if reply[1] != 0x00 {
		return &ConnectRefusedError{Code: reply[1]}
	}

	// The bound address is echoed back and not needed.
	var rest int
	switch reply[3] {
	case atypIPv4:
		rest = net.IPv4len + 2
	case atypIPv6:
		rest = net.IPv6len + 2
	case atypDomainName:
		var l [1]byte
		if _, err := io.ReadFull(rw, l[:]); err != nil {
			return &IOError{Op: "read connect reply", Err: err}
		}
		rest = int(l[0]) + 2
	default:
		return &IOError{Op: "read connect reply", Err: fmt.Errorf("%w: address type %#02x", errMalformedReply, reply[3])}
	}
	if _, err := io.ReadFull(rw, make([]byte, rest)); err != nil {
		return &IOError{Op: "read connect reply", Err: err}
	}
	return nil
}
