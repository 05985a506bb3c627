package packet

import (
	"errors"
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var (
	// ErrMalformed is returned for buffers that cannot hold the headers they claim.
	ErrMalformed = errors.New("malformed packet")
	// ErrUnsupported is returned for well-formed packets the relay does not handle:
	// IPv6, unknown IP versions and transports other than TCP, UDP and ICMP.
	ErrUnsupported = errors.New("unsupported packet")
)

// Protocol is an IP protocol number
type Protocol uint8

const (
	ProtocolICMP Protocol = Protocol(header.ICMPv4ProtocolNumber)
	ProtocolTCP  Protocol = Protocol(header.TCPProtocolNumber)
	ProtocolUDP  Protocol = Protocol(header.UDPProtocolNumber)
)

func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	}
	return fmt.Sprintf("proto(%d)", uint8(p))
}

// View is a read-only interpretation of one IP packet.
type View struct {
	Version  int
	Protocol Protocol
	Src      netip.Addr
	Dst      netip.Addr

	// HeaderLen is the IPv4 header length, 4 * IHL. The transport header
	// starts at this offset.
	HeaderLen int

	// SrcPort and DstPort are set for TCP and UDP.
	SrcPort uint16
	DstPort uint16

	// Flags holds the TCP control bits.
	Flags header.TCPFlags

	// DataOffset is where the transport payload begins: past the TCP or UDP
	// header, or HeaderLen for ICMP.
	DataOffset int

	// Length is the number of bytes of the buffer that belong to the packet.
	// It is shorter than the buffer when the IPv4 total length excludes
	// trailing padding.
	Length int
}

// Classify parses b as an IP packet. A non-nil error wrapping ErrMalformed or
// ErrUnsupported means the packet must be dropped. For ErrUnsupported the
// returned View carries whatever fields were decoded, for logging.
func Classify(b []byte) (View, error) {
	var v View
	if len(b) < header.IPv4MinimumSize {
		return v, fmt.Errorf("%w: %d bytes is shorter than an IPv4 header", ErrMalformed, len(b))
	}

	v.Version = header.IPVersion(b)
	switch v.Version {
	case header.IPv4Version:
	case header.IPv6Version:
		return v, fmt.Errorf("%w: ipv6", ErrUnsupported)
	default:
		return v, fmt.Errorf("%w: ip version %d", ErrUnsupported, v.Version)
	}

	ip := header.IPv4(b)
	v.HeaderLen = int(ip.HeaderLength())
	if v.HeaderLen < header.IPv4MinimumSize {
		return v, fmt.Errorf("%w: header length %d", ErrMalformed, v.HeaderLen)
	}
	if v.HeaderLen > len(b) {
		return v, fmt.Errorf("%w: header length %d exceeds %d byte buffer", ErrMalformed, v.HeaderLen, len(b))
	}

	v.Length = len(b)
	if total := int(ip.TotalLength()); total >= v.HeaderLen && total < len(b) {
		v.Length = total
	}

	v.Protocol = Protocol(ip.Protocol())
	v.Src = netip.AddrFrom4(ip.SourceAddress().As4())
	v.Dst = netip.AddrFrom4(ip.DestinationAddress().As4())
	v.DataOffset = v.HeaderLen

	transport := b[v.HeaderLen:v.Length]
	switch v.Protocol {
	case ProtocolTCP:
		if len(transport) < header.TCPMinimumSize {
			return v, fmt.Errorf("%w: truncated tcp header (%d bytes)", ErrMalformed, len(transport))
		}
		tcp := header.TCP(transport)
		v.SrcPort = tcp.SourcePort()
		v.DstPort = tcp.DestinationPort()
		v.Flags = tcp.Flags()
		off := int(tcp.DataOffset())
		if off < header.TCPMinimumSize || off > len(transport) {
			return v, fmt.Errorf("%w: tcp data offset %d", ErrMalformed, off)
		}
		v.DataOffset = v.HeaderLen + off
	case ProtocolUDP:
		if len(transport) < header.UDPMinimumSize {
			return v, fmt.Errorf("%w: truncated udp header (%d bytes)", ErrMalformed, len(transport))
		}
		udp := header.UDP(transport)
		v.SrcPort = udp.SourcePort()
		v.DstPort = udp.DestinationPort()
		v.DataOffset = v.HeaderLen + header.UDPMinimumSize
	case ProtocolICMP:
		if len(transport) < header.ICMPv4MinimumSize {
			return v, fmt.Errorf("%w: truncated icmp header (%d bytes)", ErrMalformed, len(transport))
		}
	default:
		return v, fmt.Errorf("%w: protocol %d", ErrUnsupported, uint8(v.Protocol))
	}
	return v, nil
}

// Payload returns the transport payload of b described by v.
func (v View) Payload(b []byte) []byte {
	if v.DataOffset >= v.Length || v.Length > len(b) {
		return nil
	}
	return b[v.DataOffset:v.Length]
}

// SYN reports whether the TCP SYN bit is set.
func (v View) SYN() bool { return v.Flags.Contains(header.TCPFlagSyn) }

// FIN reports whether the TCP FIN bit is set.
func (v View) FIN() bool { return v.Flags.Contains(header.TCPFlagFin) }

// RST reports whether the TCP RST bit is set.
func (v View) RST() bool { return v.Flags.Contains(header.TCPFlagRst) }

// FlowKey returns the flow identity of a TCP or UDP packet.
func (v View) FlowKey() (FlowKey, bool) {
	if v.Protocol != ProtocolTCP && v.Protocol != ProtocolUDP {
		return FlowKey{}, false
	}
	return FlowKey{
		Transport: v.Protocol,
		Src:       netip.AddrPortFrom(v.Src, v.SrcPort),
		Dst:       netip.AddrPortFrom(v.Dst, v.DstPort),
	}, true
}

func (v View) String() string {
	switch v.Protocol {
	case ProtocolTCP, ProtocolUDP:
		return fmt.Sprintf("%s %s:%d -> %s:%d", v.Protocol, v.Src, v.SrcPort, v.Dst, v.DstPort)
	}
	return fmt.Sprintf("%s %s -> %s", v.Protocol, v.Src, v.Dst)
}
