package packet

import (
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// EchoOptions controls how echo replies are synthesized.
type EchoOptions struct {
	// Checksum recomputes the ICMP checksum. When false the checksum field is
	// left zeroed.
	Checksum bool
}

// EchoReply answers an ICMP echo request locally. b must be the buffer v was
// classified from. The reply is a fresh buffer: the type is set to echo reply,
// source and destination addresses are swapped and the ICMP checksum is zeroed
// (or recomputed, see EchoOptions). Any other ICMP type yields no reply.
func EchoReply(v View, b []byte, opts EchoOptions) ([]byte, bool) {
	if v.Protocol != ProtocolICMP || v.Length > len(b) || v.HeaderLen+header.ICMPv4MinimumSize > v.Length {
		return nil, false
	}
	if header.ICMPv4(b[v.HeaderLen:v.Length]).Type() != header.ICMPv4Echo {
		return nil, false
	}

	reply := make([]byte, v.Length)
	copy(reply, b[:v.Length])

	ip := header.IPv4(reply)
	src, dst := ip.SourceAddress(), ip.DestinationAddress()
	ip.SetSourceAddress(dst)
	ip.SetDestinationAddress(src)

	icmp := header.ICMPv4(reply[v.HeaderLen:])
	icmp.SetType(header.ICMPv4EchoReply)
	icmp.SetChecksum(0)
	if opts.Checksum {
		icmp.SetChecksum(^checksum.Checksum(icmp, 0))
	}
	return reply, true
}
