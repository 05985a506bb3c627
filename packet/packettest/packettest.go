// Package packettest builds IPv4 packets for tests.
package packettest

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func ipv4(proto tcpip.TransportProtocolNumber, src, dst netip.Addr, transportLen int) []byte {
	total := header.IPv4MinimumSize + transportLen
	pkt := make([]byte, total)
	ip := header.IPv4(pkt)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(total),
		TTL:         64,
		Protocol:    uint8(proto),
		SrcAddr:     tcpip.AddrFrom4(src.As4()),
		DstAddr:     tcpip.AddrFrom4(dst.As4()),
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	return pkt
}

// TCP returns an IPv4/TCP packet with a 20 byte TCP header.
func TCP(src, dst netip.AddrPort, flags header.TCPFlags, payload []byte) []byte {
	pkt := ipv4(header.TCPProtocolNumber, src.Addr(), dst.Addr(), header.TCPMinimumSize+len(payload))
	tcp := header.TCP(pkt[header.IPv4MinimumSize:])
	tcp.Encode(&header.TCPFields{
		SrcPort:    src.Port(),
		DstPort:    dst.Port(),
		SeqNum:     1,
		DataOffset: header.TCPMinimumSize,
		Flags:      flags,
		WindowSize: 65535,
	})
	copy(pkt[header.IPv4MinimumSize+header.TCPMinimumSize:], payload)
	return pkt
}

// UDP returns an IPv4/UDP packet.
func UDP(src, dst netip.AddrPort, payload []byte) []byte {
	pkt := ipv4(header.UDPProtocolNumber, src.Addr(), dst.Addr(), header.UDPMinimumSize+len(payload))
	udp := header.UDP(pkt[header.IPv4MinimumSize:])
	udp.Encode(&header.UDPFields{
		SrcPort: src.Port(),
		DstPort: dst.Port(),
		Length:  uint16(header.UDPMinimumSize + len(payload)),
	})
	copy(pkt[header.IPv4MinimumSize+header.UDPMinimumSize:], payload)
	return pkt
}

// ICMP returns an IPv4/ICMP packet of the given type with a valid checksum.
func ICMP(typ header.ICMPv4Type, src, dst netip.Addr, ident, seq uint16, payload []byte) []byte {
	pkt := ipv4(header.ICMPv4ProtocolNumber, src, dst, header.ICMPv4MinimumSize+len(payload))
	icmp := header.ICMPv4(pkt[header.IPv4MinimumSize:])
	icmp.SetType(typ)
	icmp.SetCode(0)
	icmp.SetIdent(ident)
	icmp.SetSequence(seq)
	copy(pkt[header.IPv4MinimumSize+header.ICMPv4MinimumSize:], payload)
	icmp.SetChecksum(0)
	icmp.SetChecksum(^checksum.Checksum(icmp, 0))
	return pkt
}

// Echo returns an ICMP echo request.
func Echo(src, dst netip.Addr, ident, seq uint16, payload []byte) []byte {
	return ICMP(header.ICMPv4Echo, src, dst, ident, seq, payload)
}
