package packet

import (
	"net/netip"
	"testing"

	"github.com/tunelapp/tunrelay/packet/packettest"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func TestEchoReplySwapsAddresses(t *testing.T) {
	src := netip.MustParseAddr("1.2.3.4")
	dst := netip.MustParseAddr("5.6.7.8")
	req := packettest.Echo(src, dst, 0x1234, 7, []byte("ping"))
	orig := append([]byte(nil), req...)

	v, err := Classify(req)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	reply, ok := EchoReply(v, req, EchoOptions{})
	if !ok {
		t.Fatal("expected a reply")
	}

	if reply[20] != 0 {
		t.Errorf("type byte = %d, want 0", reply[20])
	}
	if got := netip.AddrFrom4([4]byte(reply[12:16])); got != dst {
		t.Errorf("reply source = %s, want %s", got, dst)
	}
	if got := netip.AddrFrom4([4]byte(reply[16:20])); got != src {
		t.Errorf("reply destination = %s, want %s", got, src)
	}
	if reply[22] != 0 || reply[23] != 0 {
		t.Errorf("checksum = %x%x, want zero", reply[22], reply[23])
	}
	if string(req) != string(orig) {
		t.Error("request buffer was modified")
	}

	msg, err := icmp.ParseMessage(1, reply[20:])
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if msg.Type != ipv4.ICMPTypeEchoReply {
		t.Errorf("parsed type = %v, want echo reply", msg.Type)
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok || echo.ID != 0x1234 || echo.Seq != 7 || string(echo.Data) != "ping" {
		t.Errorf("unexpected echo body %+v", msg.Body)
	}
}

func TestEchoReplyChecksumOptIn(t *testing.T) {
	req := packettest.Echo(netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("8.8.8.8"), 1, 2, []byte("abcdefgh"))
	v, _ := Classify(req)

	reply, ok := EchoReply(v, req, EchoOptions{Checksum: true})
	if !ok {
		t.Fatal("expected a reply")
	}
	if checksum.Checksum(reply[20:], 0) != 0xffff {
		t.Error("ICMP checksum does not verify")
	}
	ip := header.IPv4(reply)
	if !ip.IsChecksumValid() {
		t.Error("IP header checksum does not verify after swapping addresses")
	}
}

func TestEchoReplyIgnoresOtherTypes(t *testing.T) {
	src := netip.MustParseAddr("1.2.3.4")
	dst := netip.MustParseAddr("5.6.7.8")
	for _, typ := range []header.ICMPv4Type{header.ICMPv4EchoReply, header.ICMPv4DstUnreachable, header.ICMPv4TimeExceeded} {
		pkt := packettest.ICMP(typ, src, dst, 1, 1, nil)
		v, err := Classify(pkt)
		if err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
		if _, ok := EchoReply(v, pkt, EchoOptions{}); ok {
			t.Errorf("type %d should not produce a reply", typ)
		}
	}

	tcp := packettest.TCP(netip.AddrPortFrom(src, 1), netip.AddrPortFrom(dst, 2), 0, nil)
	v, _ := Classify(tcp)
	if _, ok := EchoReply(v, tcp, EchoOptions{}); ok {
		t.Error("TCP packets should not produce an echo reply")
	}
}
