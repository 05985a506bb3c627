package packet

import (
	"fmt"
	"net/netip"
)

// FlowKey identifies one logical connection. It is comparable and is used
// directly as a map key.
type FlowKey struct {
	Transport Protocol
	Src       netip.AddrPort
	Dst       netip.AddrPort
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s %s->%s", k.Transport, k.Src, k.Dst)
}
