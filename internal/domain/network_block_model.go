package domain

import "net/netip"

// NetworkBlock is the canonical form of an AllocationRecord: the network address
// with host bits cleared and the matching dotted-decimal netmask.
type NetworkBlock struct {
	Network netip.Addr
	Netmask netip.Addr
	Bits    int
}

func (b NetworkBlock) Prefix() netip.Prefix {
	return netip.PrefixFrom(b.Network, b.Bits)
}

func (b NetworkBlock) String() string {
	return b.Network.String() + "/" + b.Netmask.String()
}
