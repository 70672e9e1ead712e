// Package netblock turns registry allocations into canonical IPv4 network blocks.
package netblock

import (
	"errors"
	"fmt"
	"math/bits"
	"net/netip"

	"pacgen/internal/domain"
)

const (
	MinHostCount uint64 = 1 << 1
	MaxHostCount uint64 = 1 << 31
)

var ErrInvalidAllocationSize = errors.New("netblock: invalid allocation size")

// PrefixLength maps a host count to its prefix length. Only exact powers of two
// in [MinHostCount, MaxHostCount] are accepted.
func PrefixLength(hostCount uint64) (int, error) {
	if hostCount < MinHostCount || hostCount > MaxHostCount || hostCount&(hostCount-1) != 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAllocationSize, hostCount)
	}
	return 32 - bits.TrailingZeros64(hostCount), nil
}

// Netmask returns the dotted-decimal mask with prefixLen leading one bits.
func Netmask(prefixLen int) netip.Addr {
	mask := ^uint32(0) << (32 - prefixLen)
	return netip.AddrFrom4([4]byte{byte(mask >> 24), byte(mask >> 16), byte(mask >> 8), byte(mask)})
}

// Derive computes the block an allocation belongs to. The start address is
// masked again rather than trusted to be aligned.
func Derive(rec domain.AllocationRecord) (domain.NetworkBlock, error) {
	prefixLen, err := PrefixLength(rec.HostCount)
	if err != nil {
		if rec.Line > 0 {
			return domain.NetworkBlock{}, fmt.Errorf("line %d: %w", rec.Line, err)
		}
		return domain.NetworkBlock{}, err
	}
	if !rec.Start.Is4() {
		return domain.NetworkBlock{}, fmt.Errorf("netblock: %s is not an ipv4 address", rec.Start)
	}

	prefix, err := rec.Start.Prefix(prefixLen)
	if err != nil {
		return domain.NetworkBlock{}, fmt.Errorf("netblock: mask %s/%d: %w", rec.Start, prefixLen, err)
	}

	return domain.NetworkBlock{
		Network: prefix.Addr(),
		Netmask: Netmask(prefixLen),
		Bits:    prefixLen,
	}, nil
}
