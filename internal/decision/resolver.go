package decision

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

var ErrNoIPv4 = errors.New("decision: host has no ipv4 address")

// Resolver maps a hostname to one IPv4 address, like dnsResolve in a PAC host.
type Resolver interface {
	ResolveIPv4(ctx context.Context, host string) (netip.Addr, error)
}

type ResolverFunc func(ctx context.Context, host string) (netip.Addr, error)

func (f ResolverFunc) ResolveIPv4(ctx context.Context, host string) (netip.Addr, error) {
	return f(ctx, host)
}

// NetResolver resolves through a *net.Resolver; a nil Resolver uses net.DefaultResolver.
type NetResolver struct {
	Resolver *net.Resolver
}

func (r NetResolver) ResolveIPv4(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if !addr.Unmap().Is4() {
			return netip.Addr{}, fmt.Errorf("%w: %s", ErrNoIPv4, host)
		}
		return addr.Unmap(), nil
	}

	resolver := r.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, addr := range addrs {
		if addr.Unmap().Is4() {
			return addr.Unmap(), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: %s", ErrNoIPv4, host)
}
