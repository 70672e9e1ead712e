// Package decision is the Go rendition of the routing decision embedded in the
// generated script: resolve a host once, test it against the domestic table,
// remember the answer for the host name.
package decision

import (
	"context"
	"errors"
	"net/netip"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gaissmai/bart"
	"golang.org/x/sync/singleflight"

	"pacgen/internal/addresstable"
	"pacgen/internal/pac"
)

type Decision string

const Direct Decision = pac.Direct

// Classifier owns its decision cache. Entries are never evicted; a host keeps
// its first decision even if it later resolves elsewhere. Resolution failures
// are routed through the proxy and cached like any other decision.
// Concurrent first queries for one host share a single resolution.
type Classifier struct {
	resolver Resolver
	proxy    Decision
	prefixes *bart.Table[struct{}]
	lookups  singleflight.Group

	mu    sync.Mutex
	cache map[string]Decision
}

func NewClassifier(table *addresstable.Table, proxy string, resolver Resolver) *Classifier {
	if resolver == nil {
		resolver = NetResolver{}
	}

	prefixes := new(bart.Table[struct{}])
	if table != nil {
		for block := range table.Blocks() {
			prefixes.Insert(block.Prefix(), struct{}{})
		}
	}

	return &Classifier{
		resolver: resolver,
		proxy:    Decision(proxy),
		prefixes: prefixes,
		cache:    make(map[string]Decision),
	}
}

// Classify returns the routing decision for host. The only error is a done
// context, in which case nothing is cached.
func (c *Classifier) Classify(ctx context.Context, host string) (Decision, error) {
	for {
		if decision, ok := c.Cached(host); ok {
			return decision, nil
		}

		result, err, shared := c.lookups.Do(host, func() (interface{}, error) {
			return c.resolve(ctx, host)
		})
		if err == nil {
			return result.(Decision), nil
		}
		// The caller that led the shared lookup gave up; try again under ctx.
		if shared && ctx.Err() == nil {
			continue
		}
		return "", err
	}
}

func (c *Classifier) resolve(ctx context.Context, host string) (Decision, error) {
	if decision, ok := c.Cached(host); ok {
		return decision, nil
	}

	addr, err := c.resolver.ResolveIPv4(ctx, host)
	if err != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}

	decision := c.proxy
	switch {
	case err != nil:
		if !errors.Is(err, ErrNoIPv4) {
			log.Debug("Host resolution failed, routing through proxy", "host", host, "error", err)
		}
	case c.prefixes.Contains(addr):
		decision = Direct
	}

	c.mu.Lock()
	c.cache[host] = decision
	c.mu.Unlock()

	return decision, nil
}

func (c *Classifier) Cached(host string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	decision, ok := c.cache[host]
	return decision, ok
}

// Len is the number of memoized hosts.
func (c *Classifier) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// MatchesAny tests addr against every entry with isInNet semantics. It is the
// linear reference for the prefix table lookup.
func MatchesAny(table *addresstable.Table, addr netip.Addr) bool {
	for network, netmask := range table.All() {
		if IsInNet(addr, netip.MustParseAddr(network), netip.MustParseAddr(netmask)) {
			return true
		}
	}
	return false
}

// IsInNet mirrors the PAC builtin: addr & mask == network & mask.
func IsInNet(addr, network, mask netip.Addr) bool {
	if !addr.Is4() || !network.Is4() || !mask.Is4() {
		return false
	}
	m := toUint32(mask)
	return toUint32(addr)&m == toUint32(network)&m
}

func toUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
