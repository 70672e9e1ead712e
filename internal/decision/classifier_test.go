package decision

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"pacgen/internal/addresstable"
	"pacgen/internal/domain"
	"pacgen/internal/netblock"
)

const testProxy = "PROXY 127.0.0.1:8080;"

type countingResolver struct {
	mu      sync.Mutex
	answers map[string]netip.Addr
	calls   map[string]int
}

func newCountingResolver(answers map[string]string) *countingResolver {
	r := &countingResolver{answers: make(map[string]netip.Addr), calls: make(map[string]int)}
	for host, ip := range answers {
		r.answers[host] = netip.MustParseAddr(ip)
	}
	return r
}

func (r *countingResolver) ResolveIPv4(_ context.Context, host string) (netip.Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[host]++
	addr, ok := r.answers[host]
	if !ok {
		return netip.Addr{}, errors.New("no such host")
	}
	return addr, nil
}

func (r *countingResolver) set(host, ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers[host] = netip.MustParseAddr(ip)
}

func exampleTable() *addresstable.Table {
	table := addresstable.New()
	table.Put(domain.NetworkBlock{
		Network: netip.MustParseAddr("1.2.3.0"),
		Netmask: netip.MustParseAddr("255.255.255.0"),
		Bits:    24,
	})
	return table
}

func TestClassifyMembership(t *testing.T) {
	resolver := newCountingResolver(map[string]string{
		"inside.example":  "1.2.3.42",
		"outside.example": "1.2.4.1",
	})
	c := NewClassifier(exampleTable(), testProxy, resolver)

	cases := []struct {
		host string
		want Decision
	}{
		{"inside.example", Direct},
		{"outside.example", Decision(testProxy)},
	}
	for _, tc := range cases {
		got, err := c.Classify(context.Background(), tc.host)
		if err != nil {
			t.Fatalf("Classify(%s) returned error: %v", tc.host, err)
		}
		if got != tc.want {
			t.Errorf("Classify(%s) = %q, want %q", tc.host, got, tc.want)
		}
	}
}

func TestClassifyMemoizesPerHost(t *testing.T) {
	resolver := newCountingResolver(map[string]string{"cn.example": "1.2.3.7"})
	c := NewClassifier(exampleTable(), testProxy, resolver)
	ctx := context.Background()

	first, _ := c.Classify(ctx, "cn.example")
	resolver.set("cn.example", "8.8.8.8")
	second, _ := c.Classify(ctx, "cn.example")

	if first != Direct || second != Direct {
		t.Fatalf("Classify decisions = %q, %q; want both DIRECT", first, second)
	}
	if calls := resolver.calls["cn.example"]; calls != 1 {
		t.Fatalf("resolver called %d times, want 1", calls)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}

func TestClassifyResolutionFailureUsesProxy(t *testing.T) {
	resolver := newCountingResolver(nil)
	c := NewClassifier(exampleTable(), testProxy, resolver)

	got, err := c.Classify(context.Background(), "missing.example")
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}
	if got != Decision(testProxy) {
		t.Fatalf("Classify = %q, want proxy", got)
	}

	resolver.set("missing.example", "1.2.3.1")
	again, _ := c.Classify(context.Background(), "missing.example")
	if again != Decision(testProxy) || resolver.calls["missing.example"] != 1 {
		t.Fatalf("failure decision was not memoized: %q after %d calls", again, resolver.calls["missing.example"])
	}
}

func TestClassifyCanceledContextIsNotCached(t *testing.T) {
	resolver := ResolverFunc(func(ctx context.Context, host string) (netip.Addr, error) {
		return netip.Addr{}, ctx.Err()
	})
	c := NewClassifier(exampleTable(), testProxy, resolver)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Classify(ctx, "slow.example"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Classify error = %v, want context.Canceled", err)
	}
	if _, ok := c.Cached("slow.example"); ok {
		t.Fatal("canceled classification was cached")
	}
}

func TestClassifyConcurrentCallers(t *testing.T) {
	const callers = 16

	var calls atomic.Int32
	release := make(chan struct{})
	resolver := ResolverFunc(func(context.Context, string) (netip.Addr, error) {
		calls.Add(1)
		<-release
		return netip.MustParseAddr("1.2.3.4"), nil
	})
	c := NewClassifier(exampleTable(), testProxy, resolver)

	var started, wg sync.WaitGroup
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			if got, _ := c.Classify(context.Background(), "shared.example"); got != Direct {
				t.Errorf("Classify = %q, want DIRECT", got)
			}
		}()
	}
	started.Wait()
	// Give every caller time to join the in-flight lookup before it returns.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("resolver called %d times, want 1", got)
	}
}

func TestClassifyRetriesAfterLeaderCancels(t *testing.T) {
	entered := make(chan struct{})
	var calls atomic.Int32
	resolver := ResolverFunc(func(ctx context.Context, _ string) (netip.Addr, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-ctx.Done()
			return netip.Addr{}, ctx.Err()
		}
		return netip.MustParseAddr("1.2.3.4"), nil
	})
	c := NewClassifier(exampleTable(), testProxy, resolver)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Classify(leaderCtx, "shared.example")
		leaderErr <- err
	}()
	<-entered

	follower := make(chan Decision, 1)
	go func() {
		got, err := c.Classify(context.Background(), "shared.example")
		if err != nil {
			t.Errorf("follower Classify returned error: %v", err)
		}
		follower <- got
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("leader Classify error = %v, want context.Canceled", err)
	}
	if got := <-follower; got != Direct {
		t.Fatalf("follower Classify = %q, want DIRECT", got)
	}
}

func TestNetResolverLiteral(t *testing.T) {
	addr, err := NetResolver{}.ResolveIPv4(context.Background(), "1.2.3.4")
	if err != nil || addr.String() != "1.2.3.4" {
		t.Fatalf("ResolveIPv4(1.2.3.4) = %s, %v", addr, err)
	}
	if _, err := (NetResolver{}).ResolveIPv4(context.Background(), "2001:db8::1"); !errors.Is(err, ErrNoIPv4) {
		t.Fatalf("ResolveIPv4(ipv6) error = %v, want ErrNoIPv4", err)
	}
}

func TestIsInNet(t *testing.T) {
	network := netip.MustParseAddr("1.2.3.0")
	mask := netip.MustParseAddr("255.255.255.0")
	if !IsInNet(netip.MustParseAddr("1.2.3.42"), network, mask) {
		t.Fatal("1.2.3.42 should be inside 1.2.3.0/255.255.255.0")
	}
	if IsInNet(netip.MustParseAddr("1.2.4.1"), network, mask) {
		t.Fatal("1.2.4.1 should be outside 1.2.3.0/255.255.255.0")
	}
}

func drawTable(t *rapid.T) ([]domain.NetworkBlock, *addresstable.Table) {
	n := rapid.IntRange(0, 20).Draw(t, "entries")
	blocks := make([]domain.NetworkBlock, 0, n)
	table := addresstable.New()
	for i := 0; i < n; i++ {
		raw := rapid.Uint32().Draw(t, "start")
		k := rapid.IntRange(1, 24).Draw(t, "k")
		block, err := netblock.Derive(domain.AllocationRecord{
			Start:     netip.AddrFrom4([4]byte{byte(raw >> 24), byte(raw >> 16), byte(raw >> 8), byte(raw)}),
			HostCount: uint64(1) << k,
		})
		if err != nil {
			t.Fatalf("Derive returned error: %v", err)
		}
		// Duplicate networks would make the table depend on insertion order.
		if _, found := table.Get(block.Network.String()); found {
			continue
		}
		blocks = append(blocks, block)
		table.Put(block)
	}
	return blocks, table
}

func TestPrefixLookupMatchesLinearScan(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		_, table := drawTable(t)
		raw := rapid.Uint32().Draw(t, "addr")
		addr := netip.AddrFrom4([4]byte{byte(raw >> 24), byte(raw >> 16), byte(raw >> 8), byte(raw)})

		c := NewClassifier(table, testProxy, ResolverFunc(func(context.Context, string) (netip.Addr, error) {
			return addr, nil
		}))
		got, err := c.Classify(context.Background(), "host")
		if err != nil {
			t.Fatalf("Classify returned error: %v", err)
		}
		if want := MatchesAny(table, addr); (got == Direct) != want {
			t.Fatalf("Classify(%s) = %q, linear scan says domestic=%v", addr, got, want)
		}
	})
}

func TestDecisionIndependentOfOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		blocks, table := drawTable(t)
		shuffled := rapid.Permutation(blocks).Draw(t, "order")
		reordered := addresstable.New()
		for _, b := range shuffled {
			reordered.Put(b)
		}
		raw := rapid.Uint32().Draw(t, "addr")
		addr := netip.AddrFrom4([4]byte{byte(raw >> 24), byte(raw >> 16), byte(raw >> 8), byte(raw)})

		if MatchesAny(table, addr) != MatchesAny(reordered, addr) {
			t.Fatalf("membership of %s depends on table order", addr)
		}
	})
}
