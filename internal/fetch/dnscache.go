package fetch

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// dnsEntry is one cached lookup result.
type dnsEntry struct {
	addrs   []string
	expires time.Time
}

// dnsCache resolves hostnames to IPv4 addresses and remembers the answers for
// a fixed TTL. Upstream bulletins sit behind stable hosts, so a short cache
// keeps the per-cycle request burst from hammering the resolver. A zero TTL
// disables caching.
type dnsCache struct {
	ttl      time.Duration
	resolver *net.Resolver
	entries  *xsync.Map[string, dnsEntry]
}

func newDNSCache(ttl time.Duration) *dnsCache {
	return &dnsCache{
		ttl:      ttl,
		resolver: net.DefaultResolver,
		entries:  xsync.NewMap[string, dnsEntry](),
	}
}

// lookup returns the IPv4 addresses for host, from cache when fresh.
func (c *dnsCache) lookup(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() == nil {
			return nil, fmt.Errorf("fetch: %s is not an IPv4 address", host)
		}
		return []string{host}, nil
	}

	now := time.Now()
	if c.ttl > 0 {
		if entry, ok := c.entries.Load(host); ok && now.Before(entry.expires) {
			return entry.addrs, nil
		}
	}

	ips, err := c.resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("fetch: no IPv4 address for %s", host)
	}
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.String())
	}
	if c.ttl > 0 {
		c.entries.Store(host, dnsEntry{addrs: addrs, expires: now.Add(c.ttl)})
	}
	return addrs, nil
}

// dialContext resolves through the cache and dials each address in order
// until one connects. The dial is IPv4 only.
func (c *dnsCache) dialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		addrs, err := c.lookup(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, a := range addrs {
			conn, err := dialer.DialContext(ctx, "tcp4", net.JoinHostPort(a, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}
