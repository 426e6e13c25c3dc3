package fetch

import (
	"context"
	"testing"
	"time"
)

func TestDNSCache_IPLiteralBypassesResolver(t *testing.T) {
	c := newDNSCache(time.Minute)
	addrs, err := c.lookup(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "127.0.0.1" {
		t.Fatalf("addrs: %v", addrs)
	}
}

func TestDNSCache_RejectsIPv6Literal(t *testing.T) {
	c := newDNSCache(time.Minute)
	if _, err := c.lookup(context.Background(), "::1"); err == nil {
		t.Fatalf("IPv6 literal must be rejected, fetches are IPv4 only")
	}
}

func TestDNSCache_CachedEntryServedWithinTTL(t *testing.T) {
	c := newDNSCache(time.Minute)
	c.entries.Store("feed.example.com", dnsEntry{
		addrs:   []string{"192.0.2.10"},
		expires: time.Now().Add(time.Minute),
	})
	addrs, err := c.lookup(context.Background(), "feed.example.com")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "192.0.2.10" {
		t.Fatalf("addrs: %v", addrs)
	}
}

func TestDNSCache_ExpiredEntryIgnored(t *testing.T) {
	c := newDNSCache(time.Minute)
	c.entries.Store("gone.invalid", dnsEntry{
		addrs:   []string{"192.0.2.11"},
		expires: time.Now().Add(-time.Second),
	})
	if _, err := c.lookup(context.Background(), "gone.invalid"); err == nil {
		t.Fatalf("expired entry must force a fresh lookup (which fails for .invalid)")
	}
}
