package proxy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/adblock"
	"github.com/wormhole-proxy/wormhole/wormhole-srv/logger"
)

// hostResolver is the slice of the resolver API the cache needs. The
// concrete implementation lives in the resolver package.
type hostResolver interface {
	ResolveWithTTL(ctx context.Context, host string) ([]string, int, error)
}

type cacheEntry struct {
	ips       []string
	expiresAt time.Time
}

// DNSCache caches resolved address sets per hostname. Entries keep the full
// resolved set and expire after the minimum TTL seen across the answer
// records, or after the configured default when the source has no TTL.
type DNSCache struct {
	resolver   hostResolver
	defaultTTL time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry

	now func() time.Time
}

// NewDNSCache creates a cache in front of resolver. defaultTTL applies when
// the resolver reports no TTL (hosts-file entries, the system resolver) and
// also caps nothing: authoritative TTLs are honored as-is.
func NewDNSCache(resolver hostResolver, defaultTTL time.Duration) *DNSCache {
	return &DNSCache{
		resolver:   resolver,
		defaultTTL: defaultTTL,
		entries:    make(map[string]cacheEntry),
		now:        time.Now,
	}
}

// Lookup returns all addresses for host, from cache when fresh. Hostnames
// are case-insensitive, so the cache keys on the lowercase form.
func (c *DNSCache) Lookup(ctx context.Context, host string) ([]string, error) {
	host = strings.ToLower(host)
	c.mu.RLock()
	entry, ok := c.entries[host]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expiresAt) {
		logger.Trace("DNS cache hit for %s: %v", host, entry.ips)
		return entry.ips, nil
	}

	ips, ttl, err := c.resolver.ResolveWithTTL(ctx, host)
	if err != nil {
		return nil, NewProxyError(ErrCodeResolutionFailed, fmt.Sprintf("failed to resolve host %s", host), err)
	}

	expiry := time.Duration(ttl) * time.Second
	if expiry <= 0 {
		expiry = c.defaultTTL
	}

	c.mu.Lock()
	c.entries[host] = cacheEntry{ips: ips, expiresAt: c.now().Add(expiry)}
	c.mu.Unlock()

	logger.Debug("Resolved %s to %v (ttl %s)", host, ips, expiry)
	return ips, nil
}

// Purge drops all cached entries.
func (c *DNSCache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len returns the number of cached hostnames, expired or not.
func (c *DNSCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Director applies destination policy: the ad blocker runs before any DNS
// traffic, resolved addresses are filtered against the private-address
// policy, and the surviving set is ordered by address-family preference.
type Director struct {
	Cache        *DNSCache
	Blocker      *adblock.Blocker
	AllowPrivate bool

	// hasPublicIPv6 is swappable for tests; defaults to the probe.
	hasPublicIPv6 func() bool
}

// NewDirector wires a Director from its parts. blocker may be nil.
func NewDirector(cache *DNSCache, blocker *adblock.Blocker, allowPrivate bool) *Director {
	return &Director{
		Cache:         cache,
		Blocker:       blocker,
		AllowPrivate:  allowPrivate,
		hasPublicIPv6: HasPublicIPv6,
	}
}

// CandidateAddrs resolves host and returns the policy-approved candidate
// addresses, preferred address family first. IP literals bypass DNS but not
// policy.
func (d *Director) CandidateAddrs(ctx context.Context, host string) ([]string, error) {
	if d.Blocker != nil && d.Blocker.IsAdDomain(host) {
		return nil, NewProxyError(ErrCodeBlockedAdDomain, fmt.Sprintf("host %s is on the blocklist", host), nil)
	}

	var ips []string
	if ip := net.ParseIP(host); ip != nil {
		ips = []string{host}
	} else {
		var err error
		ips, err = d.Cache.Lookup(ctx, host)
		if err != nil {
			return nil, err
		}
	}

	var v4, v6 []string
	for _, addr := range ips {
		if !d.AllowPrivate && IsPrivateIP(addr) {
			logger.Debug("Dropping private address %s for %s", addr, host)
			continue
		}
		if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
			v6 = append(v6, addr)
		} else {
			v4 = append(v4, addr)
		}
	}

	if len(v4) == 0 && len(v6) == 0 {
		return nil, NewProxyError(ErrCodeBlockedPrivate,
			fmt.Sprintf("host %s resolves only to private addresses", host), nil)
	}

	if d.hasPublicIPv6() {
		return append(v6, v4...), nil
	}
	return append(v4, v6...), nil
}
