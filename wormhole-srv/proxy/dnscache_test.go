package proxy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/adblock"
)

// fakeResolver returns canned answers and counts how often it is asked.
type fakeResolver struct {
	ips   []string
	ttl   int
	err   error
	calls int
}

func (f *fakeResolver) ResolveWithTTL(_ context.Context, _ string) ([]string, int, error) {
	f.calls++
	return f.ips, f.ttl, f.err
}

func TestDNSCacheHitWithinTTL(t *testing.T) {
	resolver := &fakeResolver{ips: []string{"93.184.216.34"}, ttl: 60}
	cache := NewDNSCache(resolver, 300*time.Second)

	ctx := context.Background()
	first, err := cache.Lookup(ctx, "example.com")
	require.NoError(t, err)
	second, err := cache.Lookup(ctx, "example.com")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, resolver.calls, "second lookup must come from cache")
	assert.Equal(t, 1, cache.Len())
}

func TestDNSCacheExpiry(t *testing.T) {
	resolver := &fakeResolver{ips: []string{"93.184.216.34"}, ttl: 60}
	cache := NewDNSCache(resolver, 300*time.Second)

	now := time.Now()
	cache.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := cache.Lookup(ctx, "example.com")
	require.NoError(t, err)

	// Just inside the TTL.
	now = now.Add(59 * time.Second)
	_, err = cache.Lookup(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, resolver.calls)

	// Past the TTL.
	now = now.Add(2 * time.Second)
	_, err = cache.Lookup(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.calls, "expired entry must be re-resolved")
}

func TestDNSCacheDefaultTTL(t *testing.T) {
	// TTL 0 means the source had no TTL information.
	resolver := &fakeResolver{ips: []string{"192.0.2.1"}, ttl: 0}
	cache := NewDNSCache(resolver, 300*time.Second)

	now := time.Now()
	cache.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := cache.Lookup(ctx, "example.com")
	require.NoError(t, err)

	now = now.Add(299 * time.Second)
	_, err = cache.Lookup(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, resolver.calls, "default TTL applies when resolver has none")
}

func TestDNSCacheKeyIsCaseInsensitive(t *testing.T) {
	resolver := &fakeResolver{ips: []string{"93.184.216.34"}, ttl: 60}
	cache := NewDNSCache(resolver, 300*time.Second)

	ctx := context.Background()
	_, err := cache.Lookup(ctx, "Example.COM")
	require.NoError(t, err)
	_, err = cache.Lookup(ctx, "example.com")
	require.NoError(t, err)

	assert.Equal(t, 1, resolver.calls, "case variants share one entry")
	assert.Equal(t, 1, cache.Len())
}

func TestDNSCachePurge(t *testing.T) {
	resolver := &fakeResolver{ips: []string{"192.0.2.1"}, ttl: 3600}
	cache := NewDNSCache(resolver, 300*time.Second)

	_, err := cache.Lookup(context.Background(), "example.com")
	require.NoError(t, err)
	cache.Purge()
	assert.Equal(t, 0, cache.Len())

	_, err = cache.Lookup(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.calls)
}

func TestDNSCacheResolutionFailure(t *testing.T) {
	resolver := &fakeResolver{err: fmt.Errorf("no records")}
	cache := NewDNSCache(resolver, 300*time.Second)

	_, err := cache.Lookup(context.Background(), "missing.example")
	require.Error(t, err)
	var proxyErr *Error
	require.True(t, errors.As(err, &proxyErr))
	assert.Equal(t, ErrCodeResolutionFailed, proxyErr.Code)
	assert.Equal(t, 0, cache.Len(), "failures are not cached")
}

func newTestDirector(resolver hostResolver, blocker *adblock.Blocker, allowPrivate, publicIPv6 bool) *Director {
	d := NewDirector(NewDNSCache(resolver, 300*time.Second), blocker, allowPrivate)
	d.hasPublicIPv6 = func() bool { return publicIPv6 }
	return d
}

func TestDirectorBlocksBeforeDNS(t *testing.T) {
	resolver := &fakeResolver{ips: []string{"93.184.216.34"}, ttl: 60}
	blocker := adblock.NewBlocker([]string{"ads.example.com"}, nil)
	d := newTestDirector(resolver, blocker, false, false)

	_, err := d.CandidateAddrs(context.Background(), "pixel.ads.example.com")
	require.Error(t, err)
	var proxyErr *Error
	require.True(t, errors.As(err, &proxyErr))
	assert.Equal(t, ErrCodeBlockedAdDomain, proxyErr.Code)
	assert.Equal(t, 0, resolver.calls, "blocked hosts must never reach DNS")
}

func TestDirectorFiltersPrivateAddresses(t *testing.T) {
	resolver := &fakeResolver{ips: []string{"10.0.0.5", "93.184.216.34"}, ttl: 60}
	d := newTestDirector(resolver, nil, false, false)

	addrs, err := d.CandidateAddrs(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"93.184.216.34"}, addrs)
}

func TestDirectorRejectsPrivateOnlyHost(t *testing.T) {
	resolver := &fakeResolver{ips: []string{"10.0.0.5", "192.168.1.1"}, ttl: 60}
	d := newTestDirector(resolver, nil, false, false)

	_, err := d.CandidateAddrs(context.Background(), "intranet.example")
	require.Error(t, err)
	var proxyErr *Error
	require.True(t, errors.As(err, &proxyErr))
	assert.Equal(t, ErrCodeBlockedPrivate, proxyErr.Code)
}

func TestDirectorAllowPrivate(t *testing.T) {
	resolver := &fakeResolver{ips: []string{"10.0.0.5"}, ttl: 60}
	d := newTestDirector(resolver, nil, true, false)

	addrs, err := d.CandidateAddrs(context.Background(), "intranet.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5"}, addrs)
}

func TestDirectorAddressFamilyPreference(t *testing.T) {
	resolver := &fakeResolver{ips: []string{"93.184.216.34", "2606:2800:220:1::1"}, ttl: 60}

	v4First := newTestDirector(resolver, nil, false, false)
	addrs, err := v4First.CandidateAddrs(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"93.184.216.34", "2606:2800:220:1::1"}, addrs)

	v6First := newTestDirector(resolver, nil, false, true)
	addrs, err = v6First.CandidateAddrs(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"2606:2800:220:1::1", "93.184.216.34"}, addrs)
}

func TestDirectorIPLiteralBypassesDNSNotPolicy(t *testing.T) {
	resolver := &fakeResolver{ips: []string{"ignored"}, ttl: 60}
	d := newTestDirector(resolver, nil, false, false)

	addrs, err := d.CandidateAddrs(context.Background(), "93.184.216.34")
	require.NoError(t, err)
	assert.Equal(t, []string{"93.184.216.34"}, addrs)
	assert.Equal(t, 0, resolver.calls)

	_, err = d.CandidateAddrs(context.Background(), "127.0.0.1")
	require.Error(t, err, "private literals are still policy-checked")
}
