package proxy

import (
	"net"
	"sync"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/logger"
)

// IsPrivateIP reports whether addr parses to a loopback, link-local, private
// range or otherwise non-global address. Unparseable strings count as
// private so a bad resolver answer can never open an internal destination.
func IsPrivateIP(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip.IsPrivate() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	// Carrier-grade NAT (100.64.0.0/10) and IPv6 unique-local addresses.
	if ip4 := ip.To4(); ip4 != nil {
		if ip4[0] == 100 && ip4[1]&0xc0 == 64 {
			return true
		}
	} else if ip[0]&0xfe == 0xfc {
		return true
	}
	return false
}

var (
	publicIPv6Once   sync.Once
	publicIPv6Result bool
)

// HasPublicIPv6 reports whether this host has a global IPv6 route. Probed
// once per process with a connected UDP socket; no packet is sent.
func HasPublicIPv6() bool {
	publicIPv6Once.Do(func() {
		conn, err := net.Dial("udp6", "[2001:4860:4860::8888]:80")
		if err != nil {
			logger.Debug("No public IPv6 route: %v", err)
			return
		}
		local, ok := conn.LocalAddr().(*net.UDPAddr)
		if closeErr := conn.Close(); closeErr != nil {
			logger.Error("Error closing IPv6 probe socket: %v", closeErr)
		}
		if !ok || local.IP == nil {
			return
		}
		publicIPv6Result = local.IP.IsGlobalUnicast() && !local.IP.IsPrivate()
		logger.Debug("Public IPv6 probe: local address %s, usable=%v", local.IP, publicIPv6Result)
	})
	return publicIPv6Result
}
