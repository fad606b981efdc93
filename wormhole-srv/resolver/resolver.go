package resolver

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/config"
	"github.com/wormhole-proxy/wormhole/wormhole-srv/logger"
)

// maxDNSMessageSize bounds the response buffer for UDP queries. Answers
// larger than this are expected to arrive truncated and be retried over TCP
// by the caller's next server in rotation.
const maxDNSMessageSize = 4096

// Resolver resolves hostnames to IP addresses. It consults the system hosts
// file first and falls back to querying the configured DNS servers (UDP, TCP
// or DoT) directly, which exposes per-record TTLs to the caller.
type Resolver struct {
	dnsConfig  config.DNSConfig
	currentIdx int
	mutex      sync.Mutex
	tlsConfig  *tls.Config

	hostsOnce  sync.Once
	hostsCache map[string]string
}

// New creates a new Resolver with the given DNS configuration.
func New(cfg config.DNSConfig) *Resolver {
	return &Resolver{
		dnsConfig: cfg,
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"dot"},
		},
	}
}

// Resolve returns all addresses for host without TTL information.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]string, error) {
	ips, _, err := r.ResolveWithTTL(ctx, host)
	return ips, err
}

// ResolveWithTTL resolves host to its A and AAAA addresses and returns the
// minimum TTL observed across all answer records, in seconds. A TTL of zero
// means no TTL information was available (hosts-file entries and IP
// literals); callers should substitute their own default.
func (r *Resolver) ResolveWithTTL(ctx context.Context, host string) ([]string, int, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, 0, nil
	}

	if ip, ok := r.lookupHosts(host); ok {
		logger.Debug("Hosts-file override for %s: %s", host, ip)
		return []string{ip}, 0, nil
	}

	if len(r.dnsConfig.Servers) == 0 {
		return r.resolveSystem(ctx, host)
	}

	seen := make(map[string]struct{})
	var ips []string
	minTTL := -1
	var lastErr error

	for _, qtype := range []dnsmessage.Type{dnsmessage.TypeA, dnsmessage.TypeAAAA} {
		answers, ttl, err := r.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		for _, ip := range answers {
			if _, dup := seen[ip]; dup {
				continue
			}
			seen[ip] = struct{}{}
			ips = append(ips, ip)
		}
		if len(answers) > 0 && (minTTL < 0 || ttl < minTTL) {
			minTTL = ttl
		}
	}

	if len(ips) == 0 {
		if lastErr != nil {
			return nil, 0, fmt.Errorf("failed to resolve host %s: %w", host, lastErr)
		}
		return nil, 0, fmt.Errorf("failed to resolve host %s: no records", host)
	}
	if minTTL < 0 {
		minTTL = 0
	}
	return ips, minTTL, nil
}

// resolveSystem falls back to the OS resolver when no DNS servers are
// configured. The OS API does not surface TTLs.
func (r *Resolver) resolveSystem(ctx context.Context, host string) ([]string, int, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to resolve host %s: %w", host, err)
	}
	ips := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP.String())
	}
	return ips, 0, nil
}

// query sends a single DNS question to the next server in rotation and walks
// the remaining servers on failure.
func (r *Resolver) query(ctx context.Context, host string, qtype dnsmessage.Type) ([]string, int, error) {
	servers := r.dnsConfig.Servers
	var lastErr error

	for attempt := 0; attempt < len(servers); attempt++ {
		r.mutex.Lock()
		serverIdx := r.currentIdx
		r.currentIdx = (r.currentIdx + 1) % len(servers)
		r.mutex.Unlock()

		server := servers[serverIdx]
		logger.Trace("Querying DNS server %d: %s (%s) for %s %v", serverIdx, server.Address, server.Type, host, qtype)

		ips, ttl, err := r.queryServer(ctx, server, host, qtype)
		if err != nil {
			logger.Debug("DNS query to %s failed: %v", server.Address, err)
			lastErr = err
			continue
		}
		return ips, ttl, nil
	}

	return nil, 0, lastErr
}

func (r *Resolver) queryServer(ctx context.Context, server config.DNSServerConfig, host string, qtype dnsmessage.Type) ([]string, int, error) {
	name, err := dnsmessage.NewName(host + ".")
	if err != nil {
		return nil, 0, fmt.Errorf("invalid hostname %q: %w", host, err)
	}

	msg := dnsmessage.Message{
		Header: dnsmessage.Header{
			ID:               uint16(rand.Intn(1 << 16)),
			RecursionDesired: true,
		},
		Questions: []dnsmessage.Question{
			{
				Name:  name,
				Type:  qtype,
				Class: dnsmessage.ClassINET,
			},
		},
	}
	packed, err := msg.Pack()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to pack DNS query: %w", err)
	}

	conn, err := r.dial(ctx, server)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Error("Error closing DNS connection: %v", closeErr)
		}
	}()

	deadline := time.Now().Add(server.GetTimeoutDuration())
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, 0, fmt.Errorf("failed to set DNS query deadline: %w", err)
	}

	streamed := server.Type != config.DNSTypeUDP
	raw, err := exchange(conn, packed, streamed)
	if err != nil {
		return nil, 0, err
	}

	var resp dnsmessage.Message
	if err := resp.Unpack(raw); err != nil {
		return nil, 0, fmt.Errorf("failed to parse DNS response: %w", err)
	}
	if resp.Header.ID != msg.Header.ID {
		return nil, 0, fmt.Errorf("DNS response ID mismatch")
	}
	if resp.Header.RCode != dnsmessage.RCodeSuccess {
		return nil, 0, fmt.Errorf("DNS query for %s failed: %v", host, resp.Header.RCode)
	}

	var ips []string
	minTTL := -1
	for _, answer := range resp.Answers {
		var ip net.IP
		switch body := answer.Body.(type) {
		case *dnsmessage.AResource:
			ip = net.IP(body.A[:])
		case *dnsmessage.AAAAResource:
			ip = net.IP(body.AAAA[:])
		default:
			continue
		}
		ips = append(ips, ip.String())
		ttl := int(answer.Header.TTL)
		if minTTL < 0 || ttl < minTTL {
			minTTL = ttl
		}
	}
	if minTTL < 0 {
		minTTL = 0
	}
	return ips, minTTL, nil
}

// exchange writes a packed query and reads one response. TCP and DoT frame
// messages with a 2-byte length prefix; UDP does not.
func exchange(conn net.Conn, packed []byte, streamed bool) ([]byte, error) {
	if !streamed {
		if _, err := conn.Write(packed); err != nil {
			return nil, fmt.Errorf("failed to send DNS query: %w", err)
		}
		buf := make([]byte, maxDNSMessageSize)
		n, err := conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to read DNS response: %w", err)
		}
		return buf[:n], nil
	}

	framed := make([]byte, 2+len(packed))
	binary.BigEndian.PutUint16(framed, uint16(len(packed)))
	copy(framed[2:], packed)
	if _, err := conn.Write(framed); err != nil {
		return nil, fmt.Errorf("failed to send DNS query: %w", err)
	}

	var lengthPrefix [2]byte
	if _, err := readFull(conn, lengthPrefix[:]); err != nil {
		return nil, fmt.Errorf("failed to read DNS response length: %w", err)
	}
	respLen := binary.BigEndian.Uint16(lengthPrefix[:])
	buf := make([]byte, respLen)
	if _, err := readFull(conn, buf); err != nil {
		return nil, fmt.Errorf("failed to read DNS response: %w", err)
	}
	return buf, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// dial opens a connection to a DNS server according to its configured type.
func (r *Resolver) dial(ctx context.Context, server config.DNSServerConfig) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: server.GetTimeoutDuration()}

	switch server.Type {
	case config.DNSTypeUDP:
		return dialer.DialContext(ctx, "udp", server.Address)

	case config.DNSTypeTCP:
		return dialer.DialContext(ctx, "tcp", server.Address)

	case config.DNSTypeDoT:
		// For DNS over TLS, first establish a TCP connection then wrap in TLS
		tcpConn, err := dialer.DialContext(ctx, "tcp", server.Address)
		if err != nil {
			return nil, fmt.Errorf("DoT TCP connection failed: %w", err)
		}

		tlsConfig := r.tlsConfig.Clone()
		if server.TLSHost != "" {
			tlsConfig.ServerName = server.TLSHost
			logger.Debug("Using custom TLS hostname for SNI: %s", server.TLSHost)
		}

		tlsConn := tls.Client(tcpConn, tlsConfig)
		handshakeCtx, cancel := context.WithTimeout(ctx, server.GetTimeoutDuration())
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			if closeErr := tcpConn.Close(); closeErr != nil {
				logger.Error("Error closing DoT connection: %v", closeErr)
			}
			return nil, fmt.Errorf("DoT TLS handshake failed: %w", err)
		}
		return tlsConn, nil

	default:
		return nil, fmt.Errorf("unsupported DNS server type: %s", server.Type)
	}
}

// lookupHosts consults the system hosts file, loaded once per process.
func (r *Resolver) lookupHosts(host string) (string, bool) {
	r.hostsOnce.Do(func() {
		r.hostsCache = loadHostsFile(hostsPath())
	})
	ip, ok := r.hostsCache[host]
	return ip, ok
}

func hostsPath() string {
	if runtime.GOOS == "windows" {
		root := os.Getenv("SYSTEMROOT")
		if root == "" {
			root = `C:\Windows`
		}
		return filepath.Join(root, "System32", "drivers", "etc", "hosts")
	}
	return "/etc/hosts"
}

// loadHostsFile parses a hosts file into a hostname -> IP map. The first
// mapping for a hostname wins, matching common resolver behavior.
func loadHostsFile(path string) map[string]string {
	cache := make(map[string]string)

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Debug("Could not read hosts file %s: %v", path, err)
		return cache
	}

	for _, line := range strings.Split(string(data), "\n") {
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip := fields[0]
		if net.ParseIP(ip) == nil {
			continue
		}
		for _, name := range fields[1:] {
			name = strings.ToLower(name)
			if _, exists := cache[name]; !exists {
				cache[name] = ip
			}
		}
	}

	return cache
}
