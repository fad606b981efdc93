package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/logger"
	"github.com/wormhole-proxy/wormhole/wormhole-srv/stats"
)

const (
	defaultHTTPPort    = 80
	defaultConnectPort = 443
)

// Handler serves a single parsed request: CONNECT requests become raw
// tunnels, everything else is forwarded as one HTTP exchange.
type Handler struct {
	director  *Director
	racer     *Racer
	collector stats.Collector
	timeout   time.Duration
}

// NewHandler wires a request handler. collector must not be nil; use the
// dummy collector to disable statistics.
func NewHandler(director *Director, racer *Racer, collector stats.Collector, timeout time.Duration) *Handler {
	return &Handler{
		director:  director,
		racer:     racer,
		collector: collector,
		timeout:   timeout,
	}
}

// Handle dispatches req on the client connection and returns the bytes sent
// to and received from the upstream.
func (h *Handler) Handle(ctx context.Context, ident connIdent, clientConn net.Conn, clientReader io.Reader, req *Request) (sent, received int64) {
	if req.IsConnect() {
		return h.handleConnect(ctx, ident, clientConn, clientReader, req)
	}
	return h.handleForward(ctx, ident, clientConn, req)
}

// resolveTarget runs destination policy for host and writes the matching
// error response when the target is denied or unreachable.
func (h *Handler) resolveTarget(ctx context.Context, ident connIdent, clientConn net.Conn, host string) ([]string, bool) {
	addrs, err := h.director.CandidateAddrs(ctx, host)
	if err != nil {
		var proxyErr *Error
		if errors.As(err, &proxyErr) && IsPolicyError(proxyErr) {
			logger.Info(logFor(ident, "Denied %s: %v"), host, err)
			h.recordBlocked(ctx, host, GetErrorDescription(proxyErr.Code))
			writeSimpleResponse(clientConn, 403, "Forbidden")
			return nil, false
		}
		logger.Warn(logFor(ident, "Cannot reach %s: %v"), host, err)
		h.recordError(ctx, "resolve", err)
		writeSimpleResponse(clientConn, 502, "Bad Gateway")
		return nil, false
	}

	h.recordAllowed(ctx, host)
	return addrs, true
}

// handleConnect answers a CONNECT request with a bidirectional tunnel. One
// address is picked at random within the preferred address family; the
// race-based path is reserved for plain HTTP where the proxy owns the whole
// exchange.
func (h *Handler) handleConnect(ctx context.Context, ident connIdent, clientConn net.Conn, clientReader io.Reader, req *Request) (sent, received int64) {
	host, port, err := req.HostPort(defaultConnectPort)
	if err != nil {
		logger.Info(logFor(ident, "Rejecting CONNECT: %v"), err)
		writeSimpleResponse(clientConn, 400, "Bad Request")
		return 0, 0
	}

	addrs, ok := h.resolveTarget(ctx, ident, clientConn, host)
	if !ok {
		return 0, 0
	}

	candidates := preferredCandidates(addrs)
	addr := candidates[rand.Intn(len(candidates))]
	dialer := &net.Dialer{Timeout: h.racer.DialTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		logger.Warn(logFor(ident, "CONNECT dial to %s failed: %v"), host, err)
		h.recordError(ctx, "dial", err)
		writeSimpleResponse(clientConn, 502, "Bad Gateway")
		return 0, 0
	}
	defer closeConn(upstream, "upstream")

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		logger.Debug(logFor(ident, "Client went away before tunnel start: %v"), err)
		return 0, 0
	}

	logger.Debug(logFor(ident, "Tunnel open to %s:%d via %s"), host, port, addr)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer closeWrite(upstream)
		n, relayErr := relay(clientReader, upstream, nil)
		sent = n
		return relayErr
	})
	g.Go(func() error {
		defer closeWrite(clientConn)
		n, relayErr := relay(upstream, clientConn, nil)
		received = n
		return relayErr
	})
	if err := g.Wait(); err != nil {
		logger.Debug(logFor(ident, "Tunnel to %s closed with error: %v"), host, err)
		h.recordError(ctx, "relay", err)
	}

	logger.Info(logFor(ident, "%s %s:%d (%d bytes out, %d bytes in)"), req.Method, host, port, sent, received)
	return sent, received
}

// preferredCandidates returns the leading run of addrs sharing the first
// candidate's address family. CandidateAddrs puts the preferred family first,
// so a random pick inside the run never lands on an unreachable family.
func preferredCandidates(addrs []string) []string {
	first := isIPv6(addrs[0])
	for i := 1; i < len(addrs); i++ {
		if isIPv6(addrs[i]) != first {
			return addrs[:i]
		}
	}
	return addrs
}

func isIPv6(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.To4() == nil
}

// handleForward performs one plain HTTP exchange with the origin server.
// HTTP/1.0 requests are upgraded to HTTP/1.1 on the wire; if the upgraded
// attempt fails to connect, to send, or yields no response bytes, the
// original version is retried once on a fresh connection.
func (h *Handler) handleForward(ctx context.Context, ident connIdent, clientConn net.Conn, req *Request) (sent, received int64) {
	host, port, err := req.HostPort(defaultHTTPPort)
	if err != nil {
		logger.Info(logFor(ident, "Rejecting request: %v"), err)
		writeSimpleResponse(clientConn, 400, "Bad Request")
		return 0, 0
	}

	addrs, ok := h.resolveTarget(ctx, ident, clientConn, host)
	if !ok {
		return 0, 0
	}

	versions := []string{"HTTP/1.1"}
	if req.Version == "HTTP/1.0" {
		versions = append(versions, "HTTP/1.0")
	}

	hostHeader := host
	if port != defaultHTTPPort {
		hostHeader = net.JoinHostPort(host, strconv.Itoa(port))
	}

	status := "502"
	for attempt, version := range versions {
		lastAttempt := attempt == len(versions)-1

		upstream, dialErr := h.racer.Connect(ctx, ident, addrs, port)
		if dialErr != nil {
			logger.Warn(logFor(ident, "Connect to %s failed: %v"), host, dialErr)
			h.recordError(ctx, "dial", dialErr)
			if !lastAttempt {
				logger.Debug(logFor(ident, "Retrying %s as %s on a fresh connection"), host, versions[attempt+1])
				continue
			}
			writeSimpleResponse(clientConn, 502, "Bad Gateway")
			return sent, received
		}

		outbound := buildOutboundRequest(req, version, hostHeader)
		if h.timeout > 0 {
			_ = upstream.SetWriteDeadline(time.Now().Add(h.timeout))
		}
		n, writeErr := upstream.Write(outbound)
		_ = upstream.SetWriteDeadline(time.Time{})
		sent += int64(n)
		if writeErr != nil {
			closeConn(upstream, "upstream")
			logger.Warn(logFor(ident, "Failed to send request to %s: %v"), host, writeErr)
			h.recordError(ctx, "upstream-write", writeErr)
			if !lastAttempt {
				logger.Debug(logFor(ident, "Retrying %s as %s on a fresh connection"), host, versions[attempt+1])
				continue
			}
			writeSimpleResponse(clientConn, 502, "Bad Gateway")
			return sent, received
		}

		var statusLine bytes.Buffer
		n64, relayErr := relay(upstream, clientConn, &statusLine)
		received += n64
		closeConn(upstream, "upstream")

		if relayErr != nil {
			logger.Debug(logFor(ident, "Response relay from %s failed: %v"), host, relayErr)
			h.recordError(ctx, "relay", relayErr)
		}
		if n64 == 0 && !lastAttempt {
			logger.Debug(logFor(ident, "No response from %s as %s, retrying as %s"), host, version, versions[attempt+1])
			continue
		}
		if code := statusCode(statusLine.String()); code != "" {
			status = code
		}
		break
	}

	logger.Info(logFor(ident, "%s %s %s:%d -> %s (%d bytes out, %d bytes in)"),
		req.Method, req.Target, host, port, status, sent, received)
	return sent, received
}

// buildOutboundRequest renders the request for the origin server: the target
// reduced to origin-form, a Host header synthesized from hostHeader when the
// client sent none, hop-by-hop Proxy-* and Connection headers dropped and an
// explicit "Connection: close" appended.
func buildOutboundRequest(req *Request, version, hostHeader string) []byte {
	target := req.Target
	if u, err := url.Parse(req.Target); err == nil && u.Scheme != "" && u.Host != "" {
		target = u.RequestURI()
	}

	hasHost := false
	for _, h := range req.Headers {
		if strings.EqualFold(h.Name, "Host") {
			hasHost = true
			break
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", req.Method, target, version)
	if !hasHost && hostHeader != "" {
		fmt.Fprintf(&buf, "Host: %s\r\n", hostHeader)
	}
	for _, h := range req.Headers {
		lower := strings.ToLower(h.Name)
		if strings.HasPrefix(lower, "proxy-") || lower == "connection" {
			continue
		}
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Name, h.Value)
	}
	buf.WriteString("Connection: close\r\n\r\n")
	buf.Write(req.Body)
	return buf.Bytes()
}

// statusCode pulls the numeric code out of an HTTP status line, or "".
func statusCode(statusLine string) string {
	fields := strings.Fields(statusLine)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return ""
	}
	if _, err := strconv.Atoi(fields[1]); err != nil {
		return ""
	}
	return fields[1]
}

// writeSimpleResponse sends a bodyless response; failures are irrelevant
// because the connection is torn down right after.
func writeSimpleResponse(conn net.Conn, code int, reason string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", code, reason)
}

func closeConn(conn net.Conn, label string) {
	if err := conn.Close(); err != nil && !isPeerGone(err) {
		logger.Trace("Error closing %s connection: %v", label, err)
	}
}

func (h *Handler) recordAllowed(ctx context.Context, host string) {
	if err := h.collector.RecordAllowedRequest(ctx, host); err != nil {
		logger.Error("Failed to record allowed request: %v", err)
	}
}

func (h *Handler) recordBlocked(ctx context.Context, host, reason string) {
	if err := h.collector.RecordBlockedRequest(ctx, host, reason); err != nil {
		logger.Error("Failed to record blocked request: %v", err)
	}
}

func (h *Handler) recordError(ctx context.Context, errorType string, cause error) {
	if err := h.collector.RecordError(ctx, errorType, cause.Error()); err != nil {
		logger.Error("Failed to record error: %v", err)
	}
}
