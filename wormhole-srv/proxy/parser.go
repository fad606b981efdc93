package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// headerReadTimeout bounds how long a client may take to deliver the full
// request head. Slow-loris style clients are cut off here.
const headerReadTimeout = 5 * time.Second

// maxHeaderBytes caps the request head size.
const maxHeaderBytes = 64 * 1024

// Header is a single request header with original casing preserved.
type Header struct {
	Name  string
	Value string
}

// Request is one parsed client request. Header order and casing are kept so
// the forwarder can reproduce the request faithfully.
type Request struct {
	Method  string
	Target  string
	Version string
	Headers []Header
	Body    []byte
}

// HeaderValue returns the first header matching name, case-insensitively.
func (r *Request) HeaderValue(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// IsConnect reports whether this is a CONNECT request.
func (r *Request) IsConnect() bool {
	return r.Method == "CONNECT"
}

// HostPort extracts the destination host and port. CONNECT targets carry
// them in the request target; plain requests use the Host header first and
// fall back to an absolute-form request URI.
func (r *Request) HostPort(defaultPort int) (string, int, error) {
	target := r.Target
	if !r.IsConnect() {
		if host, ok := r.HeaderValue("Host"); ok {
			target = host
		} else if u, err := url.Parse(r.Target); err == nil && u.Host != "" {
			target = u.Host
		} else {
			return "", 0, NewProxyError(ErrCodeMissingHost, "request carries no destination host", nil)
		}
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		// No port in the target; the scheme default applies.
		host = strings.Trim(target, "[]")
		if host == "" {
			return "", 0, NewProxyError(ErrCodeMissingHost, "request carries no destination host", nil)
		}
		return host, defaultPort, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, NewProxyError(ErrCodeInvalidPort, fmt.Sprintf("invalid destination port %q", portStr), nil)
	}
	return host, port, nil
}

// ParseRequest reads one request head (and body, when Content-Length says
// there is one) from conn. Any failure, including the read deadline firing
// before the blank line arrives, yields a nil request.
func ParseRequest(conn net.Conn, reader *bufio.Reader) (*Request, error) {
	if err := conn.SetReadDeadline(time.Now().Add(headerReadTimeout)); err != nil {
		return nil, NewProxyError(ErrCodeHeaderReadFailed, "failed to arm header deadline", err)
	}
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
	}()

	head, err := readHead(reader)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, NewProxyError(ErrCodeHeaderTimeout, "timed out reading request head", err)
		}
		return nil, NewProxyError(ErrCodeHeaderReadFailed, "failed to read request head", err)
	}

	req, err := parseHead(head)
	if err != nil {
		return nil, err
	}

	if lengthStr, ok := req.HeaderValue("Content-Length"); ok {
		length, convErr := strconv.Atoi(strings.TrimSpace(lengthStr))
		if convErr != nil || length < 0 {
			return nil, NewProxyError(ErrCodeMalformedRequest, fmt.Sprintf("invalid Content-Length %q", lengthStr), nil)
		}
		body := make([]byte, length)
		if _, readErr := readFullDeadline(reader, body); readErr != nil {
			return nil, NewProxyError(ErrCodeBodyReadFailed, "failed to read request body", readErr)
		}
		req.Body = body
	}

	return req, nil
}

// readHead reads up to and including the terminating blank line.
func readHead(reader *bufio.Reader) ([]byte, error) {
	var head []byte
	for {
		line, err := reader.ReadBytes('\n')
		head = append(head, line...)
		if err != nil {
			return nil, err
		}
		if len(head) > maxHeaderBytes {
			return nil, fmt.Errorf("request head exceeds %d bytes", maxHeaderBytes)
		}
		if bytes.Equal(line, []byte("\r\n")) || bytes.Equal(line, []byte("\n")) {
			return head, nil
		}
	}
}

func readFullDeadline(reader *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := reader.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func parseHead(head []byte) (*Request, error) {
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 1 {
		lines = strings.Split(string(head), "\n")
	}
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, NewProxyError(ErrCodeMalformedRequest, "empty request", nil)
	}

	parts := strings.Fields(lines[0])
	if len(parts) != 3 {
		return nil, NewProxyError(ErrCodeMalformedRequest, fmt.Sprintf("malformed request line %q", lines[0]), nil)
	}
	method, target, version := parts[0], parts[1], parts[2]
	if version != "HTTP/1.0" && version != "HTTP/1.1" {
		return nil, NewProxyError(ErrCodeUnsupportedVersion, fmt.Sprintf("unsupported protocol version %q", version), nil)
	}

	req := &Request{Method: method, Target: target, Version: version}
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(name) == "" {
			return nil, NewProxyError(ErrCodeMalformedRequest, fmt.Sprintf("malformed header line %q", line), nil)
		}
		req.Headers = append(req.Headers, Header{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}

	return req, nil
}
