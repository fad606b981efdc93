package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/auth"
	"github.com/wormhole-proxy/wormhole/wormhole-srv/config"
)

// startTestProxy runs a proxy on a random port and returns its address.
func startTestProxy(t *testing.T, cfg *config.Config) string {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.AllowPrivate = true // targets in these tests live on loopback
	cfg.MaxConcurrentConnections = 32
	cfg.TimeoutSeconds = 5

	p, err := NewProxy(cfg)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = p.StartWithListener(listener)
	}()
	t.Cleanup(func() {
		_ = p.Stop()
	})

	return listener.Addr().String()
}

func dialProxy(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestProxyForwardsHTTP(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "close", r.Header.Get("Connection"))
		assert.Empty(t, r.Header.Get("Proxy-Connection"))
		w.Header().Set("X-Origin", "yes")
		_, _ = w.Write([]byte("Hello, Proxy!"))
	}))
	defer origin.Close()

	proxyAddr := startTestProxy(t, nil)
	conn := dialProxy(t, proxyAddr)

	request := fmt.Sprintf("GET %s/ HTTP/1.1\r\nHost: %s\r\nProxy-Connection: keep-alive\r\n\r\n",
		origin.URL, strings.TrimPrefix(origin.URL, "http://"))
	_, err := conn.Write([]byte(request))
	require.NoError(t, err)

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)

	text := string(resp)
	assert.True(t, strings.HasPrefix(text, "HTTP/1.1 200"), "got %q", text)
	assert.Contains(t, text, "X-Origin: yes")
	assert.Contains(t, text, "Hello, Proxy!")
}

func TestProxyForwardsPostBody(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		_, _ = w.Write(body)
	}))
	defer origin.Close()

	proxyAddr := startTestProxy(t, nil)
	conn := dialProxy(t, proxyAddr)

	body := "field=value"
	request := fmt.Sprintf("POST %s/submit HTTP/1.1\r\nHost: %s\r\nContent-Length: %d\r\n\r\n%s",
		origin.URL, strings.TrimPrefix(origin.URL, "http://"), len(body), body)
	_, err := conn.Write([]byte(request))
	require.NoError(t, err)

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Contains(t, string(resp), body)
}

func TestProxyConnectTunnel(t *testing.T) {
	// Raw TCP echo server standing in for a TLS origin.
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		for {
			conn, err := echo.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()

	proxyAddr := startTestProxy(t, nil)
	conn := dialProxy(t, proxyAddr)

	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", echo.Addr(), echo.Addr())
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "200 Connection established")

	// Drain the blank line terminating the response head.
	blank, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\r\n", blank)

	payload := "through the wormhole"
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)

	echoed := make([]byte, len(payload))
	_, err = io.ReadFull(reader, echoed)
	require.NoError(t, err)
	assert.Equal(t, payload, string(echoed))
}

func TestProxyRejectsMissingHost(t *testing.T) {
	proxyAddr := startTestProxy(t, nil)
	conn := dialProxy(t, proxyAddr)

	_, err := conn.Write([]byte("GET /relative HTTP/1.1\r\nAccept: */*\r\n\r\n"))
	require.NoError(t, err)

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(resp), "HTTP/1.1 400"), "got %q", resp)
}

func TestProxyReturns502ForUnreachableTarget(t *testing.T) {
	proxyAddr := startTestProxy(t, nil)
	conn := dialProxy(t, proxyAddr)

	// Nothing listens on port 1 of loopback.
	_, err := conn.Write([]byte("GET http://127.0.0.1:1/ HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n"))
	require.NoError(t, err)

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(resp), "HTTP/1.1 502"), "got %q", resp)
}

func TestProxyRejectsPrivateDestination(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxConcurrentConnections = 8
	cfg.TimeoutSeconds = 5
	// AllowPrivate stays false: loopback targets must be refused.

	p, err := NewProxy(cfg)
	require.NoError(t, err)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = p.StartWithListener(listener) }()
	t.Cleanup(func() { _ = p.Stop() })

	conn := dialProxy(t, listener.Addr().String())
	_, err = conn.Write([]byte("CONNECT 127.0.0.1:443 HTTP/1.1\r\nHost: 127.0.0.1:443\r\n\r\n"))
	require.NoError(t, err)

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(resp), "HTTP/1.1 403"), "got %q", resp)
}

func TestProxyDigestAuthentication(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("authenticated content"))
	}))
	defer origin.Close()

	authFile := t.TempDir() + "/credentials"
	store, err := auth.LoadStore(authFile)
	require.NoError(t, err)
	require.NoError(t, store.AddUser("alice", "s3cret"))

	cfg := config.DefaultConfig()
	cfg.AuthFile = authFile
	proxyAddr := startTestProxy(t, cfg)

	originHost := strings.TrimPrefix(origin.URL, "http://")
	request := fmt.Sprintf("GET %s/ HTTP/1.1\r\nHost: %s\r\n\r\n", origin.URL, originHost)

	// Without credentials: 407 plus a digest challenge.
	conn := dialProxy(t, proxyAddr)
	_, err = conn.Write([]byte(request))
	require.NoError(t, err)
	resp, err := io.ReadAll(conn)
	require.NoError(t, err)

	text := string(resp)
	require.True(t, strings.HasPrefix(text, "HTTP/1.1 407"), "got %q", text)
	require.Contains(t, text, "Proxy-Authenticate: Digest")
	require.Contains(t, text, `realm="Wormhole Proxy"`)
	require.Contains(t, text, "algorithm=SHA-256")

	nonce := extractChallengeField(t, text, "nonce")

	// Retry on a fresh connection with a valid digest response.
	uri := origin.URL + "/"
	ha1 := auth.ComputeHA1("alice", auth.Realm, "s3cret")
	response := auth.ComputeResponse(ha1, "GET", uri, nonce, "00000001", "0a4f113b", "auth")
	authHeader := fmt.Sprintf(
		`Digest username="alice", realm="%s", nonce="%s", uri="%s", qop=auth, nc=00000001, cnonce="0a4f113b", response="%s"`,
		auth.Realm, nonce, uri, response)

	conn = dialProxy(t, proxyAddr)
	authedRequest := fmt.Sprintf("GET %s/ HTTP/1.1\r\nHost: %s\r\nProxy-Authorization: %s\r\n\r\n",
		origin.URL, originHost, authHeader)
	_, err = conn.Write([]byte(authedRequest))
	require.NoError(t, err)

	resp, err = io.ReadAll(conn)
	require.NoError(t, err)
	assert.Contains(t, string(resp), "authenticated content")

	// Wrong password: challenged again.
	badResponse := auth.ComputeResponse(
		auth.ComputeHA1("alice", auth.Realm, "wrong"), "GET", uri, nonce, "00000001", "0a4f113b", "auth")
	badHeader := strings.Replace(authHeader, response, badResponse, 1)

	conn = dialProxy(t, proxyAddr)
	_, err = conn.Write([]byte(strings.Replace(authedRequest, authHeader, badHeader, 1)))
	require.NoError(t, err)
	resp, err = io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(resp), "HTTP/1.1 407"), "got %q", resp)
}

func extractChallengeField(t *testing.T, response, field string) string {
	t.Helper()
	idx := strings.Index(response, field+`="`)
	require.GreaterOrEqual(t, idx, 0, "field %s missing in %q", field, response)
	rest := response[idx+len(field)+2:]
	end := strings.IndexByte(rest, '"')
	require.GreaterOrEqual(t, end, 0)
	return rest[:end]
}

func TestProxyHTTP10Upgrade(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The proxy speaks HTTP/1.1 upstream even for HTTP/1.0 clients.
		assert.Equal(t, "HTTP/1.1", r.Proto)
		_, _ = w.Write([]byte("ok"))
	}))
	defer origin.Close()

	proxyAddr := startTestProxy(t, nil)
	conn := dialProxy(t, proxyAddr)

	request := fmt.Sprintf("GET %s/ HTTP/1.0\r\nHost: %s\r\n\r\n",
		origin.URL, strings.TrimPrefix(origin.URL, "http://"))
	_, err := conn.Write([]byte(request))
	require.NoError(t, err)

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Contains(t, string(resp), "ok")
}

func TestProxySynthesizesHostHeader(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("host: " + r.Host))
	}))
	defer origin.Close()

	proxyAddr := startTestProxy(t, nil)
	conn := dialProxy(t, proxyAddr)

	// HTTP/1.0 clients may omit Host; the upgraded request must carry one
	// derived from the target or HTTP/1.1 origins reject it.
	request := fmt.Sprintf("GET %s/ HTTP/1.0\r\nAccept: */*\r\n\r\n", origin.URL)
	_, err := conn.Write([]byte(request))
	require.NoError(t, err)

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)

	text := string(resp)
	assert.True(t, strings.HasPrefix(text, "HTTP/1.1 200"), "got %q", text)
	assert.Contains(t, text, "host: "+strings.TrimPrefix(origin.URL, "http://"))
}

func TestProxyHTTP10FallbackAfterUpstreamFailure(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer origin.Close()

	requestLines := make(chan string, 1)
	go func() {
		// First connection: reset without ever responding.
		conn, err := origin.Accept()
		if err != nil {
			return
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetLinger(0)
		}
		_ = conn.Close()

		// Second connection: serve the retried request.
		conn, err = origin.Accept()
		if err != nil {
			return
		}
		line, _ := bufio.NewReader(conn).ReadString('\n')
		requestLines <- strings.TrimRight(line, "\r\n")
		_, _ = conn.Write([]byte("HTTP/1.0 200 OK\r\nContent-Length: 2\r\n\r\nok"))
		_ = conn.Close()
	}()

	proxyAddr := startTestProxy(t, nil)
	conn := dialProxy(t, proxyAddr)

	request := fmt.Sprintf("GET http://%s/ HTTP/1.0\r\nHost: %s\r\n\r\n", origin.Addr(), origin.Addr())
	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)

	text := string(resp)
	assert.True(t, strings.HasPrefix(text, "HTTP/1.0 200"), "got %q", text)
	assert.Contains(t, text, "ok")

	select {
	case line := <-requestLines:
		assert.True(t, strings.HasSuffix(line, "HTTP/1.0"),
			"retry must use the client's original version, got %q", line)
	case <-time.After(2 * time.Second):
		t.Fatal("origin never saw the retry attempt")
	}
}

type tempAcceptError struct{}

func (tempAcceptError) Error() string   { return "accept: too many open files" }
func (tempAcceptError) Timeout() bool   { return false }
func (tempAcceptError) Temporary() bool { return true }

// scriptedListener replays a fixed sequence of Accept results, then blocks
// until closed.
type scriptedListener struct {
	steps []func() (net.Conn, error)
	addr  net.Addr
	done  chan struct{}
	once  sync.Once
}

func (l *scriptedListener) Accept() (net.Conn, error) {
	if len(l.steps) > 0 {
		step := l.steps[0]
		l.steps = l.steps[1:]
		return step()
	}
	<-l.done
	return nil, net.ErrClosed
}

func (l *scriptedListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *scriptedListener) Addr() net.Addr { return l.addr }

func TestProxySurvivesTemporaryAcceptError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AllowPrivate = true
	cfg.MaxConcurrentConnections = 4
	p, err := NewProxy(cfg)
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()

	listener := &scriptedListener{
		steps: []func() (net.Conn, error){
			func() (net.Conn, error) { return nil, tempAcceptError{} },
			func() (net.Conn, error) { return server, nil },
		},
		addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0},
		done: make(chan struct{}),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- p.StartWithListener(listener) }()

	// The connection handed out after the transient failure is still served.
	_, err = client.Write([]byte("GET /relative HTTP/1.1\r\nAccept: */*\r\n\r\n"))
	require.NoError(t, err)
	buf := make([]byte, 256)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "400 Bad Request")

	require.NoError(t, p.Stop())
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop did not exit on Stop")
	}
}

func TestListenNetwork(t *testing.T) {
	assert.Equal(t, "tcp4", listenNetwork("0.0.0.0:8800"))
	assert.Equal(t, "tcp4", listenNetwork("127.0.0.1:8800"))
	assert.Equal(t, "tcp6", listenNetwork("[::]:8800"))
	assert.Equal(t, "tcp6", listenNetwork("[2001:db8::1]:8800"))
	assert.Equal(t, "tcp", listenNetwork("localhost:8800"))
	assert.Equal(t, "tcp", listenNetwork("8800"))
}

func TestNewConnIdent(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ident := newConnIdent(server)
	assert.Len(t, ident.ID, 6)
	assert.NotEmpty(t, ident.Client)

	withUser := ident.withUser("alice")
	assert.Equal(t, "alice@"+ident.Client, withUser.Client)
	assert.Equal(t, ident.ID, withUser.ID)

	unchanged := ident.withUser("")
	assert.Equal(t, ident, unchanged)
}
