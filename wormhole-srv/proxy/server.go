// Package proxy implements the forward proxy: request parsing, destination
// policy, upstream connection racing, HTTP forwarding and CONNECT tunnels,
// all behind a file-descriptor-bounded connection governor.
package proxy

import (
	"bufio"
	"context"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/adblock"
	"github.com/wormhole-proxy/wormhole/wormhole-srv/auth"
	"github.com/wormhole-proxy/wormhole/wormhole-srv/config"
	"github.com/wormhole-proxy/wormhole/wormhole-srv/logger"
	"github.com/wormhole-proxy/wormhole/wormhole-srv/resolver"
	"github.com/wormhole-proxy/wormhole/wormhole-srv/stats"
)

// rlimitShare is the fraction of the file descriptor limit handed to the
// connection governor. The remainder covers DNS sockets, databases and logs.
const rlimitShare = 0.9

// Proxy is the proxy server instance.
type Proxy struct {
	config    *config.Config
	handler   *Handler
	authStore *auth.Store
	collector stats.Collector
	blocker   *adblock.Blocker
	cache     *DNSCache

	sem      *semaphore.Weighted
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProxy assembles a proxy from its configuration: resolver, DNS cache,
// ad blocker, credential store and statistics backend.
func NewProxy(cfg *config.Config) (*Proxy, error) {
	blocker := adblock.NewBlocker(nil, nil)
	if cfg.AllowlistFile != "" {
		n, err := blocker.LoadAllowlistFile(cfg.AllowlistFile)
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded %d allowlist entries from %s", n, cfg.AllowlistFile)
	}
	if cfg.AdBlockDB != "" {
		n, err := blocker.LoadDatabase(cfg.AdBlockDB)
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded %d blocked domains from %s", n, cfg.AdBlockDB)
	}

	var store *auth.Store
	if cfg.AuthFile != "" {
		var err error
		store, err = auth.LoadStore(cfg.AuthFile)
		if err != nil {
			return nil, err
		}
		logger.Info("Proxy authentication enabled with %d users", store.Len())
	}

	collector, err := stats.NewCollector(cfg.Statistics)
	if err != nil {
		return nil, err
	}

	maxConns := int64(cfg.MaxConcurrentConnections)
	if maxConns <= 0 {
		maxConns, err = governorLimit()
		if err != nil {
			return nil, err
		}
	}
	logger.Info("Connection governor limit: %d", maxConns)

	cacheTTL := time.Duration(cfg.DNSCacheTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 300 * time.Second
	}
	cache := NewDNSCache(resolver.New(cfg.DNS), cacheTTL)
	director := NewDirector(cache, blocker, cfg.AllowPrivate)

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	racer := NewRacer(timeout)

	ctx, cancel := context.WithCancel(context.Background())
	return &Proxy{
		config:    cfg,
		handler:   NewHandler(director, racer, collector, timeout),
		authStore: store,
		collector: collector,
		blocker:   blocker,
		cache:     cache,
		sem:       semaphore.NewWeighted(maxConns),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// governorLimit derives the concurrent connection budget from the process
// file descriptor limit.
func governorLimit() (int64, error) {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return 0, NewProxyError(ErrCodeRlimitQueryFailed, "failed to query file descriptor limit", err)
	}
	budget := int64(float64(limit.Cur) * rlimitShare)
	if budget < 1 {
		budget = 1
	}
	return budget, nil
}

// listenNetwork picks tcp4 or tcp6 when the listen host is an address
// literal, so a v4 bind address never produces a v6 socket.
func listenNetwork(listenAddress string) string {
	host, _, err := net.SplitHostPort(listenAddress)
	if err != nil {
		return "tcp"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "tcp"
	}
	if ip.To4() != nil {
		return "tcp4"
	}
	return "tcp6"
}

// Start begins accepting connections and blocks until Stop is called or the
// listener fails.
func (p *Proxy) Start() error {
	listener, err := net.Listen(listenNetwork(p.config.ListenAddress), p.config.ListenAddress)
	if err != nil {
		return NewProxyError(ErrCodeListenerCreateFailed,
			"failed to listen on "+p.config.ListenAddress, err)
	}
	return p.StartWithListener(listener)
}

// StartWithListener runs the accept loop on a caller-provided listener.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	p.listener = listener
	logger.Info("Proxy listening on %s", listener.Addr())

	var acceptDelay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-p.ctx.Done():
				return nil
			default:
			}
			// Transient failures like EMFILE under fd pressure must not
			// take the whole proxy down; back off and keep accepting.
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if acceptDelay == 0 {
					acceptDelay = 5 * time.Millisecond
				} else {
					acceptDelay *= 2
				}
				if acceptDelay > time.Second {
					acceptDelay = time.Second
				}
				logger.Warn("Accept failed: %v; retrying in %s", err, acceptDelay)
				time.Sleep(acceptDelay)
				continue
			}
			logger.Error("Accept failed: %v", err)
			return NewProxyError(ErrCodeListenerCreateFailed, "accept failed", err)
		}
		acceptDelay = 0

		p.wg.Add(1)
		go func(conn net.Conn) {
			defer p.wg.Done()
			if err := p.sem.Acquire(p.ctx, 1); err != nil {
				closeConn(conn, "client")
				return
			}
			defer p.sem.Release(1)
			p.handleConnection(conn)
		}(conn)
	}
}

// Stop shuts the proxy down: the listener closes, in-flight connections get
// a grace period and the statistics backend is flushed.
func (p *Proxy) Stop() error {
	p.cancel()
	if p.listener != nil {
		if err := p.listener.Close(); err != nil {
			logger.Error("Error closing listener: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("Shutdown grace period elapsed with connections still open")
	}

	return p.collector.Close()
}

// PurgeDNSCache drops all cached DNS entries. Used on configuration reload.
func (p *Proxy) PurgeDNSCache() {
	p.cache.Purge()
}

// handleConnection serves one client connection from parse to teardown.
func (p *Proxy) handleConnection(conn net.Conn) {
	ident := newConnIdent(conn)
	start := time.Now()
	defer closeConn(conn, "client")

	reader := bufio.NewReaderSize(conn, relayBufferSize)
	req, err := ParseRequest(conn, reader)
	if err != nil {
		logger.Debug(logFor(ident, "Dropping connection: %v"), err)
		return
	}

	if p.authStore != nil {
		user, ok := p.authenticate(ident, conn, req)
		if !ok {
			return
		}
		ident = ident.withUser(user)
	}

	defPort := defaultHTTPPort
	if req.IsConnect() {
		defPort = defaultConnectPort
	}
	host, port, err := req.HostPort(defPort)
	if err != nil {
		host, port = "", 0
	}

	connID, statErr := p.collector.StartConnection(p.ctx, ident.Client, host, port)
	if statErr != nil {
		logger.Error("Failed to record connection start: %v", statErr)
	}

	sent, received := p.handler.Handle(p.ctx, ident, conn, reader, req)

	duration := time.Since(start)
	if statErr == nil {
		if err := p.collector.EndConnection(p.ctx, connID, sent, received, duration); err != nil {
			logger.Error("Failed to record connection end: %v", err)
		}
	}
	logger.Debug(logFor(ident, "Connection finished in %s"), duration)
}

// authenticate enforces digest authentication. A missing or invalid
// Proxy-Authorization header earns a 407 with a fresh challenge and the
// connection is closed; clients retry with credentials.
func (p *Proxy) authenticate(ident connIdent, conn net.Conn, req *Request) (string, bool) {
	header, ok := req.HeaderValue("Proxy-Authorization")
	if ok {
		creds, err := auth.ParseAuthorization(header)
		if err == nil && auth.Verify(p.authStore, creds, req.Method) {
			return creds.Username, true
		}
		if err != nil {
			logger.Debug(logFor(ident, "Unparseable Proxy-Authorization header: %v"), err)
		}
	}

	challenge, err := auth.NewChallenge()
	if err != nil {
		logger.Error(logFor(ident, "Failed to build auth challenge: %v"), err)
		writeSimpleResponse(conn, 500, "Internal Server Error")
		return "", false
	}

	logger.Info(logFor(ident, "Requesting authentication for %s %s"), req.Method, req.Target)
	writeChallengeResponse(conn, challenge)
	return "", false
}

func writeChallengeResponse(conn net.Conn, challenge *auth.Challenge) {
	resp := "HTTP/1.1 407 Proxy Authentication Required\r\n" +
		"Proxy-Authenticate: " + challenge.Header() + "\r\n" +
		"Connection: close\r\n" +
		"Content-Length: 0\r\n\r\n"
	if _, err := conn.Write([]byte(resp)); err != nil {
		logger.Trace("Error writing auth challenge: %v", err)
	}
}
