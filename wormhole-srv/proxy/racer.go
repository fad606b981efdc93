package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/logger"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultMaxRounds   = 3
)

// Racer establishes the fastest possible upstream connection by dialing all
// candidate addresses in parallel and keeping whichever completes first.
// Losing dials are closed. When a whole round fails, it backs off and races
// again, up to MaxRounds rounds.
type Racer struct {
	DialTimeout time.Duration
	MaxRounds   int
}

// NewRacer returns a Racer with timeout defaults applied.
func NewRacer(dialTimeout time.Duration) *Racer {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return &Racer{DialTimeout: dialTimeout, MaxRounds: defaultMaxRounds}
}

type dialResult struct {
	conn net.Conn
	addr string
	err  error
}

// Connect races all addrs on port and returns the winning connection.
func (r *Racer) Connect(ctx context.Context, ident connIdent, addrs []string, port int) (net.Conn, error) {
	if len(addrs) == 0 {
		return nil, NewProxyError(ErrCodeDialFailed, "no candidate addresses to dial", nil)
	}

	maxRounds := r.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 250 * time.Millisecond
	retry.MaxInterval = 2 * time.Second

	var lastErr error
	for round := 0; round < maxRounds; round++ {
		conn, err := r.race(ctx, ident, addrs, port)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		wait := retry.NextBackOff()
		logger.Debug(logFor(ident, "Connection round %d failed, retrying in %s: %v"), round+1, wait, err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, NewProxyError(ErrCodeConnectionTimeout, "connection cancelled", ctx.Err())
		}
	}

	return nil, NewProxyError(ErrCodeAllAttemptsFailed, "all connection attempts failed", lastErr)
}

// race runs one round: every address dialed concurrently, first success wins.
func (r *Racer) race(ctx context.Context, ident connIdent, addrs []string, port int) (net.Conn, error) {
	raceCtx, cancel := context.WithTimeout(ctx, r.DialTimeout)
	defer cancel()

	results := make(chan dialResult, len(addrs))
	for _, addr := range addrs {
		go func(addr string) {
			dialer := &net.Dialer{Timeout: r.DialTimeout}
			target := net.JoinHostPort(addr, strconv.Itoa(port))
			conn, err := dialer.DialContext(raceCtx, "tcp", target)
			results <- dialResult{conn: conn, addr: target, err: err}
		}(addr)
	}

	var lastErr error
	for i := 0; i < len(addrs); i++ {
		res := <-results
		if res.err != nil {
			lastErr = res.err
			continue
		}

		logger.Debug(logFor(ident, "Fastest connection: %s"), res.addr)
		cancel()
		// Reap the slower dials so their sockets do not leak.
		go closeLosers(results, len(addrs)-i-1)
		return res.conn, nil
	}

	return nil, fmt.Errorf("all %d dials failed: %w", len(addrs), lastErr)
}

func closeLosers(results chan dialResult, remaining int) {
	for i := 0; i < remaining; i++ {
		res := <-results
		if res.conn != nil {
			if err := res.conn.Close(); err != nil {
				logger.Trace("Error closing losing connection to %s: %v", res.addr, err)
			}
		}
	}
}
