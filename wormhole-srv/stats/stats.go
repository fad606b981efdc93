// Package stats records proxy connection statistics behind a pluggable
// Collector interface. Backends: dummy (default), sqlite, postgres.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/config"
)

// Collector receives connection lifecycle events. Implementations must be
// safe for concurrent use; recording failures are logged, never propagated
// to the connection path.
type Collector interface {
	// StartConnection records a new client connection and returns an id to
	// correlate the matching EndConnection.
	StartConnection(ctx context.Context, clientAddr, targetHost string, targetPort int) (int64, error)
	// EndConnection closes out a connection record with transfer totals.
	EndConnection(ctx context.Context, connID int64, bytesSent, bytesReceived int64, duration time.Duration) error
	// RecordAllowedRequest counts a request that passed all policy checks.
	RecordAllowedRequest(ctx context.Context, host string) error
	// RecordBlockedRequest counts a request denied by the ad blocker or the
	// private-address policy.
	RecordBlockedRequest(ctx context.Context, host, reason string) error
	// RecordError counts a failure while serving a connection.
	RecordError(ctx context.Context, errorType, message string) error
	// Close flushes and releases backend resources.
	Close() error
}

// NewCollector builds the collector selected by cfg. Disabled statistics
// yield the dummy collector.
func NewCollector(cfg config.StatisticsConfig) (Collector, error) {
	if !cfg.Enabled {
		return NewDummyCollector(), nil
	}
	switch cfg.Backend {
	case "", "dummy":
		return NewDummyCollector(), nil
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("statistics backend sqlite requires sqlite-path")
		}
		return NewSQLiteCollector(cfg.SQLitePath)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("statistics backend postgres requires postgres-dsn")
		}
		return NewPostgresCollector(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown statistics backend: %s", cfg.Backend)
	}
}

// DummyCollector implements Collector with no-ops.
type DummyCollector struct{}

// NewDummyCollector returns a collector that drops all events.
func NewDummyCollector() *DummyCollector { return &DummyCollector{} }

func (d *DummyCollector) StartConnection(context.Context, string, string, int) (int64, error) {
	return 0, nil
}

func (d *DummyCollector) EndConnection(context.Context, int64, int64, int64, time.Duration) error {
	return nil
}

func (d *DummyCollector) RecordAllowedRequest(context.Context, string) error { return nil }

func (d *DummyCollector) RecordBlockedRequest(context.Context, string, string) error { return nil }

func (d *DummyCollector) RecordError(context.Context, string, string) error { return nil }

func (d *DummyCollector) Close() error { return nil }
