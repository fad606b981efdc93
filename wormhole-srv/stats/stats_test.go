package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/config"
)

func TestNewCollectorSelection(t *testing.T) {
	c, err := NewCollector(config.StatisticsConfig{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, &DummyCollector{}, c)

	c, err = NewCollector(config.StatisticsConfig{Enabled: true, Backend: "dummy"})
	require.NoError(t, err)
	assert.IsType(t, &DummyCollector{}, c)

	_, err = NewCollector(config.StatisticsConfig{Enabled: true, Backend: "sqlite"})
	assert.Error(t, err, "sqlite backend without a path must fail")

	_, err = NewCollector(config.StatisticsConfig{Enabled: true, Backend: "postgres"})
	assert.Error(t, err, "postgres backend without a DSN must fail")

	_, err = NewCollector(config.StatisticsConfig{Enabled: true, Backend: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestDummyCollectorNoOps(t *testing.T) {
	ctx := context.Background()
	c := NewDummyCollector()

	id, err := c.StartConnection(ctx, "127.0.0.1", "example.com", 443)
	require.NoError(t, err)
	assert.NoError(t, c.EndConnection(ctx, id, 1, 2, time.Second))
	assert.NoError(t, c.RecordAllowedRequest(ctx, "example.com"))
	assert.NoError(t, c.RecordBlockedRequest(ctx, "ads.example.com", "adblock"))
	assert.NoError(t, c.RecordError(ctx, "dial", "boom"))
	assert.NoError(t, c.Close())
}

func TestSQLiteCollectorRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stats.db")

	c, err := NewSQLiteCollector(path)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, c.Close())
	}()

	id, err := c.StartConnection(ctx, "203.0.113.7", "example.com", 443)
	require.NoError(t, err)
	require.NoError(t, c.EndConnection(ctx, id, 1024, 4096, 1500*time.Millisecond))
	require.NoError(t, c.RecordAllowedRequest(ctx, "example.com"))
	require.NoError(t, c.RecordBlockedRequest(ctx, "ads.example.com", "E3001"))
	require.NoError(t, c.RecordError(ctx, "dial", "connection refused"))

	sqlC, ok := c.(*sqlCollector)
	require.True(t, ok)

	var bytesSent, durationMS int64
	err = sqlC.db.QueryRow(
		`SELECT bytes_sent, duration_ms FROM connections WHERE id = ?`, id).
		Scan(&bytesSent, &durationMS)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), bytesSent)
	assert.Equal(t, int64(1500), durationMS)

	var blocked int
	err = sqlC.db.QueryRow(
		`SELECT COUNT(*) FROM request_events WHERE outcome = 'blocked' AND reason = 'E3001'`).
		Scan(&blocked)
	require.NoError(t, err)
	assert.Equal(t, 1, blocked)

	var errCount int
	err = sqlC.db.QueryRow(`SELECT COUNT(*) FROM errors WHERE error_type = 'dial'`).Scan(&errCount)
	require.NoError(t, err)
	assert.Equal(t, 1, errCount)
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	c := &sqlCollector{postgres: true}
	got := c.rebind(`INSERT INTO t (a, b) VALUES (?, ?)`)
	assert.Equal(t, `INSERT INTO t (a, b) VALUES ($1, $2)`, got)

	plain := &sqlCollector{}
	assert.Equal(t, `SELECT ?`, plain.rebind(`SELECT ?`))
}
