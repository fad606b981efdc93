package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// sqlCollector implements Collector on top of database/sql. SQLite and
// Postgres share the schema; only the placeholder syntax differs.
type sqlCollector struct {
	db       *sql.DB
	postgres bool
}

// NewSQLiteCollector opens (and if needed initializes) a SQLite statistics
// database at path.
func NewSQLiteCollector(path string) (Collector, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite statistics database: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	c := &sqlCollector{db: db}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// NewPostgresCollector connects to a Postgres statistics database.
func NewPostgresCollector(dsn string) (Collector, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres statistics database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres statistics database: %w", err)
	}

	c := &sqlCollector{db: db, postgres: true}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *sqlCollector) initSchema() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if c.postgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS connections (
			id %s,
			client_addr TEXT NOT NULL,
			target_host TEXT NOT NULL,
			target_port INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			bytes_sent BIGINT NOT NULL DEFAULT 0,
			bytes_received BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0
		)`, serial),
		`CREATE TABLE IF NOT EXISTS request_events (
			host TEXT NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS errors (
			error_type TEXT NOT NULL,
			message TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize statistics schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $N for postgres.
func (c *sqlCollector) rebind(query string) string {
	if !c.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *sqlCollector) StartConnection(ctx context.Context, clientAddr, targetHost string, targetPort int) (int64, error) {
	now := time.Now().UTC()
	if c.postgres {
		var id int64
		err := c.db.QueryRowContext(ctx,
			`INSERT INTO connections (client_addr, target_host, target_port, started_at)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			clientAddr, targetHost, targetPort, now).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to record connection start: %w", err)
		}
		return id, nil
	}

	res, err := c.db.ExecContext(ctx,
		`INSERT INTO connections (client_addr, target_host, target_port, started_at)
		 VALUES (?, ?, ?, ?)`,
		clientAddr, targetHost, targetPort, now)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return res.LastInsertId()
}

func (c *sqlCollector) EndConnection(ctx context.Context, connID int64, bytesSent, bytesReceived int64, duration time.Duration) error {
	_, err := c.db.ExecContext(ctx, c.rebind(
		`UPDATE connections SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ? WHERE id = ?`),
		time.Now().UTC(), bytesSent, bytesReceived, duration.Milliseconds(), connID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

func (c *sqlCollector) RecordAllowedRequest(ctx context.Context, host string) error {
	_, err := c.db.ExecContext(ctx, c.rebind(
		`INSERT INTO request_events (host, outcome, occurred_at) VALUES (?, 'allowed', ?)`),
		host, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record allowed request: %w", err)
	}
	return nil
}

func (c *sqlCollector) RecordBlockedRequest(ctx context.Context, host, reason string) error {
	_, err := c.db.ExecContext(ctx, c.rebind(
		`INSERT INTO request_events (host, outcome, reason, occurred_at) VALUES (?, 'blocked', ?, ?)`),
		host, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record blocked request: %w", err)
	}
	return nil
}

func (c *sqlCollector) RecordError(ctx context.Context, errorType, message string) error {
	_, err := c.db.ExecContext(ctx, c.rebind(
		`INSERT INTO errors (error_type, message, occurred_at) VALUES (?, ?, ?)`),
		errorType, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

func (c *sqlCollector) Close() error {
	return c.db.Close()
}
