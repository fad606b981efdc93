package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/logger"
)

// StatisticsConfig defines settings for the statistics collector.
type StatisticsConfig struct {
	Enabled     bool   `json:"enabled" hcl:"enabled"`
	Backend     string `json:"backend" hcl:"backend"`           // "dummy", "sqlite" or "postgres"
	SQLitePath  string `json:"sqlite-path" hcl:"sqlite-path"`   // Path to the SQLite database file
	PostgresDSN string `json:"postgres-dsn" hcl:"postgres-dsn"` // PostgreSQL connection string
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	ListenAddress            string           `json:"listen-address" hcl:"listen-address"`
	TimeoutSeconds           int              `json:"timeout-seconds" hcl:"timeout-seconds"`
	MaxConcurrentConnections int              `json:"max-concurrent-connections" hcl:"max-concurrent-connections"` // 0 = derive from RLIMIT_NOFILE
	AllowPrivate             bool             `json:"allow-private" hcl:"allow-private"`
	AuthFile                 string           `json:"auth-file" hcl:"auth-file"`
	AdBlockDB                string           `json:"ad-block-db" hcl:"ad-block-db"`
	AllowlistFile            string           `json:"allowlist-file" hcl:"allowlist-file"`
	DNSCacheTTLSeconds       int              `json:"dns-cache-ttl-seconds" hcl:"dns-cache-ttl-seconds"`
	DNS                      DNSConfig        `json:"dns" hcl:"dns"`
	Statistics               StatisticsConfig `json:"statistics" hcl:"statistics"`
}

// DefaultConfig returns the configuration used when no file or flags override it.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:      "0.0.0.0:8800",
		TimeoutSeconds:     30,
		DNSCacheTTLSeconds: 300,
		DNS:                DefaultDNSConfig(),
	}
}

// LoadConfig loads configuration from the specified file path.
// Supported formats are JSON (.json) and HCL (.hcl). Environment variables
// are applied first, so file values take precedence over them.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	dec := json.NewDecoder(file)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return nil
}

func loadConfigFromEnv(cfg *Config) {
	if addr := os.Getenv("WORMHOLE_LISTENADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}

	if timeoutStr := os.Getenv("WORMHOLE_TIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.TimeoutSeconds = timeout
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for WORMHOLE_TIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}

	if maxConnStr := os.Getenv("WORMHOLE_MAXCONCURRENTCONNECTIONS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			cfg.MaxConcurrentConnections = maxConn
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for WORMHOLE_MAXCONCURRENTCONNECTIONS: %s\n", maxConnStr)
		}
	}

	if allowStr := os.Getenv("WORMHOLE_ALLOWPRIVATE"); allowStr != "" {
		if allow, err := strconv.ParseBool(allowStr); err == nil {
			cfg.AllowPrivate = allow
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for WORMHOLE_ALLOWPRIVATE: %s\n", allowStr)
		}
	}

	if authFile := os.Getenv("WORMHOLE_AUTHFILE"); authFile != "" {
		cfg.AuthFile = authFile
	}

	if dbPath := os.Getenv("WORMHOLE_ADBLOCKDB"); dbPath != "" {
		cfg.AdBlockDB = dbPath
	}

	if allowlist := os.Getenv("WORMHOLE_ALLOWLISTFILE"); allowlist != "" {
		cfg.AllowlistFile = allowlist
	}

	if ttlStr := os.Getenv("WORMHOLE_DNSCACHETTLSECONDS"); ttlStr != "" {
		if ttl, err := strconv.Atoi(ttlStr); err == nil {
			cfg.DNSCacheTTLSeconds = ttl
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for WORMHOLE_DNSCACHETTLSECONDS: %s\n", ttlStr)
		}
	}
}
