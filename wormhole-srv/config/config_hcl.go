package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// loadHCLConfig loads configuration from an HCL file into cfg.
// The file uses attribute syntax only, mirroring the JSON layout:
//
//	listen-address = "0.0.0.0:8800"
//	dns = { servers = [{ address = "8.8.8.8:53", type = "udp" }] }
func loadHCLConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	src, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, cleanPath)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("failed to read HCL attributes: %s", diags.Error())
	}

	for name, attr := range attrs {
		val, diags := attr.Expr.Value(&hcl.EvalContext{})
		if diags.HasErrors() {
			return fmt.Errorf("failed to evaluate %q: %s", name, diags.Error())
		}

		switch name {
		case "listen-address":
			if err := ctyString(val, &cfg.ListenAddress); err != nil {
				return fmt.Errorf("listen-address: %w", err)
			}
		case "timeout-seconds":
			if err := ctyInt(val, &cfg.TimeoutSeconds); err != nil {
				return fmt.Errorf("timeout-seconds: %w", err)
			}
		case "max-concurrent-connections":
			if err := ctyInt(val, &cfg.MaxConcurrentConnections); err != nil {
				return fmt.Errorf("max-concurrent-connections: %w", err)
			}
		case "allow-private":
			if err := ctyBool(val, &cfg.AllowPrivate); err != nil {
				return fmt.Errorf("allow-private: %w", err)
			}
		case "auth-file":
			if err := ctyString(val, &cfg.AuthFile); err != nil {
				return fmt.Errorf("auth-file: %w", err)
			}
		case "ad-block-db":
			if err := ctyString(val, &cfg.AdBlockDB); err != nil {
				return fmt.Errorf("ad-block-db: %w", err)
			}
		case "allowlist-file":
			if err := ctyString(val, &cfg.AllowlistFile); err != nil {
				return fmt.Errorf("allowlist-file: %w", err)
			}
		case "dns-cache-ttl-seconds":
			if err := ctyInt(val, &cfg.DNSCacheTTLSeconds); err != nil {
				return fmt.Errorf("dns-cache-ttl-seconds: %w", err)
			}
		case "dns":
			if err := decodeDNSConfig(val, &cfg.DNS); err != nil {
				return fmt.Errorf("dns: %w", err)
			}
		case "statistics":
			if err := decodeStatisticsConfig(val, &cfg.Statistics); err != nil {
				return fmt.Errorf("statistics: %w", err)
			}
		default:
			return fmt.Errorf("unknown configuration attribute %q", name)
		}
	}

	return nil
}

func decodeDNSConfig(val cty.Value, out *DNSConfig) error {
	if !val.Type().IsObjectType() {
		return fmt.Errorf("must be an object")
	}
	obj := val.AsValueMap()
	serversVal, ok := obj["servers"]
	if !ok {
		return nil
	}
	if !serversVal.CanIterateElements() {
		return fmt.Errorf("servers must be a list")
	}

	servers := []DNSServerConfig{}
	for it := serversVal.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		if !elem.Type().IsObjectType() {
			return fmt.Errorf("servers entries must be objects")
		}
		entry := elem.AsValueMap()

		server := DNSServerConfig{Type: DNSTypeUDP, TimeoutSeconds: 10}
		if v, ok := entry["address"]; ok {
			if err := ctyString(v, &server.Address); err != nil {
				return fmt.Errorf("server address: %w", err)
			}
		}
		if v, ok := entry["type"]; ok {
			var typeStr string
			if err := ctyString(v, &typeStr); err != nil {
				return fmt.Errorf("server type: %w", err)
			}
			switch DNSType(typeStr) {
			case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
				server.Type = DNSType(typeStr)
			default:
				return fmt.Errorf("invalid DNS server type: %s", typeStr)
			}
		}
		if v, ok := entry["timeout-seconds"]; ok {
			if err := ctyInt(v, &server.TimeoutSeconds); err != nil {
				return fmt.Errorf("server timeout-seconds: %w", err)
			}
		}
		if v, ok := entry["tls-host"]; ok {
			if err := ctyString(v, &server.TLSHost); err != nil {
				return fmt.Errorf("server tls-host: %w", err)
			}
		}
		servers = append(servers, server)
	}

	out.Servers = servers
	return nil
}

func decodeStatisticsConfig(val cty.Value, out *StatisticsConfig) error {
	if !val.Type().IsObjectType() {
		return fmt.Errorf("must be an object")
	}
	obj := val.AsValueMap()

	if v, ok := obj["enabled"]; ok {
		if err := ctyBool(v, &out.Enabled); err != nil {
			return fmt.Errorf("enabled: %w", err)
		}
	}
	if v, ok := obj["backend"]; ok {
		if err := ctyString(v, &out.Backend); err != nil {
			return fmt.Errorf("backend: %w", err)
		}
	}
	if v, ok := obj["sqlite-path"]; ok {
		if err := ctyString(v, &out.SQLitePath); err != nil {
			return fmt.Errorf("sqlite-path: %w", err)
		}
	}
	if v, ok := obj["postgres-dsn"]; ok {
		if err := ctyString(v, &out.PostgresDSN); err != nil {
			return fmt.Errorf("postgres-dsn: %w", err)
		}
	}
	return nil
}

func ctyString(val cty.Value, out *string) error {
	if val.Type() != cty.String {
		return fmt.Errorf("must be a string")
	}
	*out = val.AsString()
	return nil
}

func ctyInt(val cty.Value, out *int) error {
	if val.Type() != cty.Number {
		return fmt.Errorf("must be a number")
	}
	f, _ := val.AsBigFloat().Int64()
	*out = int(f)
	return nil
}

func ctyBool(val cty.Value, out *bool) error {
	if val.Type() != cty.Bool {
		return fmt.Errorf("must be a boolean")
	}
	*out = val.True()
	return nil
}
