package config

// HasChanged returns true if the configuration has changed compared to another
// config. This implementation explicitly compares all fields without using
// reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenAddress != b.ListenAddress {
		return true
	}
	if a.TimeoutSeconds != b.TimeoutSeconds {
		return true
	}
	if a.MaxConcurrentConnections != b.MaxConcurrentConnections {
		return true
	}
	if a.AllowPrivate != b.AllowPrivate {
		return true
	}
	if a.AuthFile != b.AuthFile {
		return true
	}
	if a.AdBlockDB != b.AdBlockDB {
		return true
	}
	if a.AllowlistFile != b.AllowlistFile {
		return true
	}
	if a.DNSCacheTTLSeconds != b.DNSCacheTTLSeconds {
		return true
	}
	if !dnsConfigEqual(a.DNS, b.DNS) {
		return true
	}
	if a.Statistics != b.Statistics {
		return true
	}
	return false
}

func dnsConfigEqual(a, b DNSConfig) bool {
	if len(a.Servers) != len(b.Servers) {
		return false
	}
	for i := range a.Servers {
		if a.Servers[i] != b.Servers[i] {
			return false
		}
	}
	return true
}
