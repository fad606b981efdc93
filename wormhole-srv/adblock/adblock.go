// Package adblock implements the ad-domain blocklist: a SQLite-backed domain
// database, an allowlist that can suppress blocks, and a matcher that blocks
// a hostname when it or any registered parent domain is listed.
package adblock

import (
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	_ "github.com/mattn/go-sqlite3"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/logger"
)

// Blocker decides whether a hostname belongs to a known ad/tracker domain.
// The zero value blocks nothing and is safe to use.
type Blocker struct {
	mu           sync.RWMutex
	blockTrie    *ahocorasick.Trie
	blockDomains []string
	allowTrie    *ahocorasick.Trie
	allowDomains []string
}

// NewBlocker builds a Blocker from explicit domain lists.
func NewBlocker(blocked, allowed []string) *Blocker {
	b := &Blocker{}
	b.setBlocked(blocked)
	b.setAllowed(allowed)
	return b
}

func normalizeDomains(domains []string) []string {
	seen := make(map[string]struct{}, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(d), "."))
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (b *Blocker) setBlocked(domains []string) {
	domains = normalizeDomains(domains)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockDomains = domains
	if len(domains) > 0 {
		b.blockTrie = ahocorasick.NewTrieBuilder().AddStrings(domains).Build()
	} else {
		b.blockTrie = nil
	}
}

func (b *Blocker) setAllowed(domains []string) {
	domains = normalizeDomains(domains)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowDomains = domains
	if len(domains) > 0 {
		b.allowTrie = ahocorasick.NewTrieBuilder().AddStrings(domains).Build()
	} else {
		b.allowTrie = nil
	}
}

// BlockedCount returns the number of blocked domains loaded.
func (b *Blocker) BlockedCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blockDomains)
}

// AllowedCount returns the number of allowlist domains loaded.
func (b *Blocker) AllowedCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.allowDomains)
}

// IsAdDomain returns true if host matches a blocked domain, either exactly or
// through a registered parent domain. An allowlist entry at equal or broader
// specificity than the matching block entry suppresses the block.
func (b *Blocker) IsAdDomain(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	blockMatch := deepestMatch(b.blockTrie, b.blockDomains, host)
	if blockMatch == "" {
		return false
	}

	allowMatch := deepestMatch(b.allowTrie, b.allowDomains, host)
	if allowMatch != "" && labelCount(allowMatch) <= labelCount(blockMatch) {
		logger.Debug("Allowlist entry %s overrides block on %s (%s)", allowMatch, host, blockMatch)
		return false
	}

	return true
}

// deepestMatch returns the most specific listed domain that equals host or is
// a parent of it, or "" if none matches.
func deepestMatch(trie *ahocorasick.Trie, domains []string, host string) string {
	if trie == nil {
		return ""
	}
	best := ""
	for _, match := range trie.MatchString(host) {
		domain := domains[match.Pattern()]
		if host != domain && !strings.HasSuffix(host, "."+domain) {
			continue
		}
		if len(domain) > len(best) {
			best = domain
		}
	}
	return best
}

func labelCount(domain string) int {
	return strings.Count(domain, ".") + 1
}

// LoadDatabase replaces the blocklist with the contents of a SQLite database
// compiled by UpdateDatabase. Returns the number of domains loaded.
func (b *Blocker) LoadDatabase(path string) (int, error) {
	db, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return 0, fmt.Errorf("failed to open ad-block database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("Error closing ad-block database: %v", closeErr)
		}
	}()

	rows, err := db.Query("SELECT domain FROM blocked_domains")
	if err != nil {
		return 0, fmt.Errorf("failed to query ad-block database: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logger.Error("Error closing ad-block query: %v", closeErr)
		}
	}()

	var domains []string
	for rows.Next() {
		var domain string
		if err := rows.Scan(&domain); err != nil {
			return 0, fmt.Errorf("failed to read ad-block row: %w", err)
		}
		domains = append(domains, domain)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate ad-block rows: %w", err)
	}

	b.setBlocked(domains)
	return b.BlockedCount(), nil
}

// ReadAllowlistFile parses a file of domains, one per line, with # comments.
func ReadAllowlistFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read allowlist file: %w", err)
	}

	var domains []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, line)
	}
	return domains, nil
}

// LoadAllowlistFile extends the allowlist from a file. Returns the total
// allowlist size.
func (b *Blocker) LoadAllowlistFile(path string) (int, error) {
	fromFile, err := ReadAllowlistFile(path)
	if err != nil {
		return 0, err
	}

	b.mu.RLock()
	domains := append([]string(nil), b.allowDomains...)
	b.mu.RUnlock()

	b.setAllowed(append(domains, fromFile...))
	return b.AllowedCount(), nil
}
