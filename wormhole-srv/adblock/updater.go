package adblock

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/logger"
)

// BlocklistURLs are the public blocklists compiled into the ad-block
// database. Hosts-file, Adblock-Plus and plain-domain formats are accepted.
var BlocklistURLs = []string{
	"https://raw.githubusercontent.com/StevenBlack/hosts/master/hosts",
	"https://pgl.yoyo.org/adservers/serverlist.php?hostformat=hosts&showintro=0",
	"https://big.oisd.nl",
}

const fetchTimeout = 60 * time.Second

var (
	hostsLineRegex  = regexp.MustCompile(`^(?:0\.0\.0\.0|127\.0\.0\.1)\s+([a-z0-9][a-z0-9.-]*\.[a-z]{2,})$`)
	abpLineRegex    = regexp.MustCompile(`^\|\|([a-z0-9][a-z0-9.-]*\.[a-z]{2,})\^$`)
	bareDomainRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*\.[a-z]{2,}$`)
)

// ParseDomains extracts blockable domains from a raw blocklist document. It
// understands hosts-file lines, Adblock-Plus ||domain^ rules and bare
// domains; comments and anything else are skipped.
func ParseDomains(content string) []string {
	var domains []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		if m := hostsLineRegex.FindStringSubmatch(line); m != nil {
			domains = append(domains, m[1])
			continue
		}
		if m := abpLineRegex.FindStringSubmatch(line); m != nil {
			domains = append(domains, m[1])
			continue
		}
		if bareDomainRegex.MatchString(line) {
			domains = append(domains, line)
		}
	}
	return domains
}

// FilterRedundant drops domains already covered by a listed parent domain,
// so "ads.example.com" is removed when "example.com" is present. Parent
// matching at lookup time makes the narrower entries dead weight.
func FilterRedundant(domains []string) []string {
	domains = normalizeDomains(domains)
	listed := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		listed[d] = struct{}{}
	}

	out := make([]string, 0, len(domains))
	for _, d := range domains {
		if hasListedParent(d, listed) {
			continue
		}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func hasListedParent(domain string, listed map[string]struct{}) bool {
	for {
		idx := strings.IndexByte(domain, '.')
		if idx < 0 {
			return false
		}
		domain = domain[idx+1:]
		if !strings.Contains(domain, ".") {
			// Bare TLDs are never listed entries.
			return false
		}
		if _, ok := listed[domain]; ok {
			return true
		}
	}
}

// UpdateDatabase downloads all blocklists, removes allowlisted and redundant
// entries and writes the result to a SQLite database at dbPath, replacing any
// previous contents. Returns the number of domains written.
func UpdateDatabase(ctx context.Context, dbPath string, allowed []string) (int, error) {
	client := &http.Client{Timeout: fetchTimeout}

	var collected []string
	for _, url := range BlocklistURLs {
		domains, err := fetchBlocklist(ctx, client, url)
		if err != nil {
			logger.Warn("Skipping blocklist %s: %v", url, err)
			continue
		}
		logger.Info("Fetched %d domains from %s", len(domains), url)
		collected = append(collected, domains...)
	}
	if len(collected) == 0 {
		return 0, fmt.Errorf("no blocklist could be fetched")
	}

	allowBlocker := NewBlocker(nil, allowed)
	allowBlocker.mu.RLock()
	allowTrie, allowDomains := allowBlocker.allowTrie, allowBlocker.allowDomains
	allowBlocker.mu.RUnlock()

	filtered := make([]string, 0, len(collected))
	for _, d := range FilterRedundant(collected) {
		if deepestMatch(allowTrie, allowDomains, d) != "" {
			continue
		}
		filtered = append(filtered, d)
	}

	if err := writeDatabase(ctx, dbPath, filtered); err != nil {
		return 0, err
	}
	return len(filtered), nil
}

func fetchBlocklist(ctx context.Context, client *http.Client, url string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build blocklist request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blocklist: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing blocklist response: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blocklist fetch returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blocklist body: %w", err)
	}
	return ParseDomains(string(body)), nil
}

func writeDatabase(ctx context.Context, dbPath string, domains []string) error {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("failed to open ad-block database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("Error closing ad-block database: %v", closeErr)
		}
	}()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS blocked_domains (
		domain TEXT PRIMARY KEY
	)`); err != nil {
		return fmt.Errorf("failed to create blocked_domains table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM blocked_domains"); err != nil {
		return fmt.Errorf("failed to clear blocked_domains: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO blocked_domains (domain) VALUES (?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil {
			logger.Error("Error closing insert statement: %v", closeErr)
		}
	}()

	for _, domain := range domains {
		if _, err := stmt.ExecContext(ctx, domain); err != nil {
			return fmt.Errorf("failed to insert domain %s: %w", domain, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ad-block database: %w", err)
	}
	return nil
}
