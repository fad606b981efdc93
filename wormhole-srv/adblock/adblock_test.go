package adblock

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAdDomainExactAndParent(t *testing.T) {
	b := NewBlocker([]string{"ads.example.com", "tracker.net"}, nil)

	assert.True(t, b.IsAdDomain("ads.example.com"), "exact match must block")
	assert.True(t, b.IsAdDomain("pixel.ads.example.com"), "subdomain of listed domain must block")
	assert.True(t, b.IsAdDomain("TRACKER.NET"), "matching is case-insensitive")
	assert.True(t, b.IsAdDomain("cdn.tracker.net."), "trailing dot is ignored")

	assert.False(t, b.IsAdDomain("example.com"), "parent of a listed domain must not block")
	assert.False(t, b.IsAdDomain("notads.example.com"), "sibling must not block")
	assert.False(t, b.IsAdDomain("sometracker.net"), "partial label overlap must not block")
	assert.False(t, b.IsAdDomain(""))
}

func TestIsAdDomainAllowlistOverride(t *testing.T) {
	b := NewBlocker(
		[]string{"ads.example.com", "metrics.example.org"},
		[]string{"example.com", "metrics.example.org"},
	)

	// Broader allowlist entry suppresses a narrower block.
	assert.False(t, b.IsAdDomain("ads.example.com"))
	assert.False(t, b.IsAdDomain("pixel.ads.example.com"))

	// Equal specificity also suppresses.
	assert.False(t, b.IsAdDomain("metrics.example.org"))

	// A narrower allowlist entry does not unblock a broader rule.
	b2 := NewBlocker([]string{"example.net"}, []string{"good.sub.example.net"})
	assert.True(t, b2.IsAdDomain("bad.example.net"))
}

func TestLoadDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ads.db")
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE blocked_domains (domain TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	for _, d := range []string{"ads.example.com", "tracker.net"} {
		_, err = db.Exec(`INSERT INTO blocked_domains (domain) VALUES (?)`, d)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	b := NewBlocker(nil, nil)
	n, err := b.LoadDatabase(dbPath)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, b.IsAdDomain("tracker.net"))
	assert.False(t, b.IsAdDomain("example.com"))
}

func TestLoadAllowlistFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist.txt")
	content := "# trusted\nexample.com\n\ncdn.example.org\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	b := NewBlocker([]string{"ads.example.com"}, nil)
	assert.True(t, b.IsAdDomain("ads.example.com"))

	n, err := b.LoadAllowlistFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, b.IsAdDomain("ads.example.com"))
}

func TestParseDomains(t *testing.T) {
	content := `# hosts-format comment
0.0.0.0 ads.example.com
127.0.0.1 tracker.net
! adblock comment
||banner.example.org^
plain-domain.io
0.0.0.0 localhost
not a domain line
`
	domains := ParseDomains(content)
	assert.ElementsMatch(t, []string{
		"ads.example.com",
		"tracker.net",
		"banner.example.org",
		"plain-domain.io",
	}, domains)
}

func TestFilterRedundant(t *testing.T) {
	got := FilterRedundant([]string{
		"example.com",
		"ads.example.com",
		"pixel.ads.example.com",
		"tracker.net",
		"example.com", // duplicate
	})
	assert.Equal(t, []string{"example.com", "tracker.net"}, got)
}
