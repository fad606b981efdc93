// Package auth implements Digest proxy authentication (SHA-256, qop=auth)
// backed by a htdigest-style credential file.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/logger"
)

// Realm identifies the protection space in challenges and stored HA1 hashes.
const Realm = "Wormhole Proxy"

// Challenge is a single Proxy-Authenticate challenge. A fresh one is issued
// for every 407 response; there is no nonce replay tracking.
type Challenge struct {
	Nonce  string
	Opaque string
}

// NewChallenge creates a challenge with random nonce and opaque values.
func NewChallenge() (*Challenge, error) {
	nonce, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	opaque, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("failed to generate opaque: %w", err)
	}
	return &Challenge{Nonce: nonce, Opaque: opaque}, nil
}

// Header renders the Proxy-Authenticate header value.
func (c *Challenge) Header() string {
	return fmt.Sprintf(`Digest realm="%s", qop="auth", algorithm=SHA-256, nonce="%s", opaque="%s"`,
		Realm, c.Nonce, c.Opaque)
}

// Credentials are the parsed fields of a Proxy-Authorization digest header.
type Credentials struct {
	Username string
	Realm    string
	Nonce    string
	URI      string
	QOP      string
	NC       string
	CNonce   string
	Response string
	Opaque   string
}

// ParseAuthorization parses a "Digest key=value, ..." Proxy-Authorization
// header value. Values may be quoted or bare; keys are case-insensitive.
func ParseAuthorization(header string) (*Credentials, error) {
	const prefix = "digest "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return nil, fmt.Errorf("not a digest authorization header")
	}

	creds := &Credentials{}
	for _, part := range splitAuthParams(header[len(prefix):]) {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"`)

		switch key {
		case "username":
			creds.Username = value
		case "realm":
			creds.Realm = value
		case "nonce":
			creds.Nonce = value
		case "uri":
			creds.URI = value
		case "qop":
			creds.QOP = value
		case "nc":
			creds.NC = value
		case "cnonce":
			creds.CNonce = value
		case "response":
			creds.Response = value
		case "opaque":
			creds.Opaque = value
		}
	}

	if creds.Username == "" || creds.Nonce == "" || creds.Response == "" {
		return nil, fmt.Errorf("digest authorization header missing required fields")
	}
	return creds, nil
}

// splitAuthParams splits on commas outside of quoted strings.
func splitAuthParams(s string) []string {
	var parts []string
	start := 0
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// Verify checks a client response against the stored HA1 for the user using
// a constant-time comparison. Nonces are not tracked server-side; the digest
// binds the client's nonce into the hash, and any failure simply earns the
// client a fresh challenge.
func Verify(store *Store, creds *Credentials, method string) bool {
	if creds.Realm != Realm {
		logger.Debug("Digest auth rejected for %s: wrong realm %q", creds.Username, creds.Realm)
		return false
	}
	if creds.QOP != "auth" {
		logger.Debug("Digest auth rejected for %s: unsupported qop %q", creds.Username, creds.QOP)
		return false
	}

	ha1, ok := store.HA1(creds.Username)
	if !ok {
		logger.Debug("Digest auth rejected: unknown user %s", creds.Username)
		return false
	}

	expected := ComputeResponse(ha1, method, creds.URI, creds.Nonce, creds.NC, creds.CNonce, creds.QOP)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(creds.Response))) != 1 {
		logger.Debug("Digest auth rejected for %s: bad response", creds.Username)
		return false
	}
	return true
}

// ComputeHA1 hashes username:realm:password with SHA-256.
func ComputeHA1(username, realm, password string) string {
	return hashHex(username + ":" + realm + ":" + password)
}

// ComputeResponse derives the expected digest response from a stored HA1.
func ComputeResponse(ha1, method, uri, nonce, nc, cnonce, qop string) string {
	ha2 := hashHex(method + ":" + uri)
	return hashHex(strings.Join([]string{ha1, nonce, nc, cnonce, qop, ha2}, ":"))
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
