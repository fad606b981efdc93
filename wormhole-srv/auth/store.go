package auth

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/logger"
)

// Store holds proxy credentials loaded from a htdigest-style file. Each line
// is "username:realm:ha1"; lines for other realms are preserved on rewrite
// but never match.
type Store struct {
	path string

	mu    sync.RWMutex
	users map[string]string // username -> HA1, current realm only
	other []string          // untouched lines for foreign realms
}

// LoadStore reads the credential file at path. A missing file yields an
// empty store so user management commands can bootstrap it.
func LoadStore(path string) (*Store, error) {
	s := &Store{path: path, users: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read auth file: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, ":", 3)
		if len(fields) != 3 {
			logger.Warn("Skipping malformed auth file line")
			continue
		}
		if fields[1] != Realm {
			s.other = append(s.other, line)
			continue
		}
		s.users[fields[0]] = strings.ToLower(fields[2])
	}

	logger.Debug("Loaded %d credentials from %s", len(s.users), path)
	return s, nil
}

// HA1 returns the stored hash for username.
func (s *Store) HA1(username string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ha1, ok := s.users[username]
	return ha1, ok
}

// Len returns the number of credentials for the current realm.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// AddUser adds a new credential and rewrites the file. Fails if the user
// already exists.
func (s *Store) AddUser(username, password string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return fmt.Errorf("user %s already exists", username)
	}
	s.users[username] = ComputeHA1(username, Realm, password)
	return s.writeLocked()
}

// ModifyUser replaces the password of an existing user and rewrites the file.
func (s *Store) ModifyUser(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; !exists {
		return fmt.Errorf("user %s does not exist", username)
	}
	s.users[username] = ComputeHA1(username, Realm, password)
	return s.writeLocked()
}

// DeleteUser removes a user and rewrites the file.
func (s *Store) DeleteUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; !exists {
		return fmt.Errorf("user %s does not exist", username)
	}
	delete(s.users, username)
	return s.writeLocked()
}

func validateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("username must not be empty")
	}
	if strings.ContainsAny(username, ":\n") {
		return fmt.Errorf("username must not contain ':' or newlines")
	}
	return nil
}

// writeLocked rewrites the credential file atomically. Caller holds s.mu.
func (s *Store) writeLocked() error {
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, line := range s.other {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	for _, name := range names {
		fmt.Fprintf(&buf, "%s:%s:%s\n", name, Realm, s.users[name])
	}

	if err := atomic.WriteFile(s.path, &buf); err != nil {
		return fmt.Errorf("failed to write auth file: %w", err)
	}
	return nil
}
