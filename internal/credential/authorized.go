package credential

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/crypto/ssh"
)

// AuthorizedKeys maps identity ids to public keys, loaded from an
// authorized_keys style file where each key's comment is its identity id.
// Keys without a comment are keyed by fingerprint.
type AuthorizedKeys struct {
	path string

	mu   sync.RWMutex
	keys map[string]ssh.PublicKey
}

// LoadAuthorizedKeys reads path. A missing file yields an empty set.
func LoadAuthorizedKeys(path string) (*AuthorizedKeys, error) {
	a := &AuthorizedKeys{path: path, keys: make(map[string]ssh.PublicKey)}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewAuthorizedKeys returns an empty in-memory set.
func NewAuthorizedKeys() *AuthorizedKeys {
	return &AuthorizedKeys{keys: make(map[string]ssh.PublicKey)}
}

// Reload re-reads the backing file, replacing the set atomically.
func (a *AuthorizedKeys) Reload() error {
	if a.path == "" {
		return nil
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			data = nil
		} else {
			return fmt.Errorf("read authorized keys: %w", err)
		}
	}
	keys, err := ParseAuthorizedKeys(data)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.keys = keys
	a.mu.Unlock()
	return nil
}

// ParseAuthorizedKeys parses authorized_keys content.
func ParseAuthorizedKeys(data []byte) (map[string]ssh.PublicKey, error) {
	keys := make(map[string]ssh.PublicKey)
	rest := data
	for len(bytes.TrimSpace(rest)) > 0 {
		key, comment, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			if !hasKeyLines(rest) {
				break
			}
			return nil, fmt.Errorf("parse authorized keys: %w", err)
		}
		id := comment
		if id == "" {
			id = ssh.FingerprintSHA256(key)
		}
		keys[id] = key
		rest = next
	}
	return keys, nil
}

// hasKeyLines reports whether anything but blank and # lines remains.
func hasKeyLines(in []byte) bool {
	for _, line := range bytes.Split(in, []byte("\n")) {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) != 0 && trimmed[0] != '#' {
			return true
		}
	}
	return false
}

// Add registers key under id in memory.
func (a *AuthorizedKeys) Add(id string, key ssh.PublicKey) {
	a.mu.Lock()
	a.keys[id] = key
	a.mu.Unlock()
}

func (a *AuthorizedKeys) PublicKey(id string) (ssh.PublicKey, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	key, ok := a.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	return key, nil
}

func (a *AuthorizedKeys) Fingerprint(id string) (string, error) {
	key, err := a.PublicKey(id)
	if err != nil {
		return "", err
	}
	return ssh.FingerprintSHA256(key), nil
}

func (a *AuthorizedKeys) IDs() []string {
	a.mu.RLock()
	out := make([]string, 0, len(a.keys))
	for id := range a.keys {
		out = append(out, id)
	}
	a.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (a *AuthorizedKeys) Path() string { return a.path }
