// Package credential holds SSH identities. Keyring is the client side: it
// signs with private keys it never exposes. AuthorizedKeys is the server
// side: public keys on file, keyed by identity id.
package credential

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

var ErrUnknownIdentity = errors.New("credential: unknown identity")

// Identity is an SSH key pair reference. The private half stays behind
// the signer.
type Identity struct {
	ID          string
	DisplayName string
	Fingerprint string
	signer      ssh.Signer
}

// Keyring is a read-mostly identity store, safe for concurrent readers.
type Keyring struct {
	mu  sync.RWMutex
	ids map[string]Identity
}

func NewKeyring() *Keyring {
	return &Keyring{ids: make(map[string]Identity)}
}

// Add registers signer under id, replacing any previous key for id.
func (k *Keyring) Add(id, displayName string, signer ssh.Signer) Identity {
	ident := Identity{
		ID:          id,
		DisplayName: displayName,
		Fingerprint: ssh.FingerprintSHA256(signer.PublicKey()),
		signer:      signer,
	}
	k.mu.Lock()
	k.ids[id] = ident
	k.mu.Unlock()
	return ident
}

// AddPEM parses an unencrypted OpenSSH or PEM private key.
func (k *Keyring) AddPEM(id, displayName string, pemBytes []byte) (Identity, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return Identity{}, fmt.Errorf("parse private key for %s: %w", id, err)
	}
	return k.Add(id, displayName, signer), nil
}

// LoadFile reads a private key file into the keyring.
func (k *Keyring) LoadFile(id, path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("read key %s: %w", path, err)
	}
	return k.AddPEM(id, id, data)
}

func (k *Keyring) Signer(id string) (ssh.Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ident, ok := k.ids[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	return ident.signer, nil
}

func (k *Keyring) Fingerprint(id string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ident, ok := k.ids[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	return ident.Fingerprint, nil
}

// Remove deletes an identity. Profiles still referencing it fail to sign.
func (k *Keyring) Remove(id string) {
	k.mu.Lock()
	delete(k.ids, id)
	k.mu.Unlock()
}

func (k *Keyring) List() []Identity {
	k.mu.RLock()
	out := make([]Identity, 0, len(k.ids))
	for _, ident := range k.ids {
		out = append(out, ident)
	}
	k.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ServerProfile is a saved connection target. Several profiles may share
// one identity.
type ServerProfile struct {
	ID              string
	Name            string
	Host            string
	Port            int
	Username        string
	IdentityID      string
	LastConnectedAt time.Time
	Reachable       bool
}

// URL is the websocket endpoint of the profile's wrapper service.
func (p ServerProfile) URL() string {
	port := p.Port
	if port == 0 {
		port = 18790
	}
	return "ws://" + p.Host + ":" + strconv.Itoa(port) + "/ws"
}
