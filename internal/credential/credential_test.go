package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

func newKey(t *testing.T) (ssh.Signer, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer, priv
}

func authorizedLine(pub ssh.PublicKey, comment string) string {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		line += " " + comment
	}
	return line + "\n"
}

func TestKeyring_SignerAndFingerprint(t *testing.T) {
	signer, _ := newKey(t)
	k := NewKeyring()
	ident := k.Add("laptop", "Laptop key", signer)

	fp, err := k.Fingerprint("laptop")
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp != ident.Fingerprint || !strings.HasPrefix(fp, "SHA256:") {
		t.Fatalf("fingerprint = %q", fp)
	}
	got, err := k.Signer("laptop")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	if ssh.FingerprintSHA256(got.PublicKey()) != fp {
		t.Fatal("signer does not match fingerprint")
	}
	if _, err := k.Signer("phone"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("unknown identity err = %v", err)
	}
	k.Remove("laptop")
	if _, err := k.Fingerprint("laptop"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatal("removed identity still present")
	}
}

func TestKeyring_LoadFile(t *testing.T) {
	_, priv := newKey(t)
	block, err := ssh.MarshalPrivateKey(priv, "test")
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	k := NewKeyring()
	ident, err := k.LoadFile("desk", path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ident.ID != "desk" || ident.Fingerprint == "" {
		t.Fatalf("identity = %+v", ident)
	}
}

func TestKeyring_ConcurrentReaders(t *testing.T) {
	signer, _ := newKey(t)
	k := NewKeyring()
	k.Add("shared", "", signer)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := k.Signer("shared"); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestAuthorizedKeys_LoadAndReload(t *testing.T) {
	alice, _ := newKey(t)
	bob, _ := newKey(t)
	path := filepath.Join(t.TempDir(), "authorized_keys")
	content := "# phones allowed to drive the agent\n\n" + authorizedLine(alice.PublicKey(), "alice-phone")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	keys, err := LoadAuthorizedKeys(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	fp, err := keys.Fingerprint("alice-phone")
	if err != nil || fp != ssh.FingerprintSHA256(alice.PublicKey()) {
		t.Fatalf("fingerprint = %q, %v", fp, err)
	}

	content += authorizedLine(bob.PublicKey(), "")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := keys.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	ids := keys.IDs()
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want 2 entries", ids)
	}
	if _, err := keys.PublicKey(ssh.FingerprintSHA256(bob.PublicKey())); err != nil {
		t.Fatalf("comment-less key should be keyed by fingerprint: %v", err)
	}
}

func TestAuthorizedKeys_MissingFileIsEmpty(t *testing.T) {
	keys, err := LoadAuthorizedKeys(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(keys.IDs()) != 0 {
		t.Fatal("expected no keys")
	}
	if _, err := keys.PublicKey("anyone"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("err = %v", err)
	}
}

func TestServerProfile_URL(t *testing.T) {
	p := ServerProfile{Host: "devbox.local", Port: 9000}
	if got := p.URL(); got != "ws://devbox.local:9000/ws" {
		t.Fatalf("url = %q", got)
	}
	if got := (ServerProfile{Host: "h"}).URL(); got != "ws://h:18790/ws" {
		t.Fatalf("default port url = %q", got)
	}
}
