package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/basket/clawremote/internal/agent/agenttest"
	"github.com/basket/clawremote/internal/auth"
	"github.com/basket/clawremote/internal/credential"
	"github.com/basket/clawremote/internal/gateway"
	"github.com/basket/clawremote/internal/session"
)

// startProbeTarget runs a gateway that trusts one freshly generated key for
// identity "phone" and returns its websocket URL and the key's file path.
func startProbeTarget(t *testing.T) (string, string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys := credential.NewAuthorizedKeys()
	keys.Add("phone", signer.PublicKey())
	authn := auth.New(auth.Config{Keys: keys, Logger: logger})
	mgr := session.New(session.Config{Adapter: &agenttest.Adapter{}, Tokens: authn, Logger: logger})
	srv := httptest.NewServer(gateway.New(gateway.Config{Sessions: mgr, Auth: authn, Logger: logger}).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close(context.Background())
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", keyPath
}

func TestProbe_Success(t *testing.T) {
	url, keyPath := startProbeTarget(t)

	var out bytes.Buffer
	code := runProbeCommand(context.Background(), []string{
		"-project", "demo", "-identity", "phone", "-key", keyPath, "-url", url,
	}, &out)
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	var res probeResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if res.ProjectID != "demo" || res.URL != url || res.State == "" {
		t.Fatalf("result = %+v", res)
	}
	if res.TokenExpiresAt.IsZero() {
		t.Fatal("token expiry missing")
	}
}

func TestProbe_UnknownIdentityFails(t *testing.T) {
	url, keyPath := startProbeTarget(t)

	var out bytes.Buffer
	code := runProbeCommand(context.Background(), []string{
		"-project", "demo", "-identity", "laptop", "-key", keyPath, "-url", url,
	}, &out)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if out.Len() != 0 {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestProbe_Usage(t *testing.T) {
	tests := [][]string{
		nil,
		{"-project", "demo"},
		{"-identity", "phone"},
		{"-project", "demo", "-identity", "phone", "extra"},
		{"-bogus"},
	}
	for _, args := range tests {
		if code := runProbeCommand(context.Background(), args, io.Discard); code != 2 {
			t.Errorf("args %v: exit code = %d, want 2", args, code)
		}
	}
}

func TestProbe_MissingKeyFile(t *testing.T) {
	code := runProbeCommand(context.Background(), []string{
		"-project", "demo", "-identity", "phone",
		"-key", filepath.Join(t.TempDir(), "absent"), "-url", "ws://127.0.0.1:1/ws",
	}, io.Discard)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
