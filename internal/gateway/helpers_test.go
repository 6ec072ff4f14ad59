package gateway_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/crypto/ssh"

	"github.com/basket/clawremote/internal/agent/agenttest"
	"github.com/basket/clawremote/internal/auth"
	"github.com/basket/clawremote/internal/config"
	"github.com/basket/clawremote/internal/credential"
	"github.com/basket/clawremote/internal/gateway"
	"github.com/basket/clawremote/internal/protocol"
	"github.com/basket/clawremote/internal/session"
)

const adminKey = "admin-secret"

type testEnv struct {
	t      *testing.T
	srv    *httptest.Server
	mgr    *session.Manager
	agent  *agenttest.Adapter
	authn  *auth.Authenticator
	signer ssh.Signer
}

func genSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return s
}

func newTestEnv(t *testing.T, mutate func(*gateway.Config)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	signer := genSigner(t)
	keys := credential.NewAuthorizedKeys()
	keys.Add("phone", signer.PublicKey())

	authn := auth.New(auth.Config{Keys: keys, Logger: logger})
	fake := &agenttest.Adapter{}
	mgr := session.New(session.Config{
		Adapter:          fake,
		Tokens:           authn,
		Logger:           logger,
		HandshakeTimeout: 2 * time.Second,
	})

	cfg := gateway.Config{
		Sessions: mgr,
		Auth:     authn,
		Gateway: config.GatewayConfig{
			APIKeys: []config.APIKeyEntry{{Name: "ops", Key: adminKey}},
		},
		HandshakeTimeout:  2 * time.Second,
		ConfigFingerprint: "fp-test",
		Logger:            logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close(context.Background())
	})
	return &testEnv{t: t, srv: srv, mgr: mgr, agent: fake, authn: authn, signer: signer}
}

func (e *testEnv) dial() *websocket.Conn {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		e.t.Fatalf("dial: %v", err)
	}
	e.t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ protocol.Type, id uint64, payload any) {
	t.Helper()
	env, err := protocol.New(typ, id, time.Now(), payload)
	if err != nil {
		t.Fatalf("new %s: %v", typ, err)
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		t.Fatalf("marshal %s: %v", typ, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	env, err := tryRecv(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func tryRecv(conn *websocket.Conn) (protocol.Envelope, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Unmarshal(data)
}

// recvType skips heartbeats until an envelope of typ arrives.
func recvType(t *testing.T, conn *websocket.Conn, typ protocol.Type) protocol.Envelope {
	t.Helper()
	for {
		env := recv(t, conn)
		if env.Type == typ {
			return env
		}
		if env.Type != protocol.TypeHeartbeat {
			t.Fatalf("got %s (%s), want %s", env.Type, env.Payload, typ)
		}
	}
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return v
}

// authenticate runs hello, challenge and auth on conn and returns the
// issued token.
func authenticate(t *testing.T, conn *websocket.Conn, signer ssh.Signer, projectID string, lastSeen uint64) string {
	t.Helper()
	send(t, conn, protocol.TypeHello, 0, protocol.Hello{ProjectID: projectID, IdentityID: "phone", LastSeenID: lastSeen})
	ch := decode[protocol.Challenge](t, recvType(t, conn, protocol.TypeChallenge))
	resp, err := auth.Sign(signer, ch.Nonce, projectID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	send(t, conn, protocol.TypeAuth, 0, resp)
	ok := decode[protocol.AuthOK](t, recvType(t, conn, protocol.TypeAuthOK))
	if ok.Token == "" {
		t.Fatal("auth_ok without token")
	}
	return ok.Token
}

func (e *testEnv) get(path, credential string) *http.Response {
	e.t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	if err != nil {
		e.t.Fatalf("request: %v", err)
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("GET %s: %v", path, err)
	}
	e.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func waitFor(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
