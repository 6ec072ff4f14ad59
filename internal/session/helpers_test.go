package session_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawremote/internal/agent/agenttest"
	"github.com/basket/clawremote/internal/auth"
	"github.com/basket/clawremote/internal/bus"
	"github.com/basket/clawremote/internal/clock"
	"github.com/basket/clawremote/internal/protocol"
	"github.com/basket/clawremote/internal/replay"
	"github.com/basket/clawremote/internal/session"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      []protocol.Envelope
	closed    bool
	closeKind protocol.ErrorKind
}

func (t *fakeTransport) Send(ctx context.Context, env protocol.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return io.ErrClosedPipe
	}
	t.sent = append(t.sent, env)
	return nil
}

func (t *fakeTransport) Close(kind protocol.ErrorKind, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.closeKind = kind
	}
	return nil
}

func (t *fakeTransport) all() []protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Envelope(nil), t.sent...)
}

func (t *fakeTransport) ofType(typ protocol.Type) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range t.all() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// sequenced returns delivered envelopes with an id, in delivery order.
func (t *fakeTransport) sequenced() []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range t.all() {
		if env.ID != 0 {
			out = append(out, env)
		}
	}
	return out
}

func (t *fakeTransport) isClosed() (bool, protocol.ErrorKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeKind
}

type harness struct {
	t     *testing.T
	m     *session.Manager
	clock *clock.Fake
	agent *agenttest.Adapter
	bus   *bus.Bus
}

func newHarness(t *testing.T, mutate func(*session.Config)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clock: clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		agent: &agenttest.Adapter{},
		bus:   bus.New(),
	}
	cfg := session.Config{
		Adapter:           h.agent,
		Bus:               h.bus,
		Clock:             h.clock,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		HeartbeatInterval: 15 * time.Second,
		HeartbeatGrace:    45 * time.Second,
		HandshakeTimeout:  2 * time.Second,
		ShutdownTimeout:   2 * time.Second,
		PermissionTimeout: 60 * time.Second,
		Retention:         replay.Retention{MaxEnvelopes: 100, MaxAge: time.Hour},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.m = session.New(cfg)
	t.Cleanup(func() { _ = h.m.Close(context.Background()) })
	return h
}

func grantFor(projectID string) session.Handshake {
	return func(ctx context.Context) (auth.Grant, error) {
		return auth.Grant{Token: "tok-" + projectID, ProjectID: projectID, IdentityID: "phone", Fingerprint: "SHA256:test"}, nil
	}
}

// restore registers an initialized project that has been used before.
func (h *harness) restore(projectID string) {
	h.t.Helper()
	if err := h.m.Restore(session.Restored{
		ID:             projectID,
		Path:           "/srv/" + projectID,
		AgentSessionID: "agent-" + projectID,
		Initialized:    true,
		State:          "DISCONNECTED",
	}); err != nil {
		h.t.Fatalf("restore %s: %v", projectID, err)
	}
}

func (h *harness) connect(projectID string, lastSeen uint64) (*fakeTransport, string) {
	h.t.Helper()
	tr := &fakeTransport{}
	connID, err := h.m.Connect(context.Background(),
		protocol.Hello{ProjectID: projectID, IdentityID: "phone", LastSeenID: lastSeen}, tr, grantFor(projectID))
	if err != nil {
		h.t.Fatalf("connect %s: %v", projectID, err)
	}
	return tr, connID
}

func (h *harness) snapshot(projectID string) protocol.Snapshot {
	h.t.Helper()
	snap, err := h.m.Snapshot(context.Background(), projectID)
	if err != nil {
		h.t.Fatalf("snapshot %s: %v", projectID, err)
	}
	return snap
}

func (h *harness) waitState(projectID, want string) {
	h.t.Helper()
	waitFor(h.t, func() bool { return h.snapshot(projectID).State == want })
}

func (h *harness) receive(projectID, connID string, id uint64, typ protocol.Type, payload any) {
	h.t.Helper()
	env, err := protocol.New(typ, id, h.clock.Now(), payload)
	if err != nil {
		h.t.Fatalf("build %s: %v", typ, err)
	}
	if err := h.m.OnReceive(projectID, connID, env); err != nil {
		h.t.Fatalf("receive %s: %v", typ, err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func waitCount(t *testing.T, tr *fakeTransport, typ protocol.Type, n int) []protocol.Envelope {
	t.Helper()
	waitFor(t, func() bool { return len(tr.ofType(typ)) >= n })
	return tr.ofType(typ)
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return v
}

func errorKinds(t *testing.T, tr *fakeTransport) []protocol.ErrorKind {
	t.Helper()
	var kinds []protocol.ErrorKind
	for _, env := range tr.ofType(protocol.TypeError) {
		kinds = append(kinds, decode[protocol.ErrorBody](t, env).Kind)
	}
	return kinds
}

func hasKind(kinds []protocol.ErrorKind, want protocol.ErrorKind) bool {
	for _, k := range kinds {
		if k == want {
			return true
		}
	}
	return false
}
