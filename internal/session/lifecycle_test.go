package session_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawremote/internal/auth"
	"github.com/basket/clawremote/internal/bus"
	"github.com/basket/clawremote/internal/connstate"
	"github.com/basket/clawremote/internal/protocol"
	"github.com/basket/clawremote/internal/session"
)

func controlActions(t *testing.T, tr *fakeTransport) []protocol.SessionControl {
	t.Helper()
	var out []protocol.SessionControl
	for _, env := range tr.ofType(protocol.TypeSessionControl) {
		out = append(out, decode[protocol.SessionControl](t, env))
	}
	return out
}

func TestLifecycle_TransportLossNeverShutsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	_, conn := h.connect("p1", 0)
	h.m.TransportClosed("p1", conn, io.EOF)
	h.waitState("p1", string(connstate.Disconnected))
	if got := h.agent.Terminated(); len(got) != 0 {
		t.Fatalf("terminated = %v, want none", got)
	}
}

func TestLifecycle_ShutdownOnRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	tr, _ := h.connect("p1", 0)

	if err := h.m.Shutdown(context.Background(), "p1"); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := h.agent.Terminated(); len(got) != 1 || got[0] != "p1" {
		t.Fatalf("terminated = %v", got)
	}
	if got := h.snapshot("p1").State; got != string(connstate.Disconnected) {
		t.Fatalf("state = %s, want DISCONNECTED", got)
	}
	waitFor(t, func() bool { closed, _ := tr.isClosed(); return closed })
	acts := controlActions(t, tr)
	if len(acts) != 2 || acts[0].State != string(connstate.Shutdown) || acts[1].State != string(connstate.Disconnected) {
		t.Fatalf("session_control = %+v", acts)
	}
}

func TestLifecycle_ShutdownFromClientEnvelope(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	tr, conn := h.connect("p1", 0)
	h.receive("p1", conn, 1, protocol.TypeSessionControl, protocol.SessionControl{Action: protocol.ActionShutdown})
	waitFor(t, func() bool { return len(h.agent.Terminated()) == 1 })
	h.waitState("p1", string(connstate.Disconnected))
	waitFor(t, func() bool { closed, _ := tr.isClosed(); return closed })
}

func TestLifecycle_ShutdownFailureStaysShutdown(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	tr, _ := h.connect("p1", 0)
	h.agent.SetTerminateErr(errors.New("process group still alive"))

	err := h.m.Shutdown(context.Background(), "p1")
	if !errors.Is(err, protocol.ErrShutdownFailed) {
		t.Fatalf("err = %v, want SHUTDOWN_FAILED", err)
	}
	if got := h.snapshot("p1").State; got != string(connstate.Shutdown) {
		t.Fatalf("state = %s, want SHUTDOWN", got)
	}
	waitFor(t, func() bool { return hasKind(errorKinds(t, tr), protocol.KindShutdownFailed) })

	// New connections are refused until the shutdown completes.
	_, err = h.m.Connect(context.Background(), protocol.Hello{ProjectID: "p1"}, &fakeTransport{}, grantFor("p1"))
	if protocol.KindOf(err) != protocol.KindInvalidState {
		t.Fatalf("connect during shutdown = %v, want INVALID_STATE", err)
	}

	h.agent.SetTerminateErr(nil)
	if err := h.m.Shutdown(context.Background(), "p1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := h.snapshot("p1").State; got != string(connstate.Disconnected) {
		t.Fatalf("state after retry = %s", got)
	}
}

func TestLifecycle_TransportLossDuringShutdownKeepsShutdown(t *testing.T) {
	h := newHarness(t, nil)
	gate := make(chan struct{})
	h.agent.TerminateGate = gate
	h.restore("p1")
	_, conn := h.connect("p1", 0)

	result := make(chan error, 1)
	go func() { result <- h.m.Shutdown(context.Background(), "p1") }()
	h.waitState("p1", string(connstate.Shutdown))

	h.m.TransportClosed("p1", conn, io.EOF)
	waitFor(t, func() bool {
		for _, st := range h.m.List(context.Background()) {
			if st.ID == "p1" && !st.Attached {
				return true
			}
		}
		return false
	})
	if got := h.snapshot("p1").State; got != string(connstate.Shutdown) {
		t.Fatalf("state = %s, want SHUTDOWN", got)
	}

	close(gate)
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	if got := h.snapshot("p1").State; got != string(connstate.Disconnected) {
		t.Fatalf("state = %s, want DISCONNECTED", got)
	}
}

func TestLifecycle_ShutdownRejectedWhenDisconnected(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	err := h.m.Shutdown(context.Background(), "p1")
	if protocol.KindOf(err) != protocol.KindInvalidState {
		t.Fatalf("err = %v, want INVALID_STATE", err)
	}
}

func TestLifecycle_DisconnectLeavesAgentRunning(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	tr, _ := h.connect("p1", 0)

	if err := h.m.Disconnect(context.Background(), "p1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	h.waitState("p1", string(connstate.Disconnected))
	waitFor(t, func() bool { closed, _ := tr.isClosed(); return closed })
	acts := controlActions(t, tr)
	if len(acts) != 1 || acts[0].Action != protocol.ActionDisconnect || acts[0].State != string(connstate.Disconnecting) {
		t.Fatalf("session_control = %+v", acts)
	}
	if got := h.agent.Terminated(); len(got) != 0 {
		t.Fatalf("terminated = %v, want none", got)
	}
	if err := h.m.Disconnect(context.Background(), "p1"); protocol.KindOf(err) != protocol.KindInvalidState {
		t.Fatalf("second disconnect = %v, want INVALID_STATE", err)
	}
}

func TestLifecycle_UnknownProject(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.m.Shutdown(context.Background(), "nope"); !errors.Is(err, session.ErrUnknownProject) {
		t.Fatalf("err = %v", err)
	}
	if err := h.m.OnReceive("nope", "c", protocol.Envelope{}); !errors.Is(err, session.ErrUnknownProject) {
		t.Fatalf("err = %v", err)
	}
}

func TestLifecycle_CloseDetachesSessions(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	tr, _ := h.connect("p1", 0)
	if err := h.m.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, func() bool { closed, _ := tr.isClosed(); return closed })
	if _, err := h.m.Connect(context.Background(), protocol.Hello{ProjectID: "p2"}, &fakeTransport{}, grantFor("p2")); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("connect after close = %v, want ErrClosed", err)
	}
}

type fakeTokens struct {
	mu      sync.Mutex
	expired bool
	renewed int
}

func (f *fakeTokens) expire() {
	f.mu.Lock()
	f.expired = true
	f.mu.Unlock()
}

func (f *fakeTokens) Validate(token string) (auth.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired {
		return auth.Grant{}, errors.New("token expired")
	}
	return auth.Grant{Token: token, ProjectID: "p1"}, nil
}

func (f *fakeTokens) Renew(token string) (auth.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired {
		return auth.Grant{}, errors.New("token expired")
	}
	f.renewed++
	return auth.Grant{
		Token:      "renewed-token",
		ProjectID:  "p1",
		IdentityID: "phone",
		ExpiresAt:  time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeTokens) Revoke(token string) {}

func TestHeartbeat_SilenceDropsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	tr, _ := h.connect("p1", 0)
	h.clock.Advance(50 * time.Second)
	waitFor(t, func() bool { closed, _ := tr.isClosed(); return closed })
	if _, kind := tr.isClosed(); kind != protocol.KindTransportLost {
		t.Fatalf("close kind = %s", kind)
	}
	h.waitState("p1", string(connstate.Disconnected))
	if len(h.agent.Terminated()) != 0 {
		t.Fatal("agent terminated on heartbeat loss")
	}
}

func TestHeartbeat_TrafficKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	tr, conn := h.connect("p1", 0)

	// One interval per step so every tick is observed.
	tick := func(n int) {
		h.clock.Advance(15 * time.Second)
		waitCount(t, tr, protocol.TypeHeartbeat, n)
	}
	tick(1)
	tick(2)
	h.receive("p1", conn, 0, protocol.TypeHeartbeat, protocol.Heartbeat{})
	tick(3)
	tick(4)
	tick(5)
	if closed, _ := tr.isClosed(); closed {
		t.Fatal("session closed despite client traffic")
	}

	h.clock.Advance(15 * time.Second)
	waitFor(t, func() bool { closed, _ := tr.isClosed(); return closed })
}

func TestHeartbeat_ExpiredTokenClosesSession(t *testing.T) {
	tokens := &fakeTokens{}
	h := newHarness(t, func(c *session.Config) { c.Tokens = tokens })
	h.restore("p1")
	tr, _ := h.connect("p1", 0)

	tokens.expire()
	h.clock.Advance(15 * time.Second)
	waitFor(t, func() bool { closed, _ := tr.isClosed(); return closed })
	if _, kind := tr.isClosed(); kind != protocol.KindAuthFailed {
		t.Fatalf("close kind = %s, want AUTH_FAILED", kind)
	}
	if !hasKind(errorKinds(t, tr), protocol.KindAuthFailed) {
		t.Fatalf("errors = %v", errorKinds(t, tr))
	}
}

func TestRenew_IssuesNewToken(t *testing.T) {
	tokens := &fakeTokens{}
	h := newHarness(t, func(c *session.Config) { c.Tokens = tokens })
	h.restore("p1")
	tr, conn := h.connect("p1", 0)

	h.receive("p1", conn, 1, protocol.TypeSessionControl, protocol.SessionControl{Action: protocol.ActionRenew})
	waitFor(t, func() bool { return len(controlActions(t, tr)) == 1 })
	sc := controlActions(t, tr)[0]
	if sc.Action != protocol.ActionRenew || sc.Token != "renewed-token" || sc.ExpiresAt == nil {
		t.Fatalf("renew ack = %+v", sc)
	}
}

func TestRenew_WithoutTokenService(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	tr, conn := h.connect("p1", 0)
	h.receive("p1", conn, 1, protocol.TypeSessionControl, protocol.SessionControl{Action: protocol.ActionRenew})
	waitFor(t, func() bool { return hasKind(errorKinds(t, tr), protocol.KindInvalidState) })
}

func TestAgentSessionIDChangeIsRecorded(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	sub := h.bus.Subscribe(bus.TopicProjectSnapshot)
	defer h.bus.Unsubscribe(sub)

	h.agent.EmitSessionID("p1", "agent-p1-forked")

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			se, ok := ev.Payload.(bus.ProjectSnapshotEvent)
			if !ok || se.ProjectID != "p1" || se.AgentSessionID != "agent-p1-forked" {
				continue
			}
		case <-deadline:
			t.Fatal("no snapshot carrying the new agent session id")
		}
		break
	}

	list := h.m.List(context.Background())
	if len(list) != 1 || list[0].AgentSessionID != "agent-p1-forked" {
		t.Fatalf("list = %+v", list)
	}
	tr, _ := h.connect("p1", 0)
	sr := decode[protocol.SessionReady](t, waitCount(t, tr, protocol.TypeSessionReady, 1)[0])
	if sr.AgentSessionID != "agent-p1-forked" {
		t.Fatalf("session_ready agent session = %q", sr.AgentSessionID)
	}
}
