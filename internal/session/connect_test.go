package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/clawremote/internal/auth"
	"github.com/basket/clawremote/internal/bus"
	"github.com/basket/clawremote/internal/connstate"
	"github.com/basket/clawremote/internal/protocol"
	"github.com/basket/clawremote/internal/session"
)

func TestConnect_NewProjectInitThenConnected(t *testing.T) {
	h := newHarness(t, nil)
	tr, _ := h.connect("p1", 0)

	ready := waitCount(t, tr, protocol.TypeSessionReady, 1)[0]
	sr := decode[protocol.SessionReady](t, ready)
	if sr.State != string(connstate.Connecting) || sr.Initialized {
		t.Fatalf("session_ready = %+v, want CONNECTING and uninitialized", sr)
	}

	complete, err := h.m.InitProject(context.Background(), "p1", protocol.ProjectInit{ProjectPath: "/srv/p1"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !complete.Success || complete.SessionID != "session-p1" {
		t.Fatalf("complete = %+v", complete)
	}
	if got := h.snapshot("p1").State; got != string(connstate.Connected) {
		t.Fatalf("state = %s, want CONNECTED", got)
	}

	waitFor(t, func() bool { return len(tr.sequenced()) == 3 })
	seq := tr.sequenced()
	wantTypes := []protocol.Type{protocol.TypeCloneProgress, protocol.TypeCloneProgress, protocol.TypeProjectInitComplete}
	for i, env := range seq {
		if env.ID != uint64(i+1) || env.Type != wantTypes[i] {
			t.Fatalf("envelope %d = %d/%s, want %d/%s", i, env.ID, env.Type, i+1, wantTypes[i])
		}
	}
	first := decode[protocol.CloneProgress](t, seq[0])
	last := decode[protocol.CloneProgress](t, seq[1])
	if first.Percentage != 0 || first.Status != "cloning" || last.Percentage != 100 || last.Status != "done" {
		t.Fatalf("progress = %+v, %+v", first, last)
	}
}

func TestConnect_InitFromInboundEnvelope(t *testing.T) {
	h := newHarness(t, nil)
	tr, conn := h.connect("p1", 0)
	h.receive("p1", conn, 1, protocol.TypeProjectInit, protocol.ProjectInit{ProjectPath: "/srv/p1"})
	h.waitState("p1", string(connstate.Connected))

	complete := waitCount(t, tr, protocol.TypeProjectInitComplete, 1)[0]
	if got := decode[protocol.ProjectInitComplete](t, complete); !got.Success {
		t.Fatalf("complete = %+v", got)
	}
}

func TestConnect_InitFailureEndsAttempt(t *testing.T) {
	h := newHarness(t, nil)
	h.agent.SetInitFunc(func(ctx context.Context, projectID string, req protocol.ProjectInit, progress func(protocol.CloneProgress)) (string, error) {
		progress(protocol.CloneProgress{Percentage: 0, Status: "cloning"})
		return "", errors.New("repository not found")
	})
	tr, _ := h.connect("p1", 0)

	_, err := h.m.InitProject(context.Background(), "p1", protocol.ProjectInit{ProjectPath: "/srv/p1", RepositoryURL: "https://example.com/none.git"})
	if protocol.KindOf(err) != protocol.KindInitFailed {
		t.Fatalf("init error = %v, want INIT_FAILED", err)
	}
	h.waitState("p1", string(connstate.Disconnected))
	waitFor(t, func() bool { closed, _ := tr.isClosed(); return closed })
	if !hasKind(errorKinds(t, tr), protocol.KindInitFailed) {
		t.Fatalf("errors = %v, want INIT_FAILED", errorKinds(t, tr))
	}
	complete := tr.ofType(protocol.TypeProjectInitComplete)
	if len(complete) != 1 || decode[protocol.ProjectInitComplete](t, complete[0]).Success {
		t.Fatalf("project_init_complete = %v", complete)
	}
}

func TestConnect_InitRequiresConnectingSession(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	_, err := h.m.InitProject(context.Background(), "p1", protocol.ProjectInit{ProjectPath: "/srv/p1"})
	if protocol.KindOf(err) != protocol.KindInvalidState {
		t.Fatalf("err = %v, want INVALID_STATE", err)
	}
}

func TestConnect_InitializedProjectPingsAgent(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	tr, _ := h.connect("p1", 0)

	if h.agent.Pings() != 1 {
		t.Fatalf("pings = %d, want 1", h.agent.Pings())
	}
	if got := h.snapshot("p1").State; got != string(connstate.Connected) {
		t.Fatalf("state = %s, want CONNECTED", got)
	}
	sr := decode[protocol.SessionReady](t, waitCount(t, tr, protocol.TypeSessionReady, 1)[0])
	if !sr.Initialized || sr.AgentSessionID != "agent-p1" || sr.State != string(connstate.Connected) {
		t.Fatalf("session_ready = %+v", sr)
	}
}

func TestConnect_AgentUnreachable(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	h.agent.SetPingErr(errors.New("no such process"))

	_, err := h.m.Connect(context.Background(), protocol.Hello{ProjectID: "p1"}, &fakeTransport{}, grantFor("p1"))
	if protocol.KindOf(err) != protocol.KindAgentUnreachable {
		t.Fatalf("err = %v, want AGENT_UNREACHABLE", err)
	}
	if got := h.snapshot("p1").State; got != string(connstate.Disconnected) {
		t.Fatalf("state = %s, want DISCONNECTED", got)
	}
}

func TestConnect_AuthFailureLeavesNoProject(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.bus.Subscribe(bus.TopicAuth)
	defer h.bus.Unsubscribe(sub)

	reject := func(ctx context.Context) (auth.Grant, error) {
		return auth.Grant{}, protocol.NewError(protocol.KindAuthFailed, "ghost", "verify", errors.New("unknown key"))
	}
	_, err := h.m.Connect(context.Background(), protocol.Hello{ProjectID: "ghost", IdentityID: "phone"}, &fakeTransport{}, reject)
	if !errors.Is(err, protocol.ErrAuthFailed) {
		t.Fatalf("err = %v, want AUTH_FAILED", err)
	}
	if _, err := h.m.Snapshot(context.Background(), "ghost"); !errors.Is(err, session.ErrUnknownProject) {
		t.Fatalf("snapshot err = %v, want ErrUnknownProject", err)
	}
	if list := h.m.List(context.Background()); len(list) != 0 {
		t.Fatalf("list = %+v, want empty", list)
	}

	select {
	case ev := <-sub.Ch():
		ae, ok := ev.Payload.(bus.AuthEvent)
		if !ok || ae.Success || ae.Reason != string(protocol.KindAuthFailed) {
			t.Fatalf("auth event = %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no auth event published")
	}
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	h := newHarness(t, func(c *session.Config) { c.HandshakeTimeout = 50 * time.Millisecond })
	h.restore("p1")
	stall := func(ctx context.Context) (auth.Grant, error) {
		<-ctx.Done()
		return auth.Grant{}, ctx.Err()
	}
	_, err := h.m.Connect(context.Background(), protocol.Hello{ProjectID: "p1"}, &fakeTransport{}, stall)
	if protocol.KindOf(err) != protocol.KindHandshakeTimeout {
		t.Fatalf("err = %v, want HANDSHAKE_TIMEOUT", err)
	}
	if got := h.snapshot("p1").State; got != string(connstate.Disconnected) {
		t.Fatalf("state = %s, want DISCONNECTED", got)
	}
}

func TestConnect_CancelledDuringHandshake(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hs := func(hctx context.Context) (auth.Grant, error) {
		cancel()
		<-hctx.Done()
		return auth.Grant{}, hctx.Err()
	}
	_, err := h.m.Connect(ctx, protocol.Hello{ProjectID: "p1"}, &fakeTransport{}, hs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := h.snapshot("p1").State; got != string(connstate.Disconnected) {
		t.Fatalf("state = %s, want DISCONNECTED", got)
	}
	if h.agent.Pings() != 0 {
		t.Fatalf("agent pinged after cancelled handshake")
	}
}

func TestConnect_GrantForOtherProjectRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	_, err := h.m.Connect(context.Background(), protocol.Hello{ProjectID: "p1"}, &fakeTransport{}, grantFor("p2"))
	if protocol.KindOf(err) != protocol.KindAuthFailed {
		t.Fatalf("err = %v, want AUTH_FAILED", err)
	}
}

func TestConnect_MissingProjectID(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.m.Connect(context.Background(), protocol.Hello{}, &fakeTransport{}, grantFor(""))
	if protocol.KindOf(err) != protocol.KindProtocolViolation {
		t.Fatalf("err = %v, want PROTOCOL_VIOLATION", err)
	}
}

func TestConnect_NewConnectionReplacesOld(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	old, oldConn := h.connect("p1", 0)
	_, newConn := h.connect("p1", 0)
	if oldConn == newConn {
		t.Fatal("connection ids should differ")
	}
	waitFor(t, func() bool { closed, _ := old.isClosed(); return closed })
	if _, kind := old.isClosed(); kind != protocol.KindTransportLost {
		t.Fatalf("old close kind = %s", kind)
	}
	if got := h.snapshot("p1").State; got != string(connstate.Connected) {
		t.Fatalf("state = %s, want CONNECTED", got)
	}

	// Frames from the replaced connection are ignored.
	h.receive("p1", oldConn, 1, protocol.TypeCommand, protocol.Command{Text: "stale"})
	h.receive("p1", newConn, 1, protocol.TypeCommand, protocol.Command{Text: "fresh"})
	waitFor(t, func() bool { return len(h.agent.Commands("p1")) == 1 })
	if got := h.agent.Commands("p1"); got[0] != "fresh" {
		t.Fatalf("commands = %v", got)
	}
}

func TestConnect_FailedHandshakeKeepsAttachedSession(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	tr, conn := h.connect("p1", 0)
	waitCount(t, tr, protocol.TypeSessionReady, 1)

	reject := func(ctx context.Context) (auth.Grant, error) {
		return auth.Grant{}, protocol.NewError(protocol.KindAuthFailed, "p1", "verify", errors.New("unknown key"))
	}
	intruder := &fakeTransport{}
	_, err := h.m.Connect(context.Background(), protocol.Hello{ProjectID: "p1", IdentityID: "stranger"}, intruder, reject)
	if protocol.KindOf(err) != protocol.KindAuthFailed {
		t.Fatalf("err = %v, want AUTH_FAILED", err)
	}
	if closed, _ := tr.isClosed(); closed {
		t.Fatal("attached session closed by a failed handshake")
	}
	if got := h.snapshot("p1").State; got != string(connstate.Connected) {
		t.Fatalf("state = %s, want CONNECTED", got)
	}
	if n := len(intruder.all()); n != 0 {
		t.Fatalf("rejected transport got %d frames", n)
	}

	// A stalled handshake that times out leaves it attached too.
	stall := func(ctx context.Context) (auth.Grant, error) {
		<-ctx.Done()
		return auth.Grant{}, ctx.Err()
	}
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.m.Connect(short, protocol.Hello{ProjectID: "p1"}, &fakeTransport{}, stall); err == nil {
		t.Fatal("stalled handshake connected")
	}

	h.receive("p1", conn, 1, protocol.TypeCommand, protocol.Command{Text: "still here"})
	waitFor(t, func() bool { return len(h.agent.Commands("p1")) == 1 })
	if got := h.snapshot("p1").State; got != string(connstate.Connected) {
		t.Fatalf("state = %s, want CONNECTED", got)
	}
}

func TestConnect_UnreachableAgentKeepsAttachedSession(t *testing.T) {
	h := newHarness(t, nil)
	h.restore("p1")
	tr, _ := h.connect("p1", 0)
	h.agent.SetPingErr(errors.New("no such process"))

	_, err := h.m.Connect(context.Background(), protocol.Hello{ProjectID: "p1"}, &fakeTransport{}, grantFor("p1"))
	if protocol.KindOf(err) != protocol.KindAgentUnreachable {
		t.Fatalf("err = %v, want AGENT_UNREACHABLE", err)
	}
	if closed, _ := tr.isClosed(); closed {
		t.Fatal("attached session closed by a failed connect")
	}
	if got := h.snapshot("p1").State; got != string(connstate.Connected) {
		t.Fatalf("state = %s, want CONNECTED", got)
	}
}
