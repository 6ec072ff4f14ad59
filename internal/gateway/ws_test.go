package gateway_test

import (
	"testing"

	"github.com/coder/websocket"

	"github.com/basket/clawremote/internal/auth"
	"github.com/basket/clawremote/internal/protocol"
)

func TestWS_HandshakeAndProjectInit(t *testing.T) {
	e := newTestEnv(t, nil)
	conn := e.dial()

	authenticate(t, conn, e.signer, "p1", 0)
	ready := decode[protocol.SessionReady](t, recvType(t, conn, protocol.TypeSessionReady))
	if ready.State != "CONNECTING" || ready.Initialized {
		t.Fatalf("session_ready = %+v", ready)
	}

	send(t, conn, protocol.TypeProjectInit, 1, protocol.ProjectInit{ProjectPath: t.TempDir()})
	var progress []protocol.CloneProgress
	for {
		env := recv(t, conn)
		if env.Type == protocol.TypeCloneProgress {
			progress = append(progress, decode[protocol.CloneProgress](t, env))
			continue
		}
		if env.Type == protocol.TypeProjectInitComplete {
			done := decode[protocol.ProjectInitComplete](t, env)
			if !done.Success || done.SessionID != "session-p1" {
				t.Fatalf("init complete = %+v", done)
			}
			if env.ID != 3 {
				t.Fatalf("init complete id = %d, want 3", env.ID)
			}
			break
		}
	}
	if len(progress) != 2 || progress[1].Percentage != 100 {
		t.Fatalf("progress = %+v", progress)
	}
}

func TestWS_ReconnectReplaysMissed(t *testing.T) {
	e := newTestEnv(t, nil)
	first := e.dial()
	authenticate(t, first, e.signer, "p1", 0)
	recvType(t, first, protocol.TypeSessionReady)
	send(t, first, protocol.TypeProjectInit, 1, protocol.ProjectInit{ProjectPath: t.TempDir()})
	recvType(t, first, protocol.TypeCloneProgress)
	recvType(t, first, protocol.TypeCloneProgress)
	recvType(t, first, protocol.TypeProjectInitComplete)
	_ = first.Close(websocket.StatusGoingAway, "network change")

	second := e.dial()
	authenticate(t, second, e.signer, "p1", 1)
	ready := decode[protocol.SessionReady](t, recvType(t, second, protocol.TypeSessionReady))
	if ready.LatestID != 3 || ready.Replaying != 2 || !ready.Initialized {
		t.Fatalf("session_ready = %+v", ready)
	}
	if env := recvType(t, second, protocol.TypeCloneProgress); env.ID != 2 {
		t.Fatalf("replayed id = %d, want 2", env.ID)
	}
	if env := recvType(t, second, protocol.TypeProjectInitComplete); env.ID != 3 {
		t.Fatalf("replayed id = %d, want 3", env.ID)
	}
}

func TestWS_WrongKeyRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	conn := e.dial()

	send(t, conn, protocol.TypeHello, 0, protocol.Hello{ProjectID: "p1", IdentityID: "phone"})
	ch := decode[protocol.Challenge](t, recvType(t, conn, protocol.TypeChallenge))
	resp, err := auth.Sign(genSigner(t), ch.Nonce, "p1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	send(t, conn, protocol.TypeAuth, 0, resp)

	body := decode[protocol.ErrorBody](t, recvType(t, conn, protocol.TypeError))
	if body.Kind != protocol.KindAuthFailed {
		t.Fatalf("error kind = %s, want %s", body.Kind, protocol.KindAuthFailed)
	}
	_, err = tryRecv(conn)
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v (%v), want %v", got, err, websocket.StatusPolicyViolation)
	}
	if len(e.mgr.List(t.Context())) != 0 {
		t.Fatal("failed handshake left a project behind")
	}
}

func TestWS_FirstFrameMustBeHello(t *testing.T) {
	e := newTestEnv(t, nil)
	conn := e.dial()

	send(t, conn, protocol.TypeCommand, 1, protocol.Command{Text: "ls"})
	body := decode[protocol.ErrorBody](t, recvType(t, conn, protocol.TypeError))
	if body.Kind != protocol.KindProtocolViolation {
		t.Fatalf("error kind = %s", body.Kind)
	}
	_, err := tryRecv(conn)
	if got := websocket.CloseStatus(err); got != websocket.StatusProtocolError {
		t.Fatalf("close status = %v, want %v", got, websocket.StatusProtocolError)
	}
}

func TestWS_MalformedFrameKeepsSession(t *testing.T) {
	e := newTestEnv(t, nil)
	conn := e.dial()
	authenticate(t, conn, e.signer, "p1", 0)
	recvType(t, conn, protocol.TypeSessionReady)

	ctx := t.Context()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	body := decode[protocol.ErrorBody](t, recvType(t, conn, protocol.TypeError))
	if body.Kind != protocol.KindProtocolViolation {
		t.Fatalf("error kind = %s", body.Kind)
	}

	send(t, conn, protocol.TypeSessionControl, 1, protocol.SessionControl{Action: protocol.ActionSnapshot})
	snap := decode[protocol.Snapshot](t, recvType(t, conn, protocol.TypeSnapshot))
	if snap.ProjectID != "p1" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestWS_ClientCloseDetachesSession(t *testing.T) {
	e := newTestEnv(t, nil)
	conn := e.dial()
	authenticate(t, conn, e.signer, "p1", 0)
	recvType(t, conn, protocol.TypeSessionReady)
	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	waitFor(t, func() bool {
		list := e.mgr.List(t.Context())
		return len(list) == 1 && !list[0].Attached && list[0].State == "DISCONNECTED"
	})
}
