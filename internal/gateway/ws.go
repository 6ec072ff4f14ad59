package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/clawremote/internal/auth"
	"github.com/basket/clawremote/internal/protocol"
	"github.com/basket/clawremote/internal/shared"
)

// maxCloseReason is the payload limit of a close frame minus the status code.
const maxCloseReason = 123

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.Gateway.MaxFrameBytes)

	ctx := shared.WithConnID(r.Context(), shared.NewConnID())
	tr := &wsTransport{conn: conn}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	hello, err := s.readHello(hctx, conn)
	cancel()
	if err != nil {
		s.logger.Warn("hello rejected", "remote", r.RemoteAddr, "error", err)
		s.reject(ctx, tr, err)
		return
	}
	ctx = shared.WithProjectID(ctx, hello.ProjectID)
	ctx = shared.WithIdentityID(ctx, hello.IdentityID)

	connID, err := s.cfg.Sessions.Connect(ctx, hello, tr, s.handshake(conn, tr, hello))
	if err != nil {
		s.reject(ctx, tr, err)
		return
	}
	s.logger.Debug("websocket session attached", shared.LogAttrs(ctx)...)

	err = s.readLoop(ctx, conn, tr, hello.ProjectID, connID)
	s.cfg.Sessions.TransportClosed(hello.ProjectID, connID, err)
	_ = tr.Close(protocol.KindTransportLost, "read ended")
}

func (s *Server) readHello(ctx context.Context, conn *websocket.Conn) (protocol.Hello, error) {
	env, err := readEnvelope(ctx, conn)
	if err != nil {
		return protocol.Hello{}, err
	}
	if env.Type != protocol.TypeHello {
		return protocol.Hello{}, protocol.NewError(protocol.KindProtocolViolation, "", "hello",
			fmt.Errorf("expected hello, got %q", env.Type))
	}
	var hello protocol.Hello
	if err := env.DecodeInto(&hello); err != nil {
		return protocol.Hello{}, err
	}
	return hello, nil
}

// handshake runs challenge-response on conn: challenge out, auth in,
// auth_ok out.
func (s *Server) handshake(conn *websocket.Conn, tr *wsTransport, hello protocol.Hello) func(context.Context) (auth.Grant, error) {
	return func(ctx context.Context) (auth.Grant, error) {
		if s.cfg.Auth == nil {
			return auth.Grant{}, protocol.NewError(protocol.KindAuthFailed, hello.ProjectID, "handshake", errors.New("authentication unavailable"))
		}
		ch, err := s.cfg.Auth.Challenge(hello.ProjectID, hello.IdentityID)
		if err != nil {
			return auth.Grant{}, err
		}
		if err := tr.sendFrame(ctx, protocol.TypeChallenge, s.cfg.Now(), ch); err != nil {
			return auth.Grant{}, err
		}

		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return auth.Grant{}, err
		}
		if env.Type != protocol.TypeAuth {
			return auth.Grant{}, protocol.NewError(protocol.KindProtocolViolation, hello.ProjectID, "handshake",
				fmt.Errorf("expected auth, got %q", env.Type))
		}
		var resp protocol.Auth
		if err := env.DecodeInto(&resp); err != nil {
			return auth.Grant{}, err
		}
		grant, err := s.cfg.Auth.Verify(ch.Nonce, resp)
		if err != nil {
			return auth.Grant{}, err
		}
		if err := tr.sendFrame(ctx, protocol.TypeAuthOK, s.cfg.Now(), protocol.AuthOK{
			Token:     grant.Token,
			ExpiresAt: grant.ExpiresAt,
		}); err != nil {
			return auth.Grant{}, err
		}
		return grant, nil
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, tr *wsTransport, projectID, connID string) error {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			if protocol.KindOf(err) == protocol.KindProtocolViolation {
				_ = tr.sendFrame(ctx, protocol.TypeError, s.cfg.Now(), protocol.ErrorPayload(err))
				continue
			}
			return err
		}
		if err := s.cfg.Sessions.OnReceive(projectID, connID, env); err != nil {
			return err
		}
	}
}

// reject tells the peer why its connection is refused and closes it.
func (s *Server) reject(ctx context.Context, tr *wsTransport, err error) {
	if errors.Is(err, context.Canceled) {
		_ = tr.Close("", "")
		return
	}
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = tr.sendFrame(wctx, protocol.TypeError, s.cfg.Now(), protocol.ErrorPayload(err))
	_ = tr.Close(protocol.KindOf(err), err.Error())
}

// readEnvelope reads one text frame. Malformed frames are protocol
// violations; anything else is a transport error.
func readEnvelope(ctx context.Context, conn *websocket.Conn) (protocol.Envelope, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if typ != websocket.MessageText {
		return protocol.Envelope{}, protocol.NewError(protocol.KindProtocolViolation, "", "read", errors.New("binary frames not supported"))
	}
	return protocol.Unmarshal(data)
}

// wsTransport adapts a websocket connection to session.Transport.
type wsTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (t *wsTransport) Send(ctx context.Context, env protocol.Envelope) error {
	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) sendFrame(ctx context.Context, typ protocol.Type, at time.Time, payload any) error {
	env, err := protocol.New(typ, 0, at, payload)
	if err != nil {
		return err
	}
	return t.Send(ctx, env)
}

func (t *wsTransport) Close(kind protocol.ErrorKind, reason string) error {
	t.closeOnce.Do(func() {
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		t.closeErr = t.conn.Close(closeStatus(kind), reason)
	})
	return t.closeErr
}

// closeStatus maps an error kind to a websocket close code.
func closeStatus(kind protocol.ErrorKind) websocket.StatusCode {
	switch kind {
	case "":
		return websocket.StatusNormalClosure
	case protocol.KindAuthFailed, protocol.KindHandshakeTimeout:
		return websocket.StatusPolicyViolation
	case protocol.KindProtocolViolation:
		return websocket.StatusProtocolError
	case protocol.KindTransportLost:
		return websocket.StatusGoingAway
	default:
		return websocket.StatusInternalError
	}
}
