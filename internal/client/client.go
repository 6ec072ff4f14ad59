// Package client is a Go implementation of the remote-control client: it
// authenticates with an SSH key, tracks the last envelope it processed and
// resumes from there after reconnecting.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/crypto/ssh"

	"github.com/basket/clawremote/internal/auth"
	"github.com/basket/clawremote/internal/protocol"
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrClosed       = errors.New("client: closed")
)

// HandlerFunc receives server frames in order. Sequenced envelopes are
// delivered at most once across reconnects; heartbeats are answered
// internally and not delivered.
type HandlerFunc func(protocol.Envelope)

type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	// MaxTries bounds reconnect attempts per outage; zero retries until the
	// context ends.
	MaxTries uint
}

type Config struct {
	URL        string
	ProjectID  string
	IdentityID string
	Signer     ssh.Signer
	Handler    HandlerFunc

	// LastSeenID seeds the resume point, e.g. from a previous process.
	LastSeenID uint64
	Header     http.Header
	Timeout    time.Duration
	Backoff    BackoffConfig
	Logger     *slog.Logger
}

// Client holds at most one live connection at a time.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	done      chan struct{}
	closed    bool
	lastSeen  uint64
	nextOut   uint64
	token     string
	expiresAt time.Time
	ready     protocol.SessionReady
	snapshot  *protocol.Snapshot
	resyncing bool
	// gapAfter is the last_seen a replay_request has been sent for while
	// envelopes past a gap are held back.
	gapAfter *uint64
	readErr  error
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" || cfg.ProjectID == "" || cfg.IdentityID == "" {
		return nil, errors.New("client: url, project id and identity id are required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("client: signer is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = 500 * time.Millisecond
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With("component", "client", "project_id", cfg.ProjectID),
		lastSeen: cfg.LastSeenID,
		nextOut:  1,
	}, nil
}

// Connect dials, authenticates and waits for session_ready. Frames that
// follow are delivered to the handler from a background reader.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	lastSeen := c.lastSeen
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: c.cfg.Header})
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	ok, ready, err := c.handshake(dctx, conn, lastSeen)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrClosed
	}
	c.conn = conn
	c.done = done
	c.readErr = nil
	c.token = ok.Token
	c.expiresAt = ok.ExpiresAt
	c.ready = ready
	c.gapAfter = nil
	if ready.InboundWatermark+1 > c.nextOut {
		c.nextOut = ready.InboundWatermark + 1
	}
	c.mu.Unlock()

	c.logger.Info("connected", "state", ready.State, "latest_id", ready.LatestID, "replaying", ready.Replaying)
	go c.readLoop(conn, done)
	return nil
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn, lastSeen uint64) (protocol.AuthOK, protocol.SessionReady, error) {
	var (
		ok    protocol.AuthOK
		ready protocol.SessionReady
	)
	if err := write(ctx, conn, protocol.TypeHello, 0, protocol.Hello{
		ProjectID:  c.cfg.ProjectID,
		IdentityID: c.cfg.IdentityID,
		LastSeenID: lastSeen,
	}); err != nil {
		return ok, ready, err
	}

	var ch protocol.Challenge
	if err := expect(ctx, conn, protocol.TypeChallenge, &ch); err != nil {
		return ok, ready, err
	}
	resp, err := auth.Sign(c.cfg.Signer, ch.Nonce, c.cfg.ProjectID)
	if err != nil {
		return ok, ready, err
	}
	if err := write(ctx, conn, protocol.TypeAuth, 0, resp); err != nil {
		return ok, ready, err
	}
	if err := expect(ctx, conn, protocol.TypeAuthOK, &ok); err != nil {
		return ok, ready, err
	}
	if err := expect(ctx, conn, protocol.TypeSessionReady, &ready); err != nil {
		return ok, ready, err
	}
	return ok, ready, nil
}

// expect reads the next frame, which must be of type want. An error frame
// from the server is returned as a *protocol.Error of its kind.
func expect(ctx context.Context, conn *websocket.Conn, want protocol.Type, v any) error {
	env, err := read(ctx, conn)
	if err != nil {
		return err
	}
	if env.Type == protocol.TypeError {
		return serverError(env)
	}
	if env.Type != want {
		return protocol.NewError(protocol.KindProtocolViolation, "", "handshake",
			fmt.Errorf("expected %s, got %s", want, env.Type))
	}
	return env.DecodeInto(v)
}

func serverError(env protocol.Envelope) error {
	var body protocol.ErrorBody
	if err := env.DecodeInto(&body); err != nil {
		return err
	}
	return protocol.NewError(body.Kind, "", "server", errors.New(body.Detail))
}

func read(ctx context.Context, conn *websocket.Conn) (protocol.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Unmarshal(data)
}

func write(ctx context.Context, conn *websocket.Conn, t protocol.Type, id uint64, payload any) error {
	env, err := protocol.New(t, id, time.Now(), payload)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, env)
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	var err error
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.readErr = err
		}
		c.mu.Unlock()
		close(done)
	}()
	for {
		var env protocol.Envelope
		env, err = read(context.Background(), conn)
		if err != nil {
			if protocol.KindOf(err) == protocol.KindProtocolViolation {
				c.logger.Warn("malformed frame from server", "error", err)
				continue
			}
			c.logger.Info("connection ended", "error", err)
			return
		}
		c.dispatch(conn, env)
	}
}

func (c *Client) dispatch(conn *websocket.Conn, env protocol.Envelope) {
	if env.Type == protocol.TypeHeartbeat {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()
		if err := write(ctx, conn, protocol.TypeHeartbeat, 0, protocol.Heartbeat{SentAt: time.Now().UTC()}); err != nil {
			c.logger.Debug("heartbeat reply failed", "error", err)
		}
		return
	}

	c.mu.Lock()
	if env.ID != 0 {
		if env.ID <= c.lastSeen {
			c.mu.Unlock()
			c.logger.Debug("duplicate envelope dropped", "envelope_id", env.ID)
			return
		}
		if env.ID > c.lastSeen+1 {
			after := c.lastSeen
			ask := c.gapAfter == nil || *c.gapAfter != after
			c.gapAfter = &after
			c.mu.Unlock()
			if ask {
				c.requestReplay(conn, env.ID, after)
			}
			return
		}
		c.lastSeen = env.ID
		c.gapAfter = nil
	}
	switch env.Type {
	case protocol.TypeResyncRequired:
		c.resyncing = true
	case protocol.TypeSnapshot:
		var snap protocol.Snapshot
		if err := env.DecodeInto(&snap); err == nil {
			c.snapshot = &snap
			// The snapshot sent with a resync replaces everything before it.
			if c.resyncing {
				c.lastSeen = snap.LatestID
				c.resyncing = false
			}
		}
	case protocol.TypeSessionControl:
		var sc protocol.SessionControl
		if err := env.DecodeInto(&sc); err == nil && sc.Action == protocol.ActionRenew && sc.Token != "" {
			c.token = sc.Token
			if sc.ExpiresAt != nil {
				c.expiresAt = *sc.ExpiresAt
			}
		}
	case protocol.TypeError:
		var body protocol.ErrorBody
		_ = env.DecodeInto(&body)
		c.logger.Warn("server error", "kind", body.Kind, "detail", body.Detail)
	}
	c.mu.Unlock()

	if c.cfg.Handler != nil {
		c.cfg.Handler(env)
	}
}

// requestReplay asks the server to resend everything after lastSeen. The
// envelope that revealed the gap is dropped; it comes back with the replay.
func (c *Client) requestReplay(conn *websocket.Conn, got, lastSeen uint64) {
	c.logger.Info("gap in server envelopes, requesting replay", "envelope_id", got, "after_id", lastSeen)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	if err := write(ctx, conn, protocol.TypeReplayRequest, 0, protocol.ReplayRequest{AfterID: lastSeen}); err != nil {
		c.logger.Warn("replay request failed", "error", err)
	}
}

// Run connects and keeps the session attached until ctx ends, reconnecting
// with exponential backoff and jitter after transport loss. Authentication
// failures are not retried.
func (c *Client) Run(ctx context.Context) error {
	for {
		if _, err := backoff.Retry(ctx, c.connectOnce(ctx), c.retryOptions()...); err != nil {
			return err
		}
		done := c.doneCh()
		select {
		case <-ctx.Done():
			_ = c.Close()
			return ctx.Err()
		case <-done:
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return ErrClosed
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) backoff.Operation[struct{}] {
	return func() (struct{}, error) {
		err := c.Connect(ctx)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, ErrClosed), protocol.KindOf(err) == protocol.KindAuthFailed:
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
}

func (c *Client) retryOptions() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Backoff.Initial
	b.MaxInterval = c.cfg.Backoff.Max
	b.RandomizationFactor = 0.5
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("reconnect failed", "error", err, "retry_in", next)
		}),
	}
	if c.cfg.Backoff.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(c.cfg.Backoff.MaxTries))
	}
	return opts
}

func (c *Client) doneCh() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Wait blocks until the current connection ends and returns why.
func (c *Client) Wait(ctx context.Context) error {
	select {
	case <-c.doneCh():
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Send writes a client envelope, assigning the next outbound id to
// sequenced types, and returns that id.
func (c *Client) Send(ctx context.Context, t protocol.Type, payload any) (uint64, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	var id uint64
	if protocol.Sequenced(t) {
		id = c.nextOut
		c.nextOut++
	}
	c.mu.Unlock()
	return id, write(ctx, conn, t, id, payload)
}

func (c *Client) Command(ctx context.Context, text string) error {
	_, err := c.Send(ctx, protocol.TypeCommand, protocol.Command{Text: text})
	return err
}

func (c *Client) Respond(ctx context.Context, requestID string, d protocol.Decision) error {
	_, err := c.Send(ctx, protocol.TypePermissionResponse, protocol.PermissionResponse{RequestID: requestID, Decision: d})
	return err
}

func (c *Client) InitProject(ctx context.Context, req protocol.ProjectInit) error {
	_, err := c.Send(ctx, protocol.TypeProjectInit, req)
	return err
}

// Control sends a session_control action (snapshot, renew, disconnect,
// shutdown, resume).
func (c *Client) Control(ctx context.Context, action string) error {
	sc := protocol.SessionControl{Action: action}
	if action == protocol.ActionResume {
		sc.LastSeenID = c.LastSeen()
	}
	_, err := c.Send(ctx, protocol.TypeSessionControl, sc)
	return err
}

// LastSeen is the id of the last sequenced envelope handed to the handler,
// or the LatestID of an adopted snapshot.
func (c *Client) LastSeen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Client) Token() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.expiresAt
}

func (c *Client) Ready() protocol.SessionReady {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Snapshot returns the most recent snapshot received, if any.
func (c *Client) Snapshot() (protocol.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return protocol.Snapshot{}, false
	}
	return *c.snapshot, true
}

// Drop closes the current connection abruptly, as a network loss would.
// Run reconnects afterwards.
func (c *Client) Drop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.CloseNow()
	}
}

// Close ends the connection and stops Run.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client closing")
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
