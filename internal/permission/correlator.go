// Package permission correlates agent permission requests with client
// responses and resolves each request exactly once.
package permission

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/clawremote/internal/clock"
	"github.com/basket/clawremote/internal/protocol"
)

// DefaultTimeout applies to requests that arrive without one.
const DefaultTimeout = 60 * time.Second

// maxTombstones bounds how many forgotten requests are still recognised
// when a late response names them.
const maxTombstones = 4096

type Resolution string

const (
	Pending  Resolution = "pending"
	Allowed  Resolution = "allowed"
	Denied   Resolution = "denied"
	TimedOut Resolution = "timed-out"
)

var (
	ErrUnknownRequest   = errors.New("permission: unknown request id")
	ErrAlreadyResolved  = errors.New("permission: request already resolved")
	ErrDuplicateRequest = errors.New("permission: request id already open")
	ErrInvalidDecision  = errors.New("permission: invalid decision")
)

// Request is one outstanding or resolved approval.
type Request struct {
	ID            string
	Description   string
	SourceAgentID string
	IssuedAt      time.Time
	Timeout       time.Duration
	DefaultPolicy protocol.Decision
	Resolution    Resolution
	ResolvedAt    time.Time
}

// Decision is the answer the agent acts on: the client's choice, or the
// default policy when the request timed out.
func (r Request) Decision() protocol.Decision {
	switch r.Resolution {
	case Allowed:
		return protocol.DecisionAllow
	case Denied:
		return protocol.DecisionDeny
	case TimedOut:
		return r.DefaultPolicy
	}
	return ""
}

// Wire is the client-facing form of the request.
func (r Request) Wire() protocol.PermissionRequest {
	return protocol.PermissionRequest{
		ID:            r.ID,
		Description:   r.Description,
		SourceAgentID: r.SourceAgentID,
		TimeoutMs:     r.Timeout.Milliseconds(),
		DefaultPolicy: r.DefaultPolicy,
		IssuedAt:      r.IssuedAt,
	}
}

// Resolved is the wire announcement of a terminal outcome.
func (r Request) Resolved() protocol.PermissionResolved {
	return protocol.PermissionResolved{
		RequestID:  r.ID,
		Resolution: string(r.Resolution),
		Decision:   r.Decision(),
		ResolvedAt: r.ResolvedAt,
	}
}

type Config struct {
	Clock          clock.Clock
	DefaultTimeout time.Duration
	Logger         *slog.Logger
	// OnResolve runs once per request, outside the correlator lock, on the
	// goroutine that resolved it (the responder or the clock).
	OnResolve func(Request)
}

// Correlator tracks the permission requests of one project.
type Correlator struct {
	clock          clock.Clock
	defaultTimeout time.Duration
	logger         *slog.Logger
	onResolve      func(Request)

	mu       sync.Mutex
	requests map[string]*entry
	// Outcomes of forgotten requests, oldest first in buried.
	tombstones map[string]Request
	buried     []string
}

type entry struct {
	req   Request
	timer clock.Timer
}

func New(cfg Config) *Correlator {
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		clock:          c,
		defaultTimeout: timeout,
		logger:         logger,
		onResolve:      cfg.OnResolve,
		requests:       make(map[string]*entry),
		tombstones:     make(map[string]Request),
	}
}

// Open registers a pending request and starts its timer. A zero timeout
// uses the configured default; an empty policy means deny.
func (c *Correlator) Open(in protocol.PermissionRequest) (Request, error) {
	if in.ID == "" {
		return Request{}, fmt.Errorf("%w: empty id", ErrUnknownRequest)
	}
	timeout := time.Duration(in.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	c.mu.Lock()
	if _, exists := c.requests[in.ID]; exists {
		c.mu.Unlock()
		return Request{}, fmt.Errorf("%w: %s", ErrDuplicateRequest, in.ID)
	}
	e := &entry{req: Request{
		ID:            in.ID,
		Description:   in.Description,
		SourceAgentID: in.SourceAgentID,
		IssuedAt:      c.clock.Now(),
		Timeout:       timeout,
		DefaultPolicy: policyOf(in.DefaultPolicy),
		Resolution:    Pending,
	}}
	c.requests[in.ID] = e
	req := e.req
	c.mu.Unlock()

	// Armed after unlocking: a fake clock may fire zero timeouts inline.
	timer := c.clock.AfterFunc(timeout, func() { c.expire(in.ID) })
	c.mu.Lock()
	if e.req.Resolution == Pending {
		e.timer = timer
	} else {
		timer.Stop()
	}
	c.mu.Unlock()
	return req, nil
}

func policyOf(d protocol.Decision) protocol.Decision {
	if d == protocol.DecisionAllow {
		return d
	}
	return protocol.DecisionDeny
}

// Abandon records in, issued before a restart and no longer answerable by
// the agent that asked, as timed out under its default policy. OnResolve is
// not called. Responses naming it report ErrAlreadyResolved.
func (c *Correlator) Abandon(in protocol.PermissionRequest) (Request, error) {
	if in.ID == "" {
		return Request{}, fmt.Errorf("%w: empty id", ErrUnknownRequest)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.requests[in.ID]; exists {
		return Request{}, fmt.Errorf("%w: %s", ErrDuplicateRequest, in.ID)
	}
	req := Request{
		ID:            in.ID,
		Description:   in.Description,
		SourceAgentID: in.SourceAgentID,
		IssuedAt:      in.IssuedAt,
		Timeout:       time.Duration(in.TimeoutMs) * time.Millisecond,
		DefaultPolicy: policyOf(in.DefaultPolicy),
		Resolution:    TimedOut,
		ResolvedAt:    c.clock.Now(),
	}
	c.requests[in.ID] = &entry{req: req}
	return req, nil
}

// Respond resolves id with the client's decision. A response for an already
// resolved request is a no-op reported as ErrAlreadyResolved.
func (c *Correlator) Respond(id string, d protocol.Decision) (Request, error) {
	var res Resolution
	switch d {
	case protocol.DecisionAllow:
		res = Allowed
	case protocol.DecisionDeny:
		res = Denied
	default:
		return Request{}, fmt.Errorf("%w: %q", ErrInvalidDecision, d)
	}
	req, err := c.resolve(id, res)
	if errors.Is(err, ErrAlreadyResolved) {
		c.logger.Warn("permission response ignored", "request_id", id, "resolution", req.Resolution)
	}
	return req, err
}

func (c *Correlator) expire(id string) {
	if _, err := c.resolve(id, TimedOut); err == nil {
		c.logger.Info("permission timed out", "request_id", id)
	}
}

func (c *Correlator) resolve(id string, res Resolution) (Request, error) {
	c.mu.Lock()
	e, ok := c.requests[id]
	if !ok {
		gone, buried := c.tombstones[id]
		c.mu.Unlock()
		if buried {
			return gone, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, gone.Resolution)
		}
		return Request{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if e.req.Resolution != Pending {
		req := e.req
		c.mu.Unlock()
		return req, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, req.Resolution)
	}
	e.req.Resolution = res
	e.req.ResolvedAt = c.clock.Now()
	if e.timer != nil && res != TimedOut {
		e.timer.Stop()
	}
	e.timer = nil
	req := e.req
	c.mu.Unlock()

	if c.onResolve != nil {
		c.onResolve(req)
	}
	return req, nil
}

// Get returns the request with id.
func (c *Correlator) Get(id string) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.requests[id]
	if !ok {
		return Request{}, false
	}
	return e.req, true
}

// Open requests, oldest first.
func (c *Correlator) Pending() []Request {
	return c.list(func(r Request) bool { return r.Resolution == Pending })
}

// All requests, oldest first.
func (c *Correlator) All() []Request {
	return c.list(func(Request) bool { return true })
}

func (c *Correlator) list(keep func(Request) bool) []Request {
	c.mu.Lock()
	out := make([]Request, 0, len(c.requests))
	for _, e := range c.requests {
		if keep(e.req) {
			out = append(out, e.req)
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}

// Forget drops requests resolved before cutoff. Their outcome is kept, up
// to maxTombstones of them, so a late response is still reported as a
// duplicate rather than an unknown id.
func (c *Correlator) Forget(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var gone []Request
	for id, e := range c.requests {
		if e.req.Resolution != Pending && e.req.ResolvedAt.Before(cutoff) {
			delete(c.requests, id)
			gone = append(gone, e.req)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].ResolvedAt.Before(gone[j].ResolvedAt) })
	for _, req := range gone {
		c.bury(req)
	}
	return len(gone)
}

func (c *Correlator) bury(req Request) {
	if _, ok := c.tombstones[req.ID]; !ok {
		c.buried = append(c.buried, req.ID)
	}
	c.tombstones[req.ID] = Request{
		ID:            req.ID,
		DefaultPolicy: req.DefaultPolicy,
		Resolution:    req.Resolution,
		ResolvedAt:    req.ResolvedAt,
	}
	for len(c.buried) > maxTombstones {
		delete(c.tombstones, c.buried[0])
		c.buried = c.buried[1:]
	}
}

// Stop disarms all timers. Pending requests stay pending.
func (c *Correlator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.requests {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}
