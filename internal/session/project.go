package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/clawremote/internal/bus"
	"github.com/basket/clawremote/internal/connstate"
	"github.com/basket/clawremote/internal/permission"
	"github.com/basket/clawremote/internal/progress"
	"github.com/basket/clawremote/internal/protocol"
	"github.com/basket/clawremote/internal/replay"
)

const inboxSize = 64

// project is the worker for one project id. Every field below the inbox is
// owned by the run goroutine and must only be touched from a job.
type project struct {
	m      *Manager
	id     string
	logger *slog.Logger

	inbox chan func()
	quit  chan struct{}
	// ctx is cancelled when the worker stops; it bounds agent calls made
	// on the project's behalf.
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	// Resolutions reported by the correlator, possibly from a timer
	// goroutine, waiting to be handled on the worker.
	resolvedMu sync.Mutex
	resolved   []permission.Request
	notify     chan struct{}

	agentQ *serialQueue

	path           string
	repoURL        string
	agentSessionID string
	initialized    bool
	initRunning    bool
	// fresh marks a project created by a connect that has not committed yet.
	fresh bool

	machine *connstate.Machine
	since   time.Time
	buffer  *replay.Buffer
	inbound replay.Watermark
	// inboundUnknown: the client's numbering is unknown after a restart, so
	// the first inbound id becomes the baseline.
	inboundUnknown bool
	tree           *progress.Tree
	perms          *permission.Correlator

	sess         *session
	attempt      uint64
	shuttingDown bool
	shutdownWait []chan error
	violations   int
}

func newProject(m *Manager, id string) *project {
	p := &project{
		m:      m,
		id:     id,
		logger: m.logger.With("project_id", id),
		inbox:  make(chan func(), inboxSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
		agentQ: newSerialQueue(),
		fresh:  true,
		buffer: replay.NewBuffer(m.cfg.Retention),
		tree:   progress.NewTree(m.clock),
		since:  m.clock.Now(),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.machine = connstate.NewMachine(p.stateChanged)
	p.perms = permission.New(permission.Config{
		Clock:          m.clock,
		DefaultTimeout: m.cfg.PermissionTimeout,
		Logger:         p.logger,
		OnResolve:      p.queueResolved,
	})
	return p
}

func (p *project) run() {
	defer close(p.done)
	go p.agentQ.run()
	defer p.agentQ.close()
	for {
		select {
		case fn := <-p.inbox:
			p.drainResolved()
			fn()
		case <-p.notify:
			p.drainResolved()
		case <-p.quit:
			return
		}
	}
}

func (p *project) stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.quit)
	})
	<-p.done
}

// call runs fn on the worker and waits for it. ctx only bounds the wait for
// a slot in the inbox: once accepted, fn always runs to completion.
func (p *project) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	job := func() {
		defer close(finished)
		fn()
	}
	select {
	case p.inbox <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

// post queues fn without waiting. It reports false once the worker stopped.
func (p *project) post(fn func()) bool {
	select {
	case p.inbox <- fn:
		return true
	case <-p.quit:
		return false
	}
}

func (p *project) queueResolved(req permission.Request) {
	p.resolvedMu.Lock()
	p.resolved = append(p.resolved, req)
	p.resolvedMu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *project) drainResolved() {
	p.resolvedMu.Lock()
	batch := p.resolved
	p.resolved = nil
	p.resolvedMu.Unlock()
	for _, req := range batch {
		p.permissionResolved(req)
	}
}

func (p *project) stateChanged(from, to connstate.State, ev connstate.Event) {
	p.since = p.m.clock.Now()
	p.logger.Info("connection state changed", "state_from", from, "state_to", to, "event", ev)
	if p.fresh {
		// Nothing is persisted for a project until a client has
		// authenticated for it.
		return
	}
	p.m.publish(bus.TopicProjectState, bus.ProjectStateEvent{
		ProjectID: p.id,
		From:      string(from),
		To:        string(to),
		Trigger:   string(ev),
	})
	p.publishSnapshot()
}

// fire applies ev and logs, rather than returns, a rejected transition.
func (p *project) fire(ev connstate.Event) bool {
	if _, err := p.machine.Fire(ev); err != nil {
		p.logger.Warn("state transition rejected", "error", err)
		return false
	}
	return true
}

func (p *project) publishSnapshot() {
	if p.fresh {
		return
	}
	p.m.publish(bus.TopicProjectSnapshot, bus.ProjectSnapshotEvent{
		ProjectID:      p.id,
		ProjectPath:    p.path,
		AgentSessionID: p.agentSessionID,
		Snapshot:       p.snapshot(),
	})
}

func (p *project) snapshot() protocol.Snapshot {
	pending := p.perms.Pending()
	wire := make([]protocol.PermissionRequest, 0, len(pending))
	for _, r := range pending {
		wire = append(wire, r.Wire())
	}
	return protocol.Snapshot{
		ProjectID:   p.id,
		State:       string(p.machine.State()),
		LatestID:    p.buffer.LatestID(),
		Permissions: wire,
		Progress:    p.tree.Snapshot(),
		TakenAt:     p.m.clock.Now().UTC(),
	}
}

func (p *project) status() ProjectStatus {
	st := ProjectStatus{
		ID:             p.id,
		Path:           p.path,
		State:          string(p.machine.State()),
		Initialized:    p.initialized,
		AgentSessionID: p.agentSessionID,
		LatestID:       p.buffer.LatestID(),
		Buffered:       p.buffer.Len(),
		Pending:        len(p.perms.Pending()),
		Nodes:          p.tree.Len(),
		Since:          p.since,
	}
	if s := p.sess; s != nil {
		st.Attached = true
		st.IdentityID = s.grant.IdentityID
	}
	return st
}

func (p *project) restoreTree(nodes []protocol.ProgressNode) {
	p.tree = progress.Restore(p.m.clock, nodes)
}

// emit assigns the next id to a sequenced envelope, buffers it for replay
// and hands it to the attached session, if any.
func (p *project) emit(t protocol.Type, payload any) error {
	env, err := protocol.New(t, p.buffer.LatestID()+1, p.m.clock.Now(), payload)
	if err != nil {
		p.logger.Error("build envelope failed", "type", t, "error", err)
		return err
	}
	if err := p.buffer.Append(env); err != nil {
		p.logger.Error("buffer envelope failed", "type", t, "envelope_id", env.ID, "error", err)
		return err
	}
	if s := p.sess; s != nil {
		p.deliver(s, env)
	}
	return nil
}

// direct sends an unsequenced frame on s only.
func (p *project) direct(s *session, t protocol.Type, payload any) {
	env, err := protocol.New(t, 0, p.m.clock.Now(), payload)
	if err != nil {
		p.logger.Error("build envelope failed", "type", t, "error", err)
		return
	}
	p.deliver(s, env)
}

func (p *project) sendError(s *session, err error) {
	if s == nil {
		return
	}
	p.direct(s, protocol.TypeError, protocol.ErrorPayload(err))
}

// deliver hands env to the session writer. A writer that cannot keep up is
// treated as a lost transport.
func (p *project) deliver(s *session, env protocol.Envelope) {
	if s.outClosed {
		return
	}
	select {
	case s.out <- env:
		p.m.cfg.Metrics.Sent(context.Background(), p.id, 1)
	default:
		p.logger.Warn("outbound queue full, dropping session", "conn_id", s.connID)
		p.finish(s, connstate.EventTransportLost, protocol.KindTransportLost, "outbound queue full")
	}
}

func stateOf(s string) connstate.State {
	if connstate.State(s) == connstate.Shutdown {
		return connstate.Shutdown
	}
	return connstate.Disconnected
}

// serialQueue runs agent calls one at a time in submission order, so the
// worker never blocks on the agent and commands reach it in order.
type serialQueue struct {
	mu     sync.Mutex
	jobs   []func()
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newSerialQueue() *serialQueue {
	return &serialQueue{wake: make(chan struct{}, 1), closed: make(chan struct{})}
}

func (q *serialQueue) push(fn func()) {
	q.mu.Lock()
	q.jobs = append(q.jobs, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *serialQueue) run() {
	for {
		q.mu.Lock()
		jobs := q.jobs
		q.jobs = nil
		q.mu.Unlock()
		for _, fn := range jobs {
			fn()
		}
		if len(jobs) > 0 {
			continue
		}
		select {
		case <-q.wake:
		case <-q.closed:
			return
		}
	}
}

func (q *serialQueue) close() {
	q.once.Do(func() { close(q.closed) })
}
