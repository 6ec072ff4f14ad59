package persistence

import (
	"context"
	"log/slog"
	"sync"

	"github.com/basket/clawremote/internal/bus"
)

// Recorder persists project lifecycle events published on the bus.
type Recorder struct {
	store  *Store
	bus    *bus.Bus
	logger *slog.Logger

	sub    *bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRecorder(store *Store, eventBus *bus.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, bus: eventBus, logger: logger}
}

// Start subscribes to project topics and writes in a background goroutine.
func (r *Recorder) Start(ctx context.Context) {
	r.sub = r.bus.SubscribeBuffered("project.", 512)
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop unsubscribes, drains what is already queued and waits.
func (r *Recorder) Stop() {
	if r.cancel == nil {
		return
	}
	r.bus.Unsubscribe(r.sub)
	r.wg.Wait()
	r.cancel()
	if n := r.sub.Dropped(); n > 0 {
		r.logger.Warn("recorder missed project events", "dropped", n)
	}
}

func (r *Recorder) loop(ctx context.Context) {
	defer r.wg.Done()
	for ev := range r.sub.Ch() {
		r.handle(ctx, ev)
	}
}

func (r *Recorder) handle(ctx context.Context, ev bus.Event) {
	var err error
	switch p := ev.Payload.(type) {
	case bus.ProjectStateEvent:
		err = r.store.SetProjectState(ctx, p.ProjectID, p.To)
	case bus.ProjectInitializedEvent:
		if p.Success {
			err = r.store.UpsertProject(ctx, ProjectRecord{
				ID:             p.ProjectID,
				Path:           p.ProjectPath,
				AgentSessionID: p.SessionID,
				Initialized:    true,
			})
		}
	case bus.ProjectSnapshotEvent:
		err = r.store.UpsertProject(ctx, ProjectRecord{
			ID:             p.ProjectID,
			Path:           p.ProjectPath,
			AgentSessionID: p.AgentSessionID,
			State:          p.Snapshot.State,
		})
		if err == nil {
			err = r.store.SaveSnapshot(ctx, p.Snapshot)
		}
	default:
		return
	}
	if err != nil {
		r.logger.Error("persist project event failed", "topic", ev.Topic, "error", err)
	}
}
