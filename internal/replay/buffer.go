// Package replay buffers a project's outbound envelopes so a reconnecting
// client can catch up, and filters duplicate inbound envelopes.
package replay

import (
	"errors"
	"fmt"
	"time"

	"github.com/basket/clawremote/internal/protocol"
)

const (
	DefaultMaxEnvelopes = 1000
	DefaultMaxAge       = 24 * time.Hour
)

// ErrNonContiguous is returned when an appended id does not directly follow
// the latest one.
var ErrNonContiguous = errors.New("replay: envelope id is not contiguous")

// Retention bounds the buffer by count and by age. Zero values disable the
// corresponding bound.
type Retention struct {
	MaxEnvelopes int
	MaxAge       time.Duration
}

// Result is the outcome of a catch-up request.
type Result struct {
	Envelopes []protocol.Envelope
	// Resync is set when the requested point is no longer covered; the
	// caller must send a snapshot instead of Envelopes.
	Resync   bool
	OldestID uint64
	LatestID uint64
}

// Buffer is the ordered outbound history of one project. Not safe for
// concurrent use.
type Buffer struct {
	retention Retention
	entries   []protocol.Envelope
	latest    uint64
	// evicted is the highest id no longer held.
	evicted uint64
}

func NewBuffer(r Retention) *Buffer {
	return &Buffer{retention: r}
}

// Append stores env, whose id must be LatestID()+1, then enforces the count
// bound.
func (b *Buffer) Append(env protocol.Envelope) error {
	if env.ID != b.latest+1 {
		return fmt.Errorf("%w: got %d after %d", ErrNonContiguous, env.ID, b.latest)
	}
	b.entries = append(b.entries, env)
	b.latest = env.ID
	if limit := b.retention.MaxEnvelopes; limit > 0 && len(b.entries) > limit {
		b.evictFront(len(b.entries) - limit)
	}
	return nil
}

// Since returns every envelope after lastSeen, or Resync when lastSeen is
// older than retention or newer than anything this buffer issued.
func (b *Buffer) Since(lastSeen uint64) Result {
	res := Result{OldestID: b.OldestID(), LatestID: b.latest}
	if lastSeen > b.latest || lastSeen < b.evicted {
		res.Resync = true
		return res
	}
	// entries[i].ID == b.evicted+1+i
	start := int(lastSeen - b.evicted)
	if start < len(b.entries) {
		res.Envelopes = append([]protocol.Envelope(nil), b.entries[start:]...)
	}
	return res
}

// Prune drops envelopes older than the age bound and reports how many went.
func (b *Buffer) Prune(now time.Time) int {
	if b.retention.MaxAge <= 0 {
		return 0
	}
	cutoff := now.Add(-b.retention.MaxAge)
	n := 0
	for n < len(b.entries) && b.entries[n].Timestamp.Before(cutoff) {
		n++
	}
	b.evictFront(n)
	return n
}

// Reset forgets all envelopes and continues numbering after latest. Used
// when a project is restored with no history in memory.
func (b *Buffer) Reset(latest uint64) {
	b.entries = nil
	b.latest = latest
	b.evicted = latest
}

// OldestID is the smallest id still held, or 0 when empty.
func (b *Buffer) OldestID() uint64 {
	if len(b.entries) == 0 {
		return 0
	}
	return b.entries[0].ID
}

func (b *Buffer) LatestID() uint64 { return b.latest }

func (b *Buffer) Len() int { return len(b.entries) }

func (b *Buffer) evictFront(n int) {
	if n <= 0 {
		return
	}
	b.evicted = b.entries[n-1].ID
	b.entries = append([]protocol.Envelope(nil), b.entries[n:]...)
}
