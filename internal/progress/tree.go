// Package progress aggregates hierarchical task and sub-agent progress
// events into a tree.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/basket/clawremote/internal/clock"
	"github.com/basket/clawremote/internal/protocol"
)

type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
)

func (s Status) Terminal() bool { return s == Succeeded || s == Failed }

func (s Status) rank() int {
	switch s {
	case Pending:
		return 0
	case Running:
		return 1
	case Succeeded, Failed:
		return 2
	}
	return -1
}

// Anomalies. The event is dropped and the tree is left untouched.
var (
	ErrTerminal          = errors.New("progress: node already finished")
	ErrRegression        = errors.New("progress: status or percentage went backwards")
	ErrInvalidStatus     = errors.New("progress: invalid status")
	ErrInvalidPercentage = errors.New("progress: percentage out of range")
	ErrParentConflict    = errors.New("progress: node already has a different parent")
	ErrCycle             = errors.New("progress: parent would create a cycle")
)

// Node is one task or sub-agent.
type Node struct {
	ID         string
	ParentID   string
	Label      string
	Status     Status
	Percentage float64
	// Placeholder marks a node created only because a child named it as
	// parent; it is filled in when its own event arrives.
	Placeholder bool
	StartedAt   time.Time
	EndedAt     time.Time
}

// Update describes what one applied event changed.
type Update struct {
	Node       Node
	Created    bool
	Reparented bool
	// Placeholder is the id of a parent placeholder created by this event.
	Placeholder string
}

// Tree is the progress view of one project. Nodes are never removed. Not
// safe for concurrent use.
type Tree struct {
	clock     clock.Clock
	nodes     map[string]*Node
	children  map[string][]string
	order     []string
	anomalies int
}

func NewTree(c clock.Clock) *Tree {
	if c == nil {
		c = clock.Real()
	}
	return &Tree{
		clock:    c,
		nodes:    make(map[string]*Node),
		children: make(map[string][]string),
	}
}

// Apply folds ev into the tree.
func (t *Tree) Apply(ev protocol.ProgressEvent) (Update, error) {
	upd, err := t.apply(ev)
	if err != nil {
		t.anomalies++
		return Update{}, fmt.Errorf("node %s: %w", ev.NodeID, err)
	}
	return upd, nil
}

func (t *Tree) apply(ev protocol.ProgressEvent) (Update, error) {
	status := Status(ev.Status)
	if status.rank() < 0 {
		return Update{}, fmt.Errorf("%w: %q", ErrInvalidStatus, ev.Status)
	}
	if ev.Percentage < 0 || ev.Percentage > 100 {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidPercentage, ev.Percentage)
	}
	if ev.NodeID == "" {
		return Update{}, fmt.Errorf("%w: empty node id", ErrInvalidStatus)
	}

	node, exists := t.nodes[ev.NodeID]
	if exists {
		if node.Status.Terminal() {
			return Update{}, ErrTerminal
		}
		if status.rank() < node.Status.rank() {
			return Update{}, fmt.Errorf("%w: %s -> %s", ErrRegression, node.Status, status)
		}
		if ev.Percentage < node.Percentage && !status.Terminal() {
			return Update{}, fmt.Errorf("%w: %.1f -> %.1f", ErrRegression, node.Percentage, ev.Percentage)
		}
	}

	reparent := ev.ParentID != "" && (!exists || node.ParentID != ev.ParentID)
	if reparent {
		if ev.ParentID == ev.NodeID {
			return Update{}, ErrCycle
		}
		if exists && node.ParentID != "" {
			return Update{}, fmt.Errorf("%w: %s, not %s", ErrParentConflict, node.ParentID, ev.ParentID)
		}
		if exists && t.isAncestor(ev.NodeID, ev.ParentID) {
			return Update{}, ErrCycle
		}
	}

	var upd Update
	now := t.clock.Now()
	if !exists {
		node = &Node{ID: ev.NodeID, Status: Pending}
		t.nodes[node.ID] = node
		t.order = append(t.order, node.ID)
		upd.Created = true
	}
	if reparent {
		if _, ok := t.nodes[ev.ParentID]; !ok {
			t.nodes[ev.ParentID] = &Node{ID: ev.ParentID, Status: Pending, Placeholder: true}
			t.order = append(t.order, ev.ParentID)
			upd.Placeholder = ev.ParentID
		}
		node.ParentID = ev.ParentID
		t.children[ev.ParentID] = append(t.children[ev.ParentID], node.ID)
		upd.Reparented = exists
	}

	if ev.Label != "" {
		node.Label = ev.Label
	}
	node.Placeholder = false
	if status != Pending && node.StartedAt.IsZero() {
		node.StartedAt = now
	}
	switch {
	case status == Succeeded:
		node.Percentage = 100
	case status == Failed:
		if ev.Percentage > node.Percentage {
			node.Percentage = ev.Percentage
		}
	default:
		node.Percentage = ev.Percentage
	}
	if status.Terminal() {
		node.EndedAt = now
	}
	node.Status = status

	upd.Node = *node
	return upd, nil
}

// isAncestor reports whether id is candidate or one of its ancestors.
func (t *Tree) isAncestor(id, candidate string) bool {
	for cur := candidate; cur != ""; {
		if cur == id {
			return true
		}
		n, ok := t.nodes[cur]
		if !ok {
			return false
		}
		cur = n.ParentID
	}
	return false
}

func (t *Tree) Get(id string) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Children of id in arrival order.
func (t *Tree) Children(id string) []Node {
	ids := t.children[id]
	out := make([]Node, 0, len(ids))
	for _, cid := range ids {
		out = append(out, *t.nodes[cid])
	}
	return out
}

// Roots are nodes without a parent, including unfilled placeholders.
func (t *Tree) Roots() []Node {
	var out []Node
	for _, id := range t.order {
		if n := t.nodes[id]; n.ParentID == "" {
			out = append(out, *n)
		}
	}
	return out
}

func (t *Tree) Len() int { return len(t.nodes) }

// Anomalies counts rejected events.
func (t *Tree) Anomalies() int { return t.anomalies }

// Snapshot returns every node in arrival order.
func (t *Tree) Snapshot() []protocol.ProgressNode {
	out := make([]protocol.ProgressNode, 0, len(t.order))
	for _, id := range t.order {
		n := t.nodes[id]
		pn := protocol.ProgressNode{
			NodeID:      n.ID,
			ParentID:    n.ParentID,
			Label:       n.Label,
			Status:      string(n.Status),
			Percentage:  n.Percentage,
			Placeholder: n.Placeholder,
		}
		if !n.StartedAt.IsZero() {
			started := n.StartedAt
			pn.StartedAt = &started
		}
		if !n.EndedAt.IsZero() {
			ended := n.EndedAt
			pn.EndedAt = &ended
		}
		out = append(out, pn)
	}
	return out
}

// Restore rebuilds a tree from a snapshot.
func Restore(c clock.Clock, nodes []protocol.ProgressNode) *Tree {
	t := NewTree(c)
	for _, pn := range nodes {
		n := &Node{
			ID:          pn.NodeID,
			ParentID:    pn.ParentID,
			Label:       pn.Label,
			Status:      Status(pn.Status),
			Percentage:  pn.Percentage,
			Placeholder: pn.Placeholder,
		}
		if pn.StartedAt != nil {
			n.StartedAt = *pn.StartedAt
		}
		if pn.EndedAt != nil {
			n.EndedAt = *pn.EndedAt
		}
		t.nodes[n.ID] = n
		t.order = append(t.order, n.ID)
	}
	for _, id := range t.order {
		if p := t.nodes[id].ParentID; p != "" {
			t.children[p] = append(t.children[p], id)
		}
	}
	return t
}
