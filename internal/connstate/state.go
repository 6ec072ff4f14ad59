// Package connstate is the per-project connection lifecycle. It is
// independent of whether a transport happens to be up.
package connstate

import (
	"errors"
	"fmt"
)

type State string

const (
	Disconnected  State = "DISCONNECTED"
	Connecting    State = "CONNECTING"
	Connected     State = "CONNECTED"
	Disconnecting State = "DISCONNECTING"
	Shutdown      State = "SHUTDOWN"
)

type Event string

const (
	// EventConnect: the client initiated a connection.
	EventConnect Event = "connect"
	// EventConnected: handshake passed and the agent is reachable.
	EventConnected Event = "connected"
	// EventConnectFailed: handshake, reachability or init failed, or the
	// attempt was cancelled.
	EventConnectFailed Event = "connect_failed"
	// EventDisconnect: the client asked to detach and leave the agent running.
	EventDisconnect Event = "disconnect"
	// EventTransportClosed: the transport closed after a requested disconnect.
	EventTransportClosed Event = "transport_closed"
	// EventShutdown: the client asked to stop the agent.
	EventShutdown Event = "shutdown"
	// EventTerminated: the agent and its children are confirmed gone.
	EventTerminated Event = "terminated"
	// EventTransportLost: the transport dropped unexpectedly.
	EventTransportLost Event = "transport_lost"
)

// ErrInvalidTransition is returned for events a state does not accept.
var ErrInvalidTransition = errors.New("invalid state transition")

type edge struct {
	from State
	ev   Event
}

var transitions = map[edge]State{
	{Disconnected, EventConnect}:          Connecting,
	{Connecting, EventConnected}:          Connected,
	{Connecting, EventConnectFailed}:      Disconnected,
	{Connected, EventDisconnect}:          Disconnecting,
	{Disconnecting, EventTransportClosed}: Disconnected,
	{Connected, EventShutdown}:            Shutdown,
	{Connecting, EventShutdown}:           Shutdown,
	{Shutdown, EventShutdown}:             Shutdown,
	{Shutdown, EventTerminated}:           Disconnected,
	{Disconnected, EventTransportLost}:    Disconnected,
	{Connecting, EventTransportLost}:      Disconnected,
	{Connected, EventTransportLost}:       Disconnected,
	{Disconnecting, EventTransportLost}:   Disconnected,
}

// Transition returns the state reached from `from` on ev.
//
// A transport drop while SHUTDOWN keeps the state: the termination already
// under way runs to completion and reports EventTerminated itself.
func Transition(from State, ev Event) (State, error) {
	if from == Shutdown && ev == EventTransportLost {
		return Shutdown, nil
	}
	to, ok := transitions[edge{from, ev}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, ev)
	}
	return to, nil
}

// Machine holds the current state of one project. It is not safe for
// concurrent use; the owning project worker serializes access.
type Machine struct {
	state    State
	onChange func(from, to State, ev Event)
}

// NewMachine starts in DISCONNECTED. onChange, if set, runs after every
// transition that changes the state.
func NewMachine(onChange func(from, to State, ev Event)) *Machine {
	return &Machine{state: Disconnected, onChange: onChange}
}

func (m *Machine) State() State { return m.state }

// Fire applies ev. The state is unchanged on error.
func (m *Machine) Fire(ev Event) (State, error) {
	from := m.state
	to, err := Transition(from, ev)
	if err != nil {
		return from, err
	}
	m.state = to
	if to != from && m.onChange != nil {
		m.onChange(from, to, ev)
	}
	return to, nil
}

// Restore sets the state without firing onChange. Used when loading a
// persisted project; anything other than DISCONNECTED or SHUTDOWN collapses
// to DISCONNECTED since no transport survives a restart.
func (m *Machine) Restore(s State) {
	if s == Shutdown {
		m.state = Shutdown
		return
	}
	m.state = Disconnected
}
