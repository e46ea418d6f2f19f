package conn

import (
	"slices"

	"github.com/p-blackswan/chatsync/internal/protocol"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// EventType distinguishes what a listener is being told about.
type EventType int

const (
	// EventState reports a lifecycle transition.
	EventState EventType = iota
	// EventMessage carries an inbound server frame.
	EventMessage
	// EventError reports a terminal connection failure.
	EventError
)

// Event is delivered to listeners in the order it happened.
type Event struct {
	Type  EventType
	State State
	Frame protocol.Frame
	Err   error
}

// Listener receives connection events. Listeners run on the connection's
// read goroutine and must not block on a Request.
type Listener func(Event)

// Subscribe registers a listener and returns a function that removes it.
func (m *Manager) Subscribe(l Listener) func() {
	m.lmu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.lmu.Unlock()

	return func() {
		m.lmu.Lock()
		delete(m.listeners, id)
		m.lmu.Unlock()
	}
}

func (m *Manager) emit(ev Event) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.lmu.RLock()
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	m.lmu.RUnlock()

	// registration order
	slices.Sort(ids)
	for _, id := range ids {
		m.lmu.RLock()
		l, ok := m.listeners[id]
		m.lmu.RUnlock()
		if ok {
			l(ev)
		}
	}
}
