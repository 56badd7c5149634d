package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/bizsync/internal/bus"
)

// State is the connection state of one handle.
type State string

const (
	Disconnected     State = "DISCONNECTED"
	Connecting       State = "CONNECTING"
	Connected        State = "CONNECTED"
	Reauthenticating State = "REAUTHENTICATING"
)

// validTransitions defines allowed state transitions. Every state may fall
// back to Disconnected so Close works from anywhere.
var validTransitions = map[State][]State{
	Disconnected:     {Connecting},
	Connecting:       {Connected, Reauthenticating, Disconnected},
	Connected:        {Reauthenticating, Connecting, Disconnected},
	Reauthenticating: {Connected, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu       sync.RWMutex
	current  State
	identity string
	bus      *bus.Bus
	onChange func(StatusChange)
}

// NewMachine creates a state machine in Disconnected for identity.
// Transitions are published on b as connection.state_changed.
func NewMachine(identity string, b *bus.Bus) *Machine {
	return &Machine{
		current:  Disconnected,
		identity: identity,
		bus:      b,
	}
}

// OnChange installs a hook called after every successful transition.
// It runs with the machine unlocked.
func (m *Machine) OnChange(fn func(StatusChange)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// A transition to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	if m.current == to {
		m.mu.Unlock()
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	change := StatusChange{From: m.current, To: to}
	m.current = to
	hook := m.onChange
	m.mu.Unlock()

	m.bus.Emit(bus.KindStateChanged, m.identity, change)
	if hook != nil {
		hook(change)
	}
	return nil
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
