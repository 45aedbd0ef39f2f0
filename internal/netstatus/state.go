// Package netstatus tracks connectivity for the sync engine. The
// orchestrator gates cycles on this machine and treats the transition
// into Online as a reconnect trigger.
package netstatus

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/converselabs/converse/internal/bus"
)

// State represents a connectivity state.
type State string

const (
	Offline State = "OFFLINE"
	Online  State = "ONLINE"
	Syncing State = "SYNCING"
	// Degraded means the link is up but recent sync cycles failed.
	Degraded State = "DEGRADED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Offline:  {Online},
	Online:   {Offline, Syncing, Degraded},
	Syncing:  {Online, Offline, Degraded},
	Degraded: {Online, Syncing, Offline},
}

// Machine tracks and enforces connectivity state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine starting Offline; the external
// connectivity probe flips it Online once the link is confirmed.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Offline,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Connected reports whether sync traffic may be attempted.
func (m *Machine) Connected() bool {
	return m.Current() != Offline
}

// Transition attempts to move to a new state. Returns error if the
// transition is invalid; a self-transition is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindNetStatus,
			Timestamp: time.Now(),
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}

// SetOnline consumes the boolean online/offline signal from an
// external connectivity probe.
func (m *Machine) SetOnline(online bool) {
	if online {
		_ = m.Transition(Online)
		return
	}
	_ = m.Transition(Offline)
}

// StatusChange is the payload for connectivity change events.
type StatusChange struct {
	From State
	To   State
}
