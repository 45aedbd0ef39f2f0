package netstatus

import (
	"testing"

	"github.com/converselabs/converse/internal/bus"
)

func TestMachineStartsOffline(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Offline {
		t.Errorf("initial state = %s, want OFFLINE", m.Current())
	}
	if m.Connected() {
		t.Error("Connected() true while OFFLINE")
	}
}

func TestValidTransitions(t *testing.T) {
	m := NewMachine(nil)

	steps := []State{Online, Syncing, Degraded, Syncing, Online, Offline}
	for _, to := range steps {
		if err := m.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
		if m.Current() != to {
			t.Fatalf("current = %s, want %s", m.Current(), to)
		}
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := NewMachine(nil)

	// OFFLINE can only go ONLINE.
	for _, to := range []State{Syncing, Degraded} {
		if err := m.Transition(to); err == nil {
			t.Errorf("transition OFFLINE -> %s succeeded, want error", to)
		}
	}
	if m.Current() != Offline {
		t.Errorf("state changed on rejected transition: %s", m.Current())
	}
}

func TestSelfTransitionIsNoOp(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindNetStatus, 4)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Offline); err != nil {
		t.Fatalf("self transition: %v", err)
	}
	select {
	case evt := <-ch:
		t.Errorf("self transition published %v", evt.Payload)
	default:
	}
}

func TestSetOnlinePublishesChange(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindNetStatus, 4)
	defer unsub()

	m := NewMachine(b)
	m.SetOnline(true)

	evt := <-ch
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type %T, want StatusChange", evt.Payload)
	}
	if change.From != Offline || change.To != Online {
		t.Errorf("change = %+v, want OFFLINE -> ONLINE", change)
	}
	if !m.Connected() {
		t.Error("Connected() false after SetOnline(true)")
	}

	m.SetOnline(false)
	evt = <-ch
	change = evt.Payload.(StatusChange)
	if change.From != Online || change.To != Offline {
		t.Errorf("change = %+v, want ONLINE -> OFFLINE", change)
	}
}

func TestSetOnlineFromSyncing(t *testing.T) {
	m := NewMachine(nil)
	m.SetOnline(true)
	if err := m.Transition(Syncing); err != nil {
		t.Fatalf("to SYNCING: %v", err)
	}

	// A probe failure mid-cycle drops the machine straight to OFFLINE.
	m.SetOnline(false)
	if m.Current() != Offline {
		t.Errorf("current = %s, want OFFLINE", m.Current())
	}
}
