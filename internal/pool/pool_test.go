package pool

import (
	"testing"

	"github.com/falconscript/proxyratemanager/internal/circuit"
)

func TestAddRejectsUnnamedRigidCircuit(t *testing.T) {
	p := New(func() {})
	c := circuit.New(circuit.Definition{Host: "1.2.3.4", Port: 1080})

	if err := p.Add(c); err != ErrUnnamedRigidCircuit {
		t.Fatalf("Add() = %v, want ErrUnnamedRigidCircuit", err)
	}
}

func TestAddRejectsDuplicateIdentifier(t *testing.T) {
	p := New(func() {})
	def := circuit.Definition{Host: "1.2.3.4", Port: 1080, InCyclingPool: true}

	if err := p.Add(circuit.New(def)); err != nil {
		t.Fatalf("first Add() failed: %v", err)
	}
	if err := p.Add(circuit.New(def)); err != ErrDuplicateCircuit {
		t.Fatalf("second Add() = %v, want ErrDuplicateCircuit", err)
	}
}

func TestAddNamedAndCyclingCircuitIsReachableBothWays(t *testing.T) {
	p := New(func() {})
	c := circuit.New(circuit.Definition{Host: "1.2.3.4", Port: 1080, Name: "exit-a", InCyclingPool: true})

	if err := p.Add(c); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	if got, ok := p.ByName("exit-a"); !ok || got != c {
		t.Error("expected named lookup to find the circuit")
	}
	if got, ok := p.CyclingAt(0); !ok || got != c {
		t.Error("expected cycling-index lookup to find the circuit")
	}
}

func TestRemoveEvictsFromBothCollections(t *testing.T) {
	p := New(func() {})
	c := circuit.New(circuit.Definition{Host: "1.2.3.4", Port: 1080, Name: "exit-a", InCyclingPool: true})
	if err := p.Add(c); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	p.Remove(c)

	if c.Valid() {
		t.Error("expected Remove to invalidate the circuit")
	}
	if _, ok := p.ByName("exit-a"); ok {
		t.Error("expected the named entry to be gone after Remove")
	}
	if _, ok := p.CyclingAt(0); ok {
		t.Error("expected the cycling entry to be gone after Remove")
	}
}

func TestRemoveOnlyTouchesItsOwnCollection(t *testing.T) {
	p := New(func() {})
	rigid := circuit.New(circuit.Definition{Host: "1.1.1.1", Port: 1, Name: "rigid"})
	cycling := circuit.New(circuit.Definition{Host: "2.2.2.2", Port: 2, InCyclingPool: true})

	if err := p.Add(rigid); err != nil {
		t.Fatalf("Add(rigid) failed: %v", err)
	}
	if err := p.Add(cycling); err != nil {
		t.Fatalf("Add(cycling) failed: %v", err)
	}

	p.Remove(rigid)

	if _, ok := p.CyclingAt(0); !ok {
		t.Error("expected the cycling circuit to survive removal of the rigid one")
	}
}

func TestSelectRandomExcludesAndSkipsUnhealthy(t *testing.T) {
	p := New(func() {})
	a := circuit.New(circuit.Definition{Host: "1.1.1.1", Port: 1, InCyclingPool: true})
	b := circuit.New(circuit.Definition{Host: "2.2.2.2", Port: 2, InCyclingPool: true})
	b.Decay(100) // drive b's health to 0, below the healthy threshold

	if err := p.Add(a); err != nil {
		t.Fatalf("Add(a) failed: %v", err)
	}
	if err := p.Add(b); err != nil {
		t.Fatalf("Add(b) failed: %v", err)
	}

	for i := 0; i < 20; i++ {
		got := p.SelectRandom(nil, true)
		if got != a {
			t.Fatalf("SelectRandom() = %v, want the only healthy circuit", got)
		}
	}
}

func TestSelectRandomFallsBackToExcludedWhenNoOtherCandidate(t *testing.T) {
	p := New(func() {})
	a := circuit.New(circuit.Definition{Host: "1.1.1.1", Port: 1, InCyclingPool: true})
	if err := p.Add(a); err != nil {
		t.Fatalf("Add(a) failed: %v", err)
	}

	got := p.SelectRandom(a, true)
	if got != a {
		t.Errorf("SelectRandom() = %v, want fallback to the only circuit", got)
	}
}

func TestSelectRandomFallsBackToExcludedWhenAllOthersUnhealthy(t *testing.T) {
	p := New(func() {})
	a := circuit.New(circuit.Definition{Host: "1.1.1.1", Port: 1, InCyclingPool: true})
	b := circuit.New(circuit.Definition{Host: "2.2.2.2", Port: 2, InCyclingPool: true})
	b.Decay(100)
	if err := p.Add(a); err != nil {
		t.Fatalf("Add(a) failed: %v", err)
	}
	if err := p.Add(b); err != nil {
		t.Fatalf("Add(b) failed: %v", err)
	}

	got := p.SelectRandom(a, true)
	if got != a {
		t.Errorf("SelectRandom() = %v, want fallback to the excluded-but-healthy circuit when every other candidate is unhealthy", got)
	}
}

func TestSelectRandomCallsAllUnhealthyWhenNoCandidateSurvives(t *testing.T) {
	called := false
	p := New(func() { called = true })

	a := circuit.New(circuit.Definition{Host: "1.1.1.1", Port: 1, InCyclingPool: true})
	a.Decay(100)
	if err := p.Add(a); err != nil {
		t.Fatalf("Add(a) failed: %v", err)
	}

	got := p.SelectRandom(nil, true)
	if got != nil {
		t.Errorf("SelectRandom() = %v, want nil", got)
	}
	if !called {
		t.Error("expected allUnhealthy callback to fire")
	}
}

func TestAllDeduplicatesCircuitsBothCyclingAndNamed(t *testing.T) {
	p := New(func() {})
	c := circuit.New(circuit.Definition{Host: "1.1.1.1", Port: 1, Name: "exit-a", InCyclingPool: true})
	if err := p.Add(c); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	all := p.All()
	if len(all) != 1 {
		t.Fatalf("All() returned %d entries, want 1", len(all))
	}
}

func TestOnionRoutedFiltersToLocalDaemonCircuits(t *testing.T) {
	p := New(func() {})
	daemon := circuit.New(circuit.Definition{Host: "127.0.0.1", Port: 9050, Name: "tor", IsLocalDaemon: true})
	remote := circuit.New(circuit.Definition{Host: "1.1.1.1", Port: 1080, InCyclingPool: true})

	if err := p.Add(daemon); err != nil {
		t.Fatalf("Add(daemon) failed: %v", err)
	}
	if err := p.Add(remote); err != nil {
		t.Fatalf("Add(remote) failed: %v", err)
	}

	routed := p.OnionRouted()
	if len(routed) != 1 || routed[0] != daemon {
		t.Errorf("OnionRouted() = %v, want only the local-daemon circuit", routed)
	}
}
