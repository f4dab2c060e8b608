// Package pool implements CircuitPool: a cycling set of circuits
// eligible for random selection, plus a named registry reachable only
// by explicit name.
package pool

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/falconscript/proxyratemanager/internal/circuit"
	"github.com/falconscript/proxyratemanager/internal/shared/logger"
)

var (
	ErrDuplicateCircuit    = errors.New("pool: circuit identifier already registered")
	ErrUnnamedRigidCircuit = errors.New("pool: non-cycling circuit requires a name")
)

// AllUnhealthyFunc is invoked when every circuit in the cycling pool is
// unhealthy and no exclusion saves the selection. The default is fatal.
type AllUnhealthyFunc func()

// Pool holds the live circuit set.
type Pool struct {
	mu      sync.RWMutex
	cycling []*circuit.Circuit
	named   map[string]*circuit.Circuit

	rng          *rand.Rand
	rngMu        sync.Mutex
	allUnhealthy AllUnhealthyFunc
}

// New creates an empty Pool. allUnhealthy defaults to a fatal log if nil.
func New(allUnhealthy AllUnhealthyFunc) *Pool {
	if allUnhealthy == nil {
		allUnhealthy = func() {
			logger.Fatal().Msg("pool: every cycling circuit is unhealthy")
		}
	}
	return &Pool{
		named:        make(map[string]*circuit.Circuit),
		rng:          rand.New(rand.NewSource(rand.Int63())),
		allUnhealthy: allUnhealthy,
	}
}

// CheckAddable reports whether c could be inserted right now, without
// mutating either collection. Callers that need to do work between
// validating a circuit and actually inserting it (starting the daemon,
// probing the exit IP) use this to fail fast before that work begins.
func (p *Pool) CheckAddable(c *circuit.Circuit) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.checkAddableLocked(c)
}

func (p *Pool) checkAddableLocked(c *circuit.Circuit) error {
	if !c.InCyclingPool() && c.Name() == "" {
		return ErrUnnamedRigidCircuit
	}

	id := c.Identifier()
	for _, existing := range p.cycling {
		if existing.Identifier() == id {
			return ErrDuplicateCircuit
		}
	}
	for _, existing := range p.named {
		if existing.Identifier() == id {
			return ErrDuplicateCircuit
		}
	}
	return nil
}

// Add inserts c into the cycling pool or the named registry per its
// flags, after checking identifier uniqueness across both collections.
func (p *Pool) Add(c *circuit.Circuit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkAddableLocked(c); err != nil {
		return err
	}

	if c.InCyclingPool() {
		p.cycling = append(p.cycling, c)
	}
	// A circuit may be both cycling and named (it has a name but is
	// still eligible for random selection); the named registry always
	// gets an entry when a name is present so byName lookups work
	// regardless of cycling membership.
	if c.Name() != "" {
		p.named[c.Name()] = c
	}
	return nil
}

// Remove invalidates c and removes it from whichever collection it
// actually belongs to: the cycling slice when c.InCyclingPool() is
// true, the named map when c.Name() is set, mirroring Add's insertion
// logic exactly.
func (p *Pool) Remove(c *circuit.Circuit) {
	c.Invalidate()

	p.mu.Lock()
	defer p.mu.Unlock()

	if c.InCyclingPool() {
		for i, existing := range p.cycling {
			if existing == c {
				p.cycling = append(p.cycling[:i], p.cycling[i+1:]...)
				break
			}
		}
	}
	if c.Name() != "" {
		if existing, ok := p.named[c.Name()]; ok && existing == c {
			delete(p.named, c.Name())
		}
	}
}

// SelectRandom chooses uniformly from the cycling pool, excluding
// exclude and (if skipUnhealthy) unhealthy circuits. A pool with exactly
// one entry returns that entry with no exclusion or health filtering; an
// empty pool returns nil. When no other candidate survives the filters,
// exclude is returned if it is healthy (or health is not checked);
// otherwise allUnhealthy is called and nil is returned.
func (p *Pool) SelectRandom(exclude *circuit.Circuit, skipUnhealthy bool) *circuit.Circuit {
	p.mu.RLock()
	cycling := make([]*circuit.Circuit, len(p.cycling))
	copy(cycling, p.cycling)
	p.mu.RUnlock()

	if len(cycling) == 0 {
		logger.Warn().Msg("pool: selectRandom called on an empty cycling pool")
		return nil
	}
	if len(cycling) == 1 {
		logger.Warn().Msg("pool: selectRandom degenerate case, cycling pool has exactly one entry")
		return cycling[0]
	}

	candidates := make([]*circuit.Circuit, 0, len(cycling))
	for _, c := range cycling {
		if c == exclude {
			continue
		}
		if skipUnhealthy && !c.Healthy() {
			continue
		}
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		if exclude != nil && (!skipUnhealthy || exclude.Healthy()) {
			return exclude
		}
		p.allUnhealthy()
		return nil
	}

	p.rngMu.Lock()
	idx := p.rng.Intn(len(candidates))
	p.rngMu.Unlock()
	return candidates[idx]
}

// ByName looks a circuit up by its registered name.
func (p *Pool) ByName(name string) (*circuit.Circuit, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.named[name]
	return c, ok
}

// CyclingAt returns the circuit at the given index in the cycling pool,
// used by Coordinator.createClient's integer-index resolution.
func (p *Pool) CyclingAt(index int) (*circuit.Circuit, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if index < 0 || index >= len(p.cycling) {
		return nil, false
	}
	return p.cycling[index], true
}

// All returns a snapshot of every live circuit, cycling and named,
// de-duplicated, used by the Coordinator/RateStore to know which IPs
// are still presented by a live circuit.
func (p *Pool) All() []*circuit.Circuit {
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := make(map[*circuit.Circuit]struct{}, len(p.cycling)+len(p.named))
	all := make([]*circuit.Circuit, 0, len(p.cycling)+len(p.named))
	for _, c := range p.cycling {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			all = append(all, c)
		}
	}
	for _, c := range p.named {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			all = append(all, c)
		}
	}
	return all
}

// OnionRouted returns every live circuit flagged IsLocalDaemon.
func (p *Pool) OnionRouted() []*circuit.Circuit {
	var out []*circuit.Circuit
	for _, c := range p.All() {
		if c.IsLocalDaemon() {
			out = append(out, c)
		}
	}
	return out
}
