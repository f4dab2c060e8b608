// Package client implements the user-facing handle bound to one
// circuit: probe-or-change, force-change, report-action, plus the
// hidden "polling client" flavor a Poller uses to probe its own circuit.
package client

import (
	"context"
	"errors"
	"sync"

	"github.com/falconscript/proxyratemanager/internal/circuit"
	"github.com/falconscript/proxyratemanager/internal/pool"
	"github.com/falconscript/proxyratemanager/internal/ratestore"
	"github.com/falconscript/proxyratemanager/internal/shared/logger"
)

// ErrRigidCircuitMisuse is the fatal error raised when a non-cycling,
// non-onion circuit's client is asked to probeOrChange/reportAction.
var ErrRigidCircuitMisuse = errors.New("client: rigid circuit does not support rate-gated actions")

// CoordinatorGateway is the narrow slice of Coordinator a Client needs.
// Defined here (not imported from the coordinator package) so client
// has no dependency on coordinator, avoiding an import cycle; the
// Coordinator type satisfies this interface structurally.
type CoordinatorGateway interface {
	ForceChange(ctx context.Context, c *circuit.Circuit) (bool, error)
	ProbeOrChange(ctx context.Context, c *circuit.Circuit, action string) (bool, error)
	ReportAction(action string, c *circuit.Circuit) error
}

// Client is bound to one circuit at a time. Cycling, non-onion clients
// may be rebound to a different circuit by forceIPChange; polling
// clients never rebind.
type Client struct {
	mu          sync.RWMutex
	circuit     *circuit.Circuit
	pool        *pool.Pool
	store       *ratestore.Store
	coordinator CoordinatorGateway
	isPolling   bool
}

// New creates a regular, rebindable Client bound to c.
func New(c *circuit.Circuit, p *pool.Pool, store *ratestore.Store, coordinator CoordinatorGateway) *Client {
	return &Client{circuit: c, pool: p, store: store, coordinator: coordinator}
}

// NewPolling creates a polling client: bound to c forever, used only by
// that circuit's Poller to probe its own exit IP.
func NewPolling(c *circuit.Circuit, store *ratestore.Store) *Client {
	return &Client{circuit: c, store: store, isPolling: true}
}

// Circuit returns the circuit this client is currently bound to.
func (cl *Client) Circuit() *circuit.Circuit {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.circuit
}

// Rebind swaps the bound circuit; inert for polling clients. Exported
// so the Coordinator can rebind clients whose circuit was removed from
// the pool.
func (cl *Client) Rebind(c *circuit.Circuit) {
	if cl.isPolling {
		return
	}
	cl.mu.Lock()
	cl.circuit = c
	cl.mu.Unlock()
}

// CurrentIP returns the bound circuit's active exit IP, if any.
func (cl *Client) CurrentIP() (string, bool) {
	return cl.Circuit().ActiveExitIP()
}

// SocksAgentOptions is the pass-through connection config for a SOCKS
// client library.
type SocksAgentOptions struct {
	SocksHost     string
	SocksPort     int
	SocksUsername string
	SocksPassword string
}

// SocksAgentOptions returns the bound circuit's connection params.
func (cl *Client) SocksAgentOptions() SocksAgentOptions {
	c := cl.Circuit()
	return SocksAgentOptions{
		SocksHost:     c.Host(),
		SocksPort:     c.Port(),
		SocksUsername: c.Username(),
		SocksPassword: c.Password(),
	}
}

// ForceIPChange dispatches by circuit kind: onion-routed circuits go
// through the Coordinator; rigid (non-cycling, non-onion) circuits are
// a no-op; cycling, non-onion circuits rebind to another circuit
// chosen by the pool.
func (cl *Client) ForceIPChange(ctx context.Context) (bool, error) {
	if cl.isPolling {
		return false, nil
	}

	c := cl.Circuit()
	l := logger.WithComponent("client/Client")

	switch {
	case c.IsLocalDaemon():
		return cl.coordinator.ForceChange(ctx, c)

	case !c.InCyclingPool():
		l.Info().Str("circuit", c.DisplayIdentifier()).Msg("forceIPChange is a no-op on a rigid, non-onion circuit")
		return false, nil

	default:
		next := cl.pool.SelectRandom(c, true)
		if next == nil || next == c {
			return false, nil
		}
		cl.Rebind(next)
		l.Info().Str("from", c.DisplayIdentifier()).Str("to", next.DisplayIdentifier()).Msg("client rebound to a different cycling circuit")
		return true, nil
	}
}

// ProbeOrChange is fatal on a rigid circuit. For an onion-routed
// circuit it delegates to the Coordinator's own probeOrChange, which
// waits on the changing/restarting gate first if one is in flight
// before consulting RateStore availability. For a cycling, non-onion
// circuit — which never engages that gate — it checks RateStore
// availability for the bound circuit's current exit IP directly,
// treating an IP that hasn't been observed yet as available, and forces
// a change only once an observed IP no longer fits the action.
func (cl *Client) ProbeOrChange(ctx context.Context, action string) (bool, error) {
	c := cl.Circuit()
	if !c.IsLocalDaemon() && !c.InCyclingPool() {
		logger.Fatal().Str("circuit", c.DisplayIdentifier()).Msg("RigidCircuitMisuse: probeOrChange called on a rigid circuit")
		return false, ErrRigidCircuitMisuse
	}

	if c.IsLocalDaemon() {
		return cl.coordinator.ProbeOrChange(ctx, c, action)
	}

	ip, known := c.ActiveExitIP()
	if !known || cl.store.IsAvailable(ip, action) {
		return false, nil
	}
	return cl.ForceIPChange(ctx)
}

// ReportAction records the action against the bound circuit's current
// exit IP, fatal on a rigid circuit.
func (cl *Client) ReportAction(action string) error {
	c := cl.Circuit()
	if !c.IsLocalDaemon() && !c.InCyclingPool() {
		logger.Fatal().Str("circuit", c.DisplayIdentifier()).Msg("RigidCircuitMisuse: reportAction called on a rigid circuit")
		return ErrRigidCircuitMisuse
	}
	return cl.coordinator.ReportAction(action, c)
}

// IsPolling reports whether this is the hidden, never-rebinding flavor.
func (cl *Client) IsPolling() bool {
	return cl.isPolling
}
