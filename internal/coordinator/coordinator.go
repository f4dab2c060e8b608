// Package coordinator implements the single controller that owns the
// circuit pool, the rate store, and the onion-routing daemon's
// lifecycle: add/remove circuits, create bound clients, report rate
// actions, and force an IP change or a full daemon restart.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/falconscript/proxyratemanager/internal/circuit"
	"github.com/falconscript/proxyratemanager/internal/client"
	"github.com/falconscript/proxyratemanager/internal/daemon"
	"github.com/falconscript/proxyratemanager/internal/pool"
	"github.com/falconscript/proxyratemanager/internal/poller"
	"github.com/falconscript/proxyratemanager/internal/ratestore"
	"github.com/falconscript/proxyratemanager/internal/shared/logger"
)

var (
	// ErrNoCircuitFound is returned by CreateClient when the selector
	// resolves to nothing.
	ErrNoCircuitFound = errors.New("coordinator: no matching circuit found")
	// ErrMissingIP is returned when a changed-IP notification carries no
	// new IP.
	ErrMissingIP = errors.New("coordinator: onChangedIP received an empty IP")
	// ErrMaxChangeTriesExceeded is returned when definitivelyChangeToAvailableIP
	// exhausts its retry budget without observing a new IP.
	ErrMaxChangeTriesExceeded = errors.New("coordinator: exceeded maximum IP change attempts without observing a new IP")
)

const (
	defaultMaxChangeTries = 7
	changeRetryBackoff    = 2 * time.Second
)

// Coordinator is the top-level controller. One instance runs per process.
type Coordinator struct {
	pool        *pool.Pool
	store       *ratestore.Store
	supervisor  *daemon.Supervisor
	persistPath string
	probeURL    string

	maxChangeTries int

	// gateMu guards the changing/restarting single-flight gates. Rather
	// than a literal FIFO queue of per-waiter channels, each gate is a
	// channel that every concurrent caller blocks on and that gets
	// closed (a broadcast, not a one-at-a-time release) once the
	// in-flight operation finishes — every waiter wanted the same
	// outcome, not a turn at repeating the operation themselves.
	gateMu      sync.Mutex
	changeDone  chan struct{}
	changeOK    bool
	changeErr   error
	restartDone chan struct{}
	restartErr  error

	pollerCancel   map[*circuit.Circuit]context.CancelFunc
	pollerCancelMu sync.Mutex

	boundClients   map[*circuit.Circuit][]*client.Client
	boundClientsMu sync.Mutex

	hub StatusPublisher
}

// StatusPublisher is the narrow slice of statushub.Hub the Coordinator
// pushes events to. Defined here rather than imported from statushub so
// a Coordinator can run without an operator-facing hub wired in at all.
type StatusPublisher interface {
	PublishCircuitStatus(circuitName, exitIP string, health int)
	PublishGateTransition(gate string, active bool)
}

// SetStatusPublisher wires an operator-facing event sink. Nil disables
// publishing (the default).
func (co *Coordinator) SetStatusPublisher(hub StatusPublisher) {
	co.hub = hub
}

// New creates a Coordinator around an already-constructed Pool, Store
// and daemon Supervisor. persistPath is where the rate store's snapshot
// is written after every unrequested IP change (OnObservedIPChange,
// which ForceRestart's re-probes also go through); empty disables
// persistence.
func New(p *pool.Pool, store *ratestore.Store, supervisor *daemon.Supervisor, persistPath, probeURL string) *Coordinator {
	if probeURL == "" {
		probeURL = client.DefaultProbeURL
	}
	return &Coordinator{
		pool:           p,
		store:          store,
		supervisor:     supervisor,
		persistPath:    persistPath,
		probeURL:       probeURL,
		maxChangeTries: defaultMaxChangeTries,
		pollerCancel:   make(map[*circuit.Circuit]context.CancelFunc),
		boundClients:   make(map[*circuit.Circuit][]*client.Client),
	}
}

// RegisterAction wires an action's limit/window into the rate store.
func (co *Coordinator) RegisterAction(name string, limit int, windowMs int64) {
	co.store.RegisterAction(name, limit, windowMs)
}

// SetMaxChangeTries overrides the retry budget for
// definitivelyChangeToAvailableIP; n <= 0 is ignored.
func (co *Coordinator) SetMaxChangeTries(n int) {
	if n > 0 {
		co.maxChangeTries = n
	}
}

// AddCircuit constructs a Circuit from def, validates it against the
// pool, starts the onion-routing daemon if this circuit needs it and
// the daemon isn't already running, probes its exit IP through a fresh
// polling client, records that IP through onChangedIP, inserts the
// circuit into the pool, starts its heal timer, and starts a Poller
// that watches its exit IP. Adds are assumed to be serialized by the
// caller; this call is not reentrant per-circuit.
func (co *Coordinator) AddCircuit(def circuit.Definition) (*circuit.Circuit, error) {
	ctx := context.Background()
	c := circuit.New(def)

	if err := co.pool.CheckAddable(c); err != nil {
		return nil, err
	}

	if c.IsLocalDaemon() {
		if _, err := co.supervisor.StartIfNotRunning(ctx); err != nil {
			return nil, err
		}
	}

	probeClient := client.NewPolling(c, co.store)
	newIP, err := probeClient.Probe(ctx, co.probeURL)
	if err != nil {
		return nil, err
	}
	if err := co.onChangedIP(c, "", newIP); err != nil {
		return nil, err
	}

	if err := co.pool.Add(c); err != nil {
		return nil, err
	}
	c.StartHealing()
	co.startPoller(c)

	logger.Info().Str("circuit", c.DisplayIdentifier()).Msg("coordinator: circuit added")
	return c, nil
}

func (co *Coordinator) startPoller(c *circuit.Circuit) {
	ctx, cancel := context.WithCancel(context.Background())
	co.pollerCancelMu.Lock()
	co.pollerCancel[c] = cancel
	co.pollerCancelMu.Unlock()

	pollingClient := client.NewPolling(c, co.store)
	p := poller.New(c, pollingClient, co, co.probeURL)
	go p.Run(ctx)
}

// RemoveCircuit invalidates c, evicts it from the pool, rebinds any
// clients currently bound to it onto another cycling circuit, and — if
// c was the last onion-routed circuit — tears down the daemon entirely.
func (co *Coordinator) RemoveCircuit(ctx context.Context, c *circuit.Circuit) error {
	wasOnion := c.IsLocalDaemon()

	co.pollerCancelMu.Lock()
	if cancel, ok := co.pollerCancel[c]; ok {
		cancel()
		delete(co.pollerCancel, c)
	}
	co.pollerCancelMu.Unlock()

	co.pool.Remove(c)
	co.rebindClientsOf(c)

	logger.Info().Str("circuit", c.DisplayIdentifier()).Msg("coordinator: circuit removed")

	if wasOnion && len(co.pool.OnionRouted()) == 0 {
		logger.Info().Msg("coordinator: last onion-routed circuit removed, tearing down daemon")
		return co.supervisor.KillAll(ctx)
	}
	return nil
}

func (co *Coordinator) rebindClientsOf(c *circuit.Circuit) {
	co.boundClientsMu.Lock()
	clients := co.boundClients[c]
	delete(co.boundClients, c)
	co.boundClientsMu.Unlock()

	if len(clients) == 0 {
		return
	}

	next := co.pool.SelectRandom(c, true)
	for _, cl := range clients {
		if next != nil {
			cl.Rebind(next)
			co.trackClient(next, cl)
		}
	}
}

func (co *Coordinator) trackClient(c *circuit.Circuit, cl *client.Client) {
	co.boundClientsMu.Lock()
	co.boundClients[c] = append(co.boundClients[c], cl)
	co.boundClientsMu.Unlock()
}

// CreateClient resolves selector to a circuit and returns a Client bound
// to it. Three selector forms are supported: nil (random cycling pick),
// int (cycling-pool index), string (registered name).
func (co *Coordinator) CreateClient(selector interface{}) (*client.Client, error) {
	var c *circuit.Circuit

	switch v := selector.(type) {
	case nil:
		c = co.pool.SelectRandom(nil, true)
	case int:
		cc, ok := co.pool.CyclingAt(v)
		if !ok {
			return nil, ErrNoCircuitFound
		}
		c = cc
	case string:
		cc, ok := co.pool.ByName(v)
		if !ok {
			return nil, ErrNoCircuitFound
		}
		c = cc
	default:
		return nil, ErrNoCircuitFound
	}

	if c == nil {
		return nil, ErrNoCircuitFound
	}

	cl := client.New(c, co.pool, co.store, co)
	co.trackClient(c, cl)
	return cl, nil
}

// ReportAction satisfies client.CoordinatorGateway: records action
// against whatever exit IP c is presenting at this exact moment. Not
// gated by the changing/restarting gates, so a call racing an in-flight
// IP change still records — against the old IP, the new IP, or (in the
// narrow window before any IP has ever been observed) the empty string
// — rather than being silently dropped.
func (co *Coordinator) ReportAction(action string, c *circuit.Circuit) error {
	ip, _ := c.ActiveExitIP()
	return co.store.RecordAction(ip, action)
}

// IsChanging satisfies poller.Gateway.
func (co *Coordinator) IsChanging() bool {
	co.gateMu.Lock()
	defer co.gateMu.Unlock()
	return co.changeDone != nil
}

// IsRestarting satisfies poller.Gateway.
func (co *Coordinator) IsRestarting() bool {
	co.gateMu.Lock()
	defer co.gateMu.Unlock()
	return co.restartDone != nil
}
