// Package circuit models a single egress route: its connection
// coordinates, its health score, its validity, and the exit IP it is
// currently observed to present.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// Scheme identifies the transport a Circuit routes through.
type Scheme string

const (
	SchemeSOCKS5H Scheme = "socks5h"
	SchemeHTTP    Scheme = "http"
	SchemeHTTPS   Scheme = "https"

	// DefaultHealthyThreshold is the health value above which a circuit
	// is considered healthy.
	DefaultHealthyThreshold = 20

	defaultLocalDaemonPollInterval = 5 * time.Second
	defaultRemotePollInterval      = 2 * time.Minute
	defaultHealInterval            = 20 * time.Minute
	defaultHealAmount              = 10
	maxHealth                      = 100
	initialHealth                  = 100
)

// Definition is the externally supplied shape of a Circuit, matching the
// object accepted by Coordinator.AddCircuit.
type Definition struct {
	Host                  string
	Port                  int
	Username              string
	Password              string
	Scheme                Scheme
	Name                  string
	InCyclingPool         bool
	IsLocalDaemon         bool
	PollInterval          time.Duration
	HealInterval          time.Duration
	HealAmountPerInterval int
}

// normalize fills in the default host, port, scheme, poll interval, and
// heal parameters for any zero-valued field.
func (d Definition) normalize() Definition {
	if d.Host == "" {
		d.Host = "0.0.0.0"
	}
	if d.Port == 0 {
		d.Port = 9050
	}
	if d.Scheme == "" {
		d.Scheme = SchemeSOCKS5H
	}
	if d.PollInterval == 0 {
		if d.IsLocalDaemon {
			d.PollInterval = defaultLocalDaemonPollInterval
		} else {
			d.PollInterval = defaultRemotePollInterval
		}
	}
	if d.HealInterval == 0 {
		d.HealInterval = defaultHealInterval
	}
	if d.HealAmountPerInterval == 0 {
		d.HealAmountPerInterval = defaultHealAmount
	}
	return d
}

// Circuit is a single configured egress route. All mutable fields are
// guarded by mu so Pollers and the Coordinator can touch a Circuit
// concurrently without torn reads.
type Circuit struct {
	def Definition

	mu            sync.RWMutex
	activeExitIP  string
	lastPollTime  time.Time
	health        int
	valid         bool
	healCancel    chan struct{}
	healStarted   bool
}

// New creates a Circuit from a Definition, applying its defaults.
func New(def Definition) *Circuit {
	def = def.normalize()
	return &Circuit{
		def:    def,
		health: initialHealth,
		valid:  true,
	}
}

func (c *Circuit) Scheme() Scheme              { return c.def.Scheme }
func (c *Circuit) Host() string                { return c.def.Host }
func (c *Circuit) Port() int                   { return c.def.Port }
func (c *Circuit) Username() string            { return c.def.Username }
func (c *Circuit) Password() string            { return c.def.Password }
func (c *Circuit) Name() string                { return c.def.Name }
func (c *Circuit) IsLocalDaemon() bool         { return c.def.IsLocalDaemon }
func (c *Circuit) InCyclingPool() bool         { return c.def.InCyclingPool }
func (c *Circuit) PollInterval() time.Duration { return c.def.PollInterval }

// Identifier returns the stable "<scheme>://[user[:pass]@]host:port" form,
// without the "(name) " display prefix.
func (c *Circuit) Identifier() string {
	auth := ""
	if c.def.Username != "" {
		if c.def.Password != "" {
			auth = fmt.Sprintf("%s:%s@", c.def.Username, c.def.Password)
		} else {
			auth = fmt.Sprintf("%s@", c.def.Username)
		}
	}
	return fmt.Sprintf("%s://%s%s:%d", c.def.Scheme, auth, c.def.Host, c.def.Port)
}

// DisplayIdentifier prefixes the identifier with "(name) " when named.
func (c *Circuit) DisplayIdentifier() string {
	if c.def.Name == "" {
		return c.Identifier()
	}
	return fmt.Sprintf("(%s) %s", c.def.Name, c.Identifier())
}

// ActiveExitIP returns the currently observed exit IP, and whether one
// has been observed yet.
func (c *Circuit) ActiveExitIP() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeExitIP, c.activeExitIP != ""
}

// SetActiveExitIP records a newly observed exit IP.
func (c *Circuit) SetActiveExitIP(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeExitIP = ip
}

func (c *Circuit) LastPollTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPollTime
}

func (c *Circuit) SetLastPollTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPollTime = t
}

// Health returns the current health score in [0, 100].
func (c *Circuit) Health() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// Healthy reports health > DefaultHealthyThreshold.
func (c *Circuit) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health > DefaultHealthyThreshold
}

// Decay lowers health by amount, clamped to 0.
func (c *Circuit) Decay(amount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health -= amount
	if c.health < 0 {
		c.health = 0
	}
}

// Heal raises health by amount, clamped to 100.
func (c *Circuit) Heal(amount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health += amount
	if c.health > maxHealth {
		c.health = maxHealth
	}
}

// Valid reports whether the circuit is still usable. Once invalidated a
// Circuit is never revived; callers must create a new one.
func (c *Circuit) Valid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valid
}

// Invalidate marks the circuit permanently unusable, stopping its heal
// loop if running.
func (c *Circuit) Invalidate() {
	c.mu.Lock()
	c.valid = false
	cancel := c.healCancel
	c.healCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		close(cancel)
	}
}

// StartHealing runs the periodic heal timer: every HealInterval, health
// is raised by HealAmountPerInterval until the circuit becomes invalid.
// It is a no-op if already running.
func (c *Circuit) StartHealing() {
	c.mu.Lock()
	if c.healStarted || !c.valid {
		c.mu.Unlock()
		return
	}
	c.healStarted = true
	stop := make(chan struct{})
	c.healCancel = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.def.HealInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !c.Valid() {
					return
				}
				c.Heal(c.def.HealAmountPerInterval)
			}
		}
	}()
}
