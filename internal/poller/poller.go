// Package poller implements the per-circuit IP poller: a background loop
// that periodically probes a circuit's observed exit IP and reports
// changes to a Gateway.
package poller

import (
	"context"
	"time"

	"github.com/falconscript/proxyratemanager/internal/circuit"
	"github.com/falconscript/proxyratemanager/internal/client"
	"github.com/falconscript/proxyratemanager/internal/requestadapter"
	"github.com/falconscript/proxyratemanager/internal/shared/logger"
)

// defaultHealAmount mirrors circuit's default heal increment, applied
// on every successful poll.
const defaultHealAmount = 10

// gateCheckInterval is the fixed sleep while the Coordinator's
// changing/restarting gate is held.
const gateCheckInterval = 1 * time.Second

// Gateway is the narrow slice of Coordinator a Poller needs. Defined
// here (not imported from coordinator) to avoid an import cycle; the
// Coordinator type satisfies this interface structurally.
type Gateway interface {
	IsChanging() bool
	IsRestarting() bool
	OnObservedIPChange(ctx context.Context, c *circuit.Circuit, newIP string) error
}

// Poller runs as long as its circuit is valid, probing the exit IP on a
// fixed interval and reporting observed changes to the Coordinator.
type Poller struct {
	circuit        *circuit.Circuit
	pollingClient  *client.Client
	gateway        Gateway
	probeURL       string
}

// New creates a Poller for c. pollingClient must be a client created via
// client.NewPolling bound to c.
func New(c *circuit.Circuit, pollingClient *client.Client, gateway Gateway, probeURL string) *Poller {
	return &Poller{
		circuit:       c,
		pollingClient: pollingClient,
		gateway:       gateway,
		probeURL:      probeURL,
	}
}

// Run executes the poll loop until the circuit becomes invalid or ctx is
// canceled.
func (p *Poller) Run(ctx context.Context) {
	l := logger.WithComponent("poller/Poller")
	l.Info().Str("circuit", p.circuit.DisplayIdentifier()).Msg("poller starting")

	for p.circuit.Valid() {
		if ctx.Err() != nil {
			return
		}

		if p.gateway.IsChanging() || p.gateway.IsRestarting() {
			time.Sleep(gateCheckInterval)
			continue
		}

		p.tick(ctx)

		if !p.circuit.Valid() {
			return
		}
		time.Sleep(p.circuit.PollInterval())
	}

	l.Info().Str("circuit", p.circuit.DisplayIdentifier()).Msg("poller exiting, circuit invalid")
}

// tick probes the circuit's exit IP, retrying up to
// requestadapter.PollingMaxAttempts times with the adapter's fixed wait
// between attempts. Past the adapter's degrade threshold, each further
// failed attempt decays circuit health so a poll target that is
// failing for real (not just flaky) eventually falls out of
// selectRandom's healthy set.
func (p *Poller) tick(ctx context.Context) {
	l := logger.WithComponent("poller/Poller")

	var newIP string
	var err error
	for attempt := 1; attempt <= requestadapter.PollingMaxAttempts; attempt++ {
		newIP, err = p.pollingClient.Probe(ctx, p.probeURL)
		if err == nil {
			break
		}

		outcome := requestadapter.DecidePolling(attempt)
		l.Warn().Err(err).Int("attempt", outcome.CappedAttempt).Str("circuit", p.circuit.DisplayIdentifier()).Msg("poll attempt failed")
		if outcome.DegradeHealth {
			p.circuit.Decay(defaultHealAmount)
		}
		if attempt < requestadapter.PollingMaxAttempts {
			time.Sleep(outcome.Wait)
		}
	}

	if err != nil {
		p.circuit.SetLastPollTime(time.Now())
		return
	}

	p.circuit.Heal(defaultHealAmount)

	if current, known := p.circuit.ActiveExitIP(); !known || current != newIP {
		if err := p.gateway.OnObservedIPChange(ctx, p.circuit, newIP); err != nil {
			l.Error().Err(err).Str("circuit", p.circuit.DisplayIdentifier()).Msg("failed to absorb observed IP change")
		}
	}

	p.circuit.SetLastPollTime(time.Now())
}
