package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/falconscript/proxyratemanager/internal/circuit"
	"github.com/falconscript/proxyratemanager/internal/client"
	"github.com/falconscript/proxyratemanager/internal/shared/logger"
)

// ForceChange satisfies client.CoordinatorGateway. Only one forceChange
// runs at a time across the whole Coordinator; concurrent callers block
// on the in-flight attempt and receive its result rather than each
// driving their own daemon rotation.
func (co *Coordinator) ForceChange(ctx context.Context, c *circuit.Circuit) (bool, error) {
	co.gateMu.Lock()
	if co.restartDone != nil {
		done := co.restartDone
		co.gateMu.Unlock()
		<-done
		// A restart invalidates every observed IP; tell the caller to
		// retry rather than report a stale result.
		return false, nil
	}
	if co.changeDone != nil {
		done := co.changeDone
		co.gateMu.Unlock()
		<-done
		co.gateMu.Lock()
		ok, err := co.changeOK, co.changeErr
		co.gateMu.Unlock()
		return ok, err
	}

	done := make(chan struct{})
	co.changeDone = done
	co.gateMu.Unlock()
	co.publishGate("changing", true)

	changeID := uuid.NewString()
	logger.Debug().Str("change_id", changeID).Str("circuit", c.DisplayIdentifier()).Msg("forceChange acquired the gate")

	ok, err := co.definitivelyChangeToAvailableIP(ctx, c, changeID)

	co.gateMu.Lock()
	co.changeOK, co.changeErr = ok, err
	co.changeDone = nil
	co.gateMu.Unlock()
	close(done)
	co.publishGate("changing", false)

	logger.Debug().Str("change_id", changeID).Bool("ok", ok).Msg("forceChange released the gate, waiters unblocked")
	return ok, err
}

// ProbeOrChange satisfies client.CoordinatorGateway. If a change or
// restart is already in flight, the caller joins the waiter queue by
// blocking on its gate and returns (true, nil) once it is released,
// whatever the in-flight attempt's own result was. Otherwise it checks RateStore availability for c's current
// exit IP and only drives a change (via ForceChange) when the action
// would not fit.
func (co *Coordinator) ProbeOrChange(ctx context.Context, c *circuit.Circuit, action string) (bool, error) {
	co.gateMu.Lock()
	if co.restartDone != nil {
		done := co.restartDone
		co.gateMu.Unlock()
		<-done
		return true, nil
	}
	if co.changeDone != nil {
		done := co.changeDone
		co.gateMu.Unlock()
		<-done
		return true, nil
	}
	co.gateMu.Unlock()

	ip, _ := c.ActiveExitIP()
	if co.store.IsAvailable(ip, action) {
		return false, nil
	}
	return co.ForceChange(ctx, c)
}

func (co *Coordinator) publishGate(gate string, active bool) {
	if co.hub != nil {
		co.hub.PublishGateTransition(gate, active)
	}
}

// definitivelyChangeToAvailableIP rotates the onion-routing daemon's
// exit and probes until the observed IP differs from the pre-call IP,
// or the retry budget is exhausted. Success is defined exactly as: the
// newly observed IP differs from the IP seen before this call started —
// not "any successful probe".
func (co *Coordinator) definitivelyChangeToAvailableIP(ctx context.Context, c *circuit.Circuit, changeID string) (bool, error) {
	l := logger.WithComponent("coordinator/Coordinator")
	preIP, _ := c.ActiveExitIP()

	probeClient := client.NewPolling(c, co.store)

	maxTries := co.maxChangeTries
	if maxTries <= 0 {
		maxTries = defaultMaxChangeTries
	}

	for attempt := 1; attempt <= maxTries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		if err := co.supervisor.RotateExit(ctx); err != nil {
			l.Warn().Err(err).Int("attempt", attempt).Msg("rotateExit failed, retrying")
		}

		newIP, err := probeClient.Probe(ctx, co.probeURL)
		if err != nil {
			l.Warn().Err(err).Int("attempt", attempt).Msg("probe failed during forced change")
			time.Sleep(changeRetryBackoff)
			continue
		}

		if newIP != preIP {
			if err := co.onChangedIP(c, preIP, newIP); err != nil {
				return false, err
			}
			l.Info().Str("change_id", changeID).Str("circuit", c.DisplayIdentifier()).Str("from", preIP).Str("to", newIP).Int("attempt", attempt).Msg("forced IP change succeeded")
			return true, nil
		}

		l.Debug().Int("attempt", attempt).Msg("observed IP unchanged, retrying")
		time.Sleep(changeRetryBackoff)
	}

	return false, ErrMaxChangeTriesExceeded
}

// OnObservedIPChange satisfies poller.Gateway: absorbs a passively
// observed IP change (the Poller noticed the exit IP moved on its own,
// without anyone calling ForceChange). The window between the poller's
// last successful probe and now is ambiguous: actions reported against
// the old IP in that window may actually have landed after the
// real-world IP already changed. Copying (not moving) those timestamps
// onto the new IP means neither IP under-counts, accepting the
// resulting double-count as the safe side of the race.
func (co *Coordinator) OnObservedIPChange(ctx context.Context, c *circuit.Circuit, newIP string) error {
	oldIP, known := c.ActiveExitIP()

	if known {
		co.store.CopyAmbiguousTimestamps(oldIP, newIP, c.LastPollTime())
	}

	if err := co.onChangedIP(c, oldIP, newIP); err != nil {
		return err
	}

	if co.persistPath != "" {
		if err := co.store.Save(co.persistPath); err != nil {
			logger.Warn().Err(err).Str("path", co.persistPath).Msg("coordinator: failed to persist rate store after an unrequested IP change")
		}
	}
	return nil
}

// onChangedIP is the common tail of a forced, observed, or just-added
// circuit's IP change: it requires a non-empty newIP, updates the
// circuit, ensures the rate store has an entry for it, and compacts the
// store if it has grown past its threshold. It does not persist a
// snapshot; only an unrequested IP change (OnObservedIPChange) writes
// the cache to bound data loss without writing on every change.
func (co *Coordinator) onChangedIP(c *circuit.Circuit, oldIP, newIP string) error {
	if newIP == "" {
		return ErrMissingIP
	}

	c.SetActiveExitIP(newIP)
	co.store.EnsureIP(newIP)

	if co.store.Len() > co.store.CompactThreshold() {
		co.store.Compact()
	}

	if co.hub != nil {
		co.hub.PublishCircuitStatus(c.DisplayIdentifier(), newIP, c.Health())
	}

	logger.Debug().Str("circuit", c.DisplayIdentifier()).Str("from", oldIP).Str("to", newIP).Msg("coordinator: onChangedIP")
	return nil
}
