package coordinator

import (
	"context"

	"github.com/falconscript/proxyratemanager/internal/client"
	"github.com/falconscript/proxyratemanager/internal/shared/logger"
)

// ForceRestart kills and respawns the onion-routing daemon entirely,
// then re-probes every onion-routed circuit so their activeExitIP
// reflects the new daemon instance. Like ForceChange it is single-flight
// across the whole Coordinator: a restart already in-flight is waited on
// rather than repeated, and a restart request arriving mid-ForceChange
// waits for that change to finish first, since both ultimately serialize
// on the same daemon process.
func (co *Coordinator) ForceRestart(ctx context.Context) error {
	co.gateMu.Lock()
	for {
		if co.restartDone != nil {
			done := co.restartDone
			co.gateMu.Unlock()
			<-done
			co.gateMu.Lock()
			err := co.restartErr
			co.gateMu.Unlock()
			return err
		}
		if co.changeDone == nil {
			break
		}
		changeDone := co.changeDone
		co.gateMu.Unlock()
		<-changeDone
		co.gateMu.Lock()
	}

	done := make(chan struct{})
	co.restartDone = done
	co.gateMu.Unlock()
	co.publishGate("restarting", true)

	err := co.doForceRestart(ctx)

	co.gateMu.Lock()
	co.restartErr = err
	co.restartDone = nil
	co.gateMu.Unlock()
	close(done)
	co.publishGate("restarting", false)

	return err
}

func (co *Coordinator) doForceRestart(ctx context.Context) error {
	l := logger.WithComponent("coordinator/Coordinator")
	l.Warn().Msg("force-restarting onion-routing daemon")

	if err := co.supervisor.KillAll(ctx); err != nil {
		return err
	}
	if _, err := co.supervisor.StartIfNotRunning(ctx); err != nil {
		return err
	}

	for _, c := range co.pool.OnionRouted() {
		probeClient := client.NewPolling(c, co.store)
		newIP, err := probeClient.Probe(ctx, co.probeURL)
		if err != nil {
			l.Warn().Err(err).Str("circuit", c.DisplayIdentifier()).Msg("post-restart probe failed")
			continue
		}
		if err := co.OnObservedIPChange(ctx, c, newIP); err != nil {
			l.Warn().Err(err).Str("circuit", c.DisplayIdentifier()).Msg("post-restart onObservedIPChange failed")
		}
	}

	return nil
}
