package daemon

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/falconscript/proxyratemanager/internal/shared/logger"
)

// Default tor invocation.
const (
	DefaultBinaryName      = "tor"
	defaultSignalTimeout   = 1 * time.Second
	defaultStartupDelay    = 5 * time.Second
	reconfigureSignal      = syscall.SIGHUP
)

// Supervisor owns the OS-facing lifecycle primitives for the locally
// managed onion-routing daemon. It does not own the changing/restarting
// gates or the waiter queue; those live on the Coordinator, which
// composes these primitives into ForceRestart.
type Supervisor struct {
	controller   ProcessController
	binaryName   string
	daemonArgs   []string
	startupDelay time.Duration
	signalWait   time.Duration
}

// New creates a Supervisor around a ProcessController. daemonArgs is the
// argument sequence the binary interprets as "run as daemon".
func New(controller ProcessController, binaryName string, daemonArgs []string) *Supervisor {
	if binaryName == "" {
		binaryName = DefaultBinaryName
	}
	return &Supervisor{
		controller:   controller,
		binaryName:   binaryName,
		daemonArgs:   daemonArgs,
		startupDelay: defaultStartupDelay,
		signalWait:   defaultSignalTimeout,
	}
}

// StartIfNotRunning scans for the daemon by command match; if absent it
// spawns it detached and blocks for the fixed startup grace period.
// wasRunning reports whether a matching process already existed.
func (s *Supervisor) StartIfNotRunning(ctx context.Context) (wasRunning bool, err error) {
	l := logger.WithComponent("daemon/Supervisor")

	pids, err := s.controller.List(ctx, s.binaryName)
	if err != nil {
		return false, err
	}
	if len(pids) > 0 {
		l.Debug().Int("pids", len(pids)).Msg("daemon already running")
		return true, nil
	}

	l.Info().Str("binary", s.binaryName).Msg("starting daemon")
	if err := s.controller.Start(ctx, s.binaryName, s.daemonArgs); err != nil {
		return false, err
	}

	time.Sleep(s.startupDelay)
	return false, nil
}

// RotateExit sends the reconfigure signal to every running daemon
// process. A process that terminates in response is an error; a process
// that is still alive when the wait elapses is the success path,
// because the daemon is not supposed to die from this signal.
func (s *Supervisor) RotateExit(ctx context.Context) error {
	l := logger.WithComponent("daemon/Supervisor")

	pids, err := s.controller.List(ctx, s.binaryName)
	if err != nil {
		return err
	}
	if len(pids) == 0 {
		return ErrNoMatchingProcess
	}

	var lastErr error
	for _, pid := range pids {
		err := s.controller.Signal(ctx, pid, reconfigureSignal, s.signalWait)
		switch {
		case err == nil:
			// process was already gone; nothing to rotate.
		case errors.Is(err, ErrSignalTimeout):
			l.Debug().Int("pid", pid).Msg("daemon stayed up after reconfigure signal (success)")
		default:
			l.Error().Err(err).Int("pid", pid).Msg("daemon died in response to reconfigure signal")
			lastErr = err
		}
	}
	return lastErr
}

// KillAll sends SIGKILL to every matching process, awaiting each. No
// matching process is tolerated as a benign warning, not an error.
func (s *Supervisor) KillAll(ctx context.Context) error {
	l := logger.WithComponent("daemon/Supervisor")

	pids, err := s.controller.List(ctx, s.binaryName)
	if err != nil {
		return err
	}
	if len(pids) == 0 {
		l.Warn().Msg("killAll found no matching daemon process")
		return nil
	}

	for _, pid := range pids {
		if err := s.controller.Kill(ctx, pid); err != nil {
			return err
		}
	}
	return nil
}
