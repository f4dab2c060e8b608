// Package daemon supervises the locally managed onion-routing daemon:
// discovery, start, signal-based exit rotation, and teardown.
//
// Process supervision is the least portable piece of the system, so it
// is abstracted behind the small ProcessController interface below; the
// concrete osProcessController is the only part that touches
// exec.Command and signals directly.
package daemon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrSignalTimeout is returned by Signal when the target process is
// still alive after the wait window elapses. For the onion-routing
// daemon's reconfigure signal this IS the success path: the daemon is
// not supposed to die from it.
var ErrSignalTimeout = errors.New("daemon: process still running after signal wait (expected outcome)")

// ErrNoMatchingProcess is returned when no process matches a command
// filter; killAll treats this as a benign warning, not a failure.
var ErrNoMatchingProcess = errors.New("daemon: no matching process found")

// ProcessController abstracts {list, start, signal, kill} so alternate
// daemons and test doubles can be substituted.
type ProcessController interface {
	// List returns the PIDs of processes whose command line contains
	// cmdMatch.
	List(ctx context.Context, cmdMatch string) ([]int, error)
	// Start spawns name with args as a detached child and returns
	// immediately; it does not wait for readiness.
	Start(ctx context.Context, name string, args []string) error
	// Signal sends sig to pid and waits up to timeout to observe
	// whether the process dies. It returns ErrSignalTimeout if the
	// process is still alive when the wait elapses, nil if the signal
	// could not be delivered because the process is already gone, or
	// another error for an actual delivery failure.
	Signal(ctx context.Context, pid int, sig syscall.Signal, timeout time.Duration) error
	// Kill terminates pid and waits for it to exit.
	Kill(ctx context.Context, pid int) error
}

// osProcessController implements ProcessController against the real OS,
// listing processes via `ps` and signaling via golang.org/x/sys/unix.
type osProcessController struct{}

// NewOSProcessController returns the default, real-OS ProcessController.
func NewOSProcessController() ProcessController {
	return &osProcessController{}
}

func (osProcessController) List(ctx context.Context, cmdMatch string) ([]int, error) {
	cmd := exec.CommandContext(ctx, "ps", "-eo", "pid,args")
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var pids []int
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.Contains(line, cmdMatch) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, scanner.Err()
}

func (osProcessController) Start(ctx context.Context, name string, args []string) error {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start()
}

func (osProcessController) Signal(ctx context.Context, pid int, sig syscall.Signal, timeout time.Duration) error {
	if err := unix.Kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); err != nil {
			if errors.Is(err, unix.ESRCH) {
				return errors.New("daemon: process terminated in response to signal")
			}
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
	return ErrSignalTimeout
}

func (c osProcessController) Kill(ctx context.Context, pid int) error {
	if err := unix.Kill(pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); err != nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}
