package supervisor

import (
	"github.com/google/uuid"
	"github.com/vmmd-project/vmmd/internal/launch"
	"github.com/vmmd-project/vmmd/internal/logging"
	"github.com/vmmd-project/vmmd/internal/vmengine"
	"golang.org/x/sys/unix"
)

// killProcess issues a termination signal to pid, matching the destroy
// path's "kill by other means" bookkeeping convergence in the reaper.
func killProcess(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

func newLaunchRequest(rec *vmengine.Record) launch.Request {
	return launch.Request{
		Name:        rec.ID.String(),
		MemoryMB:    rec.MemoryMB,
		CPUs:        rec.CPUs,
		Taps:        rec.Taps,
		ConsolePath: rec.ConsolePath,
		SeedISOPath: rec.SeedISOPath,
	}
}

// reap waits for rec's hypervisor process to exit, closes its stdout
// exactly once, releases its taps, and applies handle_shutdown to fold the
// exit into engine state. Every VM record has exactly one outstanding
// reaper task, per spec.md §3's table invariant.
func (s *Supervisor) reap(rec *vmengine.Record) {
	taskID := uuid.NewString()
	logger := logging.WithVM(logging.WithTask(s.logger, taskID), rec.ID.String()).With("pid", rec.Pid)

	var status unix.WaitStatus
	_, err := unix.Wait4(rec.Pid, &status, 0, nil)
	if err != nil {
		logger.Error("wait4 failed", "error", err)
	}

	if rec.Stdout != nil {
		rec.Stdout.Close()
	}

	if s.tapAllocator != nil {
		for _, tap := range rec.Taps {
			if err := s.tapAllocator.Release(tap); err != nil {
				logger.Warn("tap release failed", "tap", tap, "error", err)
			}
		}
		if s.cfg.UseNetns {
			if err := s.netns.Destroy(netnsName(rec.ID.String())); err != nil {
				logger.Warn("netns teardown failed", "error", err)
			}
		}
	}

	exitCode := status.ExitStatus()
	logger.Info("vm reaped", "exit_code", exitCode)

	s.mu.Lock()
	nextState, effects := vmengine.HandleShutdown(s.state, rec.ID, exitCode)
	s.state = nextState
	s.mu.Unlock()

	for _, e := range effects {
		switch e.Kind {
		case vmengine.EffectLog:
			s.log.Send(e.Header, e.Payload)
		case vmengine.EffectStat:
			if s.stats != nil {
				s.stats.Send(e.Header, e.Payload)
			}
		case vmengine.EffectData:
			// No client connection survives past the destroy request that
			// triggered this reap; a prior info/wait subscriber would be
			// notified here if one were tracked. None currently is.
		}
	}
}

