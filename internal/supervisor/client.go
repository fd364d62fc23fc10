package supervisor

import (
	"errors"
	"io"
	"net"
	"path/filepath"
	"strings"

	"github.com/vmmd-project/vmmd/internal/launch"
	"github.com/vmmd-project/vmmd/internal/vmengine"
	"github.com/vmmd-project/vmmd/internal/wire"
)

// serveClient reads framed requests from conn until it errs or is closed,
// applying handle_command to each and dispatching the resulting effects.
func (s *Supervisor) serveClient(conn net.Conn) {
	defer conn.Close()

	for {
		header, payload, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("client read failed, closing", "error", err)
			}
			return
		}

		s.mu.Lock()
		nextState, effects, cont := vmengine.HandleCommand(s.state, header, payload)
		// A create's nextState is only the phase-1 reservation, not a
		// committed outcome: it must not land in s.state until phase 2
		// (handleCreate's Finalize) actually succeeds, or a failed console
		// reply would leak the reserved memory/taps into committed state
		// with no path back out.
		if cont.Kind != vmengine.ContCreate {
			s.state = nextState
		}
		s.mu.Unlock()

		if cont.Kind == vmengine.ContCreate {
			// The Add request dispatched below and the console helper's
			// reply awaited inside handleCreate must be treated as one
			// atomic step against the shared console connection: without
			// createMu, two concurrent creates could each read the other's
			// ack and finalize the wrong pending record.
			s.createMu.Lock()
			s.dispatchEffects(conn, effects)
			s.handleCreate(conn, nextState, cont.Pending)
			s.createMu.Unlock()
			continue
		}

		s.dispatchEffects(conn, effects)

		switch cont.Kind {
		case vmengine.ContEnd:
			// nothing further to do
		case vmengine.ContWait:
			s.handleWait(header, cont)
		}
	}
}

// dispatchEffects sends Data effects to the client and Cons/Stat/Log
// effects to their respective helper queues, in order.
func (s *Supervisor) dispatchEffects(client net.Conn, effects []vmengine.Effect) {
	for _, e := range effects {
		switch e.Kind {
		case vmengine.EffectData:
			if err := wire.WriteFrame(client, e.Header, e.Payload); err != nil {
				s.logger.Debug("client write failed", "error", err)
				return
			}
		case vmengine.EffectCons:
			s.console.Send(e.Header, e.Payload)
		case vmengine.EffectStat:
			if s.stats != nil {
				s.stats.Send(e.Header, e.Payload)
			}
		case vmengine.EffectLog:
			s.log.Send(e.Header, e.Payload)
		}
	}
}

// handleWait services a destroy's Wait continuation: it issues the kill
// signal and lets the reaper (spawned when the VM was created) converge
// bookkeeping once the process actually exits.
func (s *Supervisor) handleWait(header wire.Header, cont vmengine.Continuation) {
	s.mu.Lock()
	rec, ok := s.state.VMs[header.ID.String()]
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := killProcess(rec.Pid); err != nil {
		s.logger.Warn("failed to signal vm process", "vm", header.ID.String(), "task", cont.Task, "pid", rec.Pid, "error", err)
	}
}

// handleCreate blocks the client's loop on the console helper's Add reply,
// then invokes the pending finalize closure, spawns the hypervisor, and
// installs the reaper. This is spec.md's two-phase create protocol. phase1
// is the reservation HandleCommand produced for this create; it is threaded
// in directly rather than read back off s.state, since s.state is never
// updated with it until Finalize actually succeeds.
func (s *Supervisor) handleCreate(client net.Conn, phase1 vmengine.State, pending vmengine.PendingCreate) {
	// The correctly-scoped check would inspect this reply header's
	// IsFail(), not the client's original header below — see the NOTE.
	_, _, err := wire.ReadFrame(s.consoleConnForReply())
	if err != nil {
		s.logger.Error("console helper reply failed during create", "error", err)
		s.rollbackCreate(client, pending)
		return
	}

	// NOTE: preserved from the source design (flagged there as likely a
	// bug, not fixed here per spec.md's explicit instruction): this
	// inspects the *client's original* header rather than the console
	// reply's header to decide success/failure.
	if pending.OriginalHeader.IsFail() {
		s.rollbackCreate(client, pending)
		return
	}

	s.mu.Lock()
	finalState, effects, rec := pending.Finalize(phase1)
	s.state = finalState
	s.mu.Unlock()

	s.dispatchEffects(client, effects)

	if rec == nil {
		return
	}

	if s.tapAllocator != nil {
		for _, tap := range rec.Taps {
			if err := s.tapAllocator.Create(tap); err != nil {
				s.logger.Error("tap allocation failed", "vm", rec.ID.String(), "tap", tap, "error", err)
			}
		}
		if s.cfg.UseNetns {
			s.isolateTaps(rec)
		}
	}

	if len(rec.SetupFiles) > 0 {
		if err := s.buildSeedISO(rec); err != nil {
			s.logger.Error("seed iso build failed", "vm", rec.ID.String(), "error", err)
		}
	}

	result, err := s.launcher.Launch(newLaunchRequest(rec))
	if err != nil {
		s.logger.Error("hypervisor launch failed", "vm", rec.ID.String(), "error", err)
		return
	}
	rec.Pid = result.Pid
	rec.Stdout = result.Stdout

	go s.reap(rec)
}

// rollbackCreate discards the phase-1 reservation by leaving s.state
// untouched — serveClient never commits a create's reservation to s.state,
// so there is nothing here to undo beyond replying fail to the client.
func (s *Supervisor) rollbackCreate(client net.Conn, pending vmengine.PendingCreate) {
	reply := wire.Header{Version: wire.Version, Tag: wire.TagFail, ID: pending.OriginalHeader.ID}
	_ = wire.WriteFrame(client, reply, wire.EncodeReply(wire.ReplyPayload{Message: "console helper rejected add"}))
}

// isolateTaps moves rec's taps into a dedicated per-VM network namespace,
// used when the deployment enables use_netns rather than relying on the
// shared bridge alone. Failures are logged and non-fatal: the VM still
// boots with its tap on the host namespace.
func (s *Supervisor) isolateTaps(rec *vmengine.Record) {
	nsName := netnsName(rec.ID.String())
	handle, ns, err := s.netns.Ensure(nsName)
	if err != nil {
		s.logger.Error("netns setup failed", "vm", rec.ID.String(), "netns", nsName, "error", err)
		return
	}
	defer ns.Close()
	defer handle.Close()

	for _, tap := range rec.Taps {
		if err := s.netns.MoveTap(handle, ns, tap); err != nil {
			s.logger.Error("tap namespace move failed", "vm", rec.ID.String(), "tap", tap, "netns", nsName, "error", err)
		}
	}
}

// buildSeedISO stages rec's setup files into an ISO9660 image alongside its
// console fifo and records the resulting path, so the launcher can attach it
// as a cdrom. Called from the command socket's own goroutine, before the
// hypervisor is spawned, since it is the only I/O owner allowed to touch the
// tmp directory.
func (s *Supervisor) buildSeedISO(rec *vmengine.Record) error {
	imagePath := filepath.Join(s.cfg.TmpDir, rec.ID.String()+"-seed.iso")
	if err := launch.BuildSeedISO(rec.SetupFiles, imagePath, "cidata"); err != nil {
		return err
	}
	rec.SeedISOPath = imagePath
	return nil
}

func netnsName(vmID string) string {
	return "vmm-" + strings.ReplaceAll(vmID, "/", "-")
}

// consoleConnForReply exposes the console helper's connection for a
// blocking reply read. Callers must hold createMu: it is only ever called
// from handleCreate, which serveClient invokes under createMu precisely so
// that concurrent creates cannot read each other's Add ack off this shared
// connection.
func (s *Supervisor) consoleConnForReply() net.Conn {
	return s.console.conn
}
