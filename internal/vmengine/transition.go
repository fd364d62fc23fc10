package vmengine

import (
	"fmt"

	"github.com/vmmd-project/vmmd/internal/vmmerr"
	"github.com/vmmd-project/vmmd/internal/wire"
)

// HandleCommand is the engine's pure transition function. It never mutates
// state in place: state is threaded through and a new value is returned.
func HandleCommand(state State, header wire.Header, payload []byte) (State, []Effect, Continuation) {
	if header.Version != wire.Version {
		return state, replyEffects(header, false, vmmerr.Protocol("protocol version mismatch").Error()), Continuation{Kind: ContEnd}
	}

	switch header.Tag {
	case wire.TagInfo:
		return handleInfo(state, header)
	case wire.TagDestroy:
		return handleDestroy(state, header)
	case wire.TagCreate:
		return handleCreate(state, header, payload)
	default:
		return state, replyEffects(header, false, fmt.Sprintf("unexpected tag %d", header.Tag)), Continuation{Kind: ContEnd}
	}
}

func handleInfo(state State, header wire.Header) (State, []Effect, Continuation) {
	if !header.ID.Valid() {
		return state, replyEffects(header, false, "malformed identifier"), Continuation{Kind: ContEnd}
	}

	rec, ok := lookup(state, header.ID)
	if !ok {
		return state, replyEffects(header, false, vmmerr.NotFound(header.ID.String()).Error()), Continuation{Kind: ContEnd}
	}

	msg := fmt.Sprintf("pid=%d mem=%dMB cpus=%d taps=%v", rec.Pid, rec.MemoryMB, rec.CPUs, rec.Taps)
	return state, replyEffects(header, true, msg), Continuation{Kind: ContEnd}
}

// lookup resolves an identifier by exact match first, then by unique
// prefix match, per spec.md's "info (lookup by name or prefix)".
func lookup(state State, id wire.VMID) (*Record, bool) {
	if rec, ok := state.VMs[id.String()]; ok {
		return rec, true
	}
	var match *Record
	for _, rec := range state.VMs {
		if id.IsPrefixOf(rec.ID) {
			if match != nil {
				return nil, false // ambiguous prefix
			}
			match = rec
		}
	}
	if match == nil {
		return nil, false
	}
	return match, true
}

// KillFunc issues a termination signal to pid. Supplied by the supervisor
// so the engine core stays free of syscalls.
type KillFunc func(pid int) error

func handleDestroy(state State, header wire.Header) (State, []Effect, Continuation) {
	if !header.ID.Valid() {
		return state, replyEffects(header, false, "malformed identifier"), Continuation{Kind: ContEnd}
	}

	rec, ok := lookup(state, header.ID)
	if !ok {
		return state, replyEffects(header, false, vmmerr.NotFound(header.ID.String()).Error()), Continuation{Kind: ContEnd}
	}

	// Cleanup (table removal, counters, tap release) happens in the
	// reaper via HandleShutdown so that kill-by-other-means and explicit
	// destroy converge on the same code path. Destroy only signals.
	return state, replyEffects(header, true, "destroy requested"), Continuation{
		Kind: ContWait,
		Task: WaitTask("destroy:" + rec.ID.String()),
	}
}

func handleCreate(state State, header wire.Header, payload []byte) (State, []Effect, Continuation) {
	if !header.ID.Valid() {
		return state, replyEffects(header, false, "malformed identifier"), Continuation{Kind: ContEnd}
	}
	if _, exists := state.VMs[header.ID.String()]; exists {
		return state, replyEffects(header, false, "identifier already in use"), Continuation{Kind: ContEnd}
	}

	req, err := wire.DecodeCreate(payload)
	if err != nil {
		return state, replyEffects(header, false, vmmerr.Decode("malformed create request", err).Error()), Continuation{Kind: ContEnd}
	}

	reserved := state.clone()
	if reserved.FreeMemoryMB < req.MemoryMB {
		return state, replyEffects(header, false, vmmerr.Resource("memory budget exhausted", nil).Error()), Continuation{Kind: ContEnd}
	}
	if len(reserved.FreeTaps) < req.TapCount {
		return state, replyEffects(header, false, vmmerr.Resource("tap pool exhausted", nil).Error()), Continuation{Kind: ContEnd}
	}

	reserved.FreeMemoryMB -= req.MemoryMB
	claimedTaps := append([]string(nil), reserved.FreeTaps[:req.TapCount]...)
	reserved.FreeTaps = reserved.FreeTaps[req.TapCount:]

	addPayload := []byte(nil) // Add carries only the identifier, in the header
	consEffect := Effect{Kind: EffectCons, Header: wire.Header{Version: wire.Version, Tag: wire.TagAddConsole, ID: header.ID}, Payload: addPayload}
	logEffect := logLine(header.ID, "create: phase 1 reserved resources")

	finalize := func(phase1 State) (State, []Effect, *Record) {
		final := phase1.clone()
		rec := &Record{
			ID:          header.ID.Clone(),
			MemoryMB:    req.MemoryMB,
			CPUs:        req.CPUs,
			Taps:        claimedTaps,
			ConsolePath: header.ID.String() + ".fifo",
			SetupFiles:  req.SetupFiles,
		}
		final.VMs[header.ID.String()] = rec
		final.Created++

		effects := []Effect{
			logLine(header.ID, "create: phase 2 finalized"),
			{Kind: EffectStat, Header: wire.Header{Version: wire.Version, Tag: wire.TagStat, ID: header.ID}},
			replyEffect(header, true, "created"),
		}
		return final, effects, rec
	}

	return reserved, []Effect{consEffect, logEffect}, Continuation{
		Kind: ContCreate,
		Pending: PendingCreate{
			Finalize:       finalize,
			OriginalHeader: header,
		},
	}
}

// ShutdownEffects is returned by HandleShutdown for the supervisor to apply
// after a reaped VM has been removed from state.
func HandleShutdown(state State, id wire.VMID, exitCode int) (State, []Effect) {
	next := state.clone()
	rec, ok := next.VMs[id.String()]
	if !ok {
		return state, nil
	}

	delete(next.VMs, id.String())
	next.FreeMemoryMB += rec.MemoryMB
	next.FreeTaps = append(next.FreeTaps, rec.Taps...)
	next.Destroyed++

	effects := []Effect{
		logLine(id, fmt.Sprintf("vm exited: code=%d", exitCode)),
		{Kind: EffectStat, Header: wire.Header{Version: wire.Version, Tag: wire.TagStat, ID: id}},
	}
	return next, effects
}

func logLine(id wire.VMID, msg string) Effect {
	return Effect{
		Kind:    EffectLog,
		Header:  wire.Header{Version: wire.Version, Tag: wire.TagLog, ID: id},
		Payload: wire.EncodeReply(wire.ReplyPayload{Message: msg}),
	}
}

func replyEffect(header wire.Header, ok bool, msg string) Effect {
	tag := wire.TagFail
	if ok {
		tag = wire.TagSuccess
	}
	return Effect{
		Kind:    EffectData,
		Header:  wire.Header{Version: wire.Version, Tag: tag, ID: header.ID},
		Payload: wire.EncodeReply(wire.ReplyPayload{Message: msg}),
	}
}

func replyEffects(header wire.Header, ok bool, msg string) []Effect {
	return []Effect{replyEffect(header, ok, msg)}
}
