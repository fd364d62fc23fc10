// Package vmengine implements the pure VM lifecycle state machine: request
// validation, resource reservation, the two-phase create protocol, destroy,
// and reap-time bookkeeping. Nothing in this package performs I/O; the
// supervisor package interprets the Effects it returns.
package vmengine

import (
	"os"

	"github.com/vmmd-project/vmmd/internal/wire"
)

// Record is the bookkeeping the engine keeps for one live VM.
type Record struct {
	ID          wire.VMID
	Pid         int
	Stdout      *os.File // child's stdout, owned by the record, closed once by the reaper
	Taps        []string
	MemoryMB    int
	CPUs        int
	ConsolePath string

	// SetupFiles carries the create request's guest-visible seed content, if
	// any. The supervisor stages it into an ISO9660 image before launch and
	// records the resulting path in SeedISOPath.
	SetupFiles  map[string]string
	SeedISOPath string
}

// Budgets bounds the resources the engine may reserve across all live VMs.
type Budgets struct {
	MemoryMB int
	TapPool  []string // available tap device names
}

// State is the engine's entire mutable universe: the VM table plus
// remaining free resources. State is a value type; every transition
// produces a new State rather than mutating in place, so a failed phase can
// be rolled back by simply discarding it.
type State struct {
	VMs           map[string]*Record // keyed by wire.VMID.String()
	FreeMemoryMB  int
	FreeTaps      []string
	Created       int
	Destroyed     int
}

// NewState constructs the initial engine state from a resource budget.
func NewState(b Budgets) State {
	taps := make([]string, len(b.TapPool))
	copy(taps, b.TapPool)
	return State{
		VMs:          make(map[string]*Record),
		FreeMemoryMB: b.MemoryMB,
		FreeTaps:     taps,
	}
}

// clone returns a deep-enough copy of s for a transition to mutate without
// affecting the caller's original — the mechanism behind phase-1 rollback.
func (s State) clone() State {
	vms := make(map[string]*Record, len(s.VMs))
	for k, v := range s.VMs {
		vms[k] = v
	}
	taps := make([]string, len(s.FreeTaps))
	copy(taps, s.FreeTaps)
	return State{
		VMs:          vms,
		FreeMemoryMB: s.FreeMemoryMB,
		FreeTaps:     taps,
		Created:      s.Created,
		Destroyed:    s.Destroyed,
	}
}

// EffectKind classifies a side-effect intent the supervisor must carry out.
type EffectKind int

const (
	EffectCons EffectKind = iota // deliver frame to console helper
	EffectStat                   // deliver frame to stats helper
	EffectLog                    // deliver frame to log helper
	EffectData                   // send frame on originating client socket
)

// Effect is one ordered side-effect intent emitted by a transition.
type Effect struct {
	Kind   EffectKind
	Header wire.Header
	Payload []byte
}

// ContinuationKind distinguishes the three shapes handle_command may return.
type ContinuationKind int

const (
	ContEnd    ContinuationKind = iota // processing complete
	ContWait                           // await an external event
	ContCreate                         // a create is pending console ack
)

// WaitTask names the external event a Wait continuation is suspended on.
// The supervisor never needs to interpret it structurally; it is opaque
// bookkeeping carried alongside PostEffects.
type WaitTask string

// PendingCreate carries everything the supervisor needs to resume a
// two-phase create once the console helper has replied: the finalize
// closure and the client's original header, so a failing console reply can
// be turned into a client-facing fail reply without re-parsing the request.
type PendingCreate struct {
	// Finalize performs phase-2: resource finalization and record
	// construction. It is invoked with the state produced by phase 1.
	Finalize func(State) (State, []Effect, *Record)

	// OriginalHeader is the header of the client's create request. See the
	// package doc on Continuation for the header-selection caveat
	// preserved from the source design.
	OriginalHeader wire.Header
}

// Continuation is the engine's suspension boundary. Exactly one of Wait /
// Create fields is meaningful, selected by Kind.
type Continuation struct {
	Kind ContinuationKind

	// Wait fields.
	Task        WaitTask
	PostEffects []Effect

	// Create fields.
	Pending PendingCreate
}
