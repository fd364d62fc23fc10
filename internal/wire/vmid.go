// Package wire implements the framed binary protocol shared by the command,
// console, stats, and log sockets: header encoding, VM identifier encoding,
// and the console tag vocabulary.
package wire

import "strings"

// VMID is a hierarchical VM identifier: an ordered sequence of short
// textual labels. Two VMIDs are equal iff their label sequences are equal.
type VMID []string

// ParseVMID splits a canonical dotted string into its label sequence.
func ParseVMID(dotted string) VMID {
	if dotted == "" {
		return nil
	}
	return VMID(strings.Split(dotted, "."))
}

// String renders the identifier in canonical dotted form.
func (id VMID) String() string {
	return strings.Join(id, ".")
}

// Equal reports whether id and other name the same VM.
func (id VMID) Equal(other VMID) bool {
	if len(id) != len(other) {
		return false
	}
	for i := range id {
		if id[i] != other[i] {
			return false
		}
	}
	return true
}

// Valid reports whether id is structurally well-formed: non-empty, with no
// empty labels.
func (id VMID) Valid() bool {
	if len(id) == 0 {
		return false
	}
	for _, label := range id {
		if label == "" {
			return false
		}
	}
	return true
}

// IsPrefixOf reports whether id names a prefix of other, used by the
// engine's info lookup to support prefix matching.
func (id VMID) IsPrefixOf(other VMID) bool {
	if len(id) > len(other) {
		return false
	}
	for i := range id {
		if id[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of id.
func (id VMID) Clone() VMID {
	out := make(VMID, len(id))
	copy(out, id)
	return out
}
