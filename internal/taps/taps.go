// Package taps allocates and releases tap network devices for VM records,
// and optionally isolates them inside a per-VM network namespace.
package taps

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/vishvananda/netlink"
)

// Allocator hands out tap device names from a fixed pool and creates the
// corresponding netlink links, attaching each to bridgeName.
type Allocator struct {
	bridgeName string
}

// New constructs an Allocator that attaches every tap it creates to
// bridgeName, which must already exist (spec.md leaves bridge provisioning
// out of scope for the engine; an operator sets it up ahead of time, the
// way the teacher's SetupNetwork does for its lab bridge).
func New(bridgeName string) *Allocator {
	return &Allocator{bridgeName: bridgeName}
}

// Create brings up a tap device named name and enslaves it to the
// allocator's bridge. It is idempotent: an existing link with the same name
// is reused rather than recreated.
func (a *Allocator) Create(name string) error {
	if link, err := netlink.LinkByName(name); err == nil {
		return a.attach(link)
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("create tap %s: %w", name, err)
	}
	return a.attach(tap)
}

func (a *Allocator) attach(link netlink.Link) error {
	bridge, err := netlink.LinkByName(a.bridgeName)
	if err != nil {
		return fmt.Errorf("lookup bridge %s: %w", a.bridgeName, err)
	}
	if err := netlink.LinkSetMaster(link, bridge); err != nil && !errors.Is(err, syscall.EBUSY) {
		return fmt.Errorf("attach %s to bridge %s: %w", link.Attrs().Name, a.bridgeName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring %s up: %w", link.Attrs().Name, err)
	}
	return nil
}

// Release tears down the tap device named name. Missing links are not an
// error: the reaper calls Release unconditionally during cleanup.
func (a *Allocator) Release(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var linkNotFound netlink.LinkNotFoundError
		if errors.As(err, &linkNotFound) {
			return nil
		}
		return fmt.Errorf("lookup tap %s: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete tap %s: %w", name, err)
	}
	return nil
}
