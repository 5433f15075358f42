// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package bootcontrol abstracts the platform's bootloader state: which
// slot the system is currently running from, which slot it will boot
// from next, and the per-slot bootable/successful flags that gate
// those choices. It also translates a logical partition name and slot
// into block-device paths (GetPartitionDevice); mapping dynamic
// (logical) partitions into place is dynpartition's job.
package bootcontrol

import (
	"fmt"

	"github.com/coreos/pkg/capnslog"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/updateapply", "bootcontrol")

// Slot identifies one of the device's update slots by index. Slot 0 is
// conventionally named "A", slot 1 "B", and so on.
type Slot uint32

// InvalidSlot is returned by CurrentSlot and ActiveBootSlot when
// the underlying platform cannot answer the question.
const InvalidSlot Slot = ^Slot(0)

// SlotName renders slot the way update_engine logs it: "A", "B", ...,
// "INVALID" for InvalidSlot, or "TOO_BIG" past 'Z'.
func SlotName(slot Slot) string {
	if slot == InvalidSlot {
		return "INVALID"
	}
	if slot < 26 {
		return string(rune('A' + slot))
	}
	return "TOO_BIG"
}

// Interface is the contract the rest of the update pipeline uses to
// read and change bootloader state. Implementations must be safe for
// sequential use from the single-threaded update-attempter event loop;
// concurrent use is not required.
type Interface interface {
	// NumSlots returns the number of update slots configured on this
	// device. A device with only one slot cannot be updated.
	NumSlots() uint32

	// CurrentSlot returns the slot the running system booted from, or
	// InvalidSlot if that cannot be determined.
	CurrentSlot() Slot

	// IsSlotBootable reports whether slot is marked bootable. An
	// out-of-range slot is never bootable.
	IsSlotBootable(slot Slot) bool

	// MarkSlotUnbootable clears slot's bootable flag. It does not
	// touch any other slot's flags.
	MarkSlotUnbootable(slot Slot) error

	// SetActiveBootSlot marks slot as the one the bootloader should
	// try first on the next reboot. It does not change CurrentSlot
	// for the running system.
	SetActiveBootSlot(slot Slot) error

	// ActiveBootSlot returns the slot last set with SetActiveBootSlot,
	// or InvalidSlot if the platform cannot report it.
	ActiveBootSlot() Slot

	// MarkBootSuccessful records that the current boot completed
	// normally, clearing whatever retry-count the bootloader tracks
	// for CurrentSlot.
	MarkBootSuccessful() error

	// IsSlotMarkedSuccessful reports whether MarkBootSuccessful has
	// recorded a successful boot of slot. SetActiveBootSlot does not
	// clear this flag.
	IsSlotMarkedSuccessful(slot Slot) bool

	// GetPartitionDevice translates a logical partition name and slot
	// into the block devices the postinstall runner should act on. The
	// second return value is false if no device could be resolved;
	// ABControl and Fake report false only for an out-of-range slot
	// and do not check name.
	GetPartitionDevice(name string, slot Slot) (PartitionDevice, bool)
}

// PartitionDevice is the result of translating a logical partition name
// and slot to the underlying block devices.
type PartitionDevice struct {
	// ReadWritePath is the device postinstall should write through,
	// e.g. for A/B partitions this is slot's own partition.
	ReadWritePath string
	// ReadOnlyPath is the device that should be mounted read-only for
	// verification before ReadWritePath is switched to, if different.
	ReadOnlyPath string
	// IsDynamic reports whether name is carved out of a dynamic
	// partition (logical) group rather than a fixed GPT entry; callers
	// route those through dynpartition instead of mounting directly.
	IsDynamic bool
}

// errInvalidSlot is returned by operations given a slot index that is
// not less than NumSlots().
func errInvalidSlot(slot Slot, numSlots uint32) error {
	return fmt.Errorf("bootcontrol: slot %s is out of range for %d slots", SlotName(slot), numSlots)
}
