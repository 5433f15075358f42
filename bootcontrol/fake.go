// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package bootcontrol

// Fake is an in-memory Interface implementation for tests, grounded on
// update_engine's FakeBootControl: two slots by default, the current
// slot starts out bootable, and every mutator is a plain map/slice
// write with no persistence.
type Fake struct {
	numSlots      uint32
	currentSlot   Slot
	activeSlot    Slot
	bootable      map[Slot]bool
	markedSuccess map[Slot]bool

	// Devices overrides GetPartitionDevice's answer for a given
	// partition name, for every slot (including out-of-range ones);
	// names not listed here get a synthesized per-slot path.
	Devices map[string]PartitionDevice
}

// NewFake returns a Fake with two slots, the current slot set to A and
// marked bootable, matching FakeBootControl's constructor.
func NewFake() *Fake {
	f := &Fake{
		numSlots:      2,
		currentSlot:   0,
		activeSlot:    InvalidSlot,
		bootable:      make(map[Slot]bool),
		markedSuccess: make(map[Slot]bool),
	}
	f.bootable[f.currentSlot] = true
	return f
}

func (f *Fake) NumSlots() uint32 { return f.numSlots }

// SetNumSlots resizes the fake's slot count. Existing per-slot flags
// for slots that remain in range are preserved.
func (f *Fake) SetNumSlots(n uint32) { f.numSlots = n }

func (f *Fake) CurrentSlot() Slot { return f.currentSlot }

// SetCurrentSlot overrides which slot the fake reports as running.
func (f *Fake) SetCurrentSlot(slot Slot) { f.currentSlot = slot }

func (f *Fake) IsSlotBootable(slot Slot) bool {
	if uint32(slot) >= f.numSlots {
		return false
	}
	return f.bootable[slot]
}

// SetSlotBootable overrides slot's bootable flag directly, for setting
// up test scenarios that MarkSlotUnbootable cannot reach (e.g. a fresh
// slot that should start out bootable).
func (f *Fake) SetSlotBootable(slot Slot, bootable bool) {
	f.bootable[slot] = bootable
}

func (f *Fake) MarkSlotUnbootable(slot Slot) error {
	if uint32(slot) >= f.numSlots {
		return errInvalidSlot(slot, f.numSlots)
	}
	f.bootable[slot] = false
	return nil
}

func (f *Fake) SetActiveBootSlot(slot Slot) error {
	if uint32(slot) >= f.numSlots {
		return errInvalidSlot(slot, f.numSlots)
	}
	f.activeSlot = slot
	return nil
}

func (f *Fake) ActiveBootSlot() Slot { return f.activeSlot }

func (f *Fake) MarkBootSuccessful() error {
	f.markedSuccess[f.currentSlot] = true
	return nil
}

func (f *Fake) IsSlotMarkedSuccessful(slot Slot) bool {
	if uint32(slot) >= f.numSlots {
		return false
	}
	return f.markedSuccess[slot]
}

// GetPartitionDevice looks name up in Devices, falling back to a
// synthesized "<name>-<SLOT>" path for tests that don't care about the
// exact device string.
func (f *Fake) GetPartitionDevice(name string, slot Slot) (PartitionDevice, bool) {
	if f.Devices != nil {
		if d, ok := f.Devices[name]; ok {
			return d, true
		}
	}
	if uint32(slot) >= f.numSlots {
		return PartitionDevice{}, false
	}
	path := "/dev/fake/" + name + "-" + SlotName(slot)
	return PartitionDevice{ReadWritePath: path, ReadOnlyPath: path}, true
}

var _ Interface = (*Fake)(nil)
