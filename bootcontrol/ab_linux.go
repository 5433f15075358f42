// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package bootcontrol

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
)

// ABControl is the production Interface backed by a directory of small
// flag files, one per slot, under stateDir. Each file holds a single
// line of the form "bootable=<0|1> successful=<0|1>". This mirrors the
// gpt-flag-based scheme update_engine uses on real hardware while
// keeping the encoding simple enough to inspect or edit by hand; a
// device with GPT attribute bit support would instead implement
// Interface directly against the partition table.
//
// Writes go through renameio so a crash mid-update never leaves a
// flag file half written.
type ABControl struct {
	stateDir    string
	numSlots    uint32
	currentSlot Slot
}

// NewABControl returns an ABControl for a device with numSlots update
// slots, currently running from currentSlot, persisting flags under
// stateDir. stateDir must already exist.
func NewABControl(stateDir string, numSlots uint32, currentSlot Slot) *ABControl {
	return &ABControl{stateDir: stateDir, numSlots: numSlots, currentSlot: currentSlot}
}

func (a *ABControl) NumSlots() uint32 { return a.numSlots }

func (a *ABControl) CurrentSlot() Slot { return a.currentSlot }

func (a *ABControl) flagPath(slot Slot) string {
	return filepath.Join(a.stateDir, fmt.Sprintf("slot_%s.flags", SlotName(slot)))
}

type slotFlags struct {
	bootable   bool
	successful bool
}

func (a *ABControl) readFlags(slot Slot) slotFlags {
	data, err := os.ReadFile(a.flagPath(slot))
	if err != nil {
		return slotFlags{}
	}
	var f slotFlags
	for _, field := range strings.Fields(string(data)) {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			continue
		}
		switch key {
		case "bootable":
			f.bootable = n != 0
		case "successful":
			f.successful = n != 0
		}
	}
	return f
}

func (a *ABControl) writeFlags(slot Slot, f slotFlags) error {
	line := fmt.Sprintf("bootable=%d successful=%d\n", b2i(f.bootable), b2i(f.successful))
	if err := renameio.WriteFile(a.flagPath(slot), []byte(line), 0o644); err != nil {
		return fmt.Errorf("bootcontrol: writing flags for slot %s: %w", SlotName(slot), err)
	}
	return nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (a *ABControl) IsSlotBootable(slot Slot) bool {
	if uint32(slot) >= a.numSlots {
		return false
	}
	return a.readFlags(slot).bootable
}

func (a *ABControl) MarkSlotUnbootable(slot Slot) error {
	if uint32(slot) >= a.numSlots {
		return errInvalidSlot(slot, a.numSlots)
	}
	f := a.readFlags(slot)
	f.bootable = false
	plog.Infof("marking slot %s unbootable", SlotName(slot))
	return a.writeFlags(slot, f)
}

func (a *ABControl) SetActiveBootSlot(slot Slot) error {
	if uint32(slot) >= a.numSlots {
		return errInvalidSlot(slot, a.numSlots)
	}
	f := a.readFlags(slot)
	f.bootable = true
	if err := a.writeFlags(slot, f); err != nil {
		return err
	}
	activePath := filepath.Join(a.stateDir, "active_slot")
	if err := renameio.WriteFile(activePath, []byte(SlotName(slot)+"\n"), 0o644); err != nil {
		return fmt.Errorf("bootcontrol: recording active slot: %w", err)
	}
	plog.Infof("set active boot slot to %s", SlotName(slot))
	return nil
}

func (a *ABControl) ActiveBootSlot() Slot {
	data, err := os.ReadFile(filepath.Join(a.stateDir, "active_slot"))
	if err != nil {
		return InvalidSlot
	}
	name := strings.TrimSpace(string(data))
	for slot := Slot(0); uint32(slot) < a.numSlots; slot++ {
		if SlotName(slot) == name {
			return slot
		}
	}
	return InvalidSlot
}

func (a *ABControl) MarkBootSuccessful() error {
	f := a.readFlags(a.currentSlot)
	f.successful = true
	plog.Infof("marking slot %s successfully booted", SlotName(a.currentSlot))
	return a.writeFlags(a.currentSlot, f)
}

func (a *ABControl) IsSlotMarkedSuccessful(slot Slot) bool {
	if uint32(slot) >= a.numSlots {
		return false
	}
	return a.readFlags(slot).successful
}

// GetPartitionDevice translates name and slot to a by-partlabel path of
// the form "<name>-<SLOT>", e.g. "USR-A", matching the GPT partition
// labeling scheme flatcar images use. ABControl never manages dynamic
// partitions itself, so IsDynamic is always false; a device with a
// dynamic-partition group should route those names through dynpartition
// instead of trusting this translation.
func (a *ABControl) GetPartitionDevice(name string, slot Slot) (PartitionDevice, bool) {
	if uint32(slot) >= a.numSlots {
		return PartitionDevice{}, false
	}
	path := filepath.Join("/dev/disk/by-partlabel", fmt.Sprintf("%s-%s", name, SlotName(slot)))
	return PartitionDevice{ReadWritePath: path, ReadOnlyPath: path}, true
}

var _ Interface = (*ABControl)(nil)
