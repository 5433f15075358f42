// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package dynpartition is the narrow collaborator boundary for dynamic
// (logical) partition handling: growing/shrinking logical partitions
// to match an incoming manifest, mapping their block devices into the
// target slot, and tearing that mapping back down. The device-mapper
// mechanics themselves are out of scope here; this package only
// defines the contract postinstall and attempter call through.
package dynpartition

import "github.com/flatcar/updateapply/bootcontrol"

// Interface is the collaborator postinstall and attempter use to
// prepare and release dynamic partitions around an update attempt.
type Interface interface {
	// PreparePartitionsForUpdate resizes the logical partitions in
	// targetSlot to match the sizes the manifest calls for. update is
	// true the first time this is called for a given payload and
	// false on any retry, matching the source's "snapshot only once"
	// semantics.
	PreparePartitionsForUpdate(targetSlot bootcontrol.Slot, update bool) error

	// MapAllPartitions creates the device-mapper nodes for every
	// dynamic partition in targetSlot so postinstall can open them by
	// path.
	MapAllPartitions(targetSlot bootcontrol.Slot) error

	// UnmapAllPartitions tears down the device-mapper nodes created by
	// MapAllPartitions. It is always safe to call, including when
	// nothing is currently mapped.
	UnmapAllPartitions(targetSlot bootcontrol.Slot) error

	// FinishUpdate merges the target slot's snapshots/partition table
	// changes into their final, persistent form. Called once
	// postinstall has completed successfully for every partition.
	// powerwashRequired tells the dynamic-partition manager whether a
	// factory reset is pending, since that decides whether snapshots
	// are merged or simply discarded.
	FinishUpdate(powerwashRequired bool) error
}

// Stub is the Interface implementation for devices without dynamic
// partitions: every operation is a no-op success, matching
// update_engine's DynamicPartitionControlStub.
type Stub struct{}

func (Stub) PreparePartitionsForUpdate(bootcontrol.Slot, bool) error { return nil }
func (Stub) MapAllPartitions(bootcontrol.Slot) error                 { return nil }
func (Stub) UnmapAllPartitions(bootcontrol.Slot) error               { return nil }
func (Stub) FinishUpdate(bool) error                                 { return nil }

var _ Interface = Stub{}
