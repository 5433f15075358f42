// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package hardware is the narrow collaborator boundary for
// device/firmware operations postinstall and attempter need but that
// have no sensible generic implementation: scheduling the factory
// reset that follows certain updates, requesting a warm reset instead
// of a full reboot, recording a vbmeta digest override for the
// inactive slot, and supplying filesystem-specific mount options per
// partition.
package hardware

// Interface is the collaborator postinstall calls into around an
// update attempt.
type Interface interface {
	// SchedulePowerwash arms a factory reset to run on the next boot
	// into the new slot. Returns false if the platform could not
	// schedule it.
	SchedulePowerwash() bool

	// CancelPowerwash disarms a previously scheduled powerwash, used
	// when an update attempt that called SchedulePowerwash later
	// fails or is cancelled.
	CancelPowerwash()

	// SetWarmReset requests (or clears) a warm reset on the next
	// reboot instead of a full cold boot, shortening the boot time
	// immediately after a successful update.
	SetWarmReset(warmReset bool)

	// SetVbmetaDigestForInactiveSlot records (or clears) an expected
	// vbmeta digest override for the slot that is not currently
	// active, used by verified boot after a slot switch.
	SetVbmetaDigestForInactiveSlot(enable bool)

	// GetPartitionMountOptions returns the extra mount(2) data option
	// string for the named partition, or "" if none is required.
	GetPartitionMountOptions(partitionName string) string
}
