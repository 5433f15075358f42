// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package postinstall runs the per-partition postinstall scripts that
// finish applying a payload once its data has been written to the
// inactive slot: mounting each partition read-only, invoking its
// vendor script with a progress-reporting file descriptor, and
// interpreting the script's exit code before moving on to the next
// partition or activating the new slot.
package postinstall

import "github.com/flatcar/updateapply/bootcontrol"

// Partition describes one partition's postinstall step, as carried in
// an InstallPlan built from a parsed manifest.
type Partition struct {
	// Name identifies the partition for logging (e.g. "system").
	Name string
	// ReadonlyTargetPath is the block device postinstall mounts
	// read-only before running the script.
	ReadonlyTargetPath string
	// FilesystemType is passed to mount(2) (e.g. "ext4", "squashfs").
	// When empty, ext2, ext3, ext4, squashfs and erofs are tried in
	// that order and the first one that mounts is used.
	FilesystemType string
	// PostinstallPath is the script path relative to the partition's
	// mount point, e.g. "postinst". Empty means this partition has no
	// postinstall step, though it is still mounted once to validate
	// mountability.
	PostinstallPath string
	// RunPostinstall is computed from the manifest and
	// InstallPlan.RunPostInstall: false means this partition's
	// postinstall step is skipped even if PostinstallPath is set.
	RunPostinstall bool
	// PostinstallOptional means a non-zero exit code from this
	// partition's script is logged and ignored rather than failing
	// the whole update.
	PostinstallOptional bool
}

// InstallPlan is the subset of a parsed manifest the postinstall
// runner needs. Everything about the payload body and data blobs that
// produced it is out of scope; this plan only carries decisions
// already made by the rest of the pipeline.
type InstallPlan struct {
	// DownloadURL is the payload's source URL, carried through from the
	// manifest fetch. An empty value means this plan has no payload
	// data to apply — e.g. a no-op or metadata-only update — and Run
	// skips the postinstall phase entirely without mounting anything.
	DownloadURL string

	Partitions []Partition
	TargetSlot bootcontrol.Slot

	// SwitchSlotOnReboot requests activating TargetSlot once every
	// partition's postinstall step succeeds. If false, the update is
	// fully applied but left inactive (ErrorCode.UpdatedButNotActive).
	SwitchSlotOnReboot bool

	// RunPostInstall is the plan-wide default for whether optional
	// postinstall steps run at all; a false value here combined with
	// Partition.PostinstallOptional skips that partition's script.
	RunPostInstall bool

	// PowerwashRequired schedules a factory reset alongside this
	// update, e.g. for a rollback.
	PowerwashRequired bool

	// TriggeredManually is passed to the script as an extra "1"
	// argument when the plan has exactly one partition and
	// SwitchSlotOnReboot is false, letting a vendor script tell
	// a manually triggered postinstall apart from one that is part
	// of a full multi-partition update.
	TriggeredManually bool
}

// Delegate receives progress updates as the runner works through
// InstallPlan.Partitions.
type Delegate interface {
	// PostinstallProgress reports overall progress across every
	// partition's postinstall step, in [0, 1].
	PostinstallProgress(fraction float64)
}

// NopDelegate implements Delegate by discarding every update.
type NopDelegate struct{}

func (NopDelegate) PostinstallProgress(float64) {}
