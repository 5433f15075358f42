// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package postinstall

import (
	"os"

	"github.com/flatcar/updateapply/system"
)

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Mounter abstracts the mount/unmount syscalls Runner needs, so tests
// can exercise the partition sequencing and progress logic without
// real block devices or CAP_SYS_ADMIN.
type Mounter interface {
	Mount(device, dir, fstype string, flags uintptr, data string) error
	Unmount(dir string) error
	IsMountpoint(dir string) (bool, error)
	Exists(path string) bool
}

// systemMounter is the production Mounter, backed by the system
// package's Linux mount(2)/umount2(2) wrappers.
type systemMounter struct{}

func (systemMounter) Mount(device, dir, fstype string, flags uintptr, data string) error {
	return system.MountFilesystem(device, dir, fstype, flags, data)
}

func (systemMounter) Unmount(dir string) error {
	return system.UnmountFilesystem(dir)
}

func (systemMounter) IsMountpoint(dir string) (bool, error) {
	return system.IsMountpoint(dir)
}

func (systemMounter) Exists(path string) bool {
	return pathExists(path)
}
