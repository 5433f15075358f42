// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package postinstall

import (
	"fmt"
	"sync"
)

// FakeMounter is a Mounter for tests: it never touches the kernel,
// just tracks whether something is "mounted" and which paths "exist".
type FakeMounter struct {
	mu       sync.Mutex
	mounted  bool
	MountErr error
	// RejectFstypes marks fstype values that Mount should fail for,
	// regardless of MountErr; used to exercise mountPartition's
	// filesystem-type probe order.
	RejectFstypes map[string]bool
	// Missing marks paths that Exists should report as absent; every
	// other path is reported present.
	Missing map[string]bool
	// MountLog records every attempted mount as "device -> dir (fstype)",
	// including ones rejected by RejectFstypes.
	MountLog []string
}

func NewFakeMounter() *FakeMounter {
	return &FakeMounter{Missing: make(map[string]bool)}
}

func (f *FakeMounter) Mount(device, dir, fstype string, flags uintptr, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MountLog = append(f.MountLog, fmt.Sprintf("%s -> %s (%s)", device, dir, fstype))
	if f.RejectFstypes[fstype] {
		return fmt.Errorf("fake mount: fstype %q rejected", fstype)
	}
	if f.MountErr != nil {
		return f.MountErr
	}
	f.mounted = true
	return nil
}

func (f *FakeMounter) Unmount(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounted = false
	return nil
}

func (f *FakeMounter) IsMountpoint(dir string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mounted, nil
}

func (f *FakeMounter) Exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Missing[path]
}

var _ Mounter = (*FakeMounter)(nil)
