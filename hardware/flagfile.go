// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package hardware

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/coreos/pkg/capnslog"

	"github.com/flatcar/updateapply/ioutil"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/updateapply", "hardware")

// FlagFile is the production Interface implementation for boards
// without a richer vendor HAL: powerwash, warm-reset and vbmeta-digest
// requests are recorded as flag files under stateDir, the same way
// update_engine's own build-time configurable hardware layer persists
// cross-reboot requests as files the bootloader or init scripts check.
// Partition mount options come from a small static table set up with
// SetPartitionMountOptions.
type FlagFile struct {
	stateDir string

	mu           sync.Mutex
	mountOptions map[string]string
}

// NewFlagFile returns a FlagFile rooted at stateDir. stateDir must
// already exist.
func NewFlagFile(stateDir string) *FlagFile {
	return &FlagFile{stateDir: stateDir, mountOptions: make(map[string]string)}
}

func (f *FlagFile) path(name string) string {
	return filepath.Join(f.stateDir, name)
}

func (f *FlagFile) SchedulePowerwash() bool {
	if err := ioutil.WriteFileSync(f.path("powerwash_scheduled"), []byte("1\n"), 0o644); err != nil {
		plog.Errorf("scheduling powerwash: %v", err)
		return false
	}
	plog.Info("powerwash scheduled")
	return true
}

func (f *FlagFile) CancelPowerwash() {
	if err := os.Remove(f.path("powerwash_scheduled")); err != nil && !os.IsNotExist(err) {
		plog.Errorf("cancelling powerwash: %v", err)
		return
	}
	plog.Info("powerwash cancelled")
}

func (f *FlagFile) SetWarmReset(warmReset bool) {
	path := f.path("warm_reset")
	if !warmReset {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			plog.Errorf("clearing warm reset flag: %v", err)
		}
		return
	}
	if err := ioutil.WriteFileSync(path, []byte("1\n"), 0o644); err != nil {
		plog.Errorf("setting warm reset flag: %v", err)
	}
}

func (f *FlagFile) SetVbmetaDigestForInactiveSlot(enable bool) {
	path := f.path("vbmeta_digest_inactive")
	if !enable {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			plog.Errorf("clearing vbmeta digest flag: %v", err)
		}
		return
	}
	if err := ioutil.WriteFileSync(path, []byte("1\n"), 0o644); err != nil {
		plog.Errorf("setting vbmeta digest flag: %v", err)
	}
}

// SetPartitionMountOptions configures the extra mount(2) data string
// GetPartitionMountOptions will return for partitionName.
func (f *FlagFile) SetPartitionMountOptions(partitionName, options string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mountOptions[partitionName] = options
}

func (f *FlagFile) GetPartitionMountOptions(partitionName string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mountOptions[partitionName]
}

// IsPowerwashScheduled reports whether a powerwash flag is currently
// set.
func (f *FlagFile) IsPowerwashScheduled() bool {
	_, err := os.Stat(f.path("powerwash_scheduled"))
	return err == nil
}

var _ Interface = (*FlagFile)(nil)
