// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/coreos/pkg/capnslog"
	"golang.org/x/sys/unix"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/updateapply", "system")

// knownMountFlags maps the mount(8)-style option names postinstall
// manifests use onto their syscall.MS_* bit, mirroring the subset
// util-linux's libmount recognizes for this purpose.
var knownMountFlags = map[string]uintptr{
	"ro":         syscall.MS_RDONLY,
	"rw":         0,
	"nodev":      syscall.MS_NODEV,
	"nosuid":     syscall.MS_NOSUID,
	"noexec":     syscall.MS_NOEXEC,
	"noatime":    syscall.MS_NOATIME,
	"nodiratime": syscall.MS_NODIRATIME,
	"relatime":   syscall.MS_RELATIME,
	"sync":       syscall.MS_SYNCHRONOUS,
	"remount":    syscall.MS_REMOUNT,
	"bind":       syscall.MS_BIND,
	"dirsync":    syscall.MS_DIRSYNC,
}

// splitFlags separates the mount flag keywords in a comma-separated
// mount(2) options string from the options that must be passed through
// as the raw filesystem-specific data string (e.g. "mode=755"). Option
// order is preserved in the returned extra string; only recognized
// flag keywords are removed from it.
func splitFlags(opts string) (uintptr, string) {
	if opts == "" {
		return 0, ""
	}

	var flags uintptr
	var extra []string
	for _, opt := range strings.Split(opts, ",") {
		if bit, ok := knownMountFlags[opt]; ok {
			flags |= bit
			continue
		}
		extra = append(extra, opt)
	}
	return flags, strings.Join(extra, ",")
}

// MountFilesystem mounts device at fsMountDir as fstype with baseFlags
// OR'd together with any flag keywords found in options; the remainder
// of options is passed through as the mount(2) data argument.
func MountFilesystem(device, fsMountDir, fstype string, baseFlags uintptr, options string) error {
	extraFlags, data := splitFlags(options)
	flags := baseFlags | extraFlags

	plog.Infof("mounting %s (%s) at %s with flags 0x%x data %q", device, fstype, fsMountDir, flags, data)
	if err := unix.Mount(device, fsMountDir, fstype, flags, data); err != nil {
		return fmt.Errorf("system: mounting %s at %s: %w", device, fsMountDir, err)
	}
	return nil
}

// UnmountFilesystem lazily detaches the filesystem mounted at
// fsMountDir, tolerating the case where nothing is mounted there.
func UnmountFilesystem(fsMountDir string) error {
	if err := unix.Unmount(fsMountDir, unix.MNT_DETACH); err != nil {
		if err == unix.EINVAL {
			// Not a mountpoint; treat as already unmounted.
			return nil
		}
		return fmt.Errorf("system: unmounting %s: %w", fsMountDir, err)
	}
	return nil
}

// IsMountpoint reports whether path is itself a mount point, by
// comparing the device id of path against that of its parent
// directory: a mismatch means a filesystem is mounted at path.
func IsMountpoint(path string) (bool, error) {
	var st, parentSt unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, fmt.Errorf("system: stat %s: %w", path, err)
	}
	if err := unix.Stat(path+"/..", &parentSt); err != nil {
		return false, fmt.Errorf("system: stat %s/..: %w", path, err)
	}
	return st.Dev != parentSt.Dev, nil
}
