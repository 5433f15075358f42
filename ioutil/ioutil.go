// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package ioutil collects the small byte-level I/O helpers the update
// pipeline needs on top of the standard library: short-read/short-write
// retry loops over a file descriptor, atomic file replace, directory
// fsync, block-device size and read-only-flag queries, and the
// line-oriented child-output logging used by postinstall. Every
// function here retries on the conditions a blocking I/O call can
// legitimately produce partial progress from; none of them hide real
// errors.
package ioutil

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/coreos/ioprogress"
	"github.com/coreos/pkg/capnslog"
	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/updateapply", "ioutil")

// ReadAll reads from fd into buf until buf is full or EOF, retrying
// on EINTR and short reads. It mirrors common/utils.cc's ReadAll: the
// boolean return reports whether EOF was reached before buf filled.
func ReadAll(fd *os.File, buf []byte) (n int, eof bool, err error) {
	for n < len(buf) {
		m, rerr := fd.Read(buf[n:])
		n += m
		if rerr == io.EOF {
			return n, true, nil
		}
		if rerr != nil {
			return n, false, fmt.Errorf("ioutil: reading fd %s: %w", fd.Name(), rerr)
		}
		if m == 0 {
			break
		}
	}
	return n, false, nil
}

// WriteAll writes every byte of buf to fd, retrying on short writes.
func WriteAll(fd *os.File, buf []byte) error {
	for len(buf) > 0 {
		n, err := fd.Write(buf)
		if err != nil {
			return fmt.Errorf("ioutil: writing fd %s: %w", fd.Name(), err)
		}
		buf = buf[n:]
	}
	return nil
}

// PreadAll reads len(buf) bytes from fd at offset off without
// disturbing fd's current file position, retrying on short reads. It
// returns fewer bytes than len(buf) only at EOF.
func PreadAll(fd *os.File, buf []byte, off int64) (n int, err error) {
	for n < len(buf) {
		m, rerr := fd.ReadAt(buf[n:], off+int64(n))
		n += m
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, fmt.Errorf("ioutil: pread fd %s at %d: %w", fd.Name(), off, rerr)
		}
		if m == 0 {
			break
		}
	}
	return n, nil
}

// PwriteAll writes every byte of buf to fd at offset off without
// disturbing fd's current file position, retrying on short writes.
func PwriteAll(fd *os.File, buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := fd.WriteAt(buf, off)
		if err != nil {
			return fmt.Errorf("ioutil: pwrite fd %s at %d: %w", fd.Name(), off, err)
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

// WriteFileSync atomically replaces path's contents with data and
// fsyncs the containing directory, so a crash immediately afterward
// cannot observe a half-written or missing file.
func WriteFileSync(path string, data []byte, perm os.FileMode) error {
	if err := renameio.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("ioutil: writing %s: %w", path, err)
	}
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("ioutil: opening directory of %s: %w", path, err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("ioutil: syncing directory of %s: %w", path, err)
	}
	return nil
}

// GetBlockDeviceSize returns the size in bytes of the block device at
// path, via the BLKGETSIZE64 ioctl.
func GetBlockDeviceSize(path string) (uint64, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("ioutil: opening block device %s: %w", path, err)
	}
	defer unix.Close(fd)

	var size uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno != 0 {
		return 0, fmt.Errorf("ioutil: BLKGETSIZE64 on %s: %w", path, errno)
	}
	return size, nil
}

// SetBlockDeviceReadOnly toggles the kernel read-only flag on the
// block device at path via BLKROSET, skipping the ioctl entirely if
// the device is already in the requested state.
func SetBlockDeviceReadOnly(path string, readOnly bool) error {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("ioutil: opening block device %s: %w", path, err)
	}
	defer unix.Close(fd)

	current, err := unix.IoctlGetInt(fd, unix.BLKROGET)
	want := 0
	if readOnly {
		want = 1
	}
	if err == nil && current == want {
		return nil
	}

	if err := unix.IoctlSetPointerInt(fd, unix.BLKROSET, want); err != nil {
		return fmt.Errorf("ioutil: setting read-only=%v on %s: %w", readOnly, path, err)
	}
	return nil
}

// SyncFilesystem flushes dirty pages for the filesystem mounted at
// dir, via syncfs(2).
func SyncFilesystem(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("ioutil: opening %s for sync: %w", dir, err)
	}
	defer unix.Close(fd)

	if err := unix.Syncfs(fd); err != nil {
		return fmt.Errorf("ioutil: syncfs %s: %w", dir, err)
	}
	return nil
}

// LogFrom reads lines from r and forwards each one to plog at level l,
// tagged with prefix. Used to surface a postinstall child process's
// stdout/stderr into the daemon's own log stream.
func LogFrom(l capnslog.LogLevel, prefix string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		plog.Log(l, prefix+": "+scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		plog.Errorf("%s: reading output failed: %v", prefix, err)
	}
}

// CopyProgress copies from reader to writer, drawing a terminal
// progress bar through level when plog is configured to emit it.
func CopyProgress(level capnslog.LogLevel, prefix string, writer io.Writer, reader io.Reader, total int64) (int64, error) {
	if plog.LevelAt(level) {
		fmtBytesSize := 18
		barSize := int64(80 - len(prefix) - fmtBytesSize)
		if barSize < 8 {
			barSize = 8
		}
		bar := ioprogress.DrawTextFormatBarForW(barSize, os.Stderr)
		fmtfunc := func(progress, total int64) string {
			if total < 0 {
				return fmt.Sprintf("%s: %v of an unknown total size", prefix, ioprogress.ByteUnitStr(progress))
			}
			return fmt.Sprintf("%s: %s %s", prefix, bar(progress, total), ioprogress.DrawTextFormatBytes(progress, total))
		}
		reader = &ioprogress.Reader{
			Reader:   reader,
			Size:     total,
			DrawFunc: ioprogress.DrawTerminalf(os.Stderr, fmtfunc),
		}
	}
	return io.Copy(writer, reader)
}
