// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package postinstall

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/coreos/pkg/capnslog"

	"github.com/flatcar/updateapply/bootcontrol"
	"github.com/flatcar/updateapply/dynpartition"
	"github.com/flatcar/updateapply/errorcode"
	"github.com/flatcar/updateapply/hardware"
	"github.com/flatcar/updateapply/ioutil"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/updateapply", "postinstall")

// postinstallStatusFd is the file descriptor number, from the
// postinstall script's point of view, on which it may write progress
// lines. It must stay in sync with whatever convention vendor scripts
// are built against; bin/postinst_progress in the original project
// documents the same number.
const postinstallStatusFd = 3

// Runner drives the postinstall sequence for a single InstallPlan. A
// Runner is not safe for concurrent Run calls, but Suspend/Resume/
// Cancel may be called from another goroutine while Run is blocked.
type Runner struct {
	bootControl  bootcontrol.Interface
	hardware     hardware.Interface
	dynPartition dynpartition.Interface
	delegate     Delegate
	fsMountDir   string

	mounter Mounter

	mu                 sync.Mutex
	currentCmd         *exec.Cmd
	suspended          bool
	powerwashScheduled bool
}

// NewRunner returns a Runner that mounts partitions under fsMountDir,
// which must already exist and not be in use.
func NewRunner(bc bootcontrol.Interface, hw hardware.Interface, dp dynpartition.Interface, delegate Delegate, fsMountDir string) *Runner {
	return NewRunnerWithMounter(bc, hw, dp, delegate, fsMountDir, systemMounter{})
}

// NewRunnerWithMounter is NewRunner with an explicit Mounter, for
// tests that need to avoid real mount(2) calls.
func NewRunnerWithMounter(bc bootcontrol.Interface, hw hardware.Interface, dp dynpartition.Interface, delegate Delegate, fsMountDir string, mounter Mounter) *Runner {
	if delegate == nil {
		delegate = NopDelegate{}
	}
	return &Runner{bootControl: bc, hardware: hw, dynPartition: dp, delegate: delegate, fsMountDir: fsMountDir, mounter: mounter}
}

// Run executes every partition's postinstall step in order and, on
// full success with SwitchSlotOnReboot set, activates the target
// slot. It always returns a terminal errorcode.Code; errorcode.IsSuccessful
// on the result reports whether the update attempt as a whole should
// be considered to have succeeded.
func (r *Runner) Run(plan InstallPlan) errorcode.Code {
	if plan.DownloadURL == "" {
		plog.Info("install plan has no download url; skipping postinstall entirely")
		return r.complete(plan, errorcode.Success)
	}

	if len(plan.Partitions) > 0 {
		if err := r.dynPartition.MapAllPartitions(plan.TargetSlot); err != nil {
			plog.Errorf("mapping partitions for slot %s: %v", bootcontrol.SlotName(plan.TargetSlot), err)
			return r.complete(plan, errorcode.PostInstallMountError)
		}
		defer func() {
			if err := r.dynPartition.UnmapAllPartitions(plan.TargetSlot); err != nil {
				plog.Errorf("unmapping partitions for slot %s: %v", bootcontrol.SlotName(plan.TargetSlot), err)
			}
		}()
	}

	if plan.PowerwashRequired {
		if !r.hardware.SchedulePowerwash() {
			return r.complete(plan, errorcode.PostinstallPowerwashError)
		}
		r.mu.Lock()
		r.powerwashScheduled = true
		r.mu.Unlock()
	}

	weight, totalWeight := partitionWeights(plan)
	var accumulated float64
	r.reportAccumulated(accumulated, totalWeight)

	for i, p := range plan.Partitions {
		if !weight[i].runs {
			// Still mount once to surface a bad device/filesystem early,
			// matching the original's reasoning: a partition that can't
			// mount during postinstall likely can't mount at boot either.
			if p.PostinstallPath != "" && !r.mountAndUnmount(p) {
				return r.complete(plan, errorcode.PostInstallMountError)
			}
			continue
		}

		if !r.mountPartition(p) {
			return r.complete(plan, errorcode.PostInstallMountError)
		}

		code, exitCode, output := r.runPartitionScript(plan, p, i, weight, totalWeight)
		r.unmount()

		if exitCode != 0 {
			plog.Errorf("postinstall for partition %s exited %d: %s", p.Name, exitCode, output)
			if !p.PostinstallOptional {
				return r.complete(plan, code)
			}
			plog.Infof("ignoring postinstall failure for %s since it is optional", p.Name)
		}

		accumulated += weight[i].fraction
		r.reportAccumulated(accumulated, totalWeight)
	}

	return r.complete(plan, errorcode.Success)
}

type partitionWeight struct {
	runs     bool
	fraction float64
}

// partitionWeights decides, for every partition, whether its
// postinstall step actually runs and what share of overall progress
// it represents. Every partition that runs carries equal weight.
func partitionWeights(plan InstallPlan) ([]partitionWeight, float64) {
	weight := make([]partitionWeight, len(plan.Partitions))
	var total float64
	for i, p := range plan.Partitions {
		runs := p.RunPostinstall
		if !plan.RunPostInstall && p.PostinstallOptional {
			runs = false
		}
		weight[i] = partitionWeight{runs: runs}
		if runs {
			weight[i].fraction = 1
			total++
		}
	}
	return weight, total
}

func (r *Runner) mountAndUnmount(p Partition) bool {
	if !r.mountPartition(p) {
		return false
	}
	r.unmount()
	return true
}

// fstypeProbeOrder is tried, in order, for a partition whose manifest
// didn't name a filesystem type; the first one mount(2) accepts wins.
var fstypeProbeOrder = []string{"ext2", "ext3", "ext4", "squashfs", "erofs"}

func (r *Runner) mountPartition(p Partition) bool {
	if !r.mounter.Exists(p.ReadonlyTargetPath) {
		plog.Errorf("mountable device %s for partition %s does not exist", p.ReadonlyTargetPath, p.Name)
		return false
	}
	if !r.mounter.Exists(r.fsMountDir) {
		plog.Errorf("mount point %s does not exist", r.fsMountDir)
		return false
	}
	if mounted, _ := r.mounter.IsMountpoint(r.fsMountDir); mounted {
		if err := r.mounter.Unmount(r.fsMountDir); err != nil {
			plog.Errorf("clearing stale mount at %s: %v", r.fsMountDir, err)
		}
	}

	fstypes := fstypeProbeOrder
	if p.FilesystemType != "" {
		fstypes = []string{p.FilesystemType}
	}

	opts := r.hardware.GetPartitionMountOptions(p.Name)
	var lastErr error
	for _, fstype := range fstypes {
		if err := r.mounter.Mount(p.ReadonlyTargetPath, r.fsMountDir, fstype, syscall.MS_RDONLY, opts); err != nil {
			lastErr = err
			continue
		}
		return true
	}
	plog.Errorf("mounting partition %s (tried %v): %v", p.Name, fstypes, lastErr)
	return false
}

func (r *Runner) unmount() {
	if err := r.mounter.Unmount(r.fsMountDir); err != nil {
		plog.Errorf("unmounting %s: %v", r.fsMountDir, err)
	}
}

// runPartitionScript launches p's postinstall script and blocks until
// it exits, returning the errorcode.Code to use if it failed, its raw
// exit code (0 on success), and its captured stdout/stderr for
// logging.
func (r *Runner) runPartitionScript(plan InstallPlan, p Partition, index int, weight []partitionWeight, totalWeight float64) (errorcode.Code, int, string) {
	if p.PostinstallPath == "" {
		return errorcode.Success, 0, ""
	}

	if filepath.IsAbs(p.PostinstallPath) {
		plog.Errorf("invalid absolute postinstall path for partition %s: %s", p.Name, p.PostinstallPath)
		return errorcode.PostinstallRunnerError, 1, "absolute postinstall path"
	}

	absPath := filepath.Join(r.fsMountDir, p.PostinstallPath)
	cleanMountDir := filepath.Clean(r.fsMountDir)
	if absPath != cleanMountDir && !strings.HasPrefix(absPath, cleanMountDir+string(filepath.Separator)) {
		plog.Errorf("postinstall path for partition %s escapes mount point: %s", p.Name, p.PostinstallPath)
		return errorcode.PostinstallRunnerError, 1, "postinstall path escapes mount point"
	}

	args := []string{strconv.Itoa(int(plan.TargetSlot)), strconv.Itoa(postinstallStatusFd)}
	if len(plan.Partitions) == 1 && !plan.SwitchSlotOnReboot && plan.TriggeredManually {
		args = append(args, "1")
	}

	statusR, statusW, err := os.Pipe()
	if err != nil {
		return errorcode.PostinstallRunnerError, 1, fmt.Sprintf("creating status pipe: %v", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		statusR.Close()
		statusW.Close()
		return errorcode.PostinstallRunnerError, 1, fmt.Sprintf("creating output pipe: %v", err)
	}

	cmd := exec.Command(absPath, args...)
	cmd.Dir = r.fsMountDir
	cmd.Stdout = outW
	cmd.Stderr = outW
	cmd.ExtraFiles = []*os.File{statusW}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		r.watchProgress(statusR, func(frac float64) {
			r.reportPartitionProgress(frac, index, weight, totalWeight)
		})
	}()

	var output bytes.Buffer
	go func() {
		defer wg.Done()
		ioutil.LogFrom(capnslog.INFO, p.Name, io.TeeReader(outR, &output))
	}()

	startErr := cmd.Start()
	statusW.Close()
	outW.Close()
	if startErr != nil {
		statusR.Close()
		outR.Close()
		wg.Wait()
		return errorcode.PostinstallRunnerError, 1, fmt.Sprintf("postinstall didn't launch: %v", startErr)
	}

	r.mu.Lock()
	r.currentCmd = cmd
	r.mu.Unlock()

	waitErr := cmd.Wait()

	r.mu.Lock()
	r.currentCmd = nil
	r.suspended = false
	r.mu.Unlock()

	statusR.Close()
	wg.Wait()

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	code := errorcode.Success
	switch exitCode {
	case 0:
	case 3:
		code = errorcode.PostinstallBootedFromFirmwareB
	case 4:
		code = errorcode.PostinstallFirmwareRONotUpdatable
	default:
		code = errorcode.PostinstallRunnerError
	}
	return code, exitCode, output.String()
}

// watchProgress reads newline-delimited "global_progress <frac>" lines
// from pipe until EOF and forwards well-formed ones to report.
// bufio.Scanner assembles whole lines across short reads, so no
// explicit partial-line buffering is needed here.
func (r *Runner) watchProgress(pipe *os.File, report func(frac float64)) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		var frac float64
		if _, err := fmt.Sscanf(scanner.Text(), "global_progress %f", &frac); err == nil && !math.IsNaN(frac) {
			report(frac)
		}
	}
}

// reportPartitionProgress reports overall progress given frac, the
// current partition's own [0,1] progress report.
func (r *Runner) reportPartitionProgress(frac float64, index int, weight []partitionWeight, totalWeight float64) {
	if totalWeight == 0 {
		r.delegate.PostinstallProgress(1)
		return
	}
	if !floatFinite(frac) || frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	var accumulated float64
	for i := 0; i < index; i++ {
		accumulated += weight[i].fraction
	}
	r.delegate.PostinstallProgress((accumulated + weight[index].fraction*frac) / totalWeight)
}

// reportAccumulated reports overall progress as exactly accumulated
// weight, used between partitions where frac is always 0.
func (r *Runner) reportAccumulated(accumulated, totalWeight float64) {
	if totalWeight == 0 {
		r.delegate.PostinstallProgress(1)
		return
	}
	r.delegate.PostinstallProgress(accumulated / totalWeight)
}

func floatFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// complete performs the terminal actions for a Run call: cancelling a
// scheduled powerwash on failure, or activating the target slot and
// requesting a warm reset on full success.
func (r *Runner) complete(plan InstallPlan, code errorcode.Code) errorcode.Code {
	r.mu.Lock()
	scheduled := r.powerwashScheduled
	r.mu.Unlock()

	if code == errorcode.Success {
		if plan.SwitchSlotOnReboot {
			if err := r.dynPartition.FinishUpdate(plan.PowerwashRequired); err != nil {
				plog.Errorf("finishing dynamic partition update: %v", err)
				code = errorcode.PostinstallRunnerError
			} else if err := r.bootControl.SetActiveBootSlot(plan.TargetSlot); err != nil {
				plog.Errorf("setting active boot slot: %v", err)
				code = errorcode.PostinstallRunnerError
			} else {
				r.hardware.SetWarmReset(true)
				r.hardware.SetVbmetaDigestForInactiveSlot(false)
			}
		} else {
			code = errorcode.UpdatedButNotActive
		}
	}

	if !errorcode.IsSuccessful(code) {
		plog.Errorf("postinstall failed: %v", code)
		if scheduled {
			r.hardware.CancelPowerwash()
		}
	} else {
		plog.Info("all post-install commands succeeded")
	}
	return code
}

// Suspend pauses the currently running postinstall script, if any, by
// sending it SIGSTOP.
func (r *Runner) Suspend() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentCmd == nil || r.currentCmd.Process == nil {
		return nil
	}
	if err := r.currentCmd.Process.Signal(syscall.SIGSTOP); err != nil {
		return fmt.Errorf("postinstall: suspending child: %w", err)
	}
	r.suspended = true
	return nil
}

// Resume continues a previously suspended postinstall script.
func (r *Runner) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentCmd == nil || r.currentCmd.Process == nil {
		return nil
	}
	if err := r.currentCmd.Process.Signal(syscall.SIGCONT); err != nil {
		return fmt.Errorf("postinstall: resuming child: %w", err)
	}
	r.suspended = false
	return nil
}

// Cancel terminates the currently running postinstall script, if any,
// resuming it first if it was suspended so it can act on the signal.
func (r *Runner) Cancel() error {
	r.mu.Lock()
	cmd := r.currentCmd
	suspended := r.suspended
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if suspended {
		if err := r.Resume(); err != nil {
			plog.Errorf("resuming before cancel: %v", err)
		}
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("postinstall: terminating child: %w", err)
	}
	return nil
}
