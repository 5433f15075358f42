// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package attempter

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-semver/semver"
	"github.com/coreos/pkg/capnslog"
	"github.com/google/uuid"

	"github.com/flatcar/updateapply/bootcontrol"
	"github.com/flatcar/updateapply/dynpartition"
	"github.com/flatcar/updateapply/errorcode"
	"github.com/flatcar/updateapply/hardware"
	"github.com/flatcar/updateapply/metadata"
	"github.com/flatcar/updateapply/postinstall"
	"github.com/flatcar/updateapply/verifier"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/updateapply", "attempter")

// State is the façade's coarse lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// CompletionReporter posts a best-effort telemetry ping when an attempt
// finishes; omahareport.Reporter satisfies this. Nil disables reporting.
type CompletionReporter interface {
	ReportCompletion(ctx context.Context, sessionID, version string, code errorcode.Code)
}

// Attempter is the single coordinator a daemon service talks to. One
// Attempter serializes apply_payload calls against its own state; it is
// safe for concurrent method calls.
type Attempter struct {
	bootControl  bootcontrol.Interface
	hardware     hardware.Interface
	dynPartition dynpartition.Interface
	verifier     verifier.SignatureVerifier
	planBuilder  PlanBuilder
	reporter     CompletionReporter
	fsMountDir   string

	mu        sync.Mutex
	state     State
	sessionID uuid.UUID
	runner    *postinstall.Runner

	// pendingSlot/hasPending track an update that finished with
	// UpdatedButNotActive, so SetShouldSwitchSlotOnReboot/ResetStatus
	// have something to act on.
	pendingSlot bootcontrol.Slot
	hasPending  bool

	installedVersion *semver.Version
}

// New returns an idle Attempter. reporter may be nil to disable telemetry.
func New(bc bootcontrol.Interface, hw hardware.Interface, dp dynpartition.Interface, v verifier.SignatureVerifier, pb PlanBuilder, reporter CompletionReporter, fsMountDir string) *Attempter {
	return &Attempter{
		bootControl:  bc,
		hardware:     hw,
		dynPartition: dp,
		verifier:     v,
		planBuilder:  pb,
		reporter:     reporter,
		fsMountDir:   fsMountDir,
		state:        StateIdle,
	}
}

// State reports the current lifecycle state.
func (a *Attempter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ApplyPayload starts a new update attempt in the background, returning
// immediately. It rejects the call if an attempt is already running or
// suspended. delegate receives progress updates and the final outcome;
// ApplyPayload's own error return only reports synchronous rejection
// (busy), not the eventual pipeline outcome.
func (a *Attempter) ApplyPayload(ctx context.Context, req Request, delegate Delegate) error {
	a.mu.Lock()
	if a.state != StateIdle {
		a.mu.Unlock()
		return fmt.Errorf("attempter: %w", errBusy)
	}
	a.state = StateRunning
	a.sessionID = uuid.New()
	sessionID := a.sessionID
	a.mu.Unlock()

	plog.Infof("apply_payload session %s: starting", sessionID)
	go a.runAttempt(ctx, sessionID, req, delegate)
	return nil
}

var errBusy = fmt.Errorf("an update is already running")

func (a *Attempter) runAttempt(ctx context.Context, sessionID uuid.UUID, req Request, delegate Delegate) {
	code := a.applyPayloadPipeline(ctx, sessionID, req, delegate)
	a.complete(ctx, sessionID, req, code, delegate)
}

func (a *Attempter) applyPayloadPipeline(ctx context.Context, sessionID uuid.UUID, req Request, delegate Delegate) errorcode.Code {
	payload, err := req.Source.Fetch(ctx, req.Offset, req.Size, req.Headers)
	if err != nil {
		plog.Errorf("session %s: fetching payload: %v", sessionID, err)
		return errorcode.Error
	}

	result, header, kind := metadata.ParseHeader(payload)
	switch result {
	case metadata.InsufficientData:
		plog.Errorf("session %s: payload shorter than the fixed header", sessionID)
		return errorcode.Error
	case metadata.Error:
		return kind.ToErrorCode()
	}

	if code := verifier.Verify(payload, header, req.RawSignatureB64, a.verifier); code != errorcode.Success {
		plog.Errorf("session %s: metadata signature check failed: %v", sessionID, code)
		return code
	}

	manifest, err := metadata.GetManifest(payload, header)
	if err != nil {
		plog.Errorf("session %s: %v", sessionID, err)
		return errorcode.DownloadManifestParseError
	}

	plan, err := a.planBuilder.BuildInstallPlan(manifest, req)
	if err != nil {
		plog.Errorf("session %s: building install plan: %v", sessionID, err)
		return errorcode.DownloadManifestParseError
	}

	runner := postinstall.NewRunner(a.bootControl, a.hardware, a.dynPartition, delegate, a.fsMountDir)
	a.mu.Lock()
	a.runner = runner
	a.mu.Unlock()

	return runner.Run(plan)
}

func (a *Attempter) complete(ctx context.Context, sessionID uuid.UUID, req Request, code errorcode.Code, delegate Delegate) {
	a.mu.Lock()
	a.runner = nil
	a.state = StateIdle
	if code == errorcode.UpdatedButNotActive {
		a.pendingSlot = req.TargetSlot
		a.hasPending = true
	}
	if errorcode.IsSuccessful(code) {
		a.installedVersion = req.Version
	}
	a.mu.Unlock()

	plog.Infof("apply_payload session %s: finished with %v", sessionID, code)

	if a.reporter != nil {
		version := ""
		if req.Version != nil {
			version = req.Version.String()
		}
		a.reporter.ReportCompletion(ctx, sessionID.String(), version, code)
	}

	delegate.Completed(code)
}

// Suspend pauses the in-progress attempt's child process, if any. It is a
// no-op when idle.
func (a *Attempter) Suspend() error {
	a.mu.Lock()
	runner := a.runner
	if runner != nil {
		a.state = StateSuspended
	}
	a.mu.Unlock()
	if runner == nil {
		return nil
	}
	return runner.Suspend()
}

// Resume continues a previously suspended attempt. It is a no-op when
// idle.
func (a *Attempter) Resume() error {
	a.mu.Lock()
	runner := a.runner
	if runner != nil {
		a.state = StateRunning
	}
	a.mu.Unlock()
	if runner == nil {
		return nil
	}
	return runner.Resume()
}

// Cancel aborts a running or suspended attempt. It returns an error if no
// attempt is in progress.
func (a *Attempter) Cancel() error {
	a.mu.Lock()
	runner := a.runner
	a.mu.Unlock()
	if runner == nil {
		return fmt.Errorf("attempter: cancel: %w", errNotRunning)
	}
	return runner.Cancel()
}

var errNotRunning = fmt.Errorf("no update is in progress")

// ResetStatus deletes the record of an applied-but-not-active update. It
// is only legal while idle.
func (a *Attempter) ResetStatus() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateIdle {
		return fmt.Errorf("attempter: reset_status: %w", errBusy)
	}
	if !a.hasPending {
		return nil
	}
	if err := a.bootControl.MarkSlotUnbootable(a.pendingSlot); err != nil {
		return fmt.Errorf("attempter: reset_status: %w", err)
	}
	a.hasPending = false
	plog.Infof("reset_status: cleared pending update for slot %s", bootcontrol.SlotName(a.pendingSlot))
	return nil
}

// VerifyPayloadApplicable is a stateless check of manifestVersion against
// the currently installed version, without touching any running attempt.
func (a *Attempter) VerifyPayloadApplicable(manifestVersion *semver.Version) errorcode.Code {
	a.mu.Lock()
	installed := a.installedVersion
	a.mu.Unlock()

	if installed != nil && manifestVersion != nil && installed.Compare(*manifestVersion) == 0 {
		return errorcode.UpdateAlreadyInstalled
	}
	return errorcode.Success
}

// SetShouldSwitchSlotOnReboot commits a previously applied-but-inactive
// update: it is only legal while idle and a pending update exists.
func (a *Attempter) SetShouldSwitchSlotOnReboot() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateIdle {
		return fmt.Errorf("attempter: set_should_switch_slot_on_reboot: %w", errBusy)
	}
	if !a.hasPending {
		return fmt.Errorf("attempter: set_should_switch_slot_on_reboot: %w", errNoPendingUpdate)
	}
	if err := a.bootControl.SetActiveBootSlot(a.pendingSlot); err != nil {
		return fmt.Errorf("attempter: committing slot switch: %w", err)
	}
	a.hardware.SetWarmReset(true)
	return nil
}

var errNoPendingUpdate = fmt.Errorf("no applied-but-inactive update to switch to")

// ResetShouldSwitchSlotOnReboot revokes a previously committed switch
// intent without cancelling the underlying applied update: the bootloader
// is pointed back at the currently running slot.
func (a *Attempter) ResetShouldSwitchSlotOnReboot() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hasPending {
		return nil
	}
	if err := a.bootControl.SetActiveBootSlot(a.bootControl.CurrentSlot()); err != nil {
		return fmt.Errorf("attempter: revoking slot switch: %w", err)
	}
	return nil
}
