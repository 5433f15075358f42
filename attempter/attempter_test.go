// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package attempter

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-semver/semver"

	"github.com/flatcar/updateapply/bootcontrol"
	"github.com/flatcar/updateapply/dynpartition"
	"github.com/flatcar/updateapply/errorcode"
	"github.com/flatcar/updateapply/hardware"
	"github.com/flatcar/updateapply/postinstall"
)

type fakeVerifier struct{}

func (fakeVerifier) VerifyRaw(sig, hash []byte) bool                      { return true }
func (fakeVerifier) VerifySignaturesContainer(container, hash []byte) bool { return true }

type fakeSource struct {
	payload []byte
}

func (f fakeSource) Fetch(ctx context.Context, offset, size int64, headers map[string]string) ([]byte, error) {
	return f.payload, nil
}

type fakePlanBuilder struct {
	plan postinstall.InstallPlan
	err  error
}

func (f fakePlanBuilder) BuildInstallPlan(manifest []byte, req Request) (postinstall.InstallPlan, error) {
	if f.err != nil {
		return postinstall.InstallPlan{}, f.err
	}
	return f.plan, nil
}

type recordingDelegate struct {
	mu       sync.Mutex
	progress []float64
	done     chan errorcode.Code
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{done: make(chan errorcode.Code, 1)}
}

func (d *recordingDelegate) PostinstallProgress(frac float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.progress = append(d.progress, frac)
}

func (d *recordingDelegate) Completed(code errorcode.Code) {
	d.done <- code
}

func buildPayload(t *testing.T, manifest []byte) []byte {
	t.Helper()
	header := make([]byte, 24)
	copy(header[0:4], "CrAU")
	binary.BigEndian.PutUint64(header[4:12], 2)
	binary.BigEndian.PutUint64(header[12:20], uint64(len(manifest)))
	binary.BigEndian.PutUint32(header[20:24], 0)
	return append(header, manifest...)
}

func newTestAttempter(t *testing.T, plan postinstall.InstallPlan) (*Attempter, *dynpartition.Fake, *hardware.Fake, *bootcontrol.Fake) {
	t.Helper()
	bc := bootcontrol.NewFake()
	hw := hardware.NewFake()
	dp := &dynpartition.Fake{}
	pb := fakePlanBuilder{plan: plan}
	a := New(bc, hw, dp, fakeVerifier{}, pb, nil, t.TempDir())
	return a, dp, hw, bc
}

func waitForCompletion(t *testing.T, delegate *recordingDelegate) errorcode.Code {
	t.Helper()
	select {
	case code := <-delegate.done:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ApplyPayload completion")
		return errorcode.Error
	}
}

func TestApplyPayloadHappyPath(t *testing.T) {
	plan := postinstall.InstallPlan{
		DownloadURL:        "https://example.invalid/payload.bin",
		TargetSlot:         1,
		SwitchSlotOnReboot: true,
	}
	a, _, _, bc := newTestAttempter(t, plan)
	payload := buildPayload(t, []byte("manifest"))

	delegate := newRecordingDelegate()
	req := Request{
		Source:          fakeSource{payload: payload},
		RawSignatureB64: "AA==",
		TargetSlot:      1,
	}
	if err := a.ApplyPayload(context.Background(), req, delegate); err != nil {
		t.Fatalf("ApplyPayload: %v", err)
	}

	code := waitForCompletion(t, delegate)
	if code != errorcode.Success {
		t.Fatalf("completion code = %v, want Success", code)
	}
	if a.State() != StateIdle {
		t.Errorf("state = %v, want idle after completion", a.State())
	}
	if bc.ActiveBootSlot() != 1 {
		t.Errorf("ActiveBootSlot() = %d, want 1", bc.ActiveBootSlot())
	}
}

func TestApplyPayloadRejectsWhileBusy(t *testing.T) {
	plan := postinstall.InstallPlan{}
	a, _, _, _ := newTestAttempter(t, plan)

	a.mu.Lock()
	a.state = StateRunning
	a.mu.Unlock()

	err := a.ApplyPayload(context.Background(), Request{Source: fakeSource{}}, newRecordingDelegate())
	if err == nil {
		t.Fatal("expected ApplyPayload to reject a concurrent call")
	}
}

func TestApplyPayloadBadMagicFails(t *testing.T) {
	a, _, _, _ := newTestAttempter(t, postinstall.InstallPlan{})
	payload := append([]byte("XXXX"), make([]byte, 20)...)

	delegate := newRecordingDelegate()
	req := Request{Source: fakeSource{payload: payload}, RawSignatureB64: "AA=="}
	if err := a.ApplyPayload(context.Background(), req, delegate); err != nil {
		t.Fatalf("ApplyPayload: %v", err)
	}

	code := waitForCompletion(t, delegate)
	if code != errorcode.DownloadInvalidMetadataMagicString {
		t.Fatalf("completion code = %v, want DownloadInvalidMetadataMagicString", code)
	}
}

func TestApplyPayloadNotSwitchingLeavesUpdatedButNotActivePending(t *testing.T) {
	plan := postinstall.InstallPlan{DownloadURL: "https://example.invalid/payload.bin", TargetSlot: 1}
	a, _, _, _ := newTestAttempter(t, plan)
	payload := buildPayload(t, []byte("manifest"))

	delegate := newRecordingDelegate()
	req := Request{Source: fakeSource{payload: payload}, RawSignatureB64: "AA==", TargetSlot: 1}
	if err := a.ApplyPayload(context.Background(), req, delegate); err != nil {
		t.Fatalf("ApplyPayload: %v", err)
	}
	if code := waitForCompletion(t, delegate); code != errorcode.UpdatedButNotActive {
		t.Fatalf("completion code = %v, want UpdatedButNotActive", code)
	}

	if err := a.SetShouldSwitchSlotOnReboot(); err != nil {
		t.Fatalf("SetShouldSwitchSlotOnReboot: %v", err)
	}
}

func TestResetStatusRequiresIdle(t *testing.T) {
	a, _, _, _ := newTestAttempter(t, postinstall.InstallPlan{})
	a.mu.Lock()
	a.state = StateRunning
	a.mu.Unlock()

	if err := a.ResetStatus(); err == nil {
		t.Fatal("expected ResetStatus to fail while running")
	}
}

func TestVerifyPayloadApplicableDetectsAlreadyInstalled(t *testing.T) {
	a, _, _, _ := newTestAttempter(t, postinstall.InstallPlan{})
	v := semver.New("3500.0.0")
	a.mu.Lock()
	a.installedVersion = v
	a.mu.Unlock()

	if code := a.VerifyPayloadApplicable(v); code != errorcode.UpdateAlreadyInstalled {
		t.Errorf("VerifyPayloadApplicable = %v, want UpdateAlreadyInstalled", code)
	}
	if code := a.VerifyPayloadApplicable(semver.New("3501.0.0")); code != errorcode.Success {
		t.Errorf("VerifyPayloadApplicable = %v, want Success", code)
	}
}

func TestCleanupSuccessfulUpdateMarksBootSuccessful(t *testing.T) {
	a, _, _, bc := newTestAttempter(t, postinstall.InstallPlan{})

	type result struct {
		progress float64
		code     errorcode.Code
	}
	results := make(chan result, 2)
	cb := cleanupProgressFunc{
		progress: func(f float64) { results <- result{progress: f} },
		done:     func(c errorcode.Code) { results <- result{code: c} },
	}

	a.CleanupSuccessfulUpdate(semver.New("3500.0.0"), cb)

	var gotDone bool
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r.code == errorcode.Success {
				gotDone = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for cleanup callback")
		}
	}
	if !gotDone {
		t.Fatal("expected a Success completion")
	}
	if !bc.IsSlotMarkedSuccessful(bc.CurrentSlot()) {
		t.Error("expected current slot to be marked successful")
	}
}

type cleanupProgressFunc struct {
	progress func(float64)
	done     func(errorcode.Code)
}

func (c cleanupProgressFunc) Progress(f float64)           { c.progress(f) }
func (c cleanupProgressFunc) Completed(code errorcode.Code) { c.done(code) }

func TestAllocateSpaceForPayloadSufficient(t *testing.T) {
	a, dp, _, _ := newTestAttempter(t, postinstall.InstallPlan{})

	needed, err := a.AllocateSpaceForPayload(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("AllocateSpaceForPayload: %v", err)
	}
	if needed != 0 {
		t.Errorf("needed = %d, want 0", needed)
	}
	found := false
	for _, c := range dp.Calls {
		if c == "PreparePartitionsForUpdate" {
			found = true
		}
	}
	if !found {
		t.Error("expected PreparePartitionsForUpdate to be called")
	}
}

func TestAllocateSpaceForPayloadInsufficient(t *testing.T) {
	a, _, _, _ := newTestAttempter(t, postinstall.InstallPlan{})

	// A petabyte will not fit in any real or CI temp filesystem.
	const absurd = uint64(1) << 50
	needed, err := a.AllocateSpaceForPayload(context.Background(), absurd, 1)
	if err != nil {
		t.Fatalf("AllocateSpaceForPayload: %v", err)
	}
	if needed != absurd {
		t.Errorf("needed = %d, want %d", needed, absurd)
	}
}
