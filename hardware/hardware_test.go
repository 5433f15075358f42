// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package hardware

import "testing"

func TestFakeSchedulePowerwash(t *testing.T) {
	f := NewFake()
	if f.IsScheduled() {
		t.Fatal("should not start scheduled")
	}
	if !f.SchedulePowerwash() {
		t.Fatal("SchedulePowerwash should succeed")
	}
	if !f.IsScheduled() {
		t.Error("powerwash should now be scheduled")
	}
	f.CancelPowerwash()
	if f.IsScheduled() {
		t.Error("powerwash should be cancelled")
	}
}

func TestFakeSchedulePowerwashFailure(t *testing.T) {
	f := NewFake()
	f.PowerwashScheduleFails = true
	if f.SchedulePowerwash() {
		t.Fatal("SchedulePowerwash should fail")
	}
	if f.IsScheduled() {
		t.Error("powerwash should not be scheduled after a failed attempt")
	}
}

func TestFakeWarmResetAndVbmeta(t *testing.T) {
	f := NewFake()
	f.SetWarmReset(true)
	if !f.WarmReset {
		t.Error("warm reset flag not set")
	}
	f.SetVbmetaDigestForInactiveSlot(true)
	if !f.VbmetaDigestEnabled {
		t.Error("vbmeta digest flag not set")
	}
}

func TestFakeMountOptions(t *testing.T) {
	f := NewFake()
	f.MountOptions["system"] = "data=ordered"
	if got := f.GetPartitionMountOptions("system"); got != "data=ordered" {
		t.Errorf("GetPartitionMountOptions = %q", got)
	}
	if got := f.GetPartitionMountOptions("vendor"); got != "" {
		t.Errorf("GetPartitionMountOptions(unset) = %q, want empty", got)
	}
}
