// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package dynpartition

import "github.com/flatcar/updateapply/bootcontrol"

// Fake records every call made against it, for tests that assert on
// call ordering (e.g. postinstall must call FinishUpdate exactly once,
// after every partition succeeds, and never after a failure).
type Fake struct {
	Calls []string

	PrepareErr error
	MapErr     error
	UnmapErr   error
	FinishErr  error

	// FinishUpdatePowerwashRequired records the argument passed to the
	// most recent FinishUpdate call, for tests asserting the powerwash
	// flag is threaded through correctly.
	FinishUpdatePowerwashRequired bool
}

func (f *Fake) PreparePartitionsForUpdate(slot bootcontrol.Slot, update bool) error {
	f.Calls = append(f.Calls, "PreparePartitionsForUpdate")
	return f.PrepareErr
}

func (f *Fake) MapAllPartitions(slot bootcontrol.Slot) error {
	f.Calls = append(f.Calls, "MapAllPartitions")
	return f.MapErr
}

func (f *Fake) UnmapAllPartitions(slot bootcontrol.Slot) error {
	f.Calls = append(f.Calls, "UnmapAllPartitions")
	return f.UnmapErr
}

func (f *Fake) FinishUpdate(powerwashRequired bool) error {
	f.Calls = append(f.Calls, "FinishUpdate")
	f.FinishUpdatePowerwashRequired = powerwashRequired
	return f.FinishErr
}

var _ Interface = (*Fake)(nil)
