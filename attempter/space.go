// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package attempter

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sync/errgroup"

	"github.com/flatcar/updateapply/bootcontrol"
)

// AllocateSpaceForPayload synchronously prepares the target slot's
// partitions for a payload of requiredBytes. It returns 0 if there was
// enough space and preparation succeeded, or the number of bytes needed if
// space was insufficient. This call is allowed to block for minutes.
//
// A free-space probe against the mount directory's filesystem runs
// concurrently with the (potentially slow) dynamic-partition preparation
// call, and the answer waits for both: an obviously-too-small device does
// not return before preparation finishes. Insufficient free space is
// reported as requiredBytes even if preparation also failed; a
// preparation failure with enough free space is returned as an error.
func (a *Attempter) AllocateSpaceForPayload(ctx context.Context, requiredBytes uint64, targetSlot bootcontrol.Slot) (uint64, error) {
	g, gctx := errgroup.WithContext(ctx)

	var free uint64
	g.Go(func() error {
		usage, err := disk.UsageWithContext(gctx, a.fsMountDir)
		if err != nil {
			return fmt.Errorf("checking free space on %s: %w", a.fsMountDir, err)
		}
		free = usage.Free
		return nil
	})

	var prepareErr error
	g.Go(func() error {
		prepareErr = a.dynPartition.PreparePartitionsForUpdate(targetSlot, true)
		return nil
	})

	if err := g.Wait(); err != nil {
		return 0, err
	}

	if free < requiredBytes {
		plog.Errorf("insufficient space for payload: have %d, need %d", free, requiredBytes)
		return requiredBytes, nil
	}

	if prepareErr != nil {
		return 0, fmt.Errorf("preparing partitions for update: %w", prepareErr)
	}

	return 0, nil
}
