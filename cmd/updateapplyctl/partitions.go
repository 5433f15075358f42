// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/flatcar/updateapply/attempter"
	"github.com/flatcar/updateapply/bootcontrol"
	"github.com/flatcar/updateapply/postinstall"
)

// parsePartitions decodes repeated --partition flags of the form
// "name=NAME[,device=PATH][,fs=TYPE][,postinstall=REL_PATH][,optional]" into
// the ordered partition list a manual host-mode apply acts on. Real device
// builds get this list from the manifest (out of scope here, see
// staticPlanBuilder); this flag syntax exists only for manual testing.
func parsePartitions(specs []string) ([]postinstall.Partition, error) {
	partitions := make([]postinstall.Partition, 0, len(specs))
	for _, spec := range specs {
		p := postinstall.Partition{RunPostinstall: true}
		for _, field := range strings.Split(spec, ",") {
			if field == "optional" {
				p.PostinstallOptional = true
				continue
			}
			key, value, ok := strings.Cut(field, "=")
			if !ok {
				return nil, fmt.Errorf("updateapplyctl: bad --partition field %q, want key=value", field)
			}
			switch key {
			case "name":
				p.Name = value
			case "device":
				p.ReadonlyTargetPath = value
			case "fs":
				p.FilesystemType = value
			case "postinstall":
				p.PostinstallPath = value
			default:
				return nil, fmt.Errorf("updateapplyctl: unknown --partition field %q", key)
			}
		}
		if p.Name == "" {
			return nil, fmt.Errorf("updateapplyctl: --partition %q needs at least name", spec)
		}
		partitions = append(partitions, p)
	}
	return partitions, nil
}

// staticPlanBuilder ignores the manifest entirely and returns the
// partition list assembled from command-line flags. Decoding the real
// manifest format is out of scope for this repository; a device build
// supplies its own attempter.PlanBuilder. When a --partition omits
// device=, bootControl.GetPartitionDevice resolves it for req.TargetSlot,
// the same translation a manifest-driven plan builder would perform.
type staticPlanBuilder struct {
	partitions  []postinstall.Partition
	bootControl bootcontrol.Interface
}

func (b staticPlanBuilder) BuildInstallPlan(manifest []byte, req attempter.Request) (postinstall.InstallPlan, error) {
	partitions := make([]postinstall.Partition, len(b.partitions))
	copy(partitions, b.partitions)
	for i, p := range partitions {
		if p.ReadonlyTargetPath != "" {
			continue
		}
		dev, ok := b.bootControl.GetPartitionDevice(p.Name, req.TargetSlot)
		if !ok {
			return postinstall.InstallPlan{}, fmt.Errorf("updateapplyctl: no device for partition %q on slot %d", p.Name, req.TargetSlot)
		}
		partitions[i].ReadonlyTargetPath = dev.ReadOnlyPath
	}
	return postinstall.InstallPlan{
		DownloadURL:        req.DownloadURL,
		Partitions:         partitions,
		TargetSlot:         req.TargetSlot,
		SwitchSlotOnReboot: req.SwitchSlotOnReboot,
		RunPostInstall:     req.RunPostInstall,
		PowerwashRequired:  req.PowerwashRequired,
		TriggeredManually:  req.TriggeredManually,
	}, nil
}
