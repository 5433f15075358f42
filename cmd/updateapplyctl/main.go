// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Command updateapplyctl drives the A/B update-apply pipeline by hand, for
// host-mode testing outside of a full device daemon: point it at a signed
// payload file and a set of partitions and it verifies, applies, and runs
// postinstall exactly as the attempter façade would for a daemon caller.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flatcar/updateapply/attempter"
	"github.com/flatcar/updateapply/bootcontrol"
	"github.com/flatcar/updateapply/cli"
	"github.com/flatcar/updateapply/dynpartition"
	"github.com/flatcar/updateapply/hardware"
	"github.com/flatcar/updateapply/verifier"
)

var (
	payloadPath    string
	payloadOffset  int64
	payloadSize    int64
	downloadURL    string
	signatureB64   string
	publicKeyPath  string
	stateDir       string
	mountDir       string
	targetSlot     uint32
	switchSlot     bool
	powerwash      bool
	runPostinstall bool
	partitionFlags []string
)

func main() {
	root := &cobra.Command{
		Use:   "updateapplyctl",
		Short: "Manually verify and apply an A/B update payload.",
	}

	apply := &cobra.Command{
		Use:   "apply",
		Short: "Verify the payload's metadata signature and apply it to the target slot.",
		RunE:  runApply,
	}
	apply.Flags().StringVar(&payloadPath, "payload", "", "path to the update payload file (required)")
	apply.Flags().Int64Var(&payloadOffset, "offset", 0, "byte offset of the payload within the file")
	apply.Flags().Int64Var(&payloadSize, "size", 0, "byte length of the payload; 0 means to end of file")
	apply.Flags().StringVar(&downloadURL, "download-url", "", "payload source URL recorded on the install plan; defaults to --payload")
	apply.Flags().StringVar(&signatureB64, "signature", "", "base64 out-of-band metadata signature; empty uses the payload's embedded signatures container")
	apply.Flags().StringVar(&publicKeyPath, "public-key", "", "path to the trusted public key, authorized_keys format (required)")
	apply.Flags().StringVar(&stateDir, "state-dir", "/var/lib/updateapply", "directory for boot-control and hardware flag files")
	apply.Flags().StringVar(&mountDir, "mount-dir", "/postinstall", "directory to mount partitions under during postinstall")
	apply.Flags().Uint32Var(&targetSlot, "target-slot", 1, "slot to apply the update to")
	apply.Flags().BoolVar(&switchSlot, "switch-slot-on-reboot", true, "activate the target slot once every partition succeeds")
	apply.Flags().BoolVar(&powerwash, "powerwash", false, "schedule a powerwash alongside this update")
	apply.Flags().BoolVar(&runPostinstall, "run-postinstall", true, "run each partition's postinstall step")
	apply.Flags().StringArrayVar(&partitionFlags, "partition", nil,
		"name=NAME[,device=PATH][,fs=TYPE][,postinstall=REL_PATH][,optional]; "+
			"device defaults to the boot-control translation for --target-slot; repeat per partition, in apply order")
	root.AddCommand(apply)

	cli.Execute(root)
}

func runApply(cmd *cobra.Command, args []string) error {
	if payloadPath == "" {
		return fmt.Errorf("updateapplyctl: --payload is required")
	}
	if publicKeyPath == "" {
		return fmt.Errorf("updateapplyctl: --public-key is required")
	}

	partitions, err := parsePartitions(partitionFlags)
	if err != nil {
		return err
	}

	key, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return fmt.Errorf("updateapplyctl: reading public key: %w", err)
	}
	v, err := verifier.NewRSAVerifierFromAuthorizedKey(key)
	if err != nil {
		return fmt.Errorf("updateapplyctl: %w", err)
	}

	bc := bootcontrol.NewABControl(stateDir, 2, bootcontrol.Slot(0))
	hw := hardware.NewFlagFile(stateDir)
	dp := dynpartition.Stub{}

	a := attempter.New(bc, hw, dp, v, staticPlanBuilder{partitions: partitions, bootControl: bc}, nil, mountDir)

	url := downloadURL
	if url == "" {
		url = payloadPath
	}

	req := attempter.Request{
		Source:             attempter.FileSource{Path: payloadPath},
		Offset:             payloadOffset,
		Size:               payloadSize,
		DownloadURL:        url,
		RawSignatureB64:    signatureB64,
		TargetSlot:         bootcontrol.Slot(targetSlot),
		SwitchSlotOnReboot: switchSlot,
		PowerwashRequired:  powerwash,
		RunPostInstall:     runPostinstall,
	}

	delegate := newPrintDelegate(cmd.OutOrStdout())
	if err := a.ApplyPayload(context.Background(), req, delegate); err != nil {
		return fmt.Errorf("updateapplyctl: %w", err)
	}

	code := <-delegate.done
	fmt.Fprintf(cmd.OutOrStdout(), "update finished: %s\n", code)
	return nil
}
