// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package attempter is the update-attempter façade: the single coordinator
// a daemon service talks to. It owns the idle/running/suspended state
// machine, rejects overlapping apply_payload calls, and wires the metadata
// parser, the signature verifier and the postinstall runner into one
// sequential pipeline per attempt.
package attempter

import (
	"context"

	"github.com/coreos/go-semver/semver"

	"github.com/flatcar/updateapply/bootcontrol"
	"github.com/flatcar/updateapply/errorcode"
	"github.com/flatcar/updateapply/postinstall"
)

// PayloadSource abstracts the out-of-scope fetcher: given a byte range and
// transport headers (e.g. an Omaha-response-supplied out-of-band signature
// carried as a header), it returns the raw payload bytes covering that
// range. A local-file-backed implementation is provided in source.go for
// host-mode sideloading.
type PayloadSource interface {
	Fetch(ctx context.Context, offset, size int64, headers map[string]string) ([]byte, error)
}

// PlanBuilder turns manifest bytes into a postinstall.InstallPlan. The
// manifest's internal encoding is out of scope for this repository (see
// spec non-goals); a real daemon supplies its own manifest decoder here.
type PlanBuilder interface {
	BuildInstallPlan(manifest []byte, req Request) (postinstall.InstallPlan, error)
}

// Request is everything apply_payload needs from its caller.
type Request struct {
	Source  PayloadSource
	Offset  int64
	Size    int64
	Headers map[string]string

	// RawSignatureB64 is the transport-supplied out-of-band metadata
	// signature, if any; empty falls back to the signatures container
	// embedded in the payload.
	RawSignatureB64 string

	// DownloadURL is the payload's source URL, passed straight through
	// to the built InstallPlan. An empty value makes the postinstall
	// runner skip every partition's postinstall step (see
	// postinstall.InstallPlan).
	DownloadURL string

	TargetSlot         bootcontrol.Slot
	SwitchSlotOnReboot bool
	PowerwashRequired  bool
	RunPostInstall     bool
	TriggeredManually  bool

	// Version is the manifest's advertised version, used to classify
	// CleanupSuccessfulUpdate as an upgrade/downgrade/no-op. Nil means
	// the caller doesn't track versions (classification is skipped).
	Version *semver.Version
}

// Delegate receives progress and the terminal outcome of one apply_payload
// call.
type Delegate interface {
	postinstall.Delegate
	Completed(code errorcode.Code)
}
