// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package attempter

import (
	"github.com/coreos/go-semver/semver"

	"github.com/flatcar/updateapply/errorcode"
)

// CleanupProgress receives progress and the completion code of a
// CleanupSuccessfulUpdate call.
type CleanupProgress interface {
	Progress(fraction float64)
	Completed(code errorcode.Code)
}

// CleanupSuccessfulUpdate marks the current slot's boot as successful and
// classifies the just-applied version against the previously installed one
// (upgrade, downgrade, or a no-op re-flash), then reports completion via
// callback. It is fire-and-forget: callers do not wait on it.
func (a *Attempter) CleanupSuccessfulUpdate(newVersion *semver.Version, callback CleanupProgress) {
	go func() {
		a.mu.Lock()
		previous := a.installedVersion
		a.installedVersion = newVersion
		a.mu.Unlock()

		logVersionTransition(previous, newVersion)

		if err := a.bootControl.MarkBootSuccessful(); err != nil {
			plog.Errorf("cleanup_successful_update: marking boot successful: %v", err)
			callback.Progress(1)
			callback.Completed(errorcode.Error)
			return
		}

		callback.Progress(1)
		callback.Completed(errorcode.Success)
	}()
}

func logVersionTransition(previous, next *semver.Version) {
	if previous == nil || next == nil {
		plog.Infof("cleanup_successful_update: no previous version on record, treating as initial install")
		return
	}
	switch next.Compare(*previous) {
	case 1:
		plog.Infof("cleanup_successful_update: upgraded %s -> %s", previous, next)
	case -1:
		plog.Infof("cleanup_successful_update: downgraded %s -> %s", previous, next)
	default:
		plog.Infof("cleanup_successful_update: reinstalled %s", next)
	}
}
