// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package omahareport

import (
	"github.com/coreos/go-omaha/omaha"
)

// Fixture wraps omaha.TrivialServer for integration tests that need a real
// Omaha-protocol endpoint to point a Reporter at, the same wrapper mantle
// uses in platform/local/omaha.go to tolerate Destroy errors without
// burdening every caller with an extra error check.
type Fixture struct {
	*omaha.TrivialServer
}

// NewFixture starts a trivial Omaha server listening on addr (e.g.
// "127.0.0.1:0") and serving payload as the named package.
func NewFixture(addr, payload, name string) (*Fixture, error) {
	srv, err := omaha.NewTrivialServer(addr)
	if err != nil {
		return nil, err
	}
	f := &Fixture{TrivialServer: srv}
	if err := f.AddPackage(payload, name); err != nil {
		f.Destroy()
		return nil, err
	}
	return f, nil
}

// Destroy shuts the fixture down, logging any error instead of returning
// it: tests defer this and don't want to juggle a second error return.
func (f *Fixture) Destroy() {
	if err := f.TrivialServer.Destroy(); err != nil {
		plog.Errorf("destroying trivial omaha server: %v", err)
	}
}
