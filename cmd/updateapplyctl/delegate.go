// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/coreos/ioprogress"

	"github.com/flatcar/updateapply/errorcode"
)

// printDelegate renders postinstall progress as a terminal bar, drawn
// with the same ioprogress.DrawTextFormatBarForW helper that
// ioutil.CopyProgress uses, and signals ApplyPayload's completion over
// done.
type printDelegate struct {
	out  io.Writer
	bar  func(progress, total int64) string
	done chan errorcode.Code
}

const progressScale = 1000

func newPrintDelegate(out io.Writer) *printDelegate {
	return &printDelegate{
		out:  out,
		bar:  ioprogress.DrawTextFormatBarForW(40, out),
		done: make(chan errorcode.Code, 1),
	}
}

func (d *printDelegate) PostinstallProgress(fraction float64) {
	current := int64(fraction * progressScale)
	fmt.Fprintf(d.out, "\rpostinstall: %s", d.bar(current, progressScale))
}

func (d *printDelegate) Completed(code errorcode.Code) {
	fmt.Fprintln(d.out)
	d.done <- code
}
