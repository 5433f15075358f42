// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package omahareport

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coreos/go-omaha/omaha"

	"github.com/flatcar/updateapply/errorcode"
)

func TestReportCompletionSuccess(t *testing.T) {
	var received omaha.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := xml.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding posted request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewReporter(srv.URL, "updateapply", "test-machine")
	r.ReportCompletion(context.Background(), "session-1", "3500.0.0", errorcode.Success)

	if len(received.Apps) != 1 {
		t.Fatalf("posted request has %d apps, want 1", len(received.Apps))
	}
	if received.Apps[0].ID != "updateapply" {
		t.Errorf("app id = %q, want updateapply", received.Apps[0].ID)
	}
	if len(received.Apps[0].Events) != 1 {
		t.Fatalf("posted request has %d events, want 1", len(received.Apps[0].Events))
	}
	if received.Apps[0].Events[0].Result != eventResultSuccessReboot {
		t.Errorf("event result = %q, want %q", received.Apps[0].Events[0].Result, eventResultSuccessReboot)
	}
}

func TestReportCompletionFailureSetsErrorResult(t *testing.T) {
	var received omaha.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = xml.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewReporter(srv.URL, "updateapply", "test-machine")
	r.ReportCompletion(context.Background(), "session-2", "3500.0.0", errorcode.PostinstallRunnerError)

	if received.Apps[0].Events[0].Result != eventResultError {
		t.Errorf("event result = %q, want %q", received.Apps[0].Events[0].Result, eventResultError)
	}
	if received.Apps[0].Events[0].ErrorCode == "" {
		t.Error("expected a non-empty errorcode attribute on failure")
	}
}

func TestReportCompletionServerErrorIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewReporter(srv.URL, "updateapply", "test-machine")
	// Must not panic or block; there is nothing else to assert since the
	// whole point of this path is "log and ignore".
	r.ReportCompletion(context.Background(), "session-3", "3500.0.0", errorcode.Success)
}

func TestReportCompletionUnreachableEndpointIsSwallowed(t *testing.T) {
	r := NewReporter("http://127.0.0.1:1", "updateapply", "test-machine")
	r.ReportCompletion(context.Background(), "session-4", "3500.0.0", errorcode.Success)
}

func TestReportCompletionNoEndpointIsNoop(t *testing.T) {
	r := NewReporter("", "updateapply", "test-machine")
	r.ReportCompletion(context.Background(), "session-5", "3500.0.0", errorcode.Success)
}
