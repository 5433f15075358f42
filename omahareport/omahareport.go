// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package omahareport sends a best-effort Omaha event ping reporting the
// terminal outcome of an update attempt. Reporting failures are logged and
// otherwise ignored, matching OmahaWrapper.Destroy's log-and-ignore pattern:
// telemetry never changes the ErrorCode already decided by the rest of the
// pipeline.
package omahareport

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-omaha/omaha"
	"github.com/coreos/pkg/capnslog"

	"github.com/flatcar/updateapply/errorcode"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/updateapply", "omahareport")

// Omaha event type/result codes, from the protocol this package's wire
// format mirrors (see omaha.EventRequest).
const (
	eventTypeUpdateComplete = omaha.EventTypeUpdateComplete

	eventResultError         = omaha.EventResultError
	eventResultSuccessReboot = omaha.EventResultSuccessReboot
)

// Reporter posts terminal-outcome event pings to an Omaha-protocol update
// server. The zero value is not usable; construct with NewReporter.
type Reporter struct {
	Endpoint  string
	AppID     string
	MachineID string
	Client    *http.Client
}

// NewReporter returns a Reporter with a bounded-timeout HTTP client, so a
// slow or unreachable Omaha endpoint cannot hang an update completion.
func NewReporter(endpoint, appID, machineID string) *Reporter {
	return &Reporter{
		Endpoint:  endpoint,
		AppID:     appID,
		MachineID: machineID,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// ReportCompletion posts a single update-complete event for the given
// session and installed version. Any error is logged and swallowed.
func (r *Reporter) ReportCompletion(ctx context.Context, sessionID, version string, code errorcode.Code) {
	if r == nil || r.Endpoint == "" {
		return
	}

	result := eventResultSuccessReboot
	errCode := ""
	if !errorcode.IsSuccessful(code) {
		result = eventResultError
		errCode = fmt.Sprintf("%d", errorcode.FoldOmahaHTTPResponse(code))
	}

	req := &omaha.Request{
		Protocol: "3.0",
		Version:  "updateapplyctl",
		Apps: []*omaha.AppRequest{
			{
				ID:      r.AppID,
				Version: version,
				Events: []*omaha.EventRequest{
					{
						Type:      eventTypeUpdateComplete,
						Result:    result,
						ErrorCode: errCode,
					},
				},
			},
		},
	}

	body, err := xml.Marshal(req)
	if err != nil {
		plog.Errorf("marshaling omaha event request: %v", err)
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		plog.Errorf("building omaha event request: %v", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/xml")

	resp, err := r.Client.Do(httpReq)
	if err != nil {
		plog.Errorf("posting omaha event for session %s: %v", sessionID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		plog.Errorf("omaha server rejected event for session %s: status %s", sessionID, resp.Status)
		return
	}

	plog.Infof("reported update completion for session %s: result=%s", sessionID, result)
}
