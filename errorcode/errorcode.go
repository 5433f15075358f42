// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package errorcode defines the closed set of terminal result codes shared
// across the payload consumer pipeline: the metadata parser, the signature
// verifier, the postinstall runner and the update-attempter façade all
// report one of these codes to their caller.
package errorcode

// Code is a terminal result reported by one stage of the update pipeline.
type Code int

const (
	Success Code = iota
	Error

	// Metadata parsing and verification.
	DownloadInvalidMetadataMagicString
	UnsupportedMajorPayloadVersion
	DownloadInvalidMetadataSize
	DownloadMetadataSignatureError
	DownloadMetadataSignatureMissingError
	DownloadMetadataSignatureVerificationError
	DownloadMetadataSignatureMismatch
	DownloadManifestParseError

	// Postinstall.
	PostInstallMountError
	PostinstallRunnerError
	PostinstallBootedFromFirmwareB
	PostinstallFirmwareRONotUpdatable
	PostinstallPowerwashError

	// Terminal but not an error.
	UpdatedButNotActive

	// Attempter-level.
	UpdateAlreadyInstalled
	UpdateProcessing
	RollbackNotPossible

	// OmahaErrorInHTTPResponse is the code telemetry reports in place of
	// any raw code at or above OmahaRequestHTTPResponseBase; see
	// FoldOmahaHTTPResponse.
	OmahaErrorInHTTPResponse
)

// OmahaRequestHTTPResponseBase is added to an HTTP status code to encode
// an Omaha request's raw HTTP failure as a Code, e.g. a 403 response
// becomes OmahaRequestHTTPResponseBase+403. Telemetry only ever sees the
// folded OmahaErrorInHTTPResponse value; the underlying status is still
// useful for local logging before it is folded.
const OmahaRequestHTTPResponseBase Code = 1000

// FoldOmahaHTTPResponse replaces c with OmahaErrorInHTTPResponse if c
// encodes a raw Omaha HTTP response code, leaving every other code
// unchanged. Callers reporting to telemetry must fold before sending.
func FoldOmahaHTTPResponse(c Code) Code {
	if Base(c) >= OmahaRequestHTTPResponseBase {
		return OmahaErrorInHTTPResponse
	}
	return c
}

// baseMask isolates the low-order bits that carry the base enum value;
// external callers may OR flag bits into the high-order range (e.g. a
// retry-count or a severity hint) onto a reported code. Mask them off
// before comparing to a Code constant, per spec.
const baseMask = Code(0x3FFFFFFF)

// Base strips any flag bits a caller OR-ed onto a reported code.
func Base(c Code) Code {
	return c & baseMask
}

var names = map[Code]string{
	Success:                                     "kSuccess",
	Error:                                       "kError",
	DownloadInvalidMetadataMagicString:          "kDownloadInvalidMetadataMagicString",
	UnsupportedMajorPayloadVersion:               "kUnsupportedMajorPayloadVersion",
	DownloadInvalidMetadataSize:                 "kDownloadInvalidMetadataSize",
	DownloadMetadataSignatureError:              "kDownloadMetadataSignatureError",
	DownloadMetadataSignatureMissingError:       "kDownloadMetadataSignatureMissingError",
	DownloadMetadataSignatureVerificationError:  "kDownloadMetadataSignatureVerificationError",
	DownloadMetadataSignatureMismatch:           "kDownloadMetadataSignatureMismatch",
	DownloadManifestParseError:                  "kDownloadManifestParseError",
	PostInstallMountError:                       "kPostInstallMountError",
	PostinstallRunnerError:                      "kPostinstallRunnerError",
	PostinstallBootedFromFirmwareB:              "kPostinstallBootedFromFirmwareB",
	PostinstallFirmwareRONotUpdatable:           "kPostinstallFirmwareRONotUpdatable",
	PostinstallPowerwashError:                   "kPostinstallPowerwashError",
	UpdatedButNotActive:                         "kUpdatedButNotActive",
	UpdateAlreadyInstalled:                      "kUpdateAlreadyInstalled",
	UpdateProcessing:                            "kUpdateProcessing",
	RollbackNotPossible:                         "kRollbackNotPossible",
	OmahaErrorInHTTPResponse:                    "kOmahaErrorInHTTPResponse",
}

func (c Code) String() string {
	if s, ok := names[Base(c)]; ok {
		return s
	}
	return "kUnknownError"
}

// IsSuccessful reports whether c represents a terminal state that should be
// treated as a successful update attempt: plain success, or having applied
// the update without activating it.
func IsSuccessful(c Code) bool {
	b := Base(c)
	return b == Success || b == UpdatedButNotActive
}
