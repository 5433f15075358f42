// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package metadata parses the fixed header that begins every update
// payload: a magic string, a major version, and the lengths of the
// manifest and metadata-signature regions that follow it. All multi-byte
// integers on the wire are big-endian, independent of host endianness, and
// every length computation is checked for overflow.
package metadata

import (
	"encoding/binary"
	"fmt"

	"github.com/coreos/pkg/capnslog"

	"github.com/flatcar/updateapply/errorcode"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/updateapply", "metadata")

// Magic is the first four bytes of any update payload.
const Magic = "CrAU"

const (
	magicSize       = 4
	versionOffset   = magicSize
	versionSize     = 8
	manifestSizeOffset = versionOffset + versionSize
	manifestSizeSize   = 8
	sigSizeOffset      = manifestSizeOffset + manifestSizeSize
	sigSizeSize        = 4

	// HeaderSize is the fixed size of the header preceding the manifest.
	HeaderSize = sigSizeOffset + sigSizeSize

	// MinSupportedMajorVersion and MaxSupportedMajorVersion bound the
	// payload major versions this parser accepts.
	MinSupportedMajorVersion = 2
	MaxSupportedMajorVersion = 2
)

// ParseResult is the outcome of parsing a (possibly truncated) header.
type ParseResult int

const (
	// InsufficientData means more bytes are needed before parsing can
	// proceed; it is not a format error.
	InsufficientData ParseResult = iota
	Success
	Error
)

// Header is a successfully parsed payload header plus the derived offsets
// needed to slice the manifest and metadata-signature regions out of the
// full payload byte stream.
type Header struct {
	MajorVersion          uint64
	ManifestSize          uint64
	MetadataSignatureSize uint32

	// MetadataSize is HeaderSize + ManifestSize: the offset at which the
	// metadata signature region begins.
	MetadataSize uint64
	// SignedRegionEnd is MetadataSize + MetadataSignatureSize: the offset
	// at which the payload body begins.
	SignedRegionEnd uint64
}

// ParseHeader parses the fixed header at the start of b. It never reads
// more than HeaderSize bytes. ErrorKind is only meaningful when the result
// is Error.
func ParseHeader(b []byte) (ParseResult, *Header, ErrorKind) {
	// Offset of the metadata_signature_size field; need at least this
	// much to decide insufficient-vs-error for the version/manifest-size
	// fields below it.
	if len(b) < sigSizeOffset {
		return InsufficientData, nil, 0
	}

	if string(b[:magicSize]) != Magic {
		plog.Errorf("bad payload format -- invalid delta magic: %x expected: %x",
			b[:magicSize], []byte(Magic))
		return Error, nil, InvalidMetadataMagicString
	}

	if len(b) < HeaderSize {
		return InsufficientData, nil, 0
	}

	h := &Header{
		MajorVersion: binary.BigEndian.Uint64(b[versionOffset : versionOffset+versionSize]),
		ManifestSize: binary.BigEndian.Uint64(b[manifestSizeOffset : manifestSizeOffset+manifestSizeSize]),
	}

	if h.MajorVersion < MinSupportedMajorVersion || h.MajorVersion > MaxSupportedMajorVersion {
		plog.Errorf("bad payload format -- unsupported payload version: %d", h.MajorVersion)
		return Error, nil, UnsupportedMajorPayloadVersion
	}

	metadataSize := HeaderSize + h.ManifestSize
	if metadataSize < h.ManifestSize {
		plog.Error("overflow detected on manifest size")
		return Error, nil, InvalidMetadataSize
	}
	h.MetadataSize = metadataSize

	h.MetadataSignatureSize = binary.BigEndian.Uint32(b[sigSizeOffset : sigSizeOffset+sigSizeSize])

	signedRegionEnd := h.MetadataSize + uint64(h.MetadataSignatureSize)
	if signedRegionEnd < h.MetadataSize {
		plog.Error("overflow detected on metadata and signature size")
		return Error, nil, InvalidMetadataSize
	}
	h.SignedRegionEnd = signedRegionEnd

	return Success, h, 0
}

// GetManifest returns the raw manifest bytes. h must come from a Success
// ParseHeader result against the same underlying payload, and payload must
// contain at least h.MetadataSize bytes.
func GetManifest(payload []byte, h *Header) ([]byte, error) {
	if uint64(len(payload)) < h.MetadataSize {
		return nil, fmt.Errorf("metadata: payload too short for manifest: have %d, need %d",
			len(payload), h.MetadataSize)
	}
	return payload[HeaderSize:h.MetadataSize], nil
}

// ErrorKind enumerates the ways ParseHeader can reject a header. It maps
// 1:1 onto a subset of errorcode.Code; ParseHeader reports this local kind
// and callers translate it with ToErrorCode.
type ErrorKind int

const (
	InvalidMetadataMagicString ErrorKind = iota + 1
	UnsupportedMajorPayloadVersion
	InvalidMetadataSize
)

// ToErrorCode translates a parse-time ErrorKind into the shared ErrorCode
// enumeration used by the rest of the pipeline.
func (k ErrorKind) ToErrorCode() errorcode.Code {
	switch k {
	case InvalidMetadataMagicString:
		return errorcode.DownloadInvalidMetadataMagicString
	case UnsupportedMajorPayloadVersion:
		return errorcode.UnsupportedMajorPayloadVersion
	case InvalidMetadataSize:
		return errorcode.DownloadInvalidMetadataSize
	default:
		return errorcode.Error
	}
}
