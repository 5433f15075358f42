// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"encoding/binary"
	"math"
	"testing"
)

func header(majorVersion uint64, manifestSize uint64, sigSize uint32) []byte {
	b := make([]byte, HeaderSize)
	copy(b[:4], Magic)
	binary.BigEndian.PutUint64(b[4:12], majorVersion)
	binary.BigEndian.PutUint64(b[12:20], manifestSize)
	binary.BigEndian.PutUint32(b[20:24], sigSize)
	return b
}

func TestInsufficientDataBelow20Bytes(t *testing.T) {
	for n := 0; n < sigSizeOffset; n++ {
		res, _, _ := ParseHeader(make([]byte, n))
		if res != InsufficientData {
			t.Errorf("len=%d: got %v, want InsufficientData", n, res)
		}
	}
}

func TestBadMagic(t *testing.T) {
	b := header(2, 0, 0)
	copy(b[:4], "XXXX")
	res, _, kind := ParseHeader(b)
	if res != Error || kind != InvalidMetadataMagicString {
		t.Fatalf("got (%v, %v), want (Error, InvalidMetadataMagicString)", res, kind)
	}
}

func TestInsufficientDataBetween20And24(t *testing.T) {
	b := header(2, 0, 0)
	res, _, _ := ParseHeader(b[:22])
	if res != InsufficientData {
		t.Fatalf("got %v, want InsufficientData", res)
	}
}

func TestUnsupportedVersion(t *testing.T) {
	for _, v := range []uint64{0, 1, MinSupportedMajorVersion - 1, MaxSupportedMajorVersion + 1, math.MaxUint64} {
		b := header(v, 0, 0)
		res, _, kind := ParseHeader(b)
		if res != Error || kind != UnsupportedMajorPayloadVersion {
			t.Errorf("version %d: got (%v, %v), want (Error, UnsupportedMajorPayloadVersion)", v, res, kind)
		}
	}
}

func TestManifestSizeOverflow(t *testing.T) {
	b := header(2, math.MaxUint64-10, 0)
	res, _, kind := ParseHeader(b)
	if res != Error || kind != InvalidMetadataSize {
		t.Fatalf("got (%v, %v), want (Error, InvalidMetadataSize)", res, kind)
	}
}

func TestSignatureSizeOverflow(t *testing.T) {
	// A uint32 signature size alone cannot overflow metadata_size (a
	// uint64), so push manifest_size close to the uint64 max instead: then
	// metadata_size + metadata_signature_size wraps.
	b := header(2, math.MaxUint64-HeaderSize, math.MaxUint32)
	res, _, kind := ParseHeader(b)
	if res != Error || kind != InvalidMetadataSize {
		t.Fatalf("got (%v, %v), want (Error, InvalidMetadataSize)", res, kind)
	}
}

func TestHappyPath(t *testing.T) {
	b := header(2, 100, 256)
	res, h, _ := ParseHeader(b)
	if res != Success {
		t.Fatalf("got %v, want Success", res)
	}
	if h.MajorVersion != 2 || h.ManifestSize != 100 || h.MetadataSignatureSize != 256 {
		t.Fatalf("unexpected header: %+v", h)
	}
	if h.MetadataSize != HeaderSize+100 {
		t.Errorf("MetadataSize = %d, want %d", h.MetadataSize, HeaderSize+100)
	}
	if h.SignedRegionEnd != HeaderSize+100+256 {
		t.Errorf("SignedRegionEnd = %d, want %d", h.SignedRegionEnd, HeaderSize+100+256)
	}
}

func TestGetManifestSlicesExactBytes(t *testing.T) {
	b := header(2, 4, 0)
	manifestBytes := []byte{1, 2, 3, 4}
	b = append(b, manifestBytes...)
	res, h, _ := ParseHeader(b)
	if res != Success {
		t.Fatalf("ParseHeader: %v", res)
	}
	got, err := GetManifest(b, h)
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if len(got) != 4 || got[0] != 1 || got[3] != 4 {
		t.Errorf("GetManifest = %v, want %v", got, manifestBytes)
	}
}

func TestGetManifestTooShort(t *testing.T) {
	b := header(2, 100, 0)
	_, h, _ := ParseHeader(b)
	if _, err := GetManifest(b, h); err == nil {
		t.Error("expected error for truncated payload")
	}
}

// Endian: parsing is independent of host byte order because we always
// decode with binary.BigEndian regardless of host architecture.
func TestEndianIndependence(t *testing.T) {
	b := header(2, 0x0102030405, 0x06070809)
	_, h, _ := ParseHeader(b)
	if h.ManifestSize != 0x0102030405 {
		t.Errorf("ManifestSize = %#x, want %#x", h.ManifestSize, 0x0102030405)
	}
	if h.MetadataSignatureSize != 0x06070809 {
		t.Errorf("MetadataSignatureSize = %#x, want %#x", h.MetadataSignatureSize, 0x06070809)
	}
}
