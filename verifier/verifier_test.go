// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package verifier

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"testing"

	"github.com/flatcar/updateapply/errorcode"
	"github.com/flatcar/updateapply/metadata"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	return key
}

func buildPayload(t *testing.T, manifest []byte) (payload []byte, h *metadata.Header) {
	t.Helper()
	b := make([]byte, metadata.HeaderSize)
	copy(b, metadata.Magic)
	b[11] = 2 // major_version = 2 (big-endian u64, low byte)
	// manifest_size at bytes [12:20]
	n := len(manifest)
	b[19] = byte(n)
	payload = append(b, manifest...)
	res, parsed, _ := metadata.ParseHeader(payload)
	if res != metadata.Success {
		t.Fatalf("ParseHeader: %v", res)
	}
	return payload, parsed
}

func TestVerifyRawSignatureSuccess(t *testing.T) {
	key := testKey(t)
	payload, h := buildPayload(t, []byte("manifest-bytes"))
	digest := sha256.Sum256(payload[:h.MetadataSize])
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, 0, digest[:])
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal pubkey: %v", err)
	}
	v, err := NewRSAVerifierFromPKIXPublicKey(der)
	if err != nil {
		t.Fatalf("NewRSAVerifierFromPKIXPublicKey: %v", err)
	}

	code := Verify(payload, h, base64.StdEncoding.EncodeToString(sig), v)
	if code != errorcode.Success {
		t.Errorf("Verify() = %v, want Success", code)
	}
}

func TestVerifyRawSignatureMismatch(t *testing.T) {
	key := testKey(t)
	payload, h := buildPayload(t, []byte("manifest-bytes"))

	other := testKey(t)
	digest := sha256.Sum256(payload[:h.MetadataSize])
	sig, err := rsa.SignPKCS1v15(rand.Reader, other, 0, digest[:])
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	v, _ := NewRSAVerifierFromPKIXPublicKey(der)

	code := Verify(payload, h, base64.StdEncoding.EncodeToString(sig), v)
	if code != errorcode.DownloadMetadataSignatureMismatch {
		t.Errorf("Verify() = %v, want DownloadMetadataSignatureMismatch", code)
	}
}

func TestVerifyMissingBothSignatures(t *testing.T) {
	key := testKey(t)
	payload, h := buildPayload(t, []byte("manifest-bytes"))
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	v, _ := NewRSAVerifierFromPKIXPublicKey(der)

	code := Verify(payload, h, "", v)
	if code != errorcode.DownloadMetadataSignatureMissingError {
		t.Errorf("Verify() = %v, want DownloadMetadataSignatureMissingError", code)
	}
}

func TestVerifyTruncatedPayload(t *testing.T) {
	key := testKey(t)
	payload, h := buildPayload(t, []byte("manifest-bytes"))
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	v, _ := NewRSAVerifierFromPKIXPublicKey(der)

	truncated := payload[:h.MetadataSize-1]
	code := Verify(truncated, h, "", v)
	if code != errorcode.DownloadMetadataSignatureError {
		t.Errorf("Verify() = %v, want DownloadMetadataSignatureError", code)
	}
}

func TestVerifyBadBase64(t *testing.T) {
	key := testKey(t)
	payload, h := buildPayload(t, []byte("manifest-bytes"))
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	v, _ := NewRSAVerifierFromPKIXPublicKey(der)

	code := Verify(payload, h, "not-valid-base64!!", v)
	if code != errorcode.DownloadMetadataSignatureError {
		t.Errorf("Verify() = %v, want DownloadMetadataSignatureError", code)
	}
}

func TestVerifySignaturesContainerSuccess(t *testing.T) {
	key := testKey(t)
	payload, h := buildPayload(t, []byte("manifest-bytes"))
	digest := sha256.Sum256(payload[:h.MetadataSize])
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, 0, digest[:])
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	container := make([]byte, 0, 4+len(sig))
	n := len(sig)
	container = append(container, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	container = append(container, sig...)

	fullPayload := append(append([]byte{}, payload...), container...)
	res, parsedHeader, _ := metadata.ParseHeader(fullPayload)
	if res != metadata.Success {
		t.Fatalf("ParseHeader: %v", res)
	}
	// Re-derive a header whose MetadataSignatureSize matches the embedded
	// container; buildPayload's header has signature size 0, so patch it.
	parsedHeader.MetadataSignatureSize = uint32(len(container))
	parsedHeader.SignedRegionEnd = parsedHeader.MetadataSize + uint64(len(container))

	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	v, _ := NewRSAVerifierFromPKIXPublicKey(der)

	code := Verify(fullPayload, parsedHeader, "", v)
	if code != errorcode.Success {
		t.Errorf("Verify() = %v, want Success", code)
	}
}
