// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package verifier checks the metadata signature over a payload's header
// and manifest region: either an out-of-band, transport-supplied signature
// or the signatures container embedded in the payload itself.
package verifier

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/coreos/pkg/capnslog"
	"golang.org/x/crypto/ssh"

	"github.com/flatcar/updateapply/errorcode"
	"github.com/flatcar/updateapply/metadata"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/updateapply", "verifier")

// SignatureVerifier abstracts the two shapes a metadata signature can take:
// a single raw PKCS#1v15 signature, or a signatures container that may hold
// several candidate signatures (one per supported algorithm/key).
type SignatureVerifier interface {
	VerifyRaw(sig, hash []byte) bool
	VerifySignaturesContainer(containerBytes, hash []byte) bool
}

// RSAVerifier implements SignatureVerifier against a single RSA public key,
// loaded from an OpenSSH authorized-keys line the same way mantle loads
// operator keys throughout platform/. A signatures container is treated as
// a sequence of length-prefixed raw signatures (see
// VerifySignaturesContainer), each tried in turn; a
// device management system with multiple trusted keys would normally supply
// one RSAVerifier per key and OR their results, but for this payload
// consumer a single trusted key is the common case.
type RSAVerifier struct {
	PublicKey *rsa.PublicKey
}

// NewRSAVerifierFromAuthorizedKey parses a single `ssh-rsa AAAA...` line
// (as produced by ssh-keygen) and returns a verifier backed by the
// contained RSA public key.
func NewRSAVerifierFromAuthorizedKey(line []byte) (*RSAVerifier, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey(line)
	if err != nil {
		return nil, fmt.Errorf("verifier: parsing trusted key: %w", err)
	}
	cryptoPub, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("verifier: trusted key type %q has no crypto.PublicKey", pub.Type())
	}
	rsaPub, ok := cryptoPub.CryptoPublicKey().(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("verifier: trusted key is not RSA")
	}
	return &RSAVerifier{PublicKey: rsaPub}, nil
}

func (v *RSAVerifier) VerifyRaw(sig, hash []byte) bool {
	return rsa.VerifyPKCS1v15(v.PublicKey, 0, hash, sig) == nil
}

// VerifySignaturesContainer walks a sequence of length-prefixed raw
// signatures (4-byte big-endian length, then that many signature bytes) and
// accepts if any one of them verifies. This mirrors the "try every
// signature in the Signatures protobuf" loop of the original verifier
// without depending on the manifest's protobuf schema, which is out of
// scope for this repository.
func (v *RSAVerifier) VerifySignaturesContainer(containerBytes, hash []byte) bool {
	for len(containerBytes) >= 4 {
		n := int(containerBytes[0])<<24 | int(containerBytes[1])<<16 | int(containerBytes[2])<<8 | int(containerBytes[3])
		containerBytes = containerBytes[4:]
		if n < 0 || n > len(containerBytes) {
			return false
		}
		sig := containerBytes[:n]
		containerBytes = containerBytes[n:]
		if v.VerifyRaw(sig, hash) {
			return true
		}
	}
	return false
}

// NewRSAVerifierFromPKIXPublicKey builds a verifier from a DER-encoded
// PKIX public key, for callers that manage trusted keys outside the
// authorized-keys format (primarily test fixtures).
func NewRSAVerifierFromPKIXPublicKey(der []byte) (*RSAVerifier, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("verifier: parsing PKIX public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("verifier: PKIX key is not RSA")
	}
	return &RSAVerifier{PublicKey: rsaPub}, nil
}

// Verify validates the metadata signature over payload's signed region.
// rawSignatureB64 is the transport-supplied (e.g. Omaha-response), base64
// encoded signature; pass "" to fall back to the signatures container
// embedded between h.MetadataSize and h.SignedRegionEnd.
func Verify(payload []byte, h *metadata.Header, rawSignatureB64 string, v SignatureVerifier) errorcode.Code {
	if uint64(len(payload)) < h.SignedRegionEnd {
		plog.Errorf("payload has %d bytes, need %d for the signed region", len(payload), h.SignedRegionEnd)
		return errorcode.DownloadMetadataSignatureError
	}

	var rawSignature []byte
	var container []byte
	if rawSignatureB64 != "" {
		sig, err := base64.StdEncoding.DecodeString(rawSignatureB64)
		if err != nil {
			plog.Errorf("unable to decode base64 metadata signature: %v", err)
			return errorcode.DownloadMetadataSignatureError
		}
		rawSignature = sig
	} else {
		container = payload[h.MetadataSize:h.SignedRegionEnd]
	}

	if len(rawSignature) == 0 && len(container) == 0 {
		plog.Error("missing mandatory metadata signature in both out-of-band response and payload")
		return errorcode.DownloadMetadataSignatureMissingError
	}

	digest := sha256.Sum256(payload[:h.MetadataSize])
	if len(digest) != sha256.Size {
		// Unreachable with the stdlib sha256 implementation, but checked
		// explicitly because the original verifier checks it: a hash of
		// the wrong size must never be compared against a signature.
		plog.Error("computed metadata hash has incorrect size")
		return errorcode.DownloadMetadataSignatureVerificationError
	}

	var ok bool
	if len(rawSignature) > 0 {
		ok = v.VerifyRaw(rawSignature, digest[:])
	} else {
		ok = v.VerifySignaturesContainer(container, digest[:])
	}
	if !ok {
		plog.Error("manifest hash signature verification failed")
		return errorcode.DownloadMetadataSignatureMismatch
	}

	plog.Info("metadata hash signature matches trusted value")
	return errorcode.Success
}
