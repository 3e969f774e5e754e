// Kernel image signature verification
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hvc

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/blake2b"
)

// compressedPubKeyLen is the length of a compressed secp256k1 public
// key (0x02/0x03 prefix + 32-byte X coordinate).
const compressedPubKeyLen = 33

// derSignatureMaxLen bounds a DER-encoded ECDSA signature over a
// secp256k1 curve order; callers trim trailing zero padding before
// parsing.
const derSignatureMaxLen = 72

// verifyImage computes the blake2b-256 digest of data and checks sig
// (DER-encoded, secp256k1) against it under pubKey (DOMAIN STACK:
// "upload_kernel_image verifies an secp256k1 signature ... over the
// uploaded bytes before they are copied into guest IPA"). ok is false
// if the signature, key or digest do not verify; digest is still
// returned so a rejected re-upload can still be compared for equality.
func verifyImage(data, sig, pubKeyBytes []byte) (digest [32]byte, ok bool) {
	digest = blake2b.Sum256(data)

	pubKey, err := btcec.ParsePubKey(trimTrailingZero(pubKeyBytes))
	if err != nil {
		return digest, false
	}

	signature, err := ecdsa.ParseDERSignature(trimTrailingZero(sig))
	if err != nil {
		return digest, false
	}

	return digest, signature.Verify(digest[:], pubKey)
}

// signerID renders a compressed secp256k1 public key as a short,
// human-readable identity for the audit log (hvlog.Warnf on a rejected
// upload): btcutil.Hash160 + a version-0 base58check encoding, the same
// derivation real wallets use to turn a public key into an address.
// There is no on-chain meaning here; it is only a stable, copy-pasteable
// stand-in for the raw 33-byte key.
func signerID(pubKeyBytes []byte) string {
	return base58.CheckEncode(btcutil.Hash160(trimTrailingZero(pubKeyBytes)), 0x00)
}

// trimTrailingZero strips the zero padding a fixed-width guest buffer
// carries past a variable-length DER signature or key encoding.
func trimTrailingZero(b []byte) []byte {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}

	return b[:n]
}
