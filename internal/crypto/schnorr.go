// Package crypto wraps the Schnorr signature verification and SHA-256
// hashing primitives the validator consumes as pure functions (§1: these
// are treated as an external collaborator, not reimplemented). Grounded on
// the teacher relay's crypto/p256k wrapper around btcec, generalized here
// to call btcsuite's schnorr package directly since the teacher's own
// vendored fork is not present in the retrieval pack.
package crypto

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/minio/sha256-simd"
)

// Sha256 returns the SHA-256 digest of b.
func Sha256(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// VerifySchnorr verifies a BIP-340 Schnorr signature sig over message msg
// (the event id) made by the 32-byte x-only public key pubkey.
func VerifySchnorr(pubkey, msg, sig []byte) (bool, error) {
	if len(pubkey) != 32 {
		return false, fmt.Errorf("pubkey must be 32 bytes, got %d", len(pubkey))
	}
	if len(sig) != schnorr.SignatureSize {
		return false, fmt.Errorf("signature must be %d bytes, got %d", schnorr.SignatureSize, len(sig))
	}
	pk, err := schnorr.ParsePubKey(pubkey)
	if err != nil {
		return false, fmt.Errorf("parse pubkey: %w", err)
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false, fmt.Errorf("parse signature: %w", err)
	}
	return parsed.Verify(msg, pk), nil
}
