package messages

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// RawPublicKey returns the 64-byte raw form of an ECDSA public key: the
// uncompressed secp256k1 point without its 0x04 prefix. This is the form
// Golem clients identify themselves with.
func RawPublicKey(key *ecdsa.PublicKey) []byte {
	return crypto.FromECDSAPub(key)[1:]
}

// ValidateRawPublicKey checks that a raw public key has the expected length
// and lies on the curve.
func ValidateRawPublicKey(raw []byte) error {
	if len(raw) != PublicKeyLength {
		return fmt.Errorf("public key must be %d bytes, got %d", PublicKeyLength, len(raw))
	}
	if _, err := crypto.UnmarshalPubkey(uncompressed(raw)); err != nil {
		return fmt.Errorf("public key is not a valid curve point: %w", err)
	}
	return nil
}

// VerifyDigest verifies a 65-byte recoverable signature over a 32-byte
// digest against a raw 64-byte public key.
func VerifyDigest(rawPublicKey, digest, signature []byte) bool {
	if len(rawPublicKey) != PublicKeyLength || len(signature) != SignatureLength {
		return false
	}
	// The recovery byte is dropped: VerifySignature takes the 64-byte form.
	return crypto.VerifySignature(uncompressed(rawPublicKey), digest, signature[:SignatureLength-1])
}

// SignDigest produces a 65-byte recoverable signature over a 32-byte digest.
func SignDigest(digest []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	return crypto.Sign(digest, key)
}

// PublicKeyToAddress derives the Ethereum address of a raw public key.
func PublicKeyToAddress(raw []byte) (common.Address, error) {
	var key, err = crypto.UnmarshalPubkey(uncompressed(raw))
	if err != nil {
		return common.Address{}, fmt.Errorf("unmarshaling public key: %w", err)
	}
	return crypto.PubkeyToAddress(*key), nil
}

func uncompressed(raw []byte) []byte {
	return append([]byte{4}, raw...)
}
