package messages

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Wire layout of a signed message:
//
//	kind(2, big-endian) || timestamp(8, big-endian) || signature(65) || rlp(body)
//
// The signature covers Keccak-256(kind || timestamp || rlp(body)).
const (
	envelopeHeaderLength = 10
	// SignatureLength is the length of a secp256k1 recoverable signature.
	SignatureLength = 65
	// PublicKeyLength is the length of a raw public key: an uncompressed
	// secp256k1 point without the 0x04 prefix.
	PublicKeyLength = 64
)

// ErrMalformedMessage reports bytes that do not parse as a signed message.
var ErrMalformedMessage = errors.New("messages: malformed message")

// ErrBadSignature reports a signed message whose signature does not verify
// against the expected signer.
var ErrBadSignature = errors.New("messages: bad signature")

// Signed is a decoded message together with its envelope fields.
type Signed struct {
	Timestamp uint64
	Signature []byte
	Payload   Message
}

// Encode serializes and signs a message.
func Encode(msg Message, timestamp uint64, key *ecdsa.PrivateKey) ([]byte, error) {
	var body, err = rlp.EncodeToBytes(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message body: %w", err)
	}

	var header = make([]byte, envelopeHeaderLength)
	binary.BigEndian.PutUint16(header[0:2], uint16(msg.Kind()))
	binary.BigEndian.PutUint64(header[2:10], timestamp)

	sig, err := crypto.Sign(signingDigest(header, body), key)
	if err != nil {
		return nil, fmt.Errorf("signing message: %w", err)
	}

	var raw = make([]byte, 0, len(header)+SignatureLength+len(body))
	raw = append(raw, header...)
	raw = append(raw, sig...)
	raw = append(raw, body...)
	return raw, nil
}

// Decode parses a signed message without verifying its signature. Use
// Verify when the signer is known.
func Decode(raw []byte) (*Signed, error) {
	if len(raw) < envelopeHeaderLength+SignatureLength {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the envelope", ErrMalformedMessage, len(raw))
	}
	var (
		kind      = Kind(binary.BigEndian.Uint16(raw[0:2]))
		timestamp = binary.BigEndian.Uint64(raw[2:10])
		signature = raw[envelopeHeaderLength : envelopeHeaderLength+SignatureLength]
		body      = raw[envelopeHeaderLength+SignatureLength:]
	)
	var msg, ok = newBody(kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown message kind %d", ErrMalformedMessage, kind)
	}
	if err := rlp.DecodeBytes(body, msg); err != nil {
		return nil, fmt.Errorf("%w: decoding kind %d body: %v", ErrMalformedMessage, kind, err)
	}
	return &Signed{
		Timestamp: timestamp,
		Signature: append([]byte(nil), signature...),
		Payload:   msg,
	}, nil
}

// Verify checks the envelope signature against a raw 64-byte public key.
func (s *Signed) Verify(signerPublicKey []byte) error {
	var body, err = rlp.EncodeToBytes(s.Payload)
	if err != nil {
		return fmt.Errorf("re-encoding message body: %w", err)
	}
	var header = make([]byte, envelopeHeaderLength)
	binary.BigEndian.PutUint16(header[0:2], uint16(s.Payload.Kind()))
	binary.BigEndian.PutUint64(header[2:10], s.Timestamp)

	if !VerifyDigest(signerPublicKey, signingDigest(header, body), s.Signature) {
		return ErrBadSignature
	}
	return nil
}

func signingDigest(header, body []byte) []byte {
	return crypto.Keccak256(header, body)
}
