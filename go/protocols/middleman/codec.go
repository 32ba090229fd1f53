package middleman

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/golemfactory/concent/go/messages"
)

// Serialize encodes a frame for the wire:
//
//  1. payload := type(1) || requestID(8, big-endian) || body
//  2. append the 65-byte secp256k1 signature of Keccak-256(payload)
//  3. escape-code the result
//  4. append the frame separator
func Serialize(frame Frame, key *ecdsa.PrivateKey) ([]byte, error) {
	var body = frame.encodeBody()

	var payload = make([]byte, frameHeaderLength, frameHeaderLength+len(body))
	payload[0] = byte(frame.Type())
	binary.BigEndian.PutUint64(payload[1:frameHeaderLength], frame.RequestID())
	payload = append(payload, body...)

	var signature, err = crypto.Sign(crypto.Keccak256(payload), key)
	if err != nil {
		return nil, fmt.Errorf("signing frame: %w", err)
	}

	var encoded = escapeEncode(append(payload, signature...))
	return append(encoded, FrameSeparator), nil
}

// Deserialize decodes raw frame bytes (with the trailing separator already
// stripped), verifying escape coding, structure, and the signature against
// the expected peer public key, in that order.
func Deserialize(raw []byte, expectedPeerPublicKey []byte) (Frame, error) {
	var unescaped, err = escapeDecode(raw)
	if err != nil {
		return nil, err
	}
	if len(unescaped) < frameHeaderLength+SignatureLength {
		return nil, &InvalidFrameError{
			Reason: fmt.Sprintf("frame of %d bytes is shorter than header plus signature", len(unescaped)),
		}
	}

	var (
		payload   = unescaped[:len(unescaped)-SignatureLength]
		signature = unescaped[len(unescaped)-SignatureLength:]
	)
	if !messages.VerifyDigest(expectedPeerPublicKey, crypto.Keccak256(payload), signature) {
		return nil, ErrInvalidFrameSignature
	}

	var (
		payloadType = PayloadType(payload[0])
		requestID   = binary.BigEndian.Uint64(payload[1:frameHeaderLength])
		body        = payload[frameHeaderLength:]
	)
	frame, err := decodeFrame(payloadType, requestID, body)
	if err != nil {
		return nil, err
	}

	// A Golem message body must at least parse as a signed message envelope.
	// Its inner signature is the business layer's concern, not the frame's.
	if golem, ok := frame.(*GolemMessageFrame); ok {
		if _, err := messages.Decode(golem.Payload); err != nil {
			return nil, &InvalidPayloadError{Reason: fmt.Sprintf("Golem message body: %v", err)}
		}
	}
	return frame, nil
}

// escapeEncode replaces every occurrence of EscapeByte and FrameSeparator
// with its two-byte escape sequence.
func escapeEncode(raw []byte) []byte {
	var out = make([]byte, 0, len(raw)+len(raw)/8)
	for _, b := range raw {
		switch b {
		case EscapeByte:
			out = append(out, EscapeByte, escapedEscape)
		case FrameSeparator:
			out = append(out, EscapeByte, escapedSeparator)
		default:
			out = append(out, b)
		}
	}
	return out
}

// escapeDecode reverses escapeEncode. A dangling escape byte, an unknown
// escape sequence, or a bare separator all mean the escaping is broken.
func escapeDecode(raw []byte) ([]byte, error) {
	var out = make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case EscapeByte:
			if i+1 == len(raw) {
				return nil, fmt.Errorf("%w: dangling escape byte", ErrBrokenEscaping)
			}
			i++
			switch raw[i] {
			case escapedEscape:
				out = append(out, EscapeByte)
			case escapedSeparator:
				out = append(out, FrameSeparator)
			default:
				return nil, fmt.Errorf("%w: unknown escape sequence 0x%02x 0x%02x", ErrBrokenEscaping, EscapeByte, raw[i])
			}
		case FrameSeparator:
			return nil, fmt.Errorf("%w: unescaped separator inside frame", ErrBrokenEscaping)
		default:
			out = append(out, raw[i])
		}
	}
	return out, nil
}
