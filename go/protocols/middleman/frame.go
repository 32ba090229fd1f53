// Package middleman implements the MiddleMan wire protocol: length-free,
// separator-delimited, escape-coded frames signed with secp256k1 ECDSA.
// The protocol carries traffic between Concent and its Signing Service.
package middleman

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// PayloadType is the first byte of a decoded frame payload.
type PayloadType byte

const (
	PayloadGolemMessage            PayloadType = 1
	PayloadError                   PayloadType = 2
	PayloadAuthenticationChallenge PayloadType = 3
	PayloadAuthenticationResponse  PayloadType = 4
)

// Reserved byte values of the escape coding. Within a frame every occurrence
// of EscapeByte and FrameSeparator is replaced by a two-byte escape sequence,
// so a bare FrameSeparator always terminates a frame.
const (
	EscapeByte       byte = 0x1b
	FrameSeparator   byte = 0x1e
	escapedEscape    byte = 0x1d
	escapedSeparator byte = 0x1f
)

const (
	// frameHeaderLength is the payload-type byte plus the 8-byte request id.
	frameHeaderLength = 9
	// SignatureLength is the length of the secp256k1 signature appended to
	// every frame payload.
	SignatureLength = 65
	// PublicKeyLength is the length of a raw peer public key (uncompressed
	// secp256k1 point without the 0x04 prefix).
	PublicKeyLength = 64
)

// RequestIDForInvalidFrameResponse is the request id carried by error frames
// sent in response to traffic that could not be decoded, and therefore has no
// request id of its own.
const RequestIDForInvalidFrameResponse uint64 = 0

// Frame is one typed protocol frame.
type Frame interface {
	Type() PayloadType
	RequestID() uint64

	// encodeBody returns the typed body following the frame header.
	encodeBody() []byte
}

// GolemMessageFrame carries a serialized Golem business message.
type GolemMessageFrame struct {
	ID      uint64
	Payload []byte
}

func (f *GolemMessageFrame) Type() PayloadType  { return PayloadGolemMessage }
func (f *GolemMessageFrame) RequestID() uint64  { return f.ID }
func (f *GolemMessageFrame) encodeBody() []byte { return f.Payload }

// ErrorFrame reports a protocol-level failure to the peer.
type ErrorFrame struct {
	ID      uint64
	Code    ErrorCode
	Message string
}

func (f *ErrorFrame) Type() PayloadType { return PayloadError }
func (f *ErrorFrame) RequestID() uint64 { return f.ID }

func (f *ErrorFrame) encodeBody() []byte {
	var body = make([]byte, 2+len(f.Message))
	binary.BigEndian.PutUint16(body[:2], uint16(f.Code))
	copy(body[2:], f.Message)
	return body
}

// AuthenticationChallengeFrame carries random bytes the peer must sign.
type AuthenticationChallengeFrame struct {
	ID        uint64
	Challenge []byte
}

func (f *AuthenticationChallengeFrame) Type() PayloadType  { return PayloadAuthenticationChallenge }
func (f *AuthenticationChallengeFrame) RequestID() uint64  { return f.ID }
func (f *AuthenticationChallengeFrame) encodeBody() []byte { return f.Challenge }

// AuthenticationResponseFrame carries the peer's signature of a previously
// issued challenge.
type AuthenticationResponseFrame struct {
	ID        uint64
	Signature []byte
}

func (f *AuthenticationResponseFrame) Type() PayloadType  { return PayloadAuthenticationResponse }
func (f *AuthenticationResponseFrame) RequestID() uint64  { return f.ID }
func (f *AuthenticationResponseFrame) encodeBody() []byte { return f.Signature }

// decodeFrame builds a typed Frame from a verified payload.
func decodeFrame(payloadType PayloadType, requestID uint64, body []byte) (Frame, error) {
	switch payloadType {
	case PayloadGolemMessage:
		if len(body) == 0 {
			return nil, &InvalidPayloadError{Reason: "empty Golem message body"}
		}
		return &GolemMessageFrame{ID: requestID, Payload: body}, nil

	case PayloadError:
		if len(body) < 2 {
			return nil, &InvalidPayloadError{Reason: "error body too short"}
		}
		if !utf8.Valid(body[2:]) {
			return nil, &InvalidPayloadError{Reason: "error message is not valid UTF-8"}
		}
		return &ErrorFrame{
			ID:      requestID,
			Code:    ErrorCode(binary.BigEndian.Uint16(body[:2])),
			Message: string(body[2:]),
		}, nil

	case PayloadAuthenticationChallenge:
		if len(body) == 0 {
			return nil, &InvalidPayloadError{Reason: "empty authentication challenge"}
		}
		return &AuthenticationChallengeFrame{ID: requestID, Challenge: body}, nil

	case PayloadAuthenticationResponse:
		if len(body) != SignatureLength {
			return nil, &InvalidPayloadError{
				Reason: fmt.Sprintf("authentication response must be %d bytes, got %d", SignatureLength, len(body)),
			}
		}
		return &AuthenticationResponseFrame{ID: requestID, Signature: body}, nil

	default:
		return nil, &InvalidPayloadError{Reason: fmt.Sprintf("unknown payload type %d", payloadType)}
	}
}
