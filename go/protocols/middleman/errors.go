package middleman

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable numeric code reported on the wire inside an
// ErrorFrame. Codes are part of the protocol and must never be renumbered.
type ErrorCode uint16

const (
	CodeInvalidFrame          ErrorCode = 1
	CodeInvalidFrameSignature ErrorCode = 2
	CodeInvalidPayload        ErrorCode = 3
	CodeBrokenEscaping        ErrorCode = 4
	CodeRequestIDInvalidType  ErrorCode = 5
	CodeUnknown               ErrorCode = 100
)

// InvalidFrameError reports a structural problem with a frame: too short,
// malformed header, or a signature field of the wrong shape.
type InvalidFrameError struct {
	Reason string
}

func (e *InvalidFrameError) Error() string {
	return fmt.Sprintf("middleman: invalid frame: %s", e.Reason)
}

// InvalidPayloadError reports an unknown payload type or a typed body that
// does not deserialize.
type InvalidPayloadError struct {
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("middleman: invalid payload: %s", e.Reason)
}

// ErrInvalidFrameSignature reports a frame whose signature does not verify
// against the expected peer public key.
var ErrInvalidFrameSignature = errors.New("middleman: invalid frame signature")

// ErrBrokenEscaping reports a frame whose escape coding is malformed: a
// dangling escape byte, an unknown escape sequence, or a bare separator.
var ErrBrokenEscaping = errors.New("middleman: broken escaping in frame")

// ErrRequestIDInvalidType reports a request id that is not representable on
// the wire. The Go frame types make this impossible to construct locally;
// the error and its code are retained for wire compatibility with peers
// that can produce it.
var ErrRequestIDInvalidType = errors.New("middleman: request id has invalid type")

// ErrorCodeFor maps an error to the code reported on the wire. Errors
// outside the protocol taxonomy map to CodeUnknown.
func ErrorCodeFor(err error) ErrorCode {
	var (
		invalidFrame   *InvalidFrameError
		invalidPayload *InvalidPayloadError
	)
	switch {
	case errors.As(err, &invalidFrame):
		return CodeInvalidFrame
	case errors.As(err, &invalidPayload):
		return CodeInvalidPayload
	case errors.Is(err, ErrInvalidFrameSignature):
		return CodeInvalidFrameSignature
	case errors.Is(err, ErrBrokenEscaping):
		return CodeBrokenEscaping
	case errors.Is(err, ErrRequestIDInvalidType):
		return CodeRequestIDInvalidType
	default:
		return CodeUnknown
	}
}

// IsIterationEndingError reports whether the error should end only the
// current receive iteration: the peer sent one bad frame, but the stream
// itself is still usable. Stream-level failures (EOF, closed connections)
// are not iteration-ending.
func IsIterationEndingError(err error) bool {
	var (
		invalidFrame   *InvalidFrameError
		invalidPayload *InvalidPayloadError
	)
	return errors.As(err, &invalidFrame) ||
		errors.As(err, &invalidPayload) ||
		errors.Is(err, ErrInvalidFrameSignature) ||
		errors.Is(err, ErrBrokenEscaping)
}
