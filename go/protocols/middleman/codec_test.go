package middleman

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/concent/go/messages"
)

func testKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	var key, err = crypto.GenerateKey()
	require.NoError(t, err)
	return key, messages.RawPublicKey(&key.PublicKey)
}

func golemPayload(t *testing.T, key *ecdsa.PrivateKey) []byte {
	var raw, err = messages.Encode(&messages.Ping{}, 1537000000, key)
	require.NoError(t, err)
	return raw
}

func TestFrameRoundTrip(t *testing.T) {
	var key, pub = testKey(t)

	var frames = []Frame{
		&GolemMessageFrame{ID: 777, Payload: golemPayload(t, key)},
		&ErrorFrame{ID: 13, Code: CodeInvalidFrame, Message: "bad frame"},
		&AuthenticationChallengeFrame{ID: 0, Challenge: []byte{EscapeByte, FrameSeparator, 0x00, 0xff}},
		&AuthenticationResponseFrame{ID: 42, Signature: make([]byte, SignatureLength)},
	}
	for _, frame := range frames {
		t.Run(fmt.Sprintf("type-%d", frame.Type()), func(t *testing.T) {
			var encoded, err = Serialize(frame, key)
			require.NoError(t, err)
			require.Equal(t, FrameSeparator, encoded[len(encoded)-1])

			// No unescaped separator may appear before the terminator.
			for _, b := range encoded[:len(encoded)-1] {
				require.NotEqual(t, FrameSeparator, b)
			}

			decoded, err := Deserialize(encoded[:len(encoded)-1], pub)
			require.NoError(t, err)
			require.Equal(t, frame, decoded)
		})
	}
}

func TestDeserializeRejectsWrongPeerKey(t *testing.T) {
	var key, _ = testKey(t)
	var _, otherPub = testKey(t)

	var encoded, err = Serialize(&ErrorFrame{ID: 1, Code: CodeUnknown, Message: "x"}, key)
	require.NoError(t, err)

	_, err = Deserialize(encoded[:len(encoded)-1], otherPub)
	require.ErrorIs(t, err, ErrInvalidFrameSignature)
}

func TestDeserializeRejectsTamperedPayload(t *testing.T) {
	var key, pub = testKey(t)

	var encoded, err = Serialize(&AuthenticationChallengeFrame{ID: 9, Challenge: []byte("nonce")}, key)
	require.NoError(t, err)

	// Flip a bit in the body region (past the 9-byte header, clear of any
	// escape bytes in this fixture).
	encoded[12] ^= 0x01
	_, err = Deserialize(encoded[:len(encoded)-1], pub)
	require.ErrorIs(t, err, ErrInvalidFrameSignature)
}

func TestDeserializeRejectsShortFrame(t *testing.T) {
	var _, pub = testKey(t)

	var _, err = Deserialize([]byte{1, 2, 3}, pub)
	var invalidFrame *InvalidFrameError
	require.ErrorAs(t, err, &invalidFrame)
}

func TestDeserializeRejectsUnknownPayloadType(t *testing.T) {
	var key, pub = testKey(t)

	// Hand-build a correctly signed frame with an unknown type byte.
	var payload = make([]byte, frameHeaderLength)
	payload[0] = 0x7f
	binary.BigEndian.PutUint64(payload[1:], 5)
	var signature, err = crypto.Sign(crypto.Keccak256(payload), key)
	require.NoError(t, err)

	_, err = Deserialize(escapeEncode(append(payload, signature...)), pub)
	var invalidPayload *InvalidPayloadError
	require.ErrorAs(t, err, &invalidPayload)
}

func TestDeserializeRejectsMalformedGolemMessageBody(t *testing.T) {
	var key, pub = testKey(t)

	var payload = make([]byte, frameHeaderLength)
	payload[0] = byte(PayloadGolemMessage)
	binary.BigEndian.PutUint64(payload[1:], 6)
	payload = append(payload, []byte("not a golem message")...)
	var signature, err = crypto.Sign(crypto.Keccak256(payload), key)
	require.NoError(t, err)

	_, err = Deserialize(escapeEncode(append(payload, signature...)), pub)
	var invalidPayload *InvalidPayloadError
	require.ErrorAs(t, err, &invalidPayload)
}

func TestBrokenEscaping(t *testing.T) {
	var _, pub = testKey(t)

	var cases = map[string][]byte{
		"dangling escape":       {0x01, EscapeByte},
		"unknown sequence":      {EscapeByte, 0x00},
		"bare separator inside": {0x01, FrameSeparator, 0x02},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var _, err = Deserialize(raw, pub)
			require.ErrorIs(t, err, ErrBrokenEscaping)
		})
	}
}

func TestEscapeCodingRoundTrip(t *testing.T) {
	var raw = []byte{0x00, EscapeByte, FrameSeparator, EscapeByte, EscapeByte, 0xff, FrameSeparator}

	var encoded = escapeEncode(raw)
	for _, b := range encoded {
		require.NotEqual(t, FrameSeparator, b)
	}
	var decoded, err = escapeDecode(encoded)
	require.NoError(t, err)
	require.Equal(t, raw, decoded)
}

func TestErrorCodeMapping(t *testing.T) {
	var cases = []struct {
		err  error
		code ErrorCode
	}{
		{&InvalidFrameError{Reason: "short"}, CodeInvalidFrame},
		{ErrInvalidFrameSignature, CodeInvalidFrameSignature},
		{&InvalidPayloadError{Reason: "type"}, CodeInvalidPayload},
		{ErrBrokenEscaping, CodeBrokenEscaping},
		{ErrRequestIDInvalidType, CodeRequestIDInvalidType},
		{errors.New("anything else"), CodeUnknown},
	}
	for _, tc := range cases {
		require.Equal(t, tc.code, ErrorCodeFor(tc.err))
	}
}
