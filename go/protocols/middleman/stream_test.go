package middleman

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReceiveFrameReadsSequentialFrames(t *testing.T) {
	var key, pub = testKey(t)

	var buf bytes.Buffer
	require.NoError(t, SendFrame(&buf, &ErrorFrame{ID: 1, Code: CodeUnknown, Message: "one"}, key))
	require.NoError(t, SendFrame(&buf, &ErrorFrame{ID: 2, Code: CodeUnknown, Message: "two"}, key))

	var r = bufio.NewReader(&buf)

	frame, err := ReceiveFrame(r, pub)
	require.NoError(t, err)
	require.Equal(t, uint64(1), frame.RequestID())

	frame, err = ReceiveFrame(r, pub)
	require.NoError(t, err)
	require.Equal(t, uint64(2), frame.RequestID())

	_, err = ReceiveFrame(r, pub)
	require.ErrorIs(t, err, io.EOF)
}

func TestReceiveFrameMidFrameCloseIsUnexpectedEOF(t *testing.T) {
	var key, pub = testKey(t)

	var buf bytes.Buffer
	require.NoError(t, SendFrame(&buf, &ErrorFrame{ID: 1, Code: CodeUnknown, Message: "partial"}, key))
	var truncated = buf.Bytes()[:buf.Len()-3]

	var _, err = ReceiveFrame(bufio.NewReader(bytes.NewReader(truncated)), pub)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReceiveFrameBadFrameLeavesStreamReadable(t *testing.T) {
	var key, pub = testKey(t)

	var buf bytes.Buffer
	// A frame with broken escaping, then a good frame.
	buf.Write([]byte{0x01, EscapeByte, 0x00, FrameSeparator})
	require.NoError(t, SendFrame(&buf, &ErrorFrame{ID: 7, Code: CodeUnknown, Message: "good"}, key))

	var r = bufio.NewReader(&buf)

	var _, err = ReceiveFrame(r, pub)
	require.ErrorIs(t, err, ErrBrokenEscaping)

	frame, err := ReceiveFrame(r, pub)
	require.NoError(t, err)
	require.Equal(t, uint64(7), frame.RequestID())
}
