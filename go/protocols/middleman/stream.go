package middleman

import (
	"bufio"
	"crypto/ecdsa"
	"errors"
	"io"
)

// ReceiveFrame reads bytes up to and including the next frame separator and
// decodes them. A clean close at a frame boundary surfaces as io.EOF; a
// close mid-frame surfaces as io.ErrUnexpectedEOF. Decode failures surface
// as the protocol's typed errors, leaving the stream readable.
func ReceiveFrame(r *bufio.Reader, expectedPeerPublicKey []byte) (Frame, error) {
	var raw, err = r.ReadBytes(FrameSeparator)
	if err != nil {
		if errors.Is(err, io.EOF) && len(raw) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Deserialize(raw[:len(raw)-1], expectedPeerPublicKey)
}

// SendFrame encodes, signs, and writes one frame. The encoded frame is
// emitted with a single Write call; the caller must ensure no other writer
// interleaves on the same stream (each relay stream has exactly one writer
// goroutine).
func SendFrame(w io.Writer, frame Frame, key *ecdsa.PrivateKey) error {
	var encoded, err = Serialize(frame, key)
	if err != nil {
		return err
	}
	_, err = w.Write(encoded)
	return err
}
