package wire

import (
	"encoding/binary"
	"io"

	"github.com/luki4fun/VoIPC/internal/limits"
)

// WriteFrame writes a uint32 big-endian length prefix followed by body to w.
// body must already be tag-prefixed (the output of Encode).
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > limits.MaxControlFrame {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame from r. The returned slice is
// tag-prefixed and ready for Decode. A length prefix over
// limits.MaxControlFrame is rejected before the body is read, so a
// malicious peer cannot force large allocations.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > limits.MaxControlFrame {
		return nil, ErrFrameTooLarge
	}
	if n == 0 {
		return nil, ErrMalformedFrame
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteMessage is a convenience that encodes and frames msg in one call.
func WriteMessage(w io.Writer, msg Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// ReadMessage is a convenience that reads one frame and decodes it.
func ReadMessage(r io.Reader) (Message, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}
