package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/luki4fun/VoIPC/internal/limits"
)

// encoder builds a control-message body with fixed-size integers and
// length-prefixed variable parts. No reflection; every field is written
// explicitly by the caller in the order the decoder expects.
type encoder struct {
	buf []byte
}

func newEncoder(tag msgTag) *encoder {
	e := &encoder{buf: make([]byte, 0, 64)}
	e.buf = append(e.buf, byte(tag))
	return e
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }
func (e *encoder) i64(v int64)  { e.u64(uint64(v)) }
func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

// str writes a length-prefixed (uint16 length) UTF-8 string.
func (e *encoder) str(s string) {
	e.u16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

// bytes32 writes a fixed 32-byte array as-is (no length prefix needed).
func (e *encoder) bytes32(b [32]byte) { e.buf = append(e.buf, b[:]...) }

// bytes64 writes a fixed 64-byte array as-is (used for Ed25519 signatures).
func (e *encoder) bytes64(b [64]byte) { e.buf = append(e.buf, b[:]...) }

// blob writes a length-prefixed (uint32 length) byte slice.
func (e *encoder) blob(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) bytes() []byte { return e.buf }

// decoder reads fields back off a message body in the same order the
// encoder wrote them, failing closed (ErrMalformedFrame) on any underflow.
type decoder struct {
	buf []byte
	off int
}

func newDecoder(body []byte) *decoder { return &decoder{buf: body} }

func (d *decoder) need(n int) error {
	if len(d.buf)-d.off < n {
		return ErrMalformedFrame
	}
	return nil
}

func (d *decoder) u8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[d.off]
	d.off++
	return v, nil
}

func (d *decoder) u16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

func (d *decoder) i64() (int64, error) {
	v, err := d.u64()
	return int64(v), err
}

func (d *decoder) boolean() (bool, error) {
	v, err := d.u8()
	return v != 0, err
}

func (d *decoder) str() (string, error) {
	n, err := d.u16()
	if err != nil {
		return "", err
	}
	if err := d.need(int(n)); err != nil {
		return "", err
	}
	s := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	return s, nil
}

func (d *decoder) bytes32() ([32]byte, error) {
	var out [32]byte
	if err := d.need(32); err != nil {
		return out, err
	}
	copy(out[:], d.buf[d.off:d.off+32])
	d.off += 32
	return out, nil
}

func (d *decoder) bytes64() ([64]byte, error) {
	var out [64]byte
	if err := d.need(64); err != nil {
		return out, err
	}
	copy(out[:], d.buf[d.off:d.off+64])
	d.off += 64
	return out, nil
}

func (d *decoder) blob() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if n > limits.MaxControlFrame {
		return nil, ErrMalformedFrame
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+int(n)])
	d.off += int(n)
	return out, nil
}

// done reports whether the whole body was consumed. Strict decoders call
// this so trailing garbage after a known tag is treated as malformed.
func (d *decoder) done() bool { return d.off == len(d.buf) }

func fieldErr(msg string) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, msg)
}
