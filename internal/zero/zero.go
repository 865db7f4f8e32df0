// Package zero provides tiny guards that overwrite key, password, and
// plaintext buffers with zero bytes when their scope ends. The vault package
// wraps its password-derived key in a Bytes and wipes decrypted plaintext
// with Buf via defer, so both run on every exit path, including error paths.
// The other crypto packages do not use these guards.
package zero

// Bytes wraps a secret byte slice. Wipe must be called (typically via
// defer) on every exit path once the secret is no longer needed.
type Bytes struct {
	b []byte
}

// New wraps b. The caller transfers ownership: b must not be used directly
// after wrapping except through the returned Bytes.
func New(b []byte) *Bytes { return &Bytes{b: b} }

// Bytes returns the live backing slice. Do not retain it past Wipe.
func (z *Bytes) Bytes() []byte {
	if z == nil {
		return nil
	}
	return z.b
}

// Wipe overwrites every byte with zero. Safe to call multiple times and on
// a nil receiver.
func (z *Bytes) Wipe() {
	if z == nil {
		return
	}
	for i := range z.b {
		z.b[i] = 0
	}
}

// Buf overwrites an arbitrary buffer in place. Used for one-off scratch
// buffers (e.g. a derived key copied out of an HKDF reader) that don't
// warrant wrapping in a Bytes.
func Buf(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
