// Package aead implements per-channel media packet encryption:
// AES-256-GCM with a deterministic 12-byte nonce and an AAD
// that binds the ciphertext to its routing context. The sender is trusted by
// contract to never reuse a (session_id, sequence) pair under the same key;
// this package only assembles the nonce and AAD, it does not track usage.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"github.com/luki4fun/VoIPC/internal/wire"
)

// KeySize is the channel media key length in bytes (256 bits).
const KeySize = 32

// NonceSize is the AES-GCM nonce length this package always uses.
const NonceSize = 12

// ErrAuthFailure is returned by Open when the tag does not verify, or any
// plaintext byte would otherwise be exposed before authentication.
var ErrAuthFailure = errors.New("aead: authentication failure")

// Key is a channel media key paired with the generation it was issued at,
// bumped on every rotation.
type Key struct {
	Generation uint32
	Secret     [KeySize]byte
}

// Nonce builds the deterministic 12-byte nonce session_id‖sequence‖extra.
func Nonce(sessionID, sequence, extra uint32) [NonceSize]byte {
	var n [NonceSize]byte
	binary.BigEndian.PutUint32(n[0:4], sessionID)
	binary.BigEndian.PutUint32(n[4:8], sequence)
	binary.BigEndian.PutUint32(n[8:12], extra)
	return n
}

// AAD builds the additional authenticated data channel_id‖packet_type that
// binds ciphertext to its routing context.
func AAD(channelID uint32, packetType wire.PacketType) []byte {
	aad := make([]byte, 5)
	binary.BigEndian.PutUint32(aad[0:4], channelID)
	aad[4] = byte(packetType)
	return aad
}

func gcm(key [KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, NonceSize)
}

// Seal encrypts plaintext into a newly allocated slice and returns the
// ciphertext followed by the 16-byte authentication tag, using the given
// key/nonce/AAD.
func Seal(key [KeySize]byte, nonce [NonceSize]byte, aadBytes []byte, plaintext []byte) ([]byte, error) {
	g, err := gcm(key)
	if err != nil {
		return nil, err
	}
	return g.Seal(nil, nonce[:], plaintext, aadBytes), nil
}

// Open authenticates and decrypts ciphertext (tag included). Any bit error
// in ciphertext, tag, nonce, or AAD yields ErrAuthFailure — no partial
// plaintext is ever returned on failure.
func Open(key [KeySize]byte, nonce [NonceSize]byte, aadBytes []byte, ciphertext []byte) ([]byte, error) {
	g, err := gcm(key)
	if err != nil {
		return nil, err
	}
	pt, err := g.Open(nil, nonce[:], ciphertext, aadBytes)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return pt, nil
}

// SealMediaPacket encrypts a media packet's payload for the given header,
// deriving nonce and AAD from the header and frame/fragment context
// (extra is frame_id XOR fragment_index for video, 0 for voice).
func SealMediaPacket(key Key, channelID uint32, pt wire.PacketType, sessionID, sequence uint32, extra uint32, plaintext []byte) ([]byte, error) {
	return Seal(key.Secret, Nonce(sessionID, sequence, extra), AAD(channelID, pt), plaintext)
}

// OpenMediaPacket is the receive-side counterpart of SealMediaPacket.
func OpenMediaPacket(key Key, channelID uint32, pt wire.PacketType, sessionID, sequence uint32, extra uint32, ciphertext []byte) ([]byte, error) {
	return Open(key.Secret, Nonce(sessionID, sequence, extra), AAD(channelID, pt), ciphertext)
}

// NearRotationThreshold reports whether sequence has advanced close enough
// to 2^32 that a key rotation is now mandatory.
func NearRotationThreshold(sequence uint32, threshold uint32) bool {
	return sequence >= threshold
}
