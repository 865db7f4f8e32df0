package aead

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/luki4fun/VoIPC/internal/wire"
)

func testKey(t *testing.T) [KeySize]byte {
	t.Helper()
	var k [KeySize]byte
	if _, err := rand.Read(k[:]); err != nil {
		t.Fatal(err)
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t)
	nonce := Nonce(1, 2, 0)
	ad := AAD(42, wire.PacketVoice)
	plaintext := []byte("opus frame payload")

	ct, err := Seal(key, nonce, ad, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	pt, err := Open(key, nonce, ad, ct)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestOpenFailsOnBitFlips(t *testing.T) {
	key := testKey(t)
	nonce := Nonce(1, 2, 0)
	ad := AAD(42, wire.PacketVoice)
	ct, err := Seal(key, nonce, ad, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	flipped := append([]byte(nil), ct...)
	flipped[0] ^= 0x01
	if _, err := Open(key, nonce, ad, flipped); err != ErrAuthFailure {
		t.Fatalf("flipped ciphertext: got %v want ErrAuthFailure", err)
	}

	tagFlipped := append([]byte(nil), ct...)
	tagFlipped[len(tagFlipped)-1] ^= 0x01
	if _, err := Open(key, nonce, ad, tagFlipped); err != ErrAuthFailure {
		t.Fatalf("flipped tag: got %v want ErrAuthFailure", err)
	}

	if _, err := Open(key, nonce, AAD(43, wire.PacketVoice), ct); err != ErrAuthFailure {
		t.Fatalf("wrong AAD channel: got %v want ErrAuthFailure", err)
	}
}

// TestAADBindsChannel: encrypting under one
// channel_id and decrypting under another must always fail.
func TestAADBindsChannel(t *testing.T) {
	key := testKey(t)
	nonce := Nonce(5, 9, 0)
	ct, err := Seal(key, nonce, AAD(1, wire.PacketVideoHEVC), []byte("frame"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(key, nonce, AAD(2, wire.PacketVideoHEVC), ct); err == nil {
		t.Fatal("expected AuthFailure for mismatched channel_id in AAD")
	}
}

func TestNonceDeterministicAndUniquePerInputs(t *testing.T) {
	a := Nonce(1, 1, 0)
	b := Nonce(1, 2, 0)
	if a == b {
		t.Fatal("nonces for different sequences must differ")
	}
	// Video fragments of the same frame use frame_id XOR fragment_index so
	// that sequence-per-fragment collisions still yield distinct nonces.
	extra0 := wire.MediaNonceExtra(wire.PacketVideoHEVC, 7, 0)
	extra1 := wire.MediaNonceExtra(wire.PacketVideoHEVC, 7, 1)
	if extra0 == extra1 {
		t.Fatal("fragment extras must differ within the same frame")
	}
	if wire.MediaNonceExtra(wire.PacketVoice, 7, 1) != 0 {
		t.Fatal("voice extra must always be zero")
	}
}

func TestNearRotationThreshold(t *testing.T) {
	const threshold = uint32(1<<32 - 1<<20)
	if NearRotationThreshold(threshold-1, threshold) {
		t.Fatal("sequence below threshold must not require rotation")
	}
	if !NearRotationThreshold(threshold, threshold) {
		t.Fatal("sequence at threshold must require rotation")
	}
}
