// Package vault implements password-derived at-rest encryption for the
// local chat archive (magic "VOIP") and session-state (magic "VSIG")
// files. Key derivation is PBKDF2-HMAC-SHA256 at
// limits.PBKDF2Iterations; writes are atomic (temp file + fsync + rename);
// reads authenticate before any plaintext is exposed.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"github.com/luki4fun/VoIPC/internal/limits"
	"github.com/luki4fun/VoIPC/internal/zero"
)

const (
	saltSize  = 32
	nonceSize = 12
	version   = 1
)

// ErrWrongPassword is returned on authentication failure. There is no side
// channel on byte position: the same error is returned whether the file is
// truncated, corrupted, or simply opened with the wrong password.
var ErrWrongPassword = errors.New("vault: wrong password")

// MagicChatArchive and MagicSessionState are the two file-format magics.
var (
	MagicChatArchive  = [4]byte{'V', 'O', 'I', 'P'}
	MagicSessionState = [4]byte{'V', 'S', 'I', 'G'}
)

// deriveKey stretches pw with a per-file random salt into a 32-byte AES key.
// The returned zero.Bytes must be wiped by the caller.
func deriveKey(pw string, salt [saltSize]byte) *zero.Bytes {
	k := pbkdf2.Key([]byte(pw), salt[:], limits.PBKDF2Iterations, 32, sha256.New)
	return zero.New(k)
}

// Seal encrypts plaintext under a key derived from pw and writes
// magic‖version‖salt‖nonce‖ciphertext+tag to path atomically: the data is
// first written to a temp file in the same directory, fsynced, then
// renamed over the target so a crash never leaves a half-written file.
func Seal(path string, magic [4]byte, pw string, plaintext []byte) error {
	var salt [saltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("vault: salt: %w", err)
	}
	key := deriveKey(pw, salt)
	defer key.Wipe()

	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return err
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("vault: nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce[:], plaintext, nil)

	out := make([]byte, 0, 4+1+saltSize+nonceSize+len(ciphertext))
	out = append(out, magic[:]...)
	out = append(out, byte(version))
	out = append(out, salt[:]...)
	out = append(out, nonce[:]...)
	out = append(out, ciphertext...)

	return atomicWrite(path, out)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".vault-*")
	if err != nil {
		return fmt.Errorf("vault: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vault: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("vault: rename: %w", err)
	}
	return nil
}

// Open reads and authenticates the file at path with pw, returning the
// plaintext only once the AEAD tag has verified. On any failure — wrong
// password, truncation, corruption — it returns ErrWrongPassword, uniformly,
// so there is no side channel revealing where decryption failed.
func Open(path string, wantMagic [4]byte, pw string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	const headerLen = 4 + 1 + saltSize + nonceSize
	if len(raw) < headerLen {
		return nil, ErrWrongPassword
	}
	var magic [4]byte
	copy(magic[:], raw[0:4])
	if magic != wantMagic {
		return nil, ErrWrongPassword
	}
	var salt [saltSize]byte
	copy(salt[:], raw[5:5+saltSize])
	var nonce [nonceSize]byte
	copy(nonce[:], raw[5+saltSize:5+saltSize+nonceSize])
	ciphertext := raw[headerLen:]

	key := deriveKey(pw, salt)
	defer key.Wipe()

	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return pt, nil
}
