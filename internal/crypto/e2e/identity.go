// Package e2e implements the pairwise and group end-to-end message
// encryption layer: an X3DH handshake to agree an initial
// root key, a double ratchet for ongoing pairwise traffic, and a sender-key
// construction for channel chat.
package e2e

import (
	"crypto/ed25519"
	"crypto/rand"

	"golang.org/x/crypto/curve25519"
)

// IdentityKeyPair is a user's long-term identity: a Curve25519 keypair used
// for X3DH Diffie-Hellman, paired with an Ed25519 keypair used to sign the
// rotating signed pre-key. Signal's XEdDSA derives both from a single
// Curve25519 scalar; this module keeps them as two ordinary stdlib keypairs
// instead, trading a little extra key material for using crypto/ed25519 and
// x/crypto/curve25519 exactly as documented rather than hand-rolling the
// Edwards/Montgomery conversion.
type IdentityKeyPair struct {
	DHPrivate   [32]byte
	DHPublic    [32]byte
	SignPrivate ed25519.PrivateKey
	SignPublic  ed25519.PublicKey
}

// GenerateIdentity creates a fresh identity keypair.
func GenerateIdentity() (*IdentityKeyPair, error) {
	dhPriv, dhPub, err := generateDHKeypair()
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{
		DHPrivate:   dhPriv,
		DHPublic:    dhPub,
		SignPrivate: signPriv,
		SignPublic:  signPub,
	}, nil
}

// generateDHKeypair returns a fresh Curve25519 keypair.
func generateDHKeypair() (priv [32]byte, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, err
	}
	// Clamp per RFC 7748 so every generated scalar is a valid X25519 input.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

// dh computes the X25519 shared secret between priv and pub.
func dh(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	return out, nil
}

// SignedPreKey is a medium-term Curve25519 keypair signed by the owner's
// identity key, rotated periodically.
type SignedPreKey struct {
	ID        uint32
	Private   [32]byte
	Public    [32]byte
	Signature [64]byte
}

// GenerateSignedPreKey creates a new signed pre-key with the given id,
// signed by identity.
func GenerateSignedPreKey(identity *IdentityKeyPair, id uint32) (*SignedPreKey, error) {
	priv, pub, err := generateDHKeypair()
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(identity.SignPrivate, pub[:])
	spk := &SignedPreKey{ID: id, Private: priv, Public: pub}
	copy(spk.Signature[:], sig)
	return spk, nil
}

// OneTimePreKey is a single disposable pre-key, consumed at most once by
// the server on behalf of whoever fetches the bundle first.
type OneTimePreKey struct {
	ID      uint32
	Private [32]byte
	Public  [32]byte
}

// GenerateOneTimePreKeys returns n fresh one-time pre-keys with
// sequentially assigned ids starting at startID.
func GenerateOneTimePreKeys(startID uint32, n int) ([]OneTimePreKey, error) {
	out := make([]OneTimePreKey, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := generateDHKeypair()
		if err != nil {
			return nil, err
		}
		out = append(out, OneTimePreKey{ID: startID + uint32(i), Private: priv, Public: pub})
	}
	return out, nil
}

// PreKeyBundle is the public material published to the server and fetched
// by an initiator to start a session without the owner being online.
type PreKeyBundle struct {
	UserID               uint32
	IdentityDHPublic     [32]byte
	IdentitySignPublic    ed25519.PublicKey
	SignedPreKeyID       uint32
	SignedPreKeyPublic   [32]byte
	SignedPreKeySignature [64]byte
	// OneTimePreKeyID/Public are the zero value when the pool was empty at
	// fetch time (server signals ErrOneTimeKeyExhausted to the caller).
	OneTimePreKeyID     uint32
	OneTimePreKeyPublic [32]byte
	HasOneTimePreKey    bool
}

// VerifySignedPreKey checks the bundle's signed pre-key signature against
// its claimed identity signing key.
func (b PreKeyBundle) VerifySignedPreKey() error {
	if !ed25519.Verify(b.IdentitySignPublic, b.SignedPreKeyPublic[:], b.SignedPreKeySignature[:]) {
		return ErrBundleInvalidSignature
	}
	return nil
}
