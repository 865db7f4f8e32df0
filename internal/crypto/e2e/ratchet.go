package e2e

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/luki4fun/VoIPC/internal/crypto/aead"
	"github.com/luki4fun/VoIPC/internal/limits"
)

// MessageHeader accompanies every ratchet-encrypted message so the
// receiver can run DH ratchet steps and skip-key lookups.
type MessageHeader struct {
	DHPublic [32]byte
	PN       uint32 // length of the previous sending chain
	N        uint32 // message number within the current sending chain
}

type skippedKey struct {
	dh [32]byte
	n  uint32
}

// Ratchet holds one pairwise double-ratchet session. The zero value is not usable; construct via
// NewRatchetAsInitiator / NewRatchetAsResponder.
type Ratchet struct {
	dhSelfPriv [32]byte
	dhSelfPub  [32]byte
	dhRemote   *[32]byte

	rootKey [32]byte
	cks     *[32]byte
	ckr     *[32]byte
	ns, nr  uint32
	pn      uint32

	skipped map[skippedKey][32]byte
}

// NewRatchetAsInitiator initializes a ratchet right after X3DH for the
// party that sent the InitialMessage: it generates a fresh ratchet keypair
// and immediately performs the first sending-side DH step against the
// responder's signed pre-key (used here as the responder's initial ratchet
// public key).
func NewRatchetAsInitiator(rootKey [32]byte, responderInitialPublic [32]byte) (*Ratchet, error) {
	r := &Ratchet{rootKey: rootKey, skipped: make(map[skippedKey][32]byte)}
	priv, pub, err := generateDHKeypair()
	if err != nil {
		return nil, err
	}
	r.dhSelfPriv, r.dhSelfPub = priv, pub
	remote := responderInitialPublic
	r.dhRemote = &remote

	dhOut, err := dh(r.dhSelfPriv, *r.dhRemote)
	if err != nil {
		return nil, err
	}
	rk, ck, err := kdfRK(r.rootKey, dhOut)
	if err != nil {
		return nil, err
	}
	r.rootKey = rk
	r.cks = &ck
	return r, nil
}

// NewRatchetAsResponder initializes a ratchet for the party that received
// the InitialMessage. It keeps its signed pre-key as the initial ratchet
// keypair and waits for the initiator's first message to learn DHRemote
// and complete the matching DH step.
func NewRatchetAsResponder(rootKey [32]byte, ownInitialPriv, ownInitialPub [32]byte) *Ratchet {
	return &Ratchet{
		rootKey:    rootKey,
		dhSelfPriv: ownInitialPriv,
		dhSelfPub:  ownInitialPub,
		skipped:    make(map[skippedKey][32]byte),
	}
}

// kdfRK derives a new root key and chain key from the current root key and
// a fresh DH output.
func kdfRK(rk [32]byte, dhOut [32]byte) (newRK [32]byte, newCK [32]byte, err error) {
	r := hkdf.New(sha256.New, dhOut[:], rk[:], []byte("VoIPC-Ratchet-RK"))
	var out [64]byte
	if _, err = io.ReadFull(r, out[:]); err != nil {
		return newRK, newCK, err
	}
	copy(newRK[:], out[:32])
	copy(newCK[:], out[32:])
	return newRK, newCK, nil
}

// kdfCK advances a chain key, returning the next chain key and the message
// key derived from the current one (HMAC-based KDF chain, per the
// Double Ratchet spec's recommended construction).
func kdfCK(ck [32]byte) (newCK [32]byte, mk [32]byte) {
	h1 := hmac.New(sha256.New, ck[:])
	h1.Write([]byte{0x01})
	copy(mk[:], h1.Sum(nil))

	h2 := hmac.New(sha256.New, ck[:])
	h2.Write([]byte{0x02})
	copy(newCK[:], h2.Sum(nil))
	return newCK, mk
}

func headerAAD(base []byte, h MessageHeader) []byte {
	out := append([]byte(nil), base...)
	out = append(out, h.DHPublic[:]...)
	var tmp [4]byte
	putU32 := func(v uint32) {
		tmp[0] = byte(v >> 24)
		tmp[1] = byte(v >> 16)
		tmp[2] = byte(v >> 8)
		tmp[3] = byte(v)
		out = append(out, tmp[:]...)
	}
	putU32(h.PN)
	putU32(h.N)
	return out
}

// Encrypt advances the sending chain by one step and seals plaintext under
// the derived message key, binding aad (e.g. sender/recipient user ids) and
// the message header together.
func (r *Ratchet) Encrypt(plaintext, aad []byte) (MessageHeader, []byte, error) {
	if r.cks == nil {
		return MessageHeader{}, nil, ErrNoSendingChain
	}
	newCK, mk := kdfCK(*r.cks)
	r.cks = &newCK

	header := MessageHeader{DHPublic: r.dhSelfPub, PN: r.pn, N: r.ns}
	r.ns++

	var nonce [aead.NonceSize]byte
	copy(nonce[:], mk[:aead.NonceSize])
	ct, err := aead.Seal(mk, nonce, headerAAD(aad, header), plaintext)
	if err != nil {
		return MessageHeader{}, nil, err
	}
	return header, ct, nil
}

// Decrypt authenticates and decrypts a ratchet message, performing any
// needed DH ratchet step and caching skipped-message keys along the way.
func (r *Ratchet) Decrypt(header MessageHeader, ciphertext, aad []byte) ([]byte, error) {
	if mk, ok := r.takeSkipped(header); ok {
		return r.open(mk, header, ciphertext, aad)
	}

	if r.dhRemote == nil || header.DHPublic != *r.dhRemote {
		if r.dhRemote != nil {
			if err := r.skipMessageKeys(*r.dhRemote, header.PN); err != nil {
				return nil, err
			}
		}
		if err := r.dhRatchetStep(header.DHPublic); err != nil {
			return nil, err
		}
	}

	if err := r.skipMessageKeys(header.DHPublic, header.N); err != nil {
		return nil, err
	}

	newCK, mk := kdfCK(*r.ckr)
	r.ckr = &newCK
	r.nr = header.N + 1
	return r.open(mk, header, ciphertext, aad)
}

func (r *Ratchet) open(mk [32]byte, header MessageHeader, ciphertext, aad []byte) ([]byte, error) {
	var nonce [aead.NonceSize]byte
	copy(nonce[:], mk[:aead.NonceSize])
	pt, err := aead.Open(mk, nonce, headerAAD(aad, header), ciphertext)
	if err != nil {
		return nil, ErrDecryptAuthFailure
	}
	return pt, nil
}

// dhRatchetStep performs a full DH ratchet turn upon receiving a new remote
// ratchet public key: it derives the new receiving chain from the existing
// self keypair, then generates a fresh self keypair and derives the new
// sending chain.
func (r *Ratchet) dhRatchetStep(newRemote [32]byte) error {
	r.pn = r.ns
	r.ns = 0
	r.nr = 0
	r.dhRemote = &newRemote

	dhOut, err := dh(r.dhSelfPriv, *r.dhRemote)
	if err != nil {
		return err
	}
	rk, ckr, err := kdfRK(r.rootKey, dhOut)
	if err != nil {
		return err
	}
	r.rootKey = rk
	r.ckr = &ckr

	priv, pub, err := generateDHKeypair()
	if err != nil {
		return err
	}
	r.dhSelfPriv, r.dhSelfPub = priv, pub

	dhOut2, err := dh(r.dhSelfPriv, *r.dhRemote)
	if err != nil {
		return err
	}
	rk2, cks, err := kdfRK(r.rootKey, dhOut2)
	if err != nil {
		return err
	}
	r.rootKey = rk2
	r.cks = &cks
	return nil
}

// skipMessageKeys advances the receiving chain up to (but not including)
// counter `until`, caching each derived message key so out-of-order
// messages can still be decrypted. Bounded by limits.MaxSkippedMessageKeys.
func (r *Ratchet) skipMessageKeys(dhPub [32]byte, until uint32) error {
	if r.ckr == nil {
		return nil
	}
	if until < r.nr {
		return nil
	}
	if int(until-r.nr)+len(r.skipped) > limits.MaxSkippedMessageKeys {
		return ErrUnrecoverableGap
	}
	for r.nr < until {
		newCK, mk := kdfCK(*r.ckr)
		r.ckr = &newCK
		r.skipped[skippedKey{dh: dhPub, n: r.nr}] = mk
		r.nr++
	}
	return nil
}

func (r *Ratchet) takeSkipped(header MessageHeader) ([32]byte, bool) {
	key := skippedKey{dh: header.DHPublic, n: header.N}
	mk, ok := r.skipped[key]
	if ok {
		delete(r.skipped, key)
	}
	return mk, ok
}
