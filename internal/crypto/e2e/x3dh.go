package e2e

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const rootKeyInfo = "VoIPC-X3DH-Root"

// InitialMessage is the payload an X3DH initiator piggybacks on its first
// E2E content: its identity key, its fresh ephemeral public
// key, and which one-time pre-key (if any) it consumed.
type InitialMessage struct {
	InitiatorIdentityDHPublic  [32]byte
	InitiatorIdentitySignPublic []byte
	InitiatorEphemeralPublic   [32]byte
	UsedOneTimePreKeyID        uint32
	HasOneTimePreKey           bool
}

// x3dhDerive folds the ordered list of DH outputs into a 32-byte root key
// via HKDF-SHA256, matching the standard X3DH construction (a fixed F
// prefix is deliberately omitted since pure-public-key identities are
// already domain-separated by rootKeyInfo).
func x3dhDerive(dhOutputs ...[32]byte) ([32]byte, error) {
	ikm := make([]byte, 0, 32*len(dhOutputs))
	for _, o := range dhOutputs {
		ikm = append(ikm, o[:]...)
	}
	r := hkdf.New(sha256.New, ikm, nil, []byte(rootKeyInfo))
	var out [32]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// InitiateSession runs X3DH as the initiator against a fetched, already
// signature-verified bundle, returning the initial root key and the
// InitialMessage to send alongside the first ciphertext.
func InitiateSession(self *IdentityKeyPair, bundle PreKeyBundle) (rootKey [32]byte, initMsg InitialMessage, err error) {
	if err = bundle.VerifySignedPreKey(); err != nil {
		return rootKey, initMsg, err
	}

	ekPriv, ekPub, err := generateDHKeypair()
	if err != nil {
		return rootKey, initMsg, err
	}

	dh1, err := dh(self.DHPrivate, bundle.SignedPreKeyPublic) // IKa x SPKb
	if err != nil {
		return rootKey, initMsg, err
	}
	dh2, err := dh(ekPriv, bundle.IdentityDHPublic) // EKa x IKb
	if err != nil {
		return rootKey, initMsg, err
	}
	dh3, err := dh(ekPriv, bundle.SignedPreKeyPublic) // EKa x SPKb
	if err != nil {
		return rootKey, initMsg, err
	}

	outputs := [][32]byte{dh1, dh2, dh3}
	if bundle.HasOneTimePreKey {
		dh4, derr := dh(ekPriv, bundle.OneTimePreKeyPublic) // EKa x OPKb
		if derr != nil {
			return rootKey, initMsg, derr
		}
		outputs = append(outputs, dh4)
	}

	rootKey, err = x3dhDerive(outputs...)
	if err != nil {
		return rootKey, initMsg, err
	}

	initMsg = InitialMessage{
		InitiatorIdentityDHPublic:   self.DHPublic,
		InitiatorIdentitySignPublic: append([]byte(nil), self.SignPublic...),
		InitiatorEphemeralPublic:    ekPub,
		UsedOneTimePreKeyID:         bundle.OneTimePreKeyID,
		HasOneTimePreKey:            bundle.HasOneTimePreKey,
	}
	return rootKey, initMsg, nil
}

// RespondSession runs X3DH as the responder, recomputing the same root key
// from the private halves of the responder's own signed pre-key (and, if
// used, one-time pre-key) against the initiator's public material carried
// in msg.
func RespondSession(identity *IdentityKeyPair, spk *SignedPreKey, opk *OneTimePreKey, msg InitialMessage) (rootKey [32]byte, err error) {
	dh1, err := dh(spk.Private, msg.InitiatorIdentityDHPublic) // SPKb x IKa
	if err != nil {
		return rootKey, err
	}
	dh2, err := dh(identity.DHPrivate, msg.InitiatorEphemeralPublic) // IKb x EKa
	if err != nil {
		return rootKey, err
	}
	dh3, err := dh(spk.Private, msg.InitiatorEphemeralPublic) // SPKb x EKa
	if err != nil {
		return rootKey, err
	}

	outputs := [][32]byte{dh1, dh2, dh3}
	if msg.HasOneTimePreKey {
		if opk == nil {
			return rootKey, ErrOneTimeKeyExhausted
		}
		dh4, derr := dh(opk.Private, msg.InitiatorEphemeralPublic) // OPKb x EKa
		if derr != nil {
			return rootKey, derr
		}
		outputs = append(outputs, dh4)
	}

	return x3dhDerive(outputs...)
}
