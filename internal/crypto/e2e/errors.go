package e2e

import "errors"

// Errors surfaced by session establishment and the double ratchet.
var (
	// ErrBundleInvalidSignature is returned when a fetched pre-key bundle's
	// signed pre-key signature does not verify under the claimed identity key.
	ErrBundleInvalidSignature = errors.New("e2e: pre-key bundle signature invalid")

	// ErrOneTimeKeyExhausted is signaled by the server when a bundle fetch
	// finds no one-time pre-keys left; the initiator proceeds without one,
	// weakening forward secrecy for that session only.
	ErrOneTimeKeyExhausted = errors.New("e2e: one-time pre-key pool exhausted")

	// ErrDecryptAuthFailure covers any AEAD authentication failure while
	// decrypting a ratchet or sender-key message.
	ErrDecryptAuthFailure = errors.New("e2e: decryption authentication failure")

	// ErrUnrecoverableGap is returned when a message's counter is further
	// ahead of the receiving chain than limits.MaxSkippedMessageKeys allows
	// to cache; the session cannot recover and must be restarted.
	ErrUnrecoverableGap = errors.New("e2e: unrecoverable message gap")

	// ErrNoSendingChain is an internal invariant violation: an attempt to
	// encrypt on a ratchet that has not yet completed its first DH step.
	ErrNoSendingChain = errors.New("e2e: no sending chain established")
)
