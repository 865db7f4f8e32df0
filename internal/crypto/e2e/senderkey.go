package e2e

import (
	"crypto/rand"

	"github.com/luki4fun/VoIPC/internal/crypto/aead"
)

// SenderKeyChain is the per-(sender, channel) chain key used for channel
// chat. It is distributed once to the channel's current members
// via their pairwise Ratchet sessions; thereafter the owning sender
// advances it locally and emits only the current ratchet output.
type SenderKeyChain struct {
	chainKey [32]byte
	counter  uint32
}

// NewSenderKeyChain creates a fresh chain key, to be distributed to current
// members and used going forward. Membership shrinking requires generating
// and redistributing a new chain.
func NewSenderKeyChain() (*SenderKeyChain, error) {
	var ck [32]byte
	if _, err := rand.Read(ck[:]); err != nil {
		return nil, err
	}
	return &SenderKeyChain{chainKey: ck}, nil
}

// ChainKey returns the current raw chain key and the counter it corresponds
// to, e.g. to distribute to a newly joined member via a pairwise Ratchet.
// The counter must travel with the key: a member importing mid-stream needs
// it to know which message number the key decrypts, since envelope counters
// are absolute from the chain's creation.
func (s *SenderKeyChain) ChainKey() (key [32]byte, counter uint32) {
	return s.chainKey, s.counter
}

// Seal advances the chain by one step and encrypts plaintext under the
// derived message key, returning the counter the receiver needs to derive
// the matching key.
func (s *SenderKeyChain) Seal(plaintext, aadBytes []byte) (counter uint32, ciphertext []byte, err error) {
	newCK, mk := kdfCK(s.chainKey)
	s.chainKey = newCK
	counter = s.counter
	s.counter++

	var nonce [aead.NonceSize]byte
	copy(nonce[:], mk[:aead.NonceSize])
	ct, err := aead.Seal(mk, nonce, aadBytes, plaintext)
	return counter, ct, err
}

// ReceiverSenderKeyChain derives the message key for a given counter by
// stepping the chain forward from its current position. Used on the receive
// side, which tracks its own independent advancing copy of the chain.
type ReceiverSenderKeyChain struct {
	chainKey [32]byte
	counter  uint32
}

// NewReceiverSenderKeyChain wraps a chain key received via a pairwise
// session for decrypting a specific sender's channel traffic. counter is
// the sender's chain position at the moment the key was exported.
func NewReceiverSenderKeyChain(chainKey [32]byte, counter uint32) *ReceiverSenderKeyChain {
	return &ReceiverSenderKeyChain{chainKey: chainKey, counter: counter}
}

// Open decrypts a sender-key message at the given counter. Messages must
// arrive with strictly increasing counters per sender in this construction: the
// chain only advances forward, mirroring the one-writer-many-readers shape
// of channel chat (no skipped-key cache is needed
// because channel control traffic, unlike pairwise DMs, is not expected to
// reorder across the reliable control stream).
func (r *ReceiverSenderKeyChain) Open(counter uint32, ciphertext, aadBytes []byte) ([]byte, error) {
	if counter < r.counter {
		return nil, ErrDecryptAuthFailure
	}
	for r.counter < counter {
		r.chainKey, _ = kdfCK(r.chainKey)
		r.counter++
	}
	newCK, mk := kdfCK(r.chainKey)
	r.chainKey = newCK
	r.counter++

	var nonce [aead.NonceSize]byte
	copy(nonce[:], mk[:aead.NonceSize])
	pt, err := aead.Open(mk, nonce, aadBytes, ciphertext)
	if err != nil {
		return nil, ErrDecryptAuthFailure
	}
	return pt, nil
}
