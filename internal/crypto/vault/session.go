package vault

import (
	"encoding/json"

	"github.com/luki4fun/VoIPC/internal/crypto/e2e"
	"github.com/luki4fun/VoIPC/internal/zero"
)

// SessionState is the plaintext structure sealed into a VSIG file: the
// owner's pre-key bundle secrets and every pairwise ratchet session
// established so far.
type SessionState struct {
	Identity        e2e.IdentityKeyPair
	SignedPreKeys   []e2e.SignedPreKey
	OneTimePreKeys  []e2e.OneTimePreKey
	NextOneTimeID   uint32
	PairwiseSessions map[uint32]e2e.RatchetSnapshot // keyed by peer user_id
}

// NewSessionState returns an empty session state around a freshly generated
// identity, ready to have signed/one-time pre-keys attached.
func NewSessionState(identity *e2e.IdentityKeyPair) *SessionState {
	return &SessionState{
		Identity:         *identity,
		PairwiseSessions: make(map[uint32]e2e.RatchetSnapshot),
	}
}

// SaveSessionState seals s into path under pw.
func SaveSessionState(path, pw string, s *SessionState) error {
	plaintext, err := json.Marshal(s)
	if err != nil {
		return err
	}
	defer zero.Buf(plaintext)
	return Seal(path, MagicSessionState, pw, plaintext)
}

// LoadSessionState opens and parses a VSIG file.
func LoadSessionState(path, pw string) (*SessionState, error) {
	plaintext, err := Open(path, MagicSessionState, pw)
	if err != nil {
		return nil, err
	}
	defer zero.Buf(plaintext)
	s := &SessionState{}
	if err := json.Unmarshal(plaintext, s); err != nil {
		return nil, err
	}
	if s.PairwiseSessions == nil {
		s.PairwiseSessions = make(map[uint32]e2e.RatchetSnapshot)
	}
	return s, nil
}
