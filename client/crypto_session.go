package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/luki4fun/VoIPC/internal/crypto/e2e"
	"github.com/luki4fun/VoIPC/internal/crypto/vault"
	"github.com/luki4fun/VoIPC/internal/limits"
	"github.com/luki4fun/VoIPC/internal/wire"
)

// defaultOneTimePreKeys is the target one-time pre-key pool size,
// replenished back to target before every upload; the server hands one out per
// bundle fetch until exhausted, at which point it reports
// OneTimeKeyExhausted.
const defaultOneTimePreKeys = limits.MaxOneTimePreKeys

var errNoRatchetSession = errors.New("crypto: no pairwise session established with this peer")

// SessionManager owns the local identity, pre-key material, pairwise
// ratchet sessions and channel sender-key chains.
// It sits between Session and the raw wire/e2e packages: Session hands it plaintext
// and peer/channel ids, SessionManager hands back opaque ciphertext
// envelopes ready for Transporter.SendEncrypted*, and vice versa on
// receive. The wire protocol itself never interprets these envelopes — to
// the server they are indistinguishable from random bytes.
type SessionManager struct {
	mu sync.Mutex

	identity       *e2e.IdentityKeyPair
	signedPreKey   *e2e.SignedPreKey
	oneTimePreKeys map[uint32]e2e.OneTimePreKey
	nextOTKID      uint32

	pairwise    map[uint32]*e2e.Ratchet           // peer user_id -> established session
	pendingInit map[uint32]e2e.InitialMessage // peer user_id -> outbound session awaiting first send

	ownSenderKeys  map[uint32]*e2e.SenderKeyChain                    // channel_id -> our chain
	peerSenderKeys map[uint32]map[uint32]*e2e.ReceiverSenderKeyChain // channel_id -> sender_id -> chain
}

// NewSessionManager generates a fresh identity and pre-key set. Use
// LoadOrCreateSessionManager instead when session state should persist
// across restarts.
func NewSessionManager() (*SessionManager, error) {
	identity, err := e2e.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	spk, err := e2e.GenerateSignedPreKey(identity, 1)
	if err != nil {
		return nil, fmt.Errorf("generate signed pre-key: %w", err)
	}
	otks, err := e2e.GenerateOneTimePreKeys(1, defaultOneTimePreKeys)
	if err != nil {
		return nil, fmt.Errorf("generate one-time pre-keys: %w", err)
	}
	sm := &SessionManager{
		identity:       identity,
		signedPreKey:   spk,
		oneTimePreKeys: make(map[uint32]e2e.OneTimePreKey, len(otks)),
		nextOTKID:      1 + uint32(len(otks)),
		pairwise:       make(map[uint32]*e2e.Ratchet),
		pendingInit:    make(map[uint32]e2e.InitialMessage),
		ownSenderKeys:  make(map[uint32]*e2e.SenderKeyChain),
		peerSenderKeys: make(map[uint32]map[uint32]*e2e.ReceiverSenderKeyChain),
	}
	for _, otk := range otks {
		sm.oneTimePreKeys[otk.ID] = otk
	}
	return sm, nil
}

// LoadOrCreateSessionManager opens the VSIG session-state file at path
// under pw, or creates a fresh identity and seals it there if the file
// doesn't exist yet.
func LoadOrCreateSessionManager(path, pw string) (*SessionManager, error) {
	state, err := vault.LoadSessionState(path, pw)
	if err != nil {
		sm, genErr := NewSessionManager()
		if genErr != nil {
			return nil, genErr
		}
		if saveErr := sm.Save(path, pw); saveErr != nil {
			return nil, saveErr
		}
		return sm, nil
	}

	sm := &SessionManager{
		identity:       &state.Identity,
		oneTimePreKeys: make(map[uint32]e2e.OneTimePreKey, len(state.OneTimePreKeys)),
		nextOTKID:      state.NextOneTimeID,
		pairwise:       make(map[uint32]*e2e.Ratchet, len(state.PairwiseSessions)),
		pendingInit:    make(map[uint32]e2e.InitialMessage),
		ownSenderKeys:  make(map[uint32]*e2e.SenderKeyChain),
		peerSenderKeys: make(map[uint32]map[uint32]*e2e.ReceiverSenderKeyChain),
	}
	if len(state.SignedPreKeys) > 0 {
		spk := state.SignedPreKeys[len(state.SignedPreKeys)-1]
		sm.signedPreKey = &spk
	} else {
		spk, err := e2e.GenerateSignedPreKey(sm.identity, 1)
		if err != nil {
			return nil, err
		}
		sm.signedPreKey = spk
	}
	for _, otk := range state.OneTimePreKeys {
		sm.oneTimePreKeys[otk.ID] = otk
	}
	for peerID, snap := range state.PairwiseSessions {
		sm.pairwise[peerID] = e2e.RatchetFromSnapshot(snap)
	}
	return sm, nil
}

// Save seals the current identity, signed pre-key, remaining one-time
// pre-keys and every established pairwise ratchet into path under pw.
func (sm *SessionManager) Save(path, pw string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	state := vault.NewSessionState(sm.identity)
	state.SignedPreKeys = []e2e.SignedPreKey{*sm.signedPreKey}
	state.NextOneTimeID = sm.nextOTKID
	for _, otk := range sm.oneTimePreKeys {
		state.OneTimePreKeys = append(state.OneTimePreKeys, otk)
	}
	for peerID, r := range sm.pairwise {
		state.PairwiseSessions[peerID] = r.Snapshot()
	}
	return vault.SaveSessionState(path, pw, state)
}

// ReplenishOneTimePreKeys tops the one-time pre-key pool back up to the
// target size. Called before each
// bundle upload so every reconnect republishes a full pool.
func (sm *SessionManager) ReplenishOneTimePreKeys() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	missing := defaultOneTimePreKeys - len(sm.oneTimePreKeys)
	if missing <= 0 {
		return nil
	}
	otks, err := e2e.GenerateOneTimePreKeys(sm.nextOTKID, missing)
	if err != nil {
		return err
	}
	sm.nextOTKID += uint32(missing)
	for _, otk := range otks {
		sm.oneTimePreKeys[otk.ID] = otk
	}
	return nil
}

// BuildUploadBundle assembles the UploadPreKeyBundle wire message publishing
// this identity's public material and remaining one-time pre-keys.
func (sm *SessionManager) BuildUploadBundle() wire.UploadPreKeyBundle {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	msg := wire.UploadPreKeyBundle{
		SignedPreKeyID:        sm.signedPreKey.ID,
		SignedPreKeyPublic:    sm.signedPreKey.Public,
		SignedPreKeySignature: sm.signedPreKey.Signature,
	}
	copy(msg.IdentityDHPublic[:], sm.identity.DHPublic[:])
	copy(msg.IdentitySignPublic[:], sm.identity.SignPublic)
	for id, otk := range sm.oneTimePreKeys {
		msg.OneTimePreKeys = append(msg.OneTimePreKeys, wire.OneTimeKeyWire{ID: id, Public: otk.Public})
	}
	return msg
}

// HasSession reports whether a pairwise ratchet with peer is already
// established (fully, not merely pending an outbound first send).
func (sm *SessionManager) HasSession(peer uint32) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, ok := sm.pairwise[peer]
	return ok
}

// EstablishOutbound runs X3DH as the initiator against a fetched bundle and
// stores the resulting ratchet, keyed by the bundle owner's user id. The
// next EncryptDirect call for this peer prepends the X3DH
// InitialMessage so the responder can bootstrap its side.
func (sm *SessionManager) EstablishOutbound(b wire.PreKeyBundle) error {
	bundle := e2e.PreKeyBundle{
		UserID:                b.UserID,
		IdentityDHPublic:      b.IdentityDHPublic,
		SignedPreKeyID:        b.SignedPreKeyID,
		SignedPreKeyPublic:    b.SignedPreKeyPublic,
		SignedPreKeySignature: b.SignedPreKeySignature,
		HasOneTimePreKey:      b.HasOneTimePreKey,
	}
	bundle.IdentitySignPublic = append([]byte(nil), b.IdentitySignPublic[:]...)
	if b.HasOneTimePreKey {
		bundle.OneTimePreKeyID = b.OneTimePreKey.ID
		bundle.OneTimePreKeyPublic = b.OneTimePreKey.Public
	}

	rootKey, initMsg, err := e2e.InitiateSession(sm.identity, bundle)
	if err != nil {
		return err
	}
	ratchet, err := e2e.NewRatchetAsInitiator(rootKey, bundle.SignedPreKeyPublic)
	if err != nil {
		return err
	}

	sm.mu.Lock()
	sm.pairwise[b.UserID] = ratchet
	sm.pendingInit[b.UserID] = initMsg
	sm.mu.Unlock()
	return nil
}

// EstablishInbound consumes the local signed pre-key (and one-time pre-key,
// if the initiator used one) named in msg and derives the responder side of
// a new pairwise ratchet, keyed by peerID (the message's sender).
func (sm *SessionManager) EstablishInbound(peerID uint32, msg e2e.InitialMessage) error {
	sm.mu.Lock()
	var otk *e2e.OneTimePreKey
	if msg.HasOneTimePreKey {
		if k, ok := sm.oneTimePreKeys[msg.UsedOneTimePreKeyID]; ok {
			otk = &k
			delete(sm.oneTimePreKeys, msg.UsedOneTimePreKeyID)
		}
	}
	identity, spk := sm.identity, sm.signedPreKey
	sm.mu.Unlock()

	rootKey, err := e2e.RespondSession(identity, spk, otk, msg)
	if err != nil {
		return err
	}
	ratchet := e2e.NewRatchetAsResponder(rootKey, spk.Private, spk.Public)

	sm.mu.Lock()
	sm.pairwise[peerID] = ratchet
	sm.mu.Unlock()
	return nil
}

// --- pairwise envelope framing ---
//
// Envelope layout: [1 byte hasInit][InitialMessage if hasInit][header: 32+4+4][ciphertext].
// This is the E2E layer's own framing, opaque to the wire protocol and to
// the relay server — it never appears in internal/wire's tagged union.

func (sm *SessionManager) encodeInitialMessage(m e2e.InitialMessage) []byte {
	buf := make([]byte, 0, 32+4+len(m.InitiatorIdentitySignPublic)+32+4+1)
	buf = append(buf, m.InitiatorIdentityDHPublic[:]...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(m.InitiatorIdentitySignPublic)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, m.InitiatorIdentitySignPublic...)
	buf = append(buf, m.InitiatorEphemeralPublic[:]...)
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], m.UsedOneTimePreKeyID)
	buf = append(buf, idBuf[:]...)
	if m.HasOneTimePreKey {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func decodeInitialMessage(buf []byte) (e2e.InitialMessage, []byte, error) {
	var m e2e.InitialMessage
	if len(buf) < 32+4 {
		return m, nil, wire.ErrMalformedFrame
	}
	copy(m.InitiatorIdentityDHPublic[:], buf[:32])
	buf = buf[32:]
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n+32+4+1 {
		return m, nil, wire.ErrMalformedFrame
	}
	m.InitiatorIdentitySignPublic = append([]byte(nil), buf[:n]...)
	buf = buf[n:]
	copy(m.InitiatorEphemeralPublic[:], buf[:32])
	buf = buf[32:]
	m.UsedOneTimePreKeyID = binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	m.HasOneTimePreKey = buf[0] == 1
	buf = buf[1:]
	return m, buf, nil
}

func encodeHeader(h e2e.MessageHeader) []byte {
	buf := make([]byte, 32+4+4)
	copy(buf[:32], h.DHPublic[:])
	binary.BigEndian.PutUint32(buf[32:36], h.PN)
	binary.BigEndian.PutUint32(buf[36:40], h.N)
	return buf
}

func decodeHeader(buf []byte) (e2e.MessageHeader, []byte, error) {
	var h e2e.MessageHeader
	if len(buf) < 40 {
		return h, nil, wire.ErrMalformedFrame
	}
	copy(h.DHPublic[:], buf[:32])
	h.PN = binary.BigEndian.Uint32(buf[32:36])
	h.N = binary.BigEndian.Uint32(buf[36:40])
	return h, buf[40:], nil
}

// EncryptDirect seals plaintext for peer's pairwise ratchet, returning a
// self-contained envelope ready for Transporter.SendEncryptedDirectMessage
// or SendEncryptedPoke.
func (sm *SessionManager) EncryptDirect(peer uint32, plaintext []byte) ([]byte, error) {
	sm.mu.Lock()
	ratchet, ok := sm.pairwise[peer]
	initMsg, hasInit := sm.pendingInit[peer]
	sm.mu.Unlock()
	if !ok {
		return nil, errNoRatchetSession
	}

	header, ciphertext, err := ratchet.Encrypt(plaintext, nil)
	if err != nil {
		return nil, err
	}

	var env []byte
	if hasInit {
		env = append(env, byte(1))
		env = append(env, sm.encodeInitialMessage(initMsg)...)
		sm.mu.Lock()
		delete(sm.pendingInit, peer)
		sm.mu.Unlock()
	} else {
		env = append(env, byte(0))
	}
	env = append(env, encodeHeader(header)...)
	env = append(env, ciphertext...)
	return env, nil
}

// DecryptDirect opens an envelope produced by EncryptDirect. If the
// envelope carries an X3DH InitialMessage and no session exists yet for
// peer, it transparently establishes the responder side first.
func (sm *SessionManager) DecryptDirect(peer uint32, envelope []byte) ([]byte, error) {
	if len(envelope) < 1 {
		return nil, wire.ErrMalformedFrame
	}
	hasInit := envelope[0] == 1
	rest := envelope[1:]

	if hasInit {
		initMsg, tail, err := decodeInitialMessage(rest)
		if err != nil {
			return nil, err
		}
		rest = tail
		if !sm.HasSession(peer) {
			if err := sm.EstablishInbound(peer, initMsg); err != nil {
				return nil, err
			}
		}
	}

	header, ciphertext, err := decodeHeader(rest)
	if err != nil {
		return nil, err
	}

	sm.mu.Lock()
	ratchet, ok := sm.pairwise[peer]
	sm.mu.Unlock()
	if !ok {
		return nil, errNoRatchetSession
	}
	return ratchet.Decrypt(header, ciphertext, nil)
}

// --- channel sender-key envelopes ---
//
// Envelope layout: [counter: 4 bytes][ciphertext]. AAD binds channelID so a
// replayed ciphertext can't be relabeled into a different channel.

func channelAAD(channelID uint32) []byte {
	aad := make([]byte, 4)
	binary.BigEndian.PutUint32(aad, channelID)
	return aad
}

// EncryptChannel seals plaintext under this client's sender-key chain for
// channelID, creating the chain on first use. Callers are responsible for
// distributing the chain key (via DistributeSenderKey + EncryptDirect) to
// current channel members before traffic is sent.
func (sm *SessionManager) EncryptChannel(channelID uint32, plaintext []byte) ([]byte, error) {
	sm.mu.Lock()
	chain, ok := sm.ownSenderKeys[channelID]
	if !ok {
		var err error
		chain, err = e2e.NewSenderKeyChain()
		if err != nil {
			sm.mu.Unlock()
			return nil, err
		}
		sm.ownSenderKeys[channelID] = chain
	}
	sm.mu.Unlock()

	counter, ciphertext, err := chain.Seal(plaintext, channelAAD(channelID))
	if err != nil {
		return nil, err
	}
	env := make([]byte, 4, 4+len(ciphertext))
	binary.BigEndian.PutUint32(env, counter)
	return append(env, ciphertext...), nil
}

// DecryptChannel opens an envelope produced by EncryptChannel for the given
// sender within channelID. Returns errNoRatchetSession-shaped behavior if no
// sender-key chain for (channelID, senderID) has been imported yet — callers
// should wait for a DistributeSenderKey delivery from that sender.
func (sm *SessionManager) DecryptChannel(channelID, senderID uint32, envelope []byte) ([]byte, error) {
	if len(envelope) < 4 {
		return nil, wire.ErrMalformedFrame
	}
	counter := binary.BigEndian.Uint32(envelope[:4])
	ciphertext := envelope[4:]

	sm.mu.Lock()
	bySender, ok := sm.peerSenderKeys[channelID]
	var chain *e2e.ReceiverSenderKeyChain
	if ok {
		chain = bySender[senderID]
	}
	sm.mu.Unlock()
	if chain == nil {
		return nil, fmt.Errorf("crypto: no sender-key chain for channel %d sender %d", channelID, senderID)
	}
	return chain.Open(counter, ciphertext, channelAAD(channelID))
}

// DistributeSenderKey returns the raw chain key bytes and current counter
// for channelID's own sender-key chain, to be sealed with EncryptDirect and
// sent to each current member so they can call ImportSenderKey before
// decrypting our traffic. The counter is required: envelope counters are
// absolute, so a member importing mid-stream must start its receiver chain
// at the sender's position, not at zero.
func (sm *SessionManager) DistributeSenderKey(channelID uint32) ([32]byte, uint32, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	chain, ok := sm.ownSenderKeys[channelID]
	if !ok {
		var err error
		chain, err = e2e.NewSenderKeyChain()
		if err != nil {
			return [32]byte{}, 0, err
		}
		sm.ownSenderKeys[channelID] = chain
	}
	key, counter := chain.ChainKey()
	return key, counter, nil
}

// ResetSenderKey discards this client's own sender-key chain for channelID.
// Called on membership shrink so the next EncryptChannel starts a fresh
// chain the departed member never saw.
func (sm *SessionManager) ResetSenderKey(channelID uint32) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.ownSenderKeys, channelID)
}

// ForgetPeerSenderKey drops the receiver chain for a sender who left the
// channel; they will redistribute a fresh chain if they return.
func (sm *SessionManager) ForgetPeerSenderKey(channelID, senderID uint32) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if bySender := sm.peerSenderKeys[channelID]; bySender != nil {
		delete(bySender, senderID)
	}
}

// ImportSenderKey records a chain key received (via a decrypted direct
// message) from senderID for channelID, enabling DecryptChannel for that
// sender's subsequent traffic. counter is the sender's chain position at
// export time, carried alongside the key in the distribution envelope.
func (sm *SessionManager) ImportSenderKey(channelID, senderID uint32, chainKey [32]byte, counter uint32) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.peerSenderKeys[channelID] == nil {
		sm.peerSenderKeys[channelID] = make(map[uint32]*e2e.ReceiverSenderKeyChain)
	}
	sm.peerSenderKeys[channelID][senderID] = e2e.NewReceiverSenderKeyChain(chainKey, counter)
}
