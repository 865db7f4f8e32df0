package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/luki4fun/VoIPC/client/internal/adapt"
	"github.com/luki4fun/VoIPC/internal/crypto/aead"
	"github.com/luki4fun/VoIPC/internal/limits"
	"github.com/luki4fun/VoIPC/internal/wire"
)

// adaptInterval is how often adaptBitrateLoop re-reads connection quality
// metrics and re-tunes the Opus bitrate and jitter buffer depth.
const adaptInterval = 5 * time.Second

// Direct-message envelope tags: the plaintext recovered from
// SessionManager.DecryptDirect carries one of these as its first byte so a
// single pairwise channel can
// multiplex chat, channel-chat sender-key distribution, and channel
// media-key distribution, none of which are part of the wire package's own
// closed tagged union (the server only ever sees the outer ciphertext).
const (
	envChatText     byte = 0
	envSenderKey    byte = 1 // channelID(4) ‖ counter(4) ‖ chainKey(32)
	envMediaKey     byte = 2 // channelID(4) ‖ generation(4) ‖ secret(32)
	envPokeGreeting byte = 3
)

// Session is the client control runtime: it owns a Transporter,
// reconciles presence from the event sinks Transporter exposes, drives
// auto-reconnect rejoin, and sits between the raw wire protocol and the
// audio/video pipelines, supplying the channel media key and E2E session
// plumbing neither pipeline manages itself.
type Session struct {
	transport Transporter
	audio     *AudioEngine
	video     *VideoPipeline
	crypto    *SessionManager
	archive   ChatArchiveStore

	mu sync.Mutex

	myID      uint32
	channelID uint32

	// lastJoined/lastPassword remember the last non-lobby channel we asked
	// to join, so a post-reconnect HandshakeOk can rejoin it best-effort.
	lastJoined   uint32
	lastPassword string
	everHandshook bool

	// roster mirrors the server's per-channel membership as reconciled from
	// UserJoined/UserLeft (other users) and UserList (our own movement);
	// keeping the two separate avoids double-counting self-moves.
	roster map[uint32]map[uint32]wire.UserSummary

	pendingCreateName string
	ownedChannels     map[uint32]bool

	mediaKey      aead.Key
	prevMediaKey  *aead.Key
	newGenSeen    int
	distributedTo map[uint32]bool // peers who already have our current media key

	chatDistributedTo map[uint32]bool // peers who already have our channel chat sender-key

	voiceSessionID uint32
	voiceSeq       uint32

	voiceRecv chan VoiceDatagram
	videoRecv chan VideoDatagram

	// smoothedLoss is the EWMA-smoothed voice packet loss rate driving
	// adaptBitrateLoop; read and written only from that goroutine.
	smoothedLoss float64

	stopCh chan struct{}
}

// ChatArchiveStore persists decrypted chat history locally. It is a thin
// seam over internal/crypto/vault's ChatArchive so Session can be tested
// without touching disk.
type ChatArchiveStore interface {
	AppendChannelMessage(channelName string, senderID uint32, senderName, content string, ts int64)
	AppendDirectMessage(peerID uint32, senderID uint32, senderName, content string, ts int64)
}

// NewSession wires a Transporter to the audio/video pipelines and the E2E
// crypto session manager, and registers every callback sink Transporter
// exposes.
func NewSession(tr Transporter, audio *AudioEngine, video *VideoPipeline, crypto *SessionManager, archive ChatArchiveStore) *Session {
	s := &Session{
		transport:         tr,
		audio:             audio,
		video:             video,
		crypto:            crypto,
		archive:           archive,
		roster:            make(map[uint32]map[uint32]wire.UserSummary),
		ownedChannels:     make(map[uint32]bool),
		distributedTo:     make(map[uint32]bool),
		chatDistributedTo: make(map[uint32]bool),
		voiceRecv:         make(chan VoiceDatagram, 64),
		videoRecv:         make(chan VideoDatagram, 16),
		stopCh:            make(chan struct{}),
	}
	s.wireCallbacks()
	return s
}

// Connect dials addr under username and starts the receive-side pumps. The
// pre-key bundle is uploaded once the handshake completes (see
// onHandshakeOk) so the server can start handing it out to peers.
func (s *Session) Connect(ctx context.Context, addr, username string) error {
	if err := s.transport.Connect(ctx, addr, username); err != nil {
		return err
	}
	s.transport.StartReceiving(ctx, s.voiceRecv, s.videoRecv)
	go s.voiceLoop(ctx)
	go s.videoLoop(ctx)
	go s.adaptBitrateLoop(ctx)
	return nil
}

// adaptBitrateLoop periodically reads Transporter.GetMetrics and steps the
// audio engine's Opus bitrate, FEC loss hint, and jitter buffer depth via
// client/internal/adapt's ladder/EWMA rules. Loss is smoothed
// here rather than trusting each 5s sample directly, since a single bad
// interval should nudge the ladder, not swing it.
func (s *Session) adaptBitrateLoop(ctx context.Context) {
	if s.audio == nil {
		return
	}
	ticker := time.NewTicker(adaptInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			m := s.transport.GetMetrics()
			s.smoothedLoss = adapt.SmoothLoss(s.smoothedLoss, m.PacketLoss, 0.3)

			next := adapt.NextBitrate(s.audio.CurrentBitrate(), s.smoothedLoss, m.RTTMs)
			s.audio.SetBitrate(next)
			s.audio.SetPacketLoss(int(s.smoothedLoss * 100))
			s.audio.SetJitterDepth(adapt.TargetJitterDepth(m.JitterMs, s.smoothedLoss))
		}
	}
}

func (s *Session) Disconnect() {
	close(s.stopCh)
	s.transport.Disconnect()
}

// JoinChannel records the request so a future reconnect can rejoin
// best-effort, then forwards it.
func (s *Session) JoinChannel(channelID uint32, password string) error {
	s.mu.Lock()
	if channelID != limits.LobbyChannelID {
		s.lastJoined = channelID
		s.lastPassword = password
	}
	s.mu.Unlock()
	return s.transport.JoinChannel(channelID, password)
}

func (s *Session) CreateChannel(name, description, password string, maxUsers uint32) error {
	s.mu.Lock()
	s.pendingCreateName = name
	s.mu.Unlock()
	return s.transport.CreateChannel(name, description, password, maxUsers)
}

// --- callback wiring ---

func (s *Session) wireCallbacks() {
	s.transport.SetOnHandshakeOk(s.onHandshakeOk)
	s.transport.SetOnUserList(s.onUserList)
	s.transport.SetOnUserJoined(s.onUserJoined)
	s.transport.SetOnUserLeft(s.onUserLeft)
	s.transport.SetOnChannelCreated(s.onChannelCreated)
	s.transport.SetOnChannelDeleted(s.onChannelDeleted)
	s.transport.SetOnKicked(func(wire.Kicked) {
		s.mu.Lock()
		s.lastJoined = 0
		s.lastPassword = ""
		s.mu.Unlock()
	})
	s.transport.SetOnPreKeyBundle(s.onPreKeyBundle)
	s.transport.SetOnOneTimeKeyExhausted(func(m wire.OneTimeKeyExhausted) {
		log.Printf("[session] peer %d's one-time pre-key pool is exhausted; continuing with reduced forward secrecy", m.UserID)
	})
	s.transport.SetOnEncryptedChannelMessage(s.onEncryptedChannelMessage)
	s.transport.SetOnEncryptedDirectMessage(s.onEncryptedDirectMessage)
	s.transport.SetOnEncryptedPoke(s.onEncryptedPoke)
	s.transport.SetOnKeyframeRequested(func() {
		if s.video != nil {
			s.video.RequestKeyframe()
		}
	})
	s.transport.SetOnScreenShareForceStopped(func() {
		if s.video != nil {
			s.video.StopCapture()
		}
	})
	s.transport.SetOnDisconnected(func(reason string) {
		log.Printf("[session] disconnected: %s", reason)
	})
}

// onHandshakeOk fires for every successful dial, including post-reconnect
// ones. Every time, it records the assigned id and uploads a fresh pre-key
// bundle; on a reconnect it also rejoins the previously-joined non-lobby
// channel best-effort, since the server's state was erased along with every
// other user's.
func (s *Session) onHandshakeOk(m wire.HandshakeOk) {
	s.mu.Lock()
	s.myID = m.UserID
	first := !s.everHandshook
	s.everHandshook = true
	rejoin, pw := s.lastJoined, s.lastPassword
	s.mu.Unlock()

	if err := s.crypto.ReplenishOneTimePreKeys(); err != nil {
		log.Printf("[session] replenish one-time pre-keys: %v", err)
	}
	if err := s.transport.UploadPreKeyBundle(s.crypto.BuildUploadBundle()); err != nil {
		log.Printf("[session] upload pre-key bundle: %v", err)
	}

	if !first && rejoin != limits.LobbyChannelID {
		if err := s.transport.JoinChannel(rejoin, pw); err != nil {
			log.Printf("[session] rejoin channel %d after reconnect: %v", rejoin, err)
		}
	}
}

// onUserList is sent only to the user who just moved, so it is
// always self-movement: reset per-channel crypto distribution state and
// rewire the media pipelines to the new channel context.
func (s *Session) onUserList(m wire.UserList) {
	s.mu.Lock()
	s.channelID = m.ChannelID
	if s.roster[m.ChannelID] == nil {
		s.roster[m.ChannelID] = make(map[uint32]wire.UserSummary)
	}
	for _, u := range m.Users {
		s.roster[m.ChannelID][u.ID] = u
	}
	s.distributedTo = make(map[uint32]bool)
	s.chatDistributedTo = make(map[uint32]bool)
	s.mu.Unlock()

	if m.ChannelID == limits.LobbyChannelID {
		if s.video != nil {
			s.video.SetChannelContext(0, s.myID, 0)
		}
		return
	}

	s.mu.Lock()
	owned := s.ownedChannels[m.ChannelID]
	s.mu.Unlock()
	if owned {
		s.rotateMediaKey(m.ChannelID)
	}

	s.voiceSessionID = newSessionID()
	if s.video != nil {
		s.video.SetChannelContext(m.ChannelID, s.myID, s.voiceSessionID)
	}
}

// onUserJoined updates the roster for someone else's movement and, if we
// are the current channel's media-key holder, distributes the key to them
// over a freshly established (or existing) pairwise session.
func (s *Session) onUserJoined(m wire.UserJoined) {
	s.mu.Lock()
	if s.roster[m.ChannelID] == nil {
		s.roster[m.ChannelID] = make(map[uint32]wire.UserSummary)
	}
	s.roster[m.ChannelID][m.User.ID] = m.User
	owned := s.ownedChannels[m.ChannelID] && m.ChannelID == s.channelID
	s.mu.Unlock()

	if owned {
		s.distributeMediaKeyTo(m.ChannelID, m.User.ID)
	}
}

// onUserLeft drops the departing member from the roster and regenerates
// and redistributes the channel's shared key material on membership
// shrink, covering both the chat sender-key chain and the media key.
func (s *Session) onUserLeft(m wire.UserLeft) {
	s.mu.Lock()
	if members, ok := s.roster[m.ChannelID]; ok {
		delete(members, m.UserID)
	}
	owned := s.ownedChannels[m.ChannelID] && m.ChannelID == s.channelID
	inCurrent := m.ChannelID == s.channelID
	if inCurrent {
		s.chatDistributedTo = make(map[uint32]bool)
	}
	s.mu.Unlock()

	if inCurrent {
		// Every sender owns its chat chain, so each remaining member resets
		// its own and redistributes on the next send.
		s.crypto.ResetSenderKey(m.ChannelID)
		s.crypto.ForgetPeerSenderKey(m.ChannelID, m.UserID)
	}
	if owned {
		s.rotateMediaKey(m.ChannelID)
	}
}

// onChannelCreated claims ownership of a channel we just asked to create,
// by matching the name we sent — ChannelCreated's wire.ChannelSummary
// carries no creator id, so this is the best
// available signal a client has of its own creatorship.
func (s *Session) onChannelCreated(m wire.ChannelCreated) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingCreateName != "" && m.Channel.Name == s.pendingCreateName {
		s.ownedChannels[m.Channel.ID] = true
		s.pendingCreateName = ""
	}
}

func (s *Session) onChannelDeleted(m wire.ChannelDeleted) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roster, m.ChannelID)
	delete(s.ownedChannels, m.ChannelID)
}

// --- channel media key lifecycle ---

func newSessionID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// rotateMediaKey generates a fresh key, bumps key_generation, installs it
// locally, and distributes it to every current member. Rotation runs on
// every membership change without waiting for an ack round-trip: the relay
// never buffers media, so a missed packet during the handover is
// tolerated.
func (s *Session) rotateMediaKey(channelID uint32) {
	var secret [aead.KeySize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		log.Printf("[session] generate media key: %v", err)
		return
	}

	s.mu.Lock()
	prev := s.mediaKey
	s.prevMediaKey = &prev
	s.newGenSeen = 0
	s.mediaKey = aead.Key{Generation: s.mediaKey.Generation + 1, Secret: secret}
	s.distributedTo = make(map[uint32]bool)
	members := make([]uint32, 0, len(s.roster[channelID]))
	for id := range s.roster[channelID] {
		if id != s.myID {
			members = append(members, id)
		}
	}
	key := s.mediaKey
	s.mu.Unlock()

	if s.video != nil {
		s.video.SetMediaKey(key)
	}
	for _, id := range members {
		s.distributeMediaKeyTo(channelID, id)
	}
}

func (s *Session) distributeMediaKeyTo(channelID, peerID uint32) {
	s.mu.Lock()
	if s.distributedTo[peerID] {
		s.mu.Unlock()
		return
	}
	key := s.mediaKey
	s.mu.Unlock()

	payload := make([]byte, 1+4+4+aead.KeySize)
	payload[0] = envMediaKey
	binary.BigEndian.PutUint32(payload[1:5], channelID)
	binary.BigEndian.PutUint32(payload[5:9], key.Generation)
	copy(payload[9:], key.Secret[:])

	if err := s.sendDirectEnvelope(peerID, payload); err != nil {
		log.Printf("[session] distribute media key to %d: %v", peerID, err)
		return
	}
	s.mu.Lock()
	s.distributedTo[peerID] = true
	s.mu.Unlock()
}

// sendDirectEnvelope seals payload for peerID, fetching a pre-key bundle
// and running X3DH first if no pairwise session exists yet.
func (s *Session) sendDirectEnvelope(peerID uint32, payload []byte) error {
	if !s.crypto.HasSession(peerID) {
		if err := s.transport.FetchPreKeyBundle(peerID); err != nil {
			return fmt.Errorf("fetch bundle: %w", err)
		}
		// The bundle (and the X3DH session it establishes) arrives
		// asynchronously via onPreKeyBundle; a short bound wait keeps this
		// method usable synchronously for the common case of a bundle the
		// server answers immediately over the same control stream, which
		// preserves request order.
		deadline := time.Now().Add(2 * time.Second)
		for !s.crypto.HasSession(peerID) && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if !s.crypto.HasSession(peerID) {
			return fmt.Errorf("no pairwise session with %d after bundle fetch", peerID)
		}
	}
	env, err := s.crypto.EncryptDirect(peerID, payload)
	if err != nil {
		return err
	}
	return s.transport.SendEncryptedDirectMessage(peerID, env)
}

// onPreKeyBundle runs EstablishOutbound (the X3DH initiator side) with the
// fetched bundle, which completes whatever sendDirectEnvelope call is
// waiting on this peer's session.
func (s *Session) onPreKeyBundle(b wire.PreKeyBundle) {
	if err := s.crypto.EstablishOutbound(b); err != nil {
		log.Printf("[session] establish session with %d: %v", b.UserID, err)
	}
}

// --- encrypted message handling ---

func (s *Session) onEncryptedDirectMessage(m wire.EncryptedDirectMessage) {
	plaintext, err := s.crypto.DecryptDirect(m.SenderUserID, m.Ciphertext)
	if err != nil {
		log.Printf("[session] decrypt DM from %d: %v", m.SenderUserID, err)
		return
	}
	if len(plaintext) == 0 {
		return
	}
	switch plaintext[0] {
	case envChatText:
		if s.archive != nil {
			s.archive.AppendDirectMessage(m.SenderUserID, m.SenderUserID, s.peerName(m.SenderUserID), string(plaintext[1:]), time.Now().UnixMilli())
		}
	case envSenderKey:
		if len(plaintext) < 1+4+4+32 {
			return
		}
		channelID := binary.BigEndian.Uint32(plaintext[1:5])
		counter := binary.BigEndian.Uint32(plaintext[5:9])
		var chainKey [32]byte
		copy(chainKey[:], plaintext[9:41])
		s.crypto.ImportSenderKey(channelID, m.SenderUserID, chainKey, counter)
	case envMediaKey:
		if len(plaintext) < 1+4+4+aead.KeySize {
			return
		}
		channelID := binary.BigEndian.Uint32(plaintext[1:5])
		gen := binary.BigEndian.Uint32(plaintext[5:9])
		var secret [aead.KeySize]byte
		copy(secret[:], plaintext[9:])
		s.mu.Lock()
		prev := s.mediaKey
		s.prevMediaKey = &prev
		s.mediaKey = aead.Key{Generation: gen, Secret: secret}
		s.newGenSeen = 0
		key := s.mediaKey
		cur := s.channelID
		s.mu.Unlock()
		if channelID == cur && s.video != nil {
			s.video.SetMediaKey(key)
		}
	case envPokeGreeting:
		log.Printf("[session] poke from %d", m.SenderUserID)
	}
}

func (s *Session) onEncryptedChannelMessage(m wire.EncryptedChannelMessage) {
	plaintext, err := s.crypto.DecryptChannel(m.ChannelID, m.SenderUserID, m.Ciphertext)
	if err != nil {
		log.Printf("[session] decrypt channel message from %d: %v", m.SenderUserID, err)
		return
	}
	if s.archive != nil {
		s.mu.Lock()
		name := s.roster[m.ChannelID][m.SenderUserID].Username
		s.mu.Unlock()
		s.archive.AppendChannelMessage(fmt.Sprintf("channel-%d", m.ChannelID), m.SenderUserID, name, string(plaintext), time.Now().UnixMilli())
	}
}

func (s *Session) onEncryptedPoke(m wire.EncryptedPoke) {
	if _, err := s.crypto.DecryptDirect(m.SenderUserID, m.Ciphertext); err != nil {
		log.Printf("[session] decrypt poke from %d: %v", m.SenderUserID, err)
	}
}

func (s *Session) peerName(id uint32) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, members := range s.roster {
		if u, ok := members[id]; ok {
			return u.Username
		}
	}
	return ""
}

// SendChannelChat seals text under this client's channel sender-key chain,
// distributing the chain key to any member who does not yet have it, then
// publishes the ciphertext to the server for routing only.
func (s *Session) SendChannelChat(channelID uint32, text string) error {
	s.mu.Lock()
	members := make([]uint32, 0, len(s.roster[channelID]))
	for id := range s.roster[channelID] {
		if id != s.myID && !s.chatDistributedTo[id] {
			members = append(members, id)
		}
	}
	s.mu.Unlock()

	chainKey, counter, err := s.crypto.DistributeSenderKey(channelID)
	if err != nil {
		return err
	}
	for _, id := range members {
		payload := make([]byte, 1+4+4+32)
		payload[0] = envSenderKey
		binary.BigEndian.PutUint32(payload[1:5], channelID)
		binary.BigEndian.PutUint32(payload[5:9], counter)
		copy(payload[9:], chainKey[:])
		if err := s.sendDirectEnvelope(id, payload); err != nil {
			log.Printf("[session] distribute chat sender-key to %d: %v", id, err)
			continue
		}
		s.mu.Lock()
		s.chatDistributedTo[id] = true
		s.mu.Unlock()
	}

	ciphertext, err := s.crypto.EncryptChannel(channelID, []byte(text))
	if err != nil {
		return err
	}
	return s.transport.SendEncryptedChannelMessage(channelID, ciphertext)
}

// SendDirectMessage seals text for peerID's pairwise session.
func (s *Session) SendDirectMessage(peerID uint32, text string) error {
	payload := append([]byte{envChatText}, []byte(text)...)
	return s.sendDirectEnvelope(peerID, payload)
}

// --- media datagram pumps ---

// voiceLoop reads plaintext Opus frames produced by the audio engine,
// seals them under the current channel media key, and forwards them to the
// transport; and opens incoming voice datagrams, handing decoded plaintext
// to the jitter buffer's input channel.
func (s *Session) voiceLoop(ctx context.Context) {
	if s.audio == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case frame, ok := <-s.audio.CaptureOut:
			if !ok {
				return
			}
			s.sendVoiceFrame(frame)
		case dg, ok := <-s.voiceRecv:
			if !ok {
				return
			}
			s.receiveVoiceFrame(dg)
		}
	}
}

func (s *Session) sendVoiceFrame(frame []byte) {
	s.mu.Lock()
	key := s.mediaKey
	channelID := s.channelID
	sessionID := s.voiceSessionID
	s.voiceSeq++
	seq := s.voiceSeq
	s.mu.Unlock()

	if channelID == limits.LobbyChannelID {
		return
	}
	if aead.NearRotationThreshold(seq, limits.KeyRotationThreshold) {
		s.rotateMediaKey(channelID)
	}
	ciphertext, err := aead.SealMediaPacket(key, channelID, wire.PacketVoice, sessionID, seq, 0, frame)
	if err != nil {
		log.Printf("[session] seal voice frame: %v", err)
		return
	}
	if err := s.transport.SendVoice(sessionID, seq, ciphertext); err != nil {
		log.Printf("[session] send voice: %v", err)
	}
}

func (s *Session) receiveVoiceFrame(dg VoiceDatagram) {
	s.mu.Lock()
	key := s.mediaKey
	prev := s.prevMediaKey
	channelID := s.channelID
	s.mu.Unlock()

	plaintext, err := aead.OpenMediaPacket(key, channelID, wire.PacketVoice, dg.Header.SessionID, dg.Header.Sequence, 0, dg.Ciphertext)
	if err == nil && prev != nil {
		// A packet at the new generation decrypted; after two of those the
		// previous key is no longer needed.
		s.mu.Lock()
		s.newGenSeen++
		if s.newGenSeen >= 2 {
			s.prevMediaKey = nil
		}
		s.mu.Unlock()
	}
	if err != nil && prev != nil {
		plaintext, err = aead.OpenMediaPacket(*prev, channelID, wire.PacketVoice, dg.Header.SessionID, dg.Header.Sequence, 0, dg.Ciphertext)
	}
	if err != nil {
		return
	}
	select {
	case s.audio.PlaybackIn <- TaggedAudio{SenderID: dg.Header.UserID, Seq: dg.Header.Sequence, OpusData: plaintext}:
	default:
		s.audio.AddPlaybackDrop()
	}
}

// videoLoop feeds the video pipeline's reassembly/decode path; sealing and
// fragmentation of outgoing video is already handled inside VideoPipeline
// itself (see client/video.go), since it owns the frame/fragment counters
// the nonce's `extra` field depends on.
func (s *Session) videoLoop(ctx context.Context) {
	if s.video == nil {
		return
	}
	s.video.StartDecoding(nil, s.videoRecv)
	<-ctx.Done()
}
