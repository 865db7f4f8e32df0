package main

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/quic-go/webtransport-go"

	"github.com/luki4fun/VoIPC/internal/limits"
	"github.com/luki4fun/VoIPC/internal/wire"
)

// Circuit breaker constants for datagram fan-out: after
// circuitBreakerThreshold consecutive
// SendDatagram failures the breaker opens and the session is skipped by
// future sends, with an occasional probe to detect recovery.
const (
	circuitBreakerThreshold     uint32 = 50
	circuitBreakerProbeInterval uint32 = 25
)

// sendHealth implements the per-session circuit breaker.
type sendHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	n := h.skips.Add(1)
	return n%circuitBreakerProbeInterval != 0
}

func (h *sendHealth) recordFailure() { h.failures.Add(1) }

func (h *sendHealth) recordSuccess() {
	if h.failures.Swap(0) >= circuitBreakerThreshold {
		h.skips.Store(0)
	}
}

// preKeyBundle is the opaque per-user key material the registry stores and
// hands out to other users on FetchPreKeyBundle. The server never inspects
// these beyond their shape.
type preKeyBundle struct {
	identityDH      [32]byte
	identitySign    [32]byte
	signedPreKeyID  uint32
	signedPreKey    [32]byte
	signedSignature [64]byte
	oneTime         []wire.OneTimeKeyWire
}

// session is the per-connection actor: it
// owns the control stream and serializes every state mutation for its user.
// Other sessions only ever reach it through sendMessage/sendDatagram.
type session struct {
	registry *Registry

	ctrlMu sync.Mutex
	ctrl   io.ReadWriter

	wt *webtransport.Session

	cancel context.CancelFunc

	userID   uint32
	username string

	bundleMu sync.Mutex
	bundle   *preKeyBundle

	health sendHealth
}

// sendMessage frames and writes a single control message. Safe for
// concurrent use; broadcast fan-out calls this from other sessions' actors.
func (s *session) sendMessage(msg wire.Message) {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	if err := wire.WriteMessage(s.ctrl, msg); err != nil {
		log.Printf("[session %d] control write: %v", s.userID, err)
	}
}

func (s *session) sendError(kind, text string) {
	s.sendMessage(wire.Error{Kind: kind, Text: text})
}

// sendDatagram forwards a raw media datagram. The circuit breaker skips
// sends to sessions with a run of recent failures, probing occasionally to
// detect recovery, so the relay doesn't keep paying for an unreachable peer
// every fan-out.
func (s *session) sendDatagram(data []byte) {
	if s.health.shouldSkip() {
		return
	}
	if err := s.wt.SendDatagram(data); err != nil {
		s.health.recordFailure()
		return
	}
	s.health.recordSuccess()
}

// handleSession drives one WebTransport connection end to end: handshake,
// control dispatch loop, and teardown. It never returns until the session
// ends.
func handleSession(ctx context.Context, wtSess *webtransport.Session, reg *Registry) {
	ctx, cancel := context.WithCancel(ctx)
	s := &session{registry: reg, wt: wtSess, cancel: cancel}

	defer func() {
		cancel()
		if s.userID != 0 {
			teardownSession(reg, s)
		}
		wtSess.CloseWithError(0, "")
	}()

	stream, err := wtSess.AcceptStream(ctx)
	if err != nil {
		log.Printf("[server] accept control stream: %v", err)
		return
	}
	s.ctrl = stream

	first, err := wire.ReadMessage(stream)
	if err != nil {
		log.Printf("[server] read handshake: %v", err)
		return
	}
	hs, ok := first.(wire.Handshake)
	if !ok {
		log.Printf("[server] first message was not a handshake (%T)", first)
		return
	}
	if hs.ProtocolVersion != limits.ProtocolVersion {
		s.sendMessage(wire.VersionMismatch{ServerVersion: limits.ProtocolVersion})
		return
	}
	if len(hs.Username) == 0 || len(hs.Username) > limits.MaxUsername {
		s.sendError("InvalidField", "username length out of range")
		return
	}

	user, channels, lobbyUsers, err := reg.Handshake(hs.Username, s)
	if err != nil {
		if errors.Is(err, errUsernameTaken) {
			s.sendMessage(wire.UsernameTaken{})
		} else if errors.Is(err, errServerFull) {
			s.sendError("ServerFull", err.Error())
		}
		return
	}
	s.userID = user.ID
	s.username = user.Username

	s.sendMessage(wire.HandshakeOk{UserID: user.ID, Channels: channels, Users: lobbyUsers})
	broadcastToChannel(reg, limits.LobbyChannelID, user.ID, wire.UserJoined{
		ChannelID: limits.LobbyChannelID,
		User:      wire.UserSummary{ID: user.ID, Username: user.Username, ChannelID: limits.LobbyChannelID},
	})

	go readDatagrams(ctx, s, reg)

	for {
		msg, err := wire.ReadMessage(stream)
		if err != nil {
			if err != io.EOF {
				log.Printf("[session %d] control read: %v", s.userID, err)
			}
			return
		}
		dispatchControl(reg, s, msg)
	}
}

// teardownSession removes the disconnecting user from the registry and
// notifies the channel they were in.
func teardownSession(reg *Registry, s *session) {
	shareCh, sharing := reg.IsSharing(s.userID)
	oldChannel, ok := reg.Disconnect(s.userID)
	if !ok {
		return
	}
	if sharing {
		// The sharer itself is gone; the channel still needs to hear the
		// share ended so watchers stop waiting for fragments.
		forceStopScreenShare(reg, shareCh, s, false)
	}
	broadcastToChannel(reg, oldChannel, s.userID, wire.UserLeft{ChannelID: oldChannel, UserID: s.userID})
}

// broadcastToChannel sends msg to every member of channelID except
// excludeUserID; the actor of an event is never told about its own
// movement via broadcast.
func broadcastToChannel(reg *Registry, channelID, excludeUserID uint32, msg wire.Message) {
	for _, member := range reg.ChannelMembers(channelID, excludeUserID) {
		member.sendMessage(msg)
	}
}

// dispatchControl handles one decoded control message from s. Extracted
// from the read loop so it can be exercised directly in tests without a
// live WebTransport session.
func dispatchControl(reg *Registry, s *session, msg wire.Message) {
	switch m := msg.(type) {
	case wire.CreateChannel:
		c, err := reg.CreateChannel(m.Name, m.Description, m.Password, m.MaxUsers, s.userID)
		if err != nil {
			s.sendError(kindForErr(err), err.Error())
			return
		}
		broadcastAll(reg, wire.ChannelCreated{Channel: channelSummary(c)})

	case wire.JoinChannel:
		shareCh, sharing := reg.IsSharing(s.userID)
		old, new_, roster, err := reg.JoinChannel(s.userID, m.ChannelID, m.Password)
		if err != nil {
			s.sendError(kindForErr(err), err.Error())
			return
		}
		if sharing && old != new_ {
			forceStopScreenShare(reg, shareCh, s, true)
		}
		broadcastToChannel(reg, old, s.userID, wire.UserLeft{ChannelID: old, UserID: s.userID})
		broadcastToChannel(reg, new_, s.userID, wire.UserJoined{
			ChannelID: new_,
			User:      wire.UserSummary{ID: s.userID, Username: s.username, ChannelID: new_},
		})
		s.sendMessage(wire.UserList{ChannelID: new_, Users: roster})

	case wire.LeaveChannel:
		shareCh, sharing := reg.IsSharing(s.userID)
		old, new_, roster, err := reg.JoinChannel(s.userID, limits.LobbyChannelID, "")
		if err != nil {
			return
		}
		if sharing && old != new_ {
			forceStopScreenShare(reg, shareCh, s, true)
		}
		broadcastToChannel(reg, old, s.userID, wire.UserLeft{ChannelID: old, UserID: s.userID})
		broadcastToChannel(reg, new_, s.userID, wire.UserJoined{
			ChannelID: new_,
			User:      wire.UserSummary{ID: s.userID, Username: s.username, ChannelID: new_},
		})
		s.sendMessage(wire.UserList{ChannelID: new_, Users: roster})

	case wire.SetChannelPassword:
		if err := reg.SetChannelPassword(m.ChannelID, s.userID, m.Password); err != nil {
			s.sendError(kindForErr(err), err.Error())
			return
		}
		if c, ok := reg.Channel(m.ChannelID); ok {
			broadcastAll(reg, wire.ChannelUpdated{Channel: channelSummary(c)})
		}

	case wire.DeleteChannel:
		c, ok := reg.Channel(m.ChannelID)
		if !ok {
			s.sendError(kindForErr(errUnknownChannel), errUnknownChannel.Error())
			return
		}
		if c.CreatedBy != s.userID {
			s.sendError(kindForErr(errNotCreator), errNotCreator.Error())
			return
		}
		evicted, ok := reg.DeleteChannel(m.ChannelID)
		if !ok {
			return
		}
		broadcastAll(reg, wire.ChannelDeleted{ChannelID: m.ChannelID})
		for _, id := range evicted {
			mu, ok := reg.User(id)
			if !ok {
				continue
			}
			broadcastToChannel(reg, limits.LobbyChannelID, id, wire.UserJoined{
				ChannelID: limits.LobbyChannelID,
				User:      userSummary(mu),
			})
		}
		summaries := reg.UsersInChannel(limits.LobbyChannelID)
		for _, id := range evicted {
			if member, ok := reg.User(id); ok {
				member.sess.sendMessage(wire.UserList{ChannelID: limits.LobbyChannelID, Users: summaries})
			}
		}

	case wire.KickUser:
		_, targetSharing := reg.IsSharing(m.TargetUserID)
		oldCh, err := reg.Kick(s.userID, m.TargetUserID)
		if err != nil {
			s.sendError(kindForErr(err), err.Error())
			return
		}
		target, ok := reg.User(m.TargetUserID)
		if !ok {
			return
		}
		if targetSharing {
			forceStopScreenShare(reg, oldCh, target.sess, true)
		}
		target.sess.sendMessage(wire.Kicked{Reason: m.Reason})
		broadcastToChannel(reg, oldCh, m.TargetUserID, wire.UserLeft{ChannelID: oldCh, UserID: m.TargetUserID})
		broadcastToChannel(reg, limits.LobbyChannelID, m.TargetUserID, wire.UserJoined{
			ChannelID: limits.LobbyChannelID,
			User:      userSummary(target),
		})
		target.sess.sendMessage(wire.UserList{
			ChannelID: limits.LobbyChannelID,
			Users:     reg.UsersInChannel(limits.LobbyChannelID),
		})

	case wire.SendInvite:
		target, ok := reg.User(m.TargetUserID)
		if !ok {
			return
		}
		u, ok := reg.User(s.userID)
		if !ok {
			return
		}
		c, ok := reg.Channel(u.ChannelID)
		if !ok || c.CreatedBy != s.userID {
			s.sendError(kindForErr(errNotCreator), errNotCreator.Error())
			return
		}
		target.sess.sendMessage(wire.InviteReceived{
			ChannelID:       u.ChannelID,
			ChannelName:     c.Name,
			InviterUsername: s.username,
			InviterUserID:   s.userID,
		})

	case wire.AcceptInvite:
		if inviter, ok := reg.User(m.InviterUserID); ok {
			inviter.sess.sendMessage(wire.InviteAccepted{ChannelID: m.ChannelID, TargetUserID: s.userID})
		}

	case wire.DeclineInvite:
		if inviter, ok := reg.User(m.InviterUserID); ok {
			inviter.sess.sendMessage(wire.InviteDeclined{ChannelID: m.ChannelID, TargetUserID: s.userID})
		}

	case wire.UploadPreKeyBundle:
		s.bundleMu.Lock()
		s.bundle = &preKeyBundle{
			identityDH:      m.IdentityDHPublic,
			identitySign:    m.IdentitySignPublic,
			signedPreKeyID:  m.SignedPreKeyID,
			signedPreKey:    m.SignedPreKeyPublic,
			signedSignature: m.SignedPreKeySignature,
			oneTime:         m.OneTimePreKeys,
		}
		s.bundleMu.Unlock()

	case wire.FetchPreKeyBundle:
		target, ok := reg.User(m.TargetUserID)
		if !ok {
			return
		}
		target.sess.bundleMu.Lock()
		b := target.sess.bundle
		var otk wire.OneTimeKeyWire
		hasOTK := false
		if b != nil && len(b.oneTime) > 0 {
			otk = b.oneTime[0]
			b.oneTime = b.oneTime[1:]
			hasOTK = true
		}
		reply := wire.PreKeyBundle{UserID: m.TargetUserID}
		if b != nil {
			reply.IdentityDHPublic = b.identityDH
			reply.IdentitySignPublic = b.identitySign
			reply.SignedPreKeyID = b.signedPreKeyID
			reply.SignedPreKeyPublic = b.signedPreKey
			reply.SignedPreKeySignature = b.signedSignature
		}
		reply.HasOneTimePreKey = hasOTK
		if hasOTK {
			reply.OneTimePreKey = otk
		}
		exhausted := b != nil && len(b.oneTime) == 0
		target.sess.bundleMu.Unlock()
		s.sendMessage(reply)
		if exhausted {
			s.sendMessage(wire.OneTimeKeyExhausted{UserID: m.TargetUserID})
		}

	case wire.SendEncryptedChannelMessage:
		broadcastToChannel(reg, m.ChannelID, 0, wire.EncryptedChannelMessage{
			ChannelID: m.ChannelID, SenderUserID: s.userID, Ciphertext: m.Ciphertext,
		})

	case wire.SendEncryptedDirectMessage:
		if target, ok := reg.User(m.TargetUserID); ok {
			target.sess.sendMessage(wire.EncryptedDirectMessage{SenderUserID: s.userID, Ciphertext: m.Ciphertext})
		}

	case wire.SendEncryptedPoke:
		if target, ok := reg.User(m.TargetUserID); ok {
			target.sess.sendMessage(wire.EncryptedPoke{SenderUserID: s.userID, Ciphertext: m.Ciphertext})
		}

	case wire.StartScreenShare:
		startScreenShare(reg, s)

	case wire.StopScreenShare:
		stopScreenShare(reg, s)

	case wire.WatchScreenShare:
		watchScreenShare(reg, s, m.SharerUserID)

	case wire.StopWatching:
		watchScreenShare(reg, s, 0)

	case wire.KeyframeProduced:
		// informational only; the relay does not need to react.

	case wire.Ping:
		s.sendMessage(wire.Pong{EchoedTimestamp: m.Timestamp})

	case wire.Disconnect:
		s.cancel()

	default:
		log.Printf("[session %d] unexpected message type %T", s.userID, msg)
	}
}

// broadcastAll sends msg to every connected user.
func broadcastAll(reg *Registry, msg wire.Message) {
	reg.usrMu.RLock()
	sessions := make([]*session, 0, len(reg.users))
	for _, u := range reg.users {
		sessions = append(sessions, u.sess)
	}
	reg.usrMu.RUnlock()
	for _, sess := range sessions {
		sess.sendMessage(msg)
	}
}

// kindForErr maps a registry error to the wire.Error "kind" string clients
// match on.
func kindForErr(err error) string {
	switch {
	case errors.Is(err, errUsernameTaken):
		return "UsernameTaken"
	case errors.Is(err, errServerFull):
		return "ServerFull"
	case errors.Is(err, errWrongPassword):
		return "WrongChannelPassword"
	case errors.Is(err, errChannelFull):
		return "ChannelFull"
	case errors.Is(err, errUnknownChannel):
		return "UnknownChannelId"
	case errors.Is(err, errUnknownUser):
		return "UnknownUserId"
	case errors.Is(err, errNotCreator), errors.Is(err, errCannotKickCreator):
		return "Forbidden"
	case errors.Is(err, errChannelNameTaken), errors.Is(err, errChannelLimitReached), errors.Is(err, errInvalidField):
		return "InvalidField"
	default:
		return "Internal"
	}
}
