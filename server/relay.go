package main

import (
	"context"
	"log"

	"github.com/luki4fun/VoIPC/internal/limits"
	"github.com/luki4fun/VoIPC/internal/wire"
)

// readDatagrams relays media datagrams from one session's sender to the
// appropriate recipients. The server only ever reads the
// unencrypted header; the ciphertext that follows is opaque to it.
func readDatagrams(ctx context.Context, s *session, reg *Registry) {
	for {
		data, err := s.wt.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[session %d] datagram read: %v", s.userID, err)
			}
			return
		}
		routeDatagram(reg, s, data)
	}
}

// routeDatagram applies the membership/channel filter and forwards data to
// the right set of recipients depending on packet type.
func routeDatagram(reg *Registry, sender *session, data []byte) {
	hdr, err := wire.DecodeVoiceHeader(data)
	if err != nil {
		return
	}
	if hdr.UserID != sender.userID {
		return // never trust the client's own claimed sender id
	}

	u, ok := reg.User(sender.userID)
	if !ok {
		return
	}
	if hdr.ChannelID != u.ChannelID {
		return
	}
	if u.ChannelID == limits.LobbyChannelID {
		return // voice (and screen audio) disabled in the lobby
	}
	reg.RecordDatagram(len(data))

	switch hdr.PacketType {
	case wire.PacketVoice:
		if err := wire.ValidateVoiceDatagram(len(data)); err != nil {
			return
		}
		for _, member := range reg.ChannelMembers(u.ChannelID, sender.userID) {
			member.sendDatagram(data)
		}

	case wire.PacketVideoHEVC, wire.PacketScreenAudio:
		if err := wire.ValidateVideoDatagram(len(data)); err != nil && hdr.PacketType == wire.PacketVideoHEVC {
			return
		}
		for _, watcher := range reg.Watchers(u.ChannelID, sender.userID) {
			watcher.sendDatagram(data)
		}

	default:
		// unknown packet_type: drop silently, never interpret the payload.
	}
}

// startScreenShare transitions a sharer from Idle to Advertising and tells
// the channel.
func startScreenShare(reg *Registry, s *session) {
	u, ok := reg.User(s.userID)
	if !ok {
		return
	}
	c, ok := reg.Channel(u.ChannelID)
	if !ok || u.ChannelID == limits.LobbyChannelID {
		return
	}
	reg.chMu.Lock()
	c.sharerUserID = s.userID
	reg.chMu.Unlock()
	broadcastToChannel(reg, u.ChannelID, 0, wire.ScreenShareStarted{ChannelID: u.ChannelID, SharerUserID: s.userID})
}

// stopScreenShare transitions back to Idle: the share flag is cleared,
// every watcher's flag is reset, and the channel hears ScreenShareStopped.
func stopScreenShare(reg *Registry, s *session) {
	u, ok := reg.User(s.userID)
	if !ok {
		return
	}
	c, ok := reg.Channel(u.ChannelID)
	if !ok {
		return
	}
	reg.chMu.Lock()
	wasSharer := c.sharerUserID == s.userID
	if wasSharer {
		c.sharerUserID = 0
	}
	reg.chMu.Unlock()
	if !wasSharer {
		return
	}
	reg.ClearWatchers(u.ChannelID, s.userID)
	broadcastToChannel(reg, u.ChannelID, s.userID, wire.ScreenShareStopped{ChannelID: u.ChannelID, SharerUserID: s.userID})
}

// forceStopScreenShare ends an active share on a forced transition (channel
// change, kick, disconnect): the sharer, if still connected,
// receives ScreenShareForceStopped so its capture pipeline halts, and the
// old channel hears ScreenShareStopped. Call with the channel/sharing pair
// captured via Registry.IsSharing before the move cleared the flag.
func forceStopScreenShare(reg *Registry, channelID uint32, sharer *session, notifySharer bool) {
	reg.ClearWatchers(channelID, sharer.userID)
	if notifySharer {
		sharer.sendMessage(wire.ScreenShareForceStopped{})
	}
	broadcastToChannel(reg, channelID, sharer.userID, wire.ScreenShareStopped{ChannelID: channelID, SharerUserID: sharer.userID})
}

// watchScreenShare updates s's watch target to sharerID (0 = stop watching)
// and delivers ViewerCountChanged / KeyframeRequested to the sharer per the
// Idle -> Advertising -> Capturing state machine.
func watchScreenShare(reg *Registry, s *session, sharerID uint32) {
	u, ok := reg.User(s.userID)
	if !ok {
		return
	}
	previous, ok := reg.SetWatching(s.userID, sharerID)
	if !ok || previous == sharerID {
		return
	}

	if previous != 0 {
		// A viewer left (or switched away from) previous: its count can only
		// shrink here, so this is never the 0 -> 1 transition that warrants a
		// fresh keyframe.
		notifyViewerCount(reg, u.ChannelID, previous, false)
	}
	if sharerID != 0 {
		notifyViewerCount(reg, u.ChannelID, sharerID, true)
	}
}

// notifyViewerCount recomputes sharerID's viewer count and tells it,
// requesting a fresh keyframe only when watcherAdded is true and the count
// just became 1 (the true 0 -> 1 transition), not on a
// decrease, e.g. when a different viewer switches away leaving this sharer
// at 1 from 2.
func notifyViewerCount(reg *Registry, channelID, sharerID uint32, watcherAdded bool) {
	sharer, ok := reg.User(sharerID)
	if !ok {
		return
	}
	n := reg.ViewerCount(channelID, sharerID)
	sharer.sess.sendMessage(wire.ViewerCountChanged{Count: uint32(n)})
	if watcherAdded && n == 1 {
		sharer.sess.sendMessage(wire.KeyframeRequested{})
	}
}
