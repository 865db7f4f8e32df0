package main

import (
	"context"

	"github.com/luki4fun/VoIPC/internal/wire"
)

// Transporter is the client control runtime: it owns the
// control stream and datagram socket, demultiplexes incoming messages onto
// the typed event sinks below, and exposes one method per client->server
// operation in the closed tagged union. Defining it here lets Session
// be tested against a fake transport.
type Transporter interface {
	Connect(ctx context.Context, addr, username string) error
	Disconnect()

	MyID() uint32
	GetMetrics() Metrics

	// Media datagrams. Encryption happens above this layer (Session seals
	// voice, VideoPipeline seals video); Transporter only frames and routes.
	SendVoice(sessionID, sequence uint32, ciphertext []byte) error
	SendVideoFragment(hdr wire.VideoHeader, ciphertext []byte) error
	StartReceiving(ctx context.Context, voice chan<- VoiceDatagram, video chan<- VideoDatagram)

	// Channel membership.
	JoinChannel(channelID uint32, password string) error
	LeaveChannel() error
	CreateChannel(name, description, password string, maxUsers uint32) error
	SetChannelPassword(channelID uint32, password string) error
	DeleteChannel(channelID uint32) error
	KickUser(targetUserID uint32, reason string) error

	// Invites.
	SendInvite(targetUserID uint32) error
	AcceptInvite(channelID, inviterUserID uint32) error
	DeclineInvite(channelID, inviterUserID uint32) error

	// Pre-key bundle exchange.
	UploadPreKeyBundle(b wire.UploadPreKeyBundle) error
	FetchPreKeyBundle(targetUserID uint32) error

	// Already-E2E-encrypted payloads; the server only routes these.
	SendEncryptedChannelMessage(channelID uint32, ciphertext []byte) error
	SendEncryptedDirectMessage(targetUserID uint32, ciphertext []byte) error
	SendEncryptedPoke(targetUserID uint32, ciphertext []byte) error

	// Screen sharing.
	StartScreenShare() error
	StopScreenShare() error
	WatchScreenShare(sharerUserID uint32) error
	StopWatching() error
	KeyframeProduced() error

	// Callback setters — prefer setters over exported fields so the
	// interface can be satisfied by both the real Transport and test doubles.
	SetOnHandshakeOk(fn func(wire.HandshakeOk))
	SetOnVersionMismatch(fn func(wire.VersionMismatch))
	SetOnUsernameTaken(fn func())
	SetOnChannelList(fn func(wire.ChannelList))
	SetOnUserList(fn func(wire.UserList))
	SetOnUserJoined(fn func(wire.UserJoined))
	SetOnUserLeft(fn func(wire.UserLeft))
	SetOnChannelCreated(fn func(wire.ChannelCreated))
	SetOnChannelDeleted(fn func(wire.ChannelDeleted))
	SetOnChannelUpdated(fn func(wire.ChannelUpdated))
	SetOnKicked(fn func(wire.Kicked))
	SetOnInviteReceived(fn func(wire.InviteReceived))
	SetOnInviteAccepted(fn func(wire.InviteAccepted))
	SetOnInviteDeclined(fn func(wire.InviteDeclined))
	SetOnEncryptedChannelMessage(fn func(wire.EncryptedChannelMessage))
	SetOnEncryptedDirectMessage(fn func(wire.EncryptedDirectMessage))
	SetOnEncryptedPoke(fn func(wire.EncryptedPoke))
	SetOnPreKeyBundle(fn func(wire.PreKeyBundle))
	SetOnOneTimeKeyExhausted(fn func(wire.OneTimeKeyExhausted))
	SetOnScreenShareStarted(fn func(wire.ScreenShareStarted))
	SetOnScreenShareStopped(fn func(wire.ScreenShareStopped))
	SetOnViewerCountChanged(fn func(wire.ViewerCountChanged))
	SetOnKeyframeRequested(fn func())
	SetOnScreenShareForceStopped(fn func())
	SetOnError(fn func(wire.Error))
	SetOnDisconnected(fn func(reason string))
}

// VoiceDatagram is a received, still-encrypted voice (or screen-audio)
// packet paired with its plaintext routing header.
type VoiceDatagram struct {
	Header     wire.VoiceHeader
	Ciphertext []byte
}

// VideoDatagram is a received, still-encrypted video fragment.
type VideoDatagram struct {
	Header     wire.VideoHeader
	Ciphertext []byte
}

// TaggedAudio is a decoded voice frame tagged with the sender's ID and
// sequence number, as handed from Session's voice loop (after AEAD
// decryption) to AudioEngine's jitter buffer.
type TaggedAudio struct {
	SenderID uint32
	Seq      uint32
	OpusData []byte
}

// Metrics holds connection quality metrics shown to the user.
type Metrics struct {
	RTTMs      float64 `json:"rtt_ms"`
	JitterMs   float64 `json:"jitter_ms"`
	PacketLoss float64 `json:"packet_loss"`
	BytesSent  uint64  `json:"bytes_sent"`
}
