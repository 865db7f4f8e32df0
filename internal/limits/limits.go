// Package limits centralizes the normative size and rate bounds shared by
// the wire codec, the server registry, and the media relay. Keeping them in
// one place avoids the drift that comes from scattering magic numbers across
// packages that must agree on the same wire contract.
package limits

import "time"

const (
	// ProtocolVersion is the control-handshake protocol version this build
	// speaks. A mismatched peer is rejected before any session state exists.
	ProtocolVersion = 3

	// MaxControlFrame is the maximum control frame size, length prefix
	// excluded, in bytes (64 KiB).
	MaxControlFrame = 64 * 1024

	// MaxVoicePacket is the maximum size of a voice datagram, header
	// included, in bytes.
	MaxVoicePacket = 512

	// MaxVideoPacket is the maximum size of a video fragment datagram,
	// header included, in bytes. Sized to survive common VPN tunnel MTUs.
	MaxVideoPacket = 1280

	// VoiceHeaderSize is the length of the unencrypted voice packet prefix.
	VoiceHeaderSize = 17

	// VideoHeaderSize is the length of the unencrypted video packet prefix.
	VideoHeaderSize = 23

	// MaxUsername is the maximum username length in bytes.
	MaxUsername = 32

	// MaxChannelName is the maximum channel name length in bytes.
	MaxChannelName = 32

	// MaxConversationLog is the number of messages retained per chat
	// conversation (channel or DM) before the oldest is evicted.
	MaxConversationLog = 500

	// MaxOneTimePreKeys is the target size of a user's one-time pre-key
	// pool; the client tops its pool back up to this size before every
	// bundle upload.
	MaxOneTimePreKeys = 100

	// MaxSkippedMessageKeys bounds how many out-of-order double-ratchet
	// message keys are cached per chain before a gap is unrecoverable.
	MaxSkippedMessageKeys = 1024

	// PBKDF2Iterations is the password-vault key-stretching work factor.
	PBKDF2Iterations = 600_000

	// DefaultTCPPort / DefaultUDPPort are the default control/media ports.
	DefaultTCPPort = 9987
	DefaultUDPPort = 9987

	// DefaultMaxUsers is the default server-wide connection cap.
	DefaultMaxUsers = 64

	// DefaultMaxChannels bounds how many non-lobby channels may exist at once.
	DefaultMaxChannels = 50

	// LobbyChannelID is the permanent, un-deletable, voice-disabled channel.
	LobbyChannelID = 0
)

const (
	// EmptyChannelTimeout is how long an empty, non-lobby channel survives
	// before being garbage-collected.
	EmptyChannelTimeout = 300 * time.Second

	// RequestTimeout is how long a correlated client request waits for a
	// reply before failing with RequestTimeout.
	RequestTimeout = 10 * time.Second

	// ReconnectBackoffMin / Max bound the exponential backoff used by the
	// client's auto-reconnect loop.
	ReconnectBackoffMin = 1 * time.Second
	ReconnectBackoffMax = 10 * time.Second

	// ReconnectDeadline is the total time from the initial connection loss
	// after which auto-reconnect gives up.
	ReconnectDeadline = 30 * time.Second

	// KeyRotationThreshold is how close `sequence` may get to wrapping
	// (2^32) before a channel media key rotation is mandatory.
	KeyRotationThreshold = 1 << 32 - (1 << 20)
)

// MaxVideoFragmentPayload is the largest ciphertext+tag chunk a video
// fragment may carry, derived from the datagram cap minus the header.
const MaxVideoFragmentPayload = MaxVideoPacket - VideoHeaderSize
