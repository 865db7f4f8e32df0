package wire

// msgTag identifies a control message variant. The protocol is a closed
// tagged union: the codec dispatches on this single byte and decodes a
// fixed schema per variant. An unknown tag
// from a peer is fatal at handshake time, not silently ignored.
type msgTag uint8

const (
	// Client -> server.
	tagHandshake msgTag = iota + 1
	tagCreateChannel
	tagJoinChannel
	tagLeaveChannel
	tagSetChannelPassword
	tagDeleteChannel
	tagKickUser
	tagSendInvite
	tagAcceptInvite
	tagDeclineInvite
	tagUploadPreKeyBundle
	tagFetchPreKeyBundle
	tagSendEncryptedChannelMessage
	tagSendEncryptedDirectMessage
	tagSendEncryptedPoke
	tagStartScreenShare
	tagStopScreenShare
	tagWatchScreenShare
	tagStopWatching
	tagKeyframeProduced
	tagPing
	tagDisconnect

	// Server -> client.
	tagHandshakeOk
	tagVersionMismatch
	tagUsernameTaken
	tagChannelList
	tagUserList
	tagUserJoined
	tagUserLeft
	tagUserMuted
	tagUserDeafened
	tagUserSpeaking
	tagChannelCreated
	tagChannelDeleted
	tagChannelUpdated
	tagKicked
	tagInviteReceived
	tagInviteAccepted
	tagInviteDeclined
	tagEncryptedChannelMessage
	tagEncryptedDirectMessage
	tagEncryptedPoke
	tagPreKeyBundle
	tagOneTimeKeyExhausted
	tagScreenShareStarted
	tagScreenShareStopped
	tagViewerCountChanged
	tagKeyframeRequested
	tagScreenShareForceStopped
	tagPong
	tagError
)

// Message is implemented by every control message variant.
type Message interface {
	tag() msgTag
}

// --- shared sub-structures ---

// ChannelSummary describes a channel in listings and join/create replies.
type ChannelSummary struct {
	ID          uint32
	Name        string
	Description string
	HasPassword bool
	MaxUsers    uint32
	UserCount   uint32
}

func (e *encoder) channelSummary(c ChannelSummary) {
	e.u32(c.ID)
	e.str(c.Name)
	e.str(c.Description)
	e.bool(c.HasPassword)
	e.u32(c.MaxUsers)
	e.u32(c.UserCount)
}

func (d *decoder) channelSummary() (ChannelSummary, error) {
	var c ChannelSummary
	var err error
	if c.ID, err = d.u32(); err != nil {
		return c, err
	}
	if c.Name, err = d.str(); err != nil {
		return c, err
	}
	if c.Description, err = d.str(); err != nil {
		return c, err
	}
	if c.HasPassword, err = d.boolean(); err != nil {
		return c, err
	}
	if c.MaxUsers, err = d.u32(); err != nil {
		return c, err
	}
	if c.UserCount, err = d.u32(); err != nil {
		return c, err
	}
	return c, nil
}

// UserSummary describes a connected user in listings.
type UserSummary struct {
	ID        uint32
	Username  string
	ChannelID uint32
}

func (e *encoder) userSummary(u UserSummary) {
	e.u32(u.ID)
	e.str(u.Username)
	e.u32(u.ChannelID)
}

func (d *decoder) userSummary() (UserSummary, error) {
	var u UserSummary
	var err error
	if u.ID, err = d.u32(); err != nil {
		return u, err
	}
	if u.Username, err = d.str(); err != nil {
		return u, err
	}
	if u.ChannelID, err = d.u32(); err != nil {
		return u, err
	}
	return u, nil
}

func (e *encoder) channelSummaries(cs []ChannelSummary) {
	e.u16(uint16(len(cs)))
	for _, c := range cs {
		e.channelSummary(c)
	}
}

func (d *decoder) channelSummaries() ([]ChannelSummary, error) {
	n, err := d.u16()
	if err != nil {
		return nil, err
	}
	out := make([]ChannelSummary, 0, n)
	for i := uint16(0); i < n; i++ {
		c, err := d.channelSummary()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (e *encoder) userSummaries(us []UserSummary) {
	e.u16(uint16(len(us)))
	for _, u := range us {
		e.userSummary(u)
	}
}

func (d *decoder) userSummaries() ([]UserSummary, error) {
	n, err := d.u16()
	if err != nil {
		return nil, err
	}
	out := make([]UserSummary, 0, n)
	for i := uint16(0); i < n; i++ {
		u, err := d.userSummary()
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// OneTimeKeyWire is a single one-time pre-key as carried on the wire.
type OneTimeKeyWire struct {
	ID     uint32
	Public [32]byte
}

// --- client -> server ---

type Handshake struct {
	ProtocolVersion uint32
	AppVersion      string
	Username        string
}

func (Handshake) tag() msgTag { return tagHandshake }

type CreateChannel struct {
	Name        string
	Description string
	Password    string
	MaxUsers    uint32
}

func (CreateChannel) tag() msgTag { return tagCreateChannel }

type JoinChannel struct {
	ChannelID uint32
	Password  string
}

func (JoinChannel) tag() msgTag { return tagJoinChannel }

type LeaveChannel struct{}

func (LeaveChannel) tag() msgTag { return tagLeaveChannel }

type SetChannelPassword struct {
	ChannelID uint32
	Password  string
}

func (SetChannelPassword) tag() msgTag { return tagSetChannelPassword }

type DeleteChannel struct {
	ChannelID uint32
}

func (DeleteChannel) tag() msgTag { return tagDeleteChannel }

type KickUser struct {
	TargetUserID uint32
	Reason       string
}

func (KickUser) tag() msgTag { return tagKickUser }

type SendInvite struct {
	TargetUserID uint32
}

func (SendInvite) tag() msgTag { return tagSendInvite }

type AcceptInvite struct {
	ChannelID     uint32
	InviterUserID uint32
}

func (AcceptInvite) tag() msgTag { return tagAcceptInvite }

type DeclineInvite struct {
	ChannelID     uint32
	InviterUserID uint32
}

func (DeclineInvite) tag() msgTag { return tagDeclineInvite }

type UploadPreKeyBundle struct {
	IdentityDHPublic      [32]byte
	IdentitySignPublic    [32]byte
	SignedPreKeyID        uint32
	SignedPreKeyPublic    [32]byte
	SignedPreKeySignature [64]byte
	OneTimePreKeys        []OneTimeKeyWire
}

func (UploadPreKeyBundle) tag() msgTag { return tagUploadPreKeyBundle }

type FetchPreKeyBundle struct {
	TargetUserID uint32
}

func (FetchPreKeyBundle) tag() msgTag { return tagFetchPreKeyBundle }

type SendEncryptedChannelMessage struct {
	ChannelID  uint32
	Ciphertext []byte
}

func (SendEncryptedChannelMessage) tag() msgTag { return tagSendEncryptedChannelMessage }

type SendEncryptedDirectMessage struct {
	TargetUserID uint32
	Ciphertext   []byte
}

func (SendEncryptedDirectMessage) tag() msgTag { return tagSendEncryptedDirectMessage }

type SendEncryptedPoke struct {
	TargetUserID uint32
	Ciphertext   []byte
}

func (SendEncryptedPoke) tag() msgTag { return tagSendEncryptedPoke }

type StartScreenShare struct{}

func (StartScreenShare) tag() msgTag { return tagStartScreenShare }

type StopScreenShare struct{}

func (StopScreenShare) tag() msgTag { return tagStopScreenShare }

type WatchScreenShare struct {
	SharerUserID uint32
}

func (WatchScreenShare) tag() msgTag { return tagWatchScreenShare }

type StopWatching struct{}

func (StopWatching) tag() msgTag { return tagStopWatching }

type KeyframeProduced struct{}

func (KeyframeProduced) tag() msgTag { return tagKeyframeProduced }

type Ping struct {
	Timestamp int64
}

func (Ping) tag() msgTag { return tagPing }

type Disconnect struct{}

func (Disconnect) tag() msgTag { return tagDisconnect }

// --- server -> client ---

type HandshakeOk struct {
	UserID   uint32
	Channels []ChannelSummary
	Users    []UserSummary
}

func (HandshakeOk) tag() msgTag { return tagHandshakeOk }

type VersionMismatch struct {
	ServerVersion uint32
}

func (VersionMismatch) tag() msgTag { return tagVersionMismatch }

type UsernameTaken struct{}

func (UsernameTaken) tag() msgTag { return tagUsernameTaken }

type ChannelList struct {
	Channels []ChannelSummary
}

func (ChannelList) tag() msgTag { return tagChannelList }

type UserList struct {
	ChannelID uint32
	Users     []UserSummary
}

func (UserList) tag() msgTag { return tagUserList }

type UserJoined struct {
	ChannelID uint32
	User      UserSummary
}

func (UserJoined) tag() msgTag { return tagUserJoined }

type UserLeft struct {
	ChannelID uint32
	UserID    uint32
}

func (UserLeft) tag() msgTag { return tagUserLeft }

type UserMuted struct {
	UserID uint32
	Muted  bool
}

func (UserMuted) tag() msgTag { return tagUserMuted }

type UserDeafened struct {
	UserID   uint32
	Deafened bool
}

func (UserDeafened) tag() msgTag { return tagUserDeafened }

type UserSpeaking struct {
	UserID   uint32
	Speaking bool
}

func (UserSpeaking) tag() msgTag { return tagUserSpeaking }

type ChannelCreated struct {
	Channel ChannelSummary
}

func (ChannelCreated) tag() msgTag { return tagChannelCreated }

type ChannelDeleted struct {
	ChannelID uint32
}

func (ChannelDeleted) tag() msgTag { return tagChannelDeleted }

type ChannelUpdated struct {
	Channel ChannelSummary
}

func (ChannelUpdated) tag() msgTag { return tagChannelUpdated }

type Kicked struct {
	Reason string
}

func (Kicked) tag() msgTag { return tagKicked }

type InviteReceived struct {
	ChannelID       uint32
	ChannelName     string
	InviterUsername string
	InviterUserID   uint32
}

func (InviteReceived) tag() msgTag { return tagInviteReceived }

type InviteAccepted struct {
	ChannelID    uint32
	TargetUserID uint32
}

func (InviteAccepted) tag() msgTag { return tagInviteAccepted }

type InviteDeclined struct {
	ChannelID    uint32
	TargetUserID uint32
}

func (InviteDeclined) tag() msgTag { return tagInviteDeclined }

type EncryptedChannelMessage struct {
	ChannelID    uint32
	SenderUserID uint32
	Ciphertext   []byte
}

func (EncryptedChannelMessage) tag() msgTag { return tagEncryptedChannelMessage }

type EncryptedDirectMessage struct {
	SenderUserID uint32
	Ciphertext   []byte
}

func (EncryptedDirectMessage) tag() msgTag { return tagEncryptedDirectMessage }

type EncryptedPoke struct {
	SenderUserID uint32
	Ciphertext   []byte
}

func (EncryptedPoke) tag() msgTag { return tagEncryptedPoke }

type PreKeyBundle struct {
	UserID                uint32
	IdentityDHPublic      [32]byte
	IdentitySignPublic    [32]byte
	SignedPreKeyID        uint32
	SignedPreKeyPublic    [32]byte
	SignedPreKeySignature [64]byte
	HasOneTimePreKey      bool
	OneTimePreKey         OneTimeKeyWire
}

func (PreKeyBundle) tag() msgTag { return tagPreKeyBundle }

type OneTimeKeyExhausted struct {
	UserID uint32
}

func (OneTimeKeyExhausted) tag() msgTag { return tagOneTimeKeyExhausted }

type ScreenShareStarted struct {
	ChannelID    uint32
	SharerUserID uint32
}

func (ScreenShareStarted) tag() msgTag { return tagScreenShareStarted }

type ScreenShareStopped struct {
	ChannelID    uint32
	SharerUserID uint32
}

func (ScreenShareStopped) tag() msgTag { return tagScreenShareStopped }

type ViewerCountChanged struct {
	Count uint32
}

func (ViewerCountChanged) tag() msgTag { return tagViewerCountChanged }

type KeyframeRequested struct{}

func (KeyframeRequested) tag() msgTag { return tagKeyframeRequested }

type ScreenShareForceStopped struct{}

func (ScreenShareForceStopped) tag() msgTag { return tagScreenShareForceStopped }

type Pong struct {
	EchoedTimestamp int64
}

func (Pong) tag() msgTag { return tagPong }

type Error struct {
	Kind string
	Text string
}

func (Error) tag() msgTag { return tagError }
