package wire

import "github.com/luki4fun/VoIPC/internal/limits"

func (e *encoder) oneTimeKeys(keys []OneTimeKeyWire) {
	e.u16(uint16(len(keys)))
	for _, k := range keys {
		e.u32(k.ID)
		e.bytes32(k.Public)
	}
}

func (d *decoder) oneTimeKeys() ([]OneTimeKeyWire, error) {
	n, err := d.u16()
	if err != nil {
		return nil, err
	}
	out := make([]OneTimeKeyWire, 0, n)
	for i := uint16(0); i < n; i++ {
		var k OneTimeKeyWire
		if k.ID, err = d.u32(); err != nil {
			return nil, err
		}
		if k.Public, err = d.bytes32(); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// Encode serializes msg into tag‖body. The caller is responsible for
// length-prefixing per WriteFrame before putting it on the wire.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Handshake:
		e := newEncoder(m.tag())
		e.u32(m.ProtocolVersion)
		e.str(m.AppVersion)
		e.str(m.Username)
		return e.bytes(), nil
	case CreateChannel:
		e := newEncoder(m.tag())
		e.str(m.Name)
		e.str(m.Description)
		e.str(m.Password)
		e.u32(m.MaxUsers)
		return e.bytes(), nil
	case JoinChannel:
		e := newEncoder(m.tag())
		e.u32(m.ChannelID)
		e.str(m.Password)
		return e.bytes(), nil
	case LeaveChannel:
		return newEncoder(m.tag()).bytes(), nil
	case SetChannelPassword:
		e := newEncoder(m.tag())
		e.u32(m.ChannelID)
		e.str(m.Password)
		return e.bytes(), nil
	case DeleteChannel:
		e := newEncoder(m.tag())
		e.u32(m.ChannelID)
		return e.bytes(), nil
	case KickUser:
		e := newEncoder(m.tag())
		e.u32(m.TargetUserID)
		e.str(m.Reason)
		return e.bytes(), nil
	case SendInvite:
		e := newEncoder(m.tag())
		e.u32(m.TargetUserID)
		return e.bytes(), nil
	case AcceptInvite:
		e := newEncoder(m.tag())
		e.u32(m.ChannelID)
		e.u32(m.InviterUserID)
		return e.bytes(), nil
	case DeclineInvite:
		e := newEncoder(m.tag())
		e.u32(m.ChannelID)
		e.u32(m.InviterUserID)
		return e.bytes(), nil
	case UploadPreKeyBundle:
		e := newEncoder(m.tag())
		e.bytes32(m.IdentityDHPublic)
		e.bytes32(m.IdentitySignPublic)
		e.u32(m.SignedPreKeyID)
		e.bytes32(m.SignedPreKeyPublic)
		e.bytes64(m.SignedPreKeySignature)
		e.oneTimeKeys(m.OneTimePreKeys)
		return e.bytes(), nil
	case FetchPreKeyBundle:
		e := newEncoder(m.tag())
		e.u32(m.TargetUserID)
		return e.bytes(), nil
	case SendEncryptedChannelMessage:
		e := newEncoder(m.tag())
		e.u32(m.ChannelID)
		e.blob(m.Ciphertext)
		return e.bytes(), nil
	case SendEncryptedDirectMessage:
		e := newEncoder(m.tag())
		e.u32(m.TargetUserID)
		e.blob(m.Ciphertext)
		return e.bytes(), nil
	case SendEncryptedPoke:
		e := newEncoder(m.tag())
		e.u32(m.TargetUserID)
		e.blob(m.Ciphertext)
		return e.bytes(), nil
	case StartScreenShare:
		return newEncoder(m.tag()).bytes(), nil
	case StopScreenShare:
		return newEncoder(m.tag()).bytes(), nil
	case WatchScreenShare:
		e := newEncoder(m.tag())
		e.u32(m.SharerUserID)
		return e.bytes(), nil
	case StopWatching:
		return newEncoder(m.tag()).bytes(), nil
	case KeyframeProduced:
		return newEncoder(m.tag()).bytes(), nil
	case Ping:
		e := newEncoder(m.tag())
		e.i64(m.Timestamp)
		return e.bytes(), nil
	case Disconnect:
		return newEncoder(m.tag()).bytes(), nil

	case HandshakeOk:
		e := newEncoder(m.tag())
		e.u32(m.UserID)
		e.channelSummaries(m.Channels)
		e.userSummaries(m.Users)
		return e.bytes(), nil
	case VersionMismatch:
		e := newEncoder(m.tag())
		e.u32(m.ServerVersion)
		return e.bytes(), nil
	case UsernameTaken:
		return newEncoder(m.tag()).bytes(), nil
	case ChannelList:
		e := newEncoder(m.tag())
		e.channelSummaries(m.Channels)
		return e.bytes(), nil
	case UserList:
		e := newEncoder(m.tag())
		e.u32(m.ChannelID)
		e.userSummaries(m.Users)
		return e.bytes(), nil
	case UserJoined:
		e := newEncoder(m.tag())
		e.u32(m.ChannelID)
		e.userSummary(m.User)
		return e.bytes(), nil
	case UserLeft:
		e := newEncoder(m.tag())
		e.u32(m.ChannelID)
		e.u32(m.UserID)
		return e.bytes(), nil
	case UserMuted:
		e := newEncoder(m.tag())
		e.u32(m.UserID)
		e.bool(m.Muted)
		return e.bytes(), nil
	case UserDeafened:
		e := newEncoder(m.tag())
		e.u32(m.UserID)
		e.bool(m.Deafened)
		return e.bytes(), nil
	case UserSpeaking:
		e := newEncoder(m.tag())
		e.u32(m.UserID)
		e.bool(m.Speaking)
		return e.bytes(), nil
	case ChannelCreated:
		e := newEncoder(m.tag())
		e.channelSummary(m.Channel)
		return e.bytes(), nil
	case ChannelDeleted:
		e := newEncoder(m.tag())
		e.u32(m.ChannelID)
		return e.bytes(), nil
	case ChannelUpdated:
		e := newEncoder(m.tag())
		e.channelSummary(m.Channel)
		return e.bytes(), nil
	case Kicked:
		e := newEncoder(m.tag())
		e.str(m.Reason)
		return e.bytes(), nil
	case InviteReceived:
		e := newEncoder(m.tag())
		e.u32(m.ChannelID)
		e.str(m.ChannelName)
		e.str(m.InviterUsername)
		e.u32(m.InviterUserID)
		return e.bytes(), nil
	case InviteAccepted:
		e := newEncoder(m.tag())
		e.u32(m.ChannelID)
		e.u32(m.TargetUserID)
		return e.bytes(), nil
	case InviteDeclined:
		e := newEncoder(m.tag())
		e.u32(m.ChannelID)
		e.u32(m.TargetUserID)
		return e.bytes(), nil
	case EncryptedChannelMessage:
		e := newEncoder(m.tag())
		e.u32(m.ChannelID)
		e.u32(m.SenderUserID)
		e.blob(m.Ciphertext)
		return e.bytes(), nil
	case EncryptedDirectMessage:
		e := newEncoder(m.tag())
		e.u32(m.SenderUserID)
		e.blob(m.Ciphertext)
		return e.bytes(), nil
	case EncryptedPoke:
		e := newEncoder(m.tag())
		e.u32(m.SenderUserID)
		e.blob(m.Ciphertext)
		return e.bytes(), nil
	case PreKeyBundle:
		e := newEncoder(m.tag())
		e.u32(m.UserID)
		e.bytes32(m.IdentityDHPublic)
		e.bytes32(m.IdentitySignPublic)
		e.u32(m.SignedPreKeyID)
		e.bytes32(m.SignedPreKeyPublic)
		e.bytes64(m.SignedPreKeySignature)
		e.bool(m.HasOneTimePreKey)
		e.u32(m.OneTimePreKey.ID)
		e.bytes32(m.OneTimePreKey.Public)
		return e.bytes(), nil
	case OneTimeKeyExhausted:
		e := newEncoder(m.tag())
		e.u32(m.UserID)
		return e.bytes(), nil
	case ScreenShareStarted:
		e := newEncoder(m.tag())
		e.u32(m.ChannelID)
		e.u32(m.SharerUserID)
		return e.bytes(), nil
	case ScreenShareStopped:
		e := newEncoder(m.tag())
		e.u32(m.ChannelID)
		e.u32(m.SharerUserID)
		return e.bytes(), nil
	case ViewerCountChanged:
		e := newEncoder(m.tag())
		e.u32(m.Count)
		return e.bytes(), nil
	case KeyframeRequested:
		return newEncoder(m.tag()).bytes(), nil
	case ScreenShareForceStopped:
		return newEncoder(m.tag()).bytes(), nil
	case Pong:
		e := newEncoder(m.tag())
		e.i64(m.EchoedTimestamp)
		return e.bytes(), nil
	case Error:
		e := newEncoder(m.tag())
		e.str(m.Kind)
		e.str(m.Text)
		return e.bytes(), nil
	default:
		return nil, fieldErr("unknown message type")
	}
}

// Decode parses tag‖body (as produced by Encode, with the leading length
// prefix already stripped by ReadFrame) into a concrete Message.
func Decode(frame []byte) (Message, error) {
	if len(frame) < 1 {
		return nil, ErrMalformedFrame
	}
	tag := msgTag(frame[0])
	d := newDecoder(frame[1:])

	var msg Message
	var err error

	switch tag {
	case tagHandshake:
		var m Handshake
		if m.ProtocolVersion, err = d.u32(); err != nil {
			return nil, err
		}
		if m.AppVersion, err = d.str(); err != nil {
			return nil, err
		}
		if m.Username, err = d.str(); err != nil {
			return nil, err
		}
		if len(m.Username) == 0 || len(m.Username) > limits.MaxUsername {
			return nil, fieldErr("username length out of range")
		}
		msg = m
	case tagCreateChannel:
		var m CreateChannel
		if m.Name, err = d.str(); err != nil {
			return nil, err
		}
		if m.Description, err = d.str(); err != nil {
			return nil, err
		}
		if m.Password, err = d.str(); err != nil {
			return nil, err
		}
		if m.MaxUsers, err = d.u32(); err != nil {
			return nil, err
		}
		if len(m.Name) == 0 || len(m.Name) > limits.MaxChannelName {
			return nil, fieldErr("channel name length out of range")
		}
		msg = m
	case tagJoinChannel:
		var m JoinChannel
		if m.ChannelID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.Password, err = d.str(); err != nil {
			return nil, err
		}
		msg = m
	case tagLeaveChannel:
		msg = LeaveChannel{}
	case tagSetChannelPassword:
		var m SetChannelPassword
		if m.ChannelID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.Password, err = d.str(); err != nil {
			return nil, err
		}
		msg = m
	case tagDeleteChannel:
		var m DeleteChannel
		if m.ChannelID, err = d.u32(); err != nil {
			return nil, err
		}
		msg = m
	case tagKickUser:
		var m KickUser
		if m.TargetUserID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.Reason, err = d.str(); err != nil {
			return nil, err
		}
		msg = m
	case tagSendInvite:
		var m SendInvite
		if m.TargetUserID, err = d.u32(); err != nil {
			return nil, err
		}
		msg = m
	case tagAcceptInvite:
		var m AcceptInvite
		if m.ChannelID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.InviterUserID, err = d.u32(); err != nil {
			return nil, err
		}
		msg = m
	case tagDeclineInvite:
		var m DeclineInvite
		if m.ChannelID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.InviterUserID, err = d.u32(); err != nil {
			return nil, err
		}
		msg = m
	case tagUploadPreKeyBundle:
		var m UploadPreKeyBundle
		if m.IdentityDHPublic, err = d.bytes32(); err != nil {
			return nil, err
		}
		if m.IdentitySignPublic, err = d.bytes32(); err != nil {
			return nil, err
		}
		if m.SignedPreKeyID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.SignedPreKeyPublic, err = d.bytes32(); err != nil {
			return nil, err
		}
		if m.SignedPreKeySignature, err = d.bytes64(); err != nil {
			return nil, err
		}
		if m.OneTimePreKeys, err = d.oneTimeKeys(); err != nil {
			return nil, err
		}
		msg = m
	case tagFetchPreKeyBundle:
		var m FetchPreKeyBundle
		if m.TargetUserID, err = d.u32(); err != nil {
			return nil, err
		}
		msg = m
	case tagSendEncryptedChannelMessage:
		var m SendEncryptedChannelMessage
		if m.ChannelID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.Ciphertext, err = d.blob(); err != nil {
			return nil, err
		}
		msg = m
	case tagSendEncryptedDirectMessage:
		var m SendEncryptedDirectMessage
		if m.TargetUserID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.Ciphertext, err = d.blob(); err != nil {
			return nil, err
		}
		msg = m
	case tagSendEncryptedPoke:
		var m SendEncryptedPoke
		if m.TargetUserID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.Ciphertext, err = d.blob(); err != nil {
			return nil, err
		}
		msg = m
	case tagStartScreenShare:
		msg = StartScreenShare{}
	case tagStopScreenShare:
		msg = StopScreenShare{}
	case tagWatchScreenShare:
		var m WatchScreenShare
		if m.SharerUserID, err = d.u32(); err != nil {
			return nil, err
		}
		msg = m
	case tagStopWatching:
		msg = StopWatching{}
	case tagKeyframeProduced:
		msg = KeyframeProduced{}
	case tagPing:
		var m Ping
		if m.Timestamp, err = d.i64(); err != nil {
			return nil, err
		}
		msg = m
	case tagDisconnect:
		msg = Disconnect{}

	case tagHandshakeOk:
		var m HandshakeOk
		if m.UserID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.Channels, err = d.channelSummaries(); err != nil {
			return nil, err
		}
		if m.Users, err = d.userSummaries(); err != nil {
			return nil, err
		}
		msg = m
	case tagVersionMismatch:
		var m VersionMismatch
		if m.ServerVersion, err = d.u32(); err != nil {
			return nil, err
		}
		msg = m
	case tagUsernameTaken:
		msg = UsernameTaken{}
	case tagChannelList:
		var m ChannelList
		if m.Channels, err = d.channelSummaries(); err != nil {
			return nil, err
		}
		msg = m
	case tagUserList:
		var m UserList
		if m.ChannelID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.Users, err = d.userSummaries(); err != nil {
			return nil, err
		}
		msg = m
	case tagUserJoined:
		var m UserJoined
		if m.ChannelID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.User, err = d.userSummary(); err != nil {
			return nil, err
		}
		msg = m
	case tagUserLeft:
		var m UserLeft
		if m.ChannelID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.UserID, err = d.u32(); err != nil {
			return nil, err
		}
		msg = m
	case tagUserMuted:
		var m UserMuted
		if m.UserID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.Muted, err = d.boolean(); err != nil {
			return nil, err
		}
		msg = m
	case tagUserDeafened:
		var m UserDeafened
		if m.UserID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.Deafened, err = d.boolean(); err != nil {
			return nil, err
		}
		msg = m
	case tagUserSpeaking:
		var m UserSpeaking
		if m.UserID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.Speaking, err = d.boolean(); err != nil {
			return nil, err
		}
		msg = m
	case tagChannelCreated:
		var m ChannelCreated
		if m.Channel, err = d.channelSummary(); err != nil {
			return nil, err
		}
		msg = m
	case tagChannelDeleted:
		var m ChannelDeleted
		if m.ChannelID, err = d.u32(); err != nil {
			return nil, err
		}
		msg = m
	case tagChannelUpdated:
		var m ChannelUpdated
		if m.Channel, err = d.channelSummary(); err != nil {
			return nil, err
		}
		msg = m
	case tagKicked:
		var m Kicked
		if m.Reason, err = d.str(); err != nil {
			return nil, err
		}
		msg = m
	case tagInviteReceived:
		var m InviteReceived
		if m.ChannelID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.ChannelName, err = d.str(); err != nil {
			return nil, err
		}
		if m.InviterUsername, err = d.str(); err != nil {
			return nil, err
		}
		if m.InviterUserID, err = d.u32(); err != nil {
			return nil, err
		}
		msg = m
	case tagInviteAccepted:
		var m InviteAccepted
		if m.ChannelID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.TargetUserID, err = d.u32(); err != nil {
			return nil, err
		}
		msg = m
	case tagInviteDeclined:
		var m InviteDeclined
		if m.ChannelID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.TargetUserID, err = d.u32(); err != nil {
			return nil, err
		}
		msg = m
	case tagEncryptedChannelMessage:
		var m EncryptedChannelMessage
		if m.ChannelID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.SenderUserID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.Ciphertext, err = d.blob(); err != nil {
			return nil, err
		}
		msg = m
	case tagEncryptedDirectMessage:
		var m EncryptedDirectMessage
		if m.SenderUserID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.Ciphertext, err = d.blob(); err != nil {
			return nil, err
		}
		msg = m
	case tagEncryptedPoke:
		var m EncryptedPoke
		if m.SenderUserID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.Ciphertext, err = d.blob(); err != nil {
			return nil, err
		}
		msg = m
	case tagPreKeyBundle:
		var m PreKeyBundle
		if m.UserID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.IdentityDHPublic, err = d.bytes32(); err != nil {
			return nil, err
		}
		if m.IdentitySignPublic, err = d.bytes32(); err != nil {
			return nil, err
		}
		if m.SignedPreKeyID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.SignedPreKeyPublic, err = d.bytes32(); err != nil {
			return nil, err
		}
		if m.SignedPreKeySignature, err = d.bytes64(); err != nil {
			return nil, err
		}
		if m.HasOneTimePreKey, err = d.boolean(); err != nil {
			return nil, err
		}
		if m.OneTimePreKey.ID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.OneTimePreKey.Public, err = d.bytes32(); err != nil {
			return nil, err
		}
		msg = m
	case tagOneTimeKeyExhausted:
		var m OneTimeKeyExhausted
		if m.UserID, err = d.u32(); err != nil {
			return nil, err
		}
		msg = m
	case tagScreenShareStarted:
		var m ScreenShareStarted
		if m.ChannelID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.SharerUserID, err = d.u32(); err != nil {
			return nil, err
		}
		msg = m
	case tagScreenShareStopped:
		var m ScreenShareStopped
		if m.ChannelID, err = d.u32(); err != nil {
			return nil, err
		}
		if m.SharerUserID, err = d.u32(); err != nil {
			return nil, err
		}
		msg = m
	case tagViewerCountChanged:
		var m ViewerCountChanged
		if m.Count, err = d.u32(); err != nil {
			return nil, err
		}
		msg = m
	case tagKeyframeRequested:
		msg = KeyframeRequested{}
	case tagScreenShareForceStopped:
		msg = ScreenShareForceStopped{}
	case tagPong:
		var m Pong
		if m.EchoedTimestamp, err = d.i64(); err != nil {
			return nil, err
		}
		msg = m
	case tagError:
		var m Error
		if m.Kind, err = d.str(); err != nil {
			return nil, err
		}
		if m.Text, err = d.str(); err != nil {
			return nil, err
		}
		msg = m

	default:
		return nil, ErrUnknownTag
	}

	if !d.done() {
		return nil, fieldErr("trailing bytes after known tag")
	}
	return msg, nil
}
