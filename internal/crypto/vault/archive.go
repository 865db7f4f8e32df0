package vault

import (
	"encoding/json"

	"github.com/luki4fun/VoIPC/internal/limits"
	"github.com/luki4fun/VoIPC/internal/zero"
)

// StoredMessage is one entry in a conversation sequence:
// {user_id, username, content, timestamp_ms}.
type StoredMessage struct {
	UserID      uint32 `json:"user_id"`
	Username    string `json:"username"`
	Content     string `json:"content"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// ChatArchive is the plaintext structure sealed into a VOIP file: channel
// name -> ordered messages, and DM conversation key "min_uid-max_uid" ->
// ordered messages. Both are capped at limits.MaxConversationLog entries;
// Append drops the oldest once the cap is reached.
type ChatArchive struct {
	Channels map[string][]StoredMessage `json:"channels"`
	DMs      map[string][]StoredMessage `json:"dms"`
}

// NewChatArchive returns an empty archive ready for Append.
func NewChatArchive() *ChatArchive {
	return &ChatArchive{
		Channels: make(map[string][]StoredMessage),
		DMs:      make(map[string][]StoredMessage),
	}
}

func appendCapped(seq []StoredMessage, msg StoredMessage) []StoredMessage {
	seq = append(seq, msg)
	if len(seq) > limits.MaxConversationLog {
		seq = seq[len(seq)-limits.MaxConversationLog:]
	}
	return seq
}

// AppendChannel records msg for channelName, evicting the oldest message if
// the conversation is already at limits.MaxConversationLog (testable
// property 12).
func (a *ChatArchive) AppendChannel(channelName string, msg StoredMessage) {
	a.Channels[channelName] = appendCapped(a.Channels[channelName], msg)
}

// AppendDM records msg for the DM conversation between the two user ids.
func (a *ChatArchive) AppendDM(dmKey string, msg StoredMessage) {
	a.DMs[dmKey] = appendCapped(a.DMs[dmKey], msg)
}

// SaveChatArchive seals a into path under pw.
func SaveChatArchive(path, pw string, a *ChatArchive) error {
	plaintext, err := json.Marshal(a)
	if err != nil {
		return err
	}
	defer zero.Buf(plaintext)
	return Seal(path, MagicChatArchive, pw, plaintext)
}

// LoadChatArchive opens and parses a VOIP file. Returns ErrWrongPassword on
// any authentication failure, including a bad password.
func LoadChatArchive(path, pw string) (*ChatArchive, error) {
	plaintext, err := Open(path, MagicChatArchive, pw)
	if err != nil {
		return nil, err
	}
	defer zero.Buf(plaintext)
	a := NewChatArchive()
	if err := json.Unmarshal(plaintext, a); err != nil {
		return nil, err
	}
	return a, nil
}
