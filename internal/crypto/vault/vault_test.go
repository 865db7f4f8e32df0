package vault

import (
	"path/filepath"
	"testing"

	"github.com/luki4fun/VoIPC/internal/limits"
)

func TestSealOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.voip")
	plaintext := []byte("secret chat log contents")
	if err := Seal(path, MagicChatArchive, "correct horse", plaintext); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := Open(path, MagicChatArchive, "correct horse")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.voip")
	if err := Seal(path, MagicChatArchive, "p", []byte("data")); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, MagicChatArchive, "q"); err != ErrWrongPassword {
		t.Fatalf("got %v want ErrWrongPassword", err)
	}
}

func TestOpenRejectsWrongMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.vsig")
	if err := Seal(path, MagicSessionState, "p", []byte("data")); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, MagicChatArchive, "p"); err != ErrWrongPassword {
		t.Fatalf("got %v want ErrWrongPassword for mismatched magic", err)
	}
}

func TestChatArchiveAppendCapsAt500(t *testing.T) {
	a := NewChatArchive()
	for i := 0; i < limits.MaxConversationLog+10; i++ {
		a.AppendChannel("gaming", StoredMessage{UserID: 1, Content: "hi", TimestampMs: int64(i)})
	}
	if len(a.Channels["gaming"]) != limits.MaxConversationLog {
		t.Fatalf("got %d messages, want %d", len(a.Channels["gaming"]), limits.MaxConversationLog)
	}
	// The oldest entries (timestamp 0..9) must have been evicted.
	if a.Channels["gaming"][0].TimestampMs != 10 {
		t.Fatalf("oldest surviving message has ts %d, want 10", a.Channels["gaming"][0].TimestampMs)
	}
}

func TestChatArchiveSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.voip")
	a := NewChatArchive()
	a.AppendChannel("gaming", StoredMessage{UserID: 7, Username: "alice", Content: "hi", TimestampMs: 123})
	a.AppendDM("1-7", StoredMessage{UserID: 7, Username: "alice", Content: "dm", TimestampMs: 456})

	if err := SaveChatArchive(path, "pw", a); err != nil {
		t.Fatalf("SaveChatArchive: %v", err)
	}
	loaded, err := LoadChatArchive(path, "pw")
	if err != nil {
		t.Fatalf("LoadChatArchive: %v", err)
	}
	if len(loaded.Channels["gaming"]) != 1 || loaded.Channels["gaming"][0].Content != "hi" {
		t.Fatalf("channel archive mismatch: %+v", loaded.Channels)
	}
	if len(loaded.DMs["1-7"]) != 1 || loaded.DMs["1-7"][0].Content != "dm" {
		t.Fatalf("dm archive mismatch: %+v", loaded.DMs)
	}
	if _, err := LoadChatArchive(path, "wrong"); err != ErrWrongPassword {
		t.Fatalf("got %v want ErrWrongPassword", err)
	}
}
