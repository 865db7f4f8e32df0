package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/luki4fun/VoIPC/internal/limits"
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	body, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return got
}

func TestHandshakeRoundTrip(t *testing.T) {
	in := Handshake{ProtocolVersion: 3, AppVersion: "1.2.3", Username: "rusty"}
	out := roundTrip(t, in)
	got, ok := out.(Handshake)
	if !ok || got != in {
		t.Fatalf("got %#v want %#v", out, in)
	}
}

func TestHandshakeOkRoundTrip(t *testing.T) {
	in := HandshakeOk{
		UserID: 7,
		Channels: []ChannelSummary{
			{ID: 0, Name: "Lobby", MaxUsers: 64, UserCount: 3},
			{ID: 1, Name: "secret", HasPassword: true, MaxUsers: 10},
		},
		Users: []UserSummary{{ID: 7, Username: "rusty", ChannelID: 0}},
	}
	out := roundTrip(t, in)
	got, ok := out.(HandshakeOk)
	if !ok {
		t.Fatalf("wrong type %T", out)
	}
	if got.UserID != in.UserID || len(got.Channels) != 2 || len(got.Users) != 1 {
		t.Fatalf("got %#v want %#v", got, in)
	}
	if got.Channels[1].HasPassword != true || got.Channels[1].Name != "secret" {
		t.Fatalf("channel summary mismatch: %#v", got.Channels[1])
	}
}

func TestUploadPreKeyBundleRoundTrip(t *testing.T) {
	var dh, sign, spk [32]byte
	dh[0], sign[1], spk[2] = 1, 2, 3
	var sig [64]byte
	sig[63] = 0xAA

	in := UploadPreKeyBundle{
		IdentityDHPublic:      dh,
		IdentitySignPublic:    sign,
		SignedPreKeyID:        4,
		SignedPreKeyPublic:    spk,
		SignedPreKeySignature: sig,
		OneTimePreKeys: []OneTimeKeyWire{
			{ID: 1, Public: [32]byte{9}},
			{ID: 2, Public: [32]byte{10}},
		},
	}
	out := roundTrip(t, in)
	got, ok := out.(UploadPreKeyBundle)
	if !ok {
		t.Fatalf("wrong type %T", out)
	}
	if got.IdentityDHPublic != in.IdentityDHPublic || got.SignedPreKeySignature != in.SignedPreKeySignature {
		t.Fatalf("key material mismatch")
	}
	if len(got.OneTimePreKeys) != 2 || got.OneTimePreKeys[1].ID != 2 {
		t.Fatalf("one-time pre-keys mismatch: %#v", got.OneTimePreKeys)
	}
}

func TestEncryptedChannelMessageRoundTrip(t *testing.T) {
	in := SendEncryptedChannelMessage{ChannelID: 3, Ciphertext: []byte("opaque ciphertext")}
	out := roundTrip(t, in)
	got, ok := out.(SendEncryptedChannelMessage)
	if !ok || got.ChannelID != in.ChannelID || !bytes.Equal(got.Ciphertext, in.Ciphertext) {
		t.Fatalf("got %#v want %#v", out, in)
	}
}

func TestEmptyMessagesRoundTrip(t *testing.T) {
	cases := []Message{LeaveChannel{}, StartScreenShare{}, StopScreenShare{}, StopWatching{},
		KeyframeProduced{}, Disconnect{}, UsernameTaken{}, KeyframeRequested{}, ScreenShareForceStopped{}}
	for _, c := range cases {
		out := roundTrip(t, c)
		if out.tag() != c.tag() {
			t.Fatalf("tag mismatch for %T", c)
		}
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	body, err := Encode(Ping{Timestamp: 42})
	if err != nil {
		t.Fatal(err)
	}
	body = append(body, 0xFF)
	if _, err := Decode(body); err == nil {
		t.Fatal("expected error for trailing bytes")
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	if _, err := Decode([]byte{0xFF}); err != ErrUnknownTag {
		t.Fatalf("got %v want ErrUnknownTag", err)
	}
}

func TestDecodeRejectsEmptyFrame(t *testing.T) {
	if _, err := Decode(nil); err != ErrMalformedFrame {
		t.Fatalf("got %v want ErrMalformedFrame", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := Ping{Timestamp: 1234}
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatal(err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	p, ok := got.(Ping)
	if !ok || p.Timestamp != 1234 {
		t.Fatalf("got %#v", got)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	hdr[0] = 0x7F // absurdly large length prefix
	buf.Write(hdr[:])
	if _, err := ReadFrame(&buf); err != ErrFrameTooLarge {
		t.Fatalf("got %v want ErrFrameTooLarge", err)
	}
}

// A 512-byte voice datagram is accepted, 513 bytes is rejected.
func TestValidateVoiceDatagramBoundary(t *testing.T) {
	if err := ValidateVoiceDatagram(limits.MaxVoicePacket); err != nil {
		t.Fatalf("512 bytes must be accepted: %v", err)
	}
	if err := ValidateVoiceDatagram(limits.MaxVoicePacket + 1); err == nil {
		t.Fatal("513 bytes must be rejected as MalformedFrame")
	}
}

// A 1280-byte video datagram is accepted, 1281 bytes is rejected.
func TestValidateVideoDatagramBoundary(t *testing.T) {
	if err := ValidateVideoDatagram(limits.MaxVideoPacket); err != nil {
		t.Fatalf("1280 bytes must be accepted: %v", err)
	}
	if err := ValidateVideoDatagram(limits.MaxVideoPacket + 1); err == nil {
		t.Fatal("1281 bytes must be rejected as MalformedFrame")
	}
}

// A 64 KiB control frame body is accepted, 64 KiB + 1 is rejected.
func TestWriteFrameRejectsFrameOverMaxControlFrame(t *testing.T) {
	var buf bytes.Buffer
	ok := make([]byte, limits.MaxControlFrame)
	if err := WriteFrame(&buf, ok); err != nil {
		t.Fatalf("64 KiB body must be accepted: %v", err)
	}

	tooBig := make([]byte, limits.MaxControlFrame+1)
	if err := WriteFrame(&buf, tooBig); err != ErrFrameTooLarge {
		t.Fatalf("got %v want ErrFrameTooLarge", err)
	}
}

// ReadFrame's side of the same boundary, exercising the length-prefix
// check on the receive path.
func TestReadFrameRejectsFrameOverMaxControlFrame(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(limits.MaxControlFrame+1))
	buf.Write(hdr[:])
	if _, err := ReadFrame(&buf); err != ErrFrameTooLarge {
		t.Fatalf("got %v want ErrFrameTooLarge", err)
	}
}
