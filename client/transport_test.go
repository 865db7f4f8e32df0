package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/luki4fun/VoIPC/internal/crypto/tofu"
	"github.com/luki4fun/VoIPC/internal/wire"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	dir := t.TempDir()
	store, err := tofu.Open(filepath.Join(dir, "pins.json"))
	if err != nil {
		t.Fatalf("tofu.Open: %v", err)
	}
	return NewTransport(store)
}

func TestDispatchHandshakeOkSetsMyID(t *testing.T) {
	tr := newTestTransport(t)
	var got wire.HandshakeOk
	tr.SetOnHandshakeOk(func(m wire.HandshakeOk) { got = m })

	tr.dispatch(wire.HandshakeOk{UserID: 7})

	if tr.MyID() != 7 {
		t.Errorf("MyID() = %d, want 7", tr.MyID())
	}
	if got.UserID != 7 {
		t.Errorf("callback did not receive message")
	}
}

func TestDispatchUserListTracksOwnChannel(t *testing.T) {
	tr := newTestTransport(t)
	var got wire.UserList
	tr.SetOnUserList(func(m wire.UserList) { got = m })

	tr.dispatch(wire.UserList{ChannelID: 5, Users: []wire.UserSummary{{ID: 1, Username: "a"}}})

	if tr.channelID.Load() != 5 {
		t.Errorf("channelID = %d, want 5", tr.channelID.Load())
	}
	if got.ChannelID != 5 {
		t.Errorf("callback did not receive message")
	}
}

func TestDispatchPongUpdatesRTT(t *testing.T) {
	tr := newTestTransport(t)
	// A ping sent 50 ms ago: the RTT sample is measured against "now".
	ts := time.Now().UnixMilli() - 50
	tr.lastPingTs.Store(ts)
	tr.dispatch(wire.Pong{EchoedTimestamp: ts})

	m := tr.GetMetrics()
	if m.RTTMs < 50 {
		t.Errorf("RTTMs = %v, want >= 50", m.RTTMs)
	}
}

func TestDispatchKickedFiresCallback(t *testing.T) {
	tr := newTestTransport(t)
	var got wire.Kicked
	called := false
	tr.SetOnKicked(func(m wire.Kicked) { got = m; called = true })

	tr.dispatch(wire.Kicked{Reason: "spam"})

	if !called {
		t.Fatal("onKicked was not called")
	}
	if got.Reason != "spam" {
		t.Errorf("Reason = %q, want %q", got.Reason, "spam")
	}
}

func TestDispatchUnknownCallbackIsNoOp(t *testing.T) {
	tr := newTestTransport(t)
	// No callbacks registered at all; dispatch must not panic.
	tr.dispatch(wire.ChannelCreated{Channel: wire.ChannelSummary{ID: 1, Name: "general"}})
	tr.dispatch(wire.ScreenShareForceStopped{})
	tr.dispatch(wire.KeyframeRequested{})
}

func TestSendBeforeConnectReturnsError(t *testing.T) {
	tr := newTestTransport(t)
	if err := tr.JoinChannel(1, ""); err == nil {
		t.Fatal("expected error sending before a control stream exists")
	}
}

func TestSendVoiceWithoutSessionIsNoOp(t *testing.T) {
	tr := newTestTransport(t)
	if err := tr.SendVoice(1, 1, []byte("sealed")); err != nil {
		t.Fatalf("SendVoice with no session: %v", err)
	}
}

func TestSendVideoFragmentWithoutSessionIsNoOp(t *testing.T) {
	tr := newTestTransport(t)
	hdr := wire.VideoHeader{VoiceHeader: wire.VoiceHeader{PacketType: wire.PacketVideoHEVC}}
	if err := tr.SendVideoFragment(hdr, []byte("sealed")); err != nil {
		t.Fatalf("SendVideoFragment with no session: %v", err)
	}
}

func TestGetMetricsResetsByteCounter(t *testing.T) {
	tr := newTestTransport(t)
	tr.bytesSent.Store(1234)

	m := tr.GetMetrics()
	if m.BytesSent != 1234 {
		t.Errorf("BytesSent = %d, want 1234", m.BytesSent)
	}

	m2 := tr.GetMetrics()
	if m2.BytesSent != 0 {
		t.Errorf("BytesSent after reset = %d, want 0", m2.BytesSent)
	}
}

func TestStartReceivingSwapsSinks(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	voiceA := make(chan VoiceDatagram, 1)
	videoA := make(chan VideoDatagram, 1)
	tr.StartReceiving(ctx, voiceA, videoA)

	tr.recvMu.RLock()
	got := tr.voiceSink
	tr.recvMu.RUnlock()
	if got == nil {
		t.Fatal("voiceSink not set")
	}

	voiceB := make(chan VoiceDatagram, 1)
	videoB := make(chan VideoDatagram, 1)
	tr.StartReceiving(ctx, voiceB, videoB)

	tr.recvMu.RLock()
	got2 := tr.voiceSink
	tr.recvMu.RUnlock()
	if got2 == nil {
		t.Fatal("voiceSink not set after second call")
	}
}

func TestNewTransportLoadsExistingPinStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pins.json")
	if err := os.WriteFile(path, []byte(`{"example.com:443":"deadbeef"}`), 0o600); err != nil {
		t.Fatalf("seed pin store: %v", err)
	}
	store, err := tofu.Open(path)
	if err != nil {
		t.Fatalf("tofu.Open: %v", err)
	}
	tr := NewTransport(store)
	if tr.tofuStore == nil {
		t.Fatal("tofuStore not assigned")
	}
}
