package main

import (
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/luki4fun/VoIPC/internal/crypto/aead"
	"github.com/luki4fun/VoIPC/internal/limits"
	"github.com/luki4fun/VoIPC/internal/wire"
)

func testKey(t *testing.T) aead.Key {
	t.Helper()
	var k aead.Key
	if _, err := rand.Read(k.Secret[:]); err != nil {
		t.Fatal(err)
	}
	return k
}

func TestFragmentFrameRoundTrip(t *testing.T) {
	data := make([]byte, maxFragmentPlaintext*3+17)
	for i := range data {
		data[i] = byte(i)
	}
	fragments, err := fragmentFrame(data)
	if err != nil {
		t.Fatalf("fragmentFrame: %v", err)
	}
	if len(fragments) != 4 {
		t.Fatalf("expected 4 fragments, got %d", len(fragments))
	}
	var reassembled []byte
	for _, f := range fragments {
		reassembled = append(reassembled, f...)
	}
	if string(reassembled) != string(data) {
		t.Fatal("reassembled data does not match original")
	}
}

func TestFragmentFrameEmpty(t *testing.T) {
	fragments, err := fragmentFrame(nil)
	if err != nil {
		t.Fatalf("fragmentFrame(nil): %v", err)
	}
	if len(fragments) != 1 || len(fragments[0]) != 0 {
		t.Fatalf("expected a single empty fragment, got %v", fragments)
	}
}

func TestFragmentFrameTooLarge(t *testing.T) {
	data := make([]byte, maxFragmentPlaintext*300)
	if _, err := fragmentFrame(data); !errors.Is(err, wire.ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

// mockCapturer yields a fixed number of frames then blocks until Stop.
type mockCapturer struct {
	frames  []RawFrame
	i       int
	stopped chan struct{}
}

func newMockCapturer(frames []RawFrame) *mockCapturer {
	return &mockCapturer{frames: frames, stopped: make(chan struct{})}
}

func (c *mockCapturer) Start(width, height, fps int) error { return nil }
func (c *mockCapturer) Stop() error {
	select {
	case <-c.stopped:
	default:
		close(c.stopped)
	}
	return nil
}
func (c *mockCapturer) ReadFrame() (RawFrame, error) {
	if c.i < len(c.frames) {
		f := c.frames[c.i]
		c.i++
		return f, nil
	}
	<-c.stopped
	return RawFrame{}, errors.New("stopped")
}

// mockVideoEncoder just returns the frame's Data as the "encoded" bytes, marking
// every frame forced-keyframe as a keyframe so the test can observe it.
type mockVideoEncoder struct{}

func (mockVideoEncoder) Encode(frame RawFrame, force bool) ([]byte, bool, error) {
	return frame.Data, force, nil
}
func (mockVideoEncoder) Close() error { return nil }

// mockVideoDecoder is the identity function over the wire.
type mockVideoDecoder struct{}

func (mockVideoDecoder) Decode(data []byte) (RawFrame, error) {
	return RawFrame{Data: data}, nil
}
func (mockVideoDecoder) Close() error { return nil }

func TestVideoPipelineSendReceiveRoundTrip(t *testing.T) {
	key := testKey(t)

	var mu sync.Mutex
	var sent []VideoDatagram

	sender := NewVideoPipeline(func(hdr wire.VideoHeader, ciphertext []byte) error {
		mu.Lock()
		sent = append(sent, VideoDatagram{Header: hdr, Ciphertext: ciphertext})
		mu.Unlock()
		return nil
	})
	sender.SetChannelContext(1, 42, 7)
	sender.SetMediaKey(key)

	payload := make([]byte, maxFragmentPlaintext*2+5)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	capturer := newMockCapturer([]RawFrame{{Width: 1920, Height: 1080, Data: payload}})

	if err := sender.StartCapture(capturer, mockVideoEncoder{}, 1920, 1080, 30); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(sent)
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for fragments, got %d", n)
		}
		time.Sleep(time.Millisecond)
	}
	sender.StopCapture()

	receiver := NewVideoPipeline(nil)
	receiver.SetChannelContext(1, 0, 0)
	receiver.SetMediaKey(key)

	var gotMu sync.Mutex
	var got []RawFrame
	receiver.OnFrame = func(senderID uint32, frame RawFrame) {
		gotMu.Lock()
		got = append(got, frame)
		gotMu.Unlock()
	}

	in := make(chan VideoDatagram, 16)
	receiver.StartDecoding(mockVideoDecoder{}, in)

	mu.Lock()
	for _, dg := range sent {
		in <- dg
	}
	mu.Unlock()

	deadline = time.Now().Add(2 * time.Second)
	for {
		gotMu.Lock()
		n := len(got)
		gotMu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for reassembled frame")
		}
		time.Sleep(time.Millisecond)
	}
	receiver.StopCapture()

	gotMu.Lock()
	defer gotMu.Unlock()
	if len(got[0].Data) != len(payload) {
		t.Fatalf("reassembled frame length = %d, want %d", len(got[0].Data), len(payload))
	}
	for i := range payload {
		if got[0].Data[i] != payload[i] {
			t.Fatalf("reassembled frame mismatch at byte %d", i)
		}
	}
}

func TestVideoDatagramCapBoundary(t *testing.T) {
	if err := wire.ValidateVideoDatagram(limits.MaxVideoPacket); err != nil {
		t.Fatalf("exact cap should be accepted: %v", err)
	}
	if err := wire.ValidateVideoDatagram(limits.MaxVideoPacket + 1); err == nil {
		t.Fatal("one byte over cap should be rejected")
	}
}

func TestVideoPipelineKeyframeRequest(t *testing.T) {
	vp := NewVideoPipeline(func(wire.VideoHeader, []byte) error { return nil })
	if vp.forceKeyframe.Load() {
		t.Fatal("forceKeyframe should start false")
	}
	vp.RequestKeyframe()
	if !vp.forceKeyframe.Load() {
		t.Fatal("RequestKeyframe should set forceKeyframe")
	}
}

func TestReassemblyDropsStaleFrames(t *testing.T) {
	key := testKey(t)
	vp := NewVideoPipeline(nil)
	vp.SetChannelContext(1, 0, 0)
	vp.SetMediaKey(key)

	hdr := wire.VideoHeader{
		VoiceHeader: wire.VoiceHeader{ChannelID: 1, UserID: 9, SessionID: 3, Sequence: 1, PacketType: wire.PacketVideoHEVC},
		FrameID:     1,
	}
	hdr.FragmentCount = 2
	hdr.FragmentIndex = 0
	extra := wire.MediaNonceExtra(wire.PacketVideoHEVC, hdr.FrameID, hdr.FragmentIndex)
	ct, err := aead.SealMediaPacket(key, 1, wire.PacketVideoHEVC, 3, 1, extra, []byte("partial"))
	if err != nil {
		t.Fatal(err)
	}

	in := make(chan VideoDatagram, 1)
	vp.StartDecoding(mockVideoDecoder{}, in)
	in <- VideoDatagram{Header: hdr, Ciphertext: ct}

	time.Sleep(50 * time.Millisecond)

	// Push a second, unrelated frame far enough later that the reaper
	// should have aged out the first partial frame.
	time.Sleep(100 * time.Millisecond)
	hdr2 := hdr
	hdr2.FrameID = 2
	extra2 := wire.MediaNonceExtra(wire.PacketVideoHEVC, hdr2.FrameID, hdr2.FragmentIndex)
	ct2, err := aead.SealMediaPacket(key, 1, wire.PacketVideoHEVC, 3, 2, extra2, []byte("other"))
	if err != nil {
		t.Fatal(err)
	}
	in <- VideoDatagram{Header: hdr2, Ciphertext: ct2}

	deadline := time.Now().Add(2 * time.Second)
	for vp.framesDropped.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected a dropped-frame count from the stale partial frame")
		}
		time.Sleep(time.Millisecond)
	}
	vp.StopCapture()
}
