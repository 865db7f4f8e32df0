package main

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luki4fun/VoIPC/client/internal/reassembly"
	"github.com/luki4fun/VoIPC/internal/crypto/aead"
	"github.com/luki4fun/VoIPC/internal/limits"
	"github.com/luki4fun/VoIPC/internal/wire"
)

// gcmTagSize is the AES-GCM authentication tag appended to every sealed
// fragment; it counts against the 1,280-byte datagram cap.
const gcmTagSize = 16

// maxFragmentPlaintext is the largest plaintext chunk a single fragment may
// carry once the GCM tag is accounted for.
const maxFragmentPlaintext = limits.MaxVideoFragmentPayload - gcmTagSize

// maxFragmentsPerFrame is the largest number of fragments a single frame can
// be split into — fragment_index is a single byte.
const maxFragmentsPerFrame = 255

// RawFrame is one uncompressed captured frame handed to the encoder, or
// produced by the decoder for display.
type RawFrame struct {
	Width, Height int
	Data          []byte // pixel data in whatever format capturer/decoder agree on (e.g. I420)
}

// VideoCapturer abstracts the platform screen/camera capture driver, which
// is outside this project's scope — the pipeline only needs a source of
// raw frames at a requested resolution and rate.
type VideoCapturer interface {
	Start(width, height, fps int) error
	Stop() error
	// ReadFrame blocks until the next captured frame is available, or
	// returns an error once Stop has been called.
	ReadFrame() (RawFrame, error)
}

// videoEncoder abstracts the HEVC encoder (preference chain
// hardware-encoder-if-available -> libx265), which like the
// capture driver is outside this project's scope.
type videoEncoder interface {
	// Encode compresses frame, forcing an IDR keyframe when forceKeyframe
	// is set (on the regular ~2s interval or on KeyframeRequested).
	Encode(frame RawFrame, forceKeyframe bool) (data []byte, keyframe bool, err error)
	Close() error
}

// videoDecoder abstracts the HEVC decoder counterpart.
type videoDecoder interface {
	Decode(data []byte) (RawFrame, error)
	Close() error
}

// VideoPipeline owns capture->encode->fragment->send and
// reassemble->decode->deliver for the screen-share video stream. Like
// AudioEngine, it is handed plaintext/ciphertext boundaries
// only — Session wires it to a Transporter and to the session's current
// channel media key.
type VideoPipeline struct {
	mu sync.Mutex

	capturer VideoCapturer
	encoder  videoEncoder
	decoder  videoDecoder

	channelID uint32
	userID    uint32
	sessionID uint32
	key       aead.Key

	fps            int
	keyframeEvery  time.Duration
	forceKeyframe  atomic.Bool
	sequence       uint32
	nextFrameID    uint32
	lastKeyframeAt time.Time

	capturing atomic.Bool
	decoding  atomic.Bool
	closed    bool // guarded by mu; true between StopCapture and the next Start*
	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup

	framesDropped atomic.Uint64
	sendFn        func(hdr wire.VideoHeader, ciphertext []byte) error

	// OnFrame, when set, receives each fully reassembled and decoded frame
	// from a remote sharer.
	OnFrame func(senderID uint32, frame RawFrame)
	// OnKeyframeProduced is called after a forced (IDR) keyframe has been
	// encoded and sent, so the caller can ack it to the server via
	// Transporter.KeyframeProduced.
	OnKeyframeProduced func()
}

// NewVideoPipeline returns a VideoPipeline that sends fragments through
// send (typically Transporter.SendVideoFragment).
func NewVideoPipeline(send func(hdr wire.VideoHeader, ciphertext []byte) error) *VideoPipeline {
	return &VideoPipeline{
		fps:           30,
		keyframeEvery: 2 * time.Second,
		sendFn:        send,
		stopCh:        make(chan struct{}),
	}
}

// SetChannelContext updates the routing identifiers stamped onto every
// outgoing fragment header. Called by Session on channel join and on rejoin
// after reconnect.
func (vp *VideoPipeline) SetChannelContext(channelID, userID, sessionID uint32) {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	vp.channelID = channelID
	vp.userID = userID
	vp.sessionID = sessionID
}

// SetMediaKey installs the channel media key used to seal outgoing
// fragments and open incoming ones. Called by Session on join and whenever the
// channel key rotates.
func (vp *VideoPipeline) SetMediaKey(key aead.Key) {
	vp.mu.Lock()
	vp.key = key
	vp.mu.Unlock()
}

// RequestKeyframe marks the next encoded frame as a forced IDR. Wired to
// Transporter.SetOnKeyframeRequested.
func (vp *VideoPipeline) RequestKeyframe() {
	vp.forceKeyframe.Store(true)
}

// DroppedFrames returns and resets the count of partial frames discarded
// by the reassembler for arriving incomplete.
func (vp *VideoPipeline) DroppedFrames() uint64 {
	return vp.framesDropped.Swap(0)
}

// StartCapture begins capturing, encoding, fragmenting, and sending frames
// at the given resolution/frame rate. fps also governs the keyframe
// interval cadence check.
func (vp *VideoPipeline) StartCapture(capturer VideoCapturer, encoder videoEncoder, width, height, fps int) error {
	vp.reopen()
	if !vp.capturing.CompareAndSwap(false, true) {
		return nil
	}
	if err := capturer.Start(width, height, fps); err != nil {
		vp.capturing.Store(false)
		return err
	}
	vp.mu.Lock()
	vp.capturer = capturer
	vp.encoder = encoder
	vp.fps = fps
	vp.mu.Unlock()

	vp.wg.Add(1)
	go func() { defer vp.wg.Done(); vp.captureLoop() }()
	log.Printf("[video] capture started %dx%d@%dfps", width, height, fps)
	return nil
}

// reopen recreates stopCh for a fresh Start* cycle after a prior StopCapture.
func (vp *VideoPipeline) reopen() {
	vp.mu.Lock()
	if vp.closed {
		vp.stopCh = make(chan struct{})
		vp.closeOnce = sync.Once{}
		vp.closed = false
	}
	vp.mu.Unlock()
}

// StopCapture halts capture and the receive/decode loop, and releases the
// encoder and decoder. Safe to call whether or not capture or decoding was
// ever started.
func (vp *VideoPipeline) StopCapture() {
	vp.closeOnce.Do(func() { close(vp.stopCh) })
	vp.capturing.Store(false)
	vp.decoding.Store(false)

	vp.mu.Lock()
	capturer := vp.capturer
	vp.mu.Unlock()
	if capturer != nil {
		capturer.Stop()
	}

	vp.wg.Wait()

	vp.mu.Lock()
	if vp.encoder != nil {
		vp.encoder.Close()
		vp.encoder = nil
	}
	if vp.decoder != nil {
		vp.decoder.Close()
		vp.decoder = nil
	}
	vp.capturer = nil
	vp.closed = true
	vp.mu.Unlock()
	log.Println("[video] stopped")
}

func (vp *VideoPipeline) captureLoop() {
	for vp.capturing.Load() {
		frame, err := vp.capturer.ReadFrame()
		if err != nil {
			if vp.capturing.Load() {
				log.Printf("[video] capture read: %v", err)
			}
			return
		}

		force := vp.forceKeyframe.Load()
		if !force && time.Since(vp.lastKeyframeAt) >= vp.keyframeEvery {
			force = true
		}

		data, keyframe, err := vp.encoder.Encode(frame, force)
		if err != nil {
			log.Printf("[video] encode: %v", err)
			continue
		}
		if keyframe {
			vp.lastKeyframeAt = time.Now()
		}
		wasForced := force
		vp.forceKeyframe.Store(false)

		if err := vp.sendFrame(data); err != nil {
			log.Printf("[video] send frame: %v", err)
			continue
		}
		if wasForced && keyframe && vp.OnKeyframeProduced != nil {
			vp.OnKeyframeProduced()
		}
	}
}

// sendFrame fragments and seals one encoded frame, sending each fragment
// as its own datagram.
func (vp *VideoPipeline) sendFrame(data []byte) error {
	fragments, err := fragmentFrame(data)
	if err != nil {
		return err
	}

	vp.mu.Lock()
	startSeq := vp.sequence + 1
	vp.sequence += uint32(len(fragments)) // sequence advances per fragment
	hdr := wire.VideoHeader{
		VoiceHeader: wire.VoiceHeader{
			ChannelID:  vp.channelID,
			UserID:     vp.userID,
			SessionID:  vp.sessionID,
			PacketType: wire.PacketVideoHEVC,
		},
		FrameID:       vp.nextFrameID,
		FragmentCount: uint8(len(fragments)),
	}
	vp.nextFrameID++
	key := vp.key
	channelID := vp.channelID
	sessionID := vp.sessionID
	vp.mu.Unlock()

	for i, chunk := range fragments {
		h := hdr
		h.FragmentIndex = uint8(i)
		h.Sequence = startSeq + uint32(i)
		extra := wire.MediaNonceExtra(wire.PacketVideoHEVC, h.FrameID, h.FragmentIndex)
		ciphertext, err := aead.SealMediaPacket(key, channelID, wire.PacketVideoHEVC, sessionID, h.Sequence, extra, chunk)
		if err != nil {
			return err
		}
		if err := vp.sendFn(h, ciphertext); err != nil {
			return err
		}
	}
	return nil
}

// fragmentFrame splits an encoded frame into at most maxFragmentsPerFrame
// chunks of at most maxFragmentPlaintext bytes each.
func fragmentFrame(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return [][]byte{{}}, nil
	}
	n := (len(data) + maxFragmentPlaintext - 1) / maxFragmentPlaintext
	if n > maxFragmentsPerFrame {
		return nil, errFrameTooLarge
	}
	fragments := make([][]byte, 0, n)
	for off := 0; off < len(data); off += maxFragmentPlaintext {
		end := off + maxFragmentPlaintext
		if end > len(data) {
			end = len(data)
		}
		fragments = append(fragments, data[off:end])
	}
	return fragments, nil
}

// StartDecoding starts the receive-side reassembly/decode loop, reading
// encrypted fragments from in (fed by Transporter.StartReceiving) and
// delivering complete decoded frames to OnFrame.
func (vp *VideoPipeline) StartDecoding(decoder videoDecoder, in <-chan VideoDatagram) {
	vp.reopen()
	if !vp.decoding.CompareAndSwap(false, true) {
		return
	}
	vp.mu.Lock()
	vp.decoder = decoder
	vp.mu.Unlock()

	vp.wg.Add(1)
	go func() { defer vp.wg.Done(); vp.receiveLoop(in) }()
}

func (vp *VideoPipeline) receiveLoop(in <-chan VideoDatagram) {
	framePeriod := time.Second / time.Duration(maxInt(vp.fps, 1))
	rb := reassembly.New(framePeriod)

	for {
		select {
		case <-vp.stopCh:
			return
		case dg, ok := <-in:
			if !ok {
				return
			}
			vp.handleFragment(rb, dg)
			if d := rb.Dropped(); d > 0 {
				vp.framesDropped.Add(d)
			}
		}
	}
}

func (vp *VideoPipeline) handleFragment(rb *reassembly.Buffer, dg VideoDatagram) {
	vp.mu.Lock()
	key := vp.key
	channelID := vp.channelID
	decoder := vp.decoder
	vp.mu.Unlock()

	hdr := dg.Header
	extra := wire.MediaNonceExtra(wire.PacketVideoHEVC, hdr.FrameID, hdr.FragmentIndex)
	plaintext, err := aead.OpenMediaPacket(key, channelID, wire.PacketVideoHEVC, hdr.SessionID, hdr.Sequence, extra, dg.Ciphertext)
	if err != nil {
		log.Printf("[video] drop fragment from %d: %v", hdr.UserID, err)
		return
	}

	complete, ok := rb.Push(hdr.UserID, hdr.FrameID, hdr.FragmentIndex, hdr.FragmentCount, plaintext)
	if !ok {
		return
	}
	if decoder == nil {
		return
	}
	frame, err := decoder.Decode(complete)
	if err != nil {
		log.Printf("[video] decode from %d: %v", hdr.UserID, err)
		return
	}
	if vp.OnFrame != nil {
		vp.OnFrame(hdr.UserID, frame)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

var errFrameTooLarge = wire.ErrMalformedFrame
