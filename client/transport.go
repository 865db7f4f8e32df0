package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"github.com/luki4fun/VoIPC/internal/crypto/tofu"
	"github.com/luki4fun/VoIPC/internal/limits"
	"github.com/luki4fun/VoIPC/internal/wire"
)

// appVersion is reported in the handshake for diagnostics; it has no effect
// on protocol negotiation (that is ProtocolVersion's job).
const appVersion = "voipc-client"

// connectTimeout bounds the WebTransport dial + handshake round trip.
const connectTimeout = 10 * time.Second

// pongTimeout is the maximum time allowed between pongs before the session
// is considered dead.
const pongTimeout = 6 * time.Second

// Transport manages the WebTransport control stream and media datagram
// socket to a relay server. It owns the control stream and
// demultiplexes incoming messages onto the typed callback sinks declared by
// Transporter; it performs no cryptography of its own — callers hand it
// already-encrypted payloads and receive already-encrypted payloads back.
type Transport struct {
	mu      sync.Mutex
	session *webtransport.Session
	cancel  context.CancelFunc

	ctrlMu sync.Mutex
	ctrl   *webtransport.Stream

	myID      atomic.Uint32
	channelID atomic.Uint32 // own current channel, learned from UserList replies

	addr     string // protected by mu; set in Connect, read by the reconnect loop
	username string // protected by mu

	tofuStore *tofu.Store

	smoothedRTT    atomic.Uint64 // float64 bits, milliseconds
	smoothedJitter atomic.Uint64 // float64 bits, ms — RFC 3550-style mean RTT deviation
	lastPingTs     atomic.Int64
	lastPongTime   atomic.Int64
	bytesSent      atomic.Uint64

	lossMu       sync.Mutex
	voiceLastSeq map[uint32]uint32
	voiceRecv    atomic.Uint64
	voiceLost    atomic.Uint64

	recvMu    sync.RWMutex
	voiceSink chan<- VoiceDatagram
	videoSink chan<- VideoDatagram

	disconnectReason string // protected by mu; consumed once by readControl's teardown

	metricsMu       sync.Mutex
	lastMetricsTime time.Time

	cbMu                      sync.RWMutex
	onHandshakeOk             func(wire.HandshakeOk)
	onVersionMismatch         func(wire.VersionMismatch)
	onUsernameTaken           func()
	onChannelList             func(wire.ChannelList)
	onUserList                func(wire.UserList)
	onUserJoined              func(wire.UserJoined)
	onUserLeft                func(wire.UserLeft)
	onChannelCreated          func(wire.ChannelCreated)
	onChannelDeleted          func(wire.ChannelDeleted)
	onChannelUpdated          func(wire.ChannelUpdated)
	onKicked                  func(wire.Kicked)
	onInviteReceived          func(wire.InviteReceived)
	onInviteAccepted          func(wire.InviteAccepted)
	onInviteDeclined          func(wire.InviteDeclined)
	onEncryptedChannelMessage func(wire.EncryptedChannelMessage)
	onEncryptedDirectMessage  func(wire.EncryptedDirectMessage)
	onEncryptedPoke           func(wire.EncryptedPoke)
	onPreKeyBundle            func(wire.PreKeyBundle)
	onOneTimeKeyExhausted     func(wire.OneTimeKeyExhausted)
	onScreenShareStarted      func(wire.ScreenShareStarted)
	onScreenShareStopped      func(wire.ScreenShareStopped)
	onViewerCountChanged      func(wire.ViewerCountChanged)
	onKeyframeRequested       func()
	onScreenShareForceStopped func()
	onError                   func(wire.Error)
	onDisconnected            func(reason string)
}

// Verify Transport satisfies the Transporter interface at compile time.
var _ Transporter = (*Transport)(nil)

// NewTransport creates a ready-to-use Transport. pins is the TOFU pin store
// used to authenticate the server's leaf certificate; it may be
// shared across reconnect attempts and across multiple Transports.
func NewTransport(pins *tofu.Store) *Transport {
	return &Transport{tofuStore: pins, lastMetricsTime: time.Now()}
}

// --- Callback setters ---

func (t *Transport) SetOnHandshakeOk(fn func(wire.HandshakeOk)) {
	t.cbMu.Lock()
	t.onHandshakeOk = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnVersionMismatch(fn func(wire.VersionMismatch)) {
	t.cbMu.Lock()
	t.onVersionMismatch = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnUsernameTaken(fn func()) {
	t.cbMu.Lock()
	t.onUsernameTaken = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnChannelList(fn func(wire.ChannelList)) {
	t.cbMu.Lock()
	t.onChannelList = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnUserList(fn func(wire.UserList)) {
	t.cbMu.Lock()
	t.onUserList = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnUserJoined(fn func(wire.UserJoined)) {
	t.cbMu.Lock()
	t.onUserJoined = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnUserLeft(fn func(wire.UserLeft)) {
	t.cbMu.Lock()
	t.onUserLeft = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnChannelCreated(fn func(wire.ChannelCreated)) {
	t.cbMu.Lock()
	t.onChannelCreated = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnChannelDeleted(fn func(wire.ChannelDeleted)) {
	t.cbMu.Lock()
	t.onChannelDeleted = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnChannelUpdated(fn func(wire.ChannelUpdated)) {
	t.cbMu.Lock()
	t.onChannelUpdated = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnKicked(fn func(wire.Kicked)) {
	t.cbMu.Lock()
	t.onKicked = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnInviteReceived(fn func(wire.InviteReceived)) {
	t.cbMu.Lock()
	t.onInviteReceived = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnInviteAccepted(fn func(wire.InviteAccepted)) {
	t.cbMu.Lock()
	t.onInviteAccepted = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnInviteDeclined(fn func(wire.InviteDeclined)) {
	t.cbMu.Lock()
	t.onInviteDeclined = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnEncryptedChannelMessage(fn func(wire.EncryptedChannelMessage)) {
	t.cbMu.Lock()
	t.onEncryptedChannelMessage = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnEncryptedDirectMessage(fn func(wire.EncryptedDirectMessage)) {
	t.cbMu.Lock()
	t.onEncryptedDirectMessage = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnEncryptedPoke(fn func(wire.EncryptedPoke)) {
	t.cbMu.Lock()
	t.onEncryptedPoke = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnPreKeyBundle(fn func(wire.PreKeyBundle)) {
	t.cbMu.Lock()
	t.onPreKeyBundle = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnOneTimeKeyExhausted(fn func(wire.OneTimeKeyExhausted)) {
	t.cbMu.Lock()
	t.onOneTimeKeyExhausted = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnScreenShareStarted(fn func(wire.ScreenShareStarted)) {
	t.cbMu.Lock()
	t.onScreenShareStarted = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnScreenShareStopped(fn func(wire.ScreenShareStopped)) {
	t.cbMu.Lock()
	t.onScreenShareStopped = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnViewerCountChanged(fn func(wire.ViewerCountChanged)) {
	t.cbMu.Lock()
	t.onViewerCountChanged = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnKeyframeRequested(fn func()) {
	t.cbMu.Lock()
	t.onKeyframeRequested = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnScreenShareForceStopped(fn func()) {
	t.cbMu.Lock()
	t.onScreenShareForceStopped = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnError(fn func(wire.Error)) {
	t.cbMu.Lock()
	t.onError = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnDisconnected(fn func(reason string)) {
	t.cbMu.Lock()
	t.onDisconnected = fn
	t.cbMu.Unlock()
}

// --- Connect / Disconnect ---

// Connect dials the relay, TOFU-verifies its certificate, performs the
// protocol handshake, and starts the control-read and ping loops. Callbacks
// must be registered via Set* methods before calling Connect. It does not
// block waiting for HandshakeOk; that arrives asynchronously via
// SetOnHandshakeOk.
func (t *Transport) Connect(ctx context.Context, addr, username string) error {
	t.mu.Lock()
	t.addr = addr
	t.username = username
	t.disconnectReason = ""
	t.mu.Unlock()

	return t.dial(ctx)
}

// dial performs one connection attempt using the addr/username recorded by
// Connect. Split out so the reconnect loop can retry without re-deriving
// the dial parameters.
func (t *Transport) dial(ctx context.Context) error {
	t.mu.Lock()
	addr := t.addr
	username := t.username
	t.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(ctx, connectTimeout)
	defer dialCancel()

	sessCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	tlsConf := t.tofuStore.ClientTLSConfig(addr, &tls.Config{})
	d := webtransport.Dialer{
		TLSClientConfig: tlsConf,
		QUICConfig: &quic.Config{
			EnableDatagrams:                  true,
			EnableStreamResetPartialDelivery: true,
		},
	}

	_, sess, err := d.Dial(dialCtx, "https://"+addr+"/voipc", http.Header{})
	if err != nil {
		cancel()
		if errors.Is(err, tofu.ErrCertificateChanged) {
			return fmt.Errorf("server certificate changed since first connection: %w", err)
		}
		return err
	}

	stream, err := sess.OpenStream()
	if err != nil {
		cancel()
		sess.CloseWithError(0, "failed to open control stream")
		return err
	}

	t.mu.Lock()
	t.session = sess
	t.mu.Unlock()
	t.ctrlMu.Lock()
	t.ctrl = stream
	t.ctrlMu.Unlock()

	t.smoothedRTT.Store(0)
	t.bytesSent.Store(0)
	t.lastPongTime.Store(time.Now().UnixNano())
	t.metricsMu.Lock()
	t.lastMetricsTime = time.Now()
	t.metricsMu.Unlock()

	hs := wire.Handshake{
		ProtocolVersion: limits.ProtocolVersion,
		AppVersion:      appVersion,
		Username:        username,
	}
	if err := wire.WriteMessage(stream, hs); err != nil {
		cancel()
		sess.CloseWithError(0, "failed to send handshake")
		return fmt.Errorf("send handshake: %w", err)
	}

	go t.readControl(sessCtx, stream)
	go t.readDatagrams(sessCtx, sess)
	go t.pingLoop(sessCtx)
	go t.reconnectOnLoss(ctx, sessCtx)

	return nil
}

// Disconnect tears down the current session without attempting reconnect.
func (t *Transport) Disconnect() {
	t.ctrlMu.Lock()
	if t.ctrl != nil {
		t.ctrl.Close() //nolint:errcheck // best-effort close for fast server-side teardown
		t.ctrl = nil
	}
	t.ctrlMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.session != nil {
		t.session.CloseWithError(0, "disconnect")
		t.session = nil
	}
	t.myID.Store(0)
	t.channelID.Store(0)
	t.addr = ""
}

// reconnectOnLoss waits for the current session's context to end and, unless
// the outer ctx was also cancelled (an explicit Disconnect), retries the
// dial with exponential backoff (1s, 2s, 4s, capped at 10s, abandoned
// after 30s total).
func (t *Transport) reconnectOnLoss(outerCtx, sessCtx context.Context) {
	<-sessCtx.Done()
	if outerCtx.Err() != nil {
		return
	}

	backoff := limits.ReconnectBackoffMin
	deadline := time.Now().Add(limits.ReconnectDeadline)

	for time.Now().Before(deadline) {
		select {
		case <-outerCtx.Done():
			return
		case <-time.After(backoff):
		}

		if err := t.dial(outerCtx); err == nil {
			return
		}

		backoff *= 2
		if backoff > limits.ReconnectBackoffMax {
			backoff = limits.ReconnectBackoffMax
		}
	}

	t.mu.Lock()
	t.disconnectReason = "reconnect abandoned after repeated failures"
	t.mu.Unlock()

	t.cbMu.RLock()
	onDisconnected := t.onDisconnected
	t.cbMu.RUnlock()
	if onDisconnected != nil {
		onDisconnected("reconnect abandoned after repeated failures")
	}
}

// MyID returns the server-assigned user ID (0 before HandshakeOk).
func (t *Transport) MyID() uint32 { return t.myID.Load() }

// --- Outgoing control messages ---

func (t *Transport) send(msg wire.Message) error {
	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	if t.ctrl == nil {
		return fmt.Errorf("control stream not connected")
	}
	return wire.WriteMessage(t.ctrl, msg)
}

func (t *Transport) JoinChannel(channelID uint32, password string) error {
	return t.send(wire.JoinChannel{ChannelID: channelID, Password: password})
}

func (t *Transport) LeaveChannel() error {
	return t.send(wire.LeaveChannel{})
}

func (t *Transport) CreateChannel(name, description, password string, maxUsers uint32) error {
	return t.send(wire.CreateChannel{Name: name, Description: description, Password: password, MaxUsers: maxUsers})
}

func (t *Transport) SetChannelPassword(channelID uint32, password string) error {
	return t.send(wire.SetChannelPassword{ChannelID: channelID, Password: password})
}

// DeleteChannel asks the server to delete a channel immediately, evicting
// any members to the lobby. Only the channel's creator may succeed; the
// server enforces the check.
func (t *Transport) DeleteChannel(channelID uint32) error {
	return t.send(wire.DeleteChannel{ChannelID: channelID})
}

func (t *Transport) KickUser(targetUserID uint32, reason string) error {
	return t.send(wire.KickUser{TargetUserID: targetUserID, Reason: reason})
}

func (t *Transport) SendInvite(targetUserID uint32) error {
	return t.send(wire.SendInvite{TargetUserID: targetUserID})
}

func (t *Transport) AcceptInvite(channelID, inviterUserID uint32) error {
	return t.send(wire.AcceptInvite{ChannelID: channelID, InviterUserID: inviterUserID})
}

func (t *Transport) DeclineInvite(channelID, inviterUserID uint32) error {
	return t.send(wire.DeclineInvite{ChannelID: channelID, InviterUserID: inviterUserID})
}

func (t *Transport) UploadPreKeyBundle(b wire.UploadPreKeyBundle) error {
	return t.send(b)
}

func (t *Transport) FetchPreKeyBundle(targetUserID uint32) error {
	return t.send(wire.FetchPreKeyBundle{TargetUserID: targetUserID})
}

func (t *Transport) SendEncryptedChannelMessage(channelID uint32, ciphertext []byte) error {
	return t.send(wire.SendEncryptedChannelMessage{ChannelID: channelID, Ciphertext: ciphertext})
}

func (t *Transport) SendEncryptedDirectMessage(targetUserID uint32, ciphertext []byte) error {
	return t.send(wire.SendEncryptedDirectMessage{TargetUserID: targetUserID, Ciphertext: ciphertext})
}

func (t *Transport) SendEncryptedPoke(targetUserID uint32, ciphertext []byte) error {
	return t.send(wire.SendEncryptedPoke{TargetUserID: targetUserID, Ciphertext: ciphertext})
}

func (t *Transport) StartScreenShare() error { return t.send(wire.StartScreenShare{}) }
func (t *Transport) StopScreenShare() error  { return t.send(wire.StopScreenShare{}) }

func (t *Transport) WatchScreenShare(sharerUserID uint32) error {
	return t.send(wire.WatchScreenShare{SharerUserID: sharerUserID})
}

func (t *Transport) StopWatching() error     { return t.send(wire.StopWatching{}) }
func (t *Transport) KeyframeProduced() error { return t.send(wire.KeyframeProduced{}) }

// --- Media datagrams ---

// SendVoice builds the voice routing header from the transport's own
// user/channel state and sends the AEAD-sealed Opus frame as an unreliable
// datagram. ciphertext is sealed by the caller (Session, via
// internal/crypto/aead) before this is called; Transport never touches key
// material.
func (t *Transport) SendVoice(sessionID, sequence uint32, ciphertext []byte) error {
	t.mu.Lock()
	sess := t.session
	t.mu.Unlock()
	if sess == nil {
		return nil
	}
	hdr := wire.VoiceHeader{
		ChannelID:  t.channelID.Load(),
		UserID:     t.myID.Load(),
		SessionID:  sessionID,
		Sequence:   sequence,
		PacketType: wire.PacketVoice,
	}
	dgram := append(hdr.Encode(), ciphertext...)
	t.bytesSent.Add(uint64(len(dgram)))
	return sess.SendDatagram(dgram)
}

// SendVideoFragment sends a pre-built video routing header plus sealed
// fragment payload as an unreliable datagram.
func (t *Transport) SendVideoFragment(hdr wire.VideoHeader, ciphertext []byte) error {
	t.mu.Lock()
	sess := t.session
	t.mu.Unlock()
	if sess == nil {
		return nil
	}
	dgram := append(hdr.Encode(), ciphertext...)
	t.bytesSent.Add(uint64(len(dgram)))
	return sess.SendDatagram(dgram)
}

// StartReceiving registers the channels that decoded media datagrams are
// delivered to. The datagram reader goroutine runs for the lifetime of the
// session (started by dial); StartReceiving only swaps which sinks it
// writes into, so calling it again simply redirects delivery.
func (t *Transport) StartReceiving(_ context.Context, voice chan<- VoiceDatagram, video chan<- VideoDatagram) {
	t.recvMu.Lock()
	t.voiceSink = voice
	t.videoSink = video
	t.recvMu.Unlock()
}

// readDatagrams reads unreliable datagrams from sess, decodes the routing
// header, and forwards the still-encrypted payload to the sinks registered
// by StartReceiving. The header's packet_type selects voice vs. video.
func (t *Transport) readDatagrams(ctx context.Context, sess *webtransport.Session) {
	for {
		data, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		if len(data) < limits.VoiceHeaderSize {
			continue
		}
		hdr, err := wire.DecodeVoiceHeader(data)
		if err != nil {
			continue
		}

		switch hdr.PacketType {
		case wire.PacketVoice:
			if err := wire.ValidateVoiceDatagram(len(data)); err != nil {
				continue
			}
			t.recordVoiceSeq(hdr.UserID, hdr.Sequence)
			t.recvMu.RLock()
			ch := t.voiceSink
			t.recvMu.RUnlock()
			if ch != nil {
				select {
				case ch <- VoiceDatagram{Header: hdr, Ciphertext: data[limits.VoiceHeaderSize:]}:
				default:
				}
			}

		case wire.PacketVideoHEVC, wire.PacketScreenAudio:
			vhdr, err := wire.DecodeVideoHeader(data)
			if err != nil {
				continue
			}
			t.recvMu.RLock()
			ch := t.videoSink
			t.recvMu.RUnlock()
			if ch != nil {
				select {
				case ch <- VideoDatagram{Header: vhdr, Ciphertext: data[limits.VideoHeaderSize:]}:
				default:
				}
			}
		}
	}
}

// recordVoiceSeq updates per-sender sequence tracking used to estimate voice
// packet loss for adapt.NextBitrate/adapt.SmoothLoss; the adaptive bitrate
// loop reacts to measured loss, not just RTT.
func (t *Transport) recordVoiceSeq(senderID, seq uint32) {
	t.lossMu.Lock()
	defer t.lossMu.Unlock()
	if t.voiceLastSeq == nil {
		t.voiceLastSeq = make(map[uint32]uint32)
	}
	last, ok := t.voiceLastSeq[senderID]
	t.voiceLastSeq[senderID] = seq
	t.voiceRecv.Add(1)
	if ok && seq > last+1 {
		t.voiceLost.Add(uint64(seq - last - 1))
	}
}

// --- Metrics ---

// GetMetrics returns current connection quality metrics and resets interval
// byte/loss counters.
func (t *Transport) GetMetrics() Metrics {
	now := time.Now()
	t.metricsMu.Lock()
	t.lastMetricsTime = now
	t.metricsMu.Unlock()

	lost := t.voiceLost.Swap(0)
	recv := t.voiceRecv.Swap(0)
	var lossRate float64
	if total := lost + recv; total > 0 {
		lossRate = float64(lost) / float64(total)
	}

	return Metrics{
		RTTMs:      math.Float64frombits(t.smoothedRTT.Load()),
		JitterMs:   math.Float64frombits(t.smoothedJitter.Load()),
		PacketLoss: lossRate,
		BytesSent:  t.bytesSent.Swap(0),
	}
}

// --- Ping / control read loop ---

func (t *Transport) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts := time.Now().UnixMilli()
			t.lastPingTs.Store(ts)
			if err := t.send(wire.Ping{Timestamp: ts}); err != nil {
				return
			}

			lastPong := t.lastPongTime.Load()
			if lastPong > 0 && time.Since(time.Unix(0, lastPong)) > pongTimeout {
				log.Printf("[transport] pong timeout — server unreachable")
				t.mu.Lock()
				t.disconnectReason = "server unreachable (ping timeout)"
				cancel := t.cancel
				t.mu.Unlock()
				if cancel != nil {
					cancel()
				}
				return
			}
		}
	}
}

// readControl reads framed control messages from the server and dispatches
// them to the registered callback sinks. It returns when the stream closes,
// at which point reconnectOnLoss takes over (unless Disconnect was called).
func (t *Transport) readControl(ctx context.Context, stream *webtransport.Stream) {
	for {
		msg, err := wire.ReadMessage(stream)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Printf("[transport] control read: %v", err)
			}
			break
		}
		t.dispatch(msg)
	}

	t.mu.Lock()
	reason := t.disconnectReason
	t.disconnectReason = ""
	t.mu.Unlock()
	if reason == "" {
		reason = "connection closed by server"
	}

	t.cbMu.RLock()
	onDisconnected := t.onDisconnected
	t.cbMu.RUnlock()
	if onDisconnected != nil {
		onDisconnected(reason)
	}
}

// dispatch fans out one decoded message to its registered callback, if any,
// and updates the small slice of connection state (own id, own channel,
// RTT) that Transport itself needs to track.
func (t *Transport) dispatch(msg wire.Message) {
	t.cbMu.RLock()
	defer t.cbMu.RUnlock()

	switch m := msg.(type) {
	case wire.HandshakeOk:
		t.myID.Store(m.UserID)
		if t.onHandshakeOk != nil {
			t.onHandshakeOk(m)
		}
	case wire.VersionMismatch:
		if t.onVersionMismatch != nil {
			t.onVersionMismatch(m)
		}
	case wire.UsernameTaken:
		if t.onUsernameTaken != nil {
			t.onUsernameTaken()
		}
	case wire.ChannelList:
		if t.onChannelList != nil {
			t.onChannelList(m)
		}
	case wire.UserList:
		// The server only ever sends UserList to the session that just
		// joined or left a channel, so this is always our own
		// new membership — safe to use for presence reconciliation of
		// self-movement, distinct from UserJoined/UserLeft broadcasts about
		// others.
		t.channelID.Store(m.ChannelID)
		if t.onUserList != nil {
			t.onUserList(m)
		}
	case wire.UserJoined:
		if t.onUserJoined != nil {
			t.onUserJoined(m)
		}
	case wire.UserLeft:
		if t.onUserLeft != nil {
			t.onUserLeft(m)
		}
	case wire.ChannelCreated:
		if t.onChannelCreated != nil {
			t.onChannelCreated(m)
		}
	case wire.ChannelDeleted:
		if t.onChannelDeleted != nil {
			t.onChannelDeleted(m)
		}
	case wire.ChannelUpdated:
		if t.onChannelUpdated != nil {
			t.onChannelUpdated(m)
		}
	case wire.Kicked:
		if t.onKicked != nil {
			t.onKicked(m)
		}
	case wire.InviteReceived:
		if t.onInviteReceived != nil {
			t.onInviteReceived(m)
		}
	case wire.InviteAccepted:
		if t.onInviteAccepted != nil {
			t.onInviteAccepted(m)
		}
	case wire.InviteDeclined:
		if t.onInviteDeclined != nil {
			t.onInviteDeclined(m)
		}
	case wire.EncryptedChannelMessage:
		if t.onEncryptedChannelMessage != nil {
			t.onEncryptedChannelMessage(m)
		}
	case wire.EncryptedDirectMessage:
		if t.onEncryptedDirectMessage != nil {
			t.onEncryptedDirectMessage(m)
		}
	case wire.EncryptedPoke:
		if t.onEncryptedPoke != nil {
			t.onEncryptedPoke(m)
		}
	case wire.PreKeyBundle:
		if t.onPreKeyBundle != nil {
			t.onPreKeyBundle(m)
		}
	case wire.OneTimeKeyExhausted:
		if t.onOneTimeKeyExhausted != nil {
			t.onOneTimeKeyExhausted(m)
		}
	case wire.ScreenShareStarted:
		if t.onScreenShareStarted != nil {
			t.onScreenShareStarted(m)
		}
	case wire.ScreenShareStopped:
		if t.onScreenShareStopped != nil {
			t.onScreenShareStopped(m)
		}
	case wire.ViewerCountChanged:
		if t.onViewerCountChanged != nil {
			t.onViewerCountChanged(m)
		}
	case wire.KeyframeRequested:
		if t.onKeyframeRequested != nil {
			t.onKeyframeRequested()
		}
	case wire.ScreenShareForceStopped:
		if t.onScreenShareForceStopped != nil {
			t.onScreenShareForceStopped()
		}
	case wire.Pong:
		t.lastPongTime.Store(time.Now().UnixNano())
		sent := t.lastPingTs.Load()
		if sent != 0 {
			sample := float64(time.Now().UnixMilli() - m.EchoedTimestamp)
			old := math.Float64frombits(t.smoothedRTT.Load())
			var next float64
			if old == 0 {
				next = sample
			} else {
				next = 0.125*sample + 0.875*old // EWMA α=0.125 (RFC 6298)
			}
			t.smoothedRTT.Store(math.Float64bits(next))

			if old != 0 {
				// RFC 3550-style mean deviation of consecutive RTT samples,
				// used as the jitter estimate feeding adapt.TargetJitterDepth.
				oldJitter := math.Float64frombits(t.smoothedJitter.Load())
				nextJitter := oldJitter + (math.Abs(sample-old)-oldJitter)/16
				t.smoothedJitter.Store(math.Float64bits(nextJitter))
			}
		}
	case wire.Error:
		if t.onError != nil {
			t.onError(m)
		}
	default:
		log.Printf("[transport] unexpected message type %T", msg)
	}
}
