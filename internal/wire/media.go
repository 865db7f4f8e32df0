package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/luki4fun/VoIPC/internal/limits"
)

// PacketType identifies the kind of payload carried by a media datagram.
type PacketType uint8

const (
	PacketVoice       PacketType = 0
	PacketVideoHEVC   PacketType = 1
	PacketScreenAudio PacketType = 2
)

// VoiceHeader is the 17-byte unencrypted prefix of every voice (and
// screen-audio) datagram. Everything after it is AEAD ciphertext plus tag.
type VoiceHeader struct {
	ChannelID  uint32
	UserID     uint32
	SessionID  uint32
	Sequence   uint32
	PacketType PacketType
}

// Encode writes the header to a fresh limits.VoiceHeaderSize-byte slice.
func (h VoiceHeader) Encode() []byte {
	buf := make([]byte, limits.VoiceHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.ChannelID)
	binary.BigEndian.PutUint32(buf[4:8], h.UserID)
	binary.BigEndian.PutUint32(buf[8:12], h.SessionID)
	binary.BigEndian.PutUint32(buf[12:16], h.Sequence)
	buf[16] = byte(h.PacketType)
	return buf
}

// DecodeVoiceHeader parses the fixed-size voice header from the front of buf.
func DecodeVoiceHeader(buf []byte) (VoiceHeader, error) {
	if len(buf) < limits.VoiceHeaderSize {
		return VoiceHeader{}, ErrMalformedFrame
	}
	return VoiceHeader{
		ChannelID:  binary.BigEndian.Uint32(buf[0:4]),
		UserID:     binary.BigEndian.Uint32(buf[4:8]),
		SessionID:  binary.BigEndian.Uint32(buf[8:12]),
		Sequence:   binary.BigEndian.Uint32(buf[12:16]),
		PacketType: PacketType(buf[16]),
	}, nil
}

// VideoHeader is the 23-byte unencrypted prefix of every video fragment
// datagram: a VoiceHeader followed by frame and fragment indices.
type VideoHeader struct {
	VoiceHeader
	FrameID       uint32
	FragmentIndex uint8
	FragmentCount uint8
}

// Encode writes the header to a fresh limits.VideoHeaderSize-byte slice.
func (h VideoHeader) Encode() []byte {
	buf := make([]byte, limits.VideoHeaderSize)
	copy(buf[0:limits.VoiceHeaderSize], h.VoiceHeader.Encode())
	binary.BigEndian.PutUint32(buf[17:21], h.FrameID)
	buf[21] = h.FragmentIndex
	buf[22] = h.FragmentCount
	return buf
}

// DecodeVideoHeader parses the fixed-size video header from the front of buf.
func DecodeVideoHeader(buf []byte) (VideoHeader, error) {
	if len(buf) < limits.VideoHeaderSize {
		return VideoHeader{}, ErrMalformedFrame
	}
	vh, err := DecodeVoiceHeader(buf[:limits.VoiceHeaderSize])
	if err != nil {
		return VideoHeader{}, err
	}
	return VideoHeader{
		VoiceHeader:   vh,
		FrameID:       binary.BigEndian.Uint32(buf[17:21]),
		FragmentIndex: buf[21],
		FragmentCount: buf[22],
	}, nil
}

// ValidateVoiceDatagram enforces the 512-byte cap (§4.A, boundary property 9).
func ValidateVoiceDatagram(n int) error {
	if n < limits.VoiceHeaderSize {
		return ErrMalformedFrame
	}
	if n > limits.MaxVoicePacket {
		return fmt.Errorf("%w: voice datagram %d bytes exceeds %d", ErrMalformedFrame, n, limits.MaxVoicePacket)
	}
	return nil
}

// ValidateVideoDatagram enforces the 1280-byte cap (§4.A, boundary property 10).
func ValidateVideoDatagram(n int) error {
	if n < limits.VideoHeaderSize {
		return ErrMalformedFrame
	}
	if n > limits.MaxVideoPacket {
		return fmt.Errorf("%w: video datagram %d bytes exceeds %d", ErrMalformedFrame, n, limits.MaxVideoPacket)
	}
	return nil
}

// MediaNonceExtra computes the `extra` component of the AEAD nonce for a
// media packet (§4.B): zero for voice, frame_id XOR fragment_index for video.
func MediaNonceExtra(pt PacketType, frameID uint32, fragmentIndex uint8) uint32 {
	if pt != PacketVideoHEVC {
		return 0
	}
	return frameID ^ uint32(fragmentIndex)
}
