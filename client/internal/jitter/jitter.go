// Package jitter implements a per-sender jitter buffer for voice datagrams.
//
// It reorders out-of-order packets using sequence numbers, buffers a
// configurable number of frames before starting playback, and signals
// missing frames so the caller can invoke Opus PLC (packet loss concealment)
// or, when the next frame in sequence is already available, Opus in-band
// FEC.
package jitter

import "time"

const (
	ringSize = 16 // must be power of 2
	ringMask = ringSize - 1

	// staleTimeout is how long a sender must be silent before their stream
	// is pruned from the buffer.
	staleTimeout = 500 * time.Millisecond
)

// Frame is a single voice frame output from the jitter buffer.
type Frame struct {
	SenderID uint32
	OpusData []byte // nil signals a missing packet (caller should do PLC)
	// FECData, set only when OpusData is nil, is the next sequence number's
	// raw Opus payload — Opus embeds a low-bitrate copy of the prior frame
	// in its in-band FEC, so the caller can recover the lost frame from it
	// instead of falling back to pure PLC.
	FECData []byte
}

// slot holds one opus packet in the ring buffer.
type slot struct {
	opus []byte
	seq  uint32
	set  bool
}

// stream tracks per-sender jitter buffer state.
type stream struct {
	ring     [ringSize]slot
	nextPlay uint32    // next sequence number to consume
	primed   bool      // true once we've buffered enough frames to start
	count    int       // frames received during priming
	depth    int       // priming target captured when the stream was created
	lastRecv time.Time // time of last Push
}

// Buffer is a per-sender jitter buffer. Not safe for concurrent use;
// the caller (playbackLoop) is the sole reader and synchronises externally.
type Buffer struct {
	streams map[uint32]*stream
	depth   int // frames to buffer before starting playback, for new streams
}

// New creates a jitter buffer with the given depth (in 20 ms frames).
// A depth of 3 adds ~60 ms latency and tolerates reordering within that window.
func New(depth int) *Buffer {
	return &Buffer{
		streams: make(map[uint32]*stream),
		depth:   clampDepth(depth),
	}
}

func clampDepth(depth int) int {
	if depth < 1 {
		return 1
	}
	if depth > ringSize/2 {
		return ringSize / 2
	}
	return depth
}

// SetDepth updates the target depth for streams created from now on.
// Streams already primed keep their original depth — the adaptive loop
// widening the target shouldn't retroactively re-prime an active sender.
func (b *Buffer) SetDepth(depth int) { b.depth = clampDepth(depth) }

// Depth returns the buffer's current target depth for new streams.
func (b *Buffer) Depth() int { return b.depth }

// Push inserts a received packet into the sender's ring buffer.
func (b *Buffer) Push(senderID, seq uint32, opus []byte) {
	s, ok := b.streams[senderID]
	if !ok {
		s = &stream{nextPlay: seq, depth: b.depth}
		b.streams[senderID] = s
	}
	s.lastRecv = time.Now()

	idx := int(seq) & ringMask

	if !s.primed {
		// During priming, accumulate frames without consuming.
		s.ring[idx] = slot{opus: opus, seq: seq, set: true}
		s.count++
		if s.count >= s.depth {
			s.primed = true
		}
		return
	}

	// Signed distance from nextPlay: positive = ahead, negative = behind.
	dist := int32(seq - s.nextPlay)

	if dist < 0 {
		// Late arrival (already played past this seq) — drop.
		return
	}
	if int(dist) >= ringSize {
		// Way ahead of expectation — likely a sender restart or long gap.
		// Reset the stream and start priming again.
		*s = stream{
			nextPlay: seq,
			lastRecv: time.Now(),
			count:    1,
			depth:    b.depth,
		}
		s.ring[idx] = slot{opus: opus, seq: seq, set: true}
		if s.count >= s.depth {
			s.primed = true
		}
		return
	}

	s.ring[idx] = slot{opus: opus, seq: seq, set: true}
}

// Pop returns one frame per active sender for the current 20 ms playback tick.
// Senders that have gone silent for more than staleTimeout are pruned.
func (b *Buffer) Pop() []Frame {
	now := time.Now()
	var frames []Frame
	var stale []uint32

	for id, s := range b.streams {
		if now.Sub(s.lastRecv) > staleTimeout {
			stale = append(stale, id)
			continue
		}
		if !s.primed {
			continue
		}

		idx := int(s.nextPlay) & ringMask
		if s.ring[idx].set && s.ring[idx].seq == s.nextPlay {
			frames = append(frames, Frame{SenderID: id, OpusData: s.ring[idx].opus})
			s.ring[idx] = slot{} // clear
		} else {
			// Missing frame. If the next sequence number is already
			// buffered, its Opus payload carries in-band FEC for this
			// frame; hand it to the caller instead of pure PLC.
			nextIdx := int(s.nextPlay+1) & ringMask
			var fec []byte
			if s.ring[nextIdx].set && s.ring[nextIdx].seq == s.nextPlay+1 {
				fec = s.ring[nextIdx].opus
			}
			s.ring[idx] = slot{} // clear any stale data
			frames = append(frames, Frame{SenderID: id, FECData: fec})
		}
		s.nextPlay++
	}

	for _, id := range stale {
		delete(b.streams, id)
	}

	return frames
}

// Reset clears all buffered state (e.g. on disconnect).
func (b *Buffer) Reset() {
	b.streams = make(map[uint32]*stream)
}

// ActiveSenders returns the number of senders with primed streams.
func (b *Buffer) ActiveSenders() int {
	n := 0
	for _, s := range b.streams {
		if s.primed {
			n++
		}
	}
	return n
}
