// Package reassembly implements the per-sender video frame reassembly
// buffer: fragments carrying the same frame_id are
// collected by (user_id, frame_id) and a frame is only delivered once every
// fragment has arrived. Partial frames older than two frame periods are
// discarded and counted so the pipeline can surface a FramesDropped metric.
package reassembly

import "time"

// partial holds the fragments received so far for one (sender, frame_id).
type partial struct {
	fragments [][]byte // indexed by fragment_index; nil until received
	have      int
	count     int
	firstSeen time.Time
}

// Buffer reassembles video fragments into complete frames. Not safe for
// concurrent use; the caller (the video receive loop) is the sole reader
// and synchronises externally, matching jitter.Buffer's contract.
type Buffer struct {
	framePeriod time.Duration
	senders     map[uint32]map[uint32]*partial
	dropped     uint64
}

// New creates a reassembly buffer. framePeriod is the nominal interval
// between frames (1/fps) used to age out partial frames after two periods.
func New(framePeriod time.Duration) *Buffer {
	return &Buffer{
		framePeriod: framePeriod,
		senders:     make(map[uint32]map[uint32]*partial),
	}
}

// SetFramePeriod updates the staleness window for future frames.
func (b *Buffer) SetFramePeriod(d time.Duration) {
	if d > 0 {
		b.framePeriod = d
	}
}

// Push inserts one video fragment. When it completes its frame, Push
// returns the concatenated frame data and true; otherwise it returns
// (nil, false). fragmentIndex and fragmentCount come straight off the wire
// header — a fragmentCount of 0 or an out-of-range fragmentIndex is
// rejected as malformed.
func (b *Buffer) Push(senderID, frameID uint32, fragmentIndex, fragmentCount uint8, data []byte) ([]byte, bool) {
	if fragmentCount == 0 || fragmentIndex >= fragmentCount {
		return nil, false
	}

	frames, ok := b.senders[senderID]
	if !ok {
		frames = make(map[uint32]*partial)
		b.senders[senderID] = frames
	}
	b.reap(frames)

	p, ok := frames[frameID]
	if !ok {
		p = &partial{
			fragments: make([][]byte, fragmentCount),
			count:     int(fragmentCount),
			firstSeen: time.Now(),
		}
		frames[frameID] = p
	}
	if int(fragmentCount) != p.count {
		// A sender restarted frame_id with a different fragment_count —
		// treat as a fresh frame rather than corrupt the old one.
		p = &partial{
			fragments: make([][]byte, fragmentCount),
			count:     int(fragmentCount),
			firstSeen: time.Now(),
		}
		frames[frameID] = p
	}

	if p.fragments[fragmentIndex] == nil {
		buf := make([]byte, len(data))
		copy(buf, data)
		p.fragments[fragmentIndex] = buf
		p.have++
	}

	if p.have < p.count {
		return nil, false
	}

	delete(frames, frameID)
	total := 0
	for _, f := range p.fragments {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range p.fragments {
		out = append(out, f...)
	}
	return out, true
}

// reap drops partial frames older than two frame periods, incrementing the
// dropped-frame counter once per discarded frame.
func (b *Buffer) reap(frames map[uint32]*partial) {
	if b.framePeriod <= 0 {
		return
	}
	cutoff := time.Now().Add(-2 * b.framePeriod)
	for id, p := range frames {
		if p.firstSeen.Before(cutoff) {
			delete(frames, id)
			b.dropped++
		}
	}
}

// Dropped returns and resets the count of partial frames discarded for
// arriving incomplete.
func (b *Buffer) Dropped() uint64 {
	n := b.dropped
	b.dropped = 0
	return n
}
