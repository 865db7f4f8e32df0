package main

import (
	"math"
	"sync"
	"sync/atomic"
)

// NoiseCanceller is the capture-path hook for ML noise suppression. The
// model itself (a 480-sample, 48 kHz denoiser) is an external collaborator
// supplied at integration time via SetModel; each 960-sample frame is split
// into two 480-sample halves and run through the model with persistent
// state, which keeps output bit-exact across runs for the same input.
// Without a model attached, Process passes audio through untouched and
// VADProbability reports 0 so the engine falls back to energy-threshold VAD.
type NoiseCanceller struct {
	mu      sync.Mutex
	model   DenoiseModel
	level   float32 // 0.0 = bypass, 1.0 = full suppression
	enabled bool

	lastVAD atomic.Uint32 // float32 bits: voice probability from the last frame
}

// DenoiseModel processes one 480-sample block in place and returns the
// model's voice-activity probability for that block (0.0-1.0).
type DenoiseModel interface {
	ProcessBlock(block []float32) float32
	Close()
}

const denoiseBlockSize = 480

// NewNoiseCanceller returns a canceller with no model attached.
func NewNoiseCanceller() *NoiseCanceller {
	return &NoiseCanceller{level: 1.0}
}

// SetModel attaches (or detaches, when m is nil) the denoiser model.
func (nc *NoiseCanceller) SetModel(m DenoiseModel) {
	nc.mu.Lock()
	old := nc.model
	nc.model = m
	nc.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// SetEnabled enables or disables noise suppression.
func (nc *NoiseCanceller) SetEnabled(on bool) {
	nc.mu.Lock()
	nc.enabled = on
	nc.mu.Unlock()
}

// SetLevel sets the suppression blend level (0.0 = bypass, 1.0 = full
// suppression). Values are clamped to [0, 1].
func (nc *NoiseCanceller) SetLevel(level float32) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	nc.mu.Lock()
	nc.level = level
	nc.mu.Unlock()
}

// VADProbability returns the model's voice probability for the most recent
// processed frame (the lower of the two block probabilities, so a frame is
// only "voice" when both halves are). 0 when no model has run yet.
func (nc *NoiseCanceller) VADProbability() float32 {
	return math.Float32frombits(nc.lastVAD.Load())
}

// Process applies noise suppression in place to buf (two denoiseBlockSize
// halves of a 20 ms frame). No-op when disabled, bypassed, or no model is
// attached.
func (nc *NoiseCanceller) Process(buf []float32) {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if !nc.enabled || nc.level == 0 || nc.model == nil || len(buf) != 2*denoiseBlockSize {
		return
	}

	level := nc.level
	block := make([]float32, denoiseBlockSize)
	minProb := float32(1.0)
	for half := 0; half < 2; half++ {
		off := half * denoiseBlockSize
		copy(block, buf[off:off+denoiseBlockSize])
		prob := nc.model.ProcessBlock(block)
		if prob < minProb {
			minProb = prob
		}
		for i := 0; i < denoiseBlockSize; i++ {
			buf[off+i] = buf[off+i]*(1-level) + block[i]*level
		}
	}
	nc.lastVAD.Store(math.Float32bits(minProb))
}

// Destroy releases the attached model, if any.
func (nc *NoiseCanceller) Destroy() {
	nc.SetModel(nil)
}
