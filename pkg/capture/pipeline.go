// Package capture produces the microphone frame stream for a call session:
// fixed 4096-sample mono blocks at 16 kHz, regardless of how the platform
// delivers audio (WebRTC Opus track, raw PCM reader).
package capture

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/careloop/voicelink/pkg/pcm"
)

// Source is one microphone capture session. Frames yields fixed-size
// 16 kHz mono blocks until Close; the channel is closed on teardown so a
// consuming loop terminates naturally.
type Source interface {
	Frames() <-chan []float32
	Close() error
}

// Resampler converts audio from one sample rate to another using linear
// interpolation. Quality is adequate for VAD and 16 kHz speech.
type Resampler struct {
	inputRate  int
	outputRate int
	ratio      float64
}

// NewResampler creates a resampler.
func NewResampler(inputRate, outputRate int) (*Resampler, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("capture: invalid sample rates: input=%d, output=%d", inputRate, outputRate)
	}
	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		ratio:      float64(outputRate) / float64(inputRate),
	}, nil
}

// Resample converts a block of samples to the output rate.
func (r *Resampler) Resample(input []float32) []float32 {
	if len(input) == 0 || r.inputRate == r.outputRate {
		return input
	}

	outputSize := int(float64(len(input)) * r.ratio)
	if outputSize == 0 {
		return nil
	}

	output := make([]float32, outputSize)
	for i := 0; i < outputSize; i++ {
		pos := float64(i) / r.ratio
		idx := int(pos)
		if idx >= len(input)-1 {
			output[i] = input[len(input)-1]
			continue
		}
		frac := pos - float64(idx)
		output[i] = input[idx]*(1-float32(frac)) + input[idx+1]*float32(frac)
	}
	return output
}

// Framer accumulates samples into fixed 4096-sample capture frames.
type Framer struct {
	frameSize int
	buffer    []float32
	mu        sync.Mutex
}

// NewFramer creates a framer emitting pcm.FrameSamples-sized frames.
func NewFramer() *Framer {
	return &Framer{
		frameSize: pcm.FrameSamples,
		buffer:    make([]float32, 0, pcm.FrameSamples),
	}
}

// Add appends samples and returns all complete frames now available.
func (f *Framer) Add(samples []float32) [][]float32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buffer = append(f.buffer, samples...)

	var frames [][]float32
	for len(f.buffer) >= f.frameSize {
		frame := make([]float32, f.frameSize)
		copy(frame, f.buffer[:f.frameSize])
		frames = append(frames, frame)
		f.buffer = f.buffer[f.frameSize:]
	}
	return frames
}

// Reset discards buffered samples.
func (f *Framer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffer = f.buffer[:0]
}

// pipeline glues a resampler and framer for one capture session.
type pipeline struct {
	resampler *Resampler
	framer    *Framer
	logger    *slog.Logger
}

func newPipeline(inputRate int, logger *slog.Logger) (*pipeline, error) {
	resampler, err := NewResampler(inputRate, pcm.SampleRate)
	if err != nil {
		return nil, err
	}
	return &pipeline{
		resampler: resampler,
		framer:    NewFramer(),
		logger:    logger,
	}, nil
}

// push feeds decoded platform audio through resampling and framing.
func (p *pipeline) push(samples []float32) [][]float32 {
	return p.framer.Add(p.resampler.Resample(samples))
}
