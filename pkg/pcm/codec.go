// Package pcm converts between float32 audio samples and the PCM16LE wire
// format used on the agent connection. 16 kHz mono throughout.
package pcm

import (
	"encoding/binary"
	"errors"
)

// ErrMalformedFrame is returned when a binary payload cannot be interpreted
// as PCM16LE (odd byte count).
var ErrMalformedFrame = errors.New("pcm: malformed frame")

const (
	// SampleRate is the fixed sample rate of the agent wire format.
	SampleRate = 16000
	// FrameSamples is the number of mono samples per capture frame.
	FrameSamples = 4096
)

// Encode converts float32 samples in [-1, 1] to PCM16LE bytes.
// Samples outside the range are clamped before scaling so loud transients
// wrap to full scale instead of overflowing.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Decode converts PCM16LE bytes to float32 samples in [-1, 1].
func Decode(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, ErrMalformedFrame
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(v) / 32768.0
	}
	return out, nil
}
