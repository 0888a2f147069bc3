// Package vad segments a continuous stream of audio frames into discrete
// utterances using RMS energy with hysteresis, so speech reaches the agent
// without a cloud-side VAD round trip and silence is never transmitted.
package vad

import (
	"log/slog"
	"math"
)

// EventKind identifies a detector event.
type EventKind int

const (
	// SpeechStart is emitted once enough consecutive voiced frames arrive.
	SpeechStart EventKind = iota
	// SpeechEnd is emitted after the trailing-silence hangover and carries
	// the complete utterance: pre-roll, voiced frames, and the hangover.
	SpeechEnd
)

// Event is a detector output. Frames is populated only on SpeechEnd.
type Event struct {
	Kind   EventKind
	Frames [][]float32
}

// Config holds detector tuning. Zero values fall back to defaults.
type Config struct {
	Threshold         float64 // RMS energy above which a frame is voiced
	SpeechStartFrames int     // consecutive voiced frames to open an utterance
	SilenceEndFrames  int     // consecutive silent frames to close an utterance
	MinSpeechFrames   int     // utterances shorter than this are discarded
	PreRollFrames     int     // frames retained before speech onset
	Logger            *slog.Logger
}

// Detector is the per-capture-session VAD state machine. It is not safe for
// concurrent use; the capture loop owns it.
type Detector struct {
	cfg Config

	speaking         bool
	speechRunLength  int
	silenceRunLength int

	preRoll   [][]float32 // ring of the most recent frames while silent
	prePos    int
	preCount  int
	utterance [][]float32

	logger *slog.Logger
}

// NewDetector creates a detector with the given tuning.
func NewDetector(cfg Config) *Detector {
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.01
	}
	if cfg.SpeechStartFrames == 0 {
		cfg.SpeechStartFrames = 3
	}
	if cfg.SilenceEndFrames == 0 {
		cfg.SilenceEndFrames = 15
	}
	if cfg.MinSpeechFrames == 0 {
		cfg.MinSpeechFrames = 5
	}
	if cfg.PreRollFrames == 0 {
		// ~0.5s of 256ms frames
		cfg.PreRollFrames = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// The ring also holds the trigger run itself: with 256ms frames the
	// speech-start run is longer than the pre-roll window, and the first
	// voiced frames must not be evicted before the trigger fires.
	return &Detector{
		cfg:     cfg,
		preRoll: make([][]float32, cfg.PreRollFrames+cfg.SpeechStartFrames),
		logger:  cfg.Logger,
	}
}

// Process consumes one frame and returns zero or more events. A single frame
// can only ever produce one event, but the slice return keeps call sites
// uniform with future detectors.
func (d *Detector) Process(frame []float32) []Event {
	voiced := RMS(frame) > d.cfg.Threshold

	if !d.speaking {
		d.pushPreRoll(frame)
		if voiced {
			d.speechRunLength++
			if d.speechRunLength >= d.cfg.SpeechStartFrames {
				d.openUtterance()
				return []Event{{Kind: SpeechStart}}
			}
		} else {
			d.speechRunLength = 0
		}
		return nil
	}

	// Speaking: every frame, voiced or not, belongs to the utterance so
	// trailing consonants are not clipped.
	d.utterance = append(d.utterance, frame)
	if voiced {
		d.silenceRunLength = 0
		return nil
	}

	d.silenceRunLength++
	if d.silenceRunLength < d.cfg.SilenceEndFrames {
		return nil
	}

	frames := d.utterance
	d.resetRun()
	if len(frames) < d.cfg.MinSpeechFrames {
		// Transient click, not speech.
		d.logger.Debug("discarding short utterance", "frames", len(frames))
		return nil
	}
	d.logger.Debug("utterance closed", "frames", len(frames))
	return []Event{{Kind: SpeechEnd, Frames: frames}}
}

// openUtterance flushes the pre-roll ring into a new utterance buffer. The
// pre-roll recovers the syllable onset that occurred before the energy
// crossed the threshold.
func (d *Detector) openUtterance() {
	d.speaking = true
	d.silenceRunLength = 0

	d.utterance = d.utterance[:0]
	n := d.preCount
	start := 0
	if n == len(d.preRoll) {
		start = d.prePos
	}
	for i := 0; i < n; i++ {
		d.utterance = append(d.utterance, d.preRoll[(start+i)%len(d.preRoll)])
	}
	d.clearPreRoll()
	d.logger.Debug("speech started", "preRollFrames", n)
}

func (d *Detector) pushPreRoll(frame []float32) {
	d.preRoll[d.prePos] = frame
	d.prePos = (d.prePos + 1) % len(d.preRoll)
	if d.preCount < len(d.preRoll) {
		d.preCount++
	}
}

func (d *Detector) clearPreRoll() {
	for i := range d.preRoll {
		d.preRoll[i] = nil
	}
	d.prePos = 0
	d.preCount = 0
}

func (d *Detector) resetRun() {
	d.speaking = false
	d.speechRunLength = 0
	d.silenceRunLength = 0
	d.utterance = nil
}

// Speaking reports whether the detector is inside an utterance.
func (d *Detector) Speaking() bool {
	return d.speaking
}

// Abandon drops any in-progress utterance without emitting SpeechEnd. Used
// when capture stops mid-utterance so no partial stop reaches the agent.
func (d *Detector) Abandon() {
	if d.speaking {
		d.logger.Debug("abandoning utterance", "frames", len(d.utterance))
	}
	d.resetRun()
	d.clearPreRoll()
}

// Reset restores the detector to its initial state.
func (d *Detector) Reset() {
	d.resetRun()
	d.clearPreRoll()
}

// RMS computes the root-mean-square energy of a frame of float32 samples.
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
