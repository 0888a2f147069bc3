package playback

import (
	"context"
	"io"
	"sync"

	"github.com/careloop/voicelink/pkg/pcm"
)

// WriterSink plays audio by writing PCM16LE to an io.Writer, typically a
// pipe into the platform's audio device. The writer is created lazily on
// first play and reused for the whole session.
type WriterSink struct {
	open func() (io.Writer, error)

	mu sync.Mutex
	w  io.Writer

	// writeMu serializes the actual device writes: a cancelled Play may leave
	// one blocked write behind, and the next utterance must not interleave
	// with it.
	writeMu sync.Mutex
}

// NewWriterSink wraps an already-open writer.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// NewLazyWriterSink defers opening the output device until first playback,
// matching platforms where output contexts must be created on demand.
func NewLazyWriterSink(open func() (io.Writer, error)) *WriterSink {
	return &WriterSink{open: open}
}

// NewDiscardSink drops all playback. Used when no output device is wired,
// e.g. headless deployments that only need captions and summaries.
func NewDiscardSink() *WriterSink {
	return &WriterSink{w: io.Discard}
}

// Play encodes the samples and writes them out in frame-sized slices. The
// writes run in their own goroutine so cancellation returns immediately even
// when the output device has stopped draining; a barge-in must never wait on
// a stalled pipe.
func (s *WriterSink) Play(ctx context.Context, samples []float32) error {
	s.mu.Lock()
	if s.w == nil {
		w, err := s.open()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.w = w
	}
	w := s.w
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		for off := 0; off < len(samples); off += pcm.FrameSamples {
			if err := ctx.Err(); err != nil {
				done <- err
				return
			}
			end := off + pcm.FrameSamples
			if end > len(samples) {
				end = len(samples)
			}
			if _, err := w.Write(pcm.Encode(samples[off:end])); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
