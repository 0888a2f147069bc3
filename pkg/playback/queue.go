// Package playback reconstructs synthesized speech from the agent and plays
// it back one utterance at a time. The agent streams an utterance either as
// a single binary message or as a bracketed sequence audio_start … chunks …
// audio_end; either way exactly one contiguous buffer reaches the sink, and
// two utterances never overlap.
package playback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/careloop/voicelink/pkg/pcm"
)

// Sink plays one decoded utterance. Play blocks until the audio finished or
// ctx was cancelled; the queue worker serializes calls so implementations
// need no internal locking against concurrent playback.
type Sink interface {
	Play(ctx context.Context, samples []float32) error
}

// Queue serializes synthesized-speech playback for one call session.
type Queue struct {
	sink   Sink
	logger *slog.Logger

	mu           sync.Mutex
	accumulating bool
	accum        []byte
	expected     int
	suppressed   bool
	cancelPlay   context.CancelFunc

	playCh chan []byte
	doneCh chan struct{}
	wg     sync.WaitGroup
}

// Config holds playback queue configuration.
type Config struct {
	Sink   Sink
	Logger *slog.Logger
}

// NewQueue creates the queue and starts its playback worker.
func NewQueue(cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	q := &Queue{
		sink:   cfg.Sink,
		logger: cfg.Logger,
		playCh: make(chan []byte, 32),
		doneCh: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.playLoop()
	return q
}

// HandleAudioStart opens an accumulation buffer for a bracketed sequence.
// An audio_start arriving while another sequence is open discards the open
// accumulation and starts fresh, so bytes from two utterances never mix.
func (q *Queue) HandleAudioStart(expectedSize int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.accumulating {
		q.logger.Warn("audio_start while sequence open, discarding partial utterance",
			"partialBytes", len(q.accum))
	}
	q.accumulating = true
	q.accum = make([]byte, 0, expectedSize)
	q.expected = expectedSize
}

// HandleBinary consumes one binary chunk: appended while a bracketed
// sequence is open, otherwise played as a standalone utterance.
func (q *Queue) HandleBinary(chunk []byte) {
	q.mu.Lock()
	if q.suppressed {
		q.mu.Unlock()
		return
	}
	if q.accumulating {
		q.accum = append(q.accum, chunk...)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	q.enqueue(chunk)
}

// HandleAudioEnd closes the bracketed sequence and hands the concatenated
// buffer to playback.
func (q *Queue) HandleAudioEnd() {
	q.mu.Lock()
	if !q.accumulating {
		q.mu.Unlock()
		q.logger.Debug("audio_end without open sequence, ignoring")
		return
	}
	buf := q.accum
	expected := q.expected
	q.accumulating = false
	q.accum = nil
	suppressed := q.suppressed
	q.mu.Unlock()

	if suppressed {
		return
	}
	if expected > 0 && len(buf) != expected {
		q.logger.Debug("bracketed utterance size mismatch", "got", len(buf), "expected", expected)
	}
	q.enqueue(buf)
}

func (q *Queue) enqueue(buf []byte) {
	// Synthesis glitches must not abort the call.
	if len(buf) < 2 {
		q.logger.Debug("dropping undersized playback buffer", "bytes", len(buf))
		return
	}
	select {
	case q.playCh <- buf:
	case <-q.doneCh:
	default:
		q.logger.Warn("playback queue full, dropping utterance", "bytes", len(buf))
	}
}

func (q *Queue) playLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.doneCh:
			return
		case buf := <-q.playCh:
			q.mu.Lock()
			if q.suppressed {
				q.mu.Unlock()
				continue
			}
			ctx, cancel := context.WithCancel(context.Background())
			q.cancelPlay = cancel
			q.mu.Unlock()

			samples, err := pcm.Decode(buf)
			if err != nil {
				q.logger.Warn("dropping corrupt playback buffer", "error", err)
			} else if err := q.sink.Play(ctx, samples); err != nil && ctx.Err() == nil {
				q.logger.Warn("playback failed", "error", err)
			}

			q.mu.Lock()
			q.cancelPlay = nil
			q.mu.Unlock()
			cancel()
		}
	}
}

// Interrupt stops current playback immediately, discards in-flight
// accumulation and queued utterances, and suppresses further playback until
// Rearm. This is the barge-in / hang-up path.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	q.suppressed = true
	q.accumulating = false
	q.accum = nil
	if q.cancelPlay != nil {
		q.cancelPlay()
	}
	q.mu.Unlock()

	// Drain anything already queued.
	for {
		select {
		case <-q.playCh:
		default:
			return
		}
	}
}

// Rearm re-enables playback after an interrupt.
func (q *Queue) Rearm() {
	q.mu.Lock()
	q.suppressed = false
	q.mu.Unlock()
}

// Close stops the worker. Pending playback is cancelled.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.cancelPlay != nil {
		q.cancelPlay()
	}
	q.mu.Unlock()

	close(q.doneCh)
	q.wg.Wait()
	return nil
}
