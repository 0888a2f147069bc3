package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/careloop/voicelink/pkg/pcm"
)

// ReaderSource reads raw little-endian 16-bit PCM from an io.Reader and
// emits capture frames. It serves headless deployments where audio arrives
// on a pipe or file descriptor instead of a peer connection.
type ReaderSource struct {
	r      io.Reader
	logger *slog.Logger

	frameCh chan []float32

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewReaderSource starts reading PCM16LE at inputRate from r.
func NewReaderSource(r io.Reader, inputRate int, logger *slog.Logger) (*ReaderSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pipe, err := newPipeline(inputRate, logger)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}

	s := &ReaderSource{
		r:       r,
		logger:  logger,
		frameCh: make(chan []float32, 64),
		closeCh: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.readLoop(pipe)
	return s, nil
}

func (s *ReaderSource) readLoop(pipe *pipeline) {
	defer s.wg.Done()
	defer close(s.frameCh)

	buf := make([]byte, 8192)
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		n, err := io.ReadFull(s.r, buf)
		if n > 0 {
			// Truncate a trailing odd byte on a short final read.
			samples, decErr := pcm.Decode(buf[:n&^1])
			if decErr != nil {
				s.logger.Warn("pcm decode failed", "error", decErr)
			} else {
				for _, frame := range pipe.push(samples) {
					select {
					case s.frameCh <- frame:
					case <-s.closeCh:
						return
					}
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.logger.Warn("audio input read failed", "error", err)
			}
			return
		}
	}
}

// Frames returns the capture frame channel. It is closed when the input
// reaches EOF or the source is closed.
func (s *ReaderSource) Frames() <-chan []float32 {
	return s.frameCh
}

// Close stops the read loop, closing the underlying reader when it is
// closable so a blocked read unblocks.
func (s *ReaderSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		if c, ok := s.r.(io.Closer); ok {
			_ = c.Close()
		}
	})
	return nil
}
