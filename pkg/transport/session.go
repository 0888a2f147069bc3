// Package transport owns the single duplex WebSocket to the conversational
// agent. Nothing else in the process may hold a second connection: the
// session hands out parsed inbound messages on a channel and serializes all
// writes behind one mutex.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careloop/voicelink/pkg/protocol"
)

// Errors reported to callers.
var (
	// ErrNotConnected is returned by Send* when the socket is not open.
	// Sends are never queued: stale audio must not replay after reconnect.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrConnectTimeout is returned when the socket does not reach the open
	// state within the bounded connect wait.
	ErrConnectTimeout = errors.New("transport: connect timeout")
	// ErrConnectionLost is delivered on the error channel when the socket
	// closed unexpectedly and the single scheduled reconnect also failed.
	ErrConnectionLost = errors.New("transport: connection lost")
)

// Message is one inbound transport unit, in arrival order. Exactly one of
// Envelope and Binary is set; binary payloads are raw synthesized PCM.
type Message struct {
	Envelope protocol.Inbound
	Binary   []byte
}

type state int

const (
	stateDisconnected state = iota
	stateConnecting
	stateConnected
)

// Config holds session transport configuration.
type Config struct {
	URL            string        // agent WebSocket URL
	ConnectTimeout time.Duration // bounded wait for the socket to open
	ReconnectDelay time.Duration // fixed backoff before the single reconnect
	Logger         *slog.Logger
}

// Session is the single source of truth for the agent socket.
type Session struct {
	url            string
	connectTimeout time.Duration
	reconnectDelay time.Duration
	logger         *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	state       state
	gen         int // connection generation; stale read loops must not touch state
	connectDone chan struct{}
	connectErr  error
	manualClose bool
	reconnect   *time.Timer

	msgCh  chan Message
	errCh  chan error
	doneCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewSession creates a session transport. Connect must be called before any
// send.
func NewSession(cfg Config) *Session {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Session{
		url:            cfg.URL,
		connectTimeout: cfg.ConnectTimeout,
		reconnectDelay: cfg.ReconnectDelay,
		logger:         cfg.Logger,
		msgCh:          make(chan Message, 100),
		errCh:          make(chan error, 10),
		doneCh:         make(chan struct{}),
	}
}

// Connect establishes the WebSocket. It is idempotent: an already-open
// session returns immediately, and a call racing an in-flight dial joins
// that attempt instead of opening a second socket.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.manualClose {
		// Close is permanent for the logical session; a reconnect racing
		// it must not revive the socket.
		s.mu.Unlock()
		return ErrNotConnected
	}
	switch s.state {
	case stateConnected:
		s.mu.Unlock()
		return nil
	case stateConnecting:
		done := s.connectDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		err := s.connectErr
		s.mu.Unlock()
		return err
	}

	s.state = stateConnecting
	done := make(chan struct{})
	s.connectDone = done
	s.mu.Unlock()

	conn, err := s.dial(ctx)

	s.mu.Lock()
	if err == nil && s.manualClose {
		// Close landed while the dial was in flight.
		conn.Close()
		err = ErrNotConnected
	}
	if err != nil {
		s.state = stateDisconnected
	} else {
		s.conn = conn
		s.state = stateConnected
		s.gen++
		s.wg.Add(1)
		go s.readLoop(conn, s.gen)
	}
	s.connectErr = err
	close(done)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("failed to connect to agent", "url", s.url, "error", err)
		return err
	}
	s.logger.Info("connected to agent", "url", s.url)
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: s.connectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, s.url, nil)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrConnectTimeout
		}
		return nil, err
	}
	return conn, nil
}

// readLoop delivers inbound frames in arrival order until the socket closes.
func (s *Session) readLoop(conn *websocket.Conn, gen int) {
	defer s.wg.Done()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.onReadError(gen, err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			env, err := protocol.Parse(data)
			if err != nil {
				// A malformed envelope must not abort the call.
				s.logger.Warn("dropping unparseable message", "error", err, "data", string(data))
				continue
			}
			s.deliver(Message{Envelope: env})
		case websocket.BinaryMessage:
			s.deliver(Message{Binary: data})
		}
	}
}

func (s *Session) deliver(msg Message) {
	select {
	case s.msgCh <- msg:
	case <-s.doneCh:
	}
}

// onReadError handles an unexpected socket close: exactly one reconnect is
// scheduled after the fixed backoff, unless the close was caller-initiated.
func (s *Session) onReadError(gen int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manualClose || gen != s.gen {
		return
	}

	s.logger.Warn("agent socket closed unexpectedly", "error", err)
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state = stateDisconnected

	s.reconnect = time.AfterFunc(s.reconnectDelay, s.tryReconnect)
}

// tryReconnect performs the single scheduled reconnect attempt. A second
// failure is terminal for the logical session and surfaces on Errors().
func (s *Session) tryReconnect() {
	s.mu.Lock()
	if s.manualClose {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Info("attempting reconnect", "url", s.url)
	if err := s.Connect(context.Background()); err != nil {
		select {
		case s.errCh <- fmt.Errorf("%w: %v", ErrConnectionLost, err):
		default:
		}
		return
	}
	s.logger.Info("reconnected to agent", "url", s.url)
}

// SendEnvelope writes one JSON control envelope.
func (s *Session) SendEnvelope(env any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateConnected || s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.WriteJSON(env)
}

// SendAudio writes one binary PCM frame.
func (s *Session) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateConnected || s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Messages returns the inbound message channel.
func (s *Session) Messages() <-chan Message {
	return s.msgCh
}

// Errors returns the channel carrying terminal transport errors.
func (s *Session) Errors() <-chan error {
	return s.errCh
}

// IsConnected reports whether the socket is open.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateConnected
}

// Close tears the socket down for good. It cancels any pending scheduled
// reconnect and suppresses future ones for this logical session.
func (s *Session) Close() error {
	s.mu.Lock()
	s.manualClose = true
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	if s.conn != nil {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close()
		s.conn = nil
	}
	s.state = stateDisconnected
	s.mu.Unlock()

	s.once.Do(func() { close(s.doneCh) })
	s.wg.Wait()
	return nil
}
