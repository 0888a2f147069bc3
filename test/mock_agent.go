package test

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// MockAgentServer simulates the conversation agent for testing. It speaks
// the call wire protocol: it acknowledges start_call with ready, answers
// each finished utterance with a bracketed synthesized reply plus a
// transcription, and emits a call_summary when the call stops.
type MockAgentServer struct {
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// Summary sent in response to stop_call.
	Summary map[string]any
	// ReplySamples is the synthesized reply length in PCM16 samples.
	ReplySamples int

	mu         sync.Mutex
	utterances [][]byte // concatenated PCM16 audio per received utterance
	startCalls int
	stopCalls  int
}

// StartMockAgent starts the server on an auto-assigned port.
func StartMockAgent(logger *slog.Logger) (*MockAgentServer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	mock := &MockAgentServer{
		listener: listener,
		logger:   logger,
		Summary: map[string]any{
			"type":                 "call_summary",
			"emotion_statistics":   map[string]float64{"calm": 0.8},
			"conversation_summary": "a pleasant chat",
		},
		ReplySamples: 8192,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", mock.handleConn)
	mock.server = &http.Server{Handler: mux}

	go func() {
		if err := mock.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("mock agent server error", "error", err)
		}
	}()

	logger.Info("mock agent started", "addr", listener.Addr().String())
	return mock, nil
}

// URL returns the WebSocket URL clients should dial.
func (m *MockAgentServer) URL() string {
	return "ws://" + m.listener.Addr().String()
}

// Close shuts the server down.
func (m *MockAgentServer) Close() error {
	return m.server.Close()
}

// Utterances returns the PCM16 audio received so far, one buffer per
// utterance.
func (m *MockAgentServer) Utterances() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.utterances))
	copy(out, m.utterances)
	return out
}

// StartCallCount returns how many start_call envelopes arrived.
func (m *MockAgentServer) StartCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalls
}

// StopCallCount returns how many stop_call envelopes arrived.
func (m *MockAgentServer) StopCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCalls
}

func (m *MockAgentServer) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var current []byte
	inUtterance := false

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if msgType == websocket.BinaryMessage {
			if inUtterance {
				current = append(current, data...)
			}
			continue
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("mock agent received bad JSON", "error", err)
			continue
		}

		switch env.Type {
		case "start_call":
			m.mu.Lock()
			m.startCalls++
			m.mu.Unlock()
			m.writeJSON(conn, map[string]any{"type": "ready"})

		case "start":
			inUtterance = true
			current = nil

		case "stop":
			inUtterance = false
			m.mu.Lock()
			m.utterances = append(m.utterances, current)
			m.mu.Unlock()
			m.reply(conn)

		case "stop_call":
			m.mu.Lock()
			m.stopCalls++
			m.mu.Unlock()
			m.writeJSON(conn, m.Summary)
		}
	}
}

// reply sends a full synthesized response: caption, bracketed audio,
// completion, and the transcript pair.
func (m *MockAgentServer) reply(conn *websocket.Conn) {
	m.writeJSON(conn, map[string]any{"type": "ended"})
	m.writeJSON(conn, map[string]any{"type": "tts_start", "text": "I hear you"})

	audio := make([]byte, m.ReplySamples*2)
	for i := 0; i < len(audio); i += 2 {
		audio[i] = 0x00
		audio[i+1] = 0x10
	}
	m.writeJSON(conn, map[string]any{"type": "audio_start", "expectedSize": len(audio)})
	if err := conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		m.logger.Warn("mock agent audio send failed", "error", err)
		return
	}
	m.writeJSON(conn, map[string]any{"type": "audio_end"})
	m.writeJSON(conn, map[string]any{"type": "tts_end"})
	m.writeJSON(conn, map[string]any{
		"type":           "transcription",
		"user_text":      "hello",
		"assistant_text": "I hear you",
	})
}

func (m *MockAgentServer) writeJSON(conn *websocket.Conn, v any) {
	if err := conn.WriteJSON(v); err != nil {
		m.logger.Warn("mock agent send failed", "error", err)
	}
}
