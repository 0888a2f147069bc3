package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/voicelink/pkg/backend"
	"github.com/careloop/voicelink/pkg/capture"
	"github.com/careloop/voicelink/pkg/playback"
	"github.com/careloop/voicelink/pkg/vad"
)

// defaultSTUNServers are used when the start request carries no ICE config.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// SinkFactory creates the playback sink for one call.
type SinkFactory func(callID string) (playback.Sink, error)

// Manager owns the concurrently active call sessions, keyed by call ID.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	agentURL     string
	backend      *backend.Client
	lang         string
	summaryGrace time.Duration
	vadConfig    vad.Config
	newSink      SinkFactory
	logger       *slog.Logger
}

// ManagerConfig holds configuration shared by all calls.
type ManagerConfig struct {
	AgentURL     string
	Backend      *backend.Client
	Lang         string
	SummaryGrace time.Duration
	VAD          vad.Config
	NewSink      SinkFactory
	Logger       *slog.Logger
}

// NewManager creates a call manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewSink == nil {
		cfg.NewSink = func(string) (playback.Sink, error) {
			return playback.NewDiscardSink(), nil
		}
	}

	return &Manager{
		sessions:     make(map[string]*Session),
		agentURL:     cfg.AgentURL,
		backend:      cfg.Backend,
		lang:         cfg.Lang,
		summaryGrace: cfg.SummaryGrace,
		vadConfig:    cfg.VAD,
		newSink:      cfg.NewSink,
		logger:       cfg.Logger,
	}
}

// StartCall builds the capture graph for the browser's microphone offer and
// starts a session. It returns the session and the SDP answer. Any failure
// tears everything down; no half-started call remains.
func (m *Manager) StartCall(ctx context.Context, offerSDP string, ice capture.ConnectionConfig) (*Session, string, error) {
	if len(ice.STUN) == 0 {
		ice.STUN = defaultSTUNServers
	}

	source, err := capture.NewWebRTCSource(ice, m.logger)
	if err != nil {
		return nil, "", fmt.Errorf("call: failed to create capture source: %w", err)
	}

	answer, err := source.AnswerOffer(offerSDP)
	if err != nil {
		source.Close()
		return nil, "", fmt.Errorf("call: failed to negotiate microphone: %w", err)
	}

	session, err := m.startWithSource(ctx, source)
	if err != nil {
		source.Close()
		return nil, "", err
	}
	return session, answer, nil
}

// startWithSource runs the session lifecycle for an already-built capture
// source. Split out so headless sources can reuse it.
func (m *Manager) startWithSource(ctx context.Context, source capture.Source) (*Session, error) {
	callID := uuid.NewString()
	sink, err := m.newSink(callID)
	if err != nil {
		return nil, fmt.Errorf("call: failed to create playback sink: %w", err)
	}

	session := NewSession(Config{
		ID:           callID,
		AgentURL:     m.agentURL,
		Backend:      m.backend,
		Source:       source,
		Sink:         sink,
		Lang:         m.lang,
		SummaryGrace: m.summaryGrace,
		VAD:          m.vadConfig,
		Logger:       m.logger,
	})

	if err := session.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[session.ID()] = session
	m.mu.Unlock()

	// Reap the entry once the session finishes on its own (hang-up,
	// auto_disconnect, or abnormal close).
	go func() {
		<-session.Done()
		m.mu.Lock()
		delete(m.sessions, session.ID())
		m.mu.Unlock()
		m.logger.Info("call removed", "callID", session.ID())
	}()

	m.logger.Info("call started", "callID", session.ID())
	return session, nil
}

// Hangup ends the identified call. Unknown IDs report an error.
func (m *Manager) Hangup(callID string) error {
	m.mu.RLock()
	session, ok := m.sessions[callID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("call: no active call %s", callID)
	}

	session.Hangup()
	return nil
}

// Get returns the session for a call ID.
func (m *Manager) Get(callID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[callID]
	return session, ok
}

// ActiveCalls returns the number of live sessions.
func (m *Manager) ActiveCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown hangs up every active call and waits for them to finish,
// bounded by the context.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Hangup()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
