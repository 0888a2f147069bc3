package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/voicelink/pkg/backend"
	"github.com/careloop/voicelink/pkg/capture"
	"github.com/careloop/voicelink/pkg/pcm"
	"github.com/careloop/voicelink/pkg/playback"
	"github.com/careloop/voicelink/pkg/protocol"
	"github.com/careloop/voicelink/pkg/transport"
	"github.com/careloop/voicelink/pkg/vad"
)

// State is the call lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateEnding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Callbacks surface call progress to the embedding layer. All callbacks are
// invoked from the session's own goroutine and must not block.
type Callbacks struct {
	OnCaption       func(text string)
	OnTranscription func(userText, assistantText string)
	OnStatus        func(message string)
	OnStateChange   func(state State)
	OnError         func(err error)
}

// consecutive agent-reported faults tolerated before the call is treated as
// abnormally ended
const maxAgentErrors = 3

// defaultSummaryGrace is how long after ending the session waits for the
// agent's call_summary before submitting the empty fallback.
const defaultSummaryGrace = 3 * time.Second

// Config holds per-call session configuration.
type Config struct {
	ID           string // assigned when empty
	AgentURL     string
	Backend      *backend.Client
	Source       capture.Source
	Sink         playback.Sink
	Lang         string
	SummaryGrace time.Duration
	// ReconnectDelay overrides the transport's fixed backoff before its
	// single reconnect attempt.
	ReconnectDelay time.Duration
	VAD            vad.Config
	Callbacks      Callbacks
	Logger         *slog.Logger
}

// Session runs one voice call: microphone frames in, VAD-segmented
// utterances out to the agent, synthesized replies queued for playback, and
// a guaranteed once-per-call summary submission at the end.
//
// All lifecycle flags (normalFinish, summaryReceived, endingInProgress) are
// fields mutated only by the session's run goroutine; other goroutines
// interact through Hangup, Done, and State.
type Session struct {
	id     string
	logger *slog.Logger

	backendClient *backend.Client
	source        capture.Source
	trans         *transport.Session
	sink          playback.Sink
	queue         *playback.Queue // created once Start succeeds
	detector      *vad.Detector
	callbacks     Callbacks
	lang          string
	summaryGrace  time.Duration

	stateMu sync.RWMutex
	state   State

	// run-loop-owned
	normalFinish     bool
	summaryReceived  bool
	endingInProgress bool
	agentErrors      int
	graceC           <-chan time.Time

	hangupCh   chan struct{}
	hangupOnce sync.Once
	doneCh     chan struct{}
	doneOnce   sync.Once
	wg         sync.WaitGroup
	persistWG  sync.WaitGroup
}

// NewSession creates a session in the Idle state. Start establishes the
// call.
func NewSession(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SummaryGrace == 0 {
		cfg.SummaryGrace = defaultSummaryGrace
	}
	if cfg.Lang == "" {
		cfg.Lang = "en"
	}
	if cfg.Sink == nil {
		cfg.Sink = playback.NewDiscardSink()
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := cfg.Logger.With("callID", id)
	cfg.VAD.Logger = logger

	return &Session{
		id:            id,
		logger:        logger,
		backendClient: cfg.Backend,
		source:        cfg.Source,
		trans: transport.NewSession(transport.Config{
			URL:            cfg.AgentURL,
			ReconnectDelay: cfg.ReconnectDelay,
			Logger:         logger,
		}),
		sink:         cfg.Sink,
		detector:     vad.NewDetector(cfg.VAD),
		callbacks:    cfg.Callbacks,
		lang:         cfg.Lang,
		summaryGrace: cfg.SummaryGrace,
		normalFinish: true,
		hangupCh:     make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// ID returns the call identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
	s.notifyState(st)
}

// casState transitions from one state to another atomically and reports
// whether this caller won the transition.
func (s *Session) casState(from, to State) bool {
	s.stateMu.Lock()
	if s.state != from {
		s.stateMu.Unlock()
		return false
	}
	s.state = to
	s.stateMu.Unlock()
	s.notifyState(to)
	return true
}

func (s *Session) notifyState(st State) {
	s.logger.Info("call state changed", "state", st.String())
	if s.callbacks.OnStateChange != nil {
		s.callbacks.OnStateChange(st)
	}
}

// Done is closed once the session reaches Ended and its resources are
// released. The background summary submission may still be in flight.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Start fetches the call context, connects the agent transport, and sends
// the opening start_call envelope. On any failure the session returns to
// Idle with nothing established and the error is surfaced to the caller; no
// call is attempted.
func (s *Session) Start(ctx context.Context) error {
	if !s.casState(StateIdle, StateConnecting) {
		return fmt.Errorf("call: session already started")
	}

	callCtx, err := s.backendClient.FetchCallContext(ctx)
	if err != nil {
		s.setState(StateIdle)
		return fmt.Errorf("call: failed to fetch call context: %w", err)
	}

	if err := s.trans.Connect(ctx); err != nil {
		s.setState(StateIdle)
		return fmt.Errorf("call: failed to connect agent transport: %w", err)
	}

	start := protocol.NewStartCall(callCtx.Persona, callCtx.SpeechStyle,
		callCtx.UserInfo, callCtx.ConversationSummaries, callCtx.LatestConversationSummary)
	if err := s.trans.SendEnvelope(start); err != nil {
		s.trans.Close()
		s.setState(StateIdle)
		return fmt.Errorf("call: failed to open call: %w", err)
	}

	// The playback worker starts only now: a failed Start must leave no
	// goroutines behind.
	s.queue = playback.NewQueue(playback.Config{
		Sink:   s.sink,
		Logger: s.logger,
	})

	s.setState(StateActive)
	s.wg.Add(1)
	go s.run()
	return nil
}

// Hangup requests a user-initiated end of the call. It is idempotent and
// returns immediately; observe Done for completion.
func (s *Session) Hangup() {
	s.hangupOnce.Do(func() { close(s.hangupCh) })
}

// run is the session main loop. Every lifecycle flag is mutated here and
// nowhere else.
func (s *Session) run() {
	defer s.wg.Done()

	frames := s.source.Frames()
	msgs := s.trans.Messages()
	errs := s.trans.Errors()
	hangup := s.hangupCh

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				// Capture graph gone (device revoked or torn down).
				frames = nil
				if s.State() == StateActive {
					s.logger.Warn("capture stopped, ending call")
					s.beginEnding()
				}
			} else if s.State() == StateActive {
				for _, ev := range s.detector.Process(frame) {
					s.handleVADEvent(ev)
				}
			}

		case msg := <-msgs:
			s.handleMessage(msg)

		case err := <-errs:
			if errors.Is(err, transport.ErrConnectionLost) {
				if s.State() == StateActive {
					s.logger.Warn("agent connection lost", "error", err)
					s.normalFinish = false
					s.beginEnding()
				}
				// Already ending: the grace timer decides the fallback.
			} else {
				s.logger.Warn("transport error", "error", err)
			}

		case <-hangup:
			hangup = nil
			if s.State() == StateActive {
				s.logger.Info("user hang-up")
				s.beginEnding()
			}

		case <-s.graceC:
			s.graceC = nil
			if !s.summaryReceived {
				s.logger.Info("no call summary within grace window, submitting fallback")
				s.summaryReceived = true
				s.persist(protocol.CallSummary{EmotionStatistics: map[string]float64{}}, false)
			}
			s.finish()
			return
		}

		if s.State() == StateEnded && s.summaryReceived {
			s.finish()
			return
		}
	}
}

// handleVADEvent turns detector events into wire traffic. A finished
// utterance is sent as one start envelope, its frames, then one stop
// envelope; send failures are logged and the call continues.
func (s *Session) handleVADEvent(ev vad.Event) {
	switch ev.Kind {
	case vad.SpeechStart:
		// Barge-in: the user talking over a reply cancels it. Playback stays
		// suppressed until the next tts_start re-arms the queue, so a buffer
		// already pulled off the queue cannot slip out after the cut.
		s.queue.Interrupt()
		s.logger.Debug("speech started")

	case vad.SpeechEnd:
		// The whole utterance goes out only once the detector has committed
		// to it. That keeps discarded blips off the wire entirely, at the
		// cost of the transcriber not seeing audio until the user stops
		// talking; streaming frames from SpeechStart would trade that back.
		if err := s.trans.SendEnvelope(protocol.NewUtteranceStart(s.lang)); err != nil {
			s.logger.Warn("failed to open utterance, dropping it", "error", err, "frames", len(ev.Frames))
			return
		}
		for _, frame := range ev.Frames {
			if err := s.trans.SendAudio(pcm.Encode(frame)); err != nil {
				s.logger.Warn("failed to send audio frame", "error", err)
			}
		}
		if err := s.trans.SendEnvelope(protocol.NewUtteranceStop()); err != nil {
			s.logger.Warn("failed to close utterance", "error", err)
		}
		s.logger.Debug("utterance sent", "frames", len(ev.Frames))
	}
}

// handleMessage dispatches one inbound transport message.
func (s *Session) handleMessage(msg transport.Message) {
	if msg.Binary != nil {
		s.queue.HandleBinary(msg.Binary)
		return
	}

	switch env := msg.Envelope.(type) {
	case protocol.Ready:
		s.agentErrors = 0
		s.logger.Debug("agent ready")

	case protocol.Ended:
		s.agentErrors = 0
		s.logger.Debug("agent acknowledged utterance")

	case protocol.TTSStart:
		s.agentErrors = 0
		s.queue.Rearm()
		if s.callbacks.OnCaption != nil {
			s.callbacks.OnCaption(env.Text)
		}

	case protocol.TTSEnd:
		s.agentErrors = 0
		s.logger.Debug("reply audio finished")

	case protocol.TTSStop:
		s.agentErrors = 0
		s.logger.Info("agent interrupted playback", "message", env.Message)
		// Leave the queue suppressed; the next tts_start re-arms it.
		s.queue.Interrupt()

	case protocol.AudioStart:
		s.agentErrors = 0
		s.queue.HandleAudioStart(env.ExpectedSize)

	case protocol.AudioEnd:
		s.agentErrors = 0
		s.queue.HandleAudioEnd()

	case protocol.Transcription:
		s.agentErrors = 0
		if s.callbacks.OnTranscription != nil {
			s.callbacks.OnTranscription(env.UserText, env.AssistantText)
		}

	case protocol.Status:
		s.agentErrors = 0
		if s.callbacks.OnStatus != nil {
			s.callbacks.OnStatus(env.Message)
		}

	case protocol.CallSummary:
		s.agentErrors = 0
		s.handleSummary(env)

	case protocol.AutoDisconnect:
		s.logger.Info("agent disconnected the call", "message", env.Message)
		if s.State() == StateActive {
			s.normalFinish = false
			s.beginEnding()
		}

	case protocol.AgentError:
		s.agentErrors++
		s.logger.Warn("agent reported error", "message", env.Message, "consecutive", s.agentErrors)
		if s.callbacks.OnError != nil {
			s.callbacks.OnError(fmt.Errorf("call: agent error: %s", env.Message))
		}
		if s.agentErrors >= maxAgentErrors && s.State() == StateActive {
			s.logger.Warn("repeated agent errors, ending call")
			s.normalFinish = false
			s.beginEnding()
		}
	}
}

// handleSummary persists the agent's summary exactly once, whether it
// arrives during the call or after hang-up. It never ends the call by
// itself.
func (s *Session) handleSummary(summary protocol.CallSummary) {
	if s.summaryReceived {
		s.logger.Debug("duplicate call summary ignored")
		return
	}
	s.summaryReceived = true
	s.logger.Info("call summary received")
	s.persist(summary, s.normalFinish)
}

// beginEnding performs the Active → Ending → Ended transition: stop all
// playback, abandon any open utterance, tear down capture, and close the
// logical call on the wire. Ended is reached unconditionally; the summary
// grace window runs after it.
func (s *Session) beginEnding() {
	if s.endingInProgress {
		return
	}
	s.endingInProgress = true
	s.setState(StateEnding)

	s.queue.Interrupt()
	s.detector.Abandon()
	if err := s.source.Close(); err != nil {
		s.logger.Warn("capture teardown failed", "error", err)
	}

	if err := s.trans.SendEnvelope(protocol.NewStopCall()); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		s.logger.Warn("failed to send stop_call", "error", err)
	}

	s.setState(StateEnded)

	if !s.summaryReceived {
		s.graceC = time.After(s.summaryGrace)
	}
}

// finish releases transport and playback. Called exactly once, from the run
// loop.
func (s *Session) finish() {
	s.trans.Close()
	s.queue.Close()
	s.doneOnce.Do(func() { close(s.doneCh) })
	s.logger.Info("call finished", "normalFinish", s.normalFinish)
}

// persist submits a summary in the background. Persistence failures are
// logged and never block call termination.
func (s *Session) persist(summary protocol.CallSummary, normalFinish bool) {
	s.persistWG.Add(1)
	go func() {
		defer s.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.backendClient.SubmitSummary(ctx, summary, normalFinish); err != nil {
			s.logger.Error("failed to submit call summary", "error", err, "normalFinish", normalFinish)
			return
		}
		s.logger.Info("call summary submitted", "normalFinish", normalFinish)
	}()
}

// Wait blocks until the session goroutine and any in-flight summary
// submission have finished. Intended for tests and shutdown paths.
func (s *Session) Wait() {
	s.wg.Wait()
	s.persistWG.Wait()
}
