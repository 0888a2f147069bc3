package call

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careloop/voicelink/pkg/backend"
	"github.com/careloop/voicelink/pkg/pcm"
	"github.com/careloop/voicelink/pkg/vad"
)

// stubSource feeds capture frames from a test-controlled channel.
type stubSource struct {
	frames    chan []float32
	closeOnce sync.Once
}

func newStubSource() *stubSource {
	return &stubSource{frames: make(chan []float32, 64)}
}

func (s *stubSource) Frames() <-chan []float32 { return s.frames }

func (s *stubSource) Close() error {
	s.closeOnce.Do(func() { close(s.frames) })
	return nil
}

// agentMessage is one message the mock agent received, in arrival order.
type agentMessage struct {
	kind string // "text" or "binary"
	data []byte
}

// mockAgent is a WebSocket server standing in for the conversation agent.
type mockAgent struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []agentMessage
}

func newMockAgent(t *testing.T) *mockAgent {
	t.Helper()
	a := &mockAgent{}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := a.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		a.mu.Lock()
		a.conns = append(a.conns, conn)
		a.mu.Unlock()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			kind := "text"
			if msgType == websocket.BinaryMessage {
				kind = "binary"
			}
			a.mu.Lock()
			a.received = append(a.received, agentMessage{kind: kind, data: data})
			a.mu.Unlock()
		}
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *mockAgent) url() string {
	return "ws" + strings.TrimPrefix(a.srv.URL, "http")
}

// send pushes a JSON envelope to the most recent client connection.
func (a *mockAgent) send(t *testing.T, v any) {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		t.Fatal("no agent connection to send on")
	}
	conn := a.conns[len(a.conns)-1]
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("agent send failed: %v", err)
	}
}

// sendBinary pushes a binary message to the most recent client connection.
func (a *mockAgent) sendBinary(t *testing.T, data []byte) {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		t.Fatal("no agent connection to send on")
	}
	conn := a.conns[len(a.conns)-1]
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("agent binary send failed: %v", err)
	}
}

// messages returns a snapshot of everything received so far.
func (a *mockAgent) messages() []agentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]agentMessage, len(a.received))
	copy(out, a.received)
	return out
}

// textType extracts the type tag from a recorded text message.
func textType(t *testing.T, m agentMessage) string {
	t.Helper()
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(m.data, &env); err != nil {
		t.Fatalf("agent received non-JSON text message: %v", err)
	}
	return env.Type
}

// summaryRecorder is the backend double: serves call context and records
// summary submissions.
type summaryRecorder struct {
	srv *httptest.Server

	mu        sync.Mutex
	submitted []map[string]any
	failFetch bool
}

func newSummaryRecorder(t *testing.T) *summaryRecorder {
	t.Helper()
	rec := &summaryRecorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/call/context", func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		fail := rec.failFetch
		rec.mu.Unlock()
		if fail {
			http.Error(w, "backend down", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"user_info":                   map[string]any{"name": "Hana"},
			"persona":                     "warm companion",
			"speech_style":                "casual",
			"conversation_summaries":      []string{"talked about the garden"},
			"latest_conversation_summary": "talked about the garden",
		})
	})
	mux.HandleFunc("POST /api/v1/call/summary", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.mu.Lock()
		rec.submitted = append(rec.submitted, body)
		rec.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	rec.srv = httptest.NewServer(mux)
	t.Cleanup(rec.srv.Close)
	return rec
}

func (r *summaryRecorder) client() *backend.Client {
	return backend.NewClient(backend.Config{
		BaseURL: r.srv.URL,
		Tokens:  backend.StaticToken("test-token"),
	})
}

func (r *summaryRecorder) setFailFetch(v bool) {
	r.mu.Lock()
	r.failFetch = v
	r.mu.Unlock()
}

func (r *summaryRecorder) submissions() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]any, len(r.submitted))
	copy(out, r.submitted)
	return out
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// testVAD uses short runs so scenarios need few frames.
func testVAD() vad.Config {
	return vad.Config{
		Threshold:         0.01,
		SpeechStartFrames: 2,
		SilenceEndFrames:  3,
		MinSpeechFrames:   2,
		PreRollFrames:     1,
	}
}

func voicedFrame() []float32 {
	f := make([]float32, pcm.FrameSamples)
	for i := range f {
		f[i] = 0.05
	}
	return f
}

func silentFrame() []float32 {
	return make([]float32, pcm.FrameSamples)
}

// playedSink records every utterance the session played back, oldest first.
type playedSink struct {
	mu     sync.Mutex
	played [][]float32
}

func (s *playedSink) Play(_ context.Context, samples []float32) error {
	s.mu.Lock()
	s.played = append(s.played, samples)
	s.mu.Unlock()
	return nil
}

// lengths returns the sample count of each played utterance.
func (s *playedSink) lengths() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.played))
	for i, p := range s.played {
		out[i] = len(p)
	}
	return out
}

func startTestSession(t *testing.T, agent *mockAgent, rec *summaryRecorder, src *stubSource, grace time.Duration) *Session {
	t.Helper()
	s := NewSession(Config{
		AgentURL:     agent.url(),
		Backend:      rec.client(),
		Source:       src,
		SummaryGrace: grace,
		VAD:          testVAD(),
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return s
}

// TestStartFailureReturnsToIdle verifies a context-fetch failure aborts the
// call before any transport work and leaves the session reusable state.
func TestStartFailureReturnsToIdle(t *testing.T) {
	agent := newMockAgent(t)
	rec := newSummaryRecorder(t)
	rec.failFetch = true

	src := newStubSource()
	s := NewSession(Config{
		AgentURL: agent.url(),
		Backend:  rec.client(),
		Source:   src,
		VAD:      testVAD(),
	})

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail when context fetch fails")
	}
	if s.State() != StateIdle {
		t.Fatalf("expected Idle after failed start, got %s", s.State())
	}
	if len(agent.messages()) != 0 {
		t.Fatal("agent should never have been contacted")
	}
}

// TestUtteranceFlow verifies a voiced run followed by silence produces, in
// order: start_call, a start envelope, the utterance's binary frames, and a
// stop envelope.
func TestUtteranceFlow(t *testing.T) {
	agent := newMockAgent(t)
	rec := newSummaryRecorder(t)
	src := newStubSource()
	s := startTestSession(t, agent, rec, src, time.Second)
	defer func() {
		s.Hangup()
		s.Wait()
	}()

	// 1 pre-roll, 2 voiced to trigger, 3 silent to close: 6-frame utterance.
	src.frames <- silentFrame()
	src.frames <- voicedFrame()
	src.frames <- voicedFrame()
	src.frames <- silentFrame()
	src.frames <- silentFrame()
	src.frames <- silentFrame()

	waitFor(t, 2*time.Second, func() bool {
		msgs := agent.messages()
		if len(msgs) == 0 {
			return false
		}
		last := msgs[len(msgs)-1]
		return last.kind == "text" && textType(t, last) == "stop"
	}, "utterance never completed on the wire")

	msgs := agent.messages()
	if got := textType(t, msgs[0]); got != "start_call" {
		t.Fatalf("expected start_call first, got %q", got)
	}
	if got := textType(t, msgs[1]); got != "start" {
		t.Fatalf("expected start envelope second, got %q", got)
	}

	binaries := 0
	for _, m := range msgs[2 : len(msgs)-1] {
		if m.kind != "binary" {
			t.Fatalf("expected only binary frames between start and stop, got %q", textType(t, m))
		}
		if len(m.data) != pcm.FrameSamples*2 {
			t.Fatalf("expected %d-byte frames, got %d", pcm.FrameSamples*2, len(m.data))
		}
		binaries++
	}
	if binaries != 6 {
		t.Fatalf("expected 6 audio frames (1 pre-roll + 2 voiced + 3 hangover), got %d", binaries)
	}
}

// TestSummaryPersistedOnce verifies a duplicated call_summary results in a
// single submission with normal_finish true, and no fallback fires after
// hang-up.
func TestSummaryPersistedOnce(t *testing.T) {
	agent := newMockAgent(t)
	rec := newSummaryRecorder(t)
	src := newStubSource()
	s := startTestSession(t, agent, rec, src, 200*time.Millisecond)

	summary := map[string]any{
		"type":                 "call_summary",
		"emotion_statistics":   map[string]float64{"joy": 0.7},
		"conversation_summary": "watered the tomatoes together",
	}
	agent.send(t, summary)
	agent.send(t, summary)

	waitFor(t, 2*time.Second, func() bool { return len(rec.submissions()) >= 1 },
		"summary never submitted")

	s.Hangup()
	<-s.Done()
	s.Wait()

	// The grace window must not add a fallback submission.
	time.Sleep(300 * time.Millisecond)

	subs := rec.submissions()
	if len(subs) != 1 {
		t.Fatalf("expected exactly 1 submission, got %d", len(subs))
	}
	if subs[0]["normal_finish"] != true {
		t.Fatalf("expected normal_finish true, got %v", subs[0]["normal_finish"])
	}
	if subs[0]["conversation_summary"] != "watered the tomatoes together" {
		t.Fatalf("unexpected summary payload: %v", subs[0])
	}
}

// TestFallbackSummaryWhenNoneArrives verifies hang-up without any summary
// submits exactly one empty record with normal_finish false after the grace
// window.
func TestFallbackSummaryWhenNoneArrives(t *testing.T) {
	agent := newMockAgent(t)
	rec := newSummaryRecorder(t)
	src := newStubSource()
	s := startTestSession(t, agent, rec, src, 100*time.Millisecond)

	s.Hangup()
	<-s.Done()
	s.Wait()

	subs := rec.submissions()
	if len(subs) != 1 {
		t.Fatalf("expected exactly 1 fallback submission, got %d", len(subs))
	}
	if subs[0]["normal_finish"] != false {
		t.Fatalf("expected normal_finish false, got %v", subs[0]["normal_finish"])
	}
	if subs[0]["conversation_summary"] != "" {
		t.Fatalf("expected empty summary, got %v", subs[0]["conversation_summary"])
	}
}

// TestSummaryDuringGraceWindow verifies a summary arriving after hang-up
// but inside the grace window is persisted normally and suppresses the
// fallback.
func TestSummaryDuringGraceWindow(t *testing.T) {
	agent := newMockAgent(t)
	rec := newSummaryRecorder(t)
	src := newStubSource()
	s := startTestSession(t, agent, rec, src, 500*time.Millisecond)

	s.Hangup()
	waitFor(t, time.Second, func() bool { return s.State() == StateEnded },
		"session never reached Ended")

	agent.send(t, map[string]any{
		"type":                 "call_summary",
		"conversation_summary": "late summary",
	})

	<-s.Done()
	s.Wait()
	time.Sleep(200 * time.Millisecond)

	subs := rec.submissions()
	if len(subs) != 1 {
		t.Fatalf("expected exactly 1 submission, got %d", len(subs))
	}
	if subs[0]["conversation_summary"] != "late summary" {
		t.Fatalf("expected the late summary, got %v", subs[0])
	}
	if subs[0]["normal_finish"] != true {
		t.Fatalf("hang-up alone must not flag abnormal finish, got %v", subs[0]["normal_finish"])
	}
}

// TestAutoDisconnectEndsAbnormally verifies an agent-initiated disconnect
// reaches Ended with a normal_finish false fallback.
func TestAutoDisconnectEndsAbnormally(t *testing.T) {
	agent := newMockAgent(t)
	rec := newSummaryRecorder(t)
	src := newStubSource()
	s := startTestSession(t, agent, rec, src, 100*time.Millisecond)

	agent.send(t, map[string]any{"type": "auto_disconnect", "message": "prolonged silence"})

	<-s.Done()
	s.Wait()

	if s.State() != StateEnded {
		t.Fatalf("expected Ended, got %s", s.State())
	}
	subs := rec.submissions()
	if len(subs) != 1 {
		t.Fatalf("expected exactly 1 fallback submission, got %d", len(subs))
	}
	if subs[0]["normal_finish"] != false {
		t.Fatalf("expected normal_finish false, got %v", subs[0]["normal_finish"])
	}
}

// TestAbnormalSocketClose verifies a dead agent (socket closed, reconnect
// impossible) ends the call abnormally with one fallback submission.
func TestAbnormalSocketClose(t *testing.T) {
	agent := newMockAgent(t)
	rec := newSummaryRecorder(t)
	src := newStubSource()

	s := NewSession(Config{
		AgentURL:       agent.url(),
		Backend:        rec.client(),
		Source:         src,
		SummaryGrace:   100 * time.Millisecond,
		ReconnectDelay: 50 * time.Millisecond,
		VAD:            testVAD(),
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Kill the agent entirely so the single reconnect attempt also fails.
	agent.srv.CloseClientConnections()
	agent.srv.Close()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never finished after socket loss")
	}
	s.Wait()

	if s.State() != StateEnded {
		t.Fatalf("expected Ended, got %s", s.State())
	}
	subs := rec.submissions()
	if len(subs) != 1 {
		t.Fatalf("expected exactly 1 fallback submission, got %d", len(subs))
	}
	if subs[0]["normal_finish"] != false {
		t.Fatalf("expected normal_finish false, got %v", subs[0]["normal_finish"])
	}
}

// TestHangupIsIdempotent verifies repeated hang-ups cause one teardown.
func TestHangupIsIdempotent(t *testing.T) {
	agent := newMockAgent(t)
	rec := newSummaryRecorder(t)
	src := newStubSource()
	s := startTestSession(t, agent, rec, src, 50*time.Millisecond)

	s.Hangup()
	s.Hangup()
	s.Hangup()

	<-s.Done()
	s.Wait()

	if len(rec.submissions()) != 1 {
		t.Fatalf("expected exactly 1 submission, got %d", len(rec.submissions()))
	}
}

// TestCallbacksInvoked verifies captions, transcriptions, and status
// messages reach the embedding layer.
func TestCallbacksInvoked(t *testing.T) {
	agent := newMockAgent(t)
	rec := newSummaryRecorder(t)
	src := newStubSource()

	var mu sync.Mutex
	var captions, statuses []string
	var pairs [][2]string
	var states []State

	s := NewSession(Config{
		AgentURL:     agent.url(),
		Backend:      rec.client(),
		Source:       src,
		SummaryGrace: 50 * time.Millisecond,
		VAD:          testVAD(),
		Callbacks: Callbacks{
			OnCaption: func(text string) {
				mu.Lock()
				captions = append(captions, text)
				mu.Unlock()
			},
			OnTranscription: func(u, a string) {
				mu.Lock()
				pairs = append(pairs, [2]string{u, a})
				mu.Unlock()
			},
			OnStatus: func(msg string) {
				mu.Lock()
				statuses = append(statuses, msg)
				mu.Unlock()
			},
			OnStateChange: func(st State) {
				mu.Lock()
				states = append(states, st)
				mu.Unlock()
			},
		},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	agent.send(t, map[string]any{"type": "tts_start", "text": "hello there"})
	agent.send(t, map[string]any{"type": "status", "message": "thinking"})
	agent.send(t, map[string]any{"type": "transcription", "user_text": "hi", "assistant_text": "hello there"})

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(captions) == 1 && len(statuses) == 1 && len(pairs) == 1
	}, "callbacks never fired")

	s.Hangup()
	<-s.Done()
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	if captions[0] != "hello there" {
		t.Fatalf("unexpected caption: %q", captions[0])
	}
	if pairs[0] != [2]string{"hi", "hello there"} {
		t.Fatalf("unexpected transcription pair: %v", pairs[0])
	}
	want := []State{StateConnecting, StateActive, StateEnding, StateEnded}
	if len(states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, states)
		}
	}
}

// TestFailedStartCanBeRetried verifies a failed Start establishes nothing:
// no playback worker exists, and a later Start on the same session succeeds
// once the backend recovers.
func TestFailedStartCanBeRetried(t *testing.T) {
	agent := newMockAgent(t)
	rec := newSummaryRecorder(t)
	rec.failFetch = true
	src := newStubSource()

	s := NewSession(Config{
		AgentURL:     agent.url(),
		Backend:      rec.client(),
		Source:       src,
		SummaryGrace: 50 * time.Millisecond,
		VAD:          testVAD(),
	})

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail while the backend is down")
	}
	if s.queue != nil {
		t.Fatal("playback worker exists after a failed start")
	}

	rec.setFailFetch(false)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("retry after backend recovery failed: %v", err)
	}

	s.Hangup()
	<-s.Done()
	s.Wait()
}

// TestAgentStopHaltsPlaybackUntilNextReply verifies audio arriving after a
// tts_stop never plays, even though earlier audio did, and that the next
// tts_start resumes playback.
func TestAgentStopHaltsPlaybackUntilNextReply(t *testing.T) {
	agent := newMockAgent(t)
	rec := newSummaryRecorder(t)
	src := newStubSource()
	sink := &playedSink{}

	s := NewSession(Config{
		AgentURL:     agent.url(),
		Backend:      rec.client(),
		Source:       src,
		Sink:         sink,
		SummaryGrace: 50 * time.Millisecond,
		VAD:          testVAD(),
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		s.Hangup()
		<-s.Done()
		s.Wait()
	}()

	agent.send(t, map[string]any{"type": "tts_start", "text": "first reply"})
	agent.sendBinary(t, pcm.Encode(make([]float32, 4)))
	waitFor(t, 2*time.Second, func() bool { return len(sink.lengths()) == 1 },
		"first reply never played")

	agent.send(t, map[string]any{"type": "tts_stop", "message": "interrupted"})
	agent.sendBinary(t, pcm.Encode(make([]float32, 6)))

	agent.send(t, map[string]any{"type": "tts_start", "text": "second reply"})
	agent.sendBinary(t, pcm.Encode(make([]float32, 8)))

	waitFor(t, 2*time.Second, func() bool { return len(sink.lengths()) >= 2 },
		"playback never resumed after tts_start")

	for _, n := range sink.lengths() {
		if n == 6 {
			t.Fatal("audio sent after tts_stop was played")
		}
	}
	got := sink.lengths()
	if got[len(got)-1] != 8 {
		t.Fatalf("expected the second reply (8 samples) last, got %v", got)
	}
}

// TestBargeInHaltsPlayback verifies user speech suppresses reply audio until
// the agent opens its next reply with tts_start.
func TestBargeInHaltsPlayback(t *testing.T) {
	agent := newMockAgent(t)
	rec := newSummaryRecorder(t)
	src := newStubSource()
	sink := &playedSink{}

	s := NewSession(Config{
		AgentURL:     agent.url(),
		Backend:      rec.client(),
		Source:       src,
		Sink:         sink,
		SummaryGrace: 50 * time.Millisecond,
		VAD:          testVAD(),
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		s.Hangup()
		<-s.Done()
		s.Wait()
	}()

	// A full utterance; its speech onset is the barge-in.
	src.frames <- voicedFrame()
	src.frames <- voicedFrame()
	src.frames <- silentFrame()
	src.frames <- silentFrame()
	src.frames <- silentFrame()

	waitFor(t, 2*time.Second, func() bool {
		msgs := agent.messages()
		if len(msgs) == 0 {
			return false
		}
		last := msgs[len(msgs)-1]
		return last.kind == "text" && textType(t, last) == "stop"
	}, "utterance never completed on the wire")

	// Audio without a fresh tts_start is leftover from the interrupted
	// reply and must stay silent.
	agent.sendBinary(t, pcm.Encode(make([]float32, 6)))

	agent.send(t, map[string]any{"type": "tts_start", "text": "fresh reply"})
	agent.sendBinary(t, pcm.Encode(make([]float32, 8)))

	waitFor(t, 2*time.Second, func() bool { return len(sink.lengths()) >= 1 },
		"playback never resumed after tts_start")

	got := sink.lengths()
	if len(got) != 1 || got[0] != 8 {
		t.Fatalf("expected only the fresh reply (8 samples), got %v", got)
	}
}

// TestConcurrentStartSingleWinner verifies racing Start calls establish the
// call exactly once.
func TestConcurrentStartSingleWinner(t *testing.T) {
	agent := newMockAgent(t)
	rec := newSummaryRecorder(t)
	src := newStubSource()

	s := NewSession(Config{
		AgentURL:     agent.url(),
		Backend:      rec.client(),
		Source:       src,
		SummaryGrace: 50 * time.Millisecond,
		VAD:          testVAD(),
	})

	const racers = 4
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Start(context.Background())
		}(i)
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		if err == nil {
			started++
		}
	}
	if started != 1 {
		t.Fatalf("expected exactly 1 Start to succeed, got %d", started)
	}

	waitFor(t, 2*time.Second, func() bool { return len(agent.messages()) >= 1 },
		"start_call never reached the agent")
	startCalls := 0
	for _, m := range agent.messages() {
		if m.kind == "text" && textType(t, m) == "start_call" {
			startCalls++
		}
	}
	if startCalls != 1 {
		t.Fatalf("expected exactly 1 start_call, got %d", startCalls)
	}

	s.Hangup()
	<-s.Done()
	s.Wait()
}
