// Package protocol defines the JSON envelopes exchanged with the
// conversational agent over the session WebSocket. Text frames carry one
// envelope each; binary frames carry raw PCM16LE mono at 16 kHz and are
// associated with the surrounding envelopes by transport ordering.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Outbound envelope types.

// StartCall opens a logical call after the transport connects.
type StartCall struct {
	Type                      string         `json:"type"` // "start_call"
	Persona                   string         `json:"persona"`
	SpeechStyle               string         `json:"speech_style"`
	UserInfo                  map[string]any `json:"user_info,omitempty"`
	ConversationSummaries     []string       `json:"conversationSummaries,omitempty"`
	LatestConversationSummary string         `json:"latestConversationSummary,omitempty"`
}

// UtteranceStart marks the beginning of one utterance's audio. It must
// precede every audio byte of the utterance.
type UtteranceStart struct {
	Type string `json:"type"` // "start"
	Lang string `json:"lang,omitempty"`
}

// UtteranceStop marks the end of the current utterance's audio.
type UtteranceStop struct {
	Type string `json:"type"` // "stop"
}

// StopCall ends the logical call.
type StopCall struct {
	Type string `json:"type"` // "stop_call"
}

// NewStartCall fills in the type tag.
func NewStartCall(persona, speechStyle string, userInfo map[string]any, summaries []string, latest string) StartCall {
	return StartCall{
		Type:                      "start_call",
		Persona:                   persona,
		SpeechStyle:               speechStyle,
		UserInfo:                  userInfo,
		ConversationSummaries:     summaries,
		LatestConversationSummary: latest,
	}
}

// NewUtteranceStart fills in the type tag.
func NewUtteranceStart(lang string) UtteranceStart { return UtteranceStart{Type: "start", Lang: lang} }

// NewUtteranceStop fills in the type tag.
func NewUtteranceStop() UtteranceStop { return UtteranceStop{Type: "stop"} }

// NewStopCall fills in the type tag.
func NewStopCall() StopCall { return StopCall{Type: "stop_call"} }

// Inbound is the tagged union of agent-to-client envelope kinds. Handling
// code switches on the concrete type, so adding a kind is a compile-checked
// change everywhere it matters.
type Inbound interface {
	inbound()
}

// Ready acknowledges that the agent armed recording for an utterance.
type Ready struct{}

// Ended acknowledges that the agent received a complete utterance.
type Ended struct{}

// TTSStart announces the beginning of a synthesized reply; Text is the
// caption to display.
type TTSStart struct {
	Text string `json:"text"`
}

// TTSEnd announces that the synthesized reply audio is finished.
type TTSEnd struct{}

// TTSStop forces interruption of the current playback (barge-in).
type TTSStop struct {
	Message string `json:"message"`
}

// AudioStart opens a bracketed binary sequence of ExpectedSize bytes.
type AudioStart struct {
	ExpectedSize int `json:"expectedSize"`
}

// AudioEnd closes a bracketed binary sequence.
type AudioEnd struct{}

// Transcription carries one round-trip transcript pair.
type Transcription struct {
	UserText      string `json:"user_text"`
	AssistantText string `json:"assistant_text"`
}

// Status is a free-text progress caption.
type Status struct {
	Message string `json:"message"`
}

// CallSummary is the end-of-call analytics payload. It may arrive before or
// after the user hangs up.
type CallSummary struct {
	EmotionStatistics   map[string]float64 `json:"emotion_statistics"`
	ConversationSummary string             `json:"conversation_summary"`
}

// AutoDisconnect means the agent forcibly ended the call, typically after
// prolonged silence.
type AutoDisconnect struct {
	Message string `json:"message"`
}

// AgentError is a remote-reported fault, non-fatal to the session.
type AgentError struct {
	Message string `json:"message"`
}

func (Ready) inbound()          {}
func (Ended) inbound()          {}
func (TTSStart) inbound()       {}
func (TTSEnd) inbound()         {}
func (TTSStop) inbound()        {}
func (AudioStart) inbound()     {}
func (AudioEnd) inbound()       {}
func (Transcription) inbound()  {}
func (Status) inbound()         {}
func (CallSummary) inbound()    {}
func (AutoDisconnect) inbound() {}
func (AgentError) inbound()     {}

// envelope is the minimal shape needed to route an inbound text frame.
type envelope struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
}

// Parse decodes one inbound text frame into its typed form. Unknown kinds
// return an error; the session logs and continues.
func Parse(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: invalid envelope: %w", err)
	}

	kind := env.Type
	if kind == "" {
		kind = env.Event
	}

	switch kind {
	case "ready", "start":
		return Ready{}, nil
	case "ended", "stop":
		return Ended{}, nil
	case "tts_start":
		var msg TTSStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "tts_end":
		return TTSEnd{}, nil
	case "tts_stop":
		var msg TTSStop
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "audio_start":
		var msg AudioStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "audio_end":
		return AudioEnd{}, nil
	case "transcription":
		var msg Transcription
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "status", "stt_status":
		var msg Status
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "call_summary":
		var msg CallSummary
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "auto_disconnect":
		var msg AutoDisconnect
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "error":
		var msg AgentError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("protocol: unknown message kind %q", kind)
	}
}
