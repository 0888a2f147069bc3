// Package backend talks to the companion backend over HTTPS: fetching the
// call context before a call starts and persisting the end-of-call summary.
// Both are plain JSON request/response calls authenticated with a bearer
// token; everything stateful about a call lives elsewhere.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/careloop/voicelink/pkg/protocol"
)

// ErrSessionExpired is returned when the backend rejects the bearer token.
var ErrSessionExpired = errors.New("backend: session expired")

// TokenSource supplies the bearer token for each request, so rotation by the
// surrounding application is picked up without rebuilding the client.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource around a fixed string.
type StaticToken string

// Token returns the fixed token.
func (t StaticToken) Token() (string, error) { return string(t), nil }

// CallContext is the pre-call payload: who the user is and what was talked
// about before, fed into the agent's start_call envelope.
type CallContext struct {
	UserInfo                  map[string]any `json:"user_info"`
	Persona                   string         `json:"persona"`
	SpeechStyle               string         `json:"speech_style"`
	ConversationSummaries     []string       `json:"conversation_summaries"`
	LatestConversationSummary string         `json:"latest_conversation_summary"`
}

// Client manages communication with the companion backend.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

// Config holds backend client configuration.
type Config struct {
	BaseURL string
	Tokens  TokenSource
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewClient creates a backend client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		tokens:     cfg.Tokens,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
	}
}

// FetchCallContext retrieves the user profile and prior conversation
// summaries. The backend returns summaries newest-first; the first element
// is the latest conversation.
func (c *Client) FetchCallContext(ctx context.Context) (*CallContext, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v1/call/context", nil)
	if err != nil {
		return nil, err
	}

	var cc CallContext
	if err := json.Unmarshal(data, &cc); err != nil {
		return nil, fmt.Errorf("backend: invalid call context: %w", err)
	}
	if cc.LatestConversationSummary == "" && len(cc.ConversationSummaries) > 0 {
		cc.LatestConversationSummary = cc.ConversationSummaries[0]
	}
	return &cc, nil
}

// summaryRequest is the persisted end-of-call record.
type summaryRequest struct {
	EmotionStatistics   map[string]float64 `json:"emotion_statistics"`
	ConversationSummary string             `json:"conversation_summary"`
	NormalFinish        bool               `json:"normal_finish"`
}

// SubmitSummary posts the end-of-call summary. It performs exactly one
// request; the at-most-two-submissions guarantee per call is the caller's.
func (c *Client) SubmitSummary(ctx context.Context, summary protocol.CallSummary, normalFinish bool) error {
	req := summaryRequest{
		EmotionStatistics:   summary.EmotionStatistics,
		ConversationSummary: summary.ConversationSummary,
		NormalFinish:        normalFinish,
	}
	if req.EmotionStatistics == nil {
		req.EmotionStatistics = map[string]float64{}
	}

	_, err := c.do(ctx, http.MethodPost, "/api/v1/call/summary", req)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("backend: token unavailable: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failures are surfaced verbatim.
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrSessionExpired
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("backend: server error: %s (status %d)", bytes.TrimSpace(respBody), resp.StatusCode)
	}

	return respBody, nil
}
