// Package config loads voicelinkd configuration from a TOML file plus
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Agent   AgentConfig   `toml:"agent"`
	Backend BackendConfig `toml:"backend"`
	Audio   AudioConfig   `toml:"audio"`
	Call    CallConfig    `toml:"call"`
}

type ServerConfig struct {
	Listen string `toml:"listen"`
}

type AgentConfig struct {
	URL string `toml:"url"`
}

type BackendConfig struct {
	URL       string `toml:"url"`
	Token     string `toml:"token"`
	TimeoutMs int    `toml:"timeout_ms"`
}

type AudioConfig struct {
	VAD       VADConfig `toml:"vad"`
	OutputDir string    `toml:"output_dir"` // per-call playback PCM files; empty discards
}

type VADConfig struct {
	Threshold         float64 `toml:"threshold"`
	SpeechStartFrames int     `toml:"speech_start_frames"`
	SilenceEndFrames  int     `toml:"silence_end_frames"`
	MinSpeechFrames   int     `toml:"min_speech_frames"`
	PreRollFrames     int     `toml:"pre_roll_frames"`
}

type CallConfig struct {
	Lang           string `toml:"lang"`
	SummaryGraceMs int    `toml:"summary_grace_ms"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Listen: ":8093"},
		Agent:  AgentConfig{URL: "ws://localhost:8094/agent"},
		Backend: BackendConfig{
			URL:       "http://localhost:8095",
			TimeoutMs: 30000,
		},
		Audio: AudioConfig{
			VAD: VADConfig{
				Threshold:         0.01,
				SpeechStartFrames: 3,
				SilenceEndFrames:  15,
				MinSpeechFrames:   5,
				PreRollFrames:     2,
			},
		},
		Call: CallConfig{
			Lang:           "en",
			SummaryGraceMs: 3000,
		},
	}
}

// Load reads the TOML file at path on top of the defaults. A missing file
// is not an error; unset secrets fall back to the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: bad config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	if cfg.Backend.Token == "" {
		cfg.Backend.Token = os.Getenv("VOICELINK_BACKEND_TOKEN")
	}
	if v := os.Getenv("VOICELINK_AGENT_URL"); v != "" {
		cfg.Agent.URL = v
	}
	if v := os.Getenv("VOICELINK_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}

	return cfg, nil
}

// BackendTimeout returns the backend HTTP timeout as a duration.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutMs) * time.Millisecond
}

// SummaryGrace returns the post-call summary wait as a duration.
func (c *Config) SummaryGrace() time.Duration {
	return time.Duration(c.Call.SummaryGraceMs) * time.Millisecond
}
