package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/careloop/voicelink/pkg/backend"
	"github.com/careloop/voicelink/pkg/call"
	"github.com/careloop/voicelink/pkg/config"
	"github.com/careloop/voicelink/pkg/playback"
	"github.com/careloop/voicelink/pkg/vad"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config.toml")
		listen     = flag.String("listen", "", "HTTP listen address (overrides config)")
		agentURL   = flag.String("agent-url", "", "Agent WebSocket URL (overrides config)")
		backendURL = flag.String("backend-url", "", "Companion backend URL (overrides config)")
		logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	if *configPath == "" {
		*configPath = os.Getenv("VOICELINK_CONFIG")
	}
	if *logLevel == "info" {
		if ll := os.Getenv("LOG_LEVEL"); ll != "" {
			*logLevel = ll
		}
	}

	logger := setupLogger(*logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *agentURL != "" {
		cfg.Agent.URL = *agentURL
	}
	if *backendURL != "" {
		cfg.Backend.URL = *backendURL
	}

	if cfg.Backend.Token == "" {
		fmt.Fprintf(os.Stderr, "Error: missing backend token (set VOICELINK_BACKEND_TOKEN or backend.token)\n")
		os.Exit(1)
	}

	logger.Info("starting voicelink",
		"listen", cfg.Server.Listen,
		"agent_url", cfg.Agent.URL,
		"backend_url", cfg.Backend.URL)

	backendClient := backend.NewClient(backend.Config{
		BaseURL: cfg.Backend.URL,
		Tokens:  backend.StaticToken(cfg.Backend.Token),
		Timeout: cfg.BackendTimeout(),
		Logger:  logger,
	})

	callMgr := call.NewManager(call.ManagerConfig{
		AgentURL:     cfg.Agent.URL,
		Backend:      backendClient,
		Lang:         cfg.Call.Lang,
		SummaryGrace: cfg.SummaryGrace(),
		VAD: vad.Config{
			Threshold:         cfg.Audio.VAD.Threshold,
			SpeechStartFrames: cfg.Audio.VAD.SpeechStartFrames,
			SilenceEndFrames:  cfg.Audio.VAD.SilenceEndFrames,
			MinSpeechFrames:   cfg.Audio.VAD.MinSpeechFrames,
			PreRollFrames:     cfg.Audio.VAD.PreRollFrames,
		},
		NewSink: sinkFactory(cfg.Audio.OutputDir, logger),
		Logger:  logger,
	})

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","calls":%d,"timestamp":%d}`+"\n",
			callMgr.ActiveCalls(), time.Now().Unix())
	})

	mux.HandleFunc("POST /api/v1/call", callMgr.HandleStartCall)
	mux.HandleFunc("GET /api/v1/call/{callID}", callMgr.HandleGetCall)
	mux.HandleFunc("DELETE /api/v1/call/{callID}", callMgr.HandleHangup)

	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "# HELP voicelink_calls_active Number of active calls\n")
		fmt.Fprintf(w, "# TYPE voicelink_calls_active gauge\n")
		fmt.Fprintf(w, "voicelink_calls_active %d\n", callMgr.ActiveCalls())
	})

	server := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: mux,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, gracefully shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := callMgr.Shutdown(ctx); err != nil {
		logger.Error("call shutdown error", "error", err)
	}

	logger.Info("voicelink stopped")
}

// sinkFactory writes each call's synthesized audio to <dir>/<callID>.pcm,
// or discards it when no directory is configured.
func sinkFactory(dir string, logger *slog.Logger) call.SinkFactory {
	if dir == "" {
		return nil
	}
	return func(callID string) (playback.Sink, error) {
		return playback.NewLazyWriterSink(func() (io.Writer, error) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
			path := filepath.Join(dir, callID+".pcm")
			logger.Info("writing call audio", "path", path)
			return os.Create(path)
		}), nil
	}
}

// setupLogger creates a structured logger
func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
