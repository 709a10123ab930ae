// Voice capture server - records microphone audio, transcribes it in
// overlapping windows, and serves recordings over HTTP and WebSocket
package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/GriffinCanCode/voice-capture/internal/audio"
	"github.com/GriffinCanCode/voice-capture/internal/config"
	"github.com/GriffinCanCode/voice-capture/internal/model"
	"github.com/GriffinCanCode/voice-capture/internal/pipeline"
	"github.com/GriffinCanCode/voice-capture/internal/server"
	"github.com/GriffinCanCode/voice-capture/internal/store"
)

// captureBuffer is how many device chunks may queue before capture drops.
const captureBuffer = 64

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	st, err := store.New(cfg.RecordingsDir)
	if err != nil {
		slog.Error("failed to open recordings dir", "dir", cfg.RecordingsDir, "error", err)
		os.Exit(1)
	}

	cache := model.NewCache(model.WhisperLoader(cfg.ModelsDir, cfg.Threads))

	capture, err := audio.NewCapturer(cfg.SampleRate, cfg.ChunkSize, captureBuffer, cfg.InputDevice)
	if err != nil {
		slog.Error("failed to initialize audio backend", "error", err)
		os.Exit(1)
	}
	defer capture.Close()

	mgr := pipeline.New(cfg, st, cache, capture)
	srv := server.New(mgr)

	// Warm the configured model so the first window is not stuck behind a
	// multi-second load.
	warmCtx, warmCancel := context.WithCancel(context.Background())
	defer warmCancel()
	go func() {
		if _, err := cache.GetOrLoad(warmCtx, cfg.Model); err != nil {
			slog.Warn("model warmup failed", "model", cfg.Model, "error", err)
		}
	}()

	// Stop and retranscribe responses wait for transcription to drain, so
	// the server gets no write deadline.
	httpServer := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     srv.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("voice capture server starting", "http", cfg.HTTPAddr,
			"model", cfg.Model, "recordings", cfg.RecordingsDir)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")

	// Finish an in-flight recording rather than dropping it.
	if mgr.State() == pipeline.StateRecording {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if _, err := mgr.StopRecording(stopCtx); err != nil {
			slog.Error("final stop failed", "error", err)
		}
		stopCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	mgr.Close()
	cache.Close()
	slog.Info("shutdown complete")
}

// setupLogging writes to stdout, and also to a daily file when LOG_DIR
// is set.
func setupLogging(cfg *config.Config) {
	var w io.Writer = os.Stdout
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err == nil {
			name := "voice_capture_" + time.Now().Format("20060102") + ".log"
			f, ferr := os.OpenFile(filepath.Join(cfg.LogDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if ferr == nil {
				w = io.MultiWriter(os.Stdout, f)
			}
		}
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
