// Package config handles capture pipeline configuration
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/GriffinCanCode/voice-capture/internal/errors"
)

type Config struct {
	RecordingsDir  string
	ModelsDir      string
	Model          string
	Language       string
	SampleRate     int
	Channels       int
	ChunkSize      int // samples per device read
	WindowSeconds  int
	OverlapSeconds int
	InputDevice    string // substring match against device names; empty = default device
	Threads        int    // whisper threads; 0 = library default
	HTTPAddr       string
	LogDir         string // empty = stdout only
	LogLevel       string
}

func Load() *Config {
	return &Config{
		RecordingsDir:  getEnv("RECORDINGS_DIR", defaultRecordingsDir()),
		ModelsDir:      getEnv("MODELS_DIR", "models"),
		Model:          getEnv("MODEL", "tiny"),
		Language:       getEnv("LANGUAGE", "nl"),
		SampleRate:     getEnvInt("SAMPLE_RATE", 16000),
		Channels:       getEnvInt("CHANNELS", 1),
		ChunkSize:      getEnvInt("CHUNK_SIZE", 1024),
		WindowSeconds:  getEnvInt("WINDOW_SECONDS", 30),
		OverlapSeconds: getEnvInt("OVERLAP_SECONDS", 15),
		InputDevice:    getEnv("INPUT_DEVICE", ""),
		Threads:        getEnvInt("THREADS", 0),
		HTTPAddr:       getEnv("HTTP_ADDR", ":8000"),
		LogDir:         getEnv("LOG_DIR", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
}

// Validate checks invariants the pipeline depends on.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return errors.Newf(errors.CodeConfigInvalid, "sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels != 1 {
		return errors.Newf(errors.CodeConfigInvalid, "only mono capture is supported, got %d channels", c.Channels)
	}
	if c.ChunkSize <= 0 {
		return errors.Newf(errors.CodeConfigInvalid, "chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.WindowSeconds <= 0 {
		return errors.Newf(errors.CodeConfigInvalid, "window length must be positive, got %d", c.WindowSeconds)
	}
	if c.OverlapSeconds < 0 || c.OverlapSeconds >= c.WindowSeconds {
		return errors.Newf(errors.CodeConfigInvalid, "overlap (%ds) must be shorter than window (%ds)", c.OverlapSeconds, c.WindowSeconds)
	}
	if c.Model == "" {
		return errors.New(errors.CodeConfigInvalid, "model name must not be empty")
	}
	return nil
}

func defaultRecordingsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "recordings"
	}
	return filepath.Join(home, "Documents", "VoiceCapture")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
