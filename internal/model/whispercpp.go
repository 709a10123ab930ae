package model

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/GriffinCanCode/voice-capture/internal/errors"
	"github.com/GriffinCanCode/voice-capture/internal/trace"
	"github.com/GriffinCanCode/voice-capture/internal/wavio"
)

// whisper.cpp consumes 16 kHz mono float32 samples.
const modelSampleRate = 16000

// whisperModel wraps a loaded whisper.cpp model.
type whisperModel struct {
	name    string
	threads int
	model   whisper.Model
}

// WhisperLoader returns a Loader that resolves names like "tiny" or
// "large" to ggml files under modelsDir and loads them in-process.
func WhisperLoader(modelsDir string, threads int) Loader {
	return func(ctx context.Context, name string) (Transcriber, error) {
		path := filepath.Join(modelsDir, "ggml-"+name+".bin")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, errors.Newf(errors.CodeModelLoadFailed, "model file not found: %s", path)
		}

		log := trace.Logger(ctx)
		log.Info("loading model", "model", name, "path", path)

		m, err := whisper.New(path)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeModelLoadFailed, "load model %s", name)
		}
		return &whisperModel{name: name, threads: threads, model: m}, nil
	}
}

func (m *whisperModel) Transcribe(ctx context.Context, audioPath, language string) (string, error) {
	samples, rate, err := wavio.ReadFloat32(audioPath)
	if err != nil {
		return "", err
	}
	if rate != modelSampleRate {
		return "", errors.Newf(errors.CodeAudioInvalidFormat, "model expects %d Hz audio, got %d Hz", modelSampleRate, rate)
	}

	wctx, err := m.model.NewContext()
	if err != nil {
		return "", errors.Wrapf(err, errors.CodeTranscriptionFailed, "create context for %s", m.name)
	}
	if language != "" {
		_ = wctx.SetLanguage(language)
	}
	if m.threads > 0 {
		wctx.SetThreads(uint(m.threads))
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", errors.Wrapf(err, errors.CodeTranscriptionFailed, "process %s", audioPath)
	}

	var sb strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if err != nil {
			break
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.TrimSpace(seg.Text))
	}
	return strings.TrimSpace(sb.String()), nil
}

func (m *whisperModel) Close() error {
	if m.model != nil {
		m.model.Close()
		m.model = nil
	}
	return nil
}
