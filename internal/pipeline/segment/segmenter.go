// Package segment cuts the live capture stream into overlapping windows.
package segment

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/GriffinCanCode/voice-capture/internal/store"
	"github.com/GriffinCanCode/voice-capture/internal/wavio"
)

// Window is one finished audio window on disk, ready for transcription.
type Window struct {
	Seq       int
	AudioPath string
	TextPath  string
}

// WindowHandler is invoked after a window file has been written.
type WindowHandler func(ctx context.Context, w Window)

// Config for the segmenter.
type Config struct {
	SampleRate     int
	ChunkSize      int // samples per captured chunk
	WindowSeconds  int
	OverlapSeconds int
	Dir            string // per-recording segments directory
	SessionPath    string // full-session WAV, written on Stop
}

// Segmenter accumulates fixed-size chunks and emits a window every time
// WindowSeconds of new audio is complete, keeping the trailing
// OverlapSeconds as the start of the next window. It also keeps every
// chunk for the whole-session file. Not safe for concurrent use: exactly
// one goroutine feeds it.
type Segmenter struct {
	cfg              Config
	onWindow         WindowHandler
	chunksPerWindow  int
	chunksPerOverlap int
	frames           [][]int16 // growing window buffer, chunk granularity
	session          [][]int16
	seq              int
	stopped          bool
}

// New creates a segmenter. The window and overlap lengths are converted
// to whole chunk counts, mirroring how capture delivers audio.
func New(cfg Config, onWindow WindowHandler) *Segmenter {
	return &Segmenter{
		cfg:              cfg,
		onWindow:         onWindow,
		chunksPerWindow:  cfg.SampleRate * cfg.WindowSeconds / cfg.ChunkSize,
		chunksPerOverlap: cfg.SampleRate * cfg.OverlapSeconds / cfg.ChunkSize,
	}
}

// Feed appends one captured chunk. When a full window has accumulated it
// is written to disk and handed to the window handler, and the buffer is
// cut back to the overlap tail.
func (s *Segmenter) Feed(ctx context.Context, chunk []int16) {
	if s.stopped {
		return
	}

	s.frames = append(s.frames, chunk)
	s.session = append(s.session, chunk)

	if len(s.frames) < s.chunksPerWindow {
		return
	}

	windowChunks := s.frames[:s.chunksPerWindow]
	seq := s.seq
	s.seq++

	w := Window{
		Seq:       seq,
		AudioPath: filepath.Join(s.cfg.Dir, store.SegmentWavName(seq)),
		TextPath:  filepath.Join(s.cfg.Dir, store.SegmentTextName(seq)),
	}

	if err := wavio.Write(w.AudioPath, flatten(windowChunks), s.cfg.SampleRate, 1); err != nil {
		slog.Error("window write failed, audio kept only in session file", "seq", seq, "error", err)
	} else {
		slog.Debug("window written", "seq", seq, "path", w.AudioPath)
		s.onWindow(ctx, w)
	}

	// Keep the trailing overlap so the next window starts with this
	// window's tail.
	s.frames = s.frames[s.chunksPerWindow-s.chunksPerOverlap:]
}

// Windows returns how many windows have been emitted.
func (s *Segmenter) Windows() int { return s.seq }

// Stop writes the whole-session WAV. A partial remainder shorter than one
// window is not emitted as a window: those trailing seconds live only in
// the session file. Retranscription can recover them later.
func (s *Segmenter) Stop() error {
	if s.stopped {
		return nil
	}
	s.stopped = true

	err := wavio.Write(s.cfg.SessionPath, flatten(s.session), s.cfg.SampleRate, 1)
	if err == nil {
		slog.Info("session audio written", "path", s.cfg.SessionPath, "windows", s.seq, "chunks", len(s.session))
	}
	return err
}

func flatten(chunks [][]int16) []int16 {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]int16, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// SplitFile cuts an existing WAV into the same overlapping windows the
// live path produces, writing them under cfg.Dir and invoking onWindow
// for each. Unlike the live path it keeps going to the end of the file,
// so the trailing remainder comes out as one or more short windows.
// Used when retranscribing a stored recording.
func SplitFile(ctx context.Context, audioPath string, cfg Config, onWindow WindowHandler) (int, error) {
	samples, rate, err := wavio.ReadInt16(audioPath)
	if err != nil {
		return 0, err
	}

	windowSamples := rate * cfg.WindowSeconds
	stepSamples := rate * (cfg.WindowSeconds - cfg.OverlapSeconds)

	count := 0
	for offset := 0; offset < len(samples); offset += stepSamples {
		end := offset + windowSamples
		if end > len(samples) {
			end = len(samples)
		}
		w := Window{
			Seq:       count,
			AudioPath: filepath.Join(cfg.Dir, store.SegmentWavName(count)),
			TextPath:  filepath.Join(cfg.Dir, store.SegmentTextName(count)),
		}
		if err := wavio.Write(w.AudioPath, samples[offset:end], rate, 1); err != nil {
			return count, err
		}
		count++
		onWindow(ctx, w)
	}
	return count, nil
}
