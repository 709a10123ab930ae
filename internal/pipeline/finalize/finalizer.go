// Package finalize assembles the final transcript once a recording's
// windows are all transcribed, and removes recordings that captured no
// speech.
package finalize

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/GriffinCanCode/voice-capture/internal/errors"
	"github.com/GriffinCanCode/voice-capture/internal/pipeline/transcript"
	"github.com/GriffinCanCode/voice-capture/internal/resilience"
	"github.com/GriffinCanCode/voice-capture/internal/store"
	"github.com/GriffinCanCode/voice-capture/internal/trace"
	"github.com/GriffinCanCode/voice-capture/internal/wavio"
)

const defaultPollInterval = time.Second

// IdleFunc reports whether the transcription worker has drained.
type IdleFunc func() bool

// Outcome describes what finalization did to a recording.
type Outcome struct {
	ID            string
	Transcription string
	Duration      int // seconds
	Windows       int
	Deleted       bool
}

// Finalizer waits for the transcription barrier and assembles transcripts.
type Finalizer struct {
	store *store.Store
	poll  time.Duration
}

// New creates a finalizer. A non-positive poll interval picks the default.
func New(st *store.Store, poll time.Duration) *Finalizer {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Finalizer{store: st, poll: poll}
}

// Wait blocks until every window audio file has a matching transcript file
// and the worker is idle. The worker writes a transcript for every window
// it dequeues, failures included, so the barrier always resolves.
func (f *Finalizer) Wait(ctx context.Context, id string, idle IdleFunc) error {
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	for {
		if f.barrier(id, idle) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *Finalizer) barrier(id string, idle IdleFunc) bool {
	dir := f.store.SegmentsDir(id)
	wavs := countFiles(dir, "segment_*.wav")
	txts := countFiles(dir, "transcription_*.txt")
	return wavs == txts && idle()
}

// Finalize combines the per-window transcripts in sequence order, folding
// each window's overlap against what is already kept. With deleteIfEmpty
// set, a recording whose combined transcript is empty is removed outright;
// retranscription passes false so a bad model run cannot destroy a stored
// recording.
func (f *Finalizer) Finalize(ctx context.Context, id string, deleteIfEmpty bool) (*Outcome, error) {
	ctx, span := trace.StartSpan(ctx, "finalize_recording")
	defer span.End()
	span.SetAttr("recording_id", id)
	log := trace.Logger(ctx)

	texts, err := f.readTranscripts(id)
	if err != nil {
		return nil, err
	}

	combined := strings.TrimSpace(transcript.Combine(texts))
	if combined == "" && deleteIfEmpty {
		log.Info("no speech captured, removing recording", "id", id, "windows", len(texts))
		if err := f.store.Delete(id); err != nil {
			return nil, err
		}
		return &Outcome{ID: id, Windows: len(texts), Deleted: true}, nil
	}

	if err := f.writeFinalTranscript(ctx, id, combined); err != nil {
		return nil, err
	}

	fields := store.Fields{Transcription: &combined}
	out := &Outcome{ID: id, Transcription: combined, Windows: len(texts)}
	if d, err := wavio.Duration(f.store.AudioPath(id)); err != nil {
		log.Warn("session audio unreadable, duration not set", "id", id, "error", err)
	} else {
		secs := int(d.Seconds())
		fields.Duration = &secs
		out.Duration = secs
	}

	if _, err := f.store.Update(ctx, id, fields); err != nil {
		return nil, err
	}

	log.Info("recording finalized", "id", id, "windows", len(texts), "chars", len(combined), "duration_s", out.Duration)
	return out, nil
}

// Run waits for the barrier, then finalizes.
func (f *Finalizer) Run(ctx context.Context, id string, idle IdleFunc, deleteIfEmpty bool) (*Outcome, error) {
	if err := f.Wait(ctx, id, idle); err != nil {
		return nil, err
	}
	return f.Finalize(ctx, id, deleteIfEmpty)
}

// readTranscripts returns window transcripts ordered by sequence number.
func (f *Finalizer) readTranscripts(id string) ([]string, error) {
	dir := f.store.SegmentsDir(id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeStorageFailed, "list segments for %s", id)
	}

	type seg struct {
		seq  int
		name string
	}
	var segs []seg
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		if seq, ok := store.ParseSegmentSeq(e.Name()); ok {
			segs = append(segs, seg{seq: seq, name: e.Name()})
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].seq < segs[j].seq })

	texts := make([]string, 0, len(segs))
	for _, s := range segs {
		data, err := os.ReadFile(filepath.Join(dir, s.name))
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeStorageFailed, "read window transcript %s", s.name)
		}
		texts = append(texts, string(data))
	}
	return texts, nil
}

func (f *Finalizer) writeFinalTranscript(ctx context.Context, id, text string) error {
	path := f.store.FinalTranscriptPath(id)
	err := resilience.Retry(ctx, resilience.StorageRetryConfig(), func() error {
		return os.WriteFile(path, []byte(text), 0o644)
	})
	if err != nil {
		return errors.Wrapf(err, errors.CodeStorageFailed, "write final transcript for %s", id)
	}
	return nil
}

func countFiles(dir, pattern string) int {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return 0
	}
	return len(matches)
}
