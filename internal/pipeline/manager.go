// Package pipeline coordinates capture, segmentation, transcription, and
// finalization of one recording at a time.
package pipeline

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/GriffinCanCode/voice-capture/internal/audio"
	"github.com/GriffinCanCode/voice-capture/internal/config"
	"github.com/GriffinCanCode/voice-capture/internal/errors"
	"github.com/GriffinCanCode/voice-capture/internal/model"
	"github.com/GriffinCanCode/voice-capture/internal/pipeline/finalize"
	"github.com/GriffinCanCode/voice-capture/internal/pipeline/segment"
	"github.com/GriffinCanCode/voice-capture/internal/pipeline/transcribe"
	"github.com/GriffinCanCode/voice-capture/internal/pipeline/transcript"
	"github.com/GriffinCanCode/voice-capture/internal/store"
	"github.com/GriffinCanCode/voice-capture/internal/syncx"
	"github.com/GriffinCanCode/voice-capture/internal/trace"
)

// Capture is the audio source the manager drives. *audio.Capturer
// implements it; tests substitute their own.
type Capture interface {
	Start(ctx context.Context) error
	Stop()
	Output() <-chan audio.Chunk
}

// State of the pipeline.
type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateFinalizing State = "finalizing"
)

// EventType classifies pipeline notifications.
type EventType string

const (
	EventStarted   EventType = "started"
	EventWindow    EventType = "window"
	EventFinalized EventType = "finalized"
	EventDeleted   EventType = "deleted"
)

// Event is a pipeline progress notification. Window events carry the live
// combined transcript so far; finalized events carry the final text.
type Event struct {
	Type        EventType
	RecordingID string
	Seq         int
	Text        string
}

const eventBuffer = 100

// Manager owns the recording state machine. One recording runs at a time;
// starting, stopping, and retranscribing are serialized.
type Manager struct {
	cfg       *config.Config
	store     *store.Store
	cache     *model.Cache
	capture   Capture
	finalizer *finalize.Finalizer

	state  *syncx.Guard[State]
	events chan Event

	// baseCtx bounds session goroutines, which outlive the request
	// contexts that start them. Close cancels it.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu   sync.Mutex // guards sess and state transitions
	sess *recSession
}

type recSession struct {
	id        string
	segmenter *segment.Segmenter
	worker    *transcribe.Worker
	live      *transcript.Live
	stopCh    chan struct{}
	drained   chan struct{}
}

// New creates a manager over the given store, model cache, and capture
// source.
func New(cfg *config.Config, st *store.Store, cache *model.Cache, capture Capture) *Manager {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		store:      st,
		cache:      cache,
		capture:    capture,
		finalizer:  finalize.New(st, 0),
		state:      syncx.NewGuard(StateIdle),
		events:     make(chan Event, eventBuffer),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// State returns the current pipeline state.
func (m *Manager) State() State { return m.state.Get() }

// Events returns the pipeline notification channel.
func (m *Manager) Events() <-chan Event { return m.events }

// LiveTranscript returns the combined transcript of the recording in
// progress, or empty when idle.
func (m *Manager) LiveTranscript() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.live.Text()
}

// StartRecording begins a new capture session. The session runs until
// StopRecording or Close; ctx only bounds the start itself and supplies
// the trace the session goroutines log under.
func (m *Manager) StartRecording(ctx context.Context) (*store.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Transition(StateIdle, StateRecording) {
		return nil, errors.Newf(errors.CodeUnavailable, "cannot start while %s", m.state.Get())
	}

	ctx, tc := trace.EnsureContext(ctx)
	log := trace.Logger(ctx)
	sessCtx := trace.WithContext(m.baseCtx, tc)

	id := store.NewID()
	rec, err := m.store.Create(ctx, store.CreateParams{
		ID:            id,
		Model:         m.cfg.Model,
		Language:      m.cfg.Language,
		WindowLength:  m.cfg.WindowSeconds,
		OverlapLength: m.cfg.OverlapSeconds,
	})
	if err != nil {
		m.state.Set(StateIdle)
		return nil, err
	}

	live := transcript.NewLive()
	worker := transcribe.NewWorker(m.cache, transcribe.Config{
		Model:    m.cfg.Model,
		Language: m.cfg.Language,
	}, m.windowResultHandler(id, live))

	seg := segment.New(segment.Config{
		SampleRate:     m.cfg.SampleRate,
		ChunkSize:      m.cfg.ChunkSize,
		WindowSeconds:  m.cfg.WindowSeconds,
		OverlapSeconds: m.cfg.OverlapSeconds,
		Dir:            m.store.SegmentsDir(id),
		SessionPath:    m.store.AudioPath(id),
	}, func(_ context.Context, w segment.Window) {
		worker.Enqueue(w)
	})

	sess := &recSession{
		id:        id,
		segmenter: seg,
		worker:    worker,
		live:      live,
		stopCh:    make(chan struct{}),
		drained:   make(chan struct{}),
	}

	worker.Start(sessCtx)
	if err := m.capture.Start(sessCtx); err != nil {
		worker.Close()
		if derr := m.store.Delete(id); derr != nil {
			log.Warn("cleanup after failed capture start", "id", id, "error", derr)
		}
		m.state.Set(StateIdle)
		return nil, err
	}

	m.sess = sess
	go m.segmentLoop(sessCtx, sess)

	log.Info("recording started", "id", id, "model", m.cfg.Model, "language", m.cfg.Language,
		"window_s", m.cfg.WindowSeconds, "overlap_s", m.cfg.OverlapSeconds)
	m.emit(Event{Type: EventStarted, RecordingID: id})
	return rec, nil
}

// segmentLoop moves captured chunks into the segmenter until the session
// stops, then flushes whatever capture already delivered.
func (m *Manager) segmentLoop(ctx context.Context, sess *recSession) {
	defer close(sess.drained)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.stopCh:
			for {
				select {
				case chunk := <-m.capture.Output():
					sess.segmenter.Feed(ctx, chunk.Data)
				default:
					return
				}
			}
		case chunk := <-m.capture.Output():
			sess.segmenter.Feed(ctx, chunk.Data)
		}
	}
}

func (m *Manager) windowResultHandler(id string, live *transcript.Live) transcribe.ResultHandler {
	return func(_ context.Context, r transcribe.Result) {
		combined := live.Add(r.Text)
		m.emit(Event{Type: EventWindow, RecordingID: id, Seq: r.Seq, Text: combined})
	}
}

// StopRecording ends the active session, waits until every emitted window
// has its transcript on disk and the worker is idle, then assembles the
// final transcript. A recording with no recognized speech is deleted.
func (m *Manager) StopRecording(ctx context.Context) (*finalize.Outcome, error) {
	m.mu.Lock()
	if !m.state.Transition(StateRecording, StateFinalizing) {
		m.mu.Unlock()
		return nil, errors.New(errors.CodeInvalidArgument, "no recording in progress")
	}
	sess := m.sess
	m.sess = nil
	m.capture.Stop()
	close(sess.stopCh)
	m.mu.Unlock()

	defer m.state.Set(StateIdle)

	ctx, _ = trace.EnsureContext(ctx)
	log := trace.Logger(ctx)

	<-sess.drained
	if err := sess.segmenter.Stop(); err != nil {
		log.Error("session audio write failed", "id", sess.id, "error", err)
	}
	sess.worker.Close()
	<-sess.worker.Done()

	out, err := m.finalizer.Run(ctx, sess.id, sess.worker.Idle, true)
	if err != nil {
		return nil, err
	}

	if out.Deleted {
		m.emit(Event{Type: EventDeleted, RecordingID: sess.id})
	} else {
		m.emit(Event{Type: EventFinalized, RecordingID: sess.id, Text: out.Transcription})
	}
	log.Info("recording stopped", "id", sess.id, "windows", out.Windows, "deleted", out.Deleted)
	return out, nil
}

// Retranscribe reruns transcription of a stored recording's session audio,
// replacing its windows and transcript. An empty modelName keeps the
// recording's current model. Unlike a live stop, an empty result never
// deletes the recording.
func (m *Manager) Retranscribe(ctx context.Context, id, modelName string) (*finalize.Outcome, error) {
	m.mu.Lock()
	if !m.state.Transition(StateIdle, StateFinalizing) {
		m.mu.Unlock()
		return nil, errors.Newf(errors.CodeUnavailable, "cannot retranscribe while %s", m.state.Get())
	}
	m.mu.Unlock()
	defer m.state.Set(StateIdle)

	ctx, span := trace.StartSpan(ctx, "retranscribe")
	defer span.End()
	span.SetAttr("recording_id", id)
	log := trace.Logger(ctx)

	rec, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = rec.Model
	}
	windowLen, overlapLen := rec.WindowLength, rec.OverlapLength
	if windowLen <= 0 {
		windowLen, overlapLen = m.cfg.WindowSeconds, m.cfg.OverlapSeconds
	}

	// Start over: drop the previous windows and their transcripts.
	segDir := m.store.SegmentsDir(id)
	if err := os.RemoveAll(segDir); err != nil {
		return nil, errors.Wrapf(err, errors.CodeStorageFailed, "clear segments for %s", id)
	}
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.CodeStorageFailed, "recreate segments for %s", id)
	}

	live := transcript.NewLive()
	worker := transcribe.NewWorker(m.cache, transcribe.Config{
		Model:    modelName,
		Language: rec.Language,
	}, m.windowResultHandler(id, live))
	worker.Start(ctx)

	count, err := segment.SplitFile(ctx, m.store.AudioPath(id), segment.Config{
		WindowSeconds:  windowLen,
		OverlapSeconds: overlapLen,
		Dir:            segDir,
	}, func(_ context.Context, w segment.Window) {
		worker.Enqueue(w)
	})
	worker.Close()
	<-worker.Done()
	if err != nil {
		return nil, err
	}
	log.Info("retranscribing", "id", id, "model", modelName, "windows", count)

	out, err := m.finalizer.Run(ctx, id, worker.Idle, false)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.Update(ctx, id, store.Fields{Model: &modelName}); err != nil {
		return nil, err
	}

	m.emit(Event{Type: EventFinalized, RecordingID: id, Text: out.Transcription})
	return out, nil
}

// Recordings returns stored recordings, newest first.
func (m *Manager) Recordings() ([]*store.Recording, error) { return m.store.List() }

// Recording returns one stored recording's metadata.
func (m *Manager) Recording(id string) (*store.Recording, error) { return m.store.Get(id) }

// Transcript returns a recording's combined transcript text.
func (m *Manager) Transcript(id string) (string, error) { return m.store.FinalTranscript(id) }

// Rename changes a recording's display name.
func (m *Manager) Rename(ctx context.Context, id, name string) (*store.Recording, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "name must not be empty")
	}
	return m.store.Update(ctx, id, store.Fields{Name: &name})
}

// Remove deletes a stored recording. The one being recorded is refused.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	if m.sess != nil && m.sess.id == id {
		m.mu.Unlock()
		return errors.New(errors.CodeInvalidArgument, "recording is in progress")
	}
	m.mu.Unlock()
	if err := m.store.Delete(id); err != nil {
		return err
	}
	m.emit(Event{Type: EventDeleted, RecordingID: id})
	return nil
}

// Close aborts any active session without finalizing it.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		m.capture.Stop()
		close(m.sess.stopCh)
		<-m.sess.drained
		m.sess.worker.Close()
		m.sess = nil
	}
	m.baseCancel()
	m.state.Set(StateIdle)
}

func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	default:
	}
}
