package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/voice-capture/internal/audio"
	"github.com/GriffinCanCode/voice-capture/internal/config"
	"github.com/GriffinCanCode/voice-capture/internal/errors"
	"github.com/GriffinCanCode/voice-capture/internal/model"
	"github.com/GriffinCanCode/voice-capture/internal/pipeline/finalize"
	"github.com/GriffinCanCode/voice-capture/internal/store"
	"github.com/GriffinCanCode/voice-capture/internal/wavio"
)

type fakeCapture struct {
	ch       chan audio.Chunk
	startErr error
}

func (f *fakeCapture) Start(_ context.Context) error { return f.startErr }
func (f *fakeCapture) Stop()                         {}
func (f *fakeCapture) Output() <-chan audio.Chunk    { return f.ch }

// scriptedModel returns one text per Transcribe call, in order, then
// empty strings.
type scriptedModel struct {
	mu    sync.Mutex
	texts []string
	calls int
}

func (s *scriptedModel) Transcribe(_ context.Context, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls < len(s.texts) {
		t := s.texts[s.calls]
		s.calls++
		return t, nil
	}
	s.calls++
	return "", nil
}

func (s *scriptedModel) Close() error { return nil }

type testEnv struct {
	mgr   *Manager
	cap   *fakeCapture
	store *store.Store
	cfg   *config.Config

	mu     sync.Mutex
	loaded []string
}

func newTestEnv(t *testing.T, texts []string) *testEnv {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	env := &testEnv{
		cap:   &fakeCapture{ch: make(chan audio.Chunk, 512)},
		store: st,
		cfg: &config.Config{
			RecordingsDir:  st.Root(),
			Model:          "tiny",
			Language:       "nl",
			SampleRate:     1000,
			Channels:       1,
			ChunkSize:      100,
			WindowSeconds:  2,
			OverlapSeconds: 1,
		},
	}

	cache := model.NewCache(func(_ context.Context, name string) (model.Transcriber, error) {
		env.mu.Lock()
		env.loaded = append(env.loaded, name)
		env.mu.Unlock()
		return &scriptedModel{texts: texts}, nil
	})

	env.mgr = New(env.cfg, st, cache, env.cap)
	env.mgr.finalizer = finalize.New(st, time.Millisecond) // fast barrier polling
	return env
}

func (e *testEnv) pushAudio(chunks int) {
	for i := 0; i < chunks; i++ {
		e.cap.ch <- audio.Chunk{Data: make([]int16, e.cfg.ChunkSize)}
	}
}

func (e *testEnv) drainEvents() []Event {
	var evs []Event
	for {
		select {
		case ev := <-e.mgr.Events():
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func TestRecordingLifecycle(t *testing.T) {
	env := newTestEnv(t, []string{"een twee drie", "twee drie vier"})
	ctx := context.Background()

	rec, err := env.mgr.StartRecording(ctx)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if rec.ID == "" || rec.Name != "Opname "+rec.ID {
		t.Errorf("unexpected record: id=%q name=%q", rec.ID, rec.Name)
	}
	if env.mgr.State() != StateRecording {
		t.Errorf("state = %q, want %q", env.mgr.State(), StateRecording)
	}

	// 3.5 seconds: windows complete at 2 s and 3 s, tail stays unemitted.
	env.pushAudio(35)

	out, err := env.mgr.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if env.mgr.State() != StateIdle {
		t.Errorf("state after stop = %q, want %q", env.mgr.State(), StateIdle)
	}

	// Window texts fold on their shared words: "twee drie".
	want := "een twee drie vier"
	if out.Deleted {
		t.Fatal("recording was deleted")
	}
	if out.Transcription != want {
		t.Errorf("transcription = %q, want %q", out.Transcription, want)
	}
	if out.Windows != 2 {
		t.Errorf("windows = %d, want 2", out.Windows)
	}
	if out.Duration != 3 {
		t.Errorf("duration = %d, want 3", out.Duration)
	}

	stored, err := env.store.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Transcription != want || stored.Duration != 3 {
		t.Errorf("stored = %q/%ds, want %q/3s", stored.Transcription, stored.Duration, want)
	}
	if stored.WindowLength != 2 || stored.OverlapLength != 1 {
		t.Errorf("stored window/overlap = %d/%d", stored.WindowLength, stored.OverlapLength)
	}

	session, rate, err := wavio.ReadInt16(env.store.AudioPath(rec.ID))
	if err != nil {
		t.Fatalf("session audio: %v", err)
	}
	if len(session) != 3500 || rate != 1000 {
		t.Errorf("session audio %d samples at %d Hz, want 3500 at 1000", len(session), rate)
	}

	finalText, err := os.ReadFile(env.store.FinalTranscriptPath(rec.ID))
	if err != nil {
		t.Fatalf("final transcript: %v", err)
	}
	if string(finalText) != want {
		t.Errorf("final transcript file = %q", finalText)
	}

	evs := env.drainEvents()
	if len(evs) != 4 {
		t.Fatalf("got %d events %v, want 4", len(evs), evs)
	}
	if evs[0].Type != EventStarted || evs[0].RecordingID != rec.ID {
		t.Errorf("first event = %+v, want started", evs[0])
	}
	if evs[1].Type != EventWindow || evs[1].Seq != 0 || evs[1].Text != "een twee drie" {
		t.Errorf("second event = %+v", evs[1])
	}
	if evs[2].Type != EventWindow || evs[2].Seq != 1 || evs[2].Text != want {
		t.Errorf("third event = %+v", evs[2])
	}
	if evs[3].Type != EventFinalized || evs[3].Text != want {
		t.Errorf("fourth event = %+v", evs[3])
	}
}

func TestEmptyRecordingDeleted(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec, err := env.mgr.StartRecording(ctx)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	// Stop immediately: no chunks, no windows, nothing transcribed.
	out, err := env.mgr.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if !out.Deleted {
		t.Fatal("empty recording was kept")
	}
	if _, err := env.store.Get(rec.ID); !errors.IsNotFound(err) {
		t.Errorf("Get after delete = %v, want not found", err)
	}

	evs := env.drainEvents()
	if len(evs) != 2 || evs[1].Type != EventDeleted {
		t.Errorf("events = %+v, want started then deleted", evs)
	}
}

func TestStartWhileRecordingRefused(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.mgr.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if _, err := env.mgr.StartRecording(ctx); !errors.IsCode(err, errors.CodeUnavailable) {
		t.Errorf("second start = %v, want unavailable", err)
	}
	if _, err := env.mgr.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
}

func TestStopWithoutRecordingRefused(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.mgr.StopRecording(context.Background()); !errors.IsCode(err, errors.CodeInvalidArgument) {
		t.Errorf("stop while idle = %v, want invalid argument", err)
	}
}

func TestStartFailureCleansUp(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cap.startErr = errors.New(errors.CodeAudioCaptureFailed, "no device")

	if _, err := env.mgr.StartRecording(context.Background()); !errors.IsCode(err, errors.CodeAudioCaptureFailed) {
		t.Fatalf("StartRecording = %v, want capture failure", err)
	}
	if env.mgr.State() != StateIdle {
		t.Errorf("state = %q, want idle after failed start", env.mgr.State())
	}
	recs, err := env.store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("failed start left %d recordings behind", len(recs))
	}
}

func TestRetranscribeReplacesTranscript(t *testing.T) {
	env := newTestEnv(t, []string{"alfa bravo", "bravo charlie", "charlie"})
	ctx := context.Background()
	const id = "20250101_120000"

	if _, err := env.store.Create(ctx, store.CreateParams{
		ID: id, Model: "tiny", Language: "nl", WindowLength: 2, OverlapLength: 1,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := wavio.Write(env.store.AudioPath(id), make([]int16, 2500), 1000, 1); err != nil {
		t.Fatalf("write session audio: %v", err)
	}
	// Leftover window from the first run; retranscription must wipe it.
	stale := filepath.Join(env.store.SegmentsDir(id), "segment_099.wav")
	if err := os.WriteFile(stale, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := env.mgr.Retranscribe(ctx, id, "large")
	if err != nil {
		t.Fatalf("Retranscribe: %v", err)
	}

	// 2.5 s split into 2 s windows stepping 1 s: three windows, the last
	// two short.
	if out.Windows != 3 {
		t.Errorf("windows = %d, want 3", out.Windows)
	}
	want := "alfa bravo charlie"
	if out.Transcription != want {
		t.Errorf("transcription = %q, want %q", out.Transcription, want)
	}

	rec, err := env.store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Model != "large" {
		t.Errorf("model = %q, want %q", rec.Model, "large")
	}
	if rec.Transcription != want {
		t.Errorf("stored transcription = %q", rec.Transcription)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale window survived retranscription")
	}

	env.mu.Lock()
	loaded := append([]string(nil), env.loaded...)
	env.mu.Unlock()
	if len(loaded) != 1 || loaded[0] != "large" {
		t.Errorf("loaded models = %v, want [large]", loaded)
	}
}

func TestRetranscribeWhileRecordingRefused(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec, err := env.mgr.StartRecording(ctx)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if _, err := env.mgr.Retranscribe(ctx, rec.ID, "large"); !errors.IsCode(err, errors.CodeUnavailable) {
		t.Errorf("retranscribe while recording = %v, want unavailable", err)
	}
	if _, err := env.mgr.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
}

func TestRetranscribeUnknownRecording(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.mgr.Retranscribe(context.Background(), "19990101_000000", ""); !errors.IsNotFound(err) {
		t.Errorf("retranscribe unknown = %v, want not found", err)
	}
	if env.mgr.State() != StateIdle {
		t.Errorf("state = %q, want idle", env.mgr.State())
	}
}

func TestRenameValidatesName(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	const id = "20250101_120000"

	if _, err := env.store.Create(ctx, store.CreateParams{ID: id, Model: "tiny"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := env.mgr.Rename(ctx, id, "  "); !errors.IsCode(err, errors.CodeInvalidArgument) {
		t.Errorf("blank rename = %v, want invalid argument", err)
	}

	rec, err := env.mgr.Rename(ctx, id, "Standup notulen")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if rec.Name != "Standup notulen" {
		t.Errorf("name = %q", rec.Name)
	}
}

func TestRemoveRefusesActiveRecording(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec, err := env.mgr.StartRecording(ctx)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := env.mgr.Remove(rec.ID); !errors.IsCode(err, errors.CodeInvalidArgument) {
		t.Errorf("remove active = %v, want invalid argument", err)
	}
	if _, err := env.mgr.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
}

func TestLiveTranscriptDuringRecording(t *testing.T) {
	env := newTestEnv(t, []string{"woord een"})
	ctx := context.Background()

	if env.mgr.LiveTranscript() != "" {
		t.Error("live transcript non-empty while idle")
	}

	if _, err := env.mgr.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	env.pushAudio(20) // exactly one window

	// The window event carries the same text LiveTranscript serves.
	var windowText string
	deadline := time.After(5 * time.Second)
waitWindow:
	for {
		select {
		case ev := <-env.mgr.Events():
			if ev.Type == EventWindow {
				windowText = ev.Text
				break waitWindow
			}
		case <-deadline:
			t.Fatal("window event never arrived")
		}
	}
	if windowText != "woord een" {
		t.Errorf("window event text = %q", windowText)
	}
	if got := env.mgr.LiveTranscript(); got != "woord een" {
		t.Errorf("LiveTranscript = %q, want %q", got, "woord een")
	}

	if _, err := env.mgr.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
}
