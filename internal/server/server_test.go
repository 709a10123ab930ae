package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/GriffinCanCode/voice-capture/internal/audio"
	"github.com/GriffinCanCode/voice-capture/internal/config"
	"github.com/GriffinCanCode/voice-capture/internal/model"
	"github.com/GriffinCanCode/voice-capture/internal/pipeline"
	"github.com/GriffinCanCode/voice-capture/internal/store"
)

type fakeCapture struct {
	ch chan audio.Chunk
}

func (f *fakeCapture) Start(_ context.Context) error { return nil }
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

type testServer struct {
	srv   *Server
	mgr   *pipeline.Manager
	cap   *fakeCapture
	store *store.Store
	cfg   *config.Config
}

func newTestServer(t *testing.T, texts []string) *testServer {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	cfg := &config.Config{
		RecordingsDir:  st.Root(),
		Model:          "tiny",
		Language:       "nl",
		SampleRate:     1000,
		Channels:       1,
		ChunkSize:      100,
		WindowSeconds:  2,
		OverlapSeconds: 1,
	}
	cache := model.NewCache(func(_ context.Context, _ string) (model.Transcriber, error) {
		return &scriptedModel{texts: texts}, nil
	})
	env := &testServer{
		cap:   &fakeCapture{ch: make(chan audio.Chunk, 512)},
		store: st,
		cfg:   cfg,
	}
	env.mgr = pipeline.New(cfg, st, cache, env.cap)
	t.Cleanup(env.mgr.Close)
	env.srv = New(env.mgr)
	return env
}

func (ts *testServer) pushAudio(chunks int) {
	for i := 0; i < chunks; i++ {
		ts.cap.ch <- audio.Chunk{Data: make([]int16, ts.cfg.ChunkSize)}
	}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp map[string]string
	decode(t, rec, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("status field = %q, want %q", resp["status"], "healthy")
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// OPTIONS preflight short-circuits
	req := httptest.NewRequest("OPTIONS", "/test", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("CORS origin = %q, want %q", v, "*")
	}
	if v := rec.Header().Get("Access-Control-Allow-Methods"); v != "GET, POST, PATCH, DELETE, OPTIONS" {
		t.Errorf("CORS methods = %q", v)
	}

	// Regular requests pass through with the headers set
	req = httptest.NewRequest("GET", "/test", http.NoBody)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("GET status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("CORS origin on GET = %q, want %q", v, "*")
	}
}

func TestRecordingLifecycle(t *testing.T) {
	ts := newTestServer(t, []string{"een twee drie", "twee drie vier"})

	rec := ts.do(t, "POST", "/api/recording/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}
	var started map[string]string
	decode(t, rec, &started)
	id := started["id"]
	if started["status"] != "recording_started" || id == "" {
		t.Fatalf("start response = %v", started)
	}

	// 3.5 seconds of audio: windows complete at 2 s and 3 s.
	ts.pushAudio(35)

	// The live transcript converges once both windows are transcribed.
	deadline := time.Now().Add(5 * time.Second)
	for {
		var status statusResponse
		decode(t, ts.do(t, "GET", "/api/status", ""), &status)
		if status.LiveTranscript == "een twee drie vier" {
			if status.State != "recording" {
				t.Errorf("state = %q, want %q", status.State, "recording")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("live transcript never converged, last %q", status.LiveTranscript)
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec = ts.do(t, "POST", "/api/recording/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d: %s", rec.Code, rec.Body.String())
	}
	var stopped finalizeResponse
	decode(t, rec, &stopped)
	if stopped.Status != "recording_stopped" || stopped.ID != id {
		t.Errorf("stop response = %+v", stopped)
	}
	if stopped.Transcription != "een twee drie vier" {
		t.Errorf("transcription = %q, want %q", stopped.Transcription, "een twee drie vier")
	}
	if stopped.Windows != 2 || stopped.Deleted {
		t.Errorf("windows = %d deleted = %v", stopped.Windows, stopped.Deleted)
	}

	// The recording is now listed and fully readable.
	var summaries []RecordingSummary
	decode(t, ts.do(t, "GET", "/api/recordings", ""), &summaries)
	if len(summaries) != 1 || summaries[0].ID != id {
		t.Fatalf("summaries = %+v", summaries)
	}

	var full store.Recording
	decode(t, ts.do(t, "GET", "/api/recordings/"+id, ""), &full)
	if full.Transcription != "een twee drie vier" || full.Model != "tiny" {
		t.Errorf("recording = %+v", full)
	}

	var tr transcriptionResponse
	decode(t, ts.do(t, "GET", "/api/recordings/"+id+"/transcription", ""), &tr)
	if tr.RecordingID != id || tr.Transcription != "een twee drie vier" {
		t.Errorf("transcription response = %+v", tr)
	}
}

func TestStartWhileRecordingConflicts(t *testing.T) {
	ts := newTestServer(t, nil)

	if rec := ts.do(t, "POST", "/api/recording/start", ""); rec.Code != http.StatusOK {
		t.Fatalf("start status = %d", rec.Code)
	}
	rec := ts.do(t, "POST", "/api/recording/start", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("second start status = %d, want %d", rec.Code, http.StatusConflict)
	}
	var resp map[string]string
	decode(t, rec, &resp)
	if resp["error"] == "" {
		t.Error("conflict response should carry an error message")
	}
}

func TestStopWithoutRecording(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, "POST", "/api/recording/stop", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestRecordingNotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{
		"/api/recordings/20990101_000000",
		"/api/recordings/20990101_000000/transcription",
	} {
		if rec := ts.do(t, "GET", path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusNotFound)
		}
	}
	if rec := ts.do(t, "DELETE", "/api/recordings/20990101_000000", ""); rec.Code != http.StatusNotFound {
		t.Errorf("DELETE status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestEmptyListIsArray(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, "GET", "/api/recordings", "")
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("empty list body = %q, want []", got)
	}
}

func TestRename(t *testing.T) {
	ts := newTestServer(t, nil)
	created, err := ts.store.Create(context.Background(), store.CreateParams{ID: "20240315_103000", Model: "tiny"})
	if err != nil {
		t.Fatal(err)
	}

	rec := ts.do(t, "PATCH", "/api/recordings/"+created.ID, `{"name": "Standup"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("rename status = %d: %s", rec.Code, rec.Body.String())
	}
	var renamed store.Recording
	decode(t, rec, &renamed)
	if renamed.Name != "Standup" {
		t.Errorf("name = %q, want %q", renamed.Name, "Standup")
	}

	// Blank names and malformed bodies are rejected.
	if rec := ts.do(t, "PATCH", "/api/recordings/"+created.ID, `{"name": "  "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("blank name status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if rec := ts.do(t, "PATCH", "/api/recordings/"+created.ID, `{broken`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestDelete(t *testing.T) {
	ts := newTestServer(t, nil)
	created, err := ts.store.Create(context.Background(), store.CreateParams{ID: "20240315_103000", Model: "tiny"})
	if err != nil {
		t.Fatal(err)
	}

	rec := ts.do(t, "DELETE", "/api/recordings/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, "GET", "/api/recordings/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("status after delete = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRetranscribe(t *testing.T) {
	ts := newTestServer(t, []string{"een twee drie", "twee drie vier"})

	// Record a session to retranscribe.
	var started map[string]string
	decode(t, ts.do(t, "POST", "/api/recording/start", ""), &started)
	ts.pushAudio(35)
	rec := ts.do(t, "POST", "/api/recording/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d: %s", rec.Code, rec.Body.String())
	}
	id := started["id"]

	// A fresh model instance replays the scripted texts over the split
	// windows, so the combined result is unchanged.
	rec = ts.do(t, "POST", "/api/recordings/"+id+"/retranscribe", `{"model": "large"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("retranscribe status = %d: %s", rec.Code, rec.Body.String())
	}
	var redone finalizeResponse
	decode(t, rec, &redone)
	if redone.Status != "retranscribed" || redone.Transcription != "een twee drie vier" {
		t.Errorf("retranscribe response = %+v", redone)
	}

	var full store.Recording
	decode(t, ts.do(t, "GET", "/api/recordings/"+id, ""), &full)
	if full.Model != "large" {
		t.Errorf("model = %q, want %q", full.Model, "large")
	}

	// Without a body the stored model is reused. Its script is spent, so
	// the rerun comes back empty, and the recording must survive that.
	rec = ts.do(t, "POST", "/api/recordings/"+id+"/retranscribe", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("second retranscribe status = %d: %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &redone)
	if redone.Transcription != "" || redone.Deleted {
		t.Errorf("rerun response = %+v", redone)
	}
	if rec := ts.do(t, "GET", "/api/recordings/"+id, ""); rec.Code != http.StatusOK {
		t.Errorf("recording gone after empty rerun, status = %d", rec.Code)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	env := newTestServer(t, []string{"een twee drie", "twee drie vier"})
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, ts.URL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	// The broadcaster only reaches connections already registered.
	deadline := time.Now().Add(2 * time.Second)
	for {
		env.srv.mu.RLock()
		n := len(env.srv.conns)
		env.srv.mu.RUnlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("websocket connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := ts.Client().Post(ts.URL+"/api/recording/start", "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	env.pushAudio(35)

	resp, err = ts.Client().Post(ts.URL+"/api/recording/stop", "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}

	// Fan-out order is not guaranteed, so collect the full set first.
	type wsEvent struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Seq  int    `json:"seq"`
		Text string `json:"text"`
	}
	byType := map[string][]wsEvent{}
	for i := 0; i < 4; i++ {
		var evt wsEvent
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			t.Fatalf("read event %d: %v", i, err)
		}
		byType[evt.Type] = append(byType[evt.Type], evt)
	}

	if len(byType["recording_started"]) != 1 {
		t.Errorf("started events = %+v", byType["recording_started"])
	}
	if got := byType["transcript"]; len(got) != 2 {
		t.Errorf("transcript events = %+v", got)
	}
	fin := byType["recording_finalized"]
	if len(fin) != 1 || fin[0].Text != "een twee drie vier" {
		t.Errorf("finalized events = %+v", fin)
	}
}
