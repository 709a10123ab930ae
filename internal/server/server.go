// Package server provides HTTP and WebSocket handlers
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/GriffinCanCode/voice-capture/internal/errors"
	"github.com/GriffinCanCode/voice-capture/internal/pipeline"
	"github.com/GriffinCanCode/voice-capture/internal/trace"
)

// Event messages pushed over the WebSocket stream.
type StartedMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type TranscriptMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Seq  int    `json:"seq"`
	Text string `json:"text"`
}

type FinalizedMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Text string `json:"text"`
}

type DeletedMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// RecordingSummary is the list-endpoint view of a recording.
type RecordingSummary struct {
	ID       string `json:"id"`
	Date     string `json:"date"`
	Name     string `json:"name"`
	Duration int    `json:"duration"`
}

type statusResponse struct {
	State          string `json:"state"`
	LiveTranscript string `json:"live_transcript"`
}

type transcriptionResponse struct {
	RecordingID   string `json:"recording_id"`
	Transcription string `json:"transcription"`
}

// finalizeResponse reports the outcome of a stop or retranscribe.
type finalizeResponse struct {
	Status        string `json:"status"`
	ID            string `json:"id"`
	Transcription string `json:"transcription"`
	Duration      int    `json:"duration"`
	Windows       int    `json:"windows"`
	Deleted       bool   `json:"deleted"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type retranscribeRequest struct {
	Model string `json:"model"`
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	mgr   *pipeline.Manager
	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

// New creates a new server over the pipeline manager.
func New(mgr *pipeline.Manager) *Server {
	s := &Server{
		mgr:   mgr,
		conns: make(map[*websocket.Conn]struct{}),
	}

	// Start broadcaster
	go s.broadcastEvents()

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("POST /api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("GET /api/recordings", s.handleRecordings)
	mux.HandleFunc("GET /api/recordings/{id}", s.handleRecording)
	mux.HandleFunc("GET /api/recordings/{id}/transcription", s.handleTranscription)
	mux.HandleFunc("PATCH /api/recordings/{id}", s.handleRename)
	mux.HandleFunc("DELETE /api/recordings/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/recordings/{id}/retranscribe", s.handleRetranscribe)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	log := trace.Logger(r.Context())
	log.Info("websocket connected", "remote", r.RemoteAddr)

	// The stream is outbound only. CloseRead discards inbound frames and
	// cancels the context when the client goes away.
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
	log.Info("websocket disconnected", "remote", r.RemoteAddr)
}

func (s *Server) broadcastEvents() {
	for evt := range s.mgr.Events() {
		var msg interface{}
		switch evt.Type {
		case pipeline.EventStarted:
			msg = StartedMessage{Type: "recording_started", ID: evt.RecordingID}
		case pipeline.EventWindow:
			msg = TranscriptMessage{Type: "transcript", ID: evt.RecordingID, Seq: evt.Seq, Text: evt.Text}
		case pipeline.EventFinalized:
			msg = FinalizedMessage{Type: "recording_finalized", ID: evt.RecordingID, Text: evt.Text}
		case pipeline.EventDeleted:
			msg = DeletedMessage{Type: "recording_deleted", ID: evt.RecordingID}
		default:
			continue
		}

		s.mu.RLock()
		for conn := range s.conns {
			go func(c *websocket.Conn, m interface{}) {
				ctx, cancel := context.WithTimeout(context.Background(), WriteTimeout)
				defer cancel()
				_ = wsjson.Write(ctx, c, m)
			}(conn, msg)
		}
		s.mu.RUnlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		State:          string(s.mgr.State()),
		LiveTranscript: s.mgr.LiveTranscript(),
	})
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	rec, err := s.mgr.StartRecording(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recording_started", "id": rec.ID})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	out, err := s.mgr.StopRecording(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, finalizeResponse{
		Status:        "recording_stopped",
		ID:            out.ID,
		Transcription: out.Transcription,
		Duration:      out.Duration,
		Windows:       out.Windows,
		Deleted:       out.Deleted,
	})
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := s.mgr.Recordings()
	if err != nil {
		writeError(w, err)
		return
	}
	summaries := make([]RecordingSummary, 0, len(recs))
	for _, rec := range recs {
		summaries = append(summaries, RecordingSummary{
			ID:       rec.ID,
			Date:     rec.Date,
			Name:     rec.Name,
			Duration: rec.Duration,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.mgr.Recording(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	text, err := s.mgr.Transcript(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transcriptionResponse{RecordingID: id, Transcription: text})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New(errors.CodeInvalidArgument, "invalid request body"))
		return
	}
	rec, err := s.mgr.Rename(r.Context(), r.PathValue("id"), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.Remove(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recording_deleted", "id": id})
}

func (s *Server) handleRetranscribe(w http.ResponseWriter, r *http.Request) {
	var req retranscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, errors.New(errors.CodeInvalidArgument, "invalid request body"))
		return
	}
	out, err := s.mgr.Retranscribe(r.Context(), r.PathValue("id"), req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, finalizeResponse{
		Status:        "retranscribed",
		ID:            out.ID,
		Transcription: out.Transcription,
		Duration:      out.Duration,
		Windows:       out.Windows,
		Deleted:       out.Deleted,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps error codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsCode(err, errors.CodeInvalidArgument):
		status = http.StatusBadRequest
	case errors.IsCode(err, errors.CodeUnavailable):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
