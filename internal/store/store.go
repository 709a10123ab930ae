package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/GriffinCanCode/voice-capture/internal/errors"
	"github.com/GriffinCanCode/voice-capture/internal/resilience"
)

// Store manages the directory-per-recording layout under a root directory.
type Store struct {
	root  string
	mu    sync.Mutex // serializes metadata read-modify-write cycles
	retry resilience.RetryConfig
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.CodeStorageFailed, "create recordings dir %s", dir)
	}
	return &Store{root: dir, retry: resilience.StorageRetryConfig()}, nil
}

// Root returns the recordings root directory.
func (s *Store) Root() string { return s.root }

// Dir returns the directory holding one recording.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, "recording_"+id)
}

// AudioPath returns the full-session WAV path for a recording.
func (s *Store) AudioPath(id string) string {
	return filepath.Join(s.Dir(id), "recording_"+id+".wav")
}

// MetadataPath returns the JSON metadata path for a recording.
func (s *Store) MetadataPath(id string) string {
	return filepath.Join(s.Dir(id), "recording_"+id+".json")
}

// SegmentsDir returns the per-window audio and transcript directory.
func (s *Store) SegmentsDir(id string) string {
	return filepath.Join(s.Dir(id), "segments")
}

// FinalTranscriptPath returns the combined transcript path for a recording.
func (s *Store) FinalTranscriptPath(id string) string {
	return filepath.Join(s.Dir(id), "transcription_"+id+".txt")
}

// CreateParams describes a new recording at capture start.
type CreateParams struct {
	ID            string
	Name          string // empty picks the default name
	Model         string
	Language      string
	WindowLength  int
	OverlapLength int
}

// Create writes the metadata stub and directory skeleton for a new recording.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Recording, error) {
	if p.ID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "recording id must not be empty")
	}
	name := p.Name
	if name == "" {
		name = "Opname " + p.ID
	}
	rec := &Recording{
		ID:            p.ID,
		Name:          name,
		Date:          DateFromID(p.ID),
		Model:         p.Model,
		Language:      p.Language,
		WindowLength:  p.WindowLength,
		OverlapLength: p.OverlapLength,
	}

	if err := os.MkdirAll(s.SegmentsDir(p.ID), 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.CodeStorageFailed, "create recording dirs for %s", p.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the recording's metadata, or a not-found error.
func (s *Store) Get(id string) (*Recording, error) {
	return s.load(id)
}

// FinalTranscript returns the combined transcript text, preferring the
// transcript file over the metadata copy.
func (s *Store) FinalTranscript(id string) (string, error) {
	rec, err := s.load(id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.FinalTranscriptPath(id))
	if os.IsNotExist(err) {
		return rec.Transcription, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, errors.CodeStorageFailed, "read transcript for %s", id)
	}
	return strings.TrimSpace(string(data)), nil
}

// Update merges the supplied fields into the stored record and returns it.
func (s *Store) Update(ctx context.Context, id string, f Fields) (*Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(id)
	if err != nil {
		return nil, err
	}
	rec.apply(f)
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the whole recording directory.
func (s *Store) Delete(id string) error {
	dir := s.Dir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return errors.Newf(errors.CodeNotFound, "recording %s not found", id)
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, errors.CodeStorageFailed, "delete recording %s", id)
	}
	slog.Info("recording deleted", "id", id)
	return nil
}

// List returns all recordings, newest first. Unreadable entries are
// skipped with a warning so one torn record cannot hide the rest.
func (s *Store) List() ([]*Recording, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeStorageFailed, "list %s", s.root)
	}

	var recs []*Recording
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "recording_") {
			continue
		}
		id := strings.TrimPrefix(e.Name(), "recording_")
		rec, err := s.load(id)
		if err != nil {
			slog.Warn("skipping unreadable recording", "id", id, "error", err)
			continue
		}
		recs = append(recs, rec)
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].ID > recs[j].ID })
	return recs, nil
}

func (s *Store) load(id string) (*Recording, error) {
	data, err := os.ReadFile(s.MetadataPath(id))
	if os.IsNotExist(err) {
		return nil, errors.Newf(errors.CodeNotFound, "recording %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeStorageFailed, "read metadata for %s", id)
	}
	var rec Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, errors.CodeStorageFailed, "parse metadata for %s", id)
	}
	return &rec, nil
}

// save writes metadata through a temp file and rename, retried briefly,
// so a crashed or contended write never leaves a torn record.
func (s *Store) save(ctx context.Context, rec *Recording) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "marshal metadata for %s", rec.ID)
	}

	path := s.MetadataPath(rec.ID)
	err = resilience.Retry(ctx, s.retry, func() error {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	})
	if err != nil {
		return errors.Wrapf(err, errors.CodeStorageFailed, "write metadata for %s", rec.ID)
	}
	return nil
}
