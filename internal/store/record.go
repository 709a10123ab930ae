// Package store persists recordings as one directory per recording:
// the full-session audio, a segments/ subdirectory with per-window audio
// and transcript pairs, the final transcript, and a JSON metadata record.
package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timestamp layouts for recording ids and display dates.
const (
	IDLayout   = "20060102_150405"
	DateLayout = "2006-01-02 15:04:05"
)

// Recording is the JSON metadata record for one capture session.
type Recording struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Date          string `json:"date"`
	Duration      int    `json:"duration"` // seconds
	Model         string `json:"model"`
	Language      string `json:"language"`
	WindowLength  int    `json:"window_length"`  // seconds
	OverlapLength int    `json:"overlap_length"` // seconds
	Transcription string `json:"transcription"`
	Summary       string `json:"summary,omitempty"`
}

// Fields carries a partial update; nil members leave the stored value unchanged.
type Fields struct {
	Name          *string
	Duration      *int
	Model         *string
	Transcription *string
	Summary       *string
}

func (r *Recording) apply(f Fields) {
	if f.Name != nil {
		r.Name = *f.Name
	}
	if f.Duration != nil {
		r.Duration = *f.Duration
	}
	if f.Model != nil {
		r.Model = *f.Model
	}
	if f.Transcription != nil {
		r.Transcription = *f.Transcription
	}
	if f.Summary != nil {
		r.Summary = *f.Summary
	}
}

// NewID returns a fresh timestamp-derived recording id. Ids sort
// chronologically as plain strings.
func NewID() string {
	return time.Now().Format(IDLayout)
}

// DateFromID derives the display date from a timestamp id.
func DateFromID(id string) string {
	t, err := time.Parse(IDLayout, id)
	if err != nil {
		return time.Now().Format(DateLayout)
	}
	return t.Format(DateLayout)
}

// SegmentWavName returns the window audio filename for a sequence number.
func SegmentWavName(seq int) string {
	return fmt.Sprintf("segment_%03d.wav", seq)
}

// SegmentTextName returns the window transcript filename for a sequence number.
func SegmentTextName(seq int) string {
	return fmt.Sprintf("transcription_%03d.txt", seq)
}

// ParseSegmentSeq extracts the sequence number from a window audio or
// transcript filename. Returns false for anything else.
func ParseSegmentSeq(name string) (int, bool) {
	var base string
	switch {
	case strings.HasPrefix(name, "segment_") && strings.HasSuffix(name, ".wav"):
		base = strings.TrimSuffix(strings.TrimPrefix(name, "segment_"), ".wav")
	case strings.HasPrefix(name, "transcription_") && strings.HasSuffix(name, ".txt"):
		base = strings.TrimSuffix(strings.TrimPrefix(name, "transcription_"), ".txt")
	default:
		return 0, false
	}
	seq, err := strconv.Atoi(base)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}
