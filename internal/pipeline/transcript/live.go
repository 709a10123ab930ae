package transcript

import (
	"strings"
	"sync"
)

// Combine folds Dedupe over window texts in sequence order. Each text is
// deduplicated against the most recently kept piece, then kept only if
// something remains after trimming. The finalizer and the live view both
// build their text this way, so they agree on the result.
func Combine(texts []string) string {
	var pieces []string
	for _, text := range texts {
		piece := text
		if len(pieces) > 0 {
			piece = Dedupe(pieces[len(pieces)-1], piece)
		}
		if strings.TrimSpace(piece) != "" {
			pieces = append(pieces, piece)
		}
	}
	return strings.Join(pieces, " ")
}

// Live accumulates window texts while a recording is running, mirroring
// what the finalizer will later compute from disk. Add must be called in
// sequence order; the worker finishes windows strictly FIFO, so results
// arrive that way.
type Live struct {
	mu     sync.RWMutex
	pieces []string
}

// NewLive creates an empty accumulator.
func NewLive() *Live {
	return &Live{}
}

// Add incorporates one window's text and returns the combined text so far.
func (l *Live) Add(text string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	piece := text
	if len(l.pieces) > 0 {
		piece = Dedupe(l.pieces[len(l.pieces)-1], piece)
	}
	if strings.TrimSpace(piece) != "" {
		l.pieces = append(l.pieces, piece)
	}
	return strings.Join(l.pieces, " ")
}

// Text returns the combined text so far.
func (l *Live) Text() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return strings.Join(l.pieces, " ")
}

// Reset clears the accumulator for the next recording.
func (l *Live) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pieces = nil
}
