// Package transcript assembles window transcriptions into one text,
// removing the words repeated across consecutive overlapping windows.
package transcript

import (
	"log/slog"
	"strings"
)

// MaxOverlapWords caps the candidate overlap, covering roughly fifteen
// seconds of normal speech.
const MaxOverlapWords = 50

// SimilarityThreshold is the word-match ratio at which a candidate run
// counts as the same utterance transcribed twice. Independent passes over
// identical audio drift on punctuation and homophones, so requiring an
// exact match would miss real overlaps.
const SimilarityThreshold = 0.7

// Dedupe returns next with its leading overlap against prev removed.
// Candidate overlap lengths are tried from the largest down; the first one
// whose case-insensitive word match ratio reaches the threshold wins.
// When nothing qualifies, or either text is empty, next is returned as-is.
func Dedupe(prev, next string) string {
	if prev == "" || next == "" {
		return next
	}

	prevWords := strings.Fields(prev)
	nextWords := strings.Fields(next)

	maxOverlap := min(MaxOverlapWords, min(len(prevWords), len(nextWords)))

	best := 0
	for k := maxOverlap; k >= 1; k-- {
		tail := prevWords[len(prevWords)-k:]
		head := nextWords[:k]

		matches := 0
		for i := 0; i < k; i++ {
			if strings.EqualFold(tail[i], head[i]) {
				matches++
			}
		}

		if float64(matches)/float64(k) >= SimilarityThreshold {
			best = k
			slog.Debug("found overlap", "words", k, "matches", matches)
			break
		}
	}

	if best > 0 {
		return strings.Join(nextWords[best:], " ")
	}
	return next
}
