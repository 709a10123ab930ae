// Package model loads and caches speech-to-text models.
package model

import "context"

// Transcriber is a loaded model handle. One handle is not safe for
// concurrent Transcribe calls; the transcription worker serializes them.
type Transcriber interface {
	// Transcribe converts a WAV file to plain text in the given language.
	Transcribe(ctx context.Context, audioPath, language string) (string, error)
	Close() error
}

// Loader loads a named model. Loads are slow and block the caller.
type Loader func(ctx context.Context, name string) (Transcriber, error)
