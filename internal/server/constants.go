// Package server provides HTTP and WebSocket handlers
package server

import "time"

// Server configuration constants
const (
	// Deadline for one WebSocket event write before a stuck client is skipped
	WriteTimeout = 5 * time.Second
)
