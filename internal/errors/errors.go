// Package errors provides unified error handling with structured error codes.
// Codes classify failures across the capture, transcription, and storage layers.
package errors

import "fmt"

// ErrorCode classifies an error for logging and retry decisions.
type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	CodeInternal
	CodeInvalidArgument
	CodeNotFound
	CodeUnavailable
	CodeTimeout
	CodeCancelled
	CodeAudioCaptureFailed
	CodeAudioInvalidFormat
	CodeTranscriptionFailed
	CodeModelLoadFailed
	CodeStorageFailed
	CodeConfigInvalid
)

var codeNames = map[ErrorCode]string{
	CodeUnknown:             "UNKNOWN",
	CodeInternal:            "INTERNAL",
	CodeInvalidArgument:     "INVALID_ARGUMENT",
	CodeNotFound:            "NOT_FOUND",
	CodeUnavailable:         "UNAVAILABLE",
	CodeTimeout:             "TIMEOUT",
	CodeCancelled:           "CANCELLED",
	CodeAudioCaptureFailed:  "AUDIO_CAPTURE_FAILED",
	CodeAudioInvalidFormat:  "AUDIO_INVALID_FORMAT",
	CodeTranscriptionFailed: "TRANSCRIPTION_FAILED",
	CodeModelLoadFailed:     "MODEL_LOAD_FAILED",
	CodeStorageFailed:       "STORAGE_FAILED",
	CodeConfigInvalid:       "CONFIG_INVALID",
}

// String returns the code's symbolic name.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     ErrorCode
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code.String(), e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// New creates a new AppError with the given code and message.
func New(code ErrorCode, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code ErrorCode, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// IsNotFound reports whether the error carries CodeNotFound.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	switch appErr.Code {
	case CodeUnavailable, CodeTimeout, CodeStorageFailed:
		return true
	default:
		return false
	}
}
