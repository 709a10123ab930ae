package resilience

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// BreakerState represents circuit breaker state
type BreakerState uint32

const (
	Closed   BreakerState = iota // Normal operation
	Open                         // Failing fast
	HalfOpen                     // Testing recovery
)

func (s BreakerState) String() string {
	return [...]string{"closed", "open", "half-open"}[s]
}

// ErrOpen is returned while the breaker is failing fast.
var ErrOpen = errors.New("circuit breaker open")

// Breaker configuration constants
const (
	ModelBreakerThreshold    = 3
	ModelBreakerResetTimeout = 10 * time.Second
	ModelBreakerSuccesses    = 2
)

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Threshold         int           // consecutive failures before opening
	ResetTimeout      time.Duration // wait before a half-open probe
	HalfOpenSuccesses int           // successes needed to close again
}

// ModelBreakerConfig returns settings for in-process model inference.
// A broken model fails every call as fast as it loads, so a low
// threshold with a short reset keeps a deep window queue moving.
func ModelBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:         ModelBreakerThreshold,
		ResetTimeout:      ModelBreakerResetTimeout,
		HalfOpenSuccesses: ModelBreakerSuccesses,
	}
}

// Breaker implements the circuit breaker pattern with atomic state.
// After Threshold consecutive failures it fails fast until ResetTimeout
// has passed, then lets probes through until HalfOpenSuccesses close it.
type Breaker struct {
	cfg         BreakerConfig
	state       atomic.Uint32
	failures    atomic.Int32
	successes   atomic.Int32
	lastFailure atomic.Int64 // unix nano
}

// NewBreaker creates a breaker. Zero config fields take the model defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults()}
	b.state.Store(uint32(Closed))
	return b
}

// Allow checks if a call should proceed; returns nil if allowed
func (b *Breaker) Allow() error {
	switch BreakerState(b.state.Load()) {
	case Open:
		if b.shouldAttemptReset() {
			b.transition(HalfOpen)
			return nil
		}
		return ErrOpen
	case HalfOpen:
		// Allow limited requests in half-open
		return nil
	default:
		return nil
	}
}

// Success records a successful call
func (b *Breaker) Success() {
	switch BreakerState(b.state.Load()) {
	case HalfOpen:
		if b.successes.Add(1) >= int32(b.cfg.HalfOpenSuccesses) {
			b.transition(Closed)
		}
	case Closed:
		// Reset failure count on success in closed state
		b.failures.Store(0)
	}
}

// Failure records a failed call
func (b *Breaker) Failure() {
	b.lastFailure.Store(time.Now().UnixNano())
	count := b.failures.Add(1)

	switch BreakerState(b.state.Load()) {
	case HalfOpen:
		b.transition(Open)
	case Closed:
		if count >= int32(b.cfg.Threshold) {
			b.transition(Open)
		}
	}
}

// State returns the current state
func (b *Breaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// transition changes state with side effects
func (b *Breaker) transition(to BreakerState) {
	from := BreakerState(b.state.Swap(uint32(to)))
	if from == to {
		return
	}

	// Reset counters on transition
	switch to {
	case Closed:
		b.failures.Store(0)
		b.successes.Store(0)
		slog.Info("circuit breaker closed")
	case Open:
		b.successes.Store(0)
		slog.Warn("circuit breaker opened", "failures", b.failures.Load())
	case HalfOpen:
		b.successes.Store(0)
		slog.Info("circuit breaker half-open")
	}
}

func (b *Breaker) shouldAttemptReset() bool {
	last := b.lastFailure.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) > b.cfg.ResetTimeout
}

// ExecuteWithResult runs fn returning value and error with circuit protection
func ExecuteWithResult[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}
	result, err := fn()
	if err != nil {
		b.Failure()
		return zero, err
	}
	b.Success()
	return result, nil
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = ModelBreakerThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = ModelBreakerResetTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = ModelBreakerSuccesses
	}
	return c
}
