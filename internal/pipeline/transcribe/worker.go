// Package transcribe runs window transcription on a single background worker.
package transcribe

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/voice-capture/internal/model"
	"github.com/GriffinCanCode/voice-capture/internal/pipeline/segment"
	"github.com/GriffinCanCode/voice-capture/internal/resilience"
	"github.com/GriffinCanCode/voice-capture/internal/syncx"
	"github.com/GriffinCanCode/voice-capture/internal/trace"
	"github.com/GriffinCanCode/voice-capture/internal/wavio"
)

// State of the worker loop.
type State string

const (
	StateIdle State = "idle"
	StateBusy State = "busy"
)

// MinWindowDuration is the shortest window worth sending to the model.
// Anything below it cannot carry speech and transcribes to empty text.
const MinWindowDuration = 100 * time.Millisecond

const defaultQueueSize = 64

// Result is the outcome of one window. Skipped and failed windows carry
// empty text; the worker never stops on them.
type Result struct {
	Seq  int
	Text string
}

// ResultHandler observes finished windows in queue order.
type ResultHandler func(ctx context.Context, r Result)

// Config for a worker.
type Config struct {
	Model     string
	Language  string
	QueueSize int
}

// Worker transcribes windows strictly in arrival order on one goroutine.
// Every queued window ends with its transcript file on disk, even when
// the model fails or the audio is too short to carry speech, so the
// finalize barrier can count files against windows.
type Worker struct {
	cache    *model.Cache
	cfg      Config
	onResult ResultHandler
	breaker  *resilience.Breaker

	queue   chan segment.Window
	pending atomic.Int64
	state   *syncx.Guard[State]

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewWorker creates a worker that loads models through cache.
func NewWorker(cache *model.Cache, cfg Config, onResult ResultHandler) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Worker{
		cache:    cache,
		cfg:      cfg,
		onResult: onResult,
		breaker:  resilience.NewBreaker(resilience.ModelBreakerConfig()),
		queue:    make(chan segment.Window, cfg.QueueSize),
		state:    syncx.NewGuard(StateIdle),
		done:     make(chan struct{}),
	}
}

// Start launches the worker goroutine. Later calls are no-ops.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.run(ctx)
	})
}

// Enqueue adds a window to the tail of the queue. Blocks when the queue
// is full, which backpressures the segmenter rather than dropping work.
func (w *Worker) Enqueue(win segment.Window) {
	w.pending.Add(1)
	w.queue <- win
}

// Close stops intake. The worker finishes every queued window first.
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.queue) })
}

// Done is closed once the final queued window has finished.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Idle reports whether no window is queued or being transcribed.
func (w *Worker) Idle() bool { return w.pending.Load() == 0 }

// State returns the current loop state.
func (w *Worker) State() State { return w.state.Get() }

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for win := range w.queue {
		w.process(ctx, win)
	}
}

func (w *Worker) process(ctx context.Context, win segment.Window) {
	defer w.pending.Add(-1)
	w.state.Set(StateBusy)
	defer w.state.Set(StateIdle)

	ctx, span := trace.StartSpan(ctx, "transcribe_window")
	span.SetAttr("seq", win.Seq)

	text := w.transcribe(ctx, win)

	if err := w.writeTranscript(ctx, win.TextPath, text); err != nil {
		trace.Logger(ctx).Error("transcript write failed", "seq", win.Seq, "path", win.TextPath, "error", err)
	}

	span.End()
	trace.Logger(ctx).Info("window transcribed", "seq", win.Seq, "chars", len(text), "duration", span.Duration())

	if w.onResult != nil {
		w.onResult(ctx, Result{Seq: win.Seq, Text: text})
	}
}

// transcribe returns the window's text, or empty on any failure. Failures
// are logged and absorbed: one bad window must not take down a recording.
func (w *Worker) transcribe(ctx context.Context, win segment.Window) string {
	log := trace.Logger(ctx)

	dur, err := wavio.Duration(win.AudioPath)
	if err != nil {
		log.Warn("window audio unreadable", "seq", win.Seq, "error", err)
		return ""
	}
	if dur < MinWindowDuration {
		log.Debug("window too short for speech", "seq", win.Seq, "audio_duration", dur)
		return ""
	}

	m, err := w.cache.GetOrLoad(ctx, w.cfg.Model)
	if err != nil {
		log.Error("model unavailable", "model", w.cfg.Model, "error", err)
		return ""
	}

	// The breaker keeps a queue of windows moving when the model fails
	// every call; skipped windows come back empty like failed ones.
	text, err := resilience.ExecuteWithResult(w.breaker, func() (string, error) {
		return m.Transcribe(ctx, win.AudioPath, w.cfg.Language)
	})
	if err == resilience.ErrOpen {
		log.Warn("transcription skipped, model failing", "seq", win.Seq, "model", w.cfg.Model)
		return ""
	}
	if err != nil {
		log.Error("transcription failed", "seq", win.Seq, "model", w.cfg.Model, "error", err)
		return ""
	}
	return text
}

func (w *Worker) writeTranscript(ctx context.Context, path, text string) error {
	return resilience.Retry(ctx, resilience.StorageRetryConfig(), func() error {
		return os.WriteFile(path, []byte(text), 0o644)
	})
}
