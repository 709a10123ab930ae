// Package audio handles microphone capture with backpressure
package audio

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/GriffinCanCode/voice-capture/internal/errors"
)

// Chunk represents one fixed-size block of captured samples.
type Chunk struct {
	Data      []int16
	Timestamp int64
}

// Device describes an input-capable audio device.
type Device struct {
	Index             int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
}

// Capturer reads fixed-size chunks from one input device into a buffered
// channel. The read goroutine does nothing else, so a slow consumer shows
// up as dropped chunks here rather than as device overruns.
type Capturer struct {
	outCh        chan Chunk
	sampleRate   int
	framesPerBuf int
	deviceName   string

	mu      sync.Mutex
	active  *session
	stopped bool
}

type session struct {
	stream   *portaudio.Stream
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewCapturer initializes the audio backend. deviceName selects an input
// device by case-insensitive substring; empty uses the system default.
func NewCapturer(sampleRate, chunkSize, bufferChunks int, deviceName string) (*Capturer, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, errors.Wrap(err, errors.CodeAudioCaptureFailed, "initialize audio backend")
	}

	return &Capturer{
		outCh:        make(chan Chunk, bufferChunks),
		sampleRate:   sampleRate,
		framesPerBuf: chunkSize,
		deviceName:   deviceName,
	}, nil
}

// Output returns the channel of captured chunks.
func (c *Capturer) Output() <-chan Chunk { return c.outCh }

// Devices lists input-capable devices.
func (c *Capturer) Devices() ([]Device, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeAudioCaptureFailed, "enumerate devices")
	}
	var out []Device
	for i, d := range devs {
		if d.MaxInputChannels < 1 {
			continue
		}
		out = append(out, Device{
			Index:             i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return out, nil
}

// Start opens the input stream and begins the read loop. Idempotent while
// a session is active.
func (c *Capturer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return nil
	}

	dev, err := c.pickDevice()
	if err != nil {
		return errors.Wrap(err, errors.CodeAudioCaptureFailed, "select input device")
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(c.sampleRate),
		FramesPerBuffer: c.framesPerBuf,
	}

	buf := make([]int16, c.framesPerBuf)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return errors.Wrapf(err, errors.CodeAudioCaptureFailed, "open stream on %s", dev.Name)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return errors.Wrapf(err, errors.CodeAudioCaptureFailed, "start stream on %s", dev.Name)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{stream: stream, cancel: cancel}
	c.active = sess

	slog.Info("started audio capture", "device", dev.Name, "sample_rate", c.sampleRate, "chunk", c.framesPerBuf)

	go func() {
		defer sess.stop()
		for {
			select {
			case <-sessCtx.Done():
				return
			default:
			}

			if err := stream.Read(); err != nil {
				if err == portaudio.InputOverflowed {
					// Buffer still holds samples; keep going.
					slog.Debug("input overflow", "device", dev.Name)
				} else {
					slog.Warn("audio read error, capture stopping", "device", dev.Name, "error", err)
					return
				}
			}

			chunk := Chunk{
				Data:      append([]int16(nil), buf...),
				Timestamp: time.Now().UnixNano(),
			}

			select {
			case c.outCh <- chunk:
			default:
				slog.Warn("audio buffer full, dropping chunk", "device", dev.Name)
			}
		}
	}()

	return nil
}

func (c *Capturer) pickDevice() (*portaudio.DeviceInfo, error) {
	if c.deviceName != "" {
		devs, err := portaudio.Devices()
		if err != nil {
			return nil, err
		}
		for _, d := range devs {
			if d.MaxInputChannels >= 1 && containsIgnoreCase(d.Name, c.deviceName) {
				return d, nil
			}
		}
		slog.Warn("configured input device not found, using default", "device", c.deviceName)
	}
	return portaudio.DefaultInputDevice()
}

func (s *session) stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.stream != nil {
			_ = s.stream.Stop()
			_ = s.stream.Close()
		}
	})
}

// Stop ends the active read session. The capturer can be started again.
func (c *Capturer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		c.active.stop()
		c.active = nil
	}
}

// Close stops capture and releases the audio backend.
func (c *Capturer) Close() {
	c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		_ = portaudio.Terminate()
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
