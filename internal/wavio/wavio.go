// Package wavio handles reading and writing 16-bit PCM WAV files.
package wavio

import (
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/GriffinCanCode/voice-capture/internal/errors"
)

// Write writes int16 samples to a 16-bit PCM WAV file.
func Write(path string, samples []int16, sampleRate, channels int) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, errors.CodeStorageFailed, "create %s", path)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i := range samples {
		buf.Data[i] = int(samples[i])
	}
	if err := enc.Write(buf); err != nil {
		enc.Close()
		return errors.Wrapf(err, errors.CodeStorageFailed, "encode %s", path)
	}
	if err := enc.Close(); err != nil {
		return errors.Wrapf(err, errors.CodeStorageFailed, "close %s", path)
	}
	return nil
}

// ReadInt16 reads a WAV file fully, returning its samples and sample rate.
func ReadInt16(path string) ([]int16, int, error) {
	buf, err := readFull(path)
	if err != nil {
		return nil, 0, err
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return samples, buf.Format.SampleRate, nil
}

// ReadFloat32 reads a WAV file fully as float32 samples normalized to [-1, 1),
// the layout the transcription model consumes.
func ReadFloat32(path string) ([]float32, int, error) {
	buf, err := readFull(path)
	if err != nil {
		return nil, 0, err
	}
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / 32768.0
	}
	return samples, buf.Format.SampleRate, nil
}

// Duration returns the play time of a WAV file.
func Duration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, errors.CodeStorageFailed, "open %s", path)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, errors.Newf(errors.CodeAudioInvalidFormat, "not a valid wav file: %s", path)
	}
	d, err := dec.Duration()
	if err != nil {
		return 0, errors.Wrapf(err, errors.CodeAudioInvalidFormat, "duration of %s", path)
	}
	return d, nil
}

func readFull(path string) (*audio.IntBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeStorageFailed, "open %s", path)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, errors.Newf(errors.CodeAudioInvalidFormat, "not a valid wav file: %s", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeAudioInvalidFormat, "decode %s", path)
	}
	return buf, nil
}
