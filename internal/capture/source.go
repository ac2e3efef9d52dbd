package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrUnknownDuration is returned when a non-WAV file arrives without a
// caller-provided duration.
var ErrUnknownDuration = errors.New("recording duration unknown")

// Source is a device or file that produces one clip per Start/Stop cycle.
type Source interface {
	RequestPermission(ctx context.Context) (bool, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) (*Clip, error)
}

// BufferSource collects little-endian 16-bit PCM written to it and encodes a
// temporary WAV file on Stop. Edge devices stream frames into it over the bus.
type BufferSource struct {
	dir        string
	sampleRate int
	channels   int

	mu      sync.Mutex
	pcm     []byte
	denied  bool
	started bool
	stopped bool
}

func NewBufferSource(dir string, sampleRate, channels int) *BufferSource {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	return &BufferSource{dir: dir, sampleRate: sampleRate, channels: channels}
}

// Deny makes the next permission request fail, mirroring a device that
// reported a refused microphone.
func (b *BufferSource) Deny() {
	b.mu.Lock()
	b.denied = true
	b.mu.Unlock()
}

func (b *BufferSource) RequestPermission(context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.denied, nil
}

func (b *BufferSource) Start(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return errors.New("buffer source already stopped")
	}
	b.started = true
	return nil
}

// Write appends raw PCM. Writes after Stop are rejected.
func (b *BufferSource) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return 0, io.ErrClosedPipe
	}
	b.pcm = append(b.pcm, p...)
	return len(p), nil
}

func (b *BufferSource) Stop(context.Context) (*Clip, error) {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil, errors.New("buffer source not started")
	}
	b.stopped = true
	pcm := b.pcm
	b.pcm = nil
	b.mu.Unlock()

	file, err := os.CreateTemp(b.dir, "loqa_notes_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	clip := NewClip(file.Name(), MIMEWAV, pcmDuration(len(pcm), b.sampleRate, b.channels), true)
	if err := writePCMToWav(file, pcm, b.sampleRate, b.channels); err != nil {
		file.Close()
		_ = clip.Release()
		return nil, err
	}
	if err := file.Close(); err != nil {
		_ = clip.Release()
		return nil, fmt.Errorf("close wav: %w", err)
	}
	return clip, nil
}

func pcmDuration(size, sampleRate, channels int) time.Duration {
	frames := size / 2 / channels
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}, SourceBitDepth: 16}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// FileSource replays an existing audio file, such as an HTTP upload or a file
// named on the command line.
type FileSource struct {
	path     string
	mime     string
	duration time.Duration
	owned    bool
}

// NewFileSource describes the file at path. An empty mime is derived from the
// extension. A zero duration is read from the file for WAV input. When owned
// is true the file is removed once the clip is released.
func NewFileSource(path, mimeType string, duration time.Duration, owned bool) *FileSource {
	if mimeType == "" {
		mimeType = mimeFromPath(path)
	}
	return &FileSource{path: path, mime: mimeType, duration: duration, owned: owned}
}

func (f *FileSource) RequestPermission(context.Context) (bool, error) { return true, nil }

func (f *FileSource) Start(context.Context) error {
	info, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("recording %s is a directory", f.path)
	}
	return nil
}

func (f *FileSource) Stop(context.Context) (*Clip, error) {
	duration := f.duration
	if duration <= 0 {
		if f.mime != MIMEWAV {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDuration, f.mime)
		}
		d, err := wavDuration(f.path)
		if err != nil {
			return nil, err
		}
		duration = d
	}
	return NewClip(f.path, f.mime, duration, f.owned), nil
}

func wavDuration(path string) (time.Duration, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("%s is not a valid wav file", path)
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("seek wav data: %w", err)
	}
	bytesPerSecond := int(dec.SampleRate) * int(dec.NumChans) * int(dec.BitDepth) / 8
	if bytesPerSecond == 0 {
		return 0, fmt.Errorf("%s has an empty wav format", path)
	}
	return time.Duration(dec.PCMSize) * time.Second / time.Duration(bytesPerSecond), nil
}

func mimeFromPath(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".wav":
		return MIMEWAV
	case ".m4a":
		return MIMEM4A
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
