// Package capture turns microphone input or uploaded audio into clips the
// transcription gateway can read.
package capture

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	MIMEWAV = "audio/wav"
	MIMEM4A = "audio/m4a"
)

// Clip is a finished recording on disk. An owned clip removes its file on
// Release; a borrowed one (a user's own file) is left alone.
type Clip struct {
	Path     string
	MIME     string
	Duration time.Duration

	owned bool
	once  sync.Once
	err   error
}

// NewClip wraps a recording at path. When owned is true the file is deleted on
// Release.
func NewClip(path, mime string, duration time.Duration, owned bool) *Clip {
	return &Clip{Path: path, MIME: mime, Duration: duration, owned: owned}
}

// Release removes the backing file of an owned clip. Safe to call repeatedly
// and on a nil clip.
func (c *Clip) Release() error {
	if c == nil {
		return nil
	}
	c.once.Do(func() {
		if !c.owned {
			return
		}
		if err := os.Remove(c.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.err = err
		}
	})
	return c.err
}

// Filename is the name sent to remote transcription APIs.
func (c *Clip) Filename() string {
	if ext := filepath.Ext(c.Path); ext != "" && !strings.HasPrefix(ext, ".tmp") {
		return "recording" + ext
	}
	switch c.MIME {
	case MIMEM4A:
		return "recording.m4a"
	default:
		return "recording.wav"
	}
}
