package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultMinDuration is the shortest recording worth transcribing.
const DefaultMinDuration = 1000 * time.Millisecond

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
)

// Result is the outcome of Stop. Success is false when the recording was too
// short and has already been released.
type Result struct {
	Success bool
	Clip    *Clip
}

// Recorder drives one Source at a time.
type Recorder struct {
	minDuration time.Duration
	log         *slog.Logger

	mu     sync.Mutex
	source Source
}

func NewRecorder(minDuration time.Duration, log *slog.Logger) *Recorder {
	if minDuration <= 0 {
		minDuration = DefaultMinDuration
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{minDuration: minDuration, log: log.With(slog.String("component", "recorder"))}
}

// Start asks src for permission and begins recording.
func (r *Recorder) Start(ctx context.Context, src Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source != nil {
		return ErrAlreadyRecording
	}

	granted, err := src.RequestPermission(ctx)
	if err != nil {
		return fmt.Errorf("request permission: %w", err)
	}
	if !granted {
		return ErrPermissionDenied
	}
	if err := src.Start(ctx); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	r.source = src
	return nil
}

// Stop finishes the active recording. Clips shorter than the minimum duration
// are released and reported with Success false.
func (r *Recorder) Stop(ctx context.Context) (Result, error) {
	r.mu.Lock()
	src := r.source
	r.source = nil
	r.mu.Unlock()
	if src == nil {
		return Result{}, ErrNotRecording
	}

	clip, err := src.Stop(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("stop recording: %w", err)
	}
	if clip.Duration < r.minDuration {
		if err := clip.Release(); err != nil {
			r.log.Warn("failed to remove short recording", slog.String("error", err.Error()))
		}
		r.log.Info("recording too short, discarded",
			slog.Duration("duration", clip.Duration),
			slog.Duration("minimum", r.minDuration),
		)
		return Result{Success: false}, nil
	}
	return Result{Success: true, Clip: clip}, nil
}

// Recording reports whether a source is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source != nil
}
