package stt

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-notes/internal/capture"
	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/language"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Blank reports whether the transcript carries no speech.
func (r TranscriptResult) Blank() bool {
	return strings.TrimSpace(r.Text) == ""
}

// Recognizer abstracts STT backends. lang is an ISO 639-1 code or
// language.Auto.
type Recognizer interface {
	Transcribe(ctx context.Context, clip *capture.Clip, lang string) (TranscriptResult, error)
}

// TranscriptionError wraps every failure of a transcription backend.
type TranscriptionError struct {
	Backend string
	Status  int
	Err     error
}

func (e *TranscriptionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transcription via %s failed with status %d: %v", e.Backend, e.Status, e.Err)
	}
	return fmt.Sprintf("transcription via %s failed: %v", e.Backend, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// New builds the recognizer selected by cfg.Mode.
func New(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(cfg.MockText), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "openai":
		return NewOpenAIRecognizer(cfg, nil), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

func languageHint(lang string) string {
	if lang == "" || lang == language.Auto {
		return ""
	}
	return lang
}
