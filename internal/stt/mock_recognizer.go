package stt

import (
	"context"

	"github.com/loqalabs/loqa-notes/internal/capture"
)

type mockRecognizer struct {
	text string
}

// NewMockRecognizer returns a recognizer that answers every clip with text.
func NewMockRecognizer(text string) Recognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, clip *capture.Clip, _ string) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, &TranscriptionError{Backend: "mock", Err: err}
	}
	if clip == nil {
		return TranscriptResult{}, &TranscriptionError{Backend: "mock", Err: errNoClip}
	}
	return TranscriptResult{Text: m.text, Confidence: 1}, nil
}
