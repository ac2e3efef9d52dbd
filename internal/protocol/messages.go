package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices. A frame
// with Error set carries no audio and reports a device-side failure.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
	Error      string `json:"error,omitempty"`
}

// FrameErrorPermissionDenied is sent by a device whose microphone access was
// refused.
const FrameErrorPermissionDenied = "permission_denied"

// OutcomeKind is the user-observable result of one pipeline run.
type OutcomeKind string

const (
	OutcomeCreated   OutcomeKind = "created"
	OutcomeUpdated   OutcomeKind = "updated"
	OutcomeDiscarded OutcomeKind = "discarded"
	OutcomeNoSpeech  OutcomeKind = "no_speech"
	OutcomeFailed    OutcomeKind = "failed"
)

// Error codes carried by failed outcomes.
const (
	ErrorPermissionDenied = "permission_denied"
	ErrorTranscription    = "transcription"
	ErrorClassification   = "classification"
	ErrorBusy             = "busy"
	ErrorInternal         = "internal"
)

// Outcome is published once per pipeline run.
type Outcome struct {
	RunID          string      `json:"run_id"`
	SessionID      string      `json:"session_id,omitempty"`
	Kind           OutcomeKind `json:"kind"`
	NoteID         string      `json:"note_id,omitempty"`
	Title          string      `json:"title,omitempty"`
	Fallback       bool        `json:"fallback,omitempty"`
	StaleReference bool        `json:"stale_reference,omitempty"`
	EmptyContent   bool        `json:"empty_content,omitempty"`
	Error          string      `json:"error,omitempty"`
	Detail         string      `json:"detail,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// NoteChanged is published after every repository mutation.
type NoteChanged struct {
	Kind      string    `json:"kind"`
	NoteID    string    `json:"note_id,omitempty"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectOutcome          = "notes.outcome"
	SubjectNoteChanged      = "notes.changed"
)
