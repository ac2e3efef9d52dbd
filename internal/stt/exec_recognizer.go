package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-notes/internal/capture"
	"github.com/loqalabs/loqa-notes/internal/config"
)

var errNoClip = errors.New("no audio clip")

// execRecognizer runs an external transcriber once per clip. The command gets
// --audio <path> [--model m] [--language l] and prints {"text","confidence"}.
type execRecognizer struct {
	cmd       []string
	modelPath string
	mu        sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, modelPath: cfg.ModelPath}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, clip *capture.Clip, lang string) (TranscriptResult, error) {
	if clip == nil {
		return TranscriptResult{}, &TranscriptionError{Backend: "exec", Err: errNoClip}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", clip.Path)
	if r.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.modelPath)
	}
	if hint := languageHint(lang); hint != "" {
		cmdArgs = append(cmdArgs, "--language", hint)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, &TranscriptionError{
			Backend: "exec",
			Err:     fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())),
		}
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, &TranscriptionError{Backend: "exec", Err: fmt.Errorf("decode stt response: %w", err)}
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}, nil
}
