package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-notes/internal/config"
)

// ErrMalformedResponse marks a backend that answered but whose answer could
// not be decoded. The request reached the model; the payload is unusable.
var ErrMalformedResponse = errors.New("malformed model response")

// Request describes a language model prompt.
type Request struct {
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
	// JSON asks the backend to constrain its output to a JSON object.
	JSON    bool
	TraceID string
}

// Chunk represents streamed model output.
type Chunk struct {
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// RequestFromConfig builds request defaults from config.
func RequestFromConfig(cfg config.LLMConfig) Request {
	return Request{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

// Complete runs req to completion and returns the concatenated output.
func Complete(ctx context.Context, gen Generator, req Request) (string, error) {
	var sb strings.Builder
	err := gen.Generate(ctx, req, func(chunk Chunk) error {
		sb.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

// New builds the generator selected by cfg.Mode.
func New(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, nil), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "openai":
		return NewOpenAIGenerator(cfg.Endpoint, cfg.APIKey, cfg.Model, nil), nil
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}
