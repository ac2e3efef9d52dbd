package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/llm"
	"github.com/loqalabs/loqa-notes/internal/notes"
)

const (
	DefaultPlaceholder = "Untitled Note"
	DefaultTitleLength = 30
)

// DefaultSystemPrompt instructs the model to answer with a single decision
// object.
const DefaultSystemPrompt = `You organise voice notes. You receive a JSON object with a "transcript" of what the user just said and the "notes" they already have (id and title only).
Decide whether the transcript belongs to one of the existing notes or starts a new one.
Answer with one JSON object and nothing else:
- to add to an existing note: {"action":"UPDATE","noteId":"<id from notes>","content":"<text to append>"}
- to start a new note: {"action":"CREATE","title":"<short title>","content":"<note body>"}
Keep the user's wording in content. Titles are at most a few words.`

// ClassificationError is returned when the language model could not be
// reached or failed to answer. Malformed answers, including undecodable
// response bodies, never produce it.
type ClassificationError struct {
	Err error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed: %v", e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Classifier wraps a generator with prompt construction, validation and the
// deterministic fallback.
type Classifier struct {
	gen         llm.Generator
	base        llm.Request
	system      string
	placeholder string
	titleLength int
	log         *slog.Logger
}

type classificationInput struct {
	Transcript string          `json:"transcript"`
	Notes      []notes.Summary `json:"notes"`
}

func New(gen llm.Generator, cfg config.ClassifierConfig, base llm.Request, logger *slog.Logger) *Classifier {
	c := &Classifier{
		gen:         gen,
		base:        base,
		system:      cfg.SystemPrompt,
		placeholder: cfg.Placeholder,
		titleLength: cfg.TitleLength,
		log:         logger,
	}
	if c.system == "" {
		c.system = DefaultSystemPrompt
	}
	if c.placeholder == "" {
		c.placeholder = DefaultPlaceholder
	}
	if c.titleLength <= 0 {
		c.titleLength = DefaultTitleLength
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With(slog.String("component", "classifier"))
	return c
}

// Classify asks the model for a decision about transcript given the summaries
// of the live notes. Malformed answers are replaced by Fallback.
func (c *Classifier) Classify(ctx context.Context, transcript string, summaries []notes.Summary) (Decision, error) {
	if summaries == nil {
		summaries = []notes.Summary{}
	}
	prompt, err := json.Marshal(classificationInput{Transcript: transcript, Notes: summaries})
	if err != nil {
		return Decision{}, &ClassificationError{Err: fmt.Errorf("encode classification input: %w", err)}
	}

	req := c.base
	req.System = c.system
	req.Prompt = string(prompt)
	req.JSON = true

	raw, err := llm.Complete(ctx, c.gen, req)
	if errors.Is(err, llm.ErrMalformedResponse) {
		c.log.Warn("classification response undecodable, using fallback", slog.String("error", err.Error()))
		return c.Fallback(transcript), nil
	}
	if err != nil {
		return Decision{}, &ClassificationError{Err: err}
	}

	decision, err := ParseDecision(raw)
	if err != nil {
		c.log.Warn("classification payload rejected, using fallback",
			slog.String("error", err.Error()),
			slog.Int("payload_bytes", len(raw)),
		)
		return c.Fallback(transcript), nil
	}
	return decision, nil
}

// Fallback builds the CREATE decision used when the model's answer is
// unusable.
func (c *Classifier) Fallback(transcript string) Decision {
	return Decision{
		Action:   ActionCreate,
		Title:    FallbackTitle(transcript, c.titleLength, c.placeholder),
		Content:  transcript,
		Fallback: true,
	}
}

// FallbackTitle returns the first n characters of the trimmed transcript, or
// placeholder when nothing is left.
func FallbackTitle(transcript string, n int, placeholder string) string {
	trimmed := strings.TrimSpace(transcript)
	if trimmed == "" {
		return placeholder
	}
	runes := []rune(trimmed)
	if len(runes) > n {
		runes = runes[:n]
	}
	return string(runes)
}
