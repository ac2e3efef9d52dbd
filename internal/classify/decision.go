// Package classify turns a transcript and the current note summaries into a
// decision to create a note or append to an existing one.
package classify

import (
	"encoding/json"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
)

// Decision is the validated classifier output. Fallback is set when the
// remote answer could not be used and the decision was derived locally.
type Decision struct {
	Action   Action `json:"action"`
	Content  string `json:"content"`
	NoteID   string `json:"noteId,omitempty"`
	Title    string `json:"title,omitempty"`
	Fallback bool   `json:"-"`
}

// Validate checks that the decision carries the field its action requires.
func (d Decision) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Action, validation.Required, validation.In(ActionCreate, ActionUpdate)),
		validation.Field(&d.NoteID, validation.When(d.Action == ActionUpdate, validation.Required)),
		validation.Field(&d.Title, validation.When(d.Action == ActionCreate, validation.Required)),
	)
}

// ParseError describes a remote answer that is not a usable decision.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed classification payload: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseDecision decodes and validates a raw model answer. Markdown code fences
// around the JSON object are tolerated.
func ParseDecision(raw string) (Decision, error) {
	body := stripCodeFence(raw)
	if body == "" {
		return Decision{}, &ParseError{Raw: raw, Err: fmt.Errorf("empty response")}
	}

	var d Decision
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return Decision{}, &ParseError{Raw: raw, Err: err}
	}
	d.Action = Action(strings.ToUpper(strings.TrimSpace(string(d.Action))))
	d.NoteID = strings.TrimSpace(d.NoteID)
	d.Title = strings.TrimSpace(d.Title)

	if err := d.Validate(); err != nil {
		return Decision{}, &ParseError{Raw: raw, Err: err}
	}
	return d, nil
}

func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// drop an info string such as "json"
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
