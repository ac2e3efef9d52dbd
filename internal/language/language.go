// Package language resolves transcription language hints.
package language

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// Auto asks the transcription backend to detect the spoken language.
const Auto = "auto"

// Fallback is used when a device locale matches nothing we support.
const Fallback = "en"

var ErrUnsupported = errors.New("unsupported language")

// Language is an entry of the language selector.
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

var supported = []Language{
	{Code: "en", Name: "English"},
	{Code: "es", Name: "Español"},
	{Code: "fr", Name: "Français"},
	{Code: "de", Name: "Deutsch"},
	{Code: "it", Name: "Italiano"},
	{Code: "pt", Name: "Português"},
	{Code: "zh", Name: "中文"},
	{Code: "ko", Name: "한국어"},
}

var matcher = language.NewMatcher(tags())

func tags() []language.Tag {
	out := make([]language.Tag, 0, len(supported))
	for _, l := range supported {
		out = append(out, language.Make(l.Code))
	}
	return out
}

// Supported returns the selectable languages in display order.
func Supported() []Language {
	return append([]Language(nil), supported...)
}

// Normalize validates a language hint and reduces it to its ISO 639-1 base
// code. "auto" is passed through.
func Normalize(code string) (string, error) {
	code = strings.TrimSpace(code)
	if strings.EqualFold(code, Auto) {
		return Auto, nil
	}
	if code == "" {
		return "", fmt.Errorf("%w: empty code", ErrUnsupported)
	}
	tag, err := language.Parse(code)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, code)
	}
	base, _ := tag.Base()
	for _, l := range supported {
		if l.Code == base.String() {
			return l.Code, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupported, code)
}

// FromLocale maps a device locale such as "fr_FR.UTF-8" or "pt-BR" to the
// closest supported code.
func FromLocale(locale string) string {
	locale = strings.TrimSpace(locale)
	if i := strings.IndexAny(locale, ".@"); i >= 0 {
		locale = locale[:i]
	}
	locale = strings.ReplaceAll(locale, "_", "-")
	if locale == "" || locale == "C" || locale == "POSIX" {
		return Fallback
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return Fallback
	}
	_, index, confidence := matcher.Match(tag)
	if confidence == language.No {
		return Fallback
	}
	return supported[index].Code
}
