package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/gramportal/internal/model"
)

//go:embed templates/*.txt
var templateFS embed.FS

var questionTagRegex = regexp.MustCompile(`(?i)</?\s*(question|system-instructions)\b[^>]*>`)

const maxFieldRunes = 2000

// Variant selects how long the drafted explanation should be.
type Variant string

const (
	// VariantBrief asks for one or two sentences.
	VariantBrief Variant = "brief"
	// VariantDetailed asks for a short paragraph that also covers the wrong options.
	VariantDetailed Variant = "detailed"
)

var templates = template.Must(template.ParseFS(templateFS, "templates/*.txt"))

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return templates.Lookup("explain_"+v+".txt") != nil
}

// ExplainData holds template data for explanation prompts.
type ExplainData struct {
	Subject  model.Subject
	Language string
	Text     string
	Options  [4]string
	Correct  model.Option
	Answer   string
}

// BuildExplainPrompt renders the system prompt asking for an explanation of q.
func BuildExplainPrompt(variant Variant, subject model.Subject, lang string, q model.Question) (string, error) {
	tmpl := templates.Lookup("explain_" + string(variant) + ".txt")
	if tmpl == nil {
		return "", fmt.Errorf("invalid prompt variant: %s", variant)
	}
	if lang == "" {
		lang = "English"
	}
	data := ExplainData{
		Subject:  subject,
		Language: lang,
		Text:     sanitize(q.Text),
		Options:  [4]string{sanitize(q.OptionA), sanitize(q.OptionB), sanitize(q.OptionC), sanitize(q.OptionD)},
		Correct:  q.CorrectOption,
		Answer:   sanitize(correctText(q)),
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func correctText(q model.Question) string {
	switch q.CorrectOption {
	case model.OptionA:
		return q.OptionA
	case model.OptionB:
		return q.OptionB
	case model.OptionC:
		return q.OptionC
	case model.OptionD:
		return q.OptionD
	}
	return ""
}

// sanitize strips tags that could break out of the prompt's delimiters.
func sanitize(s string) string {
	s = questionTagRegex.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxFieldRunes {
		s = string([]rune(s)[:maxFieldRunes]) + " [truncated]"
	}
	return s
}
