// Package parser turns free-form vision-model completions into structured
// yes/no/error verdicts. The prompt asks models for an "Observations:" line
// followed by an "Answer: yes|no" line, but real completions drift, so the
// answer extraction falls through a cascade of progressively looser matches.
package parser

import (
	"regexp"
	"strings"
)

// Answer is a model's parsed classification answer.
type Answer string

const (
	// AnswerYes means the model judged the image to be a hot dog.
	AnswerYes Answer = "yes"

	// AnswerNo means the model judged the image to not be a hot dog.
	AnswerNo Answer = "no"

	// AnswerError means no unambiguous yes/no could be extracted.
	AnswerError Answer = "error"
)

// Valid reports whether a is one of the known answer values.
func (a Answer) Valid() bool {
	return a == AnswerYes || a == AnswerNo || a == AnswerError
}

// Verdict is the structured fragment parsed from a raw completion.
type Verdict struct {
	Answer    Answer `json:"answer"`
	Reasoning string `json:"reasoning"`
}

var (
	// answerLineRe matches the prompt's expected "Answer: yes|no" line.
	answerLineRe = regexp.MustCompile(`(?m)^answer[ \t]*:[ \t]*(yes|no)[ \t]*\r?$`)

	// observationsRe matches the prompt's "Observations: ..." line.
	observationsRe = regexp.MustCompile(`(?mi)^observations[ \t]*:[ \t]*(.+)$`)

	// phraseAnswerRe matches prose like "the answer is yes".
	phraseAnswerRe = regexp.MustCompile(
		`(?:answer|response|result|verdict)\s*(?:is|should be|would be|:)\s*['"]?(yes|no)['"]?`)

	leadingJunkRe  = regexp.MustCompile(`^["'\s*]+`)
	trailingJunkRe = regexp.MustCompile(`["'\s.*]+$`)
)

// Parse extracts the answer and reasoning from a raw model completion.
// It is a pure function: identical input always yields an identical verdict.
func Parse(raw string) Verdict {
	return Verdict{
		Answer:    ParseAnswer(raw),
		Reasoning: ParseObservations(raw),
	}
}

// ParseObservations extracts the Observations line from a completion.
// Falls back to the full trimmed text so there is always something to show.
func ParseObservations(raw string) string {
	if raw == "" {
		return ""
	}

	if m := observationsRe.FindStringSubmatch(strings.TrimSpace(raw)); m != nil {
		return strings.TrimSpace(m[1])
	}

	return strings.TrimSpace(raw)
}

// ParseAnswer extracts "yes" or "no" from a completion, returning
// AnswerError when no unambiguous answer is present. Text containing both
// tokens without a definitive answer line (e.g. "yes and no") is an error,
// never a guess.
func ParseAnswer(raw string) Answer {
	if strings.TrimSpace(raw) == "" {
		return AnswerError
	}

	text := strings.ToLower(strings.TrimSpace(raw))

	// The prompt's expected format: an explicit "Answer: yes/no" line.
	if m := answerLineRe.FindStringSubmatch(text); m != nil {
		return Answer(m[1])
	}

	// The prompt asks for the answer on the final line.
	lastLine := text
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		lastLine = text[idx+1:]
	}

	if a := exactYesNo(stripJunk(lastLine)); a != "" {
		return a
	}

	stripped := stripJunk(text)

	if a := exactYesNo(stripped); a != "" {
		return a
	}

	// Leading yes/no, but only when the opposite token is absent so that
	// "yes and no" style hedging is not silently accepted.
	if strings.HasPrefix(stripped, "yes") && !strings.Contains(stripped, "no") {
		return AnswerYes
	}

	if strings.HasPrefix(stripped, "no") && !strings.Contains(stripped, "yes") {
		return AnswerNo
	}

	// Definitive phrases.
	if strings.Contains(stripped, "is a hot dog") ||
		strings.Contains(stripped, "is a hotdog") {
		return AnswerYes
	}

	if strings.Contains(stripped, "not a hot dog") ||
		strings.Contains(stripped, "not a hotdog") {
		return AnswerNo
	}

	// "answer is yes" style prose.
	if m := phraseAnswerRe.FindStringSubmatch(stripped); m != nil {
		return Answer(m[1])
	}

	// Last resort: exactly one of the two tokens anywhere in the text.
	hasYes := strings.Contains(stripped, "yes")
	hasNo := strings.Contains(stripped, "no")

	switch {
	case hasYes && !hasNo:
		return AnswerYes
	case hasNo && !hasYes:
		return AnswerNo
	}

	return AnswerError
}

// stripJunk removes surrounding quotes, whitespace, asterisks and trailing
// punctuation that models like to wrap their answers in.
func stripJunk(s string) string {
	s = leadingJunkRe.ReplaceAllString(s, "")

	return trailingJunkRe.ReplaceAllString(s, "")
}

// exactYesNo returns the answer when s is exactly "yes" or "no".
func exactYesNo(s string) Answer {
	switch s {
	case "yes":
		return AnswerYes
	case "no":
		return AnswerNo
	}

	return ""
}
