package prime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

// Format selects a rendering.
type Format string

const (
	FormatStructured Format = "structured"
	FormatProse      Format = "prose"
	FormatPrompt     Format = "prompt"
)

// ParseFormat parses a format name. Empty input yields FormatProse.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatProse, nil
	case FormatStructured, FormatProse, FormatPrompt:
		return f, nil
	default:
		return "", expertise.NewValidationError("format", fmt.Sprintf("unknown format %q (structured, prose, prompt)", s))
	}
}

// proseOrder is the section order of the prose rendering.
var proseOrder = []expertise.RecordType{
	expertise.TypeBoundary,
	expertise.TypeFailure,
	expertise.TypeConvention,
	expertise.TypeDecision,
	expertise.TypePattern,
	expertise.TypeInsight,
}

var proseHeadings = map[expertise.RecordType]string{
	expertise.TypeBoundary:   "Boundaries (never cross these)",
	expertise.TypeFailure:    "Known failures",
	expertise.TypeConvention: "Conventions",
	expertise.TypeDecision:   "Decisions",
	expertise.TypePattern:    "Patterns",
	expertise.TypeInsight:    "Insights",
}

// Formatter renders a Result.
type Formatter struct{}

// NewFormatter creates a formatter.
func NewFormatter() *Formatter {
	return &Formatter{}
}

// Format renders res.
func (f *Formatter) Format(res *Result, format Format) (string, error) {
	switch format {
	case FormatStructured:
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encoding prime result: %w", err)
		}
		return string(out), nil
	case FormatProse, "":
		return f.prose(res), nil
	case FormatPrompt:
		return f.prompt(res), nil
	default:
		return "", expertise.NewValidationError("format", fmt.Sprintf("unknown format %q", format))
	}
}

func (f *Formatter) prose(res *Result) string {
	if len(res.Expertise) == 0 {
		return "No relevant expertise recorded.\n"
	}

	byType := make(map[expertise.RecordType][]Item)
	for _, it := range res.Expertise {
		byType[it.Type] = append(byType[it.Type], it)
	}

	var b strings.Builder
	b.WriteString("# Team expertise\n")
	for _, t := range proseOrder {
		items := byType[t]
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n", proseHeadings[t])
		for _, it := range items {
			b.WriteString("- ")
			b.WriteString(describe(it))
			b.WriteString(annotations(res, it.ID))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (f *Formatter) prompt(res *Result) string {
	var b strings.Builder
	for i, it := range res.Expertise {
		fmt.Fprintf(&b, "%d. [%s] %s%s\n", i+1, it.Type, describe(it), annotations(res, it.ID))
	}
	return b.String()
}

// describe phrases one record for its type.
func describe(it Item) string {
	text := it.Content
	switch it.Type {
	case expertise.TypeBoundary:
		text = "NEVER VIOLATE: " + text
		if it.Severity != "" {
			text += fmt.Sprintf(" (%s)", it.Severity)
		}
	case expertise.TypeFailure:
		if it.Severity != "" {
			text = fmt.Sprintf("[%s] %s", it.Severity, text)
		}
		if it.Resolution != "" {
			text += " Resolution: " + it.Resolution
		}
	case expertise.TypeDecision:
		if it.Rationale != "" {
			text += " Rationale: " + it.Rationale
		}
		if len(it.AlternativesConsidered) > 0 {
			text += " Rejected: " + strings.Join(it.AlternativesConsidered, ", ")
		}
	case expertise.TypePattern:
		if it.Example != "" {
			text += " Example: " + it.Example
		}
	}
	return text
}

func annotations(res *Result, id string) string {
	var notes []string
	if res.Contested(id) {
		notes = append(notes, "[CONTESTED: an unresolved contradiction exists]")
	}
	if q := res.QualifyingNotes[id]; len(q) > 0 {
		notes = append(notes, fmt.Sprintf("[QUALIFIED by %s]", strings.Join(q, ", ")))
	}
	if len(notes) == 0 {
		return ""
	}
	return " " + strings.Join(notes, " ")
}
