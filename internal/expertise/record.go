// Package expertise defines the expertise record model and its query vocabulary.
//
// A Record is a unit of durable knowledge extracted from conversations:
// a convention, pattern, failure, decision, boundary or insight, scoped to a
// domain and optionally a project. Records are never physically deleted;
// they are soft-deleted by flipping IsActive to false.
package expertise

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RecordType is the closed set of knowledge kinds.
type RecordType string

const (
	// TypeConvention is a rule the team follows ("always wrap errors").
	TypeConvention RecordType = "CONVENTION"

	// TypePattern is a reusable approach or recipe.
	TypePattern RecordType = "PATTERN"

	// TypeFailure is something that broke, optionally with its resolution.
	TypeFailure RecordType = "FAILURE"

	// TypeDecision is a choice made with a rationale.
	TypeDecision RecordType = "DECISION"

	// TypeBoundary is a hard constraint that must not be crossed.
	TypeBoundary RecordType = "BOUNDARY"

	// TypeInsight is a learned observation.
	TypeInsight RecordType = "INSIGHT"
)

// RecordTypes lists every valid record type in display order.
var RecordTypes = []RecordType{
	TypeBoundary,
	TypeFailure,
	TypeConvention,
	TypeDecision,
	TypePattern,
	TypeInsight,
}

// Valid reports whether t is one of the known record types.
func (t RecordType) Valid() bool {
	switch t {
	case TypeConvention, TypePattern, TypeFailure, TypeDecision, TypeBoundary, TypeInsight:
		return true
	}
	return false
}

// ParseRecordType parses a case-insensitive record type name.
func ParseRecordType(s string) (RecordType, error) {
	t := RecordType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", NewValidationError("type", fmt.Sprintf("unknown record type %q", s))
	}
	return t, nil
}

// Severity grades FAILURE and BOUNDARY records.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Valid reports whether s is a known severity. The empty severity is valid.
func (s Severity) Valid() bool {
	switch s {
	case "", SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// ParseSeverity parses a case-insensitive severity. Empty input yields no severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", NewValidationError("severity", fmt.Sprintf("unknown severity %q", s))
	}
	return sev, nil
}

// Record is an ExpertiseRecord.
type Record struct {
	ID         string     `json:"id"`
	Type       RecordType `json:"type"`
	Domain     string     `json:"domain"`
	Content    string     `json:"content"`
	Project    string     `json:"project,omitempty"`
	Confidence float64    `json:"confidence"`
	Severity   Severity   `json:"severity,omitempty"`

	// ValidationCount starts at 1 and only grows through reinforcement.
	ValidationCount int `json:"validation_count"`

	CreatedAt time.Time `json:"created_at"`

	// LastValidated drives staleness decay.
	LastValidated time.Time `json:"last_validated"`

	IsActive bool `json:"is_active"`

	SourceConversationID string   `json:"source_conversation_id,omitempty"`
	SourceAgent          string   `json:"source_agent,omitempty"`
	Tags                 []string `json:"tags,omitempty"`

	// Type-specific optional fields.
	Name                   string   `json:"name,omitempty"`
	Example                string   `json:"example,omitempty"`
	Rationale              string   `json:"rationale,omitempty"`
	AlternativesConsidered []string `json:"alternatives_considered,omitempty"`
	Resolution             string   `json:"resolution,omitempty"`
}

// timeNow is swapped in tests.
var timeNow = time.Now

// NewRecord creates an active record with a fresh id, validation count 1 and
// both timestamps set to now.
func NewRecord(recordType RecordType, domain, content string, confidence float64) (*Record, error) {
	now := timeNow().UTC()
	r := &Record{
		ID:              uuid.New().String(),
		Type:            recordType,
		Domain:          strings.TrimSpace(domain),
		Content:         strings.TrimSpace(content),
		Confidence:      confidence,
		ValidationCount: 1,
		CreatedAt:       now,
		LastValidated:   now,
		IsActive:        true,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks the record invariants.
func (r *Record) Validate() error {
	if r.ID == "" {
		return NewValidationError("id", "must not be empty")
	}
	if !r.Type.Valid() {
		return NewValidationError("type", fmt.Sprintf("unknown record type %q", r.Type))
	}
	if strings.TrimSpace(r.Content) == "" {
		return NewValidationError("content", "must not be empty")
	}
	if strings.TrimSpace(r.Domain) == "" {
		return NewValidationError("domain", "must not be empty")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return NewValidationError("confidence", fmt.Sprintf("must be within [0,1], got %v", r.Confidence))
	}
	if !r.Severity.Valid() {
		return NewValidationError("severity", fmt.Sprintf("unknown severity %q", r.Severity))
	}
	if r.ValidationCount < 1 {
		return NewValidationError("validation_count", "must be >= 1")
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Tags = append([]string(nil), r.Tags...)
	c.AlternativesConsidered = append([]string(nil), r.AlternativesConsidered...)
	return &c
}

// HasTag reports whether the record carries tag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// WordCount is the whitespace-separated word count of the content.
func (r *Record) WordCount() int {
	return len(strings.Fields(r.Content))
}

// UnionTags merges tag sets preserving first-seen order.
func UnionTags(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, set := range sets {
		for _, t := range set {
			if _, ok := seen[t]; ok || t == "" {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
