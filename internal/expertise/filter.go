package expertise

import (
	"fmt"
	"sort"
	"time"
)

// Filter narrows a record query. The zero value returns active records only.
type Filter struct {
	Domain  string
	Type    RecordType
	Project string

	// Tags must all be present on a matching record.
	Tags []string

	// IncludeInactive lifts the default active-only restriction.
	IncludeInactive bool

	MinConfidence float64

	// Search is a case-insensitive substring match over content and name.
	Search string

	Limit  int
	Offset int
}

// Validate rejects malformed filter values.
func (f Filter) Validate() error {
	if f.Type != "" && !f.Type.Valid() {
		return NewValidationError("type", fmt.Sprintf("unknown record type %q", f.Type))
	}
	if f.MinConfidence < 0 || f.MinConfidence > 1 {
		return NewValidationError("min_confidence", "must be within [0,1]")
	}
	if f.Limit < 0 {
		return NewValidationError("limit", "must be >= 0")
	}
	if f.Offset < 0 {
		return NewValidationError("offset", "must be >= 0")
	}
	return nil
}

// Mutable field names accepted by record updates.
const (
	FieldType                   = "type"
	FieldDomain                 = "domain"
	FieldContent                = "content"
	FieldProject                = "project"
	FieldConfidence             = "confidence"
	FieldSeverity               = "severity"
	FieldTags                   = "tags"
	FieldSourceAgent            = "source_agent"
	FieldName                   = "name"
	FieldExample                = "example"
	FieldRationale              = "rationale"
	FieldAlternativesConsidered = "alternatives_considered"
	FieldResolution             = "resolution"
)

var mutableFields = map[string]struct{}{
	FieldType:                   {},
	FieldDomain:                 {},
	FieldContent:                {},
	FieldProject:                {},
	FieldConfidence:             {},
	FieldSeverity:               {},
	FieldTags:                   {},
	FieldSourceAgent:            {},
	FieldName:                   {},
	FieldExample:                {},
	FieldRationale:              {},
	FieldAlternativesConsidered: {},
	FieldResolution:             {},
}

// IsMutableField reports whether name may be passed to an update.
func IsMutableField(name string) bool {
	_, ok := mutableFields[name]
	return ok
}

// MutableFields returns the sorted allowed update field names.
func MutableFields() []string {
	out := make([]string, 0, len(mutableFields))
	for k := range mutableFields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CheckUpdateFields returns a ValidationError naming the first unknown field.
func CheckUpdateFields(fields map[string]any) error {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if !IsMutableField(k) {
			return NewValidationError(k, "field is not updatable")
		}
	}
	return nil
}

// Domain is the aggregate view of a domain over its active records.
type Domain struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	RecordCount int       `json:"record_count"`
	LastUpdated time.Time `json:"last_updated,omitempty"`
}

// DomainStats breaks a domain down by type.
type DomainStats struct {
	Domain
	ByType        map[RecordType]int `json:"by_type"`
	AvgConfidence float64            `json:"avg_confidence"`
}
