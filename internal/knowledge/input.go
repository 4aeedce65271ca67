package knowledge

import (
	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

// DefaultConfidence applies when a manually added record states none.
const DefaultConfidence = 0.8

// RecordInput is a manually authored record as accepted by the CLI, the
// HTTP API and the MCP tools.
type RecordInput struct {
	Type                   string   `json:"type" jsonschema:"BOUNDARY, FAILURE, CONVENTION, DECISION, PATTERN or INSIGHT"`
	Domain                 string   `json:"domain" jsonschema:"knowledge domain, for example golang"`
	Content                string   `json:"content" jsonschema:"the expertise itself"`
	Project                string   `json:"project,omitempty"`
	Confidence             float64  `json:"confidence,omitempty" jsonschema:"0 to 1, defaults to 0.8"`
	Severity               string   `json:"severity,omitempty" jsonschema:"CRITICAL, HIGH, MEDIUM or LOW"`
	Tags                   []string `json:"tags,omitempty"`
	SourceAgent            string   `json:"source_agent,omitempty"`
	Name                   string   `json:"name,omitempty"`
	Example                string   `json:"example,omitempty"`
	Rationale              string   `json:"rationale,omitempty"`
	AlternativesConsidered []string `json:"alternatives_considered,omitempty"`
	Resolution             string   `json:"resolution,omitempty"`
}

// Build validates the input and creates a new active record from it.
func (in RecordInput) Build() (*expertise.Record, error) {
	t, err := expertise.ParseRecordType(in.Type)
	if err != nil {
		return nil, err
	}
	conf := in.Confidence
	if conf == 0 {
		conf = DefaultConfidence
	}
	rec, err := expertise.NewRecord(t, in.Domain, in.Content, conf)
	if err != nil {
		return nil, err
	}
	if in.Severity != "" {
		if rec.Severity, err = expertise.ParseSeverity(in.Severity); err != nil {
			return nil, err
		}
	}
	rec.Project = in.Project
	rec.Tags = in.Tags
	rec.SourceAgent = in.SourceAgent
	rec.Name = in.Name
	rec.Example = in.Example
	rec.Rationale = in.Rationale
	rec.AlternativesConsidered = in.AlternativesConsidered
	rec.Resolution = in.Resolution
	return rec, nil
}
