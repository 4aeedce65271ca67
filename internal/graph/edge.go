// Package graph stores typed, directed knowledge edges between record ids.
//
// Edges live in their own SQLite file and never dereference record content.
// Endpoints may point at records that were soft-deleted or never existed in
// the caller's scope; consumers re-fetch endpoints from the record store and
// treat a missing or inactive endpoint as data.
package graph

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

// EdgeType names a relation between two ids.
type EdgeType string

const (
	EdgeContradicts EdgeType = "CONTRADICTS"
	EdgeSupersedes  EdgeType = "SUPERSEDES"
	EdgeQualifies   EdgeType = "QUALIFIES"
	EdgeDerivedFrom EdgeType = "DERIVED_FROM"
	EdgeDependsOn   EdgeType = "DEPENDS_ON"
	EdgeResolved    EdgeType = "RESOLVED"
)

// EdgeTypes lists every edge type.
var EdgeTypes = []EdgeType{
	EdgeContradicts, EdgeSupersedes, EdgeQualifies, EdgeDerivedFrom, EdgeDependsOn, EdgeResolved,
}

// Valid reports whether t is a known edge type.
func (t EdgeType) Valid() bool {
	for _, known := range EdgeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEdgeType parses a case-insensitive edge type.
func ParseEdgeType(s string) (EdgeType, error) {
	t := EdgeType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", expertise.NewValidationError("edge_type", fmt.Sprintf("unknown edge type %q", s))
	}
	return t, nil
}

// ErrEdgeNotFound is returned by lookups that must surface a missing edge.
var ErrEdgeNotFound = fmt.Errorf("edge %w", expertise.ErrNotFound)

// Edge is a KnowledgeEdge.
type Edge struct {
	ID       string         `json:"id"`
	SourceID string         `json:"source_id"`
	TargetID string         `json:"target_id"`
	Type     EdgeType       `json:"edge_type"`
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`

	// ResolutionID is set once a CONTRADICTS edge has been acted on.
	ResolutionID string `json:"resolution_id,omitempty"`
}

// timeNow is a variable for testing purposes.
var timeNow = time.Now

// NewEdge creates an edge with a fresh id.
func NewEdge(source, target string, t EdgeType, createdBy string, metadata map[string]any) *Edge {
	return &Edge{
		ID:        uuid.New().String(),
		SourceID:  source,
		TargetID:  target,
		Type:      t,
		Metadata:  metadata,
		CreatedAt: timeNow().UTC(),
		CreatedBy: createdBy,
	}
}

// Validate checks an edge before it is written.
func (e *Edge) Validate() error {
	switch {
	case e.ID == "":
		return expertise.NewValidationError("id", "must not be empty")
	case e.SourceID == "":
		return expertise.NewValidationError("source_id", "must not be empty")
	case e.TargetID == "":
		return expertise.NewValidationError("target_id", "must not be empty")
	case !e.Type.Valid():
		return expertise.NewValidationError("edge_type", fmt.Sprintf("unknown edge type %q", e.Type))
	}
	return nil
}

// Resolved reports whether the edge has been acted on.
func (e *Edge) Resolved() bool {
	return e.ResolutionID != ""
}

// Other returns the endpoint opposite id, or "" when id is not an endpoint.
func (e *Edge) Other(id string) string {
	switch id {
	case e.SourceID:
		return e.TargetID
	case e.TargetID:
		return e.SourceID
	}
	return ""
}

// Field names accepted by UpdateEdge.
const (
	FieldResolutionID = "resolution_id"
	FieldMetadata     = "metadata"
)

// Stats summarizes the graph.
type Stats struct {
	TotalEdges               int              `json:"total_edges"`
	ByType                   map[EdgeType]int `json:"by_type"`
	UnresolvedContradictions int              `json:"unresolved_contradictions"`
	ResolvedContradictions   int              `json:"resolved_contradictions"`
}

var errNilEdge = errors.New("edge is nil")
