package http

import (
	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/extraction"
	"github.com/fyrsmithlabs/expertd/internal/knowledge"
	"github.com/fyrsmithlabs/expertd/internal/resolution"
	"github.com/fyrsmithlabs/expertd/internal/staleness"
	"github.com/fyrsmithlabs/expertd/internal/telemetry"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string                  `json:"status"`
	Version      string                  `json:"version,omitempty"`
	Records      int                     `json:"records"`
	Indexed      int                     `json:"indexed"`
	NLIAvailable bool                    `json:"nli_available"`
	Telemetry    *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// RecordsResponse lists records.
type RecordsResponse struct {
	Records []*expertise.Record `json:"records"`
	Count   int                 `json:"count"`
}

// SearchResponse lists search hits.
type SearchResponse struct {
	Query string                `json:"query"`
	Hits  []knowledge.SearchHit `json:"hits"`
}

// CreateDomainRequest is the body of POST /api/v1/domains.
type CreateDomainRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// DomainsResponse lists domains.
type DomainsResponse struct {
	Domains []expertise.Domain `json:"domains"`
}

// ExtractBatchRequest is the body of POST /api/v1/extract.
type ExtractBatchRequest struct {
	Conversations []extraction.Conversation `json:"conversations"`
	Mode          string                    `json:"mode,omitempty"`
	DefaultDomain string                    `json:"default_domain,omitempty"`
}

// ExtractTextRequest is the body of POST /api/v1/extract/text.
type ExtractTextRequest struct {
	Text           string `json:"text"`
	Domain         string `json:"domain,omitempty"`
	Project        string `json:"project,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Agent          string `json:"agent,omitempty"`
	Mode           string `json:"mode,omitempty"`
}

// ExtractTextResponse lists the outcome of every candidate.
type ExtractTextResponse struct {
	Outcomes []extraction.Outcome `json:"outcomes"`
}

// ConversationRecordsResponse lists the records extracted from a conversation.
type ConversationRecordsResponse struct {
	ConversationID string   `json:"conversation_id"`
	RecordIDs      []string `json:"record_ids"`
}

// StaleResponse lists stale records.
type StaleResponse struct {
	Threshold float64            `json:"threshold"`
	Records   []staleness.Scored `json:"records"`
}

// PruneRequest is the body of POST /api/v1/prune. A missing threshold uses
// the configured one.
type PruneRequest struct {
	Threshold *float64 `json:"threshold,omitempty"`
	DryRun    bool     `json:"dry_run"`
}

// ContradictionsResponse lists contradiction edges.
type ContradictionsResponse struct {
	Contradictions []knowledge.ContradictionView `json:"contradictions"`
}

// ResolveRequest is the body of POST /api/v1/graph/edges/:id/resolve.
type ResolveRequest struct {
	Strategy string `json:"strategy"`
	resolution.Params
}

// CheckResponse is the body of GET /api/v1/check.
type CheckResponse struct {
	Passed bool `json:"passed"`
	*knowledge.CheckReport
}

// ScrubRequest is the body of POST /api/v1/scrub.
type ScrubRequest struct {
	Content string `json:"content"`
}

// ScrubResponse is the body of POST /api/v1/scrub.
type ScrubResponse struct {
	Content       string         `json:"content"`
	FindingsCount int            `json:"findings_count"`
	ByRule        map[string]int `json:"by_rule,omitempty"`
}
