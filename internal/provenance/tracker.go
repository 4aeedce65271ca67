// Package provenance links records to the conversations they were learned
// from through DERIVED_FROM edges (record -> conversation id).
package provenance

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/graph"
)

const createdBy = "provenance_tracker"

// EdgeStore is the part of the graph store the tracker uses.
type EdgeStore interface {
	CreateEdge(ctx context.Context, e *graph.Edge) (string, error)
	FindEdge(ctx context.Context, a, b string, edgeType graph.EdgeType) (*graph.Edge, error)
	GetEdgesForRecord(ctx context.Context, id string, asSource, asTarget bool, edgeType graph.EdgeType) ([]*graph.Edge, error)
}

// Lineage is a record's sources and the records that share them.
type Lineage struct {
	RecordID      string   `json:"record_id"`
	Conversations []string `json:"conversations"`
	// DerivedRecords are siblings learned from any of Conversations.
	DerivedRecords []string `json:"derived_records"`
}

// Tracker records and queries provenance.
type Tracker struct {
	edges  EdgeStore
	logger *zap.Logger
}

// NewTracker creates a tracker.
func NewTracker(edges EdgeStore, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{edges: edges, logger: logger}
}

// RecordExtraction links rec to conversationID and returns the edge id. An
// existing link is reused.
func (t *Tracker) RecordExtraction(ctx context.Context, rec *expertise.Record, conversationID, agent string) (string, error) {
	if rec == nil {
		return "", expertise.NewValidationError("record", "required")
	}
	if conversationID == "" {
		return "", expertise.NewValidationError("conversation_id", "required")
	}

	existing, err := t.edges.FindEdge(ctx, rec.ID, conversationID, graph.EdgeDerivedFrom)
	if err != nil {
		return "", fmt.Errorf("looking up provenance: %w", err)
	}
	if existing != nil && existing.SourceID == rec.ID {
		return existing.ID, nil
	}

	meta := map[string]any{
		"domain": rec.Domain,
		"type":   string(rec.Type),
	}
	if agent != "" {
		meta["agent"] = agent
	}
	id, err := t.edges.CreateEdge(ctx, graph.NewEdge(rec.ID, conversationID, graph.EdgeDerivedFrom, createdBy, meta))
	if err != nil {
		return "", fmt.Errorf("recording provenance for %s: %w", rec.ID, err)
	}
	t.logger.Debug("provenance recorded",
		zap.String("record_id", rec.ID),
		zap.String("conversation_id", conversationID),
	)
	return id, nil
}

// GetConversationsForRecord returns the sorted distinct conversations a
// record was derived from.
func (t *Tracker) GetConversationsForRecord(ctx context.Context, recordID string) ([]string, error) {
	edges, err := t.edges.GetEdgesForRecord(ctx, recordID, true, false, graph.EdgeDerivedFrom)
	if err != nil {
		return nil, fmt.Errorf("loading provenance of %s: %w", recordID, err)
	}
	return distinct(edges, func(e *graph.Edge) string { return e.TargetID }), nil
}

// GetRecordsFromConversation returns the sorted distinct records learned
// from a conversation.
func (t *Tracker) GetRecordsFromConversation(ctx context.Context, conversationID string) ([]string, error) {
	edges, err := t.edges.GetEdgesForRecord(ctx, conversationID, false, true, graph.EdgeDerivedFrom)
	if err != nil {
		return nil, fmt.Errorf("loading records of conversation %s: %w", conversationID, err)
	}
	return distinct(edges, func(e *graph.Edge) string { return e.SourceID }), nil
}

// GetFullLineage returns forward lineage plus sibling records.
func (t *Tracker) GetFullLineage(ctx context.Context, recordID string) (*Lineage, error) {
	convs, err := t.GetConversationsForRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	siblings := make(map[string]struct{})
	for _, conv := range convs {
		ids, err := t.GetRecordsFromConversation(ctx, conv)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if id != recordID {
				siblings[id] = struct{}{}
			}
		}
	}

	derived := make([]string, 0, len(siblings))
	for id := range siblings {
		derived = append(derived, id)
	}
	sort.Strings(derived)

	if convs == nil {
		convs = []string{}
	}
	return &Lineage{RecordID: recordID, Conversations: convs, DerivedRecords: derived}, nil
}

func distinct(edges []*graph.Edge, key func(*graph.Edge) string) []string {
	seen := make(map[string]struct{}, len(edges))
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		k := key(e)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
