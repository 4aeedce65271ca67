package knowledge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/expertd/internal/contradiction"
	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/graph"
	"github.com/fyrsmithlabs/expertd/internal/prime"
	"github.com/fyrsmithlabs/expertd/internal/provenance"
	"github.com/fyrsmithlabs/expertd/internal/resolution"
	"github.com/fyrsmithlabs/expertd/internal/staleness"
)

// detectorCreatedBy tags CONTRADICTS edges promoted from candidates.
const detectorCreatedBy = "contradiction_detector"

// PrimeRequest selects and budgets records for a prime.
type PrimeRequest struct {
	Domain    string       `json:"domain,omitempty"`
	Project   string       `json:"project,omitempty"`
	Tags      []string     `json:"tags,omitempty"`
	MaxTokens int          `json:"max_tokens,omitempty"`
	Format    prime.Format `json:"format,omitempty"`
	// SkipGraph disables supersession filtering and annotations.
	SkipGraph bool `json:"skip_graph,omitempty"`
}

// PrimeResponse is a packed selection and its rendering.
type PrimeResponse struct {
	Result   *prime.Result `json:"result"`
	Format   prime.Format  `json:"format"`
	Rendered string        `json:"rendered"`
}

// Prime selects the highest priority records that fit the token budget.
// Inactive records are loaded so the result can count them as filtered.
func (s *Service) Prime(ctx context.Context, req PrimeRequest) (*PrimeResponse, error) {
	format, err := prime.ParseFormat(string(req.Format))
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.cfg.PrimeMaxTokens
	}

	recs, err := s.records.Query(ctx, expertise.Filter{
		Domain:          req.Domain,
		Project:         req.Project,
		Tags:            req.Tags,
		IncludeInactive: true,
	})
	if err != nil {
		return nil, err
	}

	var g prime.Graph
	if !req.SkipGraph {
		g = s.graph
	}
	res, err := prime.Prioritize(ctx, recs, maxTokens, g)
	if err != nil {
		return nil, err
	}
	rendered, err := s.formatter.Format(res, format)
	if err != nil {
		return nil, err
	}
	return &PrimeResponse{Result: res, Format: format, Rendered: rendered}, nil
}

// StalenessThreshold returns the configured staleness threshold.
func (s *Service) StalenessThreshold() float64 {
	return s.staleness.Threshold()
}

// Stale lists active records scoring at or above threshold. The threshold is
// used as given; callers without one pass StalenessThreshold.
func (s *Service) Stale(ctx context.Context, threshold float64, domain string) ([]staleness.Scored, error) {
	return s.staleness.GetStaleRecords(ctx, threshold, domain)
}

// Prune deactivates stale records and drops them from the index.
func (s *Service) Prune(ctx context.Context, threshold float64, dryRun bool) (*staleness.PruneResult, error) {
	res, err := s.staleness.Prune(ctx, threshold, dryRun)
	if err != nil {
		return res, err
	}
	if !dryRun {
		for _, e := range res.Pruned {
			s.unindex(ctx, e.RecordID)
		}
	}
	return res, nil
}

// GraphStats summarizes the edge graph.
func (s *Service) GraphStats(ctx context.Context) (*graph.Stats, error) {
	return s.graph.Stats(ctx)
}

// ContradictionView is a CONTRADICTS edge with both endpoints loaded. A nil
// endpoint was never stored; an endpoint that is not active was deleted.
type ContradictionView struct {
	Edge          *graph.Edge       `json:"edge"`
	Source        *expertise.Record `json:"source,omitempty"`
	Target        *expertise.Record `json:"target,omitempty"`
	SourceDeleted bool              `json:"source_deleted"`
	TargetDeleted bool              `json:"target_deleted"`
}

// Contradictions lists CONTRADICTS edges with hydrated endpoints. A domain
// keeps edges with at least one endpoint in it.
func (s *Service) Contradictions(ctx context.Context, domain string, unresolvedOnly bool) ([]ContradictionView, error) {
	edges, err := s.graph.GetContradictions(ctx, unresolvedOnly)
	if err != nil {
		return nil, err
	}
	out := []ContradictionView{}
	for _, e := range edges {
		src, err := s.records.Get(ctx, e.SourceID)
		if err != nil {
			return nil, err
		}
		tgt, err := s.records.Get(ctx, e.TargetID)
		if err != nil {
			return nil, err
		}
		if domain != "" && !inDomain(src, domain) && !inDomain(tgt, domain) {
			continue
		}
		out = append(out, ContradictionView{
			Edge:          e,
			Source:        src,
			Target:        tgt,
			SourceDeleted: src == nil || !src.IsActive,
			TargetDeleted: tgt == nil || !tgt.IsActive,
		})
	}
	return out, nil
}

func inDomain(r *expertise.Record, domain string) bool {
	return r != nil && r.Domain == domain
}

// DetectRequest scopes a detection run to one record or to a domain. Both
// empty scans every active record.
type DetectRequest struct {
	RecordID string `json:"record_id,omitempty"`
	Domain   string `json:"domain,omitempty"`
}

// DetectResult reports a detection run.
type DetectResult struct {
	Checked    int                       `json:"checked"`
	Candidates []contradiction.Candidate `json:"candidates"`
	// CreatedEdges are the CONTRADICTS edges written for new pairs.
	CreatedEdges []string `json:"created_edges"`
	// Existing counts candidates that already share an unresolved edge.
	Existing     int  `json:"existing"`
	NLIAvailable bool `json:"nli_available"`
}

// Detect runs the contradiction detector and promotes each new candidate
// pair to a CONTRADICTS edge. Pairs already joined by an unresolved
// CONTRADICTS edge in either direction are left alone.
func (s *Service) Detect(ctx context.Context, req DetectRequest) (*DetectResult, error) {
	if s.detector == nil {
		return nil, fmt.Errorf("detect: %w: no embedding index configured", expertise.ErrUnavailable)
	}

	var recs []*expertise.Record
	if req.RecordID != "" {
		rec, err := s.GetRecord(ctx, req.RecordID)
		if err != nil {
			return nil, err
		}
		if !rec.IsActive {
			return nil, expertise.NewValidationError("record_id", fmt.Sprintf("record %s is inactive", rec.ID))
		}
		recs = []*expertise.Record{rec}
	} else {
		all, err := s.allActive(ctx, req.Domain)
		if err != nil {
			return nil, err
		}
		recs = all
	}

	res := &DetectResult{
		Candidates:   []contradiction.Candidate{},
		CreatedEdges: []string{},
		NLIAvailable: s.detector.NLIAvailable(ctx),
	}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		cands, err := s.detector.CheckRecord(ctx, rec)
		if err != nil {
			return res, err
		}
		res.Checked++
		for _, c := range cands {
			exists, err := s.unresolvedBetween(ctx, c.RecordID, c.OtherID)
			if err != nil {
				return res, err
			}
			if exists {
				res.Existing++
				continue
			}
			res.Candidates = append(res.Candidates, c)

			meta := map[string]any{
				"similarity":    c.Similarity,
				"nli_available": c.NLIAvailable,
			}
			if c.ContradictionScore != nil {
				meta["contradiction_score"] = *c.ContradictionScore
			}
			id, err := s.graph.CreateEdge(ctx, graph.NewEdge(c.RecordID, c.OtherID, graph.EdgeContradicts, detectorCreatedBy, meta))
			if err != nil {
				return res, err
			}
			res.CreatedEdges = append(res.CreatedEdges, id)
		}
	}

	s.logger.Info("contradiction detection complete",
		zap.Int("checked", res.Checked),
		zap.Int("created", len(res.CreatedEdges)),
		zap.Int("existing", res.Existing),
		zap.Bool("nli_available", res.NLIAvailable),
	)
	return res, nil
}

func (s *Service) unresolvedBetween(ctx context.Context, a, b string) (bool, error) {
	edges, err := s.graph.GetEdgesForRecord(ctx, a, true, true, graph.EdgeContradicts)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.Other(a) == b && !e.Resolved() {
			return true, nil
		}
	}
	return false, nil
}

// Resolve applies a resolution strategy to a CONTRADICTS edge.
func (s *Service) Resolve(ctx context.Context, edgeID string, strategy resolution.Strategy, params resolution.Params) (*resolution.Result, error) {
	return s.engine.Resolve(ctx, edgeID, strategy, params)
}

// Lineage returns the provenance of a stored record.
func (s *Service) Lineage(ctx context.Context, recordID string) (*provenance.Lineage, error) {
	if _, err := s.GetRecord(ctx, recordID); err != nil {
		return nil, err
	}
	return s.tracker.GetFullLineage(ctx, recordID)
}

// RecordsFromConversation lists the records learned from a conversation.
func (s *Service) RecordsFromConversation(ctx context.Context, conversationID string) ([]string, error) {
	return s.tracker.GetRecordsFromConversation(ctx, conversationID)
}
