package resolution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/graph"
)

// createdBy tags every edge and record the engine writes.
const createdBy = "resolution_engine"

// ErrAlreadyResolved is returned for an edge that already carries a
// resolution id when re-resolution is not enabled.
var ErrAlreadyResolved = errors.New("contradiction already resolved")

var resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "expertd_resolutions_total",
	Help: "Resolved contradictions by strategy",
}, []string{"strategy"})

// RecordStore is the part of the record store the engine mutates.
type RecordStore interface {
	Get(ctx context.Context, id string) (*expertise.Record, error)
	Insert(ctx context.Context, r *expertise.Record) (string, error)
	Update(ctx context.Context, id string, fields map[string]any) (bool, error)
	SoftDelete(ctx context.Context, id string) error
}

// EdgeStore is the part of the graph store the engine mutates.
type EdgeStore interface {
	GetEdge(ctx context.Context, id string) (*graph.Edge, error)
	CreateEdge(ctx context.Context, e *graph.Edge) (string, error)
	UpdateEdge(ctx context.Context, id string, fields map[string]any) (bool, error)
}

// Index keeps the embedding index in step with content changes.
type Index interface {
	Add(ctx context.Context, rec *expertise.Record) error
	Remove(ctx context.Context, id string) error
}

// Engine applies resolution strategies.
type Engine struct {
	records   RecordStore
	edges     EdgeStore
	index     Index
	reresolve bool
	logger    *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithReresolve allows acting on an edge that is already resolved. The new
// resolution id replaces the old one and new outcome edges are written.
func WithReresolve(allow bool) Option {
	return func(e *Engine) { e.reresolve = allow }
}

// WithIndex re-embeds rewritten records, indexes merged records and drops
// deactivated ones.
func WithIndex(idx Index) Option {
	return func(e *Engine) { e.index = idx }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine.
func NewEngine(records RecordStore, edges EdgeStore, opts ...Option) *Engine {
	e := &Engine{records: records, edges: edges, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolve applies strategy to the CONTRADICTS edge edgeID. The edge is
// looked up before params are checked. Re-resolving is refused by default:
// an edge that already has a resolution fails with ErrAlreadyResolved unless
// WithReresolve is set.
func (e *Engine) Resolve(ctx context.Context, edgeID string, strategy Strategy, params Params) (*Result, error) {
	edge, err := e.edges.GetEdge(ctx, edgeID)
	if err != nil {
		return nil, fmt.Errorf("loading edge %s: %w", edgeID, err)
	}
	if edge == nil {
		return nil, fmt.Errorf("%w: %s", graph.ErrEdgeNotFound, edgeID)
	}
	if edge.Type != graph.EdgeContradicts {
		return nil, expertise.NewValidationError("edge_id", fmt.Sprintf("edge %s is %s, not %s", edgeID, edge.Type, graph.EdgeContradicts))
	}
	if edge.Resolved() && !e.reresolve {
		return nil, fmt.Errorf("%w: edge %s has resolution %s", ErrAlreadyResolved, edgeID, edge.ResolutionID)
	}
	if err := params.validate(strategy); err != nil {
		return nil, err
	}

	res := &Result{
		Strategy:           strategy,
		EdgeID:             edge.ID,
		ResolutionID:       uuid.New().String(),
		DeactivatedRecords: []string{},
		CreatedEdges:       []string{},
	}

	switch strategy {
	case StrategySupersede:
		err = e.supersede(ctx, edge, params, res)
	case StrategyScopeBoth:
		err = e.scopeBoth(ctx, edge, params, res)
	case StrategyMerge:
		err = e.merge(ctx, edge, params, res)
	case StrategyDismiss, StrategyKeepBoth:
		err = e.acknowledge(ctx, edge, strategy, params, res)
	}
	if err != nil {
		return nil, err
	}

	if err := e.markResolved(ctx, edge, res); err != nil {
		return nil, err
	}
	resolutionsTotal.WithLabelValues(string(strategy)).Inc()
	e.logger.Info("contradiction resolved",
		zap.String("edge_id", edge.ID),
		zap.String("strategy", string(strategy)),
		zap.String("resolution_id", res.ResolutionID),
		zap.Strings("deactivated", res.DeactivatedRecords),
	)
	return res, nil
}

func (e *Engine) supersede(ctx context.Context, edge *graph.Edge, p Params, res *Result) error {
	loser := edge.Other(p.WinnerID)
	if loser == "" {
		return expertise.NewValidationError("winner_id", fmt.Sprintf("%s is not an endpoint of edge %s", p.WinnerID, edge.ID))
	}
	if err := e.deactivate(ctx, loser, res); err != nil {
		return err
	}
	if err := e.link(ctx, p.WinnerID, loser, graph.EdgeSupersedes, res, map[string]any{
		"strategy": string(StrategySupersede),
	}); err != nil {
		return err
	}
	res.Note = fmt.Sprintf("%s supersedes %s", p.WinnerID, loser)
	return nil
}

func (e *Engine) scopeBoth(ctx context.Context, edge *graph.Edge, p Params, res *Result) error {
	for _, qualify := range []struct{ id, scope string }{
		{edge.SourceID, p.ScopeA},
		{edge.TargetID, p.ScopeB},
	} {
		rec, err := e.records.Get(ctx, qualify.id)
		if err != nil {
			return fmt.Errorf("loading %s: %w", qualify.id, err)
		}
		if rec == nil {
			e.logger.Debug("scope target missing", zap.String("record_id", qualify.id))
			continue
		}
		content := rec.Content + " [scope: " + qualify.scope + "]"
		if _, err := e.records.Update(ctx, rec.ID, map[string]any{expertise.FieldContent: content}); err != nil {
			return fmt.Errorf("scoping %s: %w", rec.ID, err)
		}
		rec.Content = content
		if rec.IsActive {
			e.reindex(ctx, rec)
		}
	}

	if err := e.link(ctx, edge.SourceID, edge.TargetID, graph.EdgeQualifies, res, map[string]any{
		"strategy": string(StrategyScopeBoth),
		"scope_a":  p.ScopeA,
		"scope_b":  p.ScopeB,
	}); err != nil {
		return err
	}
	res.Note = fmt.Sprintf("scoped %s to %q and %s to %q", edge.SourceID, p.ScopeA, edge.TargetID, p.ScopeB)
	return nil
}

func (e *Engine) merge(ctx context.Context, edge *graph.Edge, p Params, res *Result) error {
	source, err := e.records.Get(ctx, edge.SourceID)
	if err != nil {
		return fmt.Errorf("loading %s: %w", edge.SourceID, err)
	}
	target, err := e.records.Get(ctx, edge.TargetID)
	if err != nil {
		return fmt.Errorf("loading %s: %w", edge.TargetID, err)
	}

	base := source
	if base == nil {
		base = target
	}
	if base == nil {
		return expertise.NotFoundError("record", edge.SourceID)
	}

	confidence := base.Confidence
	var tags []string
	for _, r := range []*expertise.Record{source, target} {
		if r == nil {
			continue
		}
		confidence = min(confidence, r.Confidence)
		tags = expertise.UnionTags(tags, r.Tags)
	}

	merged, err := expertise.NewRecord(base.Type, base.Domain, p.MergedContent, confidence)
	if err != nil {
		return err
	}
	merged.Project = base.Project
	merged.Severity = base.Severity
	merged.Tags = tags
	merged.SourceAgent = createdBy
	if _, err := e.records.Insert(ctx, merged); err != nil {
		return fmt.Errorf("inserting merged record: %w", err)
	}
	res.NewRecordID = merged.ID
	e.reindex(ctx, merged)

	for _, id := range []string{edge.SourceID, edge.TargetID} {
		if err := e.deactivate(ctx, id, res); err != nil {
			return err
		}
		if err := e.link(ctx, merged.ID, id, graph.EdgeSupersedes, res, map[string]any{
			"strategy": string(StrategyMerge),
		}); err != nil {
			return err
		}
	}
	res.Note = fmt.Sprintf("merged %s and %s into %s", edge.SourceID, edge.TargetID, merged.ID)
	return nil
}

// acknowledge implements dismiss and keep_both, which differ only in the
// strategy recorded on the outcome edge.
func (e *Engine) acknowledge(ctx context.Context, edge *graph.Edge, s Strategy, p Params, res *Result) error {
	if err := e.link(ctx, edge.SourceID, edge.TargetID, graph.EdgeResolved, res, map[string]any{
		"strategy":         string(s),
		"reason":           p.Reason,
		"original_edge_id": edge.ID,
	}); err != nil {
		return err
	}
	if s == StrategyDismiss {
		res.Note = "dismissed as false positive: " + p.Reason
	} else {
		res.Note = "kept both intentionally: " + p.Reason
	}
	return nil
}

// deactivate soft deletes id and records it only if it was active.
func (e *Engine) deactivate(ctx context.Context, id string, res *Result) error {
	rec, err := e.records.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("loading %s: %w", id, err)
	}
	if rec == nil || !rec.IsActive {
		return nil
	}
	if err := e.records.SoftDelete(ctx, id); err != nil {
		return fmt.Errorf("deactivating %s: %w", id, err)
	}
	res.DeactivatedRecords = append(res.DeactivatedRecords, id)
	if e.index != nil {
		if err := e.index.Remove(ctx, id); err != nil {
			e.logger.Warn("removing deactivated record from index failed", zap.String("record_id", id), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) link(ctx context.Context, source, target string, t graph.EdgeType, res *Result, meta map[string]any) error {
	meta["resolution_id"] = res.ResolutionID
	meta["original_edge_id"] = res.EdgeID
	edge := graph.NewEdge(source, target, t, createdBy, meta)
	edge.ResolutionID = res.ResolutionID
	id, err := e.edges.CreateEdge(ctx, edge)
	if err != nil {
		return fmt.Errorf("creating %s edge: %w", t, err)
	}
	res.CreatedEdges = append(res.CreatedEdges, id)
	return nil
}

func (e *Engine) markResolved(ctx context.Context, edge *graph.Edge, res *Result) error {
	meta := make(map[string]any, len(edge.Metadata)+3)
	for k, v := range edge.Metadata {
		meta[k] = v
	}
	meta["resolution_strategy"] = string(res.Strategy)
	meta["resolved_at"] = time.Now().UTC().Format(time.RFC3339)
	meta["resolution_note"] = res.Note

	ok, err := e.edges.UpdateEdge(ctx, edge.ID, map[string]any{
		graph.FieldResolutionID: res.ResolutionID,
		graph.FieldMetadata:     meta,
	})
	if err != nil {
		return fmt.Errorf("marking edge %s resolved: %w", edge.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", graph.ErrEdgeNotFound, edge.ID)
	}
	return nil
}

func (e *Engine) reindex(ctx context.Context, rec *expertise.Record) {
	if e.index == nil {
		return
	}
	if err := e.index.Add(ctx, rec); err != nil {
		e.logger.Warn("reindexing record failed", zap.String("record_id", rec.ID), zap.Error(err))
	}
}
