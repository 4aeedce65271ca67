// Package prime ranks records and packs the best of them into a token budget
// for injection into an agent's context window.
package prime

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/graph"
)

// DefaultMaxTokens applies when a caller passes no budget.
const DefaultMaxTokens = 2000

// tokensPerWord approximates tokenizer output for English prose.
const tokensPerWord = 1.3

// BasePriority orders record types.
var BasePriority = map[expertise.RecordType]float64{
	expertise.TypeBoundary:   100,
	expertise.TypeFailure:    80,
	expertise.TypeConvention: 60,
	expertise.TypeDecision:   50,
	expertise.TypePattern:    40,
	expertise.TypeInsight:    20,
}

// SeverityBoost adjusts priority by severity. No severity adds nothing.
var SeverityBoost = map[expertise.Severity]float64{
	expertise.SeverityCritical: 20,
	expertise.SeverityHigh:     10,
	expertise.SeverityMedium:   0,
	expertise.SeverityLow:      -20,
}

var timeNow = time.Now

// Graph is the part of the graph store prioritization consults.
type Graph interface {
	GetEdgesByType(ctx context.Context, edgeType graph.EdgeType) ([]*graph.Edge, error)
	GetContradictions(ctx context.Context, unresolvedOnly bool) ([]*graph.Edge, error)
}

// Item is a ranked record.
type Item struct {
	*expertise.Record
	Priority float64 `json:"priority"`
	Tokens   int     `json:"tokens"`
}

// Result is the packed selection.
type Result struct {
	Expertise                 []Item   `json:"expertise"`
	TokenCount                int      `json:"token_count"`
	MaxTokens                 int      `json:"max_tokens"`
	DomainsCovered            []string `json:"domains_covered"`
	RecordsTotal              int      `json:"records_total"`
	RecordsIncluded           int      `json:"records_included"`
	RecordsFilteredInactive   int      `json:"records_filtered_inactive"`
	RecordsFilteredSuperseded int      `json:"records_filtered_superseded"`
	// ContradictionIDs are included records that are the source of an
	// unresolved contradiction.
	ContradictionIDs []string `json:"contradiction_ids"`
	// QualifyingNotes maps an included record to the records qualifying it.
	QualifyingNotes map[string][]string `json:"qualifying_notes"`
}

// Contested reports whether id is the source of an unresolved contradiction.
func (r *Result) Contested(id string) bool {
	for _, c := range r.ContradictionIDs {
		if c == id {
			return true
		}
	}
	return false
}

// EstimateTokens approximates the token cost of a record's content.
func EstimateTokens(rec *expertise.Record) int {
	return int(float64(rec.WordCount()) * tokensPerWord)
}

// Score computes the priority of rec as of now.
func Score(rec *expertise.Record, now time.Time) float64 {
	score := BasePriority[rec.Type] + SeverityBoost[rec.Severity]
	score += float64(min(rec.ValidationCount*2, 20))
	score += rec.Confidence * 10

	age := now.Sub(rec.LastValidated)
	switch {
	case age <= 7*24*time.Hour:
		score += 5
	case age <= 30*24*time.Hour:
		score += 3
	case age <= 90*24*time.Hour:
		score += 1
	}
	return score
}

// Prioritize filters, ranks and packs records into maxTokens. A nil graph
// skips supersession filtering and annotations.
//
// Packing is strictly greedy in priority order: a record that does not fit
// is skipped and never displaces one already included.
func Prioritize(ctx context.Context, records []*expertise.Record, maxTokens int, g Graph) (*Result, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	res := &Result{
		Expertise:        []Item{},
		MaxTokens:        maxTokens,
		DomainsCovered:   []string{},
		RecordsTotal:     len(records),
		ContradictionIDs: []string{},
		QualifyingNotes:  map[string][]string{},
	}

	active := make([]*expertise.Record, 0, len(records))
	for _, r := range records {
		if r == nil || !r.IsActive {
			res.RecordsFilteredInactive++
			continue
		}
		active = append(active, r)
	}

	var (
		contested = map[string]bool{}
		qualified = map[string][]string{}
	)
	if g != nil {
		superseded, err := supersededIDs(ctx, g)
		if err != nil {
			return nil, err
		}
		kept := active[:0]
		for _, r := range active {
			if superseded[r.ID] {
				res.RecordsFilteredSuperseded++
				continue
			}
			kept = append(kept, r)
		}
		active = kept

		contradictions, err := g.GetContradictions(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("loading contradictions: %w", err)
		}
		for _, e := range contradictions {
			contested[e.SourceID] = true
		}

		qualifies, err := g.GetEdgesByType(ctx, graph.EdgeQualifies)
		if err != nil {
			return nil, fmt.Errorf("loading qualifications: %w", err)
		}
		for _, e := range qualifies {
			qualified[e.TargetID] = appendUnique(qualified[e.TargetID], e.SourceID)
		}
	}

	now := timeNow()
	items := make([]Item, len(active))
	for i, r := range active {
		items[i] = Item{Record: r, Priority: Score(r, now), Tokens: EstimateTokens(r)}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Priority > items[j].Priority })

	domains := map[string]struct{}{}
	for _, it := range items {
		if res.TokenCount+it.Tokens > maxTokens {
			continue
		}
		res.TokenCount += it.Tokens
		res.Expertise = append(res.Expertise, it)
		domains[it.Domain] = struct{}{}
		if contested[it.ID] {
			res.ContradictionIDs = append(res.ContradictionIDs, it.ID)
		}
		if q, ok := qualified[it.ID]; ok {
			res.QualifyingNotes[it.ID] = q
		}
	}
	res.RecordsIncluded = len(res.Expertise)
	for d := range domains {
		res.DomainsCovered = append(res.DomainsCovered, d)
	}
	sort.Strings(res.DomainsCovered)
	return res, nil
}

func supersededIDs(ctx context.Context, g Graph) (map[string]bool, error) {
	edges, err := g.GetEdgesByType(ctx, graph.EdgeSupersedes)
	if err != nil {
		return nil, fmt.Errorf("loading supersessions: %w", err)
	}
	out := make(map[string]bool, len(edges))
	for _, e := range edges {
		out[e.TargetID] = true
	}
	return out, nil
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
