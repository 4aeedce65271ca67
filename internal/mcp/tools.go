package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/knowledge"
	"github.com/fyrsmithlabs/expertd/internal/logging"
	"github.com/fyrsmithlabs/expertd/internal/prime"
	"github.com/fyrsmithlabs/expertd/internal/resolution"
)

// Tool names.
const (
	ToolPrime          = "expertise_prime"
	ToolSearch         = "expertise_search"
	ToolRecord         = "expertise_record"
	ToolValidate       = "expertise_validate"
	ToolContradictions = "expertise_contradictions"
	ToolDetect         = "expertise_detect"
	ToolResolve        = "expertise_resolve"
)

type primeInput struct {
	Domain    string   `json:"domain,omitempty" jsonschema:"restrict to one domain"`
	Project   string   `json:"project,omitempty" jsonschema:"restrict to one project"`
	Tags      []string `json:"tags,omitempty" jsonschema:"records must carry every tag"`
	MaxTokens int      `json:"max_tokens,omitempty" jsonschema:"token budget (default: 2000)"`
	Format    string   `json:"format,omitempty" jsonschema:"prompt, prose or structured (default: prompt)"`
}

type primeOutput struct {
	Rendered        string   `json:"rendered" jsonschema:"expertise rendered in the requested format"`
	TokenCount      int      `json:"token_count"`
	RecordsIncluded int      `json:"records_included"`
	RecordsTotal    int      `json:"records_total"`
	DomainsCovered  []string `json:"domains_covered"`
	Contested       []string `json:"contested,omitempty" jsonschema:"included records with an unresolved contradiction"`
}

type searchInput struct {
	Query  string `json:"query" jsonschema:"text to match against record content"`
	Domain string `json:"domain,omitempty"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum hits (default: 10)"`
}

type searchOutput struct {
	Query string                `json:"query"`
	Hits  []knowledge.SearchHit `json:"hits"`
	Count int                   `json:"count"`
}

type recordOutput struct {
	Record *expertise.Record `json:"record"`
	// Redactions counts secrets removed from the content before storing.
	Redactions int `json:"redactions,omitempty"`
}

type validateInput struct {
	RecordID string `json:"record_id" jsonschema:"record to reinforce"`
}

type contradictionsInput struct {
	Domain          string `json:"domain,omitempty"`
	IncludeResolved bool   `json:"include_resolved,omitempty" jsonschema:"also list resolved contradictions"`
}

type contradictionsOutput struct {
	Contradictions []knowledge.ContradictionView `json:"contradictions"`
	Count          int                           `json:"count"`
}

type resolveInput struct {
	EdgeID        string `json:"edge_id" jsonschema:"CONTRADICTS edge to resolve"`
	Strategy      string `json:"strategy" jsonschema:"supersede, scope_both, merge, dismiss or keep_both"`
	WinnerID      string `json:"winner_id,omitempty" jsonschema:"supersede: the record that stays active"`
	ScopeA        string `json:"scope_a,omitempty" jsonschema:"scope_both: scope of the edge source"`
	ScopeB        string `json:"scope_b,omitempty" jsonschema:"scope_both: scope of the edge target"`
	MergedContent string `json:"merged_content,omitempty" jsonschema:"merge: content of the replacement record"`
	Reason        string `json:"reason,omitempty" jsonschema:"dismiss and keep_both: why"`
}

// toolHandler is a tool body. A nil result lets the SDK render out as text.
type toolHandler[In, Out any] func(ctx context.Context, in In) (*mcp.CallToolResult, Out, error)

// addTool registers h with invocation metrics and logging around it.
func addTool[In, Out any](s *Server, tool *mcp.Tool, h toolHandler[In, Out]) {
	mcp.AddTool(s.mcp, tool, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, tool.Name)
		defer s.metrics.DecrementActive(ctx, tool.Name)

		ctx = logging.WithOperation(ctx, tool.Name)
		res, out, err := h(ctx, in)
		s.metrics.RecordInvocation(ctx, tool.Name, time.Since(start), err)
		if err != nil {
			s.logger.Warn("tool call failed", zap.String("tool", tool.Name), zap.Error(err))
		}
		return res, out, err
	})
}

func (s *Server) registerTools() {
	addTool(s, &mcp.Tool{
		Name:        ToolPrime,
		Description: "Load the highest priority expertise for a task within a token budget. Boundaries and failures come first; superseded records are left out and contested ones are marked.",
	}, s.prime)

	addTool(s, &mcp.Tool{
		Name:        ToolSearch,
		Description: "Search active expertise records by semantic similarity, or by substring when no embedding index is configured.",
	}, s.search)

	addTool(s, &mcp.Tool{
		Name:        ToolRecord,
		Description: "Record a new piece of expertise: a BOUNDARY, FAILURE, CONVENTION, DECISION, PATTERN or INSIGHT. Secrets in the content are redacted.",
	}, s.record)

	addTool(s, &mcp.Tool{
		Name:        ToolValidate,
		Description: "Reinforce an existing record that proved correct again. Raises its validation count and resets its staleness.",
	}, s.validate)

	addTool(s, &mcp.Tool{
		Name:        ToolContradictions,
		Description: "List contradictions between records, unresolved only unless include_resolved is set.",
	}, s.contradictions)

	addTool(s, &mcp.Tool{
		Name:        ToolDetect,
		Description: "Find records that contradict a record or each other within a domain, and link new pairs as contradictions.",
	}, s.detect)

	addTool(s, &mcp.Tool{
		Name:        ToolResolve,
		Description: "Resolve a contradiction with one of supersede, scope_both, merge, dismiss or keep_both.",
	}, s.resolve)
}

func (s *Server) prime(ctx context.Context, in primeInput) (*mcp.CallToolResult, primeOutput, error) {
	format := in.Format
	if format == "" {
		format = string(prime.FormatPrompt)
	}
	resp, err := s.svc.Prime(ctx, knowledge.PrimeRequest{
		Domain:    in.Domain,
		Project:   in.Project,
		Tags:      in.Tags,
		MaxTokens: in.MaxTokens,
		Format:    prime.Format(format),
	})
	if err != nil {
		return nil, primeOutput{}, err
	}
	out := primeOutput{
		Rendered:        resp.Rendered,
		TokenCount:      resp.Result.TokenCount,
		RecordsIncluded: resp.Result.RecordsIncluded,
		RecordsTotal:    resp.Result.RecordsTotal,
		DomainsCovered:  resp.Result.DomainsCovered,
		Contested:       resp.Result.ContradictionIDs,
	}
	// Text content is the rendering; the counts go in structured content.
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: resp.Rendered}},
	}, out, nil
}

func (s *Server) search(ctx context.Context, in searchInput) (*mcp.CallToolResult, searchOutput, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, searchOutput{}, expertise.NewValidationError("query", "is required")
	}
	hits, err := s.svc.Search(ctx, in.Query, in.Limit, in.Domain)
	if err != nil {
		return nil, searchOutput{}, err
	}
	return nil, searchOutput{Query: in.Query, Hits: hits, Count: len(hits)}, nil
}

func (s *Server) record(ctx context.Context, in knowledge.RecordInput) (*mcp.CallToolResult, recordOutput, error) {
	var redactions int
	if s.scrubber != nil {
		res := s.scrubber.Scrub(in.Content)
		in.Content = res.Text
		redactions = len(res.Findings)
	}
	rec, err := in.Build()
	if err != nil {
		return nil, recordOutput{}, err
	}
	if _, err := s.svc.AddRecord(ctx, rec); err != nil {
		return nil, recordOutput{}, err
	}
	return nil, recordOutput{Record: rec, Redactions: redactions}, nil
}

func (s *Server) validate(ctx context.Context, in validateInput) (*mcp.CallToolResult, recordOutput, error) {
	rec, err := s.svc.Validate(ctx, in.RecordID)
	if err != nil {
		return nil, recordOutput{}, err
	}
	return nil, recordOutput{Record: rec}, nil
}

func (s *Server) contradictions(ctx context.Context, in contradictionsInput) (*mcp.CallToolResult, contradictionsOutput, error) {
	views, err := s.svc.Contradictions(ctx, in.Domain, !in.IncludeResolved)
	if err != nil {
		return nil, contradictionsOutput{}, err
	}
	return nil, contradictionsOutput{Contradictions: views, Count: len(views)}, nil
}

func (s *Server) detect(ctx context.Context, in knowledge.DetectRequest) (*mcp.CallToolResult, knowledge.DetectResult, error) {
	res, err := s.svc.Detect(ctx, in)
	if err != nil {
		return nil, knowledge.DetectResult{}, err
	}
	return nil, *res, nil
}

func (s *Server) resolve(ctx context.Context, in resolveInput) (*mcp.CallToolResult, resolution.Result, error) {
	strategy, err := resolution.ParseStrategy(in.Strategy)
	if err != nil {
		return nil, resolution.Result{}, err
	}
	res, err := s.svc.Resolve(ctx, in.EdgeID, strategy, resolution.Params{
		WinnerID:      in.WinnerID,
		ScopeA:        in.ScopeA,
		ScopeB:        in.ScopeB,
		MergedContent: in.MergedContent,
		Reason:        in.Reason,
	})
	if err != nil {
		return nil, resolution.Result{}, fmt.Errorf("resolving %s: %w", in.EdgeID, err)
	}
	return nil, *res, nil
}
