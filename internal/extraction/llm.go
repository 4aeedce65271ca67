package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

// maxPromptChars bounds the conversation text sent to the model.
const maxPromptChars = 24000

const extractPrompt = `You extract durable engineering knowledge from a conversation.

Return a JSON array. Each element is an object with:
- "type": one of CONVENTION, PATTERN, FAILURE, DECISION, BOUNDARY, INSIGHT
- "content": the knowledge as one self-contained sentence
- "confidence": 0.0 to 1.0
- "severity": CRITICAL, HIGH, MEDIUM or LOW (FAILURE and BOUNDARY only, optional)
- "name": short title (optional)
- "example": short example (optional)
- "rationale": why (DECISION, optional)
- "alternatives_considered": array of strings (DECISION, optional)
- "resolution": how it was fixed (FAILURE, optional)
- "tags": array of lowercase strings (optional)

Only include knowledge likely to matter in future sessions. Return [] when
there is none. Respond with the JSON array only.

Domain: %s
Project: %s

Conversation:
%s`

type llmRecord struct {
	Type                   string   `json:"type"`
	Content                string   `json:"content"`
	Confidence             float64  `json:"confidence"`
	Severity               string   `json:"severity"`
	Name                   string   `json:"name"`
	Example                string   `json:"example"`
	Rationale              string   `json:"rationale"`
	AlternativesConsidered []string `json:"alternatives_considered"`
	Resolution             string   `json:"resolution"`
	Tags                   []string `json:"tags"`
}

// LLMExtractor asks a language model for records.
type LLMExtractor struct {
	client LLMClient
	logger *zap.Logger
	// fallbackConfidence is used when the model omits or garbles confidence.
	fallbackConfidence float64
}

// NewLLMExtractor wraps client. A nil client yields an extractor that always
// returns no records.
func NewLLMExtractor(client LLMClient, logger *zap.Logger) *LLMExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMExtractor{client: client, logger: logger, fallbackConfidence: 0.6}
}

// Available reports whether a client is configured.
func (l *LLMExtractor) Available() bool {
	return l.client != nil
}

// Extract implements Extractor. Provider and parse failures are logged and
// yield an empty slice with a nil error.
func (l *LLMExtractor) Extract(ctx context.Context, text, domain, project string) ([]*expertise.Record, error) {
	if l.client == nil || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if len(text) > maxPromptChars {
		text = text[:maxPromptChars]
	}

	raw, err := l.client.Complete(ctx, fmt.Sprintf(extractPrompt, domain, project, text))
	if err != nil {
		l.logger.Warn("llm extraction failed", zap.String("domain", domain), zap.Error(err))
		return nil, nil
	}

	items, err := parseRecordsJSON(raw)
	if err != nil {
		l.logger.Warn("llm extraction returned unparseable output",
			zap.String("domain", domain),
			zap.String("output", truncate(raw, 200)),
			zap.Error(err),
		)
		return nil, nil
	}

	out := make([]*expertise.Record, 0, len(items))
	for _, item := range items {
		rec, err := l.toRecord(item, domain, project)
		if err != nil {
			l.logger.Debug("dropping llm record", zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l *LLMExtractor) toRecord(item llmRecord, domain, project string) (*expertise.Record, error) {
	recordType, err := expertise.ParseRecordType(item.Type)
	if err != nil {
		return nil, err
	}
	confidence := item.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = l.fallbackConfidence
	}
	rec, err := expertise.NewRecord(recordType, domain, item.Content, confidence)
	if err != nil {
		return nil, err
	}
	if recordType == expertise.TypeFailure || recordType == expertise.TypeBoundary {
		if sev, err := expertise.ParseSeverity(item.Severity); err == nil {
			rec.Severity = sev
		}
	}
	rec.Project = project
	rec.Name = strings.TrimSpace(item.Name)
	rec.Example = strings.TrimSpace(item.Example)
	rec.Rationale = strings.TrimSpace(item.Rationale)
	rec.Resolution = strings.TrimSpace(item.Resolution)
	rec.AlternativesConsidered = item.AlternativesConsidered
	rec.Tags = normalizeTags(item.Tags)
	return rec, nil
}

// parseRecordsJSON accepts a bare array, a fenced code block, or an object
// with a "records" array.
func parseRecordsJSON(content string) ([]llmRecord, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if start, end := strings.Index(content, "["), strings.LastIndex(content, "]"); start >= 0 && end > start && !strings.HasPrefix(content, "{") {
		content = content[start : end+1]
	}

	var items []llmRecord
	if err := json.Unmarshal([]byte(content), &items); err == nil {
		return items, nil
	}
	var wrapped struct {
		Records []llmRecord `json:"records"`
	}
	if err := json.Unmarshal([]byte(content), &wrapped); err != nil {
		return nil, fmt.Errorf("parsing records: %w", err)
	}
	return wrapped.Records, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return expertise.UnionTags(out)
}

var _ Extractor = (*LLMExtractor)(nil)
