package extraction

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

// Signal is a weighted regex that votes for a record type.
type Signal struct {
	Type   expertise.RecordType `koanf:"type" json:"type"`
	Name   string               `koanf:"name" json:"name"`
	Regex  string               `koanf:"regex" json:"regex"`
	Weight float64              `koanf:"weight" json:"weight"`
}

// DefaultSignals returns the built-in signal set.
func DefaultSignals() []Signal {
	return []Signal{
		{Type: expertise.TypeBoundary, Name: "must_never", Regex: `(?i)\b(must|should) never\b`, Weight: 0.9},
		{Type: expertise.TypeBoundary, Name: "do_not_ever", Regex: `(?i)\b(do not|don't) ever\b|\bunder no circumstances\b`, Weight: 0.9},
		{Type: expertise.TypeBoundary, Name: "never_dangerous", Regex: `(?i)\bnever (commit|push|deploy|delete|drop|expose|log|store)\b`, Weight: 0.85},
		{Type: expertise.TypeBoundary, Name: "forbidden", Regex: `(?i)\b(forbidden|not allowed|prohibited|off[- ]limits)\b`, Weight: 0.8},

		{Type: expertise.TypeFailure, Name: "this_broke", Regex: `(?i)\bthis (broke|failed|crashed)\b`, Weight: 0.8},
		{Type: expertise.TypeFailure, Name: "caused_failure", Regex: `(?i)\b(caused|causes|causing) (a |an |the )?(failure|crash|outage|regression|deadlock|leak|bug)\b`, Weight: 0.85},
		{Type: expertise.TypeFailure, Name: "failure_words", Regex: `(?i)\b(broke|failed|crashed|regression|outage|panicked|timed out)\b`, Weight: 0.65},

		{Type: expertise.TypeDecision, Name: "lets_use", Regex: `(?i)\blet's (go with|use|choose|pick)\b`, Weight: 0.9},
		{Type: expertise.TypeDecision, Name: "decided_to", Regex: `(?i)\b(decided to|we chose|we picked|went with)\b`, Weight: 0.9},
		{Type: expertise.TypeDecision, Name: "choosing_over", Regex: `(?i)\bchoos(e|ing) .+ (over|instead of)\b`, Weight: 0.9},
		{Type: expertise.TypeDecision, Name: "approach_is", Regex: `(?i)\bthe approach (is|will be)\b`, Weight: 0.75},

		{Type: expertise.TypeConvention, Name: "always_never", Regex: `(?i)\b(always|never) (use|write|name|put|prefer|wrap|run|add|keep)\b`, Weight: 0.8},
		{Type: expertise.TypeConvention, Name: "we_always", Regex: `(?i)\bwe (always|never|prefer|use)\b`, Weight: 0.7},
		{Type: expertise.TypeConvention, Name: "convention", Regex: `(?i)\b(convention|style guide|naming rule|code style)\b`, Weight: 0.75},

		{Type: expertise.TypePattern, Name: "pattern_for", Regex: `(?i)\b(pattern|recipe|idiom) for\b`, Weight: 0.75},
		{Type: expertise.TypePattern, Name: "when_then", Regex: `(?i)\bwhen(ever)? [^,]+, (use|wrap|call|add|prefer|reach for)\b`, Weight: 0.7},
		{Type: expertise.TypePattern, Name: "works_best", Regex: `(?i)\b(works best|the trick is|the way to)\b`, Weight: 0.65},

		{Type: expertise.TypeInsight, Name: "remember_this", Regex: `(?i)\bremember (this|that)\b`, Weight: 0.9},
		{Type: expertise.TypeInsight, Name: "note_future", Regex: `(?i)\bnote for (the )?(future|later)\b`, Weight: 0.9},
		{Type: expertise.TypeInsight, Name: "learned", Regex: `(?i)\b(turns out|learned that|realized|noticed that|interestingly)\b`, Weight: 0.6},
	}
}

// typePrecedence breaks weight ties between types.
var typePrecedence = map[expertise.RecordType]int{
	expertise.TypeBoundary:   6,
	expertise.TypeFailure:    5,
	expertise.TypeDecision:   4,
	expertise.TypeConvention: 3,
	expertise.TypePattern:    2,
	expertise.TypeInsight:    1,
}

var (
	sentenceSplit = regexp.MustCompile(`(?m)[.!?]+(\s+|$)|\n+`)
	fixSignal     = regexp.MustCompile(`(?i)\b(fix(ed)?|the fix|solution|resolved|workaround|solved)\b`)
	alternatives  = regexp.MustCompile(`(?i)\b(?:over|instead of|rather than)\s+(.+?)(?:\s+(?:because|since|so that)\b|[,.;]|$)`)
	becauseClause = regexp.MustCompile(`(?i)\b(?:because|since|so that)\b\s*(.+)$`)
	criticalWords = regexp.MustCompile(`(?i)\b(security|data loss|corrupt(ed|ion)?|credentials?|secrets?|production outage)\b`)
	highWords     = regexp.MustCompile(`(?i)\b(never|must not|crash(ed)?|outage|production|deadlock)\b`)
	lowWords      = regexp.MustCompile(`(?i)\b(minor|cosmetic|harmless)\b`)
)

type compiledSignal struct {
	Signal
	re *regexp.Regexp
}

// HeuristicConfig configures the heuristic extractor.
type HeuristicConfig struct {
	Signals []Signal
	// MinConfidence drops sentences whose best signal weighs less. Default 0.5.
	MinConfidence float64
	// MinSentenceLength ignores fragments shorter than this. Default 15.
	MinSentenceLength int
}

// HeuristicExtractor scores each sentence against weighted signals and emits
// one record per sentence whose best signal clears the confidence floor.
type HeuristicExtractor struct {
	signals       []compiledSignal
	minConfidence float64
	minLength     int
	tags          *TagExtractor
}

// NewHeuristicExtractor compiles the signals. An empty set uses DefaultSignals.
func NewHeuristicExtractor(cfg HeuristicConfig) (*HeuristicExtractor, error) {
	signals := cfg.Signals
	if len(signals) == 0 {
		signals = DefaultSignals()
	}

	compiled := make([]compiledSignal, 0, len(signals))
	for _, s := range signals {
		if !s.Type.Valid() {
			return nil, expertise.NewValidationError("signal.type", fmt.Sprintf("signal %q: unknown record type %q", s.Name, s.Type))
		}
		re, err := regexp.Compile(s.Regex)
		if err != nil {
			return nil, expertise.NewValidationError("signal.regex", fmt.Sprintf("signal %q: %v", s.Name, err))
		}
		compiled = append(compiled, compiledSignal{Signal: s, re: re})
	}

	minConf := cfg.MinConfidence
	if minConf == 0 {
		minConf = 0.5
	}
	minLen := cfg.MinSentenceLength
	if minLen == 0 {
		minLen = 15
	}

	return &HeuristicExtractor{
		signals:       compiled,
		minConfidence: minConf,
		minLength:     minLen,
		tags:          NewTagExtractor(nil),
	}, nil
}

// Extract implements Extractor.
func (h *HeuristicExtractor) Extract(ctx context.Context, text, domain, project string) ([]*expertise.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sentences := splitSentences(text)
	seen := make(map[string]struct{})
	var out []*expertise.Record

	for i := 0; i < len(sentences); i++ {
		sentence := sentences[i]
		if len(sentence) < h.minLength {
			continue
		}
		recordType, weight := h.classify(sentence)
		if weight < h.minConfidence {
			continue
		}

		key := strings.ToLower(sentence)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		rec, err := expertise.NewRecord(recordType, domain, sentence, weight)
		if err != nil {
			return nil, err
		}
		rec.Project = project
		rec.Tags = h.tags.ExtractTags(sentence)

		switch recordType {
		case expertise.TypeFailure:
			rec.Severity = severityFor(sentence, expertise.SeverityMedium)
			if i+1 < len(sentences) && fixSignal.MatchString(sentences[i+1]) {
				rec.Resolution = sentences[i+1]
				i++
			}
		case expertise.TypeBoundary:
			rec.Severity = severityFor(sentence, expertise.SeverityHigh)
		case expertise.TypeDecision:
			if m := becauseClause.FindStringSubmatch(sentence); m != nil {
				rec.Rationale = strings.TrimSpace(m[1])
			}
			for _, m := range alternatives.FindAllStringSubmatch(sentence, -1) {
				rec.AlternativesConsidered = append(rec.AlternativesConsidered, strings.TrimSpace(m[1]))
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// classify returns the record type with the heaviest matching signal.
func (h *HeuristicExtractor) classify(sentence string) (expertise.RecordType, float64) {
	var (
		best       expertise.RecordType
		bestWeight float64
	)
	for _, s := range h.signals {
		if !s.re.MatchString(sentence) {
			continue
		}
		if s.Weight > bestWeight || (s.Weight == bestWeight && typePrecedence[s.Type] > typePrecedence[best]) {
			best, bestWeight = s.Type, s.Weight
		}
	}
	return best, bestWeight
}

func severityFor(sentence string, fallback expertise.Severity) expertise.Severity {
	switch {
	case criticalWords.MatchString(sentence):
		return expertise.SeverityCritical
	case lowWords.MatchString(sentence):
		return expertise.SeverityLow
	case highWords.MatchString(sentence):
		return expertise.SeverityHigh
	default:
		return fallback
	}
}

// splitSentences splits on terminal punctuation and blank lines, keeping the
// punctuation with the sentence.
func splitSentences(text string) []string {
	var out []string
	prev := 0
	for _, loc := range sentenceSplit.FindAllStringIndex(text, -1) {
		end := loc[1]
		s := strings.TrimSpace(text[prev:end])
		if s != "" {
			out = append(out, s)
		}
		prev = end
	}
	if s := strings.TrimSpace(text[prev:]); s != "" {
		out = append(out, s)
	}
	return out
}

var _ Extractor = (*HeuristicExtractor)(nil)
