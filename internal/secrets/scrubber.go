package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"
)

// Finding is one redacted span. The secret itself is not kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description,omitempty"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
}

// Result is the outcome of scrubbing one text.
type Result struct {
	Text     string         `json:"text"`
	Findings []Finding      `json:"findings,omitempty"`
	ByRule   map[string]int `json:"by_rule,omitempty"`
}

// Redacted reports whether anything was replaced.
func (r Result) Redacted() bool {
	return len(r.Findings) > 0
}

// Scrubber redacts secrets. The zero value is not usable; call New.
type Scrubber struct {
	enabled bool
	rules   []compiledRule
	allow   []*regexp.Regexp
	logger  *zap.Logger

	// gitleaks detectors are not documented as safe for concurrent use.
	mu       sync.Mutex
	detector *detect.Detector
}

// New builds a scrubber. A disabled config returns a pass-through scrubber.
func New(cfg Config, logger *zap.Logger) (*Scrubber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scrubber{enabled: cfg.Enabled, logger: logger}
	if !cfg.Enabled {
		return s, nil
	}

	rules, err := cfg.compileRules()
	if err != nil {
		return nil, err
	}
	s.rules = rules

	filePatterns, err := LoadAllowlist(cfg.AllowlistFile)
	if err != nil {
		return nil, err
	}
	patterns := append(append([]string{}, cfg.AllowRegexes...), filePatterns...)
	s.allow, err = compileAll(patterns)
	if err != nil {
		return nil, err
	}

	if cfg.Gitleaks {
		detector, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("loading gitleaks rules: %w", err)
		}
		if len(s.allow) > 0 {
			applyAllowlist(&detector.Config, s.allow)
		}
		s.detector = detector
	}
	return s, nil
}

func applyAllowlist(cfg *gitleaksConfig.Config, allow []*regexp.Regexp) {
	al := &gitleaksConfig.Allowlist{Description: "expertd allowlist"}
	for _, re := range allow {
		al.Regexes = append(al.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, al)
}

// Enabled reports whether the scrubber redacts anything.
func (s *Scrubber) Enabled() bool {
	return s != nil && s.enabled
}

type span struct {
	start, end int
	rule       string
	desc       string
}

// Scrub replaces every detected secret in text with a redaction marker.
func (s *Scrubber) Scrub(text string) Result {
	if !s.Enabled() || text == "" {
		return Result{Text: text}
	}

	var spans []span
	for _, rule := range s.rules {
		for _, loc := range rule.re.FindAllStringIndex(text, -1) {
			if s.allowed(text[loc[0]:loc[1]]) {
				continue
			}
			spans = append(spans, span{loc[0], loc[1], rule.ID, rule.Description})
		}
	}
	spans = append(spans, s.gitleaksSpans(text)...)
	if len(spans) == 0 {
		return Result{Text: text}
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start < last.end {
			last.end = max(last.end, sp.end)
			continue
		}
		merged = append(merged, sp)
	}

	res := Result{ByRule: make(map[string]int, len(merged))}
	var b strings.Builder
	prev := 0
	for _, sp := range merged {
		b.WriteString(text[prev:sp.start])
		fmt.Fprintf(&b, "[REDACTED:%s:%s]", sp.rule, preview(text[sp.start:sp.end]))
		prev = sp.end
		res.Findings = append(res.Findings, Finding{RuleID: sp.rule, Description: sp.desc, Start: sp.start, End: sp.end})
		res.ByRule[sp.rule]++
	}
	b.WriteString(text[prev:])
	res.Text = b.String()

	s.logger.Debug("secrets redacted", zap.Int("findings", len(res.Findings)))
	return res
}

// gitleaksSpans locates each gitleaks secret by value, since finding columns
// are line-relative.
func (s *Scrubber) gitleaksSpans(text string) []span {
	if s.detector == nil {
		return nil
	}
	s.mu.Lock()
	findings := s.detector.DetectString(text)
	s.mu.Unlock()

	var spans []span
	for _, f := range findings {
		secret := f.Secret
		if secret == "" || s.allowed(secret) {
			continue
		}
		for off := 0; ; {
			i := strings.Index(text[off:], secret)
			if i < 0 {
				break
			}
			start := off + i
			spans = append(spans, span{start, start + len(secret), f.RuleID, f.Description})
			off = start + len(secret)
		}
	}
	return spans
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func preview(secret string) string {
	if len(secret) <= 4 {
		return secret
	}
	return secret[:4]
}
