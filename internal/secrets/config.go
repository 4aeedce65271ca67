package secrets

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidRegex indicates a regex pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Config configures the scrubber.
type Config struct {
	// Enabled turns scrubbing on. A disabled scrubber returns text unchanged.
	Enabled bool `koanf:"enabled"`

	// Gitleaks enables the gitleaks default rule set.
	Gitleaks bool `koanf:"gitleaks"`

	// AllowlistFile is a TOML file with an [allowlist] table.
	AllowlistFile string `koanf:"allowlist_file"`

	// AllowRegexes are content patterns never redacted.
	AllowRegexes []string `koanf:"allow_regexes"`

	// Rules are extra detection patterns.
	Rules []Rule `koanf:"rules"`
}

// Rule is a custom detection pattern.
type Rule struct {
	ID          string `koanf:"id"`
	Description string `koanf:"description"`
	Pattern     string `koanf:"pattern"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// DefaultConfig enables gitleaks detection with no custom rules.
func DefaultConfig() Config {
	return Config{Enabled: true, Gitleaks: true}
}

func (c Config) compileRules() ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(c.Rules))
	for i, rule := range c.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if rule.Pattern == "" {
			return nil, fmt.Errorf("rule %s: pattern is required", rule.ID)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidRegex, rule.ID, err)
		}
		out = append(out, compiledRule{Rule: rule, re: re})
	}
	return out, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
