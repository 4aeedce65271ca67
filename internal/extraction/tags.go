package extraction

import (
	"regexp"
	"sort"
	"strings"
)

// DefaultTagRules maps a tag to keywords that imply it.
var DefaultTagRules = map[string][]string{
	"golang":     {"golang", "go mod", "go test", "goroutine", ".go"},
	"python":     {"python", "pytest", "pip ", "django", "flask"},
	"typescript": {"typescript", ".ts", "tsconfig"},
	"javascript": {"javascript", "node", "npm", "yarn"},
	"rust":       {"rust", "cargo"},

	"kubernetes": {"kubernetes", "kubectl", "k8s", "helm"},
	"terraform":  {"terraform", "tfstate"},
	"docker":     {"docker", "dockerfile", "container"},
	"ci":         {"ci ", "pipeline", "github actions", "workflow"},

	"testing":     {"test", "mock", "coverage", "assert"},
	"security":    {"auth", "secret", "credential", "permission", "token", "security"},
	"performance": {"latency", "slow", "cache", "optimize", "performance"},
	"database":    {"database", "sql", "postgres", "sqlite", "migration", "redis"},
	"api":         {"api", "endpoint", "grpc", "graphql", "rest"},
	"formatting":  {"tabs", "spaces", "indent", "format", "lint"},
}

// TagExtractor assigns tags by keyword prefix matching at word starts, so
// "test" matches "tests" but not "latest".
type TagExtractor struct {
	rules map[string][]*regexp.Regexp
}

// NewTagExtractor builds an extractor. Nil rules use DefaultTagRules.
func NewTagExtractor(rules map[string][]string) *TagExtractor {
	if len(rules) == 0 {
		rules = DefaultTagRules
	}
	compiled := make(map[string][]*regexp.Regexp, len(rules))
	for tag, keywords := range rules {
		for _, kw := range keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			pattern := regexp.QuoteMeta(kw)
			if isWordChar(kw[0]) {
				pattern = `\b` + pattern
			}
			compiled[tag] = append(compiled[tag], regexp.MustCompile(pattern))
		}
	}
	return &TagExtractor{rules: compiled}
}

func isWordChar(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z')
}

// ExtractTags returns the sorted tags whose keywords occur in content.
func (t *TagExtractor) ExtractTags(content string) []string {
	content = strings.ToLower(content)
	var tags []string
	for tag, patterns := range t.rules {
		for _, re := range patterns {
			if re.MatchString(content) {
				tags = append(tags, tag)
				break
			}
		}
	}
	sort.Strings(tags)
	return tags
}

// InferDomain picks a domain from tags, preferring infrastructure and
// architecture areas over activities. Empty tags yield "".
func InferDomain(tags []string) string {
	priority := []string{
		"kubernetes", "terraform", "docker", "ci",
		"database", "api", "security", "performance",
		"testing", "formatting",
		"golang", "python", "typescript", "javascript", "rust",
	}
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	for _, d := range priority {
		if _, ok := set[d]; ok {
			return d
		}
	}
	if len(tags) > 0 {
		return tags[0]
	}
	return ""
}
