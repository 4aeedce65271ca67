package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// LoadAllowlist reads the [allowlist] regexes from a gitleaks-style TOML file:
//
//	[allowlist]
//	regexes = ['''EXAMPLE_[A-Z]+''']
//
// A missing file yields no patterns. Invalid TOML or patterns are errors.
func LoadAllowlist(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}

	var doc struct {
		Allowlist struct {
			Regexes   []string `toml:"regexes"`
			StopWords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	patterns := make([]string, 0, len(doc.Allowlist.Regexes)+len(doc.Allowlist.StopWords))
	for _, p := range doc.Allowlist.Regexes {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, p, path, err)
		}
		patterns = append(patterns, p)
	}
	for _, w := range doc.Allowlist.StopWords {
		patterns = append(patterns, regexp.QuoteMeta(w))
	}
	return patterns, nil
}
