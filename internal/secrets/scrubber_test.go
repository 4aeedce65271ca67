package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func customConfig() Config {
	return Config{
		Enabled: true,
		Rules: []Rule{
			{ID: "internal-token", Description: "Internal token", Pattern: `itk_[a-z0-9]{16}`},
			{ID: "db-password", Pattern: `password=\S+`},
		},
	}
}

func TestScrubber_CustomRules(t *testing.T) {
	s, err := New(customConfig(), nil)
	require.NoError(t, err)

	text := "The deploy broke because itk_abcdef0123456789 expired.\nUse password=hunter2 for staging."
	res := s.Scrub(text)

	require.True(t, res.Redacted())
	assert.NotContains(t, res.Text, "itk_abcdef0123456789")
	assert.NotContains(t, res.Text, "hunter2")
	assert.Contains(t, res.Text, "[REDACTED:internal-token:itk_]")
	assert.Contains(t, res.Text, "[REDACTED:db-password:pass]")
	assert.Contains(t, res.Text, "expired.\nUse ")
	assert.Equal(t, map[string]int{"internal-token": 1, "db-password": 1}, res.ByRule)
	assert.Equal(t, "Internal token", res.Findings[0].Description)
}

func TestScrubber_OverlappingSpansMerge(t *testing.T) {
	cfg := Config{Enabled: true, Rules: []Rule{
		{ID: "long", Pattern: `key-[0-9]{8}`},
		{ID: "short", Pattern: `[0-9]{4}-end`},
	}}
	s, err := New(cfg, nil)
	require.NoError(t, err)

	res := s.Scrub("x key-12345678-end y")
	assert.Len(t, res.Findings, 1)
	assert.Equal(t, 1, strings.Count(res.Text, "[REDACTED:"))
	assert.True(t, strings.HasPrefix(res.Text, "x [REDACTED:long:key-]"))
	assert.True(t, strings.HasSuffix(res.Text, " y"))
}

func TestScrubber_Allowlist(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "allowlist.toml")
	require.NoError(t, os.WriteFile(file, []byte("[allowlist]\nregexes = ['''itk_0{16}''']\nstopwords = [\"password=example\"]\n"), 0600))

	cfg := customConfig()
	cfg.AllowlistFile = file
	s, err := New(cfg, nil)
	require.NoError(t, err)

	text := "docs use itk_0000000000000000 and password=example"
	res := s.Scrub(text)
	assert.False(t, res.Redacted())
	assert.Equal(t, text, res.Text)
}

func TestScrubber_Disabled(t *testing.T) {
	s, err := New(Config{Enabled: false, Rules: []Rule{{ID: "x", Pattern: "("}}}, nil)
	require.NoError(t, err)
	assert.False(t, s.Enabled())

	res := s.Scrub("password=hunter2")
	assert.Equal(t, "password=hunter2", res.Text)

	var nilScrubber *Scrubber
	assert.Equal(t, "abc", nilScrubber.Scrub("abc").Text)
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{name: "bad rule pattern", cfg: Config{Enabled: true, Rules: []Rule{{ID: "x", Pattern: "("}}}, want: ErrInvalidRegex},
		{name: "bad allow regex", cfg: Config{Enabled: true, AllowRegexes: []string{"["}}, want: ErrInvalidRegex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := New(Config{Enabled: true, Rules: []Rule{{Pattern: "x"}}}, nil)
	assert.Error(t, err)
}

func TestLoadAllowlist(t *testing.T) {
	patterns, err := LoadAllowlist(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Empty(t, patterns)

	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[allowlist\n"), 0600))
	_, err = LoadAllowlist(bad)
	assert.ErrorIs(t, err, ErrInvalidTOML)
}

func TestScrubber_Gitleaks(t *testing.T) {
	s, err := New(DefaultConfig(), nil)
	require.NoError(t, err)

	clean := "We agreed to always run migrations before deploys."
	assert.Equal(t, clean, s.Scrub(clean).Text)

	text := `the key was "sk-proj-abcdefghijklmnopqrstuvwxyz1234567890123456" in env`
	res := s.Scrub(text)
	// Rule coverage depends on the gitleaks rule set version.
	if res.Redacted() {
		assert.NotContains(t, res.Text, "sk-proj-abcdefghijklmnopqrstuvwxyz1234567890123456")
		assert.Contains(t, res.Text, "[REDACTED:")
	}
}
