package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir so the default path is isolated.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	home := setupTestHome(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".local", "share", "expertd"), cfg.Data.Dir)
	assert.Equal(t, "heuristic_only", cfg.Extraction.Mode)
	assert.Equal(t, 0.95, cfg.Extraction.DedupSimilarityThreshold)
	assert.Equal(t, 0.80, cfg.Extraction.DedupFlagThreshold)
	assert.True(t, cfg.Contradiction.Enabled)
	assert.True(t, cfg.Staleness.Enabled)
	assert.Equal(t, 0.7, cfg.Staleness.Threshold)
	assert.Equal(t, 30, cfg.Staleness.MinAgeDays)
	assert.Equal(t, 0, cfg.Check.MaxUnresolvedContradictions)
	assert.Equal(t, 2000, cfg.Prime.MaxTokens)
	assert.Equal(t, "127.0.0.1:9191", cfg.Server.Addr())
	assert.True(t, cfg.Secrets.Enabled)
}

func TestLoad_YAMLAndEnvPrecedence(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, t.TempDir(), `
data:
  dir: ~/kb
extraction:
  mode: full
  min_text_length: 20
contradiction:
  enabled: false
staleness:
  threshold: 0.5
  exclude_types: [BOUNDARY, DECISION]
llm:
  provider: anthropic
  api_key: sk-from-file
  timeout: 5s
server:
  port: 8088
`, 0600)

	t.Setenv("EXPERTD_STALENESS_THRESHOLD", "0.9")
	t.Setenv("EXPERTD_CHECK_MAX_STALE_RECORDS", "4")
	t.Setenv("EXPERTD_LLM_API_KEY", "sk-from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "kb"), cfg.Data.Dir)
	assert.Equal(t, filepath.Join(home, "kb", "records.db"), cfg.Data.RecordsPath())
	assert.Equal(t, "full", cfg.Extraction.Mode)
	assert.Equal(t, 20, cfg.Extraction.MinTextLength)
	assert.Equal(t, 0.95, cfg.Extraction.DedupSimilarityThreshold, "untouched keys keep defaults")
	assert.False(t, cfg.Contradiction.Enabled)
	assert.Equal(t, 0.9, cfg.Staleness.Threshold)
	assert.Equal(t, []string{"BOUNDARY", "DECISION"}, cfg.Staleness.ExcludeTypes)
	assert.Equal(t, 4, cfg.Check.MaxStaleRecords)
	assert.Equal(t, "sk-from-env", cfg.LLM.APIKey.Value())
	assert.Equal(t, 5*time.Second, cfg.LLM.Timeout.Duration())
	assert.Equal(t, 8088, cfg.Server.Port)
}

func TestLoad_ExplicitZerosKept(t *testing.T) {
	setupTestHome(t)
	path := writeConfig(t, t.TempDir(), `
extraction:
  min_text_length: 0
staleness:
  threshold: 0
`, 0600)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Extraction.MinTextLength)
	assert.Equal(t, 0.0, cfg.Staleness.Threshold)
}

func TestLoad_FileChecks(t *testing.T) {
	setupTestHome(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")

	if runtime.GOOS != "windows" {
		path := writeConfig(t, t.TempDir(), "server:\n  port: 1\n", 0644)
		_, err = Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insecure config file permissions")
	}

	big := writeConfig(t, t.TempDir(), "# "+strings.Repeat("x", maxConfigFileSize), 0600)
	_, err = Load(big)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoad_Invalid(t *testing.T) {
	setupTestHome(t)
	tests := []struct {
		yaml string
		want string
	}{
		{"extraction:\n  mode: psychic\n", "extraction.mode"},
		{"extraction:\n  dedup_flag_threshold: 0.99\n", "cannot exceed"},
		{"staleness:\n  threshold: 1.5\n", "staleness.threshold"},
		{"server:\n  port: 70000\n", "server.port"},
		{"check:\n  max_stale_records: -1\n", "check limits"},
		{"observability:\n  enabled: true\n  protocol: carrier-pigeon\n", "observability.protocol"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			_, err := Load(writeConfig(t, t.TempDir(), tt.yaml, 0600))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "data.dir", envKey("EXPERTD_DATA_DIR"))
	assert.Equal(t, "staleness.min_age_days", envKey("EXPERTD_STALENESS_MIN_AGE_DAYS"))
	assert.Equal(t, "verbose", envKey("EXPERTD_VERBOSE"))
}

func TestSecret_NeverLeaks(t *testing.T) {
	s := Secret("sk-live-123")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "sk-live")
	assert.Equal(t, "sk-live-123", s.Value())

	out, err := json.Marshal(LLMConfig{APIKey: s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "sk-live")

	var empty Secret
	assert.False(t, empty.IsSet())
	assert.Equal(t, "", empty.String())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
