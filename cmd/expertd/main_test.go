package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/knowledge"
)

// writeConfig writes a config that keeps every store under a temp dir and
// runs without an embedding index.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := `data:
  dir: ` + filepath.Join(dir, "data") + `
embeddings:
  provider: ""
logging:
  level: error
secrets:
  enabled: false
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// run executes the CLI and returns stdout.
func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func runJSON[T any](t *testing.T, cfgPath string, args ...string) T {
	t.Helper()
	out, err := run(t, cfgPath, append([]string{"--json"}, args...)...)
	require.NoError(t, err, out)
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"extract", "record", "domain", "prime", "stale", "prune", "graph", "check", "reindex", "serve", "mcp"} {
		assert.True(t, names[want], want)
	}
}

func TestRecordCommands(t *testing.T) {
	cfg := writeConfig(t)

	rec := runJSON[expertise.Record](t, cfg, "record", "add",
		"--type", "BOUNDARY", "--domain", "ops", "--severity", "CRITICAL", "--tag", "deploy",
		"never deploy on fridays")
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, knowledge.DefaultConfidence, rec.Confidence)
	assert.Equal(t, expertise.SeverityCritical, rec.Severity)

	got := runJSON[expertise.Record](t, cfg, "record", "get", rec.ID)
	assert.Equal(t, "never deploy on fridays", got.Content)

	updated := runJSON[expertise.Record](t, cfg, "record", "update", rec.ID,
		"--set", "confidence=0.95", "--set", "tags=deploy,release")
	assert.Equal(t, 0.95, updated.Confidence)
	assert.Equal(t, []string{"deploy", "release"}, updated.Tags)

	validated := runJSON[expertise.Record](t, cfg, "record", "validate", rec.ID)
	assert.Equal(t, 2, validated.ValidationCount)

	list := runJSON[[]expertise.Record](t, cfg, "record", "list", "--domain", "ops")
	require.Len(t, list, 1)

	_, err := run(t, cfg, "record", "delete", rec.ID)
	require.NoError(t, err)
	list = runJSON[[]expertise.Record](t, cfg, "record", "list", "--domain", "ops")
	assert.Empty(t, list)
	list = runJSON[[]expertise.Record](t, cfg, "record", "list", "--domain", "ops", "--all")
	assert.Len(t, list, 1)
}

func TestRecordErrors(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, cfg, "record", "add", "--type", "RUMOR", "--domain", "ops", "x")
	assert.ErrorIs(t, err, expertise.ErrValidation)

	_, err = run(t, cfg, "record", "get", "missing")
	assert.ErrorIs(t, err, expertise.ErrNotFound)

	_, err = run(t, cfg, "record", "update", "missing")
	assert.ErrorContains(t, err, "nothing to update")
}

func TestDomainCommands(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, cfg, "domain", "create", "golang", "--description", "Go code")
	require.NoError(t, err)

	domains := runJSON[[]expertise.Domain](t, cfg, "domain", "list")
	require.Len(t, domains, 1)
	assert.Equal(t, "golang", domains[0].Name)
	assert.Equal(t, "Go code", domains[0].Description)
}

func TestExtractPrimeAndCheck(t *testing.T) {
	cfg := writeConfig(t)

	convs := filepath.Join(t.TempDir(), "conversations.json")
	require.NoError(t, os.WriteFile(convs, []byte(`[{
		"conversation_id": "conv-1",
		"project_id": "api",
		"full_text": "We must never store credentials in the repository. Let's use the vault client for every secret lookup."
	}]`), 0o600))

	out, err := run(t, cfg, "--json", "extract", convs, "--domain", "security")
	require.NoError(t, err, out)
	var stats struct {
		Processed int `json:"processed"`
		Created   int `json:"created"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.Processed)
	assert.GreaterOrEqual(t, stats.Created, 1)

	primed, err := run(t, cfg, "prime", "--domain", "security")
	require.NoError(t, err)
	assert.Contains(t, primed, "credentials")

	report := runJSON[knowledge.CheckReport](t, cfg, "check")
	assert.True(t, report.Passed())
	assert.Len(t, report.Gates, 2)
}

func TestDetectWithoutIndex(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, cfg, "graph", "detect")
	assert.ErrorIs(t, err, expertise.ErrUnavailable)
}

func TestParseUpdateFields(t *testing.T) {
	fields, err := parseUpdateFields([]string{"content=use tabs", "confidence=0.5", "alternatives_considered=a, b"}, `{"severity": "HIGH"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"content":                 "use tabs",
		"confidence":              0.5,
		"alternatives_considered": []string{"a", "b"},
		"severity":                "HIGH",
	}, fields)

	_, err = parseUpdateFields([]string{"novalue"}, "")
	assert.Error(t, err)
	_, err = parseUpdateFields([]string{"confidence=high"}, "")
	assert.Error(t, err)
	_, err = parseUpdateFields(nil, `{`)
	assert.Error(t, err)
}

func TestReadConversations(t *testing.T) {
	convs, err := readConversations(strings.NewReader(`{"conversations": [{"conversation_id": "c1", "full_text": "x"}]}`), nil)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ID)

	convs, err = readConversations(strings.NewReader(`[{"conversation_id": "c2"}]`), []string{"-"})
	require.NoError(t, err)
	assert.Equal(t, "c2", convs[0].ID)

	_, err = readConversations(strings.NewReader(`[]`), nil)
	assert.ErrorContains(t, err, "no conversations")

	_, err = readConversations(strings.NewReader(`nope`), nil)
	assert.ErrorContains(t, err, "parsing conversations")
}
